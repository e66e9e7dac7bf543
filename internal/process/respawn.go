package process

import (
	"context"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/common/config"
	"github.com/kandev/agentbridge/internal/common/logger"
)

// StartWithBackoff spawns a LocalProcess, retrying the spawn itself with
// bounded exponential backoff. This only covers failures to exec the
// binary (missing binary, permission errors); a process that starts
// cleanly and later exits mid-turn is reported to the owning session as
// BridgeDisconnected and is never silently respawned underneath an
// in-flight turn — that decision belongs to the session's consumer loop,
// not this package.
func StartWithBackoff(ctx context.Context, cfg config.ProcessConfig, dir string, log *logger.Logger) (AgentProcess, error) {
	maxRetries := uint64(cfg.RespawnMax)
	if maxRetries == 0 {
		maxRetries = 1
	}

	var proc *LocalProcess
	attempt := 0

	operation := func() error {
		attempt++
		proc = NewLocalProcess(cfg, dir, log)
		if err := proc.Start(ctx); err != nil {
			log.Warn("vendor process spawn failed, retrying",
				zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}

	return proc, nil
}
