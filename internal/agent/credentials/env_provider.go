package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// vendorCredentialKeys are the environment variables the vendor agent CLI
// itself reads for authentication, mirrored here so ListAvailable can
// report them without a full environment scan. The vendor process
// inherits the bridge's environment, and cmd/bridge additionally copies
// every key ListAvailable reports (prefixed ones under their unprefixed
// name) into the vendor process's environment.
var vendorCredentialKeys = []string{
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_AUTH_TOKEN",
	"CLAUDE_CODE_OAUTH_TOKEN",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_BEARER_TOKEN_BEDROCK",
	"ANTHROPIC_VERTEX_PROJECT_ID",
	"CLOUD_ML_REGION",
}

// EnvProvider resolves vendor credentials from the bridge process's own
// environment, optionally under a prefix so a desktop host can namespace
// multiple bridge instances' env vars (e.g. "BRIDGE_" per
// internal/common/config's own env-var convention) without colliding
// with the vendor CLI's unprefixed names.
type EnvProvider struct {
	prefix string
}

func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "environment" }

// GetCredential tries the prefixed form first, then the exact key, so a
// namespaced override always wins when both are set.
func (p *EnvProvider) GetCredential(ctx context.Context, key string) (*Credential, error) {
	if p.prefix != "" {
		if value := os.Getenv(p.prefix + key); value != "" {
			return &Credential{Key: key, Value: value, Source: "environment"}, nil
		}
	}

	if value := os.Getenv(key); value != "" {
		return &Credential{Key: key, Value: value, Source: "environment"}, nil
	}

	return nil, fmt.Errorf("credential not found: %s", key)
}

// ListAvailable reports which of vendorCredentialKeys are set (exact or
// prefixed), plus any other environment variable whose name looks like a
// credential the vendor CLI might consume.
func (p *EnvProvider) ListAvailable(ctx context.Context) ([]string, error) {
	var available []string
	seen := make(map[string]bool)

	add := func(key string) {
		if !seen[key] {
			seen[key] = true
			available = append(available, key)
		}
	}

	for _, key := range vendorCredentialKeys {
		if os.Getenv(key) != "" {
			add(key)
			continue
		}
		if p.prefix != "" && os.Getenv(p.prefix+key) != "" {
			add(key)
		}
	}

	for _, env := range os.Environ() {
		k, v, ok := strings.Cut(env, "=")
		if !ok || v == "" {
			continue
		}

		key := k
		if p.prefix != "" && strings.HasPrefix(key, p.prefix) {
			key = strings.TrimPrefix(key, p.prefix)
		}
		if seen[key] {
			continue
		}

		lowerKey := strings.ToLower(key)
		if strings.Contains(lowerKey, "api_key") || strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "secret") {
			add(key)
		}
	}

	return available, nil
}
