package main

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/common/config"
	"github.com/kandev/agentbridge/internal/common/logger"
	"github.com/kandev/agentbridge/internal/events/bus"
	"github.com/kandev/agentbridge/internal/runtime"
	"github.com/kandev/agentbridge/internal/wsdebug"
)

// diagnosticServer exposes /healthz and /doctor on localhost so the
// desktop host can probe the bridge's environment without going
// through the stdio protocol, generalized from "is this HTTP server
// alive" to "is the vendor CLI this bridge depends on present". When
// server.debugWs is set it also mounts a GET /ws/debug firehose, one
// gorilla/websocket connection per viewer, mirroring every event the
// bridge publishes on its internal bus.
type diagnosticServer struct {
	cfg      *config.Config
	dockerRt *runtime.DockerRuntime
	logger   *logger.Logger
	srv      *http.Server
	wsHub    *wsdebug.Hub
}

func newDiagnosticServer(cfg *config.Config, dockerRt *runtime.DockerRuntime, eventBus bus.EventBus, log *logger.Logger) (*diagnosticServer, error) {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	d := &diagnosticServer{cfg: cfg, dockerRt: dockerRt, logger: log.WithFields(zap.String("component", "diagnostic-server"))}
	router.GET("/healthz", d.handleHealthz)
	router.GET("/doctor", d.handleDoctor)

	if cfg.Server.DebugWS {
		hub, err := wsdebug.NewHub(eventBus, log)
		if err != nil {
			return nil, err
		}
		d.wsHub = hub
		router.GET("/ws/debug", gin.WrapH(hub))
	}

	d.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	return d, nil
}

func (d *diagnosticServer) Run() {
	d.logger.Info("diagnostic server listening", zap.String("addr", d.srv.Addr))
	if err := d.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		d.logger.Error("diagnostic server stopped unexpectedly", zap.Error(err))
	}
}

func (d *diagnosticServer) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if d.wsHub != nil {
		d.wsHub.Close()
	}
	if err := d.srv.Shutdown(ctx); err != nil {
		d.logger.Warn("diagnostic server did not shut down cleanly", zap.Error(err))
	}
}

func (d *diagnosticServer) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
}

// doctorReport answers the doctor diagnostic contract: can the bridge
// find and run the binaries the vendor CLI depends on.
type doctorReport struct {
	OK            bool   `json:"ok"`
	ClaudeOK      bool   `json:"claudeOk"`
	ClaudeVersion string `json:"claudeVersion,omitempty"`
	ClaudePath    string `json:"claudePath,omitempty"`
	NodeOK        bool   `json:"nodeOk"`
	NodeVersion   string `json:"nodeVersion,omitempty"`
	DockerOK      bool   `json:"dockerOk,omitempty"`
	Details       string `json:"details,omitempty"`
}

func (d *diagnosticServer) handleDoctor(c *gin.Context) {
	report := runDoctorChecks(c.Request.Context(), d.cfg, d.dockerRt)
	status := http.StatusOK
	if !report.OK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func runDoctorChecks(ctx context.Context, cfg *config.Config, dockerRt *runtime.DockerRuntime) doctorReport {
	var details []string
	report := doctorReport{}

	claudePath, claudeVersion, err := checkBinary(ctx, cfg.Process.Command, "--version")
	report.ClaudeOK = err == nil
	report.ClaudePath = claudePath
	report.ClaudeVersion = claudeVersion
	if err != nil {
		details = append(details, fmt.Sprintf("%s: %v", cfg.Process.Command, err))
	}

	_, nodeVersion, err := checkBinary(ctx, "node", "--version")
	report.NodeOK = err == nil
	report.NodeVersion = nodeVersion
	if err != nil {
		details = append(details, fmt.Sprintf("node: %v", err))
	}

	if cfg.Runtime.Mode == "container" {
		if dockerRt != nil {
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := dockerRt.Ping(pingCtx); err != nil {
				details = append(details, fmt.Sprintf("docker: %v", err))
			} else {
				report.DockerOK = true
			}
		} else {
			details = append(details, "docker: runtime.mode is container but no Docker client was initialized")
		}
	}

	report.OK = report.ClaudeOK && report.NodeOK && (cfg.Runtime.Mode != "container" || report.DockerOK)
	report.Details = strings.Join(details, "; ")
	return report
}

// checkBinary resolves command on PATH and runs it with versionFlag,
// trimming the output to a single line.
func checkBinary(ctx context.Context, command, versionFlag string) (path, version string, err error) {
	path, err = exec.LookPath(command)
	if err != nil {
		return "", "", err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cmdCtx, path, versionFlag).Output()
	if err != nil {
		return path, "", err
	}
	version = strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	return path, version, nil
}
