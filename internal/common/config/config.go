// Package config provides configuration management for the bridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the bridge process.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Process     ProcessConfig     `mapstructure:"process"`
	Runtime     RuntimeConfig     `mapstructure:"runtime"`
	Permission  PermissionConfig  `mapstructure:"permission"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	Events      EventsConfig      `mapstructure:"events"`
	Logging     logConfig         `mapstructure:"logging"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
}

// logConfig mirrors logger.Config's mapstructure tags without importing the
// logger package, avoiding an import cycle while keeping one source key shape.
type logConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ServerConfig holds the optional localhost diagnostic HTTP server.
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
	DebugWS      bool   `mapstructure:"debugWs"`
}

// ProcessConfig controls how the vendor agent CLI child process is launched.
type ProcessConfig struct {
	Command      string            `mapstructure:"command"`
	Args         []string          `mapstructure:"args"`
	Env          map[string]string `mapstructure:"env"`
	GraceSeconds int               `mapstructure:"graceSeconds"`
	RespawnMax   int               `mapstructure:"respawnMax"`
}

// RuntimeConfig selects between a bare local process and a container runtime.
type RuntimeConfig struct {
	Mode  string       `mapstructure:"mode"` // local, container
	Image string       `mapstructure:"image"`
	Docker DockerConfig `mapstructure:"docker"`
}

// DockerConfig holds Docker client configuration for the container runtime.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// PermissionConfig controls tool-approval timeout behavior.
type PermissionConfig struct {
	TimeoutMs int `mapstructure:"timeoutMs"`
}

// RegistryConfig controls the on-disk session registry.
type RegistryConfig struct {
	Path             string `mapstructure:"path"`
	TranscriptsDir   string `mapstructure:"transcriptsDir"`
	DebounceMs       int    `mapstructure:"debounceMs"`
	PreviewMaxLength int    `mapstructure:"previewMaxLength"`
}

// EventsConfig selects the event bus backend.
type EventsConfig struct {
	Backend string `mapstructure:"backend"` // memory, nats
	NATSURL string `mapstructure:"natsUrl"`
}

// MCPConfig controls MCP server probing defaults.
type MCPConfig struct {
	ProbeTimeoutMs int `mapstructure:"probeTimeoutMs"`
}

// CredentialsConfig controls environment-variable credential lookup.
type CredentialsConfig struct {
	EnvPrefix string `mapstructure:"envPrefix"`
	File      string `mapstructure:"file"`
}

func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (p *ProcessConfig) GraceDuration() time.Duration {
	return time.Duration(p.GraceSeconds) * time.Second
}

func (p *PermissionConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0) // 0 = OS-assigned
	v.SetDefault("server.readTimeout", 10)
	v.SetDefault("server.writeTimeout", 10)
	v.SetDefault("server.debugWs", false)

	v.SetDefault("process.command", "claude-agent")
	v.SetDefault("process.args", []string{"--acp"})
	v.SetDefault("process.graceSeconds", 5)
	v.SetDefault("process.respawnMax", 3)

	v.SetDefault("runtime.mode", "local")
	v.SetDefault("runtime.docker.host", defaultDockerHost())
	v.SetDefault("runtime.docker.apiVersion", "1.41")

	v.SetDefault("permission.timeoutMs", 300000)

	v.SetDefault("registry.path", defaultRegistryPath())
	v.SetDefault("registry.debounceMs", 250)
	v.SetDefault("registry.previewMaxLength", 38)

	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.natsUrl", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr") // stdout is reserved for the event protocol

	v.SetDefault("mcp.probeTimeoutMs", 5000)

	v.SetDefault("credentials.envPrefix", "BRIDGE_")
}

func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

func defaultRegistryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "agentbridge", "registry.json")
	}
	return filepath.Join(home, ".agentbridge", "registry.json")
}

// Load reads configuration from environment variables, a config file, and
// defaults. Environment variables use the BRIDGE_ prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given directory (or default
// locations when empty).
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("process.command", "BRIDGE_AGENT_BIN", "BRIDGE_PROCESS_COMMAND")
	_ = v.BindEnv("logging.level", "BRIDGE_LOG_LEVEL")
	_ = v.BindEnv("registry.path", "BRIDGE_REGISTRY_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.agentbridge")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Enabled && (cfg.Server.Port < 0 || cfg.Server.Port > 65535) {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Process.Command == "" {
		errs = append(errs, "process.command is required")
	}
	if cfg.Runtime.Mode != "local" && cfg.Runtime.Mode != "container" {
		errs = append(errs, "runtime.mode must be 'local' or 'container'")
	}
	if cfg.Registry.Path == "" {
		errs = append(errs, "registry.path is required")
	}
	if cfg.Events.Backend != "memory" && cfg.Events.Backend != "nats" {
		errs = append(errs, "events.backend must be 'memory' or 'nats'")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
