package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Sandbox       SandboxConfig       `toml:"sandbox"`
	Pipeline      PipelineConfig      `toml:"pipeline"`
	Agent         AgentConfig         `toml:"agent"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds storage locations
type GeneralConfig struct {
	StorageDir   string `toml:"storage_dir"`
	DatabasePath string `toml:"database_path"`
}

// SandboxConfig holds sandbox provider and lifecycle settings
type SandboxConfig struct {
	Provider           string   `toml:"provider"`
	Template           string   `toml:"template"`
	BaseDir            string   `toml:"base_dir"`
	WorkDir            string   `toml:"work_dir"`
	IdleTimeoutSeconds int      `toml:"idle_timeout_seconds"`
	CacheCleanCommand  string   `toml:"cache_clean_command"`
	SnapshotPaths      []string `toml:"snapshot_paths"`
	ExcludeDirs        []string `toml:"exclude_dirs"`
	ReapSchedule       string   `toml:"reap_schedule"`
	PreviewPort        int      `toml:"preview_port"`
}

// PipelineConfig holds retry budgets and stage limits
type PipelineConfig struct {
	MaxRetries          int      `toml:"max_retries"`
	GlobalRetryCeiling  int      `toml:"global_retry_ceiling"`
	StageTimeoutSeconds int      `toml:"stage_timeout_seconds"`
	EssentialFiles      []string `toml:"essential_files"`
	ValidateCommand     string   `toml:"validate_command"`
	AgentValidation     bool     `toml:"agent_validation"`
}

// AgentConfig holds the external coding agent invocation
type AgentConfig struct {
	Command string `toml:"command"`
	MCPURL  string `toml:"mcp_url"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			StorageDir:   filepath.Join(home, ".sandbox-orchestrator", "projects"),
			DatabasePath: filepath.Join(home, ".sandbox-orchestrator", "runs.db"),
		},
		Sandbox: SandboxConfig{
			Provider:           "local",
			Template:           filepath.Join(home, ".sandbox-orchestrator", "template"),
			BaseDir:            filepath.Join(home, ".sandbox-orchestrator", "sandboxes"),
			WorkDir:            "/home/user/react-app",
			IdleTimeoutSeconds: 1800,
			CacheCleanCommand:  "rm -rf node_modules/.vite-temp",
			SnapshotPaths:      []string{"src", "public", "package.json", "index.html"},
			ExcludeDirs:        []string{"node_modules", ".git", "__pycache__", ".next", "dist", "build", ".venv", "venv"},
			ReapSchedule:       "*/5 * * * *",
			PreviewPort:        5173,
		},
		Pipeline: PipelineConfig{
			MaxRetries:          3,
			GlobalRetryCeiling:  10,
			StageTimeoutSeconds: 600,
			EssentialFiles:      []string{"src/App.jsx", "src/main.jsx", "package.json"},
			ValidateCommand:     "npm run build",
		},
		Agent: AgentConfig{
			Command: "claude -p --output-format text",
			MCPURL:  "http://127.0.0.1:8080/mcp",
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.StorageDir = ExpandPath(cfg.General.StorageDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Sandbox.Template = ExpandPath(cfg.Sandbox.Template)
	cfg.Sandbox.BaseDir = ExpandPath(cfg.Sandbox.BaseDir)

	return cfg, nil
}

// Validate rejects budgets and schedules the services cannot run with
func (c *Config) Validate() error {
	if c.Pipeline.MaxRetries <= 0 {
		return fmt.Errorf("pipeline.max_retries must be positive, got %d", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.GlobalRetryCeiling <= 0 {
		return fmt.Errorf("pipeline.global_retry_ceiling must be positive, got %d", c.Pipeline.GlobalRetryCeiling)
	}
	if c.Pipeline.StageTimeoutSeconds <= 0 {
		return fmt.Errorf("pipeline.stage_timeout_seconds must be positive, got %d", c.Pipeline.StageTimeoutSeconds)
	}
	if c.Sandbox.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("sandbox.idle_timeout_seconds must be positive, got %d", c.Sandbox.IdleTimeoutSeconds)
	}
	switch c.Sandbox.Provider {
	case "local", "docker":
	default:
		return fmt.Errorf("sandbox.provider: unknown provider %q", c.Sandbox.Provider)
	}
	if c.Sandbox.ReapSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.Sandbox.ReapSchedule); err != nil {
			return fmt.Errorf("sandbox.reap_schedule: %w", err)
		}
	}
	return nil
}

// IdleTimeout returns the sandbox idle timeout
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sandbox.IdleTimeoutSeconds) * time.Second
}

// StageTimeout returns the per-stage wall clock budget
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Pipeline.StageTimeoutSeconds) * time.Second
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "sandbox-orchestrator", "config.toml")
}
