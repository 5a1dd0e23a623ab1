// Package config loads and validates the orchestrator's YAML configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/forge/internal/logging"
)

// Config is the root configuration loaded from YAML. Environment variables
// are expanded with os.ExpandEnv, and ~ paths are expanded to the home
// directory after parsing.
type Config struct {
	Version         string            `yaml:"version"`
	BindHost        string            `yaml:"bind_host"`
	APIPort         int               `yaml:"api_port"`
	MCPPort         int               `yaml:"mcp_port"`
	WorkspaceRoot   string            `yaml:"workspace_root"`
	AuthTokenSecret string            `yaml:"auth_token_secret"`
	TokenEncryptKey string            `yaml:"token_encryption_key"`
	SentryDSN       string            `yaml:"sentry_dsn"`
	AnalyticsURL    string            `yaml:"analytics_endpoint"`
	Store           *StoreConfig      `yaml:"store"`
	Worktree        *WorktreeConfig   `yaml:"worktree"`
	RateLimit       *RateLimitConfig  `yaml:"rate_limit"`
	Executor        *ExecutorConfig   `yaml:"executor"`
	Logging         *logging.Config   `yaml:"logging"`
	Projects        []*ProjectConfig  `yaml:"projects"`
	DefaultProject  string            `yaml:"default_project"`
}

// StoreConfig configures the embedded persistence layer.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite3" (cgo) or "sqlite" (modernc, pure Go)
	Path   string `yaml:"path"`
}

// WorktreeConfig configures the WorktreeManager.
type WorktreeConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	OrphanGrace   time.Duration `yaml:"orphan_grace"`
	DisableSweep  bool          `yaml:"disable_worktree_sweep"`
	GraceKill     time.Duration `yaml:"grace_kill"`
}

// RateLimitConfig configures AuthGate's per-category token buckets, as
// specified by the rate_limit_* configuration keys.
type RateLimitConfig struct {
	WebAPI            RateCategory `yaml:"web_api"`
	Auth              RateCategory `yaml:"auth"`
	MachineTool       RateCategory `yaml:"machine_tool"`
	UnauthenticatedIP RateCategory `yaml:"unauthenticated_ip"`
}

// RateCategory is one bucket's rate (per minute) and burst allowance.
type RateCategory struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// ExecutorConfig configures which agent backends are registered with the
// OutputNormalizer's strategy table and the attempt hard timeout.
type ExecutorConfig struct {
	Default        string        `yaml:"default"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// ProjectConfig holds configuration for a registered project.
type ProjectConfig struct {
	Name          string `yaml:"name"`
	Path          string `yaml:"path"`
	DefaultBranch string `yaml:"default_branch"`
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version:       "1.0",
		BindHost:      "127.0.0.1",
		APIPort:       9090,
		MCPPort:       9091,
		WorkspaceRoot: filepath.Join(homeDir, ".forge", "worktrees"),
		Store: &StoreConfig{
			Driver: "sqlite3",
			Path:   filepath.Join(homeDir, ".forge", "forge.db"),
		},
		Worktree: &WorktreeConfig{
			SweepInterval: 300 * time.Second,
			OrphanGrace:   24 * time.Hour,
			GraceKill:     10 * time.Second,
		},
		RateLimit: &RateLimitConfig{
			WebAPI:            RateCategory{PerMinute: 60, Burst: 10},
			Auth:              RateCategory{PerMinute: 10, Burst: 3},
			MachineTool:       RateCategory{PerMinute: 120, Burst: 20},
			UnauthenticatedIP: RateCategory{PerMinute: 30, Burst: 5},
		},
		Executor: &ExecutorConfig{
			Default:        "echo-agent",
			AttemptTimeout: 2 * time.Hour,
		},
		Logging:  logging.DefaultConfig(),
		Projects: []*ProjectConfig{},
	}
}

// Load reads and parses configuration from a YAML file at the given path.
// Environment variables in the file are expanded using os.ExpandEnv syntax.
// If the file does not exist, default configuration is returned.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.WorkspaceRoot = expandPath(config.WorkspaceRoot)
	if config.Store != nil {
		config.Store.Path = expandPath(config.Store.Path)
	}
	for _, project := range config.Projects {
		project.Path = expandPath(project.Path)
	}

	return config, nil
}

// Save writes the configuration to a YAML file at the given path, creating
// the parent directory if it does not exist.
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration file path
// (~/.forge/config.yaml).
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".forge", "config.yaml")
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate checks the configuration for errors: required fields, port
// ranges, and mandatory production secrets.
func (c *Config) Validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api_port: %d", c.APIPort)
	}
	if c.MCPPort < 1 || c.MCPPort > 65535 {
		return fmt.Errorf("invalid mcp_port: %d", c.MCPPort)
	}
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace_root is required")
	}
	if c.AuthTokenSecret == "" {
		return fmt.Errorf("auth_token_secret is required")
	}
	if c.TokenEncryptKey != "" && len(c.TokenEncryptKey) != 32 {
		return fmt.Errorf("token_encryption_key must be exactly 32 bytes, got %d", len(c.TokenEncryptKey))
	}
	return nil
}

// CheckDeprecations logs warnings for deprecated configuration fields and
// returns them for testing purposes.
func (c *Config) CheckDeprecations() []string {
	var warnings []string
	if c.Worktree != nil && c.Worktree.DisableSweep && c.Worktree.SweepInterval == 0 {
		msg := "config: worktree.sweep_interval is ignored while disable_worktree_sweep is set"
		log.Printf("DEPRECATED: %s", msg)
		warnings = append(warnings, msg)
	}
	return warnings
}

// GetProjectByName returns the project configuration matching the given
// name, case-insensitively. Returns nil if no matching project is found.
func (c *Config) GetProjectByName(name string) *ProjectConfig {
	nameLower := strings.ToLower(name)
	for _, project := range c.Projects {
		if strings.ToLower(project.Name) == nameLower {
			return project
		}
	}
	return nil
}

// GetDefaultProject returns the default project configuration, falling
// back to the first configured project. Returns nil if none are configured.
func (c *Config) GetDefaultProject() *ProjectConfig {
	if c.DefaultProject != "" {
		if proj := c.GetProjectByName(c.DefaultProject); proj != nil {
			return proj
		}
	}
	if len(c.Projects) > 0 {
		return c.Projects[0]
	}
	return nil
}
