// Package config provides configuration management for Devflow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/devflow/devflow/internal/common/constants"
)

// Config holds all configuration sections for Devflow.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Modules      ModulesConfig      `mapstructure:"modules"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" uses Path; driver "postgres" uses the network fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// OrchestratorConfig holds workflow execution timing and concurrency limits.
type OrchestratorConfig struct {
	AgentTimeoutMinutes    int `mapstructure:"agentTimeoutMinutes"`
	WorkflowTimeoutMinutes int `mapstructure:"workflowTimeoutMinutes"`
	PauseWaitMinutes       int `mapstructure:"pauseWaitMinutes"`
	PollIntervalSeconds    int `mapstructure:"pollIntervalSeconds"`
	ReaperIntervalMinutes  int `mapstructure:"reaperIntervalMinutes"`
	LockTTLSeconds         int `mapstructure:"lockTtlSeconds"`
	MaxConcurrentTrees     int `mapstructure:"maxConcurrentTrees"`
}

// WorkspaceConfig holds working-directory configuration for agent execution.
type WorkspaceConfig struct {
	BasePath      string `mapstructure:"basePath"`
	DefaultBranch string `mapstructure:"defaultBranch"`
}

// AgentBinding maps one agent type to an executable.
type AgentBinding struct {
	Type    string   `mapstructure:"type"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// AgentsConfig holds the agent executable registry. Agent types without an
// explicit binding fall back to the default command.
type AgentsConfig struct {
	DefaultCommand string         `mapstructure:"defaultCommand"`
	DefaultArgs    []string       `mapstructure:"defaultArgs"`
	Registry       []AgentBinding `mapstructure:"registry"`
}

// ModuleSettings configures a single registered target module.
type ModuleSettings struct {
	Name     string `mapstructure:"name"`
	RepoURL  string `mapstructure:"repoUrl"`
	AutoLoad bool   `mapstructure:"autoLoad"`
}

// ModulesConfig holds the module registry consumed at startup. Modules with
// autoLoad=true have their interrupted workflow trees resumed automatically.
type ModulesConfig struct {
	Registry []ModuleSettings `mapstructure:"registry"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AgentTimeout returns the per-step agent timeout as a time.Duration.
func (o *OrchestratorConfig) AgentTimeout() time.Duration {
	return time.Duration(o.AgentTimeoutMinutes) * time.Minute
}

// WorkflowTimeout returns the workflow stall timeout as a time.Duration.
func (o *OrchestratorConfig) WorkflowTimeout() time.Duration {
	return time.Duration(o.WorkflowTimeoutMinutes) * time.Minute
}

// PauseWait returns the maximum pause-wait as a time.Duration.
func (o *OrchestratorConfig) PauseWait() time.Duration {
	return time.Duration(o.PauseWaitMinutes) * time.Minute
}

// PollInterval returns the interrupt poll interval as a time.Duration.
func (o *OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalSeconds) * time.Second
}

// ReaperInterval returns the reaper cadence as a time.Duration.
func (o *OrchestratorConfig) ReaperInterval() time.Duration {
	return time.Duration(o.ReaperIntervalMinutes) * time.Minute
}

// LockTTL returns the tree lock TTL as a time.Duration.
func (o *OrchestratorConfig) LockTTL() time.Duration {
	return time.Duration(o.LockTTLSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and "text"
// for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite unless a driver is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./devflow.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "devflow")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "devflow")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "devflow")
	v.SetDefault("nats.maxReconnects", 10)

	// Orchestrator timing defaults
	v.SetDefault("orchestrator.agentTimeoutMinutes", int(constants.AgentTimeout/time.Minute))
	v.SetDefault("orchestrator.workflowTimeoutMinutes", int(constants.WorkflowStallTimeout/time.Minute))
	v.SetDefault("orchestrator.pauseWaitMinutes", int(constants.PauseWaitTimeout/time.Minute))
	v.SetDefault("orchestrator.pollIntervalSeconds", int(constants.InterruptPollInterval/time.Second))
	v.SetDefault("orchestrator.reaperIntervalMinutes", int(constants.ReaperInterval/time.Minute))
	v.SetDefault("orchestrator.lockTtlSeconds", int(constants.TreeLockTTL/time.Second))
	v.SetDefault("orchestrator.maxConcurrentTrees", 4)

	// Workspace defaults
	v.SetDefault("workspace.basePath", "~/.devflow/workspaces")
	v.SetDefault("workspace.defaultBranch", "main")

	// Agent defaults - the mock agent keeps a fresh checkout runnable without
	// any real agent installed
	v.SetDefault("agents.defaultCommand", "mock-agent")
	v.SetDefault("agents.defaultArgs", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVFLOW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/devflow/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DEVFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so bind
	// keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.driver", "DEVFLOW_DB_DRIVER")
	_ = v.BindEnv("database.path", "DEVFLOW_DB_PATH")
	_ = v.BindEnv("database.dbName", "DEVFLOW_DATABASE_DB_NAME")
	_ = v.BindEnv("workspace.basePath", "DEVFLOW_WORKSPACE_BASE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devflow/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Orchestrator.AgentTimeoutMinutes <= 0 {
		errs = append(errs, "orchestrator.agentTimeoutMinutes must be positive")
	}
	if cfg.Orchestrator.PollIntervalSeconds <= 0 {
		errs = append(errs, "orchestrator.pollIntervalSeconds must be positive")
	}
	if cfg.Orchestrator.MaxConcurrentTrees <= 0 {
		errs = append(errs, "orchestrator.maxConcurrentTrees must be positive")
	}

	if cfg.Agents.DefaultCommand == "" && len(cfg.Agents.Registry) == 0 {
		errs = append(errs, "agents.defaultCommand is required when no agent registry is configured")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
