// Package config loads the service configuration from file and environment
// and hot-reloads the policy rule file on change.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/agent"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/policy"
)

type Config struct {
	Server   ServerConfig        `mapstructure:"server"`
	Auth     AuthConfig          `mapstructure:"auth"`
	Policy   PolicyConfig        `mapstructure:"policy"`
	Approval ApprovalConfig      `mapstructure:"approval"`
	Gateway  agent.GatewayConfig `mapstructure:"gateway"`
	MCP      MCPConfig           `mapstructure:"mcp"`
	Agent    AgentConfig         `mapstructure:"agent"`
	Notify   NotifyConfig        `mapstructure:"notify"`
	Logger   LoggerConfig        `mapstructure:"logger"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	Users    []UserEntry   `mapstructure:"users"`
}

type UserEntry struct {
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	Roles    []string `mapstructure:"roles"`
}

type PolicyConfig struct {
	// RulesFile points at a JSON rule list. Empty means built-in defaults.
	RulesFile string `mapstructure:"rules_file"`
	// WASMDir optionally loads sandboxed policy modules instead of rules.
	WASMDir     string `mapstructure:"wasm_dir"`
	Environment string `mapstructure:"environment"`
	CacheSize   int    `mapstructure:"cache_size"`
}

type ApprovalConfig struct {
	DBPath       string        `mapstructure:"db_path"`
	AuditDBPath  string        `mapstructure:"audit_db_path"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type MCPConfig struct {
	Servers []agent.ServerConfig `mapstructure:"servers"`
}

type AgentConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	MaxSessions  int    `mapstructure:"max_sessions"`
	MaxTurns     int    `mapstructure:"max_turns"`
}

type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config.yaml (from the working directory or ./configs) merged
// with environment overrides, e.g. SERVER_PORT=9000.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("policy.environment", "dev")
	v.SetDefault("policy.cache_size", 512)
	v.SetDefault("approval.db_path", "./data/approvals.db")
	v.SetDefault("approval.audit_db_path", "./data/audit.db")
	v.SetDefault("approval.poll_interval", 10*time.Second)
	v.SetDefault("approval.timeout", 1800*time.Second)
	v.SetDefault("gateway.max_tokens", 4096)
	v.SetDefault("agent.max_sessions", 256)
	v.SetDefault("agent.max_turns", 6)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	for _, user := range c.Auth.Users {
		if user.Username == "" || user.Password == "" {
			return fmt.Errorf("auth user entries need both username and password")
		}
	}
	if c.Approval.PollInterval <= 0 {
		return fmt.Errorf("approval poll interval must be positive")
	}
	if c.Approval.Timeout < c.Approval.PollInterval {
		return fmt.Errorf("approval timeout must be at least the poll interval")
	}
	seen := make(map[string]struct{})
	for _, server := range c.MCP.Servers {
		if server.Alias == "" || server.URL == "" {
			return fmt.Errorf("mcp server entries need both alias and url")
		}
		if _, dup := seen[server.Alias]; dup {
			return fmt.Errorf("duplicate mcp server alias %q", server.Alias)
		}
		seen[server.Alias] = struct{}{}
	}
	return nil
}

// LoadRules reads policy rules from the configured JSON file, falling back
// to the built-in defaults when no file is configured.
func (c *Config) LoadRules() ([]policy.Rule, error) {
	if c.Policy.RulesFile == "" {
		return policy.DefaultRules(), nil
	}
	return policy.LoadRulesFile(c.Policy.RulesFile)
}
