package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models forge.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Gateway   GatewayConfig `yaml:"gateway"`
	Log       LogConfig     `yaml:"log"`
	Scripts   ScriptsConfig `yaml:"scripts"`
	Scheduler struct {
		Enabled    bool `yaml:"enabled"`
		IntervalMS int  `yaml:"interval_ms"`
	} `yaml:"scheduler"`
	Actions struct {
		TimeoutMS   int    `yaml:"timeout_ms"`
		TelegramAPI string `yaml:"telegram_api"`
		WhatsAppAPI string `yaml:"whatsapp_api"`
	} `yaml:"actions"`
}

// GatewayConfig holds the inbound webhook routes and their secrets.
type GatewayConfig struct {
	// UserID owns signals arriving on the chat channels, which carry no
	// Forge identity of their own.
	UserID              string `yaml:"user_id"`
	InboundPath         string `yaml:"inbound_path"`
	TelegramPath        string `yaml:"telegram_path"`
	DiscordPath         string `yaml:"discord_path"`
	WhatsAppPath        string `yaml:"whatsapp_path"`
	SharedSecret        string `yaml:"shared_secret"`
	TelegramSecretToken string `yaml:"telegram_secret_token"`
	DiscordPublicKey    string `yaml:"discord_public_key"`
	WhatsAppAppSecret   string `yaml:"whatsapp_app_secret"`
	WhatsAppVerifyToken string `yaml:"whatsapp_verify_token"`
	MaxBodyBytes        int64  `yaml:"max_body_bytes"`
	AsyncTimeoutMS      int    `yaml:"async_timeout_ms"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ScriptsConfig struct {
	Shell          string `yaml:"shell"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	OutputCapBytes int    `yaml:"output_cap_bytes"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	paths := map[string]string{
		"inbound_path":  c.Gateway.InboundPath,
		"telegram_path": c.Gateway.TelegramPath,
		"discord_path":  c.Gateway.DiscordPath,
		"whatsapp_path": c.Gateway.WhatsAppPath,
	}
	seen := map[string]string{}
	for name, p := range paths {
		if p == "" {
			return fmt.Errorf("config.gateway.%s is required", name)
		}
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config.gateway.%s must start with /", name)
		}
		if other, dup := seen[p]; dup {
			return fmt.Errorf("config.gateway.%s and config.gateway.%s share path %s", name, other, p)
		}
		seen[p] = name
	}
	if c.Gateway.UserID == "" {
		return fmt.Errorf("config.gateway.user_id is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	if c.Scripts.TimeoutMS < 0 || c.Scripts.OutputCapBytes < 0 {
		return fmt.Errorf("config.scripts limits must not be negative")
	}
	if c.Scheduler.IntervalMS < 0 || c.Actions.TimeoutMS < 0 || c.Gateway.AsyncTimeoutMS < 0 {
		return fmt.Errorf("config timeouts must not be negative")
	}
	return nil
}

// SchedulerInterval is how often the cron loop ticks.
func (c *Config) SchedulerInterval() time.Duration {
	return millis(c.Scheduler.IntervalMS, time.Minute)
}

// ActionTimeout bounds every non-script action.
func (c *Config) ActionTimeout() time.Duration {
	return millis(c.Actions.TimeoutMS, 60*time.Second)
}

// AsyncTimeout bounds deferred webhook ingestion.
func (c *Config) AsyncTimeout() time.Duration {
	return millis(c.Gateway.AsyncTimeoutMS, 2*time.Minute)
}

func (c *Config) ScriptTimeout() time.Duration {
	return millis(c.Scripts.TimeoutMS, 30*time.Second)
}

func millis(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "forge.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with forge config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8787
  base_path: /v0

auth:
  jwt_secret: ""

gateway:
  user_id: local-user
  inbound_path: /hooks/inbound
  telegram_path: /hooks/telegram
  discord_path: /hooks/discord
  whatsapp_path: /hooks/whatsapp
  shared_secret: ""
  telegram_secret_token: ""
  discord_public_key: ""
  whatsapp_app_secret: ""
  whatsapp_verify_token: ""
  max_body_bytes: 1048576
  async_timeout_ms: 120000

log:
  level: info
  format: text

scripts:
  shell: sh
  timeout_ms: 30000
  output_cap_bytes: 51200

scheduler:
  enabled: true
  interval_ms: 60000

actions:
  timeout_ms: 60000
  telegram_api: https://api.telegram.org
  whatsapp_api: https://graph.facebook.com/v21.0
`
