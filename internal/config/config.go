package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/kelseyhightower/envconfig"
)

// DevSecret is used when JWT_SECRET is unset. It is only suitable for local runs.
const DevSecret = "z-huddle-dev-secret-change-me"

// Config aggregates the whole service configuration.
type Config struct {
	Server ServerConfig
	Auth   AuthConfig
	Ledger LedgerConfig
	Room   RoomConfig
	AI     AIConfig
	Log    LogConfig
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	var cfg Config
	cfg.Server = server
	for name, target := range map[string]any{
		"auth":   &cfg.Auth,
		"ledger": &cfg.Ledger,
		"room":   &cfg.Room,
		"ai":     &cfg.AI,
		"log":    &cfg.Log,
	} {
		if err := envconfig.Process("", target); err != nil {
			return nil, fmt.Errorf("load %s config: %w", name, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("invalid TOKEN_TTL value %s: must be positive", c.Auth.TokenTTL)
	}
	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerBadger:
		if strings.TrimSpace(c.Ledger.Path) == "" {
			return fmt.Errorf("LEDGER_PATH is required when LEDGER_BACKEND=%s", LedgerBadger)
		}
	default:
		return fmt.Errorf("invalid LEDGER_BACKEND value %q", c.Ledger.Backend)
	}
	if c.Room.SendBuffer < 1 {
		c.Room.SendBuffer = 1
	}
	if c.Room.MaxMessageLength < 1 {
		return fmt.Errorf("invalid MAX_MESSAGE_LENGTH value %d", c.Room.MaxMessageLength)
	}
	return nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr           string        `ignored:"true"`
	PublicBaseURL  string        `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`
	ReadTimeout    time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout    time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`
}

type serverEnv struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// loadServerConfig resolves the listen address.
func loadServerConfig() (ServerConfig, error) {
	var env serverEnv
	if err := envconfig.Process("", &env); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("load server config: %w", err)
	}

	port := strings.TrimSpace(env.Port)
	if port == "" {
		port = "8080"
	}
	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}
	if strings.Contains(port, ":") {
		// ":8080" and "127.0.0.1:8080" are accepted as-is.
		cfg.Addr = port
	} else {
		cfg.Addr = ":" + port
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return cfg, nil
}

// AuthConfig describes credential signing.
type AuthConfig struct {
	Secret   string        `envconfig:"JWT_SECRET" default:"z-huddle-dev-secret-change-me"`
	TokenTTL time.Duration `envconfig:"TOKEN_TTL" default:"24h"`
	Issuer   string        `envconfig:"JWT_ISSUER" default:"z-huddle"`
}

// UsesDevSecret reports whether the built-in development secret is active.
func (c AuthConfig) UsesDevSecret() bool {
	return c.Secret == DevSecret
}

const (
	LedgerMemory = "memory"
	LedgerBadger = "badger"
)

// LedgerConfig selects the integrity ledger backend.
type LedgerConfig struct {
	Backend string `envconfig:"LEDGER_BACKEND" default:"memory"`
	Path    string `envconfig:"LEDGER_PATH" default:"data/ledger"`
}

// RoomConfig tunes the per-session coordination.
type RoomConfig struct {
	SendBuffer       int           `envconfig:"SEND_BUFFER" default:"64"`
	WriteTimeout     time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	CommandBuffer    int           `envconfig:"COMMAND_BUFFER" default:"128"`
	MaxMessageLength int           `envconfig:"MAX_MESSAGE_LENGTH" default:"4000"`
	RateLimit        float64       `envconfig:"MESSAGE_RATE_LIMIT" default:"5"`
	RateBurst        int           `envconfig:"MESSAGE_RATE_BURST" default:"10"`
	AITimeout        time.Duration `envconfig:"AI_TIMEOUT" default:"60s"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level   string `envconfig:"LOG_LEVEL" default:"info"`
	Console bool   `envconfig:"LOG_CONSOLE" default:"true"`
}

// AIConfig describes the chat model backing the assistant.
type AIConfig struct {
	APIKey       string   `envconfig:"ARK_API_KEY"`
	AccessKey    string   `envconfig:"ARK_ACCESS_KEY"`
	SecretKey    string   `envconfig:"ARK_SECRET_KEY"`
	Model        string   `envconfig:"ARK_MODEL"`
	BaseURL      string   `envconfig:"ARK_BASE_URL" default:"https://ark.cn-beijing.volces.com/api/v3"`
	Region       string   `envconfig:"ARK_REGION" default:"cn-beijing"`
	Temperature  *float64 `envconfig:"ARK_TEMPERATURE"`
	TopP         *float64 `envconfig:"ARK_TOP_P"`
	MaxTokens    *int     `envconfig:"ARK_MAX_TOKENS" default:"1024"`
	SystemPrompt string   `envconfig:"AI_SYSTEM_PROMPT" default:"You are a helpful assistant taking part in a group chat. Answer concisely."`
}

// Enabled reports whether the required credentials are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds an Ark chat model from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}
