package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"chat-client/internal/identity"
)

// Config holds every setting of the chat client.
type Config struct {
	ServerURL string `mapstructure:"server_url"`
	APIURL    string `mapstructure:"api_url"`
	Token     string `mapstructure:"token"`
	UserID    string `mapstructure:"user_id"`

	AckTimeout     time.Duration `mapstructure:"ack_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	RetryMaxElapsed    time.Duration `mapstructure:"retry_max_elapsed"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`

	LogDevelopment bool   `mapstructure:"log_development"`
	DebugAddr      string `mapstructure:"debug_addr"`
	DebugToken     string `mapstructure:"debug_token"`

	AMQPURL         string `mapstructure:"amqp_url"`
	AMQPExchange    string `mapstructure:"amqp_exchange"`
	AuditRoutingKey string `mapstructure:"audit_routing_key"`
	Environment     string `mapstructure:"environment"`

	OTelEndpoint string `mapstructure:"otel_endpoint"`

	HistorySource string `mapstructure:"history_source"`
	DBDSN         string `mapstructure:"db_dsn"`
}

const (
	HistorySourceREST     = "rest"
	HistorySourcePostgres = "postgres"
)

var defaults = map[string]any{
	"server_url":           "ws://localhost:8083/ws",
	"api_url":              "http://localhost:8083",
	"token":                "",
	"user_id":              "",
	"ack_timeout":          10 * time.Second,
	"connect_timeout":      10 * time.Second,
	"http_timeout":         15 * time.Second,
	"retry_max_elapsed":    10 * time.Second,
	"breaker_max_failures": 5,
	"breaker_timeout":      30 * time.Second,
	"log_development":      false,
	"debug_addr":           "",
	"debug_token":          "",
	"amqp_url":             "",
	"amqp_exchange":        "audit",
	"audit_routing_key":    "audit.chat-client",
	"environment":          "local",
	"otel_endpoint":        "",
	"history_source":       HistorySourceREST,
	"db_dsn":               "",
}

// Load reads an optional config file and overlays CHAT_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.UserID == "" && cfg.Token != "" {
		id, err := identity.UserIDFromToken(cfg.Token)
		if err != nil {
			return nil, fmt.Errorf("derive user id: %w", err)
		}
		cfg.UserID = id
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.AckTimeout <= 0 {
		return errors.New("ack_timeout must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be positive")
	}
	switch c.HistorySource {
	case HistorySourceREST:
	case HistorySourcePostgres:
		if c.DBDSN == "" {
			return errors.New("db_dsn is required when history_source is postgres")
		}
	default:
		return fmt.Errorf("unknown history_source %q", c.HistorySource)
	}
	return nil
}
