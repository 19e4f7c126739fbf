package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "COMPASS"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "compass.db"
	defaultLogLevel        = "info"
	defaultTokenIssuer     = "compass-auth"
	defaultTokenTTLMinutes = 60
	defaultPresenceTTL     = 5 * time.Minute
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultKafkaTopic      = "compass.document-operations"
	defaultDocumentID      = "workspace-overview"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	TokenIssuer     string
	TokenTTL        time.Duration
	RedisAddress    string
	RedisPassword   string
	KafkaBrokers    []string
	KafkaTopic      string
	OpenAIAPIKey    string
	OpenAIModel     string
	PresenceTTL     time.Duration
	DefaultDocument string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("kafka.brokers", []string{})
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("openai.api_key", "")
	configViper.SetDefault("openai.model", defaultOpenAIModel)
	configViper.SetDefault("presence.ttl_seconds", int(defaultPresenceTTL.Seconds()))
	configViper.SetDefault("documents.default_id", defaultDocumentID)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenIssuer:     configViper.GetString("auth.issuer"),
		TokenTTL:        time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RedisAddress:    configViper.GetString("redis.address"),
		RedisPassword:   configViper.GetString("redis.password"),
		KafkaBrokers:    configViper.GetStringSlice("kafka.brokers"),
		KafkaTopic:      configViper.GetString("kafka.topic"),
		OpenAIAPIKey:    configViper.GetString("openai.api_key"),
		OpenAIModel:     configViper.GetString("openai.model"),
		PresenceTTL:     time.Duration(configViper.GetInt("presence.ttl_seconds")) * time.Second,
		DefaultDocument: configViper.GetString("documents.default_id"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl_seconds must be positive")
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		return fmt.Errorf("kafka.topic is required when brokers are configured")
	}
	return nil
}
