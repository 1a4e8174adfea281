package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	StoreDynamo = "dynamo"
	StoreMemory = "memory"
)

// Config is the resolved runtime configuration: defaults, then the optional
// YAML file, then environment overrides. Secrets come from the environment
// only.
type Config struct {
	Environment   string
	DevMode       bool
	HostPort      string
	AllowedOrigin string

	StoreBackend     string
	DynamoDBEndpoint string
	DynamoDBTable    string
	RedisEndpoint    string
	SQSEndpoint      string
	// Empty disables completion notifications.
	SQSNotifyQueue   string
	NotifyWebhookURL string

	JWTSecret          []byte
	GitHubClientId     string
	GitHubClientSecret string
	GoogleClientId     string
	GoogleClientSecret string
	OAuthRedirectURL   string

	AdminIdentities   []string
	AdminPasswordHash string

	TokenTTL          time.Duration
	LoginMaxAttempts  int
	LoginWindow       time.Duration
	LoginLockout      time.Duration
	MaxUpdateAttempts int
	ShutdownTimeout   time.Duration
}

type configFile struct {
	Server struct {
		Environment   string `yaml:"environment"`
		Port          string `yaml:"port"`
		AllowedOrigin string `yaml:"allowed_origin"`
	} `yaml:"server"`
	Store struct {
		Backend          string `yaml:"backend"`
		DynamoDBEndpoint string `yaml:"dynamodb_endpoint"`
		DynamoDBTable    string `yaml:"dynamodb_table"`
	} `yaml:"store"`
	Redis struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"redis"`
	Notify struct {
		SQSEndpoint string `yaml:"sqs_endpoint"`
		Queue       string `yaml:"queue"`
		WebhookURL  string `yaml:"webhook_url"`
	} `yaml:"notify"`
	Auth struct {
		OAuthRedirectURL  string        `yaml:"oauth_redirect_url"`
		AdminIdentities   []string      `yaml:"admin_identities"`
		TokenTTL          time.Duration `yaml:"token_ttl"`
		LoginMaxAttempts  int           `yaml:"login_max_attempts"`
		LoginWindow       time.Duration `yaml:"login_window"`
		LoginLockout      time.Duration `yaml:"login_lockout"`
		MaxUpdateAttempts int           `yaml:"max_update_attempts"`
	} `yaml:"auth"`
}

func defaults() Config {
	return Config{
		Environment:       "development",
		HostPort:          "8080",
		StoreBackend:      StoreDynamo,
		DynamoDBTable:     "SignLink",
		TokenTTL:          24 * time.Hour,
		LoginMaxAttempts:  5,
		LoginWindow:       15 * time.Minute,
		LoginLockout:      15 * time.Minute,
		MaxUpdateAttempts: 10,
		ShutdownTimeout:   10 * time.Second,
	}
}

// LoadConfig resolves configuration. A missing file at path is not an
// error; an unparsable one is.
func LoadConfig(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := applyFile(&cfg, raw); err != nil {
				return Config{}, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&cfg.Environment, f.Server.Environment)
	setString(&cfg.HostPort, f.Server.Port)
	setString(&cfg.AllowedOrigin, f.Server.AllowedOrigin)
	setString(&cfg.StoreBackend, f.Store.Backend)
	setString(&cfg.DynamoDBEndpoint, f.Store.DynamoDBEndpoint)
	setString(&cfg.DynamoDBTable, f.Store.DynamoDBTable)
	setString(&cfg.RedisEndpoint, f.Redis.Endpoint)
	setString(&cfg.SQSEndpoint, f.Notify.SQSEndpoint)
	setString(&cfg.SQSNotifyQueue, f.Notify.Queue)
	setString(&cfg.NotifyWebhookURL, f.Notify.WebhookURL)
	setString(&cfg.OAuthRedirectURL, f.Auth.OAuthRedirectURL)

	if len(f.Auth.AdminIdentities) > 0 {
		cfg.AdminIdentities = f.Auth.AdminIdentities
	}
	if f.Auth.TokenTTL > 0 {
		cfg.TokenTTL = f.Auth.TokenTTL
	}
	if f.Auth.LoginMaxAttempts > 0 {
		cfg.LoginMaxAttempts = f.Auth.LoginMaxAttempts
	}
	if f.Auth.LoginWindow > 0 {
		cfg.LoginWindow = f.Auth.LoginWindow
	}
	if f.Auth.LoginLockout > 0 {
		cfg.LoginLockout = f.Auth.LoginLockout
	}
	if f.Auth.MaxUpdateAttempts > 0 {
		cfg.MaxUpdateAttempts = f.Auth.MaxUpdateAttempts
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Environment = envOrDefault("ENVIRONMENT", cfg.Environment)
	cfg.DevMode = envBool("DEV_MODE", cfg.DevMode)
	cfg.HostPort = envOrDefault("HOST_PORT", cfg.HostPort)
	cfg.AllowedOrigin = envOrDefault("ALLOWED_ORIGIN", cfg.AllowedOrigin)

	cfg.StoreBackend = strings.ToLower(envOrDefault("STORE_BACKEND", cfg.StoreBackend))
	cfg.DynamoDBEndpoint = envOrDefault("DYNAMODB_ENDPOINT", cfg.DynamoDBEndpoint)
	cfg.DynamoDBTable = envOrDefault("DYNAMODB_TABLE", cfg.DynamoDBTable)
	cfg.RedisEndpoint = envOrDefault("REDIS_ENDPOINT", cfg.RedisEndpoint)
	cfg.SQSEndpoint = envOrDefault("SQS_ENDPOINT", cfg.SQSEndpoint)
	cfg.SQSNotifyQueue = envOrDefault("SQS_NOTIFY_QUEUE", cfg.SQSNotifyQueue)
	cfg.NotifyWebhookURL = envOrDefault("NOTIFY_WEBHOOK_URL", cfg.NotifyWebhookURL)

	cfg.GitHubClientId = envOrDefault("GITHUB_CLIENT_ID", cfg.GitHubClientId)
	cfg.GitHubClientSecret = envOrDefault("GITHUB_CLIENT_SECRET", cfg.GitHubClientSecret)
	cfg.GoogleClientId = envOrDefault("GOOGLE_CLIENT_ID", cfg.GoogleClientId)
	cfg.GoogleClientSecret = envOrDefault("GOOGLE_CLIENT_SECRET", cfg.GoogleClientSecret)
	cfg.OAuthRedirectURL = envOrDefault("OAUTH_REDIRECT_URL", cfg.OAuthRedirectURL)

	cfg.AdminIdentities = envCSV("ADMIN_IDENTITIES", cfg.AdminIdentities)
	cfg.AdminPasswordHash = envOrDefault("ADMIN_PASSWORD_HASH", cfg.AdminPasswordHash)

	cfg.TokenTTL = time.Duration(envInt("TOKEN_TTL_HOURS", int(cfg.TokenTTL.Hours()))) * time.Hour
	cfg.LoginMaxAttempts = envInt("LOGIN_MAX_ATTEMPTS", cfg.LoginMaxAttempts)
	cfg.LoginWindow = time.Duration(envInt("LOGIN_WINDOW_MINUTES", int(cfg.LoginWindow.Minutes()))) * time.Minute
	cfg.LoginLockout = time.Duration(envInt("LOGIN_LOCKOUT_MINUTES", int(cfg.LoginLockout.Minutes()))) * time.Minute
	cfg.MaxUpdateAttempts = envInt("MAX_UPDATE_ATTEMPTS", cfg.MaxUpdateAttempts)

	if raw := os.Getenv("JWT_SECRET"); raw != "" {
		secret, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("decode JWT_SECRET: %w", err)
		}
		cfg.JWTSecret = secret
	}
	return nil
}

func (c Config) Validate() error {
	if c.StoreBackend != StoreDynamo && c.StoreBackend != StoreMemory {
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must decode to at least 32 bytes")
	}
	if c.TokenTTL <= 0 || c.LoginWindow <= 0 || c.LoginLockout <= 0 {
		return errors.New("token ttl and login windows must be positive")
	}
	if c.LoginMaxAttempts <= 0 || c.MaxUpdateAttempts <= 0 {
		return errors.New("attempt limits must be positive")
	}
	for _, identity := range c.AdminIdentities {
		if provider, id, ok := strings.Cut(identity, ":"); !ok || provider == "" || id == "" {
			return fmt.Errorf("admin identity %q is not provider:id", identity)
		}
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// LogConfig logs the configuration with secrets redacted.
func LogConfig(cfg Config, logger *zap.Logger) {
	logger.Info("application configuration",
		zap.String("environment", cfg.Environment),
		zap.Bool("dev_mode", cfg.DevMode),
		zap.String("port", cfg.HostPort),
		zap.String("allowed_origin", cfg.AllowedOrigin),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("dynamodb_table", cfg.DynamoDBTable),
		zap.String("redis_endpoint", cfg.RedisEndpoint),
		zap.String("notify_queue", cfg.SQSNotifyQueue),
		zap.Bool("webhook_configured", cfg.NotifyWebhookURL != ""),
		zap.Bool("github_configured", cfg.GitHubClientId != ""),
		zap.Bool("google_configured", cfg.GoogleClientId != ""),
		zap.Int("admin_identities", len(cfg.AdminIdentities)),
		zap.Bool("admin_password_configured", cfg.AdminPasswordHash != ""),
		zap.String("jwt_secret", "[REDACTED]"),
		zap.Duration("token_ttl", cfg.TokenTTL),
		zap.Int("login_max_attempts", cfg.LoginMaxAttempts),
		zap.Duration("login_window", cfg.LoginWindow),
		zap.Duration("login_lockout", cfg.LoginLockout),
	)
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt falls back on empty or invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	switch os.Getenv(name) {
	case "1", "true", "TRUE", "yes":
		return true
	case "0", "false", "FALSE", "no":
		return false
	default:
		return fallback
	}
}

func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
