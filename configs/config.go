// Package configs loads the pipeline's environment-driven configuration
// tree (spec §6), in the teacher's viper + mapstructure + godotenv +
// go-playground/validator pattern: struct tags declare shape and
// defaults, Load assembles it, validateConfig enforces the required
// subset and aborts startup when it is missing.
package configs

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full environment-driven configuration surface.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	CRM      CRMConfig      `mapstructure:"crm" validate:"required"`
	Intake   IntakeConfig   `mapstructure:"intake" validate:"required"`
	AI       AIConfig       `mapstructure:"ai" validate:"required"`
	Store    StoreConfig    `mapstructure:"store" validate:"required"`
	Alert    AlertConfig    `mapstructure:"alert" validate:"required"`
	Security SecurityConfig `mapstructure:"security" validate:"required"`
	App      AppConfig      `mapstructure:"app" validate:"required"`
	Logging  LoggingConfig  `mapstructure:"logging" validate:"required"`
}

// DatabaseConfig holds the Postgres DSN components (spec §6).
type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required" default:"localhost"`
	Port     int    `mapstructure:"port" validate:"required,min=1,max=65535" default:"5432"`
	User     string `mapstructure:"user" validate:"required" default:"postgres"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname" validate:"required" default:"tender_pipeline"`
	SSLMode  string `mapstructure:"sslmode" validate:"oneof=disable require verify-ca verify-full" default:"disable"`
}

// GetDSN returns the lib/pq connection string.
func (d DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// QueueConfig is the asynq/Redis connection the orchestrator consumes
// tender:process tasks from. Not named in spec §6's enumeration
// directly — it is the concrete home for the ambient task-queue
// addition (SPEC_FULL.md §2).
type QueueConfig struct {
	RedisAddr   string `mapstructure:"redis_addr" validate:"required" default:"localhost:6379"`
	Concurrency int    `mapstructure:"concurrency" validate:"min=1" default:"10"`
}

// CRMConfig is the CRM webhook this repo's Exporter posts leads to.
type CRMConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	// FieldOpportunityLinkKey is the CRM enumeration field id the
	// original system used for the garbled key
	// "OPPORTUNascopy link | edit linkOPPORTUNITY" — kept verbatim as
	// configuration per the unresolved Open Question (DESIGN.md).
	FieldOpportunityLinkKey string `mapstructure:"field_opportunity_link_key"`
	FieldPaymentTermsKey    string `mapstructure:"field_payment_terms_key"`
}

// IntakeConfig holds the bearer token the out-of-scope intake HTTP
// surface authenticates producers with; its absence still aborts
// startup here because the queue payload's trust boundary assumes it.
type IntakeConfig struct {
	BearerToken string `mapstructure:"bearer_token"`
}

// AIConfig is the AI classification service this repo's Classifier calls.
type AIConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	BearerToken string `mapstructure:"bearer_token"`
}

// StoreConfig is the S3-compatible object store (component A).
type StoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region" default:"us-east-1"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl" default:"true"`
}

// CanonicalURL returns "{endpoint}/{bucket}/{key}" per 4.A.
func (s StoreConfig) CanonicalURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.Endpoint, "/"), s.Bucket, key)
}

// AlertConfig is the chat-bot messaging API (component H).
type AlertConfig struct {
	ChatBotToken string `mapstructure:"chat_bot_token"`
	ChatID       string `mapstructure:"chat_id"`
}

// SecurityConfig holds the allowed CORS origins; unused by this repo's
// own (non-HTTP) entrypoint but retained because the out-of-scope
// intake surface shares this configuration tree.
type SecurityConfig struct {
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins" default:"http://localhost:3000"`
}

// AppConfig holds application-wide settings.
type AppConfig struct {
	Port        int    `mapstructure:"port" validate:"min=1,max=65535" default:"8080"`
	DownloadDir string `mapstructure:"download_dir" default:"/tmp/tender-pipeline"`
	StaleAfter  string `mapstructure:"stale_after" default:"1h"`
}

// LoggingConfig mirrors the teacher's logging configuration surface,
// consumed by internal/logging to build the zap base logger.
type LoggingConfig struct {
	Level    string `mapstructure:"level" validate:"oneof=debug info warn error fatal" default:"info"`
	Format   string `mapstructure:"format" validate:"oneof=json console" default:"json"`
	FilePath string `mapstructure:"file_path"` // optional; stdout when empty
}

// Load reads configuration from the environment (optionally seeded by
// a local .env via godotenv), applies defaults, and validates the
// required subset named in spec §6.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional in production; missing .env is not an error

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// AutomaticEnv only resolves keys viper already knows, so Unmarshal
	// would never see the keys that have no default; bind them explicitly.
	for _, key := range []string{
		"database.password",
		"crm.webhook_url", "crm.field_opportunity_link_key", "crm.field_payment_terms_key",
		"intake.bearer_token",
		"ai.base_url", "ai.bearer_token",
		"store.endpoint", "store.bucket", "store.access_key", "store.secret_key",
		"alert.chat_bot_token", "alert.chat_id",
		"logging.file_path",
	} {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.dbname", "tender_pipeline")
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("queue.redis_addr", "localhost:6379")
	viper.SetDefault("queue.concurrency", 10)

	viper.SetDefault("store.region", "us-east-1")
	viper.SetDefault("store.use_ssl", true)

	viper.SetDefault("security.cors_allowed_origins", []string{"http://localhost:3000"})

	viper.SetDefault("app.port", 8080)
	viper.SetDefault("app.download_dir", "/tmp/tender-pipeline")
	viper.SetDefault("app.stale_after", "1h")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// validateConfig runs struct-tag validation, then enforces the
// specific required-or-abort set named in spec §6: CRM URL, intake
// token, store access/secret, chat token, chat id.
func validateConfig(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	var missing []string
	if cfg.CRM.WebhookURL == "" {
		missing = append(missing, "CRM_WEBHOOK_URL")
	}
	if cfg.Intake.BearerToken == "" {
		missing = append(missing, "INTAKE_BEARER_TOKEN")
	}
	if cfg.Store.AccessKey == "" || cfg.Store.SecretKey == "" {
		missing = append(missing, "STORE_ACCESS_KEY/STORE_SECRET_KEY")
	}
	if cfg.Alert.ChatBotToken == "" {
		missing = append(missing, "ALERT_CHAT_BOT_TOKEN")
	}
	if cfg.Alert.ChatID == "" {
		missing = append(missing, "ALERT_CHAT_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

// IsProduction reports whether logging is configured for a
// production-style (json, non-debug) profile.
func (c *Config) IsProduction() bool {
	return c.Logging.Format == "json" && strings.ToLower(c.Logging.Level) != "debug"
}
