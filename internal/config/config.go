package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	ResultStore string   `mapstructure:"RESULT_STORE"`
	MongoURI    string   `mapstructure:"MONGO_URI"`
	MongoDBName string   `mapstructure:"MONGO_DB_NAME"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	JWTSecret    string `mapstructure:"JWT_SECRET"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	UploadDir     string `mapstructure:"UPLOAD_DIR"`
	MaxUploadSize string `mapstructure:"MAX_UPLOAD_SIZE"`

	AIProvider      string        `mapstructure:"AI_PROVIDER"`
	GeminiAPIKey    string        `mapstructure:"GEMINI_API_KEY"`
	GeminiModel     string        `mapstructure:"GEMINI_MODEL"`
	GCPProjectID    string        `mapstructure:"GCP_PROJECT_ID"`
	GCPLocation     string        `mapstructure:"GCP_LOCATION"`
	OpenAIAPIKey    string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel     string        `mapstructure:"OPENAI_MODEL"`
	AITimeout       time.Duration `mapstructure:"AI_TIMEOUT"`
	MaxAIInputChars int           `mapstructure:"MAX_AI_INPUT_CHARS"`

	// IndicatorFallback is "empty" or "heuristic".
	IndicatorFallback string `mapstructure:"INDICATOR_FALLBACK"`

	OCRPdftotext string        `mapstructure:"OCR_PDFTOTEXT"`
	OCRPdftoppm  string        `mapstructure:"OCR_PDFTOPPM"`
	OCRTesseract string        `mapstructure:"OCR_TESSERACT"`
	OCRDPI       int           `mapstructure:"OCR_DPI"`
	OCRLang      string        `mapstructure:"OCR_LANG"`
	OCRPSM       int           `mapstructure:"OCR_PSM"`
	OCRMaxPages  int           `mapstructure:"OCR_MAX_PAGES"`
	OCRTimeout   time.Duration `mapstructure:"OCR_TIMEOUT"`

	WorkerCount      int           `mapstructure:"WORKER_COUNT"`
	WorkerJobTimeout time.Duration `mapstructure:"WORKER_JOB_TIMEOUT"`
	TaskTTL          time.Duration `mapstructure:"TASK_TTL"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	MinIOEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinIOAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinIOBucket    string `mapstructure:"MINIO_BUCKET"`
	MinIORegion    string `mapstructure:"MINIO_REGION"`
	MinIOUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	WhatsAppAPIVersion    string        `mapstructure:"WHATSAPP_API_VERSION"`
	WhatsAppAccessToken   string        `mapstructure:"WHATSAPP_ACCESS_TOKEN"`
	WhatsAppPhoneNumberID string        `mapstructure:"WHATSAPP_PHONE_NUMBER_ID"`
	ReminderReconcile     time.Duration `mapstructure:"REMINDER_RECONCILE_INTERVAL"`
	ReminderTimezone      string        `mapstructure:"REMINDER_TIMEZONE"`
}

var boundKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"RESULT_STORE", "MONGO_URI", "MONGO_DB_NAME", "REDIS_URL", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "JWT_SECRET",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "UPLOAD_DIR", "MAX_UPLOAD_SIZE",
	"AI_PROVIDER", "GEMINI_API_KEY", "GEMINI_MODEL", "GCP_PROJECT_ID", "GCP_LOCATION",
	"OPENAI_API_KEY", "OPENAI_MODEL", "AI_TIMEOUT", "MAX_AI_INPUT_CHARS", "INDICATOR_FALLBACK",
	"OCR_PDFTOTEXT", "OCR_PDFTOPPM", "OCR_TESSERACT", "OCR_DPI", "OCR_LANG",
	"OCR_PSM", "OCR_MAX_PAGES", "OCR_TIMEOUT",
	"WORKER_COUNT", "WORKER_JOB_TIMEOUT", "TASK_TTL",
	"STORAGE_BACKEND", "MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY",
	"MINIO_BUCKET", "MINIO_REGION", "MINIO_USE_SSL",
	"WHATSAPP_API_VERSION", "WHATSAPP_ACCESS_TOKEN", "WHATSAPP_PHONE_NUMBER_ID",
	"REMINDER_RECONCILE_INTERVAL", "REMINDER_TIMEZONE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("RESULT_STORE", "postgres")
	v.SetDefault("MONGO_DB_NAME", "vitalyze")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("UPLOAD_DIR", "temp_uploads")
	v.SetDefault("MAX_UPLOAD_SIZE", "20M")
	v.SetDefault("AI_PROVIDER", "gemini")
	v.SetDefault("GEMINI_MODEL", "gemini-1.5-flash")
	v.SetDefault("GCP_LOCATION", "us-central1")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("AI_TIMEOUT", "60s")
	v.SetDefault("MAX_AI_INPUT_CHARS", 30000)
	v.SetDefault("INDICATOR_FALLBACK", "empty")
	v.SetDefault("OCR_PDFTOTEXT", "pdftotext")
	v.SetDefault("OCR_PDFTOPPM", "pdftoppm")
	v.SetDefault("OCR_TESSERACT", "tesseract")
	v.SetDefault("OCR_DPI", 300)
	v.SetDefault("OCR_LANG", "eng")
	v.SetDefault("OCR_PSM", 6)
	v.SetDefault("OCR_MAX_PAGES", 20)
	v.SetDefault("OCR_TIMEOUT", "3m")
	v.SetDefault("WORKER_COUNT", 4)
	v.SetDefault("WORKER_JOB_TIMEOUT", "5m")
	v.SetDefault("TASK_TTL", "24h")
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("MINIO_BUCKET", "medical-reports")
	v.SetDefault("MINIO_REGION", "us-east-1")
	v.SetDefault("WHATSAPP_API_VERSION", "v19.0")
	v.SetDefault("REMINDER_RECONCILE_INTERVAL", "5m")
	v.SetDefault("REMINDER_TIMEZONE", "UTC")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); requests without a token act as dev-user.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesRedis reports whether task records and the job queue live in Redis.
// Without REDIS_URL both fall back to process memory, which only works
// when the API and the workers share a process.
func (c *Config) UsesRedis() bool {
	return c.RedisURL != ""
}

// Validate checks cross-field rules that Load cannot express as defaults.
func (c *Config) Validate() error {
	switch c.ResultStore {
	case "postgres":
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required when RESULT_STORE is \"mongo\"")
		}
	default:
		return fmt.Errorf("RESULT_STORE must be \"postgres\" or \"mongo\", got %q", c.ResultStore)
	}

	switch c.AIProvider {
	case "gemini":
		if c.GeminiAPIKey == "" && c.GCPProjectID == "" {
			return fmt.Errorf("GEMINI_API_KEY or GCP_PROJECT_ID is required when AI_PROVIDER is \"gemini\"")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is \"openai\"")
		}
	default:
		return fmt.Errorf("AI_PROVIDER must be \"gemini\" or \"openai\", got %q", c.AIProvider)
	}

	if c.IndicatorFallback != "empty" && c.IndicatorFallback != "heuristic" {
		return fmt.Errorf("INDICATOR_FALLBACK must be \"empty\" or \"heuristic\", got %q", c.IndicatorFallback)
	}

	switch c.StorageBackend {
	case "memory":
	case "minio":
		if c.MinIOEndpoint == "" || c.MinIOAccessKey == "" || c.MinIOSecretKey == "" {
			return fmt.Errorf("MINIO_ENDPOINT, MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when STORAGE_BACKEND is \"minio\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"memory\" or \"minio\", got %q", c.StorageBackend)
	}

	if !c.IsDev() && c.JWTSecret == "" && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("JWT_SECRET, AUTH_ISSUER or AUTH_JWKS_URL must be set outside development")
	}

	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if _, err := time.LoadLocation(c.ReminderTimezone); err != nil {
		return fmt.Errorf("REMINDER_TIMEZONE: %w", err)
	}

	return nil
}
