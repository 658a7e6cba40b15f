package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"scribeai/pkg/domain"
)

// ConfigPath is the default config location, relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port              string   `yaml:"port"`
	LogLevel          string   `yaml:"logLevel"`
	LogFormat         string   `yaml:"logFormat"`
	DatabaseURL       string   `yaml:"databaseURL"`
	RedisAddr         string   `yaml:"redisAddr"`
	RedisPassword     string   `yaml:"redisPassword"`
	AllowedOrigins    []string `yaml:"allowedOrigins"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCidrs"`
	PublicURL         string   `yaml:"publicURL"`

	JWKSURL     string `yaml:"jwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	QueueName string `yaml:"queueName"`

	StorageBackend   string `yaml:"storageBackend"`
	StorageEndpoint  string `yaml:"storageEndpoint"`
	StorageRegion    string `yaml:"storageRegion"`
	StorageAccessKey string `yaml:"storageAccessKey"`
	StorageSecretKey string `yaml:"storageSecretKey"`
	StorageBucket    string `yaml:"storageBucket"`
	StorageUseSSL    bool   `yaml:"storageUseSSL"`

	VectorBackend    string `yaml:"vectorBackend"`
	EmbeddingDim     int    `yaml:"embeddingDim"`
	QdrantURL        string `yaml:"qdrantURL"`
	QdrantAPIKey     string `yaml:"qdrantAPIKey"`
	QdrantCollection string `yaml:"qdrantCollection"`

	ProPriceID          string        `yaml:"proPriceID"`
	Plans               []domain.Plan `yaml:"plans"`
	StripeAPIBase       string        `yaml:"stripeAPIBase"`
	StripeSecretKey     string        `yaml:"stripeSecretKey"`
	StripeWebhookSecret string        `yaml:"stripeWebhookSecret"`

	MaxUploadBytes           int64    `yaml:"maxUploadBytes"`
	AllowedExtensions        []string `yaml:"allowedExtensions"`
	UploadRateLimitPerMinute int      `yaml:"uploadRateLimitPerMinute"`
	QuotaWindowDays          int      `yaml:"quotaWindowDays"`

	UploadJWTPublicKeyPath    string   `yaml:"uploadJwtPublicKeyPath"`
	UploadJWTVerifyPublicKeys string   `yaml:"uploadJwtVerifyPublicKeys"`
	UploadJWTKeyID            string   `yaml:"uploadJwtKeyId"`
	UploadJWTIssuers          []string `yaml:"uploadJwtIssuers"`
}

// Load reads config from path (defaults to config.yaml). A .env file in the
// working directory is loaded first so its values act as env overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("SCRIBE_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("SCRIBE_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitList(v)
	}
	if v := os.Getenv("SCRIBE_PUBLIC_URL"); v != "" {
		cfg.PublicURL = v
	}
	if v := os.Getenv("SCRIBE_JWKS_URL"); v != "" {
		cfg.JWKSURL = v
	}
	if v := os.Getenv("SCRIBE_JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("SCRIBE_JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("INGEST_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = v
	}
	if v := os.Getenv("STORAGE_ENDPOINT"); v != "" {
		cfg.StorageEndpoint = v
	}
	if v := os.Getenv("STORAGE_ACCESS_KEY"); v != "" {
		cfg.StorageAccessKey = v
	}
	if v := os.Getenv("STORAGE_SECRET_KEY"); v != "" {
		cfg.StorageSecretKey = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		cfg.StorageBucket = v
	}
	if v := os.Getenv("SCRIBE_VECTOR_BACKEND"); v != "" {
		cfg.VectorBackend = v
	}
	if v := os.Getenv("SCRIBE_EMBEDDING_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EmbeddingDim = n
		}
	}
	if v := os.Getenv("QDRANT_URL"); v != "" {
		cfg.QdrantURL = v
	}
	if v := os.Getenv("QDRANT_API_KEY"); v != "" {
		cfg.QdrantAPIKey = v
	}
	if v := os.Getenv("STRIPE_PRO_PRICE_ID"); v != "" {
		cfg.ProPriceID = v
	}
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		cfg.StripeSecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.StripeWebhookSecret = v
	}
	if v := os.Getenv("SCRIBE_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("SCRIBE_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SCRIBE_UPLOAD_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.UploadJWTPublicKeyPath = v
	}
	if v := os.Getenv("SCRIBE_UPLOAD_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.UploadJWTVerifyPublicKeys = v
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.QueueName == "" {
		cfg.QueueName = "scribe:ingest"
	}
	if cfg.UploadRateLimitPerMinute <= 0 {
		cfg.UploadRateLimitPerMinute = 20
	}
	if cfg.QuotaWindowDays <= 0 {
		cfg.QuotaWindowDays = 30
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{".pdf"}
	}
	if len(cfg.UploadJWTIssuers) == 0 {
		cfg.UploadJWTIssuers = []string{"scribe-uploader"}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.JWKSURL == "" || cfg.JWTIssuer == "" || cfg.JWTAudience == "" {
		return errors.New("config: jwksURL, jwtIssuer and jwtAudience are required (set in config.yaml)")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	if cfg.StorageBucket == "" {
		return errors.New("config: storageBucket is required (set in config.yaml or STORAGE_BUCKET)")
	}
	if !strings.EqualFold(cfg.StorageBackend, "s3") && cfg.StorageEndpoint == "" {
		return errors.New("config: storageEndpoint is required for minio (set in config.yaml or STORAGE_ENDPOINT)")
	}
	if strings.EqualFold(cfg.VectorBackend, "qdrant") && cfg.QdrantURL == "" {
		return errors.New("config: qdrantURL is required when vectorBackend=qdrant")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	if cfg.StripeSecretKey != "" && cfg.PublicURL == "" {
		return errors.New("config: publicURL is required when billing is enabled (set in config.yaml or SCRIBE_PUBLIC_URL)")
	}
	for _, p := range cfg.Plans {
		if p.Slug == "" || p.Quota <= 0 || p.PagesPerFile <= 0 {
			return fmt.Errorf("config: plan %q needs slug, quota > 0 and pagesPerFile > 0", p.Name)
		}
	}
	return nil
}

// QuotaWindow returns the upload quota window as a duration.
func (c FileConfig) QuotaWindow() time.Duration {
	return time.Duration(c.QuotaWindowDays) * 24 * time.Hour
}

// ParseJWTLeeway parses a duration such as "30s"; empty means zero.
func ParseJWTLeeway(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("config: jwtLeeway must be a non-negative duration, got %q", raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
