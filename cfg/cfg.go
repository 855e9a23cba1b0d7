package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StoreDynamoDB = "dynamodb"
	StoreBolt     = "bolt"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port            string
	Environment     string
	LogLevel        string
	StoreBackend    string
	DatabasePath    string
	BoltPath        string
	RedisURL        string
	RedisTLS        bool
	RedisUsername   string
	RedisPassword   Secret
	RedisTimeout    time.Duration
	DynamoTable     string
	DynamoEndpoint  string
	AWSRegion       string
	Blob            BlobCfg
	LRUCacheSize    int
	MinContentLen   int
	MaxFilesPerPost int
	IDStartLength   int
	IDMaxLength     int
	RateLimit       RateLimitCfg
	TrustedProxies  []string
	AllowedOrigins  []string
	MetricsUser     string
	MetricsPass     Secret
	ContextTimeout  time.Duration
	DBMaxOpenConns  int
	DBMaxIdleConns  int
	DBQueryTimeout  time.Duration
	CleanupInterval time.Duration
}

type BlobCfg struct {
	Endpoint     string
	Bucket       string
	Region       string
	UseTLS       bool
	AccessKey    string
	SecretKey    Secret
	SecretSource string
	SecretName   string
	PublicURL    string
}

type RateLimitCfg struct {
	RPM      int
	Burst    int
	PerIPRPM int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", StoreSQLite))
	c.DatabasePath = getEnv("DATABASE_PATH", "quickpaste.db")
	c.BoltPath = getEnv("BOLT_PATH", "quickpaste.bolt")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.DynamoTable = getEnv("DYNAMODB_TABLE", "PasteTable")
	c.DynamoEndpoint = getEnv("DYNAMODB_ENDPOINT", "")
	c.AWSRegion = getEnv("AWS_REGION", "")

	c.Blob.Endpoint = getEnv("BLOB_ENDPOINT", "s3.amazonaws.com")
	c.Blob.Bucket = getEnv("BLOB_BUCKET", "quickpaste-uploads")
	c.Blob.Region = getEnv("BLOB_REGION", "us-east-1")
	c.Blob.UseTLS = getEnv("BLOB_USE_TLS", "true") == "true"
	c.Blob.AccessKey = getEnv("BLOB_ACCESS_KEY", "")
	c.Blob.SecretKey = NewSecret(getEnv("BLOB_SECRET_KEY", ""))
	c.Blob.SecretSource = strings.ToLower(getEnv("BLOB_SECRET_SOURCE", "env"))
	c.Blob.SecretName = getEnv("BLOB_SECRET_NAME", "BLOB_SECRET_KEY")
	c.Blob.PublicURL = strings.TrimSuffix(getEnv("BLOB_PUBLIC_URL", ""), "/")

	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.MinContentLen, err = getInt("MIN_CONTENT_LENGTH", 0)
	if err != nil {
		return nil, err
	}
	c.MaxFilesPerPost, err = getInt("MAX_FILES_PER_PASTE", 20)
	if err != nil {
		return nil, err
	}
	c.IDStartLength, err = getInt("ID_START_LENGTH", 3)
	if err != nil {
		return nil, err
	}
	c.IDMaxLength, err = getInt("ID_MAX_LENGTH", 12)
	if err != nil {
		return nil, err
	}
	c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 600)
	if err != nil {
		return nil, err
	}
	c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, err
	}
	c.RateLimit.PerIPRPM, err = getInt("RATE_LIMIT_PER_IP_RPM", 60)
	if err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.StoreBackend {
	case StoreSQLite:
		if err := validateLocalPath("DATABASE_PATH", c.DatabasePath); err != nil {
			return err
		}
	case StoreBolt:
		if err := validateLocalPath("BOLT_PATH", c.BoltPath); err != nil {
			return err
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when STORE_BACKEND=redis")
		}
	case StoreDynamoDB:
		if c.DynamoTable == "" {
			return errors.New("DYNAMODB_TABLE is required when STORE_BACKEND=dynamodb")
		}
		if c.AWSRegion == "" {
			return errors.New("AWS_REGION is required when STORE_BACKEND=dynamodb")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
		return errors.New("BLOB_ENDPOINT and BLOB_BUCKET are required")
	}
	switch c.Blob.SecretSource {
	case "env", "vault", "aws":
	default:
		return fmt.Errorf("BLOB_SECRET_SOURCE must be env, vault or aws (got %q)", c.Blob.SecretSource)
	}
	if c.Blob.PublicURL != "" {
		u, err := url.Parse(c.Blob.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("BLOB_PUBLIC_URL must be an absolute URL")
		}
	}

	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.MinContentLen < 0 || c.MinContentLen > 1 {
		return errors.New("MIN_CONTENT_LENGTH must be 0 or 1")
	}
	if c.MaxFilesPerPost < 0 {
		return errors.New("MAX_FILES_PER_PASTE cannot be negative")
	}
	if c.IDStartLength < 1 {
		return errors.New("ID_START_LENGTH must be at least 1")
	}
	if c.IDMaxLength < c.IDStartLength {
		return errors.New("ID_MAX_LENGTH must be >= ID_START_LENGTH")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.PerIPRPM <= 0 {
		return errors.New("RATE_LIMIT_PER_IP_RPM must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if c.CleanupInterval < time.Minute {
		return errors.New("CLEANUP_INTERVAL must be at least 1 minute")
	}
	return nil
}
func validateLocalPath(key, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", key)
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if !strings.HasPrefix(absPath, absWorkDir+string(filepath.Separator)) && absPath != absWorkDir {
		return fmt.Errorf("%s must be within working directory %s", key, absWorkDir)
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Blob.SecretKey.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
