package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	maxClockSkew = 5 * time.Minute
)

var ErrInvalidConfig = errors.New("invalid configuration")

type AppConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// friends. Enable it only behind a proxy that overwrites those headers.
	TrustProxyHeaders bool
}

type DbConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	MaxConnLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds the signing material and lifetimes. It is loaded once and
// must not be mutated afterwards.
type JWTConfig struct {
	Issuer     string
	Audience   string
	Key        string
	Alg        string
	KID        string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ClockSkew  time.Duration
}

type RefreshConfig struct {
	Store           string
	CleanupInterval time.Duration
	RateLimit       int
	RateWindow      time.Duration
}

type Config struct {
	AppConfig     *AppConfig
	DbConfig      *DbConfig
	RedisConfig   *RedisConfig
	JWTConfig     *JWTConfig
	RefreshConfig *RefreshConfig
}

// minKeyLength is the hash output size of each accepted HMAC algorithm.
var minKeyLength = map[string]int{
	"HS256": 32,
	"HS384": 48,
	"HS512": 64,
}

// LoadConfig reads the process environment, optionally seeded from the file
// named by ENV_FILE (default .env). A missing file is not an error.
func LoadConfig(logger *zap.Logger) (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil {
		logger.Warn("no env file loaded, using process environment", zap.String("file", envFile), zap.Error(err))
	}

	var errs []error
	p := parser{errs: &errs}

	/** app config */
	appConfig := &AppConfig{
		Port:         getEnv("APP_PORT", "8080"),
		ReadTimeout:  p.duration("APP_READ_TIMEOUT", "5s"),
		WriteTimeout: p.duration("APP_WRITE_TIMEOUT", "10s"),
		IdleTimeout:  p.duration("APP_IDLE_TIMEOUT", "60s"),

		TrustProxyHeaders: p.bool("TRUST_PROXY_HEADERS", "false"),
	}

	/** db config */
	dbConfig := &DbConfig{
		DSN:             os.Getenv("POSTGRES_DSN"),
		MaxOpenConns:    p.int("DB_MAX_OPEN_CONNS", "10"),
		MaxIdleConns:    p.int("DB_MAX_IDLE_CONNS", "5"),
		MaxConnLifetime: p.duration("DB_CONN_MAX_LIFETIME", "30m"),
	}

	/** redis config */
	redisConfig := &RedisConfig{
		Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       p.int("REDIS_DB", "0"),
	}

	/** jwt config */
	jwtConfig := &JWTConfig{
		Issuer:     os.Getenv("JWT_ISSUER"),
		Audience:   os.Getenv("JWT_AUDIENCE"),
		Key:        os.Getenv("JWT_KEY"),
		Alg:        getEnv("JWT_ALG", "HS256"),
		KID:        os.Getenv("JWT_KID"),
		AccessTTL:  p.duration("ACCESS_TTL", "15m"),
		RefreshTTL: p.duration("REFRESH_TTL", "168h"),
		ClockSkew:  p.duration("JWT_CLOCK_SKEW", "0s"),
	}

	/** refresh config */
	refreshConfig := &RefreshConfig{
		Store:           getEnv("REFRESH_STORE", StorePostgres),
		CleanupInterval: p.duration("REFRESH_CLEANUP_INTERVAL", "1h"),
		RateLimit:       p.int("REFRESH_RATE_LIMIT", "10"),
		RateWindow:      p.duration("REFRESH_RATE_WINDOW", "1m"),
	}

	cfg := &Config{
		AppConfig:     appConfig,
		DbConfig:      dbConfig,
		RedisConfig:   redisConfig,
		JWTConfig:     jwtConfig,
		RefreshConfig: refreshConfig,
	}
	if len(errs) == 0 {
		errs = append(errs, cfg.validate()...)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	errs = append(errs, c.JWTConfig.Validate()...)

	switch c.RefreshConfig.Store {
	case StorePostgres:
		if c.DbConfig.DSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is not set"))
		}
	case StoreRedis:
		if c.RedisConfig.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is not set"))
		}
	default:
		errs = append(errs, fmt.Errorf("REFRESH_STORE %q is not supported", c.RefreshConfig.Store))
	}
	if c.RefreshConfig.CleanupInterval <= 0 {
		errs = append(errs, errors.New("REFRESH_CLEANUP_INTERVAL must be positive"))
	}
	if c.RefreshConfig.RateLimit <= 0 || c.RefreshConfig.RateWindow <= 0 {
		errs = append(errs, errors.New("refresh rate limit must be positive"))
	}
	return errs
}

// Validate reports every problem with the token settings.
func (c *JWTConfig) Validate() []error {
	var errs []error
	if c.Issuer == "" {
		errs = append(errs, errors.New("JWT_ISSUER is not set"))
	}
	if c.Audience == "" {
		errs = append(errs, errors.New("JWT_AUDIENCE is not set"))
	}
	minLen, ok := minKeyLength[c.Alg]
	if !ok {
		errs = append(errs, fmt.Errorf("JWT_ALG %q is not supported", c.Alg))
	} else if len(c.Key) < minLen {
		errs = append(errs, fmt.Errorf("JWT_KEY must be at least %d bytes for %s", minLen, c.Alg))
	}
	if c.AccessTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TTL must be positive"))
	}
	if c.RefreshTTL <= c.AccessTTL {
		errs = append(errs, errors.New("REFRESH_TTL must be longer than ACCESS_TTL"))
	}
	if c.ClockSkew < 0 || c.ClockSkew > maxClockSkew {
		errs = append(errs, fmt.Errorf("JWT_CLOCK_SKEW must be between 0 and %s", maxClockSkew))
	}
	return errs
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// parser collects parse errors so every bad variable is reported at once.
type parser struct {
	errs *[]error
}

func (p parser) duration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return d
}

func (p parser) int(key, fallback string) int {
	n, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return n
}

func (p parser) bool(key, fallback string) bool {
	b, err := strconv.ParseBool(getEnv(key, fallback))
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
	}
	return b
}
