// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// Matrix connection, the verification workflow, session storage, the admin
// HTTP server, logging, rate limiting, and observability.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/tbourn/go-gate-bot/internal/sysutil"
)

// Session store backends.
const (
	StoreSQL    = "sql"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool          `env:"ENABLE_HSTS" envDefault:"false"`
	HSTSMaxAge time.Duration `env:"HSTS_MAX_AGE" envDefault:"4320h"`
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	ServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"go-gate-bot"`
	SampleRatio float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1.0"`
}

// MatrixConfig holds the homeserver connection and outbound pacing.
type MatrixConfig struct {
	HomeserverURL string        `env:"MATRIX_HOMESERVER_URL"`
	AccessToken   string        `env:"MATRIX_ACCESS_TOKEN"`
	RPS           float64       `env:"MATRIX_RPS" envDefault:"10"`
	Burst         int           `env:"MATRIX_BURST" envDefault:"20"`
	SyncTimeout   time.Duration `env:"SYNC_TIMEOUT" envDefault:"30s"`
}

// BotConfig holds user-facing bot behaviour.
type BotConfig struct {
	CommandPrefix string   `env:"COMMAND_PREFIX" envDefault:"!gate"`
	AutoJoin      bool     `env:"AUTO_JOIN" envDefault:"true"`
	SupportRoom   string   `env:"SUPPORT_ROOM"`
	GatedRooms    []string `env:"GATED_ROOMS" envSeparator:","`
}

// CaptchaConfig points at the Challenge Provider.
type CaptchaConfig struct {
	Endpoint string        `env:"CAPTCHA_ENDPOINT" envDefault:"http://localhost:8090/captcha"`
	Timeout  time.Duration `env:"CAPTCHA_TIMEOUT" envDefault:"10s"`
}

// StoreConfig selects and configures the session store backend.
type StoreConfig struct {
	Backend       string `env:"SESSION_STORE" envDefault:"sql"`
	DBDriver      string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBPath        string `env:"DB_PATH" envDefault:"gatebot.db"`
	DBDSN         string `env:"DB_DSN"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Config holds all configuration values for the application.
type Config struct {
	Matrix  MatrixConfig
	Bot     BotConfig
	Captcha CaptchaConfig
	Store   StoreConfig

	// Workflow; a zero SessionTTL disables expiry.
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"5m"`
	EventDedupTTL time.Duration `env:"EVENT_DEDUP_TTL" envDefault:"24h"`
	Workers       int           `env:"WORKERS" envDefault:"8"`

	// Admin server
	Port              string        `env:"PORT" envDefault:"8080"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"20s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"MAX_HEADER_BYTES" envDefault:"1048576"`
	GinMode           string        `env:"GIN_MODE" envDefault:"release"`
	AdminToken        string        `env:"ADMIN_TOKEN"`

	// Logging / Docs
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty      bool   `env:"LOG_PRETTY" envDefault:"false"`
	SwaggerEnabled bool   `env:"SWAGGER_ENABLED" envDefault:"false"`
	APIBasePath    string `env:"API_BASE_PATH" envDefault:"/api/v1"`

	// Rate limiting (admin API)
	RateRPS   float64 `env:"RATE_RPS" envDefault:"5"`
	RateBurst int     `env:"RATE_BURST" envDefault:"10"`

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	var cfg Config
	opts := env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(true): parseBool,
		},
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.normalize()
	return cfg, cfg.validate()
}

func (cfg *Config) normalize() {
	cfg.GinMode = strings.ToLower(strings.TrimSpace(cfg.GinMode))
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	cfg.APIBasePath = normalizeBasePath(cfg.APIBasePath)
	cfg.CORS.AllowedOrigins = compact(cfg.CORS.AllowedOrigins)
	cfg.Bot.GatedRooms = compact(cfg.Bot.GatedRooms)
	cfg.Bot.CommandPrefix = strings.TrimSpace(cfg.Bot.CommandPrefix)
	cfg.Matrix.HomeserverURL = strings.TrimRight(strings.TrimSpace(cfg.Matrix.HomeserverURL), "/")
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	cfg.Store.DBDriver = strings.ToLower(strings.TrimSpace(cfg.Store.DBDriver))
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)
}

func (cfg *Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}

	// Matrix
	if cfg.Matrix.HomeserverURL == "" {
		return errors.New("MATRIX_HOMESERVER_URL must not be empty")
	}
	if u, err := url.Parse(cfg.Matrix.HomeserverURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("MATRIX_HOMESERVER_URL must be an absolute URL")
	}
	if strings.TrimSpace(cfg.Matrix.AccessToken) == "" {
		return errors.New("MATRIX_ACCESS_TOKEN must not be empty")
	}
	if cfg.Matrix.RPS < 0 {
		return errors.New("MATRIX_RPS must be >= 0")
	}
	if cfg.Matrix.Burst < 1 {
		return errors.New("MATRIX_BURST must be >= 1")
	}
	if cfg.Matrix.SyncTimeout <= 0 {
		return errors.New("SYNC_TIMEOUT must be > 0")
	}

	// Bot / captcha
	if cfg.Bot.CommandPrefix == "" {
		return errors.New("COMMAND_PREFIX must not be empty")
	}
	if strings.TrimSpace(cfg.Captcha.Endpoint) == "" {
		return errors.New("CAPTCHA_ENDPOINT must not be empty")
	}
	if cfg.Captcha.Timeout <= 0 {
		return errors.New("CAPTCHA_TIMEOUT must be > 0")
	}

	// Store
	switch cfg.Store.Backend {
	case StoreSQL:
		switch cfg.Store.DBDriver {
		case "sqlite":
			if strings.TrimSpace(cfg.Store.DBPath) == "" {
				return errors.New("DB_PATH must not be empty")
			}
		case "postgres":
			if strings.TrimSpace(cfg.Store.DBDSN) == "" {
				return errors.New("DB_DSN must not be empty when DB_DRIVER=postgres")
			}
		default:
			return errors.New("DB_DRIVER must be one of: sqlite, postgres")
		}
	case StoreRedis:
		if strings.TrimSpace(cfg.Store.RedisAddr) == "" {
			return errors.New("REDIS_ADDR must not be empty")
		}
	case StoreMemory:
	default:
		return errors.New("SESSION_STORE must be one of: sql, redis, memory")
	}

	// Workflow
	if cfg.SessionTTL < 0 {
		return errors.New("SESSION_TTL must be >= 0")
	}
	if cfg.SessionTTL > 0 && cfg.SweepInterval <= 0 {
		return errors.New("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if cfg.EventDedupTTL <= 0 {
		return errors.New("EVENT_DEDUP_TTL must be > 0")
	}
	if cfg.Workers < 1 {
		return errors.New("WORKERS must be >= 1")
	}

	// Admin server
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// IsGated reports whether roomID is subject to verification. An empty
// GATED_ROOMS list gates every room.
func (b BotConfig) IsGated(roomID string) bool {
	if len(b.GatedRooms) == 0 {
		return true
	}
	for _, r := range b.GatedRooms {
		if r == roomID {
			return true
		}
	}
	return false
}

// parseBool accepts the usual spellings of on/off switches.
func parseBool(v string) (any, error) {
	switch {
	case sysutil.IsTruthy(v):
		return true, nil
	case sysutil.IsFalsy(v):
		return false, nil
	}
	return nil, fmt.Errorf("invalid boolean %q", v)
}

// compact trims entries and drops empty ones.
func compact(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, p := range in {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
