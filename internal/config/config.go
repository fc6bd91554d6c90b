package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process and callctl.
// Values come from env, optionally seeded from a .env file (ENV_FILE).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Auth   AuthConfig
	Calls  CallsConfig
	WebRTC WebRTCConfig
	HTTP   HTTPConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// CallsConfig tunes the call record lifecycle.
type CallsConfig struct {
	// RingTimeout ends an unanswered call as missed; 0 disables.
	RingTimeout time.Duration
	// RecordTTL is the lease a heartbeat buys a live record. Records whose
	// lease lapses are ended as expired and recorded.
	RecordTTL         time.Duration
	HeartbeatInterval time.Duration
	// ExpiryInterval is how often lapsed leases are swept; 0 disables the sweeper.
	ExpiryInterval time.Duration
	// ResyncInterval re-reads watched records to cover lost pub/sub messages.
	ResyncInterval time.Duration
}

type WebRTCConfig struct {
	ICEServers          []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
}

type HTTPConfig struct {
	CORSOrigins []string
}

const (
	defaultRingTimeout       = 60 * time.Second
	defaultRecordTTL         = 2 * time.Minute
	defaultHeartbeatInterval = 20 * time.Second
	defaultResyncInterval    = 5 * time.Second
	defaultExpiryInterval    = 10 * time.Second
)

// LoadEnvFile seeds the environment from path. A missing file is not an error;
// variables already set win over the file.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func Load() (Config, error) {
	if err := LoadEnvFile(os.Getenv("ENV_FILE")); err != nil {
		return Config{}, err
	}

	c := Config{}
	r := &envReader{}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = r.intOr("APP_PORT", 8080)

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = r.mustInt("DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = r.mustInt("REDIS_PORT")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB = r.intOr("REDIS_DB", 0)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Token TTLs are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = r.durationOr("JWT_ACCESS_TTL", 0)
	c.Auth.RefreshTokenTTL = r.durationOr("JWT_REFRESH_TTL", 0)

	c.Calls.RingTimeout = r.durationOr("CALL_RING_TIMEOUT", defaultRingTimeout)
	c.Calls.RecordTTL = r.durationOr("CALL_RECORD_TTL", defaultRecordTTL)
	c.Calls.HeartbeatInterval = r.durationOr("CALL_HEARTBEAT_INTERVAL", defaultHeartbeatInterval)
	c.Calls.ResyncInterval = r.durationOr("CALL_RESYNC_INTERVAL", defaultResyncInterval)
	c.Calls.ExpiryInterval = r.durationOr("CALL_EXPIRY_INTERVAL", defaultExpiryInterval)

	c.WebRTC.ICEServers = list("WEBRTC_ICE_SERVERS")
	c.WebRTC.DisconnectedTimeout = r.durationOr("WEBRTC_DISCONNECTED_TIMEOUT", 0)
	c.WebRTC.FailedTimeout = r.durationOr("WEBRTC_FAILED_TIMEOUT", 0)

	c.HTTP.CORSOrigins = list("CORS_ALLOWED_ORIGINS")

	if err := joinErrors(r.errs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must not be negative, got %d", c.Redis.DB))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Calls.RingTimeout < 0 {
		errs = append(errs, errors.New("CALL_RING_TIMEOUT must not be negative"))
	}
	if c.Calls.RecordTTL <= 0 {
		c.Calls.RecordTTL = defaultRecordTTL
	}
	if c.Calls.HeartbeatInterval <= 0 {
		c.Calls.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Calls.HeartbeatInterval >= c.Calls.RecordTTL {
		errs = append(errs, errors.New("CALL_HEARTBEAT_INTERVAL must be shorter than CALL_RECORD_TTL"))
	}
	if c.Calls.ResyncInterval <= 0 {
		c.Calls.ResyncInterval = defaultResyncInterval
	}
	if c.Calls.ExpiryInterval < 0 {
		errs = append(errs, errors.New("CALL_EXPIRY_INTERVAL must not be negative"))
	}

	for _, s := range c.WebRTC.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			errs = append(errs, fmt.Errorf("WEBRTC_ICE_SERVERS entry %q must be a stun:, turn: or turns: url", s))
		}
	}

	for _, o := range c.HTTP.CORSOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			errs = append(errs, fmt.Errorf("CORS_ALLOWED_ORIGINS entry %q must be * or an http(s) origin", o))
		}
	}
	if len(c.HTTP.CORSOrigins) == 0 {
		if c.IsProduction() {
			errs = append(errs, errors.New("CORS_ALLOWED_ORIGINS is required in production"))
		} else {
			c.HTTP.CORSOrigins = []string{"*"}
		}
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// envReader parses typed values and accumulates every failure so one run
// reports all bad variables.
type envReader struct {
	errs []error
}

func (r *envReader) mustInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		r.errs = append(r.errs, fmt.Errorf("%s is required", key))
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return 0
	}
	return n
}

func (r *envReader) intOr(key string, def int) int {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return def
	}
	return r.mustInt(key)
}

// durationOr returns def when key is unset. An explicit "0" is kept.
func (r *envReader) durationOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if v == "0" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be a duration, got %q", key, v))
		return 0
	}
	return d
}

func list(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
