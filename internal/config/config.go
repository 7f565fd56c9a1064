package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the router process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Platform PlatformConfig
	Engine   EngineConfig
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

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

// PlatformConfig describes the telephony platform integration: how inbound
// webhooks are authenticated and how callback URLs are built and signed.
type PlatformConfig struct {
	// WebhookSecret signs the raw webhook body (HMAC-SHA256). Empty disables
	// signature checks, which is only acceptable outside production.
	WebhookSecret string

	// CallbackBaseURL is the public origin the platform reaches us on,
	// e.g. https://voice.example.com. Action URLs are built against it.
	CallbackBaseURL string

	TokenSecret string
	TokenTTL    time.Duration
}

// EngineConfig tunes the routing engine: cache lifetimes, per-call state
// retention and the knobs of the ring group machinery.
type EngineConfig struct {
	ConfigCacheTTL   time.Duration
	ScheduleCacheTTL time.Duration
	OverrideCacheTTL time.Duration
	CallStateTTL     time.Duration
	IdleWindow       time.Duration
	LockTTL          time.Duration
	LockWait         time.Duration
	IdempotencyTTL   time.Duration

	DefaultRingTimeout int
	SayVoice           string
	SayLanguage        string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	if c.DB.SSLMode == "" && c.App.Env != "production" {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Platform.WebhookSecret = os.Getenv("PLATFORM_WEBHOOK_SECRET")
	c.Platform.CallbackBaseURL = strings.TrimSpace(os.Getenv("PLATFORM_CALLBACK_BASE_URL"))
	c.Platform.TokenSecret = os.Getenv("CALLBACK_TOKEN_SECRET")
	// Duration env vars are optional; defaults applied by withDefaults.
	c.Platform.TokenTTL = mustDuration("CALLBACK_TOKEN_TTL")

	c.Engine.ConfigCacheTTL = mustDuration("ENGINE_CONFIG_CACHE_TTL")
	c.Engine.ScheduleCacheTTL = mustDuration("ENGINE_SCHEDULE_CACHE_TTL")
	c.Engine.OverrideCacheTTL = mustDuration("ENGINE_OVERRIDE_CACHE_TTL")
	c.Engine.CallStateTTL = mustDuration("ENGINE_CALL_STATE_TTL")
	c.Engine.IdleWindow = mustDuration("ENGINE_IDLE_WINDOW")
	c.Engine.LockTTL = mustDuration("ENGINE_LOCK_TTL")
	c.Engine.LockWait = mustDuration("ENGINE_LOCK_WAIT")
	c.Engine.IdempotencyTTL = mustDuration("ENGINE_IDEMPOTENCY_TTL")
	if v := strings.TrimSpace(os.Getenv("ENGINE_DEFAULT_RING_TIMEOUT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("ENGINE_DEFAULT_RING_TIMEOUT must be an integer, got %q", v))
		}
		c.Engine.DefaultRingTimeout = n
	}
	c.Engine.SayVoice = strings.TrimSpace(os.Getenv("ENGINE_SAY_VOICE"))
	c.Engine.SayLanguage = strings.TrimSpace(os.Getenv("ENGINE_SAY_LANGUAGE"))

	c = c.withDefaults()

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) withDefaults() Config {
	if c.Platform.TokenTTL <= 0 {
		c.Platform.TokenTTL = time.Hour
	}
	if c.Engine.ConfigCacheTTL <= 0 {
		c.Engine.ConfigCacheTTL = time.Hour
	}
	if c.Engine.ScheduleCacheTTL <= 0 {
		c.Engine.ScheduleCacheTTL = 15 * time.Minute
	}
	if c.Engine.OverrideCacheTTL <= 0 {
		c.Engine.OverrideCacheTTL = time.Minute
	}
	if c.Engine.CallStateTTL <= 0 {
		c.Engine.CallStateTTL = 90 * time.Minute
	}
	if c.Engine.IdleWindow <= 0 {
		c.Engine.IdleWindow = 7 * 24 * time.Hour
	}
	if c.Engine.LockTTL <= 0 {
		c.Engine.LockTTL = 10 * time.Second
	}
	if c.Engine.LockWait <= 0 {
		c.Engine.LockWait = 2 * time.Second
	}
	if c.Engine.IdempotencyTTL <= 0 {
		c.Engine.IdempotencyTTL = 5 * time.Minute
	}
	if c.Engine.DefaultRingTimeout <= 0 {
		c.Engine.DefaultRingTimeout = 30
	}
	if c.Engine.SayVoice == "" {
		c.Engine.SayVoice = "alice"
	}
	if c.Engine.SayLanguage == "" {
		c.Engine.SayLanguage = "en-US"
	}
	return c
}

func (c Config) Validate() error {
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
	if c.DB.SSLMode == "" {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	} else if !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Platform.TokenSecret == "" {
		errs = append(errs, errors.New("CALLBACK_TOKEN_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Platform.WebhookSecret == "" {
			errs = append(errs, errors.New("PLATFORM_WEBHOOK_SECRET is required in production"))
		}
		if c.Platform.CallbackBaseURL == "" {
			errs = append(errs, errors.New("PLATFORM_CALLBACK_BASE_URL is required in production"))
		}
	}
	if c.Platform.CallbackBaseURL != "" && !strings.HasPrefix(c.Platform.CallbackBaseURL, "http") {
		errs = append(errs, fmt.Errorf("PLATFORM_CALLBACK_BASE_URL must be an http(s) origin, got %q", c.Platform.CallbackBaseURL))
	}

	if c.Engine.DefaultRingTimeout < 5 || c.Engine.DefaultRingTimeout > 600 {
		errs = append(errs, fmt.Errorf("ENGINE_DEFAULT_RING_TIMEOUT must be between 5 and 600 seconds, got %d", c.Engine.DefaultRingTimeout))
	}
	if c.Engine.LockWait >= c.Engine.CallStateTTL {
		errs = append(errs, errors.New("ENGINE_LOCK_WAIT must be well below ENGINE_CALL_STATE_TTL"))
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

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
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
