package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "change-me-user-session-secret"

// Config is the service configuration. Every key reads from the upper-cased
// environment variable of its path, so provisioning.lock_ttl is
// PROVISIONING_LOCK_TTL.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	OTel         OTelConfig         `mapstructure:"otel"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
}

type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment" validate:"omitempty,oneof=development staging production test"`
	Debug       bool   `mapstructure:"debug"`
	Version     string `mapstructure:"version"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL settings. An empty Host runs the service
// on in-memory stores.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns host:port
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka/Redpanda settings. Brokers is a comma separated list in the environment.
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	ClientID    string   `mapstructure:"client_id"`
	TenantTopic string   `mapstructure:"tenant_topic"`
}

// JWTConfig holds token settings. Secret signs end-user sessions, ServiceSecret
// signs the privileged credentials accepted by the provisioning endpoint.
type JWTConfig struct {
	Secret          string        `mapstructure:"secret" validate:"required"`
	ServiceSecret   string        `mapstructure:"service_secret"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	Issuer          string        `mapstructure:"issuer"`
}

type OTelConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ServiceName   string  `mapstructure:"service_name"`
	CollectorAddr string  `mapstructure:"collector_addr"`
	SampleRatio   float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

type ProvisioningConfig struct {
	DefaultMaxStudents int           `mapstructure:"default_max_students" validate:"gte=0"`
	DefaultMaxTeachers int           `mapstructure:"default_max_teachers" validate:"gte=0"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl"`
	StepTimeout        time.Duration `mapstructure:"step_timeout"`
	// DefaultMemberTenantID is the tenant teachers and parents join when they
	// sign up without an invitation code. Empty disables uninvited signup.
	DefaultMemberTenantID string `mapstructure:"default_member_tenant_id"`
}

// ReconcileConfig schedules the orphan sweep
type ReconcileConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=0"`
}

// RateLimitConfig limits public signup per client
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	BurstSize         int     `mapstructure:"burst_size" validate:"gte=0"`
}

var defaults = map[string]interface{}{
	"app.name":        "school-tenancy",
	"app.environment": "development",
	"app.debug":       true,
	"app.version":     "1.0.0",

	"server.host":          "0.0.0.0",
	"server.port":          8080,
	"server.read_timeout":  "30s",
	"server.write_timeout": "30s",
	"server.idle_timeout":  "120s",

	"database.host":               "localhost",
	"database.port":               5432,
	"database.user":               "postgres",
	"database.password":           "postgres",
	"database.dbname":             "school_tenancy",
	"database.sslmode":            "disable",
	"database.max_conns":          25,
	"database.min_conns":          5,
	"database.conn_max_lifetime":  "1h",
	"database.conn_max_idle_time": "30m",

	"redis.enabled":        true,
	"redis.host":           "localhost",
	"redis.port":           6379,
	"redis.password":       "",
	"redis.db":             0,
	"redis.pool_size":      20,
	"redis.min_idle_conns": 2,
	"redis.dial_timeout":   "5s",
	"redis.read_timeout":   "3s",
	"redis.write_timeout":  "3s",

	"kafka.enabled":      false,
	"kafka.brokers":      "localhost:9092",
	"kafka.client_id":    "school-tenancy",
	"kafka.tenant_topic": "tenant-events",

	"jwt.secret":            defaultJWTSecret,
	"jwt.service_secret":    "",
	"jwt.access_token_ttl":  "1h",
	"jwt.refresh_token_ttl": "720h",
	"jwt.issuer":            "school-tenancy",

	"otel.enabled":        false,
	"otel.service_name":   "school-tenancy",
	"otel.collector_addr": "localhost:4317",
	"otel.sample_ratio":   1.0,

	"provisioning.default_max_students":     500,
	"provisioning.default_max_teachers":     50,
	"provisioning.lock_ttl":                 "30s",
	"provisioning.idempotency_ttl":          "24h",
	"provisioning.step_timeout":             "10s",
	"provisioning.default_member_tenant_id": "",

	"reconcile.enabled":       true,
	"reconcile.scan_interval": "5m",
	"reconcile.grace_period":  "15m",
	"reconcile.batch_size":    100,

	"rate_limit.requests_per_second": 5,
	"rate_limit.burst_size":          10,
}

// Load reads the environment, with an optional .env file in the working
// directory underneath it
func Load() (*Config, error) {
	return load(".env", false)
}

// LoadWithPath is Load with a required env file at path
func LoadWithPath(path string) (*Config, error) {
	return load(path, true)
}

func load(envFile string, required bool) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	file, err := readEnvFile(envFile)
	if err != nil && required {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	// file values sit between defaults and the real environment
	for key := range defaults {
		if value, ok := file[envName(key)]; ok {
			v.SetDefault(key, value)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// readEnvFile returns the file's assignments keyed by lower-cased variable name
func readEnvFile(path string) (map[string]interface{}, error) {
	fv := viper.New()
	fv.SetConfigFile(path)
	fv.SetConfigType("env")
	if err := fv.ReadInConfig(); err != nil {
		return nil, err
	}
	out := make(map[string]interface{})
	for _, k := range fv.AllKeys() {
		out[k] = fv.Get(k)
	}
	return out, nil
}

func envName(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the production secret rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s fails %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	if c.IsProduction() {
		if c.JWT.Secret == defaultJWTSecret {
			return errors.New("JWT secret must be changed in production")
		}
		if c.JWT.ServiceSecret == "" {
			return errors.New("JWT service secret is required in production")
		}
	}
	if c.JWT.ServiceSecret != "" && c.JWT.ServiceSecret == c.JWT.Secret {
		return errors.New("JWT service secret must differ from the session secret")
	}
	if c.Reconcile.Enabled && c.Reconcile.GracePeriod <= 0 {
		return errors.New("reconcile grace period must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
