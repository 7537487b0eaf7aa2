package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации дашборда.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Regions  []RegionConfig `mapstructure:"regions"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	LoadTest LoadTestConfig `mapstructure:"load_test"`
	Flags    FlagsConfig    `mapstructure:"flags"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Demo     DemoConfig     `mapstructure:"demo"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RegionConfig — параметры подключения к базе одного региона.
// Пароль в конфиге не хранится: только имя переменной окружения.
type RegionConfig struct {
	Code        string `mapstructure:"code"`
	Name        string `mapstructure:"name"`
	Role        string `mapstructure:"role"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Database    string `mapstructure:"database"`
	User        string `mapstructure:"user"`
	PasswordEnv string `mapstructure:"password_env"`
	DSNEnv      string `mapstructure:"dsn_env"`
	SSLMode     string `mapstructure:"ssl_mode"`
	Enabled     bool   `mapstructure:"enabled"`
}

// PoolConfig — границы пула, одинаковые для всех регионов.
type PoolConfig struct {
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConns          int32         `mapstructure:"max_conns"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

// ProbeConfig — таймауты проверки здоровья. Повторы: забота вызывающего, не пула.
type ProbeConfig struct {
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	RegionTimeout  time.Duration `mapstructure:"region_timeout"` // Предел на регион в "all-results"
	Retries        int           `mapstructure:"retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

type LoadTestConfig struct {
	DefaultConcurrency int           `mapstructure:"default_concurrency"`
	DefaultDuration    time.Duration `mapstructure:"default_duration"`
	DefaultIterations  int           `mapstructure:"default_iterations"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	MaxDuration        time.Duration `mapstructure:"max_duration"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout"`
	QueryTimeout       time.Duration `mapstructure:"query_timeout"`
	RateLimit          float64       `mapstructure:"rate_limit"` // ops/s на весь прогон, 0: без ограничений
	Percentiles        []float64     `mapstructure:"percentiles"`
	PercentileMethod   string        `mapstructure:"percentile_method"` // empirical, linear
}

// FlagsConfig — настройки фича-флагов. Без Redis работаем в демо-режиме.
type FlagsConfig struct {
	DemoMode      bool            `mapstructure:"demo_mode"`
	Defaults      map[string]bool `mapstructure:"defaults"`
	EvalTimeout   time.Duration   `mapstructure:"eval_timeout"`
	CBMaxRequests uint32          `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration   `mapstructure:"cb_interval"`
	CBTimeout     time.Duration   `mapstructure:"cb_timeout"`

	RefreshSeconds int `mapstructure:"dashboard_refresh_seconds"` // автообновление дашборда
}

// RedisConfig описывает подключение к Redis (бэкенд флагов).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DemoConfig — симуляция регионов без параметров подключения.
type DemoConfig struct {
	SimulateUnconfigured bool                     `mapstructure:"simulate_unconfigured"`
	BaseLatency          map[string]time.Duration `mapstructure:"base_latency"`
	Jitter               time.Duration            `mapstructure:"jitter"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет: работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second) // Нагрузочный тест держит ответ
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("pool.min_conns", 1)
	v.SetDefault("pool.max_conns", 10)
	v.SetDefault("pool.acquire_timeout", 10*time.Second)
	v.SetDefault("pool.connect_timeout", 10*time.Second)
	v.SetDefault("pool.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("pool.max_conn_lifetime", time.Hour)
	v.SetDefault("pool.health_check_period", time.Minute)

	v.SetDefault("probe.acquire_timeout", 3*time.Second)
	v.SetDefault("probe.query_timeout", 5*time.Second)
	v.SetDefault("probe.region_timeout", 15*time.Second)
	v.SetDefault("probe.retries", 0)
	v.SetDefault("probe.retry_delay", 200*time.Millisecond)

	v.SetDefault("load_test.default_concurrency", 10)
	v.SetDefault("load_test.default_duration", 0)
	v.SetDefault("load_test.default_iterations", 10)
	v.SetDefault("load_test.max_concurrency", 200)
	v.SetDefault("load_test.max_duration", 60*time.Second)
	v.SetDefault("load_test.acquire_timeout", 10*time.Second)
	v.SetDefault("load_test.query_timeout", 5*time.Second)
	v.SetDefault("load_test.percentiles", []float64{50, 95, 99})
	v.SetDefault("load_test.percentile_method", "empirical")

	v.SetDefault("flags.demo_mode", true)
	v.SetDefault("flags.eval_timeout", 500*time.Millisecond)
	v.SetDefault("flags.cb_max_requests", 1)
	v.SetDefault("flags.cb_interval", 10*time.Second)
	v.SetDefault("flags.cb_timeout", 15*time.Second)
	v.SetDefault("flags.dashboard_refresh_seconds", 30)

	v.SetDefault("demo.simulate_unconfigured", true)
	v.SetDefault("demo.jitter", 20*time.Millisecond)
	v.SetDefault("demo.base_latency", map[string]time.Duration{
		"us-east":      25 * time.Millisecond,
		"eu-west":      120 * time.Millisecond,
		"asia-pacific": 180 * time.Millisecond,
	})

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	// Три региона по умолчанию; DSN приходит из окружения.
	v.SetDefault("regions", []map[string]interface{}{
		{"code": "us-east", "name": "US East (Virginia)", "role": "PRIMARY", "dsn_env": "AIVEN_PG_US_EAST", "enabled": true},
		{"code": "eu-west", "name": "EU West (Ireland)", "role": "REPLICA", "dsn_env": "AIVEN_PG_EU_WEST", "enabled": true},
		{"code": "asia-pacific", "name": "Asia Pacific (Singapore)", "role": "REPLICA", "dsn_env": "AIVEN_PG_ASIA_PACIFIC", "enabled": true},
	})
}

// Validate проверяет согласованность настроек до старта сервиса.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Regions, validation.Required),
		validation.Field(&c.Pool),
		validation.Field(&c.Probe),
		validation.Field(&c.LoadTest),
		validation.Field(&c.Flags),
		validation.Field(&c.Logger),
	)
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

func (r RegionConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Code, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&r.Role, validation.In("", "PRIMARY", "REPLICA")),
	)
}

func (f FlagsConfig) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.RefreshSeconds, validation.Min(1), validation.Max(3600)),
	)
}

func (p PoolConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.MaxConns, validation.Required, validation.Min(int32(1))),
		validation.Field(&p.MinConns, validation.Min(int32(0)), validation.Max(p.MaxConns)),
		validation.Field(&p.AcquireTimeout, validation.Required),
		validation.Field(&p.ConnectTimeout, validation.Required),
	)
}

func (p ProbeConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.AcquireTimeout, validation.Required),
		validation.Field(&p.QueryTimeout, validation.Required),
		validation.Field(&p.RegionTimeout, validation.Required),
		validation.Field(&p.Retries, validation.Min(0), validation.Max(10)),
	)
}

func (l LoadTestConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.DefaultConcurrency, validation.Required, validation.Min(1), validation.Max(l.MaxConcurrency)),
		validation.Field(&l.MaxConcurrency, validation.Required, validation.Min(1)),
		validation.Field(&l.MaxDuration, validation.Required),
		validation.Field(&l.AcquireTimeout, validation.Required),
		validation.Field(&l.QueryTimeout, validation.Required),
		validation.Field(&l.RateLimit, validation.Min(0.0)),
		validation.Field(&l.Percentiles, validation.Each(validation.Min(0.0), validation.Max(100.0))),
		validation.Field(&l.PercentileMethod, validation.In("", "empirical", "linear")),
	)
}

func (l LoggerConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("", "debug", "info", "warn", "error")),
		validation.Field(&l.Format, validation.In("", "json", "console")),
	)
}
