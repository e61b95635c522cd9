package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type DetectorConfig struct {
	SignificantPct       float64       `mapstructure:"significant_pct"`
	ReversePct           float64       `mapstructure:"reverse_pct"`
	SteamPct             float64       `mapstructure:"steam_pct"`
	MinimumOddsValue     float64       `mapstructure:"minimum_odds_value"`
	MinTimeBetweenAlerts time.Duration `mapstructure:"min_time_between_alerts"`
	MaxHistoryPerKey     int           `mapstructure:"max_history_per_key"`
	BatchEnabled         bool          `mapstructure:"batch_enabled"`
	BatchInterval        time.Duration `mapstructure:"batch_interval"`
	BatchMaxPerTick      int           `mapstructure:"batch_max_per_tick"`
}

type QueueConfig struct {
	Stream           string        `mapstructure:"stream"`
	DeadLetterStream string        `mapstructure:"dead_letter_stream"`
	Group            string        `mapstructure:"group"`
	Consumer         string        `mapstructure:"consumer"`
	BatchSize        int64         `mapstructure:"batch_size"`
	BlockTimeout     time.Duration `mapstructure:"block_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
}

type RouterConfig struct {
	MaxConcurrentEvents int           `mapstructure:"max_concurrent_events"`
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
}

type DispatcherConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	TrackHistory bool          `mapstructure:"track_history"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Router     RouterConfig     `mapstructure:"router"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 2)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "alertd")
	viper.SetDefault("database.name", "alertd")
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("detector.significant_pct", 10.0)
	viper.SetDefault("detector.reverse_pct", 15.0)
	viper.SetDefault("detector.steam_pct", 25.0)
	viper.SetDefault("detector.minimum_odds_value", 100.0)
	viper.SetDefault("detector.min_time_between_alerts", 5*time.Minute)
	viper.SetDefault("detector.max_history_per_key", 100)
	viper.SetDefault("detector.batch_enabled", false)
	viper.SetDefault("detector.batch_interval", time.Second)
	viper.SetDefault("detector.batch_max_per_tick", 50)

	viper.SetDefault("queue.stream", "alerts:events")
	viper.SetDefault("queue.dead_letter_stream", "alerts:events:dead")
	viper.SetDefault("queue.group", "alert-processors")
	viper.SetDefault("queue.consumer", defaultConsumerName())
	viper.SetDefault("queue.batch_size", 10)
	viper.SetDefault("queue.block_timeout", 5*time.Second)
	viper.SetDefault("queue.max_retries", 3)

	viper.SetDefault("router.max_concurrent_events", 100)
	viper.SetDefault("router.cache_ttl", 5*time.Minute)

	viper.SetDefault("dispatcher.batch_size", 10)
	viper.SetDefault("dispatcher.max_retries", 3)
	viper.SetDefault("dispatcher.retry_delay", 5*time.Second)
	viper.SetDefault("dispatcher.track_history", true)
	viper.SetDefault("dispatcher.history_limit", 50)

	viper.SetDefault("smtp.enabled", false)
	viper.SetDefault("smtp.port", 587)
}

// Load reads alertd.yml (current directory or ./config) and environment
// overrides (ALERTD_ prefix), with defaults for everything optional.
func Load() (*Config, error) {
	viper.SetConfigName("alertd")
	viper.SetConfigType("yml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	if path := os.Getenv("ALERTD_CONFIG"); path != "" {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ALERTD")
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults plus env are a complete configuration.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	d := c.Detector
	if d.SteamPct < d.ReversePct || d.ReversePct < d.SignificantPct {
		return fmt.Errorf("detector thresholds must satisfy steam >= reverse >= significant (got %v/%v/%v)",
			d.SteamPct, d.ReversePct, d.SignificantPct)
	}
	if c.Queue.Stream == "" || c.Queue.Group == "" {
		return fmt.Errorf("queue.stream and queue.group are required")
	}
	if c.SMTP.Enabled && (c.SMTP.Host == "" || c.SMTP.From == "") {
		return fmt.Errorf("smtp.host and smtp.from are required when smtp is enabled")
	}
	return nil
}

func defaultConsumerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "alertd"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
