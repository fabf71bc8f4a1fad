package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Router   RouterConfig   `mapstructure:"router"`
	Session  SessionConfig  `mapstructure:"session"`
	Ingress  IngressConfig  `mapstructure:"ingress"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	NodeID   int64  `mapstructure:"node_id"`
	LogLevel string `mapstructure:"log_level"`
}

type NATSConfig struct {
	URL             string        `mapstructure:"url"`
	MaxReconnects   int           `mapstructure:"max_reconnects"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait"`
	ReconnectJitter time.Duration `mapstructure:"reconnect_jitter"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type RouterConfig struct {
	MaxPayloadBytes    int           `mapstructure:"max_payload_bytes"`
	SeqRetryBudget     int           `mapstructure:"seq_retry_budget"`
	StorageRetryBudget int           `mapstructure:"storage_retry_budget"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	ResyncBatch        int           `mapstructure:"resync_batch"`
}

type SessionConfig struct {
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	ResyncTimeout    time.Duration `mapstructure:"resync_timeout"`
	ResyncRetryDelay time.Duration `mapstructure:"resync_retry_delay"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	WorkerCount      int           `mapstructure:"worker_count"`
	WorkerQueueSize  int           `mapstructure:"worker_queue_size"`
}

type IngressConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load 从指定路径加载配置
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
