package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Search    SearchConfig    `mapstructure:"search"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Server    ServerConfig    `mapstructure:"server"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

// StoreConfig Driver 取值 memory | postgres | mongo
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
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
	Migrate         bool          `mapstructure:"migrate"`
}

// DSN 返回 postgres 连接串
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Name,
	)
}

type MongoConfig struct {
	URI         string `mapstructure:"uri"`
	Database    string `mapstructure:"database"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`
	MaxRetry    int    `mapstructure:"max_retry"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr 返回 host:port
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DiscoveryConfig struct {
	PageLimit int           `mapstructure:"page_limit"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type SearchConfig struct {
	HistoryLimit int `mapstructure:"history_limit"`
}

type AuthConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load 从指定路径加载配置，环境变量 PLATEIFY_<SECTION>_<KEY> 覆盖文件中的值
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PLATEIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "plateifyd")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.migrate", true)
	v.SetDefault("mongo.database", "plateify")
	v.SetDefault("mongo.max_pool_size", 20)
	v.SetDefault("mongo.max_retry", 3)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.subject_prefix", "plateify.changes")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("discovery.page_limit", 200)
	v.SetDefault("discovery.cache_ttl", 30*time.Second)
	v.SetDefault("search.history_limit", 20)
	v.SetDefault("auth.issuer", "plateify")
	v.SetDefault("server.addr", ":8081")
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "postgres", "mongo":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Discovery.PageLimit <= 0 {
		return fmt.Errorf("discovery.page_limit must be positive")
	}
	if c.Search.HistoryLimit <= 0 {
		return fmt.Errorf("search.history_limit must be positive")
	}
	return nil
}
