package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Image       ImageConfig       `mapstructure:"image"`
	Database    Database          `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	R2          R2Config          `mapstructure:"r2"`
	WebP        WebPWorkerConfig  `mapstructure:"webp_worker"`
	Parser      ParserConfig      `mapstructure:"parser"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Sentry      SentryConfig      `mapstructure:"sentry"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type UploadConfig struct {
	MaxRequestBodyMB     int64 `mapstructure:"max_request_body"`
	MaxMultipartMemoryMB int64 `mapstructure:"max_multipart_memory"`
	MaxPhotos            int   `mapstructure:"max_photos"`
}

// StorageConfig describes the three upload directories. TempDir and
// ProcessingDir must never be served publicly.
type StorageConfig struct {
	TempDir       string        `mapstructure:"temp_dir"`
	ProcessingDir string        `mapstructure:"processing_dir"`
	PublicDir     string        `mapstructure:"public_dir"`
	PublicPrefix  string        `mapstructure:"public_prefix"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ImageConfig struct {
	MaxWidth int           `mapstructure:"max_width"`
	Quality  int           `mapstructure:"quality"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Workers  int           `mapstructure:"workers"`
}

type Database struct {
	Driver        string `mapstructure:"driver"` // postgres | mongo
	DSN           string `mapstructure:"dsn"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type RedisConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Password            string        `mapstructure:"password"`
	DatabaseID          int           `mapstructure:"database_id"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	PoolSize            int           `mapstructure:"pool_size"`
	Nodes               []RedisNode   `mapstructure:"nodes"`
}

type RedisNode struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type CacheConfig struct {
	FeedTTL time.Duration `mapstructure:"feed_ttl"`
	Size    int           `mapstructure:"size"` // in-process LRU entries when redis is off
}

type IdempotencyConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type R2Config struct {
	Enabled     bool   `mapstructure:"enabled"`
	AccountID   string `mapstructure:"account_id"`
	BucketName  string `mapstructure:"bucket_name"`
	AccessKeyID string `mapstructure:"access_key_id"`
	SecretKey   string `mapstructure:"secret_key"`
	Endpoint    string `mapstructure:"endpoint"`
	KeyPrefix   string `mapstructure:"key_prefix"`
	Workers     int    `mapstructure:"workers"`
	QueueSize   int    `mapstructure:"queue_size"`
}

type WebPWorkerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Stream       string        `mapstructure:"stream"`        // redis stream name
	Group        string        `mapstructure:"group"`         // consumer group name
	Workers      int           `mapstructure:"workers"`       // number of concurrent goroutines
	MaxAttempts  int           `mapstructure:"max_attempts"`  // max retries before the job is dropped
	MaxLen       int64         `mapstructure:"max_len"`       // stream max length before trim
	BackoffBase  time.Duration `mapstructure:"backoff_base"`  // base retry delay
	BlockTimeout time.Duration `mapstructure:"block_timeout"` // XREADGROUP block timeout
	Consumer     string        `mapstructure:"consumer"`
	Quality      float32       `mapstructure:"quality"`
}

type ParserConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type SentryConfig struct {
	SentryDSN   string `mapstructure:"sentry_dsn"`
	Environment string `mapstructure:"environment"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}
