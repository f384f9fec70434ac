package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SECONDHAND"

// MaxPhotosLimit is the hard ceiling for photos in one submission.
const MaxPhotosLimit = 24

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 2*time.Minute)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("upload.max_request_body", 200)
	v.SetDefault("upload.max_multipart_memory", 32)
	v.SetDefault("upload.max_photos", MaxPhotosLimit)

	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.processing_dir", "temp/processing")
	v.SetDefault("storage.public_dir", "uploads")
	v.SetDefault("storage.public_prefix", "/uploads")
	v.SetDefault("storage.stale_after", time.Hour)
	v.SetDefault("storage.sweep_interval", 15*time.Minute)

	v.SetDefault("image.max_width", 1024)
	v.SetDefault("image.quality", 70)
	v.SetDefault("image.timeout", 30*time.Second)
	v.SetDefault("image.workers", 4)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.mongo_database", "secondhand")

	v.SetDefault("redis.health_check_interval", 30*time.Second)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("cache.feed_ttl", 30*time.Second)
	v.SetDefault("cache.size", 256)

	v.SetDefault("idempotency.ttl", 24*time.Hour)

	v.SetDefault("r2.key_prefix", "listings")
	v.SetDefault("r2.workers", 4)
	v.SetDefault("r2.queue_size", 512)

	v.SetDefault("webp_worker.stream", "secondhand:webp")
	v.SetDefault("webp_worker.group", "webp-workers")
	v.SetDefault("webp_worker.workers", 2)
	v.SetDefault("webp_worker.max_attempts", 5)
	v.SetDefault("webp_worker.max_len", 10000)
	v.SetDefault("webp_worker.backoff_base", 2*time.Second)
	v.SetDefault("webp_worker.block_timeout", 5*time.Second)
	v.SetDefault("webp_worker.quality", 75)

	v.SetDefault("parser.base_url", "https://api.openai.com/v1")
	v.SetDefault("parser.model", "gpt-4o-mini")
	v.SetDefault("parser.max_tokens", 150)
	v.SetDefault("parser.timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
}

// Load reads defaults, then the optional config file, then SECONDHAND_*
// environment variables. A missing file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v, reflect.TypeOf(Config{}), "")

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// bindEnv registers every mapstructure key so that keys without a default
// can still be set from the environment.
func bindEnv(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct {
			bindEnv(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

func (c *Config) Validate() error {
	if c.Upload.MaxPhotos < 1 || c.Upload.MaxPhotos > MaxPhotosLimit {
		return fmt.Errorf("upload.max_photos must be within 1..%d, got %d", MaxPhotosLimit, c.Upload.MaxPhotos)
	}
	if c.Image.MaxWidth <= 0 {
		return fmt.Errorf("image.max_width must be positive, got %d", c.Image.MaxWidth)
	}
	if c.Image.Quality < 1 || c.Image.Quality > 100 {
		return fmt.Errorf("image.quality must be within 1..100, got %d", c.Image.Quality)
	}
	if c.Image.Workers < 1 {
		c.Image.Workers = 1
	}
	switch c.Database.Driver {
	case "postgres", "mongo":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	if c.Storage.PublicDir == "" || c.Storage.TempDir == "" || c.Storage.ProcessingDir == "" {
		return errors.New("storage directories must be set")
	}
	c.Storage.PublicPrefix = "/" + strings.Trim(c.Storage.PublicPrefix, "/")
	return nil
}
