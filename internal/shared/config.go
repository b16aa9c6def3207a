package shared

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	AppEnv      string
	HTTPAddr    string
	MetricsAddr string
	MySQLDSN    string
	RedisAddr   string
	RedisDB     int
	RedisPass   string

	ChannelBase string
	ChannelKey  string

	SweepInterval  time.Duration
	SweepBatch     int
	DrainInterval  time.Duration
	PublishRPS     int
	PublishRetries int
	BatchBytes     int
}

func Load() Config {
	atoi := func(k string, def int) int {
		if v := os.Getenv(k); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return def
	}
	c := Config{
		AppEnv:      env("APP_ENV", "prod"),
		HTTPAddr:    env("HTTP_ADDR", ":8080"),
		MetricsAddr: env("METRICS_ADDR", ":9100"),
		MySQLDSN:    env("MYSQL_DSN", "root:root@tcp(localhost:3306)/staycore?parseTime=true&charset=utf8mb4,utf8&loc=UTC"),
		RedisAddr:   env("REDIS_ADDR", "localhost:6379"),
		RedisPass:   env("REDIS_PASSWORD", ""),
		RedisDB:     atoi("REDIS_DB", 0),

		ChannelBase: env("CHANNEL_BASE_URL", "https://ari.hotelcenter.example.com"),
		ChannelKey:  env("CHANNEL_API_KEY", ""),

		SweepInterval:  time.Duration(atoi("SWEEP_INTERVAL_SECONDS", 30)) * time.Second,
		SweepBatch:     atoi("SWEEP_BATCH", 100),
		DrainInterval:  time.Duration(atoi("DRAIN_INTERVAL_SECONDS", 5)) * time.Second,
		PublishRPS:     atoi("PUBLISH_RPS", 5),
		PublishRetries: atoi("PUBLISH_RETRIES", 8),
		BatchBytes:     atoi("PUBLISH_BATCH_BYTES", 16<<10),
	}
	if c.ChannelKey == "" {
		log.Warn().Msg("CHANNEL_API_KEY is empty")
	}
	return c
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
