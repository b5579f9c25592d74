package bridge

import (
	"os"
	"strconv"
)

// RedisConfig holds connection settings for the Redis pub/sub bridge.
type RedisConfig struct {
	Addr     string `yaml:"addr"`     // default "localhost:6379"
	Password string `yaml:"password"` // default ""
	DB       int    `yaml:"db"`       // default 0
	Prefix   string `yaml:"prefix"`   // default "wsharness:ws:"
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "wsharness:ws:",
	}
}

// EventChannel is the pub/sub channel for one event type.
func (c *RedisConfig) EventChannel(eventType string) string {
	return c.Prefix + "events:" + eventType
}

// EventPattern matches every event channel.
func (c *RedisConfig) EventPattern() string {
	return c.Prefix + "events:*"
}

// RedisConfigFromEnv loads Redis configuration from environment variables.
// Falls back to defaults for any missing values.
func RedisConfigFromEnv() *RedisConfig {
	cfg := DefaultRedisConfig()

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			cfg.DB = db
		}
	}
	if prefix := os.Getenv("REDIS_WS_PREFIX"); prefix != "" {
		cfg.Prefix = prefix
	}
	return cfg
}
