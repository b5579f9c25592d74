package config

import (
	"os"
	"strconv"
)

// GatewayConfig holds reference gateway server configuration.
type GatewayConfig struct {
	Addr            string `yaml:"addr" json:"addr"`
	JWTSecret       string `yaml:"jwt_secret" json:"-"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	WriteTimeout    int    `yaml:"write_timeout_seconds" json:"write_timeout_seconds"`
	ReadBufferSize  int    `yaml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int    `yaml:"write_buffer_size" json:"write_buffer_size"`
	SendBufferSize  int    `yaml:"send_buffer_size" json:"send_buffer_size"`

	// ConfirmSubscriptions makes the gateway acknowledge subscribe and
	// unsubscribe requests. Some deployments never do.
	ConfirmSubscriptions bool `yaml:"confirm_subscriptions" json:"confirm_subscriptions"`

	// FilterByUser restricts events that carry a user_id to the
	// connection authenticated as that user.
	FilterByUser bool `yaml:"filter_by_user" json:"filter_by_user"`

	// MessagesPerSecond limits inbound client frames; 0 disables the limit.
	MessagesPerSecond float64 `yaml:"messages_per_second" json:"messages_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// DefaultGatewayConfig returns the default gateway configuration.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Addr:                 "127.0.0.1:8090",
		JWTSecret:            "kembridge-test-secret",
		MaxConnections:       1000,
		WriteTimeout:         10,
		ReadBufferSize:       1024,
		WriteBufferSize:      1024,
		SendBufferSize:       256,
		ConfirmSubscriptions: true,
		FilterByUser:         true,
		MessagesPerSecond:    50,
		Burst:                100,
	}
}

// GatewayConfigFromEnv loads gateway configuration from environment variables.
func GatewayConfigFromEnv() *GatewayConfig {
	cfg := DefaultGatewayConfig()
	if addr := os.Getenv("WSH_GATEWAY_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if secret := os.Getenv("WSH_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	if v := os.Getenv("WSH_GATEWAY_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConnections = n
		}
	}
	return cfg
}
