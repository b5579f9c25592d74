package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Confirmation modes for subscribe requests.
const (
	ConfirmByMessage = "message"
	ConfirmNone      = "none"
)

// HarnessConfig holds client-side WebSocket harness configuration.
type HarnessConfig struct {
	URL          string `yaml:"url" json:"url"`
	Token        string `yaml:"token" json:"token,omitempty"`
	TokenInQuery bool   `yaml:"token_in_query" json:"token_in_query"`

	ConnectTimeoutMs int `yaml:"connect_timeout_ms" json:"connect_timeout_ms"`
	AuthTimeoutMs    int `yaml:"auth_timeout_ms" json:"auth_timeout_ms"`
	ConfirmTimeoutMs int `yaml:"confirm_timeout_ms" json:"confirm_timeout_ms"`

	ReconnectAttempts     int `yaml:"reconnect_attempts" json:"reconnect_attempts"`
	ReconnectBackoffMs    int `yaml:"reconnect_backoff_ms" json:"reconnect_backoff_ms"`
	ReconnectMaxBackoffMs int `yaml:"reconnect_max_backoff_ms" json:"reconnect_max_backoff_ms"`
	ReconnectGraceMs      int `yaml:"reconnect_grace_ms" json:"reconnect_grace_ms"`

	PingInterval    int `yaml:"ping_interval_seconds" json:"ping_interval_seconds"`
	WriteTimeout    int `yaml:"write_timeout_seconds" json:"write_timeout_seconds"`
	ReadBufferSize  int `yaml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size" json:"write_buffer_size"`

	// Confirmation is ConfirmByMessage or ConfirmNone.
	Confirmation string     `yaml:"confirmation" json:"confirmation"`
	Fields       WireFields `yaml:"fields" json:"fields"`
}

// WireFields names the JSON fields and action values of the wire protocol.
// Servers disagree on these, so none of them are hard-coded in the codec.
type WireFields struct {
	Action         string `yaml:"action" json:"action"`
	Type           string `yaml:"type" json:"type"`
	Token          string `yaml:"token" json:"token"`
	UserID         string `yaml:"user_id" json:"user_id"`
	Error          string `yaml:"error" json:"error"`
	EventType      string `yaml:"event_type" json:"event_type"`
	Filters        string `yaml:"filters" json:"filters"`
	SubscriptionID string `yaml:"subscription_id" json:"subscription_id"`
	Event          string `yaml:"event" json:"event"`
	Data           string `yaml:"data" json:"data"`
	Payload        string `yaml:"payload" json:"payload"`

	AuthenticateAction string `yaml:"authenticate_action" json:"authenticate_action"`
	SubscribeAction    string `yaml:"subscribe_action" json:"subscribe_action"`
	UnsubscribeAction  string `yaml:"unsubscribe_action" json:"unsubscribe_action"`
	PingAction         string `yaml:"ping_action" json:"ping_action"`
}

// DefaultWireFields returns the field names used by the bridge gateway.
func DefaultWireFields() WireFields {
	return WireFields{
		Action:             "action",
		Type:               "type",
		Token:              "token",
		UserID:             "user_id",
		Error:              "error",
		EventType:          "event_type",
		Filters:            "filters",
		SubscriptionID:     "subscription_id",
		Event:              "event",
		Data:               "data",
		Payload:            "payload",
		AuthenticateAction: "authenticate",
		SubscribeAction:    "subscribe",
		UnsubscribeAction:  "unsubscribe",
		PingAction:         "ping",
	}
}

// DefaultHarnessConfig returns the default harness configuration.
func DefaultHarnessConfig() *HarnessConfig {
	return &HarnessConfig{
		ConnectTimeoutMs:      2000,
		AuthTimeoutMs:         3000,
		ConfirmTimeoutMs:      3000,
		ReconnectAttempts:     3,
		ReconnectBackoffMs:    100,
		ReconnectMaxBackoffMs: 2000,
		ReconnectGraceMs:      1000,
		PingInterval:          30,
		WriteTimeout:          10,
		ReadBufferSize:        1024,
		WriteBufferSize:       1024,
		Confirmation:          ConfirmByMessage,
		Fields:                DefaultWireFields(),
	}
}

// LoadHarnessConfig reads a YAML file on top of the defaults.
// Fields left out of the file keep their default values.
func LoadHarnessConfig(path string) (*HarnessConfig, error) {
	cfg := DefaultHarnessConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Fields = cfg.Fields.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HarnessConfigFromEnv loads harness configuration from environment variables.
// Falls back to defaults for any missing values.
func HarnessConfigFromEnv() *HarnessConfig {
	cfg := DefaultHarnessConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields from WSH_* environment variables.
// Unparseable numbers are ignored.
func (c *HarnessConfig) ApplyEnv() {
	if v := os.Getenv("WSH_URL"); v != "" {
		c.URL = v
	}
	if v := os.Getenv("WSH_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("WSH_TOKEN_IN_QUERY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TokenInQuery = b
		}
	}
	envInt("WSH_CONNECT_TIMEOUT_MS", &c.ConnectTimeoutMs)
	envInt("WSH_AUTH_TIMEOUT_MS", &c.AuthTimeoutMs)
	envInt("WSH_CONFIRM_TIMEOUT_MS", &c.ConfirmTimeoutMs)
	envInt("WSH_RECONNECT_ATTEMPTS", &c.ReconnectAttempts)
	if v := os.Getenv("WSH_CONFIRMATION"); v != "" {
		c.Confirmation = v
	}
}

// Validate reports the first invalid setting.
func (c *HarnessConfig) Validate() error {
	switch {
	case c.ConnectTimeoutMs <= 0:
		return fmt.Errorf("connect_timeout_ms must be positive")
	case c.AuthTimeoutMs <= 0:
		return fmt.Errorf("auth_timeout_ms must be positive")
	case c.ConfirmTimeoutMs <= 0:
		return fmt.Errorf("confirm_timeout_ms must be positive")
	case c.ReconnectAttempts < 0:
		return fmt.Errorf("reconnect_attempts cannot be negative")
	}
	if c.Confirmation != ConfirmByMessage && c.Confirmation != ConfirmNone {
		return fmt.Errorf("confirmation must be %q or %q, got %q", ConfirmByMessage, ConfirmNone, c.Confirmation)
	}
	return nil
}

func (c *HarnessConfig) ConnectTimeout() time.Duration { return ms(c.ConnectTimeoutMs) }
func (c *HarnessConfig) AuthTimeout() time.Duration    { return ms(c.AuthTimeoutMs) }
func (c *HarnessConfig) ConfirmTimeout() time.Duration { return ms(c.ConfirmTimeoutMs) }
func (c *HarnessConfig) ReconnectBackoff() time.Duration {
	return ms(c.ReconnectBackoffMs)
}
func (c *HarnessConfig) ReconnectMaxBackoff() time.Duration {
	return ms(c.ReconnectMaxBackoffMs)
}
func (c *HarnessConfig) ReconnectGrace() time.Duration { return ms(c.ReconnectGraceMs) }
func (c *HarnessConfig) PingPeriod() time.Duration {
	return time.Duration(c.PingInterval) * time.Second
}
func (c *HarnessConfig) WriteWait() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}

// withDefaults fills empty names so a partial YAML "fields" block
// does not blank out the rest.
func (f WireFields) withDefaults() WireFields {
	d := DefaultWireFields()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&f.Action, d.Action)
	fill(&f.Type, d.Type)
	fill(&f.Token, d.Token)
	fill(&f.UserID, d.UserID)
	fill(&f.Error, d.Error)
	fill(&f.EventType, d.EventType)
	fill(&f.Filters, d.Filters)
	fill(&f.SubscriptionID, d.SubscriptionID)
	fill(&f.Event, d.Event)
	fill(&f.Data, d.Data)
	fill(&f.Payload, d.Payload)
	fill(&f.AuthenticateAction, d.AuthenticateAction)
	fill(&f.SubscribeAction, d.SubscribeAction)
	fill(&f.UnsubscribeAction, d.UnsubscribeAction)
	fill(&f.PingAction, d.PingAction)
	return f
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
