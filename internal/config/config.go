package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for Beacon. All capacity, TTL,
// and interval thresholds live here and are immutable after load.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Registry  RegistryConfig  `yaml:"registry"`
	Health    HealthConfig    `yaml:"health"`
	Offline   OfflineConfig   `yaml:"offline"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Calls     CallsConfig     `yaml:"calls"`
	Governor  GovernorConfig  `yaml:"governor"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// MaxFrameBytes caps the size of a single inbound frame.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
	// WriteTimeout bounds a single outbound frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// SendBuffer is the per-connection outbound channel depth.
	SendBuffer int `yaml:"send_buffer"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// RedisConfig gates the optional cross-instance fan-out bridge.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type RegistryConfig struct {
	// MaxConnections is the registry capacity. Beyond it the oldest entries
	// are evicted, not rejected.
	MaxConnections int `yaml:"max_connections"`
}

type HealthConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	// StaleAfter marks a connection stale when no pong arrived for this long.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type OfflineConfig struct {
	MaxPerUser int           `yaml:"max_per_user"`
	MaxUsers   int           `yaml:"max_users"`
	TTL        time.Duration `yaml:"ttl"`
}

type DedupeConfig struct {
	// Window is how long a resent client message id counts as a duplicate.
	Window     time.Duration `yaml:"window"`
	MaxEntries int           `yaml:"max_entries"`
	// InflightTTL bounds the longer-lived marker that stops two concurrent
	// submissions of the same id from both starting persistence.
	InflightTTL time.Duration `yaml:"inflight_ttl"`
}

// CallsConfig holds the single authoritative stale-threshold set: every call
// site (initiation busy check, proactive cleanup, periodic sweep) uses these.
type CallsConfig struct {
	RingTimeout        time.Duration `yaml:"ring_timeout"`
	InitiatedStaleWait time.Duration `yaml:"initiated_stale_wait"`
	RingingStaleWait   time.Duration `yaml:"ringing_stale_wait"`
	AnsweredStaleWait  time.Duration `yaml:"answered_stale_wait"`
}

type GovernorConfig struct {
	CallsInterval     time.Duration `yaml:"calls_interval"`
	OfflineInterval   time.Duration `yaml:"offline_interval"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	MemoryInterval    time.Duration `yaml:"memory_interval"`
	// MemoryHighWater triggers pressure mode; MemoryLowWater clears it.
	MemoryHighWater uint64 `yaml:"memory_high_water_bytes"`
	MemoryLowWater  uint64 `yaml:"memory_low_water_bytes"`
}

// RateLimitConfig carries per-action budgets. Keys are canonical operation
// names (send_message, initiate_call, join_chat, typing, webrtc).
type RateLimitConfig struct {
	Enabled bool                    `yaml:"enabled"`
	Actions map[string]ActionBudget `yaml:"actions"`
}

type ActionBudget struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// DefaultConfig returns the configuration used when a field is absent from
// the loaded file.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			MaxFrameBytes: 64 * 1024,
			WriteTimeout:  10 * time.Second,
			SendBuffer:    64,
		},
		Auth: AuthConfig{
			TokenExpiry: 24 * time.Hour,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "beacon:events",
		},
		Registry: RegistryConfig{
			MaxConnections: 50000,
		},
		Health: HealthConfig{
			PingInterval: 30 * time.Second,
			StaleAfter:   5 * time.Minute,
		},
		Offline: OfflineConfig{
			MaxPerUser: 25,
			MaxUsers:   10000,
			TTL:        12 * time.Hour,
		},
		Dedupe: DedupeConfig{
			Window:      5 * time.Second,
			MaxEntries:  50000,
			InflightTTL: 30 * time.Second,
		},
		Calls: CallsConfig{
			RingTimeout:        30 * time.Second,
			InitiatedStaleWait: time.Minute,
			RingingStaleWait:   2 * time.Minute,
			AnsweredStaleWait:  4 * time.Hour,
		},
		Governor: GovernorConfig{
			CallsInterval:     30 * time.Second,
			OfflineInterval:   2 * time.Minute,
			HealthInterval:    time.Minute,
			ReconcileInterval: 5 * time.Minute,
			MemoryInterval:    15 * time.Second,
			MemoryHighWater:   1 << 30, // 1 GiB
			MemoryLowWater:    768 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Actions: map[string]ActionBudget{
				"send_message":  {PerSecond: 5, Burst: 10},
				"initiate_call": {PerSecond: 0.5, Burst: 2},
				"join_chat":     {PerSecond: 2, Burst: 5},
				"typing":        {PerSecond: 2, Burst: 4},
				"webrtc":        {PerSecond: 20, Burst: 40},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Registry.MaxConnections <= 0 {
		return fmt.Errorf("registry.max_connections must be positive")
	}
	if c.Offline.MaxPerUser <= 0 || c.Offline.MaxUsers <= 0 {
		return fmt.Errorf("offline limits must be positive")
	}
	if c.Dedupe.Window <= 0 {
		return fmt.Errorf("dedupe.window must be positive")
	}
	if c.Calls.RingTimeout <= 0 {
		return fmt.Errorf("calls.ring_timeout must be positive")
	}
	if c.Governor.MemoryLowWater > c.Governor.MemoryHighWater {
		return fmt.Errorf("governor.memory_low_water_bytes exceeds high water")
	}
	return nil
}
