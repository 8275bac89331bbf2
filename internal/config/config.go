package config

import "time"

// Config is the root configuration for Beacon.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	MCP       MCPConfig       `yaml:"mcp"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

type DatabaseConfig struct {
	Driver        string      `yaml:"driver"` // "sqlite" or "redis"
	Path          string      `yaml:"path"`
	Redis         RedisConfig `yaml:"redis"`
	RetentionDays int         `yaml:"retention_days"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SessionsConfig struct {
	MaxPerUser    int           `yaml:"max_per_user"`
	Expiry        time.Duration `yaml:"expiry"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type GatewayConfig struct {
	AllowedOrigins []string      `yaml:"allowed_origins"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8430,
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			Driver:        "sqlite",
			Path:          "~/.config/beacon/beacon.db",
			RetentionDays: 30,
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
			},
		},
		Sessions: SessionsConfig{
			MaxPerUser:    5,
			Expiry:        2 * time.Hour,
			SweepInterval: 60 * time.Second,
		},
		Gateway: GatewayConfig{
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
			MaxMessageSize: 65536, // 64KB
		},
		MCP: MCPConfig{
			Enabled: true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 200,
			Burst:             100,
		},
	}
}
