package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	EngineThreadPerConnection = "tpc"
	EngineReactor             = "reactor"

	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
	Engine  string `mapstructure:"engine"` // "tpc" or "reactor"
	// Workers sizes the reactor's worker pool; 0 means one per CPU.
	Workers int `mapstructure:"workers"`
}

type TransportConfig struct {
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	ReadBufferSize int           `mapstructure:"readBufferSize"`
}

type AuthConfig struct {
	Store      string `mapstructure:"store"` // "memory" or "redis"
	RedisURL   string `mapstructure:"redisURL"`
	JWTSecret  string `mapstructure:"jwtSecret"`
	BcryptCost int    `mapstructure:"bcryptCost"`
}

// GatewayConfig controls the optional WebSocket listener. An empty address
// disables it.
type GatewayConfig struct {
	Address       string `mapstructure:"address"`
	Path          string `mapstructure:"path"`
	MaxConnsPerIP int    `mapstructure:"maxConnsPerIP"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address must not be empty"))
	}
	switch c.Server.Engine {
	case EngineThreadPerConnection, EngineReactor:
	default:
		errs = append(errs, fmt.Errorf("server.engine: unknown engine %q", c.Server.Engine))
	}
	if c.Server.Workers < 0 {
		errs = append(errs, errors.New("server.workers must not be negative"))
	}
	if c.Transport.ReadTimeout < 0 || c.Transport.WriteTimeout < 0 {
		errs = append(errs, errors.New("transport timeouts must not be negative"))
	}
	if c.Transport.ReadBufferSize < 0 {
		errs = append(errs, errors.New("transport.readBufferSize must not be negative"))
	}
	switch c.Auth.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Auth.RedisURL == "" {
			errs = append(errs, errors.New("auth.redisURL is required when auth.store is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.store: unknown store %q", c.Auth.Store))
	}
	if c.Gateway.MaxConnsPerIP < 0 {
		errs = append(errs, errors.New("gateway.maxConnsPerIP must not be negative"))
	}
	return errors.Join(errs...)
}
