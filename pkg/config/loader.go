package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"address":   "server.address",
	"engine":    "server.engine",
	"workers":   "server.workers",
	"gateway":   "gateway.address",
	"log-level": "log.level",
}

// Load reads configuration from defaults, an optional yaml file, environment
// variables and, when flags is non-nil, command-line flags. Later sources win.
func Load(logger *slog.Logger, fileName string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":7777")
	v.SetDefault("server.engine", EngineThreadPerConnection)
	v.SetDefault("server.workers", 0)
	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.readBufferSize", 8192)
	v.SetDefault("auth.store", StoreMemory)
	v.SetDefault("auth.redisURL", "")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.bcryptCost", 10)
	v.SetDefault("gateway.address", "")
	v.SetDefault("gateway.path", "/ws")
	v.SetDefault("gateway.maxConnsPerIP", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// 3. Set up environment variable handling
	v.SetEnvPrefix("STOMPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Bind flags that were declared on the command
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	// 5. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
