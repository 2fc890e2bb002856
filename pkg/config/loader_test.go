package config_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/stompd/pkg/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load(newTestLogger(), "stompd", nil)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Address)
	assert.Equal(t, config.EngineThreadPerConnection, cfg.Server.Engine)
	assert.Zero(t, cfg.Server.Workers)
	assert.Equal(t, 10*time.Second, cfg.Transport.WriteTimeout)
	assert.Zero(t, cfg.Transport.ReadTimeout)
	assert.Equal(t, 8192, cfg.Transport.ReadBufferSize)
	assert.Equal(t, config.StoreMemory, cfg.Auth.Store)
	assert.Equal(t, 10, cfg.Auth.BcryptCost)
	assert.Equal(t, "/ws", cfg.Gateway.Path)
	assert.Empty(t, cfg.Gateway.Address)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  address: ":9000"
  engine: reactor
  workers: 3
transport:
  readTimeout: 30s
auth:
  jwtSecret: from-file
gateway:
  address: ":9001"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stompd.yaml"), []byte(yaml), 0o600))
	chdir(t, dir)
	t.Setenv("STOMPD_SERVER_WORKERS", "5")
	t.Setenv("STOMPD_AUTH_JWTSECRET", "from-env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("address", "", "")
	flags.String("engine", "", "")
	require.NoError(t, flags.Parse([]string{"--address", ":9100"}))

	cfg, err := config.Load(newTestLogger(), "stompd", flags)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Address, "flag beats file")
	assert.Equal(t, config.EngineReactor, cfg.Server.Engine, "unset flag leaves file value")
	assert.Equal(t, 5, cfg.Server.Workers, "env beats file")
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 30*time.Second, cfg.Transport.ReadTimeout)
	assert.Equal(t, ":9001", cfg.Gateway.Address)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STOMPD_SERVER_ENGINE", "fibers")

	_, err := config.Load(newTestLogger(), "stompd", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fibers")
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		return config.Config{
			Server: config.ServerConfig{Address: ":7777", Engine: config.EngineReactor},
			Auth:   config.AuthConfig{Store: config.StoreMemory},
		}
	}

	cfg := valid()
	assert.NoError(t, cfg.Validate())

	cases := map[string]func(*config.Config){
		"empty address":      func(c *config.Config) { c.Server.Address = "" },
		"negative workers":   func(c *config.Config) { c.Server.Workers = -1 },
		"negative buffer":    func(c *config.Config) { c.Transport.ReadBufferSize = -1 },
		"unknown store":      func(c *config.Config) { c.Auth.Store = "etcd" },
		"redis without url":  func(c *config.Config) { c.Auth.Store = config.StoreRedis },
		"negative conn cap":  func(c *config.Config) { c.Gateway.MaxConnsPerIP = -2 },
		"negative timeout":   func(c *config.Config) { c.Transport.WriteTimeout = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatal(err)
		}
	})
}
