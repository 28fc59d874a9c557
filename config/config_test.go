package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/data/tlstrust/hsts", cfg.HSTS.File)
	require.Equal(t, "/data/tlstrust/hpkp", cfg.HPKP.File)
	require.Equal(t, "/data/tlstrust/trust.db", cfg.KVStore.Path)
	require.Equal(t, DefaultKVStorePriority, cfg.KVStore.Priority)
	require.Equal(t, "text", cfg.Log.Format)
	require.Equal(t, slog.LevelInfo, cfg.Log.SlogLevel())
	require.Equal(t, DefaultServerAddress, cfg.Server.Address)
	require.Equal(t, DefaultFlushInterval, cfg.Metrics.FlushInterval)
	require.Empty(t, cfg.Plugins)
}

func TestLoad_Full(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	t.Setenv("HOME", "/home/tester")

	p := writeConfig(t, `hsts:
  file: ~/trust/hsts
hpkp:
  file: ""
plugins: [kvstore]
plugin_options:
  - kvstore.compress-threshold=1024
kvstore:
  path: /var/lib/tlstrust/trust.db
  priority: 20
log:
  level: debug
  format: json
metrics:
  prometheus: true
  otlp_endpoint: localhost:4317
  flush_interval: 30s
server:
  address: ":9443"
  auth_token: secret
  watch: true
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "/home/tester/trust/hsts", cfg.HSTS.File)
	require.Empty(t, cfg.HPKP.File)
	require.Equal(t, []string{"kvstore"}, cfg.Plugins)
	require.Equal(t, []string{"kvstore.compress-threshold=1024"}, cfg.PluginOptions)
	require.Equal(t, "/var/lib/tlstrust/trust.db", cfg.KVStore.Path)
	require.Equal(t, 20, cfg.KVStore.Priority)
	require.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
	require.True(t, cfg.Metrics.Prometheus)
	require.Equal(t, "localhost:4317", cfg.Metrics.OTLPEndpoint)
	require.Equal(t, 30*time.Second, cfg.Metrics.FlushInterval)
	require.Equal(t, ":9443", cfg.Server.Address)
	require.Equal(t, "secret", cfg.Server.Token())
	require.True(t, cfg.Server.Watch)
}

func TestServerConfig_TokenFromEnv(t *testing.T) {
	t.Setenv("TLSTRUST_TOKEN", "from-env")
	require.Equal(t, "from-env", ServerConfig{AuthTokenEnv: "TLSTRUST_TOKEN"}.Token())
	require.Equal(t, "inline", ServerConfig{AuthToken: "inline", AuthTokenEnv: "TLSTRUST_TOKEN"}.Token())
	require.Empty(t, ServerConfig{}.Token())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		msg     string
	}{
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"negative flush", "metrics:\n  flush_interval: -1s\n", "flush_interval"},
		{"empty plugin", "plugins: [\"\"]\n", "empty plugin name"},
		{"bad plugin option", "plugin_options: [verify]\n", "plugin_options"},
		{"empty address", "server:\n  address: \"\"\n", "server.address"},
		{"bad yaml", "hsts: [\n", "parse yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.ErrorContains(t, err, tt.msg)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
