package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "roomsync.toml")
	content := `
[log]
level = "debug"
format = "json"

[nats]
url = "nats://broker:4222"

[client]
user_id = "0912345678"
user_name = "Ali"
ack_timeout = "3s"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "nats://broker:4222", cfg.Nats.URL)
	assert.Equal(t, DefaultStreamName, cfg.Nats.StreamName)
	assert.Equal(t, "Ali", cfg.Client.UserName)
	assert.Equal(t, 3*time.Second, cfg.Client.AckTimeout.Duration)
	assert.Equal(t, DefaultHistoryLimit, cfg.Client.HistoryLimit)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "roomsync.toml")
	require.NoError(t, os.WriteFile(path, []byte("[client]\nack_timeout = \"soon\"\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestPingPeriodBelowPongWait(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Less(t, cfg.Socket.PingPeriod(), cfg.Socket.PongWait.Duration)
}

func TestLoadParsesByteSizes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want ByteSize
	}{
		{"integer", "max_size = 1048576", 1 << 20},
		{"decimal units", `max_size = "2MB"`, 2_000_000},
		{"binary units", `max_size = "512KiB"`, 512 * 1024},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "roomsync.toml")
			require.NoError(t, os.WriteFile(path, []byte("[upload]\n"+tc.raw+"\n"), 0o644))

			cfg, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.Upload.MaxSize)
		})
	}

	path := filepath.Join(t.TempDir(), "roomsync.toml")
	require.NoError(t, os.WriteFile(path, []byte("[upload]\nmax_size = \"lots\"\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
