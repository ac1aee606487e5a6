package factory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/tradechat/clock"
	"github.com/opd-ai/tradechat/interfaces"
	"github.com/opd-ai/tradechat/queue"
	sim "github.com/opd-ai/tradechat/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	before := *cfg
	cfg.Validate()
	assert.Equal(t, before, *cfg)

	b := cfg.Backoff()
	assert.Equal(t, time.Second, b.Base)
	assert.Equal(t, 30*time.Second, b.Max)
	assert.Equal(t, 10, b.MaxAttempts)
	assert.Equal(t, 0.5, b.Jitter)
}

func TestEnvironmentOverrides(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, c *Config)
	}{
		{
			name: "simulation and url",
			env:  map[string]string{"TRADECHAT_USE_SIMULATION": "true", "TRADECHAT_SERVER_URL": "wss://chat.example.com/ws"},
			check: func(t *testing.T, c *Config) {
				assert.True(t, c.UseSimulation)
				assert.Equal(t, "wss://chat.example.com/ws", c.ServerURL)
			},
		},
		{
			name: "durations",
			env:  map[string]string{"TRADECHAT_REQUEST_TIMEOUT": "3s", "TRADECHAT_QUEUE_MAX_AGE": "24h"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 3*time.Second, c.RequestTimeout)
				assert.Equal(t, 24*time.Hour, c.QueueMaxAge)
			},
		},
		{
			name: "out of bounds attempts reset",
			env:  map[string]string{"TRADECHAT_RECONNECT_ATTEMPTS": "1000"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 10, c.ReconnectAttempts)
			},
		},
		{
			name: "page size too large reset",
			env:  map[string]string{"TRADECHAT_PAGE_SIZE": "500"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 30, c.PageSize)
			},
		},
		{
			name: "bad cron reset",
			env:  map[string]string{"TRADECHAT_PURGE_SCHEDULE": "every tuesday"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, queue.DefaultPurgeSchedule, c.PurgeSchedule)
			},
		},
		{
			name: "jitter out of range reset",
			env:  map[string]string{"TRADECHAT_RECONNECT_JITTER": "1.5"},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 0.5, c.ReconnectJitter)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			require.NoError(t, cfg.applyEnvironment(tt.env))
			cfg.Validate()
			tt.check(t, cfg)
		})
	}
}

func TestEnvironmentParseError(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.applyEnvironment(map[string]string{"TRADECHAT_PAGE_SIZE": "many"})
	assert.Error(t, err)
}

func TestLoadConfigFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tradechat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: wss://file.example.com/ws
request_timeout: 7s
typing_timeout: 2s
queue_dir: /var/lib/tradechat
`), 0o600))

	t.Setenv("TRADECHAT_SERVER_URL", "wss://env.example.com/ws")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://env.example.com/ws", cfg.ServerURL, "environment wins over file")
	assert.Equal(t, 7*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 2*time.Second, cfg.TypingTimeout)
	assert.Equal(t, "/var/lib/tradechat", cfg.QueueDir)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestCreateDialer(t *testing.T) {
	hub := sim.NewHub(clock.NewManual(time.Now()))

	f := NewTransportFactory(nil)
	assert.False(t, f.IsUsingSimulation())

	d, err := f.CreateDialer(nil)
	require.NoError(t, err)
	assert.False(t, d.IsSimulation())

	f.SwitchToSimulation()
	_, err = f.CreateDialer(nil)
	assert.ErrorIs(t, err, ErrHubRequired)

	d, err = f.CreateDialer(hub)
	require.NoError(t, err)
	assert.True(t, d.IsSimulation())

	f.SwitchToReal()
	cfg := f.CurrentConfig()
	cfg.ServerURL = "http://wrong-scheme"
	require.NoError(t, f.UpdateConfig(cfg))
	_, err = f.CreateDialer(nil)
	assert.ErrorIs(t, err, interfaces.ErrInvalidURL)

	assert.Error(t, f.UpdateConfig(nil))
}

func TestOpenQueueStorage(t *testing.T) {
	cfg := DefaultConfig()
	f := NewTransportFactory(cfg)

	st, err := f.OpenQueueStorage()
	require.NoError(t, err)
	assert.IsType(t, &queue.MemoryStorage{}, st)

	cfg.QueueDir = t.TempDir()
	cfg.QueueSealKey = "not-hex"
	require.NoError(t, f.UpdateConfig(cfg))
	_, err = f.OpenQueueStorage()
	assert.ErrorIs(t, err, queue.ErrInvalidKey)

	cfg.QueueSealKey = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	require.NoError(t, f.UpdateConfig(cfg))
	st, err = f.OpenQueueStorage()
	require.NoError(t, err)
	defer st.Close()
	assert.IsType(t, &queue.PebbleStorage{}, st)
}
