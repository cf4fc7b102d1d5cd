package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestServerDefaults(t *testing.T) {
	t.Setenv("CHATSYNC_CONFIG", "")

	cfg, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, DefaultRooms, cfg.Rooms)
	assert.Equal(t, 100, cfg.HistoryLimit)
	assert.Equal(t, "sqlite", cfg.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Retention.Interval)
	assert.Equal(t, 500, cfg.Retention.Keep)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.True(t, cfg.IsDevelopment())
}

func TestServerEnvOverrides(t *testing.T) {
	t.Setenv("CHATSYNC_CONFIG", "")
	t.Setenv("CHATSYNC_ROOMS", "alpha, beta")
	t.Setenv("CHATSYNC_HISTORY_LIMIT", "25")
	t.Setenv("CHATSYNC_RETENTION_KEEP", "10")
	t.Setenv("CHATSYNC_ENV", "production")

	cfg, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Rooms)
	assert.Equal(t, 25, cfg.HistoryLimit)
	assert.Equal(t, 10, cfg.Retention.Keep)
	assert.False(t, cfg.IsDevelopment())
}

func TestServerConfigFile(t *testing.T) {
	path := writeFile(t, "server.yaml", `
addr: ":9090"
rooms: [one, two]
backend: redis
redis_url: redis://localhost:6379/0
retention:
  interval: 1m
  threshold: 50
  keep: 20
`)

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, []string{"one", "two"}, cfg.Rooms)
	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, time.Minute, cfg.Retention.Interval)
	assert.Equal(t, 50, cfg.Retention.Threshold)
}

func TestServerConfigFileFromEnv(t *testing.T) {
	path := writeFile(t, "server.json", `{"history_limit": 7}`)
	t.Setenv("CHATSYNC_CONFIG", path)

	cfg, err := LoadServer("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.HistoryLimit)
}

func TestServerValidation(t *testing.T) {
	valid := func() Server {
		return Server{
			Rooms:        []string{"lobby"},
			HistoryLimit: 10,
			Backend:      "sqlite",
			DBPath:       "x.db",
			Retention:    Retention{Interval: time.Minute, Threshold: 10, Keep: 5},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Server)
	}{
		{"bad room name", func(s *Server) { s.Rooms = []string{"has space"} }},
		{"duplicate room", func(s *Server) { s.Rooms = []string{"a", "a"} }},
		{"no rooms", func(s *Server) { s.Rooms = nil }},
		{"unknown backend", func(s *Server) { s.Backend = "mongo" }},
		{"redis without url", func(s *Server) { s.Backend = "redis" }},
		{"zero history", func(s *Server) { s.HistoryLimit = 0 }},
		{"keep over threshold", func(s *Server) { s.Retention.Keep = 20 }},
	}

	base := valid()
	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := LoadServer(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestClientLoad(t *testing.T) {
	t.Setenv("CHATSYNC_CONFIG", "")
	t.Setenv("CHATSYNC_ROOM", "general")
	t.Setenv("CHATSYNC_GRACE_PERIOD", "2s")

	cfg, err := LoadClient("")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.URL)
	assert.Equal(t, "general", cfg.Room)
	assert.Equal(t, 2*time.Second, cfg.GracePeriod)
}

func TestClientRoomMustBeInCatalog(t *testing.T) {
	t.Setenv("CHATSYNC_CONFIG", "")
	t.Setenv("CHATSYNC_ROOM", "nowhere")

	_, err := LoadClient("")
	assert.Error(t, err)
}
