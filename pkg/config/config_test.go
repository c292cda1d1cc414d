package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:8080/ws", cfg.Server.ResolvedWebsocketURL())
	require.Equal(t, "http://127.0.0.1:8080/file/upload", cfg.Server.ResolvedUploadURL())
	require.Equal(t, int64(100<<20), cfg.Upload.MaxFileSize())
	require.Equal(t, 500*time.Millisecond, cfg.Transport.BackoffMin())
	require.Equal(t, 30*time.Second, cfg.Transport.BackoffMax())
	require.Less(t, cfg.Transport.PingInterval(), cfg.Transport.PongTimeout())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "luchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: chat.example.com
  websocket_port: 9000
  http_port: 9001
upload:
  max_file_size_mb: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "ws://chat.example.com:9000/ws", cfg.Server.ResolvedWebsocketURL())
	require.Equal(t, "http://chat.example.com:9001/file/upload", cfg.Server.ResolvedUploadURL())
	require.Equal(t, int64(10<<20), cfg.Upload.MaxFileSize())
	// untouched sections keep their defaults
	require.Equal(t, 10*time.Second, cfg.Transport.HandshakeTimeout())
}

func TestExplicitURLsWin(t *testing.T) {
	cfg := Default()
	cfg.Server.WebsocketURL = "wss://proxy.example.com/chat"
	cfg.Server.UploadURL = "https://proxy.example.com/upload"
	require.Equal(t, "wss://proxy.example.com/chat", cfg.Server.ResolvedWebsocketURL())
	require.Equal(t, "https://proxy.example.com/upload", cfg.Server.ResolvedUploadURL())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadBadYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
