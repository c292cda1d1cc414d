// Package config loads the client configuration: where the chat server
// lives, how aggressively to reconnect, and the upload limits.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Transport Transport `yaml:"transport"`
	Upload    Upload    `yaml:"upload"`
}

// Server locates the two endpoints the engine talks to: the websocket
// broadcast transport and the HTTP upload endpoint. They usually share a
// host, which is what the desktop client's settings dialog configured.
type Server struct {
	Host          string `yaml:"host"`
	WebsocketPort int    `yaml:"websocket_port"`
	HTTPPort      int    `yaml:"http_port"`
	WebsocketPath string `yaml:"websocket_path"`
	UploadPath    string `yaml:"upload_path"`

	// WebsocketURL / UploadURL override the host/port composition when set,
	// for deployments behind a proxy.
	WebsocketURL string `yaml:"websocket_url"`
	UploadURL    string `yaml:"upload_url"`
}

type Transport struct {
	HandshakeTimeoutSec int `yaml:"handshake_timeout_sec"`
	WriteTimeoutSec     int `yaml:"write_timeout_sec"`
	PingIntervalSec     int `yaml:"ping_interval_sec"`
	PongTimeoutSec      int `yaml:"pong_timeout_sec"`
	BackoffMinMs        int `yaml:"backoff_min_ms"`
	BackoffMaxMs        int `yaml:"backoff_max_ms"`
}

type Upload struct {
	MaxFileSizeMB int `yaml:"max_file_size_mb"`
	TimeoutSec    int `yaml:"timeout_sec"`
}

func Default() *Config {
	return &Config{
		Server: Server{
			Host:          "127.0.0.1",
			WebsocketPort: 8080,
			HTTPPort:      8080,
			WebsocketPath: "/ws",
			UploadPath:    "/file/upload",
		},
		Transport: Transport{
			HandshakeTimeoutSec: 10,
			WriteTimeoutSec:     10,
			PingIntervalSec:     54,
			PongTimeoutSec:      60,
			BackoffMinMs:        500,
			BackoffMaxMs:        30000,
		},
		Upload: Upload{
			MaxFileSizeMB: 100,
			TimeoutSec:    600,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (s Server) ResolvedWebsocketURL() string {
	if s.WebsocketURL != "" {
		return s.WebsocketURL
	}
	return fmt.Sprintf("ws://%s:%d%s", s.Host, s.WebsocketPort, s.WebsocketPath)
}

func (s Server) ResolvedUploadURL() string {
	if s.UploadURL != "" {
		return s.UploadURL
	}
	return fmt.Sprintf("http://%s:%d%s", s.Host, s.HTTPPort, s.UploadPath)
}

func (t Transport) HandshakeTimeout() time.Duration {
	return time.Duration(t.HandshakeTimeoutSec) * time.Second
}

func (t Transport) WriteTimeout() time.Duration {
	return time.Duration(t.WriteTimeoutSec) * time.Second
}

func (t Transport) PingInterval() time.Duration {
	return time.Duration(t.PingIntervalSec) * time.Second
}

func (t Transport) PongTimeout() time.Duration {
	return time.Duration(t.PongTimeoutSec) * time.Second
}

func (t Transport) BackoffMin() time.Duration {
	return time.Duration(t.BackoffMinMs) * time.Millisecond
}

func (t Transport) BackoffMax() time.Duration {
	return time.Duration(t.BackoffMaxMs) * time.Millisecond
}

func (u Upload) MaxFileSize() int64 {
	return int64(u.MaxFileSizeMB) << 20
}

func (u Upload) Timeout() time.Duration {
	return time.Duration(u.TimeoutSec) * time.Second
}
