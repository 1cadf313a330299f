package raffel

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config enumerates everything the server orchestrator needs to start the
// adapters: the HTTP listen address, per-protocol blocks, CORS, and
// shutdown behavior. Values are layered: struct defaults ← YAML file ←
// environment (RAFFEL_ prefix, e.g. RAFFEL_TCP_PORT=9100).
type Config struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	BasePath        string        `koanf:"base_path"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxBodySize     int64         `koanf:"max_body_size"`
	HotReload       bool          `koanf:"hot_reload"`

	CORS      CORSConfig      `koanf:"cors"`
	HTTP      HTTPConfig      `koanf:"http"`
	WebSocket WebSocketConfig `koanf:"websocket"`
	JSONRPC   JSONRPCConfig   `koanf:"jsonrpc"`
	TCP       TCPConfig       `koanf:"tcp"`
	UDP       UDPConfig       `koanf:"udp"`
}

// CORSConfig mirrors the middleware CORS options at the config surface.
type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowOrigins     []string `koanf:"allow_origins"`
	AllowMethods     []string `koanf:"allow_methods"`
	AllowHeaders     []string `koanf:"allow_headers"`
	ExposeHeaders    []string `koanf:"expose_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

type HTTPConfig struct {
	Enabled            bool          `koanf:"enabled"`
	StreamHeartbeat    time.Duration `koanf:"stream_heartbeat"`
	StreamWriteTimeout time.Duration `koanf:"stream_write_timeout"`
}

type WebSocketConfig struct {
	Enabled bool `koanf:"enabled"`
	// Path is the upgrade path on the shared HTTP port.
	Path string `koanf:"path"`
	// Host/Port, when set, run an additional standalone listener.
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	MaxMessageSize    int64         `koanf:"max_message_size"`
}

type JSONRPCConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Path     string `koanf:"path"`
	MaxBatch int    `koanf:"max_batch"`
}

type TCPConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	MaxFrameSize uint32 `koanf:"max_frame_size"`
}

type UDPConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	MaxDatagramSize int      `koanf:"max_datagram_size"`
	AckMode         bool     `koanf:"ack_mode"`
	MulticastGroups []string `koanf:"multicast_groups"`
	MulticastTTL    int      `koanf:"multicast_ttl"`
	Loopback        bool     `koanf:"loopback"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present: HTTP on :8080, JSON-RPC on /rpc, WebSocket upgrade
// on /ws, TCP and UDP disabled.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 15 * time.Second,
		MaxBodySize:     1 << 20,
		HTTP: HTTPConfig{
			Enabled:            true,
			StreamHeartbeat:    30 * time.Second,
			StreamWriteTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Enabled:           true,
			Path:              "/ws",
			HeartbeatInterval: 30 * time.Second,
			MaxMessageSize:    512 * 1024,
		},
		JSONRPC: JSONRPCConfig{
			Enabled:  true,
			Path:     "/rpc",
			MaxBatch: 100,
		},
		TCP: TCPConfig{
			MaxFrameSize: 4 << 20,
		},
		UDP: UDPConfig{
			MaxDatagramSize: 65507,
			MulticastTTL:    1,
		},
	}
}

// LoadConfig layers the defaults, an optional YAML file, and RAFFEL_*
// environment variables (double underscore separates nesting:
// RAFFEL_JSONRPC__PATH=/api/rpc).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider("RAFFEL_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "RAFFEL_")), "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
