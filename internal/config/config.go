package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Trust mode constants.
const (
	TrustOpen          = "open"
	TrustManual        = "manual"
	TrustAllowlistOnly = "allowlist_only"
)

// Identity holds device identity settings.
type Identity struct {
	DeviceName string `yaml:"device_name"`
	UserName   string `yaml:"user_name"`
	// KeyDir is where the identity keypair is persisted. Empty keeps the
	// identity in memory only (fresh keys each run).
	KeyDir string `yaml:"key_dir"`
}

// Discovery holds peer discovery settings.
type Discovery struct {
	EnableMDNS      bool `yaml:"enable_mdns"`
	EnableUDP       bool `yaml:"enable_udp"`
	EnableBluetooth bool `yaml:"enable_bluetooth"`
	IntervalSecs    int  `yaml:"interval_secs"`
	TimeoutSecs     int  `yaml:"timeout_secs"`
	// SilenceTimeoutSecs evicts peers not seen for this long.
	SilenceTimeoutSecs int `yaml:"silence_timeout_secs"`
}

// Security holds trust and encryption settings.
type Security struct {
	EnableEncryption      bool   `yaml:"enable_encryption"`
	RequireAuthentication bool   `yaml:"require_authentication"`
	TrustMode             string `yaml:"trust_mode"`
	// TrustStorePath is the SQLite file remembering trusted peers.
	// Empty uses an in-memory store.
	TrustStorePath string `yaml:"trust_store_path"`
	// ApprovalTimeoutSecs bounds manual-approval waits.
	ApprovalTimeoutSecs int `yaml:"approval_timeout_secs"`
}

// Networking holds transport settings.
type Networking struct {
	ListenPort            int  `yaml:"listen_port"`
	EnableIPv6            bool `yaml:"enable_ipv6"`
	EnableQUIC            bool `yaml:"enable_quic"`
	EnableWebRTC          bool `yaml:"enable_webrtc"`
	EnableWebSocket       bool `yaml:"enable_websocket"`
	ConnectionTimeoutSecs int  `yaml:"connection_timeout_secs"`
	// HeartbeatSecs is the session keepalive interval.
	HeartbeatSecs int `yaml:"heartbeat_secs"`
}

// Transfer holds file transfer settings.
type Transfer struct {
	ChunkSize   uint32 `yaml:"chunk_size"`
	WindowSize  uint32 `yaml:"window_size"`
	DownloadDir string `yaml:"download_dir"`
}

// Config is the full engine configuration.
type Config struct {
	LogLevel   string     `yaml:"log_level"`
	Identity   Identity   `yaml:"identity"`
	Discovery  Discovery  `yaml:"discovery"`
	Security   Security   `yaml:"security"`
	Networking Networking `yaml:"networking"`
	Transfer   Transfer   `yaml:"transfer"`
}

// Default returns the configuration defaults.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "nearwire-device"
	}
	return Config{
		LogLevel: "info",
		Identity: Identity{
			DeviceName: host,
		},
		Discovery: Discovery{
			EnableMDNS:         true,
			EnableUDP:          true,
			EnableBluetooth:    false,
			IntervalSecs:       10,
			TimeoutSecs:        5,
			SilenceTimeoutSecs: 300,
		},
		Security: Security{
			EnableEncryption:      true,
			RequireAuthentication: true,
			TrustMode:             TrustOpen,
			ApprovalTimeoutSecs:   30,
		},
		Networking: Networking{
			ListenPort:            47200,
			EnableIPv6:            false,
			EnableQUIC:            true,
			EnableWebRTC:          true,
			EnableWebSocket:       true,
			ConnectionTimeoutSecs: 10,
			HeartbeatSecs:         5,
		},
		Transfer: Transfer{
			ChunkSize:   256 * 1024,
			WindowSize:  16,
			DownloadDir: ".",
		},
	}
}

// DiscoveryTimeout returns the discovery timeout as a duration.
func (c Config) DiscoveryTimeout() time.Duration {
	return time.Duration(c.Discovery.TimeoutSecs) * time.Second
}

// DiscoveryInterval returns the discovery refresh interval as a duration.
func (c Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.Discovery.IntervalSecs) * time.Second
}

// SilenceTimeout returns the peer eviction timeout as a duration.
func (c Config) SilenceTimeout() time.Duration {
	return time.Duration(c.Discovery.SilenceTimeoutSecs) * time.Second
}

// ConnectionTimeout returns the per-attempt connection timeout as a duration.
func (c Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.Networking.ConnectionTimeoutSecs) * time.Second
}

// ApprovalTimeout returns the manual-approval timeout as a duration.
func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Security.ApprovalTimeoutSecs) * time.Second
}

// Heartbeat returns the session keepalive interval as a duration.
func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.Networking.HeartbeatSecs) * time.Second
}

// Validate checks config invariants.
func (c Config) Validate() error {
	switch c.Security.TrustMode {
	case TrustOpen, TrustManual, TrustAllowlistOnly:
	default:
		return fmt.Errorf("unknown trust mode %q", c.Security.TrustMode)
	}
	if c.Networking.ListenPort <= 0 || c.Networking.ListenPort > 65535 {
		return fmt.Errorf("listen port %d out of range", c.Networking.ListenPort)
	}
	// Authentication derives the session keys, so it cannot run with
	// encryption disabled
	if c.Security.RequireAuthentication && !c.Security.EnableEncryption {
		return fmt.Errorf("require_authentication needs enable_encryption")
	}
	if c.Transfer.ChunkSize == 0 {
		return fmt.Errorf("chunk size must be > 0")
	}
	if c.Transfer.WindowSize == 0 {
		return fmt.Errorf("window size must be > 0")
	}
	return nil
}

// LoadFile reads a YAML config file over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse builds a Config from defaults, environment, flags, and an optional
// config file. Precedence: flags > env > file > defaults.
func Parse() (Config, error) {
	return parseWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseWithFlagSet is an internal helper for testing with isolated flag sets.
func parseWithFlagSet(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()

	// Config file first so env and flags can override it
	configPath := os.Getenv("NEARWIRE_CONFIG")
	if configPath != "" {
		loaded, err := LoadFile(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	applyEnv(&cfg)

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.Identity.DeviceName, "device-name", cfg.Identity.DeviceName, "device name announced to peers")
	fs.StringVar(&cfg.Identity.UserName, "user-name", cfg.Identity.UserName, "user name announced to peers")
	fs.StringVar(&cfg.Identity.KeyDir, "key-dir", cfg.Identity.KeyDir, "directory holding the identity keypair")
	fs.BoolVar(&cfg.Discovery.EnableMDNS, "mdns", cfg.Discovery.EnableMDNS, "enable mDNS discovery")
	fs.BoolVar(&cfg.Discovery.EnableUDP, "udp-discovery", cfg.Discovery.EnableUDP, "enable UDP broadcast discovery")
	fs.BoolVar(&cfg.Discovery.EnableBluetooth, "bluetooth", cfg.Discovery.EnableBluetooth, "enable Bluetooth discovery")
	fs.IntVar(&cfg.Discovery.TimeoutSecs, "discovery-timeout", cfg.Discovery.TimeoutSecs, "discovery timeout in seconds")
	fs.StringVar(&cfg.Security.TrustMode, "trust-mode", cfg.Security.TrustMode, "trust mode (open, manual, allowlist_only)")
	fs.StringVar(&cfg.Security.TrustStorePath, "trust-store", cfg.Security.TrustStorePath, "SQLite trust store path")
	fs.IntVar(&cfg.Networking.ListenPort, "port", cfg.Networking.ListenPort, "listen port")
	fs.BoolVar(&cfg.Networking.EnableQUIC, "quic", cfg.Networking.EnableQUIC, "enable QUIC transport")
	fs.BoolVar(&cfg.Networking.EnableWebRTC, "webrtc", cfg.Networking.EnableWebRTC, "enable WebRTC transport")
	fs.BoolVar(&cfg.Networking.EnableWebSocket, "websocket", cfg.Networking.EnableWebSocket, "enable WebSocket transport")
	fs.StringVar(&cfg.Transfer.DownloadDir, "download-dir", cfg.Transfer.DownloadDir, "directory for received files")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NEARWIRE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NEARWIRE_DEVICE_NAME"); v != "" {
		cfg.Identity.DeviceName = v
	}
	if v := os.Getenv("NEARWIRE_USER_NAME"); v != "" {
		cfg.Identity.UserName = v
	}
	if v := os.Getenv("NEARWIRE_TRUST_MODE"); v != "" {
		cfg.Security.TrustMode = v
	}
	if v := os.Getenv("NEARWIRE_TRUST_STORE"); v != "" {
		cfg.Security.TrustStorePath = v
	}
	if v := os.Getenv("NEARWIRE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Networking.ListenPort = port
		}
	}
	if v := os.Getenv("NEARWIRE_DOWNLOAD_DIR"); v != "" {
		cfg.Transfer.DownloadDir = v
	}
}
