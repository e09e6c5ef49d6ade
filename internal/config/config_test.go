package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if !cfg.Discovery.EnableMDNS || !cfg.Discovery.EnableUDP {
		t.Errorf("mDNS and UDP discovery should default on")
	}
	if cfg.Discovery.EnableBluetooth {
		t.Errorf("Bluetooth discovery should default off")
	}
	if cfg.Security.TrustMode != TrustOpen {
		t.Errorf("TrustMode = %s, want %s", cfg.Security.TrustMode, TrustOpen)
	}
	if !cfg.Security.EnableEncryption || !cfg.Security.RequireAuthentication {
		t.Errorf("encryption and authentication should default on")
	}
	if cfg.Networking.ListenPort != 47200 {
		t.Errorf("ListenPort = %d, want 47200", cfg.Networking.ListenPort)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if got := cfg.DiscoveryTimeout(); got != 5*time.Second {
		t.Errorf("DiscoveryTimeout = %v, want 5s", got)
	}
	if got := cfg.ConnectionTimeout(); got != 10*time.Second {
		t.Errorf("ConnectionTimeout = %v, want 10s", got)
	}
	if got := cfg.Heartbeat(); got != 5*time.Second {
		t.Errorf("Heartbeat = %v, want 5s", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad trust mode", func(c *Config) { c.Security.TrustMode = "paranoid" }},
		{"bad port", func(c *Config) { c.Networking.ListenPort = -1 }},
		{"zero chunk size", func(c *Config) { c.Transfer.ChunkSize = 0 }},
		{"zero window", func(c *Config) { c.Transfer.WindowSize = 0 }},
		{"auth without encryption", func(c *Config) { c.Security.EnableEncryption = false }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	os.Setenv("NEARWIRE_DEVICE_NAME", "env-device")
	os.Setenv("NEARWIRE_PORT", "50000")
	defer os.Unsetenv("NEARWIRE_DEVICE_NAME")
	defer os.Unsetenv("NEARWIRE_PORT")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseWithFlagSet(fs, []string{"-device-name", "flag-device"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Identity.DeviceName != "flag-device" {
		t.Errorf("DeviceName = %s, want flag-device", cfg.Identity.DeviceName)
	}
	// Env applies where no flag was given
	if cfg.Networking.ListenPort != 50000 {
		t.Errorf("ListenPort = %d, want 50000", cfg.Networking.ListenPort)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nearwire.yaml")
	body := `
log_level: debug
identity:
  device_name: yaml-device
security:
  trust_mode: allowlist_only
networking:
  listen_port: 48000
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.Identity.DeviceName != "yaml-device" {
		t.Errorf("DeviceName = %s, want yaml-device", cfg.Identity.DeviceName)
	}
	if cfg.Security.TrustMode != TrustAllowlistOnly {
		t.Errorf("TrustMode = %s, want %s", cfg.Security.TrustMode, TrustAllowlistOnly)
	}
	if cfg.Networking.ListenPort != 48000 {
		t.Errorf("ListenPort = %d, want 48000", cfg.Networking.ListenPort)
	}
	// Untouched sections keep defaults
	if !cfg.Discovery.EnableMDNS {
		t.Errorf("EnableMDNS should keep default true")
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("security:\n  trust_mode: nope\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected error for invalid trust mode")
	}
}
