package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "test",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BGP: BGPConfig{
			LocalAS:         65000,
			RouterID:        "1.1.1.1",
			HoldTimeSeconds: 90,
		},
		Peers: map[string]PeerConfig{
			"upstream": {
				Address: "192.0.2.1",
				AS:      65001,
			},
		},
		Mirror: MirrorConfig{
			Postgres: PostgresConfig{
				MaxConns: 10,
				MinConns: 2,
			},
			BatchSize:       1000,
			FlushIntervalMs: 200,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoLocalAS(t *testing.T) {
	cfg := validConfig()
	cfg.BGP.LocalAS = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing local_as")
	}
}

func TestValidate_BadRouterID(t *testing.T) {
	cfg := validConfig()
	cfg.BGP.RouterID = "2001:db8::1"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-IPv4 router_id")
	}
}

func TestValidate_NoPeers(t *testing.T) {
	cfg := validConfig()
	cfg.Peers = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty peers")
	}
}

func TestValidate_PeerMissingAS(t *testing.T) {
	cfg := validConfig()
	p := cfg.Peers["upstream"]
	p.AS = 0
	cfg.Peers["upstream"] = p
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for peer with no AS")
	}
}

func TestValidate_BadPeerAddress(t *testing.T) {
	cfg := validConfig()
	p := cfg.Peers["upstream"]
	p.Address = "not-an-address"
	cfg.Peers["upstream"] = p
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bad peer address")
	}
}

func TestValidate_IllegalHoldTime(t *testing.T) {
	cfg := validConfig()
	cfg.BGP.HoldTimeSeconds = 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for hold time of 2")
	}
}

func TestValidate_DampingIncomplete(t *testing.T) {
	cfg := validConfig()
	p := cfg.Peers["upstream"]
	p.Damping = DampingConfig{Enabled: true, Threshold: 5}
	cfg.Peers["upstream"] = p
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for damping without window")
	}
}

func TestValidate_MD5KeyBadTimestamp(t *testing.T) {
	cfg := validConfig()
	p := cfg.Peers["upstream"]
	p.MD5Keys = []MD5Key{{KeyID: 1, Password: "secret", Start: "yesterday"}}
	cfg.Peers["upstream"] = p
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for bad key timestamp")
	}
}

func TestValidate_ExportNeedsBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Export.Enabled = true
	cfg.Export.Kafka.Topic = "t"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for export without brokers")
	}
}

func TestValidate_MirrorNeedsDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Mirror.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for mirror without DSN")
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	yaml := `
service:
  instance_id: yaml-test
bgp:
  local_as: 65010
  router_id: 10.0.0.1
peers:
  upstream:
    address: 192.0.2.9
    as: 65020
    md5_keys:
      - key_id: 1
        password: hunter2
        start: "2026-01-01T00:00:00Z"
        end: "2027-01-01T00:00:00Z"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.InstanceID != "yaml-test" {
		t.Errorf("instance_id = %q", cfg.Service.InstanceID)
	}
	if cfg.BGP.LocalAS != 65010 {
		t.Errorf("local_as = %d", cfg.BGP.LocalAS)
	}
	peer := cfg.Peers["upstream"]
	if peer.AS != 65020 || peer.Address != "192.0.2.9" {
		t.Errorf("peer = %+v", peer)
	}
	if len(peer.MD5Keys) != 1 || peer.MD5Keys[0].Password != "hunter2" {
		t.Errorf("md5 keys = %+v", peer.MD5Keys)
	}
	// Defaults survive the overlay.
	if cfg.Service.HTTPListen != ":8080" {
		t.Errorf("http_listen default lost: %q", cfg.Service.HTTPListen)
	}
	if cfg.BGP.HoldTimeSeconds != 90 {
		t.Errorf("hold_time default lost: %d", cfg.BGP.HoldTimeSeconds)
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	yaml := `
bgp:
  local_as: 65010
  router_id: 10.0.0.1
peers:
  upstream:
    address: 192.0.2.9
    as: 65020
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BGP_SPEAKER_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("env overlay lost: %q", cfg.Service.LogLevel)
	}
}
