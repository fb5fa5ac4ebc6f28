package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Service ServiceConfig         `koanf:"service"`
	BGP     BGPConfig             `koanf:"bgp"`
	Peers   map[string]PeerConfig `koanf:"peers"`
	Export  ExportConfig          `koanf:"export"`
	Mirror  MirrorConfig          `koanf:"mirror"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type BGPConfig struct {
	LocalAS             uint32 `koanf:"local_as"`
	RouterID            string `koanf:"router_id"`
	LocalAddress        string `koanf:"local_address"`
	ListenAddress       string `koanf:"listen_address"`
	HoldTimeSeconds     int    `koanf:"hold_time_seconds"`
	ConnectRetrySeconds int    `koanf:"connect_retry_seconds"`
	DelayOpenSeconds    int    `koanf:"delay_open_seconds"`
	MRAISeconds         int    `koanf:"mrai_seconds"`
	NexthopSelf         string `koanf:"nexthop_self"`
	TimerJitter         bool   `koanf:"timer_jitter"`
}

type PeerConfig struct {
	Address         string        `koanf:"address"`
	AS              uint32        `koanf:"as"`
	Passive         bool          `koanf:"passive"`
	HoldTimeSeconds int           `koanf:"hold_time_seconds"`
	AllowOwnAS      bool          `koanf:"allow_own_as"`
	Damping         DampingConfig `koanf:"damping"`
	MD5Keys         []MD5Key      `koanf:"md5_keys"`
}

type DampingConfig struct {
	Enabled             bool `koanf:"enabled"`
	Threshold           int  `koanf:"threshold"`
	WindowSeconds       int  `koanf:"window_seconds"`
	IdleHoldTimeSeconds int  `koanf:"idle_hold_time_seconds"`
}

// MD5Key is one time-bounded TCP MD5 signature key. Empty start/end mean
// always valid.
type MD5Key struct {
	KeyID    uint8  `koanf:"key_id"`
	Password string `koanf:"password"`
	Start    string `koanf:"start"` // RFC 3339
	End      string `koanf:"end"`
}

type ExportConfig struct {
	Enabled bool        `koanf:"enabled"`
	Kafka   KafkaConfig `koanf:"kafka"`
}

type KafkaConfig struct {
	Brokers  []string   `koanf:"brokers"`
	Topic    string     `koanf:"topic"`
	ClientID string     `koanf:"client_id"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type MirrorConfig struct {
	Enabled         bool           `koanf:"enabled"`
	Postgres        PostgresConfig `koanf:"postgres"`
	BatchSize       int            `koanf:"batch_size"`
	FlushIntervalMs int            `koanf:"flush_interval_ms"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGP_SPEAKER_BGP__LOCAL_AS → bgp.local_as
	if err := k.Load(env.Provider("BGP_SPEAKER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGP_SPEAKER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgp-speaker-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BGP: BGPConfig{
			ListenAddress:       ":179",
			HoldTimeSeconds:     90,
			ConnectRetrySeconds: 120,
		},
		Export: ExportConfig{
			Kafka: KafkaConfig{
				Topic:    "bgp.chosen-routes",
				ClientID: "bgp-speaker",
			},
		},
		Mirror: MirrorConfig{
			Postgres: PostgresConfig{
				MaxConns: 20,
				MinConns: 2,
			},
			BatchSize:       1000,
			FlushIntervalMs: 200,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Export.Kafka.Brokers) == 1 && strings.Contains(cfg.Export.Kafka.Brokers[0], ",") {
		cfg.Export.Kafka.Brokers = strings.Split(cfg.Export.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BGP.LocalAS == 0 {
		return fmt.Errorf("config: bgp.local_as is required")
	}
	if c.BGP.RouterID == "" {
		return fmt.Errorf("config: bgp.router_id is required")
	}
	id, err := netip.ParseAddr(c.BGP.RouterID)
	if err != nil || !id.Is4() {
		return fmt.Errorf("config: bgp.router_id must be an IPv4 address (got %q)", c.BGP.RouterID)
	}
	if c.BGP.NexthopSelf != "" {
		if _, err := netip.ParseAddr(c.BGP.NexthopSelf); err != nil {
			return fmt.Errorf("config: bgp.nexthop_self is invalid: %w", err)
		}
	}
	if c.BGP.HoldTimeSeconds == 1 || c.BGP.HoldTimeSeconds == 2 {
		return fmt.Errorf("config: bgp.hold_time_seconds must be 0 or >= 3 (got %d)", c.BGP.HoldTimeSeconds)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("config: at least one peer is required")
	}
	for name, p := range c.Peers {
		if p.Address == "" {
			return fmt.Errorf("config: peers.%s.address is required", name)
		}
		if _, err := netip.ParseAddr(p.Address); err != nil {
			return fmt.Errorf("config: peers.%s.address is invalid: %w", name, err)
		}
		if p.AS == 0 {
			return fmt.Errorf("config: peers.%s.as is required", name)
		}
		if p.Damping.Enabled {
			if p.Damping.Threshold <= 0 {
				return fmt.Errorf("config: peers.%s.damping.threshold must be > 0", name)
			}
			if p.Damping.WindowSeconds <= 0 {
				return fmt.Errorf("config: peers.%s.damping.window_seconds must be > 0", name)
			}
			if p.Damping.IdleHoldTimeSeconds <= 0 {
				return fmt.Errorf("config: peers.%s.damping.idle_hold_time_seconds must be > 0", name)
			}
		}
		for i, key := range p.MD5Keys {
			if key.Password == "" {
				return fmt.Errorf("config: peers.%s.md5_keys[%d].password is required", name, i)
			}
			for _, ts := range []string{key.Start, key.End} {
				if ts == "" {
					continue
				}
				if _, err := time.Parse(time.RFC3339, ts); err != nil {
					return fmt.Errorf("config: peers.%s.md5_keys[%d]: bad timestamp %q", name, i, ts)
				}
			}
		}
	}
	if c.Export.Enabled {
		if len(c.Export.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: export.kafka.brokers is required when export is enabled")
		}
		if c.Export.Kafka.Topic == "" {
			return fmt.Errorf("config: export.kafka.topic is required when export is enabled")
		}
	}
	if c.Mirror.Enabled {
		if c.Mirror.Postgres.DSN == "" {
			return fmt.Errorf("config: mirror.postgres.dsn is required when mirror is enabled")
		}
		if c.Mirror.BatchSize <= 0 {
			return fmt.Errorf("config: mirror.batch_size must be > 0 (got %d)", c.Mirror.BatchSize)
		}
		if c.Mirror.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: mirror.flush_interval_ms must be > 0 (got %d)", c.Mirror.FlushIntervalMs)
		}
		if c.Mirror.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: mirror.postgres.max_conns must be > 0 (got %d)", c.Mirror.Postgres.MaxConns)
		}
		if c.Mirror.Postgres.MinConns < 0 {
			return fmt.Errorf("config: mirror.postgres.min_conns must be >= 0 (got %d)", c.Mirror.Postgres.MinConns)
		}
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// RouterID returns the parsed router ID. Call after Validate.
func (c *Config) RouterID() netip.Addr {
	id, _ := netip.ParseAddr(c.BGP.RouterID)
	return id
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.CertFilePairSet() {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func (k *KafkaConfig) CertFilePairSet() bool {
	return k.TLS.CertFile != "" && k.TLS.KeyFile != ""
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
