// Package config loads the connector's layered YAML+env configuration:
// peers, static routes, BTP timing, the telemetry emitter/hub, the
// optional ledger-backed accounting gate, and the optional durable
// telemetry mirror — the same koanf provider-chain shape the teacher
// uses (defaults struct, file provider, env provider, Unmarshal,
// Validate), generalized from a BGP/BMP ingester's sections to an ILP
// connector's.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
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
	Service   ServiceConfig         `koanf:"service"`
	Peers     map[string]PeerConfig `koanf:"peers"`
	Routes    []RouteConfig         `koanf:"routes"`
	BTP       BTPConfig             `koanf:"btp"`
	Telemetry TelemetryConfig       `koanf:"telemetry"`
	Ledger    LedgerConfig          `koanf:"ledger"`
	Postgres  PostgresConfig        `koanf:"postgres"`
}

// ServiceConfig carries this node's own identity and HTTP health surface.
type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	SelfAddress            string `koanf:"self_address"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// PeerConfig is spec.md §6's peer configuration record.
type PeerConfig struct {
	Direction        string   `koanf:"direction"` // "inbound" or "outbound"
	Endpoint         string   `koanf:"endpoint"`  // outbound only
	AuthToken        string   `koanf:"auth_token"`
	DeclaredPrefixes []string `koanf:"declared_prefixes"`
}

// RouteConfig is spec.md §6's routing configuration record.
type RouteConfig struct {
	Prefix   string `koanf:"prefix"`
	NextHop  string `koanf:"next_hop"`
	Priority int    `koanf:"priority"`
}

// BTPConfig configures the session layer. serve uses only ListenAddr: the
// handshake timeout and reconnect delays are validated but not passed on,
// so the peer registry runs with its fixed inbound handshake timeout and
// btp.DefaultReconnectConfig.
type BTPConfig struct {
	// ListenAddr is where inbound peer connections are accepted; empty
	// disables the inbound listener (a node with only outbound peers
	// doesn't need one).
	ListenAddr              string `koanf:"listen_addr"`
	HandshakeTimeoutMs      int    `koanf:"handshake_timeout_ms"`
	ReconnectInitialDelayMs int    `koanf:"reconnect_initial_delay_ms"`
	ReconnectMaxDelayMs     int    `koanf:"reconnect_max_delay_ms"`
}

// TelemetryConfig configures both this node's emitter (publishing its own
// events) and, optionally, a telemetry hub server run in-process.
type TelemetryConfig struct {
	HubListen            string            `koanf:"hub_listen"`  // non-empty enables running a hub server
	EmitterURL           string            `koanf:"emitter_url"` // hub address this node emits to
	QueueSize            int               `koanf:"queue_size"`
	PublishRatePerSecond float64           `koanf:"publish_rate_per_second"`
	SubscriberQueueSize  int               `koanf:"subscriber_queue_size"`
	MirrorKafka          KafkaMirrorConfig `koanf:"mirror_kafka"`
	MirrorPostgres       bool              `koanf:"mirror_postgres"`
	// MirrorPostgresCompressRaw additionally stores a zstd-compressed copy
	// of each mirrored event's JSON payload, for cheap bulk export without
	// JSONB's per-row overhead. Ignored unless MirrorPostgres is set.
	MirrorPostgresCompressRaw bool            `koanf:"mirror_postgres_compress_raw"`
	Retention                 RetentionConfig `koanf:"retention"`
}

// RetentionConfig bounds how long the Postgres telemetry mirror's daily
// partitions (internal/maintenance) are kept before being dropped.
type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// KafkaMirrorConfig is the optional durable analytics mirror for ingested
// telemetry events (internal/telemetry/kafkamirror).
type KafkaMirrorConfig struct {
	Enabled  bool       `koanf:"enabled"`
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

// LedgerConfig enables the Postgres-backed AccountingGate; when disabled
// the connector runs with router.NoopGate.
type LedgerConfig struct {
	Enabled         bool `koanf:"enabled"`
	CommitTimeoutMs int  `koanf:"commit_timeout_ms"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: ILP_CONNECTOR_BTP__HANDSHAKE_TIMEOUT_MS → btp.handshake_timeout_ms
	if err := k.Load(env.Provider("ILP_CONNECTOR_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "ILP_CONNECTOR_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "ilp-connector-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BTP: BTPConfig{
			HandshakeTimeoutMs:      10000,
			ReconnectInitialDelayMs: 1000,
			ReconnectMaxDelayMs:     30000,
		},
		Telemetry: TelemetryConfig{
			QueueSize:           10000,
			SubscriberQueueSize: 256,
			Retention: RetentionConfig{
				Days:     30,
				Timezone: "UTC",
			},
		},
		Ledger: LedgerConfig{
			CommitTimeoutMs: 5000,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Telemetry.MirrorKafka.Brokers) == 1 && strings.Contains(cfg.Telemetry.MirrorKafka.Brokers[0], ",") {
		cfg.Telemetry.MirrorKafka.Brokers = strings.Split(cfg.Telemetry.MirrorKafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Service.SelfAddress == "" {
		return fmt.Errorf("config: service.self_address is required")
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}

	hasInboundPeer := false
	for id, p := range c.Peers {
		switch p.Direction {
		case "inbound", "outbound":
		default:
			return fmt.Errorf("config: peers.%s.direction must be %q or %q (got %q)", id, "inbound", "outbound", p.Direction)
		}
		if p.Direction == "outbound" && p.Endpoint == "" {
			return fmt.Errorf("config: peers.%s.endpoint is required for outbound peers", id)
		}
		if p.Direction == "inbound" {
			hasInboundPeer = true
		}
		if p.AuthToken == "" {
			return fmt.Errorf("config: peers.%s.auth_token is required", id)
		}
	}
	if hasInboundPeer && c.BTP.ListenAddr == "" {
		return fmt.Errorf("config: btp.listen_addr is required when any peer has direction \"inbound\"")
	}

	peerIDs := make(map[string]struct{}, len(c.Peers))
	for id := range c.Peers {
		peerIDs[id] = struct{}{}
	}
	for i, r := range c.Routes {
		if r.Prefix == "" {
			return fmt.Errorf("config: routes[%d].prefix is required", i)
		}
		if _, ok := peerIDs[r.NextHop]; !ok {
			return fmt.Errorf("config: routes[%d].next_hop %q is not a configured peer", i, r.NextHop)
		}
	}

	if c.BTP.HandshakeTimeoutMs <= 0 {
		return fmt.Errorf("config: btp.handshake_timeout_ms must be > 0 (got %d)", c.BTP.HandshakeTimeoutMs)
	}
	if c.BTP.ReconnectInitialDelayMs <= 0 {
		return fmt.Errorf("config: btp.reconnect_initial_delay_ms must be > 0 (got %d)", c.BTP.ReconnectInitialDelayMs)
	}
	if c.BTP.ReconnectMaxDelayMs < c.BTP.ReconnectInitialDelayMs {
		return fmt.Errorf("config: btp.reconnect_max_delay_ms must be >= reconnect_initial_delay_ms")
	}

	if c.Telemetry.QueueSize <= 0 {
		return fmt.Errorf("config: telemetry.queue_size must be > 0 (got %d)", c.Telemetry.QueueSize)
	}
	if c.Telemetry.MirrorKafka.Enabled && len(c.Telemetry.MirrorKafka.Brokers) == 0 {
		return fmt.Errorf("config: telemetry.mirror_kafka.brokers is required when mirror_kafka.enabled")
	}
	if c.Telemetry.MirrorKafka.Enabled && c.Telemetry.MirrorKafka.Topic == "" {
		return fmt.Errorf("config: telemetry.mirror_kafka.topic is required when mirror_kafka.enabled")
	}
	if c.Telemetry.MirrorPostgres {
		if c.Telemetry.Retention.Days <= 0 {
			return fmt.Errorf("config: telemetry.retention.days must be > 0 (got %d)", c.Telemetry.Retention.Days)
		}
		if _, err := time.LoadLocation(c.Telemetry.Retention.Timezone); err != nil {
			return fmt.Errorf("config: telemetry.retention.timezone %q is invalid: %w", c.Telemetry.Retention.Timezone, err)
		}
	}

	if c.Ledger.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required when ledger.enabled")
	}
	if c.Telemetry.MirrorPostgres && c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required when telemetry.mirror_postgres")
	}
	if c.Postgres.DSN != "" {
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
	}

	return nil
}

// BuildTLSConfig creates a *tls.Config from TLS settings. Returns nil if TLS is disabled.
func (k *KafkaMirrorConfig) BuildTLSConfig() (*tls.Config, error) {
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
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from SASL settings. Returns nil if SASL is disabled.
func (k *KafkaMirrorConfig) BuildSASLMechanism() sasl.Mechanism {
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

// ReconnectDurations converts the millisecond-denominated BTP settings
// into the btp package's time.Duration-based reconnect bounds.
func (c BTPConfig) ReconnectDurations() (initial, max time.Duration) {
	return time.Duration(c.ReconnectInitialDelayMs) * time.Millisecond, time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond
}
