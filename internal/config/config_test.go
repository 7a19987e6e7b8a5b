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
			SelfAddress:            "test.alice",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Peers: map[string]PeerConfig{
			"bob": {
				Direction: "outbound",
				Endpoint:  "wss://bob.example/btp",
				AuthToken: "secret",
			},
			"carol": {
				Direction: "inbound",
				AuthToken: "secret2",
			},
		},
		Routes: []RouteConfig{
			{Prefix: "test.bob", NextHop: "bob", Priority: 0},
		},
		BTP: BTPConfig{
			ListenAddr:              ":4000",
			HandshakeTimeoutMs:      10000,
			ReconnectInitialDelayMs: 1000,
			ReconnectMaxDelayMs:     30000,
		},
		Telemetry: TelemetryConfig{
			QueueSize:           10000,
			SubscriberQueueSize: 256,
		},
		Ledger: LedgerConfig{
			CommitTimeoutMs: 5000,
		},
		Postgres: PostgresConfig{
			DSN:      "postgres://localhost/test",
			MaxConns: 10,
			MinConns: 2,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_NoSelfAddress(t *testing.T) {
	cfg := validConfig()
	cfg.Service.SelfAddress = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty self_address")
	}
}

func TestValidate_ShutdownTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for shutdown_timeout_seconds = 0")
	}
}

func TestValidate_PeerBadDirection(t *testing.T) {
	cfg := validConfig()
	cfg.Peers["bob"] = PeerConfig{Direction: "sideways", AuthToken: "secret"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid peer direction")
	}
}

func TestValidate_OutboundPeerMissingEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Peers["bob"] = PeerConfig{Direction: "outbound", AuthToken: "secret"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for outbound peer missing endpoint")
	}
}

func TestValidate_PeerMissingAuthToken(t *testing.T) {
	cfg := validConfig()
	cfg.Peers["carol"] = PeerConfig{Direction: "inbound"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for peer missing auth_token")
	}
}

func TestValidate_InboundPeerRequiresBTPListenAddr(t *testing.T) {
	cfg := validConfig()
	cfg.BTP.ListenAddr = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for inbound peer without btp.listen_addr")
	}
}

func TestValidate_RouteMissingPrefix(t *testing.T) {
	cfg := validConfig()
	cfg.Routes[0].Prefix = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for route missing prefix")
	}
}

func TestValidate_RouteUnknownNextHop(t *testing.T) {
	cfg := validConfig()
	cfg.Routes[0].NextHop = "dave"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for route next_hop not a configured peer")
	}
}

func TestValidate_BTPHandshakeTimeoutZero(t *testing.T) {
	cfg := validConfig()
	cfg.BTP.HandshakeTimeoutMs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for btp.handshake_timeout_ms = 0")
	}
}

func TestValidate_BTPReconnectMaxBelowInitial(t *testing.T) {
	cfg := validConfig()
	cfg.BTP.ReconnectInitialDelayMs = 5000
	cfg.BTP.ReconnectMaxDelayMs = 1000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for reconnect_max_delay_ms < reconnect_initial_delay_ms")
	}
}

func TestValidate_TelemetryQueueSizeZero(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.QueueSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for telemetry.queue_size = 0")
	}
}

func TestValidate_MirrorKafkaEnabledMissingBrokers(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.MirrorKafka.Enabled = true
	cfg.Telemetry.MirrorKafka.Topic = "telemetry"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for mirror_kafka.enabled without brokers")
	}
}

func TestValidate_MirrorKafkaEnabledMissingTopic(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.MirrorKafka.Enabled = true
	cfg.Telemetry.MirrorKafka.Brokers = []string{"localhost:9092"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for mirror_kafka.enabled without topic")
	}
}

func TestValidate_LedgerEnabledRequiresDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Ledger.Enabled = true
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for ledger.enabled without postgres.dsn")
	}
}

func TestValidate_MirrorPostgresRequiresDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.MirrorPostgres = true
	cfg.Postgres.DSN = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for telemetry.mirror_postgres without postgres.dsn")
	}
}

func TestValidate_MirrorPostgresRequiresRetentionDays(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.MirrorPostgres = true
	cfg.Telemetry.Retention = RetentionConfig{Days: 0, Timezone: "UTC"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for telemetry.retention.days <= 0")
	}
}

func TestValidate_MirrorPostgresRequiresValidTimezone(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.MirrorPostgres = true
	cfg.Telemetry.Retention = RetentionConfig{Days: 30, Timezone: "Not/ARealZone"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid telemetry.retention.timezone")
	}
}

func TestValidate_RetentionIgnoredWithoutMirrorPostgres(t *testing.T) {
	cfg := validConfig()
	cfg.Telemetry.MirrorPostgres = false
	cfg.Telemetry.Retention = RetentionConfig{Days: 0, Timezone: "bogus"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("retention should only be validated when mirror_postgres is enabled, got: %v", err)
	}
}

func TestValidate_PostgresDSNRequiresMaxConns(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.MaxConns = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for postgres.max_conns = 0 when dsn set")
	}
}

func writeMinimalYAML(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	data := `
service:
  self_address: "test.alice"
peers:
  bob:
    direction: outbound
    endpoint: "wss://bob.example/btp"
    auth_token: "secret"
routes:
  - prefix: "test.bob"
    next_hop: "bob"
`
	if err := os.WriteFile(p, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_EnvOverrideSelfAddress(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("ILP_CONNECTOR_SERVICE__SELF_ADDRESS", "test.env-alice")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.SelfAddress != "test.env-alice" {
		t.Errorf("expected self_address from env, got %q", cfg.Service.SelfAddress)
	}
}

func TestLoad_EnvOverrideLogLevel(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("ILP_CONNECTOR_SERVICE__LOG_LEVEL", "debug")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.LogLevel != "debug" {
		t.Errorf("expected log_level 'debug' from env, got %q", cfg.Service.LogLevel)
	}
}

func TestLoad_EnvEmptyAuthTokenFailsValidation(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("ILP_CONNECTOR_PEERS__BOB__AUTH_TOKEN", "")

	_, err := Load(p)
	if err == nil {
		t.Fatal("expected validation error for empty peer auth_token via env")
	}
}

func TestLoad_Defaults(t *testing.T) {
	p := writeMinimalYAML(t)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.HTTPListen != ":8080" {
		t.Errorf("expected default http_listen ':8080', got %q", cfg.Service.HTTPListen)
	}
	if cfg.BTP.HandshakeTimeoutMs != 10000 {
		t.Errorf("expected default btp.handshake_timeout_ms 10000, got %d", cfg.BTP.HandshakeTimeoutMs)
	}
	if cfg.Telemetry.QueueSize != 10000 {
		t.Errorf("expected default telemetry.queue_size 10000, got %d", cfg.Telemetry.QueueSize)
	}
	if cfg.Telemetry.Retention.Days != 30 {
		t.Errorf("expected default telemetry.retention.days 30, got %d", cfg.Telemetry.Retention.Days)
	}
	if cfg.Telemetry.Retention.Timezone != "UTC" {
		t.Errorf("expected default telemetry.retention.timezone 'UTC', got %q", cfg.Telemetry.Retention.Timezone)
	}
}

func TestLoad_KafkaBrokersCommaSplit(t *testing.T) {
	p := writeMinimalYAML(t)
	t.Setenv("ILP_CONNECTOR_TELEMETRY__MIRROR_KAFKA__BROKERS", "host1:9092,host2:9092")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Telemetry.MirrorKafka.Brokers) != 2 {
		t.Fatalf("expected 2 brokers after comma-split, got %v", cfg.Telemetry.MirrorKafka.Brokers)
	}
}
