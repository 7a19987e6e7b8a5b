package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/ilp-connector/internal/btp"
	"github.com/route-beacon/ilp-connector/internal/config"
	"github.com/route-beacon/ilp-connector/internal/db"
	"github.com/route-beacon/ilp-connector/internal/httpapi"
	"github.com/route-beacon/ilp-connector/internal/ledger"
	"github.com/route-beacon/ilp-connector/internal/maintenance"
	"github.com/route-beacon/ilp-connector/internal/metrics"
	"github.com/route-beacon/ilp-connector/internal/peer"
	"github.com/route-beacon/ilp-connector/internal/router"
	"github.com/route-beacon/ilp-connector/internal/routing"
	"github.com/route-beacon/ilp-connector/internal/telemetry/emitter"
	"github.com/route-beacon/ilp-connector/internal/telemetry/hub"
	"github.com/route-beacon/ilp-connector/internal/telemetry/kafkamirror"
	"github.com/route-beacon/ilp-connector/internal/telemetry/pgmirror"
)

// channelEvictionSweepInterval is how often the telemetry hub walks its
// settled-channel snapshots looking for entries past their eviction wait.
const channelEvictionSweepInterval = time.Minute

// routerHandle adapts a *router.Router to btp.Handler through a pointer
// assigned after construction, breaking the registry/router construction
// cycle: the registry needs a Handler before the router that needs the
// registry as its PeerLookup can be built.
type routerHandle struct {
	r *router.Router
}

func (h *routerHandle) HandleMessage(ctx context.Context, pd []btp.ProtocolDataEntry) ([]btp.ProtocolDataEntry, error) {
	return h.r.HandleMessage(ctx, pd)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: ilp-connector <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the connector (BTP peers, router, telemetry, HTTP)")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run telemetry partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting ilp-connector",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("self_address", cfg.Service.SelfAddress),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Database (optional: only the ledger and the telemetry Postgres
	// mirror need it) ---
	var pool *pgxpool.Pool
	if cfg.Ledger.Enabled || cfg.Telemetry.MirrorPostgres {
		p, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer p.Close()
		pool = p
	}

	if cfg.Telemetry.MirrorPostgres {
		pm := maintenance.NewPartitionManager(pool, cfg.Telemetry.Retention.Days, cfg.Telemetry.Retention.Timezone, logger.Named("maintenance"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Fatal("failed to create telemetry partitions on startup", zap.Error(err))
		}
	}

	// --- Routing table ---
	routes := routing.NewTable()
	var tableRoutes []routing.Route
	for _, r := range cfg.Routes {
		tableRoutes = append(tableRoutes, routing.Route{Prefix: r.Prefix, NextHop: r.NextHop, Priority: r.Priority})
	}
	routes.Update(tableRoutes)

	// --- Accounting gate ---
	var gate router.AccountingGate = router.NoopGate{}
	if cfg.Ledger.Enabled {
		gate = ledger.New(pool, logger.Named("ledger"), time.Duration(cfg.Ledger.CommitTimeoutMs)*time.Millisecond)
	}

	// --- Telemetry emitter (this node's own events) ---
	var publisher emitter.Publisher
	if cfg.Telemetry.EmitterURL != "" {
		publisher = emitter.NewWSPublisher(cfg.Telemetry.EmitterURL, nil)
	}
	telemetryEmitter := emitter.New(cfg.Service.InstanceID, emitter.Config{
		QueueSize:            cfg.Telemetry.QueueSize,
		PublishRatePerSecond: cfg.Telemetry.PublishRatePerSecond,
	}, publisher, logger.Named("telemetry.emitter"))
	if publisher != nil {
		go telemetryEmitter.Run(ctx)
	}

	// --- Router (installed as the BTP Handler for every peer session) ---
	// The registry needs the router as its Handler at construction time,
	// but the router needs the registry as its PeerLookup — routerHandle
	// breaks that cycle by deferring to whichever router is assigned to it
	// once both are built.
	handler := &routerHandle{}
	peerRegistry := peer.NewRegistry(handler, logger.Named("peer"))
	handler.r = router.New(router.Config{SelfAddress: cfg.Service.SelfAddress}, routes, peerRegistry, gate, nil, telemetryEmitter, logger.Named("router"))

	for id, pc := range cfg.Peers {
		direction := peer.DirectionInbound
		if pc.Direction == "outbound" {
			direction = peer.DirectionOutbound
		}
		if err := peerRegistry.AddPeer(ctx, peer.Config{
			ID:        id,
			Direction: direction,
			Secret:    []byte(pc.AuthToken),
			DialURL:   pc.Endpoint,
		}); err != nil {
			logger.Fatal("failed to add peer", zap.String("peer_id", id), zap.Error(err))
		}
	}

	var btpServer *peer.Server
	if cfg.BTP.ListenAddr != "" {
		btpServer = peer.NewServer(cfg.BTP.ListenAddr, peerRegistry, logger.Named("peer.server"))
	}

	// --- Telemetry hub (optional in-process fan-out server) ---
	var hubServer *hub.Server
	if cfg.Telemetry.HubListen != "" {
		var mirror hub.Mirror
		if cfg.Telemetry.MirrorKafka.Enabled {
			tlsCfg, err := cfg.Telemetry.MirrorKafka.BuildTLSConfig()
			if err != nil {
				logger.Fatal("failed to build telemetry mirror TLS config", zap.Error(err))
			}
			saslMech := cfg.Telemetry.MirrorKafka.BuildSASLMechanism()
			kMirror, err := kafkamirror.New(cfg.Telemetry.MirrorKafka.Brokers, cfg.Telemetry.MirrorKafka.Topic, cfg.Telemetry.MirrorKafka.ClientID, tlsCfg, saslMech)
			if err != nil {
				logger.Fatal("failed to create telemetry Kafka mirror", zap.Error(err))
			}
			defer kMirror.Close()
			mirror = kMirror
		} else if cfg.Telemetry.MirrorPostgres {
			mirror = pgmirror.New(pool, cfg.Telemetry.MirrorPostgresCompressRaw)
		}

		h := hub.New(logger.Named("telemetry.hub"), mirror, cfg.Telemetry.SubscriberQueueSize)
		go h.Run(ctx, channelEvictionSweepInterval)
		hubServer = hub.NewServer(cfg.Telemetry.HubListen, h, logger.Named("telemetry.hub.server"))
		if err := hubServer.Start(); err != nil {
			logger.Error("failed to start telemetry hub server", zap.Error(err))
			os.Exit(2)
		}
	}

	if btpServer != nil {
		if err := btpServer.Start(); err != nil {
			logger.Error("failed to start BTP inbound listener", zap.Error(err))
			os.Exit(2)
		}
	}

	// --- HTTP health/metrics server ---
	var dbChecker httpapi.DBChecker
	if pool != nil {
		dbChecker = pool
	}
	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, dbChecker, peerRegistry, logger.Named("httpapi"))
	if err := httpServer.Start(); err != nil {
		logger.Error("failed to start HTTP server", zap.Error(err))
		os.Exit(2)
	}

	logger.Info("ilp-connector started", zap.Int("peers", len(cfg.Peers)), zap.Int("routes", routes.Size()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if btpServer != nil {
		if err := btpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("BTP inbound listener shutdown error", zap.Error(err))
		}
	}
	if hubServer != nil {
		if err := hubServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("telemetry hub server shutdown error", zap.Error(err))
		}
	}

	cancel()
	logger.Info("ilp-connector stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("dsn", redactDSN(cfg.Postgres.DSN)))

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running telemetry partition maintenance",
		zap.Int("retention_days", cfg.Telemetry.Retention.Days),
		zap.String("timezone", cfg.Telemetry.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Telemetry.Retention.Days, cfg.Telemetry.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
