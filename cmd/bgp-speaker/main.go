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

	"github.com/jonboulle/clockwork"
	"github.com/route-beacon/bgp-speaker/internal/bgp"
	"github.com/route-beacon/bgp-speaker/internal/config"
	"github.com/route-beacon/bgp-speaker/internal/eventloop"
	"github.com/route-beacon/bgp-speaker/internal/export"
	speakerhttp "github.com/route-beacon/bgp-speaker/internal/http"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"github.com/route-beacon/bgp-speaker/internal/mirror"
	"github.com/route-beacon/bgp-speaker/internal/speaker"
	"github.com/route-beacon/bgp-speaker/internal/table"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

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
	case "check-config":
		runCheckConfig()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgp-speaker <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the BGP speaker")
	fmt.Println("  migrate       Run Loc-RIB mirror database migrations")
	fmt.Println("  check-config  Validate the configuration and exit")
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

	logger.Info("starting bgp-speaker",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.Uint32("local_as", cfg.BGP.LocalAS),
		zap.String("router_id", cfg.BGP.RouterID),
		zap.Int("peers", len(cfg.Peers)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := eventloop.New(clockwork.NewRealClock())

	// --- Chosen-route sinks ---
	changes := make(chan table.LocRibEvent, 1024)
	sinks := speaker.Sinks{
		OnChange: func(ev table.LocRibEvent) {
			select {
			case changes <- ev:
			default:
				logger.Warn("chosen-route sink backlogged, dropping event",
					zap.Stringer("net", ev.Net))
			}
		},
	}

	spk := speaker.New(cfg, loop, sinks, logger.Named("speaker"))

	var producer *export.Producer
	if cfg.Export.Enabled {
		tlsCfg, err := cfg.Export.Kafka.BuildTLSConfig()
		if err != nil {
			logger.Fatal("failed to build TLS config", zap.Error(err))
		}
		producer, err = export.NewProducer(
			cfg.Export.Kafka.Brokers, cfg.Export.Kafka.Topic, cfg.Export.Kafka.ClientID,
			tlsCfg, cfg.Export.Kafka.BuildSASLMechanism(), logger.Named("export"),
		)
		if err != nil {
			logger.Fatal("failed to create kafka producer", zap.Error(err))
		}
		defer producer.Close()
	}

	var mirrorChanges chan *mirror.ChosenRoute
	if cfg.Mirror.Enabled {
		pool, err := mirror.NewPool(ctx, cfg.Mirror.Postgres.DSN,
			cfg.Mirror.Postgres.MaxConns, cfg.Mirror.Postgres.MinConns)
		if err != nil {
			logger.Fatal("failed to connect to mirror database", zap.Error(err))
		}
		defer pool.Close()

		writer := mirror.NewWriter(pool, logger.Named("mirror.writer"))
		pipeline := mirror.NewPipeline(writer, cfg.Mirror.BatchSize,
			cfg.Mirror.FlushIntervalMs, logger.Named("mirror.pipeline"))
		mirrorChanges = make(chan *mirror.ChosenRoute, 1024)
		go pipeline.Run(ctx, mirrorChanges)
	}

	// Fan the chosen-route stream out to the enabled sinks.
	go func() {
		for ev := range changes {
			if producer != nil {
				producer.Publish(ctx, exportEvent(ev))
			}
			if mirrorChanges != nil {
				select {
				case mirrorChanges <- mirrorRow(ev):
				default:
				}
			}
		}
	}()

	// --- HTTP server ---
	httpServer := speakerhttp.NewServer(cfg.Service.HTTPListen, nil, spk, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	if err := spk.Listen(); err != nil {
		logger.Fatal("failed to listen for peers", zap.Error(err))
	}

	// The messaging bus delivers birth/death for the RIB and FEA processes
	// in a full deployment; standalone operation assumes both are present.
	spk.TargetBirth(speaker.TargetRIB)
	spk.TargetBirth(speaker.TargetFEA)

	go loop.Run(ctx)

	logger.Info("bgp-speaker started")

	// Wait for shutdown signal.
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

	spk.Shutdown(shutdownCtx)
	cancel()
	close(changes)
	if producer != nil {
		producer.Flush(shutdownCtx)
	}

	logger.Info("bgp-speaker stopped")
}

func exportEvent(ev table.LocRibEvent) export.RouteEvent {
	out := export.RouteEvent{
		Timestamp: time.Now().UTC(),
		Action:    ev.Action,
		Prefix:    ev.Net.String(),
		PeerName:  ev.PeerName,
	}
	if ev.Action == "A" && ev.Attrs != nil {
		out.Nexthop = ev.Attrs.NextHop().String()
		if path := ev.Attrs.ASPath(); path != nil {
			out.ASPath = path.String()
		}
		if lp, ok := ev.Attrs.LocalPref(); ok {
			v := lp
			out.LocalPref = &v
		}
		if med, ok := ev.Attrs.MED(); ok {
			v := med
			out.MED = &v
		}
		if o, ok := ev.Attrs.Origin(); ok {
			out.Origin = bgp.OriginValues[o]
		}
	}
	return out
}

func mirrorRow(ev table.LocRibEvent) *mirror.ChosenRoute {
	row := &mirror.ChosenRoute{
		Prefix:   ev.Net.String(),
		Action:   ev.Action,
		PeerName: ev.PeerName,
	}
	if ev.Action == "A" && ev.Attrs != nil {
		row.Nexthop = ev.Attrs.NextHop().String()
		if path := ev.Attrs.ASPath(); path != nil {
			row.ASPath = path.String()
		}
		if lp, ok := ev.Attrs.LocalPref(); ok {
			v := lp
			row.LocalPref = &v
		}
		if med, ok := ev.Attrs.MED(); ok {
			v := med
			row.MED = &v
		}
		if o, ok := ev.Attrs.Origin(); ok {
			row.Origin = bgp.OriginValues[o]
		}
	}
	return row
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	if !cfg.Mirror.Enabled {
		logger.Fatal("mirror is not enabled; nothing to migrate")
	}

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Mirror.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := mirror.NewPool(ctx, cfg.Mirror.Postgres.DSN,
		cfg.Mirror.Postgres.MaxConns, cfg.Mirror.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := mirror.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runCheckConfig() {
	configPath, _ := parseFlags(os.Args[2:])
	if _, err := config.Load(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config ok")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		// keyword=value format — redact password=... portion
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
