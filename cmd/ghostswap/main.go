package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"ghostswap/config"
	"ghostswap/engine"
	"ghostswap/history"
	"ghostswap/ledger"
	"ghostswap/observability/logging"
	telemetry "ghostswap/observability/otel"
	"ghostswap/p2p"
	"ghostswap/p2p/seeds"
	"ghostswap/rpc"
)

const (
	serviceName     = "ghostswap"
	clientVersion   = "ghostswap/1.0"
	shutdownTimeout = 5 * time.Second
)

func main() {
	configFile := flag.String("config", "./ghostswap.toml", "Path to the configuration file (.toml or .yaml)")
	exportPath := flag.String("export-history", "", "Write the event history to this Parquet file and exit")
	consoleMode := flag.String("console", "auto", "Operator console: auto, on or off")
	flag.Parse()

	if err := run(*configFile, *exportPath, *consoleMode); err != nil {
		slog.Error("ghostswap stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configFile, exportPath, consoleMode string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data dir: %w", err)
	}

	logger, logCloser := logging.Setup(serviceName, cfg.Env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Reveal:     cfg.Logging.Reveal,
	})
	defer logCloser.Close()

	hist, err := history.Open(cfg.History.DSN, cfg.History.MaxEvents)
	if err != nil {
		return err
	}
	defer hist.Close()

	if exportPath != "" {
		return exportHistory(hist, exportPath, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	identity, err := p2p.LoadOrCreateIdentity(cfg.IdentityFile)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}

	led, err := ledger.OpenBolt(cfg.Ledger.Path, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return err
	}
	defer led.Close()

	eng, err := engine.New(engine.Config{
		Self:          identity.NodeID,
		Channel:       cfg.Channel,
		IntentTTL:     cfg.Engine.IntentTTL,
		SweepInterval: cfg.Engine.SweepInterval,
		Discovery:     cfg.Engine.Discovery,
		Relay:         cfg.Engine.Relay,
	}, led, hist)
	if err != nil {
		return err
	}

	peerstore, err := p2p.OpenPeerstore(cfg.P2P.PeerstoreDir, time.Second, time.Minute)
	if err != nil {
		return err
	}
	defer peerstore.Close()

	var resolver seeds.Resolver = seeds.DefaultResolver()
	if cfg.P2P.SeedNameserver != "" {
		resolver = seeds.NewDNSResolver(cfg.P2P.SeedNameserver)
	}
	server, err := p2p.NewServer(eng, identity, p2p.Config{
		ListenAddress:    cfg.P2P.ListenAddress,
		AdvertiseAddress: cfg.P2P.AdvertiseAddress,
		Channel:          cfg.Channel,
		ClientVersion:    clientVersion,
		MaxPeers:         cfg.P2P.MaxPeers,
		MaxInbound:       cfg.P2P.MaxInbound,
		MaxOutbound:      cfg.P2P.MaxOutbound,
		Bootnodes:        cfg.P2P.Bootnodes,
		PersistentPeers:  cfg.P2P.PersistentPeers,
		Seeds:            cfg.P2P.Seeds,
		SeedResolver:     resolver,
		PeerBanDuration:  cfg.P2P.PeerBanDuration,
		ReadTimeout:      cfg.P2P.ReadTimeout,
		WriteTimeout:     cfg.P2P.WriteTimeout,
		PingInterval:     cfg.P2P.PingInterval,
		MaxMessageBytes:  cfg.P2P.MaxMessageBytes,
		RateMsgsPerSec:   cfg.P2P.RateMsgsPerSec,
		RateBurst:        cfg.P2P.RateBurst,
		BanScore:         cfg.P2P.BanScore,
		GreyScore:        cfg.P2P.GreyScore,
		HandshakeTimeout: cfg.P2P.HandshakeTimeout,
		DrainTimeout:     cfg.P2P.DrainTimeout,
	})
	if err != nil {
		return err
	}
	server.SetPeerstore(peerstore)
	eng.SetBroadcaster(server)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("join channel %q: %w", cfg.Channel, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Close(closeCtx); err != nil {
			logger.Warn("peer links closed with errors", slog.Any("error", err))
		}
	}()
	logger.Info("joined mesh",
		logging.MaskField("node", identity.NodeID),
		slog.String("channel", cfg.Channel),
		slog.String("listen", server.ListenAddr()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		eng.RunSweeper(gctx)
		return nil
	})

	if cfg.API.Enabled {
		api, err := rpc.NewServer(rpc.Config{
			ListenAddress: cfg.API.ListenAddress,
			JWTSecret:     cfg.API.JWTSecret,
			JWTIssuer:     cfg.API.JWTIssuer,
			JWTAudience:   cfg.API.JWTAudience,
			RatePerSecond: cfg.API.RatePerSecond,
			RateBurst:     cfg.API.RateBurst,
			ReadTimeout:   cfg.API.ReadTimeout,
			WriteTimeout:  cfg.API.WriteTimeout,
			Logger:        logger,
		}, eng, server, hist)
		if err != nil {
			return err
		}
		if err := api.Start(); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return api.Shutdown(shutdownCtx)
		})
	}

	if wantConsole(consoleMode, os.Stdin) {
		shell := newConsole(eng, server, os.Stdin, os.Stdout, term.IsTerminal(int(os.Stdin.Fd())))
		g.Go(func() error {
			defer stop()
			return shell.Run(gctx)
		})
	}

	<-gctx.Done()
	logger.Info("shutting down")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func wantConsole(mode string, stdin *os.File) bool {
	switch mode {
	case "on":
		return true
	case "off":
		return false
	default:
		return term.IsTerminal(int(stdin.Fd()))
	}
}

func exportHistory(hist *history.Store, path string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	events, err := hist.All(ctx)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if err := history.ExportParquet(path, events); err != nil {
		return err
	}
	logger.Info("history exported", slog.String("path", path), slog.Int("events", len(events)))
	return nil
}
