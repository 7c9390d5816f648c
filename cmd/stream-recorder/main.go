package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"marketstream/internal/config"
	"marketstream/internal/recorder"
	"marketstream/internal/seed"
	"marketstream/internal/store"
	"marketstream/internal/stream"
	"marketstream/internal/util"
)

func main() {
	_ = godotenv.Load(".env")

	cfgPath := "config/marketstream.yaml"
	if p := os.Getenv("MARKETSTREAM_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if len(cfg.Recorder.Stocks) == 0 && len(cfg.Recorder.Crypto) == 0 {
		log.Fatalf("recorder: no stocks or crypto configured in %s", cfgPath)
	}
	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = "data"
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	var keys stream.KeySource = stream.StaticKeySource{Key: cfg.Alpaca.APIKey, Secret: cfg.Alpaca.APISecret}
	if cfg.Alpaca.KeysURL != "" {
		keys = stream.NewHTTPKeySource(cfg.Alpaca.KeysURL)
	}
	opts := stream.Options{
		StockURL:    cfg.Alpaca.StockStreamURL,
		CryptoURL:   cfg.Alpaca.CryptoStreamURL,
		Keys:        keys,
		Logger:      logger,
		BackoffBase: time.Duration(cfg.Stream.ReconnectBaseMS) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.Stream.ReconnectMaxMS) * time.Millisecond,
		Dialer: &stream.WSDialer{
			HandshakeTimeout: time.Duration(cfg.Stream.HandshakeTimeoutMS) * time.Millisecond,
			WriteTimeout:     time.Duration(cfg.Stream.WriteTimeoutMS) * time.Millisecond,
		},
	}
	if cfg.Stream.SeedSnapshots {
		opts.Seeder = seed.NewAlpacaSeeder(cfg.Alpaca.DataURL, cfg.Stream.SeedRatePerMin, logger)
	}
	mgr := stream.NewManager(opts)
	defer mgr.Close()

	ticks := store.NewParquetStore(dataDir)
	var snaps store.SnapshotStore
	if cfg.Storage.SQLitePath != "" {
		sq, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("opening snapshot db: %v", err)
		}
		defer sq.Close()
		snaps = sq
	}

	rec := recorder.New(mgr, ticks, snaps, logger, recorder.Options{
		Stocks:        cfg.Recorder.Stocks,
		Crypto:        cfg.Recorder.Crypto,
		FlushInterval: time.Duration(cfg.Recorder.FlushIntervalSec) * time.Second,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("recorder starting",
		"stocks", len(cfg.Recorder.Stocks),
		"crypto", len(cfg.Recorder.Crypto),
		"data_dir", dataDir,
	)
	if err := rec.Run(ctx); err != nil {
		logger.Error("recorder exited", "error", err)
		mgr.Close()
		os.Exit(1)
	}
	logger.Info("recorder stopped")
}
