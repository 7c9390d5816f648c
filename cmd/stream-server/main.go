package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"marketstream/internal/config"
	"marketstream/internal/httpapi"
	"marketstream/internal/live"
	"marketstream/internal/seed"
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

	api := httpapi.NewServer(mgr,
		stream.Credentials{Key: cfg.Alpaca.APIKey, Secret: cfg.Alpaca.APISecret},
		cfg.Server.KeysRatePerMin, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var grpcServer *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
		if err != nil {
			log.Fatalf("listening for gRPC: %v", err)
		}
		grpcServer = grpc.NewServer()
		live.NewServer(mgr, logger).RegisterGRPC(grpcServer)
		g.Go(func() error {
			logger.Info("gRPC server listening", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down stream server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		// Quote streams are open-ended, so graceful stop would never return.
		if grpcServer != nil {
			grpcServer.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited", "error", err)
		mgr.Close()
		os.Exit(1)
	}
}
