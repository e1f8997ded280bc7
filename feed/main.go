package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/linluma/marketfeed/feed/metrics"
	"github.com/linluma/marketfeed/feed/server"
	"github.com/linluma/marketfeed/feed/stream"
	"github.com/linluma/marketfeed/shared/config"
	"github.com/linluma/marketfeed/shared/logging"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var flags config.FeedFlags
	root := &cobra.Command{
		Use:           "feed",
		Short:         "Keeps a live order book and trade window in sync with an upstream market-data service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFeedConfig(flags.ConfigPath)
			if err != nil {
				return err
			}
			flags.Apply(cmd.Flags(), cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logging.Configure(cfg.Logging.Level, cfg.Logging.File)
			return run(cfg)
		},
	}
	flags.Register(root.Flags())

	if err := root.Execute(); err != nil {
		logging.GetLogger().WithError(err).Fatal("feed service failed")
	}
}

func run(cfg *config.FeedConfig) error {
	log := logging.GetLogger().WithComponent("main")
	log.WithFields(logging.Fields{
		"url":       cfg.Feed.URL,
		"symbol":    cfg.Feed.Symbol,
		"topics":    cfg.Feed.Topics,
		"grpc_port": cfg.Server.GRPCPort,
		"http_port": cfg.Server.HTTPPort,
	}).Info("starting feed service")

	collector := metrics.NewCollector()
	feed := stream.New(cfg, stream.WithRecorder(collector))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port: %w", err)
	}
	gs := grpc.NewServer()
	feedServer := server.NewFeedServer(feed, nil)
	feedServer.Register(gs)

	httpServer := metrics.NewServer(cfg.Server.HTTPPort, collector, feed)

	errCh := make(chan error, 2)
	go func() {
		log.WithFields(logging.Fields{"addr": lis.Addr().String()}).Info("gRPC server listening")
		if err := gs.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	feed.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go logStatus(ctx, feed, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.WithFields(logging.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case runErr = <-errCh:
		log.WithError(runErr).Error("server failed, shutting down")
	}

	feedServer.Shutdown()
	gs.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}

	feed.Close()
	log.Info("feed service stopped")
	return runErr
}

// logStatus reports the synchronized state every 30s
func logStatus(ctx context.Context, feed *stream.Stream, log *logging.Entry) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := feed.Stats()
			log.WithFields(logging.Fields{
				"status":       feed.Status(),
				"book_levels":  feed.Book().Levels(),
				"trades":       stats.TotalTrades,
				"last_price":   stats.LastPrice.String(),
				"quotes":       feed.Quotes().Len(),
				"subscription": len(feed.Subscriptions()),
			}).Info("system status")
		case <-ctx.Done():
			return
		}
	}
}
