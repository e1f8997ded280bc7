package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/linluma/marketfeed/client/subscriber"
	"github.com/linluma/marketfeed/shared/config"
	"github.com/linluma/marketfeed/shared/logging"
)

const rpcTimeout = 5 * time.Second

func main() {
	var cfg config.ClientConfig
	var depth int

	root := &cobra.Command{
		Use:          "client",
		Short:        "Reads the synchronized order book and trade statistics from the feed service",
		SilenceUsage: true,
	}
	config.RegisterClientFlags(root.PersistentFlags(), &cfg)
	root.PersistentFlags().IntVar(&depth, "depth", 5, "Levels per side to display (0 = all)")

	root.AddCommand(
		&cobra.Command{
			Use:   "book",
			Short: "Print the current order book",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withClient(cfg, func(ctx context.Context, c *subscriber.Client, p *Printer) error {
					book, err := c.OrderBook(ctx, depth)
					if err != nil {
						return err
					}
					p.Book(book)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print the trade window statistics",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withClient(cfg, func(ctx context.Context, c *subscriber.Client, p *Printer) error {
					stats, err := c.Statistics(ctx)
					if err != nil {
						return err
					}
					p.Statistics(stats)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the upstream connection state",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withClient(cfg, func(ctx context.Context, c *subscriber.Client, p *Printer) error {
					conn, err := c.Connection(ctx)
					if err != nil {
						return err
					}
					p.Connection(conn)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Stream order book snapshots",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return watch(cfg, depth)
			},
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func withClient(cfg config.ClientConfig, fn func(context.Context, *subscriber.Client, *Printer) error) error {
	c := subscriber.NewClient(cfg.ServerAddress)
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	return fn(ctx, c, NewPrinter(os.Stdout, cfg.Format))
}

// watch runs until the duration elapses, the user interrupts or the server goes away
func watch(cfg config.ClientConfig, depth int) error {
	log := logging.GetLogger().WithComponent("client")

	c := subscriber.NewClient(cfg.ServerAddress)
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if cfg.Duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, cfg.Duration)
		defer stop()
	}

	books, err := c.Watch(ctx, cfg.Interval, depth)
	if err != nil {
		return err
	}

	log.WithFields(logging.Fields{
		"server":   cfg.ServerAddress,
		"interval": cfg.Interval.String(),
		"duration": cfg.Duration.String(),
	}).Info("watching order book")

	p := NewPrinter(os.Stdout, cfg.Format)
	received := 0
	for book := range books {
		p.Book(book)
		received++
	}
	if received == 0 && ctx.Err() == nil {
		return fmt.Errorf("no order book received from %s", cfg.ServerAddress)
	}
	return nil
}
