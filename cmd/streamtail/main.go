package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	centrifuge "github.com/KatantDev/centrifuge-go"
	"github.com/KatantDev/centrifuge-go/internal/config"
	"github.com/KatantDev/centrifuge-go/internal/database"
	"github.com/KatantDev/centrifuge-go/internal/version"
	"github.com/KatantDev/centrifuge-go/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/streamtail.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamtail",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"server_url", cfg.Server.URL,
		"channels", len(cfg.Channels),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Timescale.Host,
		"port", cfg.Database.Timescale.Port,
		"database", cfg.Database.Timescale.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database.Timescale)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Start the publication writer
	records := make(chan writer.PublicationRecord, cfg.Writer.BufferSize)
	pubWriter := writer.NewPublicationWriter(
		writer.WriterConfig{
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
		},
		records,
		pool,
		logger,
	)
	if err := pubWriter.Start(ctx); err != nil {
		logger.Error("failed to start writer", "error", err)
		os.Exit(1)
	}

	// Build the realtime client
	clientCfg := centrifuge.DefaultConfig()
	clientCfg.Token = cfg.Server.Token
	clientCfg.Name = cfg.Server.Name
	clientCfg.Version = version.Version
	clientCfg.Timeout = cfg.Server.Timeout
	clientCfg.MinReconnectDelay = cfg.Server.MinReconnectDelay
	clientCfg.MaxReconnectDelay = cfg.Server.MaxReconnectDelay
	clientCfg.Logger = logger

	client := centrifuge.New(cfg.Server.URL, clientCfg)

	for _, channel := range cfg.Channels {
		if err := tailChannel(client, channel, records, logger); err != nil {
			logger.Error("failed to register channel", "channel", channel, "error", err)
			os.Exit(1)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := client.Connect(gctx); err != nil {
			return err
		}
		logger.Info("connected", "client_id", client.ClientID())
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("streamtail failed", "error", err)
	}

	// Teardown: client first so no more records arrive, then the writer so
	// buffered records are flushed.
	logger.Info("shutting down")
	if err := client.Close(); err != nil {
		logger.Error("client close failed", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := pubWriter.Stop(stopCtx); err != nil {
		logger.Error("writer stop failed", "error", err)
	}

	stats := pubWriter.Stats()
	logger.Info("streamtail stopped",
		"inserts", stats.Inserts,
		"conflicts", stats.Conflicts,
		"gaps", stats.Gaps,
		"errors", stats.Errors,
	)
}

// tailChannel subscribes to one channel, forwarding publications to the
// writer. The first publication after a failed recovery is marked as a gap.
func tailChannel(client *centrifuge.Client, channel string, records chan<- writer.PublicationRecord, logger *slog.Logger) error {
	var gapPending bool

	_, err := client.Subscribe(channel, centrifuge.SubscriptionEvents{
		OnSubscribed: func(ev centrifuge.SubscribedEvent) {
			if ev.WasRecovering && !ev.Recovered {
				// Publications were lost between sessions; mark the next one.
				gapPending = true
				logger.Warn("recovery gap detected", "channel", ev.Channel)
			}
			logger.Info("subscribed",
				"channel", ev.Channel,
				"recoverable", ev.Recoverable,
				"recovered", ev.Recovered,
			)
		},
		OnPublication: func(ev centrifuge.PublicationEvent) {
			rec := writer.PublicationRecord{
				Channel:    ev.Channel,
				Offset:     ev.Offset,
				Data:       ev.Data,
				ReceivedAt: time.Now().UTC(),
				Gap:        gapPending,
			}
			gapPending = false
			select {
			case records <- rec:
			default:
				logger.Warn("record buffer full, dropping publication",
					"channel", ev.Channel,
					"offset", ev.Offset,
				)
			}
		},
		OnUnsubscribed: func(ev centrifuge.UnsubscribedEvent) {
			logger.Info("unsubscribed", "channel", ev.Channel, "code", ev.Code, "reason", ev.Reason)
		},
		OnError: func(ev centrifuge.SubscriptionErrorEvent) {
			logger.Warn("subscription error", "channel", ev.Channel, "error", ev.Err)
		},
	})
	return err
}
