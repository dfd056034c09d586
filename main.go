package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"labchat/internal/api"
	"labchat/internal/commands"
	"labchat/internal/config"
	"labchat/internal/coordinator"
	"labchat/internal/http"
	"labchat/internal/metrics"
	"labchat/internal/models"
	"labchat/internal/storage"
	"labchat/internal/ws"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const usage = `usage: labchat <command> [flags]

commands:
  rooms                         list rooms
  watch -room N                 follow a room until interrupted
  send -room N -text T          send a message (-file F [-duration D] for uploads)
  history -room N [-older K]    print a room's history
  summarize -room N [-count C]  summarize a room`

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	name, args := args[0], args[1:]

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	roomID := fs.Int64("room", 0, "Room id")
	text := fs.String("text", "", "Message text")
	replyTo := fs.Int64("reply-to", 0, "Id of the message to reply to")
	file := fs.String("file", "", "File to upload instead of text")
	duration := fs.Duration("duration", 0, "Send -file as a voice message of this length")
	older := fs.Int("older", 0, "Extra pages of older history to load")
	count := fs.Int("count", 0, "Number of recent messages to summarize (0 for the server default)")
	verbose := fs.Bool("v", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if name != "rooms" && *roomID == 0 {
		return fmt.Errorf("%s: -room is required", name)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)

	client, err := api.New(ctx, api.Config{
		BaseURL:       cfg.APIURL,
		Token:         cfg.Token,
		Timeout:       cfg.HTTPTimeout,
		RatePerSecond: cfg.RESTRate,
		Metrics:       collectors,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	stream := ws.NewManager(ws.Config{
		URL:         cfg.WSURL,
		MaxAttempts: cfg.ReconnectAttempts,
		BaseDelay:   cfg.ReconnectBase,
		MaxDelay:    cfg.ReconnectMax,
		Metrics:     collectors,
		Logger:      logger,
	})

	sessionCfg := coordinator.Config{
		SelfID:       cfg.UserID,
		Token:        cfg.Token,
		PageSize:     cfg.PageSize,
		TypingIdle:   cfg.TypingIdle,
		TypingExpiry: cfg.TypingExpiry,
		Alerter: func(a coordinator.Alert) {
			fmt.Fprintf(os.Stderr, "! %v\n", a)
		},
		Notifier: func(n models.Notification) {
			fmt.Fprintf(os.Stderr, "* notification %s\n", n.Payload)
		},
		Metrics: collectors,
		Logger:  logger,
	}
	if cfg.CacheDB != "" {
		bbStorage, err := storage.NewBboltStorage(cfg.CacheDB)
		if err != nil {
			return err
		}
		defer func() { _ = bbStorage.Close() }()
		sessionCfg.Store = bbStorage
	}

	session, err := coordinator.New(client, stream, sessionCfg)
	if err != nil {
		return err
	}
	defer session.Shutdown()

	var metricsServer *http.MetricsServer
	if cfg.MetricsAddr != "" {
		metricsServer = http.NewMetricsServer(reg, cfg.MetricsAddr)
	}

	g, gCtx := errgroup.WithContext(ctx)

	if metricsServer != nil {
		g.Go(metricsServer.Start)
	}

	// The command ends the group when it returns.
	cmdCtx, cancelCmd := context.WithCancel(gCtx)
	g.Go(func() error {
		defer cancelCmd()
		out := os.Stdout
		switch name {
		case "rooms":
			return commands.Rooms(cmdCtx, session, out)
		case "watch":
			return commands.Watch(cmdCtx, session, *roomID, out)
		case "send":
			return commands.Send(cmdCtx, session, *roomID, *text, *replyTo, *file, *duration, out)
		case "history":
			return commands.History(cmdCtx, session, *roomID, *older, out)
		case "summarize":
			return commands.Summarize(cmdCtx, session, *roomID, *count, out)
		}
		return fmt.Errorf("unknown command %q\n%s", name, usage)
	})

	if metricsServer != nil {
		g.Go(func() error {
			<-cmdCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Metrics server shutdown error: %v", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
