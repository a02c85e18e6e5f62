package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"wedding-campaign/internal/api"
	"wedding-campaign/internal/codes"
	"wedding-campaign/internal/config"
	"wedding-campaign/internal/dispatch"
	"wedding-campaign/internal/email"
	"wedding-campaign/internal/handler"
	"wedding-campaign/internal/kvstore"
	"wedding-campaign/internal/message"
	"wedding-campaign/internal/models"
	"wedding-campaign/internal/notify"
	"wedding-campaign/internal/reminder"
	"wedding-campaign/internal/stats"
	"wedding-campaign/internal/storage"
	"wedding-campaign/internal/whatsapp"
)

// app is everything the CLI and the HTTP server share.
type app struct {
	guests     *storage.Storage
	codes      *codes.Registry
	dispatcher *dispatch.Dispatcher
	reminders  *reminder.Scheduler
	stats      *stats.Aggregator
}

func main() {
	fmt.Println("🎉 Wedding Invitation Campaign")
	fmt.Println("==============================")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(cfg.Level()).
		With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("Campaign stopped with an error")
		os.Exit(1)
	}
	fmt.Println("Goodbye! 👋")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	kv, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	hub := notify.NewHub()
	events, unsubscribe := hub.Subscribe(64)
	defer unsubscribe()
	go logEvents(events, log)

	guests, err := storage.NewStorage(ctx, kv, storage.Options{Hub: hub, Logger: log})
	if err != nil {
		return fmt.Errorf("initialize guest store: %w", err)
	}
	registry, err := codes.NewRegistry(ctx, kv, guests, codes.Options{Hub: hub, Logger: log})
	if err != nil {
		return fmt.Errorf("initialize code registry: %w", err)
	}

	event := cfg.Event.Message()
	adapters, wa, err := buildAdapters(ctx, cfg, log)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(guests, message.NewRenderer(event), adapters, dispatch.Options{
		Config: dispatch.Config{
			Concurrency:    cfg.Dispatch.Concurrency,
			AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		},
		Hub:    hub,
		Logger: log,
	})

	eventDay, err := cfg.Event.Day()
	if err != nil {
		return fmt.Errorf("wedding date: %w", err)
	}
	reminders, err := reminder.NewScheduler(ctx, kv, guests, dispatcher, reminder.Options{
		EventDate: eventDay,
		Hub:       hub,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("initialize reminder scheduler: %w", err)
	}

	a := &app{
		guests:     guests,
		codes:      registry,
		dispatcher: dispatcher,
		reminders:  reminders,
		stats:      stats.NewAggregator(guests),
	}

	if wa != nil {
		rsvp := handler.NewRSVPHandler(wa, guests, registry, event, log)
		wa.SetMessageHandler(rsvp.HandleMessage)

		fmt.Println("Connecting to WhatsApp...")
		if err := wa.Connect(ctx); err != nil {
			return fmt.Errorf("connect to WhatsApp: %w", err)
		}
		defer wa.Disconnect()
		fmt.Println("\n✅ Connected to WhatsApp!")
		fmt.Println("The bot is now listening for RSVP responses.")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reminders.Run(ctx, cfg.ReminderInterval)
	}()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(api.Deps{
			Guests:     guests,
			Codes:      registry,
			Dispatcher: dispatcher,
			Reminders:  reminders,
			Stats:      a.stats,
		}, api.Options{AllowedOrigins: cfg.AllowedOrigins, Logger: log}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("Admin API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var cliDone chan struct{}
	if cfg.CLI {
		cliDone = make(chan struct{})
		go func() {
			defer close(cliDone)
			startCLI(ctx, a)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("admin API: %w", err)
		}
	case <-cliDone:
	}

	fmt.Println("\n\nShutting down...")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Admin API did not shut down cleanly")
	}
	cancel()
	wg.Wait()
	return runErr
}

func openStore(ctx context.Context, cfg config.Config) (kvstore.Store, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return kvstore.NewSQLiteStore(ctx, filepath.Join(cfg.DataDir, "campaign.db"))
	case config.StoreRedis:
		return kvstore.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.Prefix)
	case config.StoreMemory:
		return kvstore.NewMemoryStore(), nil
	default:
		return kvstore.NewFileStore(cfg.DataDir)
	}
}

// buildAdapters returns one adapter per channel. Channels without real
// credentials fall back to the simulated adapter.
func buildAdapters(ctx context.Context, cfg config.Config, log zerolog.Logger) ([]dispatch.Adapter, *whatsapp.Service, error) {
	sim := dispatch.SimulatedConfig{
		FailureRate: cfg.Dispatch.FailureRate,
		MinLatency:  cfg.Dispatch.MinLatency,
		MaxLatency:  cfg.Dispatch.MaxLatency,
	}
	adapters := []dispatch.Adapter{dispatch.Manual{}}

	var wa *whatsapp.Service
	if cfg.WhatsApp.Enabled {
		var err error
		wa, err = whatsapp.NewService(ctx, whatsapp.Config{DataDir: cfg.WhatsApp.DataDir, QROut: os.Stdout}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize WhatsApp service: %w", err)
		}
		adapters = append(adapters, wa)
	} else {
		adapters = append(adapters, dispatch.NewSimulated(models.ChannelWhatsApp, sim))
	}

	if cfg.SMTP.Host != "" {
		adapters = append(adapters, email.NewService(email.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			Subject:  cfg.SMTP.Subject,
		}, log))
	} else {
		adapters = append(adapters, dispatch.NewSimulated(models.ChannelEmail, sim))
	}
	return adapters, wa, nil
}

func logEvents(events <-chan notify.Event, log zerolog.Logger) {
	log = log.With().Str("component", "Events").Logger()
	for ev := range events {
		log.Debug().Str("kind", string(ev.Kind)).Str("subject", ev.Subject).Msg("Change published")
	}
}
