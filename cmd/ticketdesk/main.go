// Package main запускает HTTP-сервер сервиса тикетов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/ticketdesk/internal/audit"
	"github.com/mmeshcher/ticketdesk/internal/catalog"
	"github.com/mmeshcher/ticketdesk/internal/chat"
	"github.com/mmeshcher/ticketdesk/internal/config"
	"github.com/mmeshcher/ticketdesk/internal/handler"
	"github.com/mmeshcher/ticketdesk/internal/logger"
	"github.com/mmeshcher/ticketdesk/internal/middleware"
	"github.com/mmeshcher/ticketdesk/internal/purchase"
	"github.com/mmeshcher/ticketdesk/internal/repository"
	"github.com/mmeshcher/ticketdesk/internal/security"
	"github.com/mmeshcher/ticketdesk/internal/settings"
	"github.com/mmeshcher/ticketdesk/internal/ticket"
)

const (
	limiterPruneInterval = 10 * time.Minute
	retentionInterval    = 24 * time.Hour
	shutdownTimeout      = 5 * time.Second
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Dev: cfg.LogDev, Dir: cfg.LogDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("application terminated with error", zap.Error(err))
	}
}

func openStore(cfg *config.Config, log *zap.Logger) (repository.Store, error) {
	if cfg.DatabaseURI == "" {
		log.Warn("DATABASE_URI is not set, using in-memory storage")
		return repository.NewMemoryRepository(), nil
	}
	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		return nil, fmt.Errorf("database initialization: %w", err)
	}
	return repo, nil
}

// platform — каналы чат-платформы для тикетов и витрины товаров.
type platform interface {
	ticket.Provider
	ClearMessages(ctx context.Context, channelID string) error
}

func openChat(cfg *config.Config, log *zap.Logger) (platform, *chat.Memory, error) {
	if cfg.ChatGatewayAddress != "" {
		return chat.NewClient(cfg.ChatGatewayAddress), nil, nil
	}
	log.Warn("CHAT_GATEWAY_ADDRESS is not set, using in-memory chat provider")
	mem, err := chat.NewMemory(cfg.BotUserID, cfg.TicketCategoryID)
	if err != nil {
		return nil, nil, err
	}
	return mem, mem, nil
}

func run(cfg *config.Config, log *zap.Logger) error {
	secLog, closeSecLog, err := logger.NewSecurity(log, cfg.LogDir)
	if err != nil {
		return err
	}
	defer closeSecLog()

	repo, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer repo.Close()

	provider, mem, err := openChat(cfg, log)
	if err != nil {
		return err
	}

	var webhook *audit.WebhookClient
	if cfg.SecurityWebhookURL != "" {
		webhook = audit.NewWebhookClient(cfg.SecurityWebhookURL)
	}
	recorder := audit.NewRecorder(repo, secLog, webhook)

	gate, err := security.NewGate(security.Options{
		AdminIDs:       cfg.AdminUserIDs,
		EncryptionKey:  cfg.EncryptionKey,
		SigningKey:     cfg.BotSecretKey,
		Limits:         security.DefaultLimits(cfg.RateLimitRequests, cfg.RateLimitWindow),
		IntegrityPaths: cfg.IntegrityPaths,
	}, repo, recorder, log.Named("security"))
	if err != nil {
		return fmt.Errorf("security gate initialization: %w", err)
	}
	defer gate.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gate.LoadBlacklist(ctx); err != nil {
		return fmt.Errorf("load blacklist: %w", err)
	}

	source := settings.NewSource(repo, settings.Runtime{
		CategoryID:  cfg.TicketCategoryID,
		IdleTimeout: cfg.TicketTimeout(),
		AutoClose:   true,
	}, log.Named("settings"))
	rt, err := source.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if mem != nil && rt.ProductsChannelID != "" {
		mem.AddChannel(rt.ProductsChannelID)
	}

	sec := middleware.NewSecurity(gate, log)
	tickets := ticket.NewManager(ticket.Options{
		CategoryID:    rt.CategoryID,
		IdleTimeout:   rt.IdleTimeout,
		KeepInactive:  !rt.AutoClose,
		SystemID:      cfg.BotUserID,
		TranscriptDir: cfg.TranscriptDir,
		Limiter:       sec,
	}, repo, provider, gate, recorder, log.Named("tickets"))
	defer tickets.Shutdown()

	purchases := purchase.NewService(purchase.Options{}, repo, tickets, gate, recorder, log.Named("purchases"))
	defer purchases.Shutdown()

	restored, err := tickets.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore tickets: %w", err)
	}
	log.Info("open tickets restored", zap.Int("count", restored))

	panel := catalog.NewPanel(repo, provider, source, log.Named("panel"))
	panel.Refresh(ctx)

	h := handler.NewHandler(handler.Deps{
		Tickets:    tickets,
		Purchases:  purchases,
		Catalog:    catalog.NewService(repo, gate, log.Named("catalog")).WithPanel(panel),
		Panel:      panel,
		Platform:   provider,
		Settings:   source,
		Moderation: gate,
		Audit:      recorder,
		Events:     recorder,
		Logs:       repo,
		Auth:       middleware.NewAuthMiddleware(gate),
		Security:   sec,
		Retention:  time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		Logger:     log,
	})

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return recorder.Run(ctx)
	})

	g.Go(func() error {
		return tickets.StartOrphanSweep(ctx, cfg.OrphanInterval)
	})

	// Нарушение целостности завершает процесс.
	g.Go(func() error {
		return gate.WatchIntegrity(ctx, cfg.IntegrityInterval)
	})

	g.Go(func() error {
		return recorder.StartRetention(ctx, retentionInterval, time.Duration(cfg.RetentionDays)*24*time.Hour)
	})

	g.Go(func() error {
		return gate.StartLimiterPrune(ctx, limiterPruneInterval)
	})

	g.Go(func() error {
		log.Info("starting ticketdesk server", zap.String("addr", cfg.RunAddress))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		log.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}
