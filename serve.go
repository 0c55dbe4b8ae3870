package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-im/kindred/internal/auth"
	"github.com/nexus-im/kindred/internal/config"
	"github.com/nexus-im/kindred/internal/conversations"
	"github.com/nexus-im/kindred/internal/delivery"
	"github.com/nexus-im/kindred/internal/httpapi"
	"github.com/nexus-im/kindred/internal/logging"
	"github.com/nexus-im/kindred/internal/memstore"
	"github.com/nexus-im/kindred/internal/metrics"
	"github.com/nexus-im/kindred/internal/presence"
	"github.com/nexus-im/kindred/internal/ratelimit"
	"github.com/nexus-im/kindred/internal/realtime"
	"github.com/nexus-im/kindred/store"
	"github.com/nexus-im/kindred/store/conversation"
	"github.com/nexus-im/kindred/store/message"
	"github.com/nexus-im/kindred/store/moderation"
	"github.com/nexus-im/kindred/store/user"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the messaging server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Logger.Level, cfg.Logger.Development)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

// backends groups the persistence ports the services depend on.
type backends struct {
	conversations conversation.Store
	messages      message.Store
	blocks        moderation.Checker
	lastSeen      user.LastSeenStore
	close         func() error
}

func openBackends(ctx context.Context, cfg config.Database, logger *zap.Logger) (*backends, error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		mem := memstore.New()
		return &backends{
			conversations: mem.Conversations(),
			messages:      mem.Messages(),
			blocks:        mem,
			lastSeen:      mem,
			close:         func() error { return nil },
		}, nil
	}

	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &backends{
		conversations: conversation.NewSQLStore(db),
		messages:      message.NewSQLStore(db),
		blocks:        moderation.NewSQLStore(db),
		lastSeen:      user.NewSQLStore(db),
		close:         db.Close,
	}, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	b, err := openBackends(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("closing store", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	authn := auth.NewAuthenticator(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Validity)
	convs, err := conversations.NewService(b.conversations, b.messages, b.blocks, logger.Named("conversations"),
		conversations.WithCacheSize(cfg.Cache.Participants))
	if err != nil {
		return err
	}
	hub := realtime.NewHub(logger.Named("hub"), m)
	tracker := presence.NewTracker(b.lastSeen, logger.Named("presence"), presence.WithMetrics(m))
	tracker.SetBroadcaster(hub)
	guard := ratelimit.NewGuard(ratelimit.Config(cfg.RateLimit))
	pipeline := delivery.New(guard, hub, convs, b.messages, convs, logger.Named("delivery"),
		delivery.WithMetrics(m), delivery.WithMaxContentLength(cfg.Messages.MaxLength))
	mgr := realtime.NewManager(hub, authn, tracker, convs, pipeline, realtime.Config(cfg.Socket), logger.Named("realtime"), m)

	api := httpapi.New(authn, pipeline, convs, b.messages, tracker, logger.Named("http"))
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.Handler(mgr.ServeWS, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("driver", cfg.Database.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return guard.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		mgr.CloseAll()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
