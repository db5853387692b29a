package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/fundledger/internal/api"
	"github.com/punchamoorthee/fundledger/internal/auth"
	"github.com/punchamoorthee/fundledger/internal/config"
	"github.com/punchamoorthee/fundledger/internal/gateway"
	"github.com/punchamoorthee/fundledger/internal/notify"
	"github.com/punchamoorthee/fundledger/internal/service"
	"github.com/punchamoorthee/fundledger/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence
	st, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	// Notifications: email when SES is configured, always a log line
	channels := notify.MultiChannel{notify.NewLogChannel(logger)}
	ses, err := notify.NewSESChannel(ctx, cfg.SESRegion, cfg.SESFromEmail, cfg.SESFromName, logger)
	if err != nil {
		logger.Warn("SES unavailable, receipts will only be logged", "error", err)
	} else if ses.Enabled() {
		channels = append(channels, ses)
	}
	emitter := notify.NewEmitter(st, channels, cfg.AppBaseURL, logger)

	// Services
	payments := gateway.NewClient(cfg.PaymentBaseURL, cfg.PaymentSecretKey)
	campaigns := service.NewCampaignService(st, payments, cfg.CreationFee, cfg.Currency, logger)
	invitations := service.NewInvitationService(st, emitter, logger)
	ledger := service.NewLedger(st, invitations, logger)
	bridge := service.NewBridge(ledger, campaigns, emitter, logger)

	sweeper := service.NewSweeper(st, cfg.PendingTimeout, logger)
	go sweeper.Run(ctx, cfg.SweepInterval)

	handler := api.NewHandler(api.Services{
		Store:         st,
		Campaigns:     campaigns,
		Invitations:   invitations,
		Ledger:        ledger,
		Bridge:        bridge,
		Verifier:      payments,
		WebhookSecret: cfg.PaymentSecretKey,
	}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, auth.NewValidator(cfg.JWTSecret)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
