// Command checkin-server runs the family-facing HTTP API: transcript
// analysis, check-in history, alerts, elder registry, avatar sessions and
// billing.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sunny-voice-lab/internal/avatar"
	"github.com/sunny-voice-lab/internal/checkin"
	"github.com/sunny-voice-lab/internal/config"
	"github.com/sunny-voice-lab/internal/logging"
	"github.com/sunny-voice-lab/internal/metrics"
	"github.com/sunny-voice-lab/internal/server"
)

func main() {
	sugar := logging.Init()
	if sugar == nil {
		l, _ := zap.NewProduction()
		defer l.Sync()
		sugar = l.Sugar()
	}
	defer logging.Sync()

	cfg := config.Load()
	m := metrics.New()

	var store server.Store
	if cfg.DatabaseURL != "" {
		if err := checkin.Migrate(cfg.DatabaseURL); err != nil {
			logging.FatalExitf("migrations failed", "err", err)
		}
		st, err := checkin.Open(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logging.FatalExitf("database unavailable", "err", err)
		}
		defer st.Close()
		if cfg.WebhookURL != "" {
			st.SetNotifier(&checkin.Notifier{URL: cfg.WebhookURL, Async: true})
			sugar.Infow("alert webhook forwarding enabled", "url", cfg.WebhookURL)
		}
		store = st
	} else {
		sugar.Warnw("DATABASE_URL unset; persistence routes disabled")
	}

	var av *avatar.Client
	if cfg.AvatarAPIKey != "" {
		av = &avatar.Client{BaseURL: cfg.AvatarBaseURL, APIKey: cfg.AvatarAPIKey}
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(cfg, store, av, m).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infow("http server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.FatalExitf("http server failed", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	sugar.Infow("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		sugar.Warnw("shutdown incomplete", "err", err)
	}
	sugar.Infow("shutdown complete")
}
