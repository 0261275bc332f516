package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/pliu/sniffguard/internal/auth"
	"github.com/pliu/sniffguard/internal/config"
	"github.com/pliu/sniffguard/internal/fanout"
	"github.com/pliu/sniffguard/internal/gateway"
	"github.com/pliu/sniffguard/internal/handlers"
	"github.com/pliu/sniffguard/internal/logging"
	"github.com/pliu/sniffguard/internal/metrics"
	"github.com/pliu/sniffguard/internal/middleware"
	"github.com/pliu/sniffguard/internal/presence"
	"github.com/pliu/sniffguard/internal/store/sqlstore"
	"github.com/pliu/sniffguard/internal/sweeper"
	"github.com/pliu/sniffguard/internal/ws"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.New(os.Stderr, cfg.Log.Level)
	m := metrics.New()

	st, err := sqlstore.New(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	hub := ws.NewHub(ws.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WriteWait:      cfg.Server.WriteTimeout,
		PongWait:       cfg.Server.PongWait,
		SendBuffer:     cfg.Server.SendBuffer,
	}, log, m)
	go hub.Run(ctx)

	coord := fanout.New(st, presence.NewRegistry(), hub, fanout.Options{
		PageSize:   cfg.Chat.PageSize,
		MaxMembers: cfg.Chat.MaxMembers,
		Logger:     log,
		Metrics:    m,
	})
	authn := auth.NewAuthenticator([]byte(cfg.Auth.JWTSecret), auth.NewCookieSigner([]byte(cfg.Auth.CookieSecret)), st)
	gw := gateway.New(coord, authn, gateway.Options{
		RPS:     cfg.RateLimit.RPS,
		Burst:   cfg.RateLimit.Burst,
		Logger:  log,
		Metrics: m,
	})

	if cfg.Sweeper.Enabled {
		sw, err := sweeper.New(coord, cfg.Sweeper.Cron, log)
		if err != nil {
			return err
		}
		go sw.Run(ctx)
	}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(log))
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, gw, w, r)
	})
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(authn))
	(&handlers.ChatHandler{Coord: coord, Users: st, Log: log}).Register(api)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting server", "addr", cfg.Server.Addr, "driver", cfg.Database.Driver)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
