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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Lesson/internal/adapters/backend"
	router "github.com/dkeye/Lesson/internal/adapters/http"
	sig "github.com/dkeye/Lesson/internal/adapters/signal"
	"github.com/dkeye/Lesson/internal/app"
	"github.com/dkeye/Lesson/internal/app/orch"
	"github.com/dkeye/Lesson/internal/config"
	"github.com/dkeye/Lesson/internal/core"
	"github.com/dkeye/Lesson/internal/metrics"
)

type sessionBackend interface {
	core.AuthorizationGate
	core.SessionDirectory
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	store, closeStore, err := openBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Backend.Mode).Msg("failed to open session backend")
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	o := &orch.Orchestrator{
		Registry:  app.NewRegistry(),
		Rooms:     app.NewRoomManager(cfg.Signaling.MaxJoiners),
		Policy:    app.SimplePolicy{},
		Gate:      store,
		Directory: store,
		Metrics:   metrics.New(reg),

		ReconnectGrace: cfg.Signaling.ReconnectGrace,
	}
	limiter := sig.NewParticipantRateLimiter(cfg.Signaling.RateLimit, cfg.Signaling.RateBurst)
	ctl := sig.NewSignalWSController(o, limiter, sig.ControllerConfig{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendBuffer: cfg.Signaling.SendBuffer,
	})

	r := router.SetupRouter(ctx, cfg, o, ctl, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("backend", cfg.Backend.Mode).Msg("Lesson relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		return
	}
	log.Info().Msg("Server exited gracefully")
}

// openBackend returns the session directory the relay authorizes against.
func openBackend(cfg *config.Config) (sessionBackend, func(), error) {
	switch cfg.Backend.Mode {
	case config.BackendRemote:
		c, err := backend.NewClient(cfg.Backend.URL, "relay", cfg.Backend.Timeout)
		if err != nil {
			return nil, nil, err
		}
		return c.WithServiceToken(cfg.Secret), func() {}, nil
	default:
		s, err := backend.NewSQLiteStore(cfg.Backend.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Str("module", "backend").Msg("close store")
			}
		}, nil
	}
}
