package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/slugsec/deskd/internal/api"
	"github.com/slugsec/deskd/internal/config"
	"github.com/slugsec/deskd/internal/events"
	"github.com/slugsec/deskd/internal/fleet"
	"github.com/slugsec/deskd/internal/logger"
	"github.com/slugsec/deskd/internal/orchestrator"
	"github.com/slugsec/deskd/internal/remote"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zl := logger.New(cfg.LogLevel)
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(cfg.EventCapacity, zl)

	var dialer fleet.DialerFor
	var ready orchestrator.ReadinessFunc
	switch cfg.ChannelMode {
	case "fake":
		dialer = func(_ config.Host) remote.DialFunc {
			return remote.NewFakeDialer().Dial
		}
		// Fake desktops have no web bridge to poll.
		ready = func(context.Context, string, int) error { return nil }
		zl.Warn("running in fake channel mode, no real desktops will start")
	default:
		dialer = func(h config.Host) remote.DialFunc {
			return remote.NewSSHDialer(remote.SSHDialerOptions{
				Hostname: h.Hostname,
				User:     h.User,
			}, zl)
		}
	}

	fl := fleet.New(fleet.Options{
		Hosts:          cfg.Hosts,
		PoolCap:        cfg.PoolCap,
		Image:          cfg.DesktopImage,
		CommandTimeout: cfg.CommandTimeout,
		Dialer:         dialer,
	}, bus, zl)
	defer fl.Close()

	probeCtx, cancelProbe := context.WithTimeout(ctx, 2*time.Minute)
	results := fl.ProbeAll(probeCtx)
	cancelProbe()
	healthy := 0
	for _, r := range results {
		if r.Healthy {
			healthy++
		}
	}
	if healthy == 0 {
		zl.Warn("startup probe found no healthy hosts, session creation will fail until a host recovers")
	}

	orch := orchestrator.New(cfg, fl, bus, ready, zl)
	orch.StartSweeper(ctx)

	handler := api.NewRouter(cfg, orch, fl, bus, zl)
	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// The event stream endpoint holds its response open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zl.Info("shutting down", zap.Duration("grace", cfg.ShutdownGrace))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	zl.Info("deskd listening", zap.String("addr", cfg.ListenAddr),
		zap.Int("hosts", len(cfg.Hosts)), zap.Int("healthy", healthy))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zl.Fatal("http server", zap.Error(err))
	}

	// The listener is closed; tear down every live desktop before exit.
	orch.ShutdownAll(cfg.ShutdownGrace)
	zl.Info("shutdown complete")
}
