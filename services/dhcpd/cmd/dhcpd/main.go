package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"dhcpd/pkg/bus"
	"dhcpd/pkg/db"
	"dhcpd/pkg/telemetry"
	"dhcpd/services/dhcpd/internal/config"
	"dhcpd/services/dhcpd/internal/dhcp"
	"dhcpd/services/dhcpd/internal/leasestore"
	"dhcpd/services/dhcpd/internal/opshttp"
	"dhcpd/services/dhcpd/internal/probe"
)

func main() {
	if err := run("dhcpd"); err != nil {
		telemetry.NewLogger("dhcpd", os.Stderr).Fatal().Err(err).Msg("dhcpd stopped")
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	network, err := cfg.Network()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName, cfg.Telemetry.OTLPEndpoint, cfg.LogLevel())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	pool, err := db.Open(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	store := leasestore.New(pool, logger)

	var publisher dhcp.Publisher
	if cfg.Store.NATSURL != "" {
		b, err := bus.New(cfg.Store.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		if err := b.EnsureStream(dhcp.StreamName, dhcp.SubjectPrefix+">"); err != nil {
			return fmt.Errorf("ensure lease stream: %w", err)
		}
		publisher = b
	} else {
		logger.Info().Msg("NATS_URL not set, lease events disabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server, err := dhcp.NewServer(ctx, dhcp.Options{
		Network:      network,
		Ledger:       store,
		Prober:       newProber(cfg.Probe, logger),
		Publisher:    publisher,
		Metrics:      dhcp.NewMetrics(reg),
		Logger:       logger,
		OfferTimeout: cfg.DHCP.OfferTimeout,
		ConflictHold: cfg.DHCP.ConflictHold,
	})
	if err != nil {
		return fmt.Errorf("create dhcp server: %w", err)
	}

	listener, err := dhcp.NewListener(dhcp.NewHandler(server, logger), cfg.DHCP.Interface, cfg.DHCP.ListenAddr, logger)
	if err != nil {
		return fmt.Errorf("create dhcp listener: %w", err)
	}

	var dhcpReady, httpReady, dbReady atomic.Bool
	dbReady.Store(true)
	errCh := make(chan error, 3)

	go watchDatabase(ctx, pool, &dbReady, logger)

	go func() {
		if err := listener.Run(ctx, &dhcpReady); err != nil {
			errCh <- fmt.Errorf("dhcp: %w", err)
		}
	}()
	go func() {
		if err := server.RunMaintenance(ctx, cfg.DHCP.SweepInterval); err != nil {
			errCh <- fmt.Errorf("maintenance: %w", err)
		}
	}()

	routes, err := opshttp.Routes(opshttp.Config{
		Leases:    store,
		Allocator: server,
		Gatherer:  reg,
		Ready:     map[string]*atomic.Bool{"dhcp": &dhcpReady, "http": &httpReady, "database": &dbReady},
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("build ops routes: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.Ops.Addr,
		Handler:           middleware(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("ops http listening")
		httpReady.Store(true)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func newProber(cfg config.ProbeConfig, logger zerolog.Logger) probe.Prober {
	if cfg.Timeout <= 0 {
		logger.Warn().Msg("conflict probing disabled")
		return probe.Noop{}
	}
	return probe.NewICMP(cfg.Network, cfg.Timeout, nil, logger)
}

// watchDatabase flips ready whenever the lease database stops answering pings.
func watchDatabase(ctx context.Context, pool *pgxpool.Pool, ready *atomic.Bool, logger zerolog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := db.Ping(ctx, pool)
			if was := ready.Swap(err == nil); was != (err == nil) {
				if err != nil {
					logger.Warn().Err(err).Msg("database unreachable")
				} else {
					logger.Info().Msg("database reachable again")
				}
			}
		}
	}
}
