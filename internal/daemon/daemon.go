package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labelmint/labelmint/internal/api"
	"github.com/labelmint/labelmint/internal/eventbus"
	"github.com/labelmint/labelmint/internal/health"
	"github.com/labelmint/labelmint/internal/infra/scheduler"
	"github.com/labelmint/labelmint/internal/infra/sqlite"
	"github.com/labelmint/labelmint/internal/log"
	"github.com/labelmint/labelmint/internal/service"
)

// Daemon is the engine runtime. It wires the bus, the orchestration
// service, the persistence subscriber, the deadline scheduler, and the API
// server, and owns their lifecycle.
type Daemon struct {
	Config    Config
	Bus       *eventbus.Bus
	Service   *service.Service
	DB        *sqlite.DB
	Scheduler *scheduler.Scheduler
	Health    *health.Checker
	Server    *api.Server
	cancel    context.CancelFunc
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration. The bus is
// constructed here and passed by handle to every component; there is no
// process-global instance.
func NewWithConfig(cfg Config) (*Daemon, error) {
	log.SetLevel(cfg.Logging.Level)

	bus := eventbus.New()

	opts := service.Options{
		RequiredLabels:            cfg.Consensus.RequiredLabels,
		Threshold:                 cfg.Consensus.Threshold,
		HoneypotThreshold:         cfg.Consensus.HoneypotThreshold,
		MaxReviewers:              cfg.Consensus.MaxReviewers,
		ConflictResolutionTimeout: parseDuration(cfg.Consensus.ConflictResolutionTimeout, 24*time.Hour),
		EnableEventPublishing:     cfg.Consensus.EnableEventPublishing,
		EnableBatchProcessing:     cfg.Consensus.EnableBatchProcessing,
		MaxBatchSize:              cfg.Consensus.MaxBatchSize,
		BatchTimeout:              parseDuration(cfg.Consensus.BatchTimeout, 5*time.Second),
	}
	svc, err := service.New(bus, opts)
	if err != nil {
		return nil, fmt.Errorf("create consensus service: %w", err)
	}

	d := &Daemon{
		Config:  cfg,
		Bus:     bus,
		Service: svc,
	}

	// Persistence collaborator: a pure bus subscriber, so the core stays
	// storage-free.
	if cfg.Storage.Enabled {
		dir := cfg.Storage.Dir
		if dir == "" {
			dir = filepath.Join(Home(), "data")
		}
		db, err := sqlite.Open(dir)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.AttachBus(bus)
		d.DB = db
	}

	if cfg.Scheduler.Enabled {
		schedCfg := scheduler.Config{
			TickInterval:              parseDuration(cfg.Scheduler.TickInterval, 30*time.Second),
			AssignmentTimeout:         parseDuration(cfg.Scheduler.AssignmentTimeout, 2*time.Hour),
			ConflictResolutionTimeout: opts.ConflictResolutionTimeout,
		}
		d.Scheduler = scheduler.New(schedCfg, bus, svc.HandleExpiration)
	}

	d.Health = health.NewChecker(d.DB, bus, svc)

	srv := api.NewServer(svc, bus)
	srv.SetHealthChecker(d.Health)
	if cfg.API.Prometheus {
		srv.EnableMetrics()
	}
	d.Server = srv

	return d, nil
}

// Serve starts the HTTP server and background loops, blocking until
// shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Health.Run(ctx)
	if d.Scheduler != nil {
		go d.Scheduler.Run(ctx)
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		_ = httpServer.Shutdown(shutdownCtx)
		if d.DB != nil {
			_ = d.DB.Close()
		}
		cancel()
	}()

	logger := log.GetLogger()
	logger.Infof("labelmint consensus engine serving on http://%s", addr)
	if d.Config.API.Prometheus {
		logger.Infof("metrics at http://%s/metrics", addr)
	}

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop triggers a graceful shutdown.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}
