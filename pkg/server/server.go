// Package server wires configuration, the two API clients, and the reconcile
// engine together, and drives the engine on a fixed polling cadence.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pterosync/pterosync/pkg/config"
	"github.com/pterosync/pterosync/pkg/pterodactyl"
	"github.com/pterosync/pterosync/pkg/reconcile"
	"github.com/pterosync/pterosync/pkg/unifi"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Server coordinates all modules and manages the overall service lifecycle.
type Server struct {
	configMgr *config.Manager
	logger    *zap.Logger
	level     zap.AtomicLevel
	metrics   *metrics

	mu         sync.Mutex
	reconciler *reconcile.Reconciler
	cycleMu    sync.Mutex
}

// NewServer loads configuration and builds the clients and engine.
func NewServer(configPath string, logger *zap.Logger, level zap.AtomicLevel) (*Server, error) {
	configMgr, err := config.NewManager(configPath, logger.Named("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize config manager: %w", err)
	}

	server := &Server{
		configMgr: configMgr,
		logger:    logger,
		level:     level,
		metrics:   newMetrics(),
	}
	server.rebuild(configMgr.GetConfig())

	return server, nil
}

// rebuild constructs the clients and engine from a config snapshot. Called at
// startup and after every successful config reload.
func (s *Server) rebuild(cfg *config.Config) {
	if cfg.Global.Debug {
		s.level.SetLevel(zap.DebugLevel)
	} else {
		s.level.SetLevel(zap.InfoLevel)
	}

	source := pterodactyl.NewClient(cfg.Pterodactyl.URL, cfg.Pterodactyl.APIKey, s.logger.Named("pterodactyl"))
	store := unifi.NewClient(
		cfg.Unifi.URL,
		cfg.Unifi.Site,
		cfg.Unifi.Username,
		cfg.Unifi.Password,
		cfg.Unifi.AllowSelfSigned,
		s.logger.Named("unifi"),
	)

	policy := reconcile.Policy{
		Prefix:      cfg.Rules.Prefix,
		Protocol:    cfg.Rules.Protocol,
		Source:      cfg.Rules.Source,
		Destination: cfg.Rules.Destination,
		WANIP:       cfg.Rules.WANIP,
	}
	resolver := reconcile.TargetResolver{
		IPMap:     cfg.Rules.IPMap,
		DefaultIP: cfg.Rules.DefaultTargetIP,
	}

	reconciler := reconcile.NewReconciler(
		source, store, cfg.Pterodactyl.NodeID, policy, resolver, s.logger.Named("reconcile"),
	)

	s.mu.Lock()
	s.reconciler = reconciler
	s.mu.Unlock()
}

// runCycle runs one reconcile cycle and records the outcome. Overlapping
// invocations are skipped, never queued.
func (s *Server) runCycle(ctx context.Context) {
	if !s.cycleMu.TryLock() {
		s.logger.Warn("previous cycle still running, skipping tick")
		s.metrics.cycleSkips.Inc()
		return
	}
	defer s.cycleMu.Unlock()

	s.mu.Lock()
	reconciler := s.reconciler
	s.mu.Unlock()

	start := time.Now()
	summary, err := reconciler.RunCycle(ctx)
	if errors.Is(err, reconcile.ErrCycleInProgress) {
		s.metrics.cycleSkips.Inc()
		return
	}
	if err != nil {
		s.logger.Error("reconcile cycle failed", zap.Error(err))
	}
	s.metrics.observeCycle(summary.Deleted, summary.Updated, summary.Created, summary.Skipped, time.Since(start), err != nil)
}

// Run starts the server in daemon mode: performs an initial cycle, starts the
// tick scheduler, metrics listener, and config watching, then waits for
// shutdown.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.configMgr.GetConfig()

	metricsSrv := s.startMetrics(cfg.Metrics.Listen)

	// Initial cycle
	s.runCycle(ctx)

	scheduler := cron.New()
	interval := cfg.PollInterval()
	entryID, err := scheduler.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.runCycle(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule reconcile tick: %w", err)
	}
	scheduler.Start()
	s.logger.Info("scheduler started", zap.Duration("interval", interval))

	s.configMgr.WatchConfig()
	s.logger.Info("config watcher started")

	for {
		select {
		case <-s.configMgr.OnChange():
			newCfg := s.configMgr.GetConfig()
			s.rebuild(newCfg)

			if newInterval := newCfg.PollInterval(); newInterval != interval {
				scheduler.Remove(entryID)
				entryID, err = scheduler.AddFunc(fmt.Sprintf("@every %s", newInterval), func() {
					s.runCycle(ctx)
				})
				if err != nil {
					s.logger.Error("failed to reschedule reconcile tick", zap.Error(err))
				} else {
					interval = newInterval
					s.logger.Info("rescheduled reconcile tick", zap.Duration("interval", interval))
				}
			}

			s.logger.Info("config change applied, triggering reconcile")
			s.runCycle(ctx)

		case <-ctx.Done():
			s.logger.Info("shutdown signal received, stopping server")
			// Stop scheduling; an in-flight cycle runs to completion.
			<-scheduler.Stop().Done()
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
					s.logger.Warn("metrics server shutdown failed", zap.Error(err))
				}
			}
			s.logger.Info("server stopped")
			return nil
		}
	}
}

// RunOnce performs a single reconcile cycle and returns its error.
// This is used for manual one-shot reconciliation (e.g., via CLI or cron).
func (s *Server) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	reconciler := s.reconciler
	s.mu.Unlock()

	summary, err := reconciler.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	s.logger.Info("reconcile completed",
		zap.Int("deleted", summary.Deleted),
		zap.Int("updated", summary.Updated),
		zap.Int("created", summary.Created),
	)
	return nil
}

// startMetrics exposes the Prometheus endpoint when a listen address is
// configured. Listener failures are logged, not fatal.
func (s *Server) startMetrics(listen string) *http.Server {
	if listen == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.handler())
	srv := &http.Server{Addr: listen, Handler: mux}

	go func() {
		s.logger.Info("metrics listener started", zap.String("addr", listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
	return srv
}
