// Package governor runs the periodic and reactive sweeps that enforce every
// bounded-resource invariant: stale calls, expired offline messages, silent
// connections, drifted room membership, and heap pressure. Sweeps are pure
// eviction passes; a failing sweep is logged and never aborts later runs.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/beaconim/beacon/internal/calls"
	"github.com/beaconim/beacon/internal/config"
	"github.com/beaconim/beacon/internal/health"
	"github.com/beaconim/beacon/internal/observability"
	"github.com/beaconim/beacon/internal/offline"
	"github.com/beaconim/beacon/internal/registry"
	"github.com/beaconim/beacon/internal/rooms"
)

// Governor schedules the sweep jobs and owns pressure mode.
type Governor struct {
	cron     *cron.Cron
	cfg      config.GovernorConfig
	pressure atomic.Bool
	// healthStaleAfter is the monitor's configured TTL; pressure mode sweeps
	// with half of it.
	healthStaleAfter time.Duration

	registry *registry.Registry
	monitor  *health.Monitor
	rooms    *rooms.Tracker
	queue    *offline.Queue
	calls    *calls.Manager

	logger  *slog.Logger
	metrics *observability.Metrics
	// readMemStats is swappable in tests.
	readMemStats func(*runtime.MemStats)
}

// New wires a governor over the stateful components.
func New(cfg config.GovernorConfig, healthCfg config.HealthConfig, reg *registry.Registry, monitor *health.Monitor, tracker *rooms.Tracker, queue *offline.Queue, callMgr *calls.Manager, logger *slog.Logger, metrics *observability.Metrics) *Governor {
	return &Governor{
		cron:             cron.New(),
		cfg:              cfg,
		healthStaleAfter: healthCfg.StaleAfter,
		registry:         reg,
		monitor:          monitor,
		rooms:            tracker,
		queue:            queue,
		calls:            callMgr,
		logger:           logger,
		metrics:          metrics,
		readMemStats:     runtime.ReadMemStats,
	}
}

// Start registers the sweep schedule and begins running it.
func (g *Governor) Start() error {
	jobs := []struct {
		name     string
		interval time.Duration
		run      func()
	}{
		{"calls", g.cfg.CallsInterval, g.SweepCalls},
		{"offline", g.cfg.OfflineInterval, g.SweepOffline},
		{"health", g.cfg.HealthInterval, g.SweepHealth},
		{"reconcile", g.cfg.ReconcileInterval, g.Reconcile},
		{"memory", g.cfg.MemoryInterval, g.CheckMemory},
	}
	for _, job := range jobs {
		spec := fmt.Sprintf("@every %s", job.interval)
		if _, err := g.cron.AddFunc(spec, g.guarded(job.name, job.run)); err != nil {
			return fmt.Errorf("schedule %s sweep: %w", job.name, err)
		}
	}
	g.cron.Start()
	g.logger.Info("resource governor started",
		"calls_interval", g.cfg.CallsInterval,
		"offline_interval", g.cfg.OfflineInterval,
		"health_interval", g.cfg.HealthInterval,
		"reconcile_interval", g.cfg.ReconcileInterval,
		"memory_interval", g.cfg.MemoryInterval)
	return nil
}

// Stop halts the schedule and waits for running jobs to finish.
func (g *Governor) Stop() {
	<-g.cron.Stop().Done()
}

// guarded isolates one sweep iteration: a panic or error in it is logged and
// never reaches the scheduler.
func (g *Governor) guarded(name string, run func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("sweep panicked", "sweep", name, "panic", r)
			}
		}()
		start := time.Now()
		run()
		g.metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// SweepCalls reclaims calls stuck past their phase thresholds.
func (g *Governor) SweepCalls() {
	if n := g.calls.SweepStale(context.Background()); n > 0 {
		g.metrics.SweepReclaimed.WithLabelValues("calls").Add(float64(n))
		g.logger.Info("call sweep reclaimed stale calls", "count", n)
	}
}

// SweepOffline purges expired and over-cap offline queue entries.
func (g *Governor) SweepOffline() {
	if n := g.queue.Sweep(); n > 0 {
		g.metrics.SweepReclaimed.WithLabelValues("offline").Add(float64(n))
		g.logger.Info("offline sweep removed messages", "count", n)
	}
}

// SweepHealth closes connections the monitor classified as stale or
// disconnected. Closing the transport runs the normal disconnect teardown.
func (g *Governor) SweepHealth() {
	staleAfter := time.Duration(0)
	if g.pressure.Load() {
		staleAfter = g.healthStaleAfter / 2
	}
	dead := g.monitor.Sweep(staleAfter)
	for _, connID := range dead {
		if _, conn, ok := g.registry.LookupConn(connID); ok {
			conn.Close("stale")
		} else {
			g.monitor.Untrack(connID)
		}
	}
	if len(dead) > 0 {
		g.metrics.SweepReclaimed.WithLabelValues("health").Add(float64(len(dead)))
		g.logger.Info("health sweep closed stale connections", "count", len(dead))
	}
}

// Reconcile drops room memberships whose connection no longer exists.
func (g *Governor) Reconcile() {
	if n := g.rooms.Reconcile(g.registry.HasConn); n > 0 {
		g.metrics.SweepReclaimed.WithLabelValues("reconcile").Add(float64(n))
	}
}

// CheckMemory flips pressure mode on when heap use crosses the high-water
// mark and off once it falls under the low-water mark. Entering pressure
// mode immediately runs the eviction sweeps with the tightened thresholds.
func (g *Governor) CheckMemory() {
	var ms runtime.MemStats
	g.readMemStats(&ms)

	switch {
	case !g.pressure.Load() && ms.HeapAlloc >= g.cfg.MemoryHighWater:
		g.setPressure(true)
		g.logger.Warn("memory high-water crossed, entering pressure mode",
			"heap_alloc", ms.HeapAlloc,
			"high_water", g.cfg.MemoryHighWater)
		g.SweepCalls()
		g.SweepOffline()
		g.SweepHealth()
	case g.pressure.Load() && ms.HeapAlloc <= g.cfg.MemoryLowWater:
		g.setPressure(false)
		g.logger.Info("memory back under low-water, leaving pressure mode",
			"heap_alloc", ms.HeapAlloc,
			"low_water", g.cfg.MemoryLowWater)
	}
}

func (g *Governor) setPressure(on bool) {
	g.pressure.Store(on)
	g.queue.SetPressure(on)
	g.calls.SetPressure(on)
	if on {
		g.metrics.MemoryPressure.Set(1)
	} else {
		g.metrics.MemoryPressure.Set(0)
	}
}

// Pressure reports whether pressure mode is active.
func (g *Governor) Pressure() bool { return g.pressure.Load() }
