package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Monitor periodically marks agents offline when their heartbeat lapses.
type Monitor struct {
	router    *Router
	threshold time.Duration
	schedule  string
	cron      *cron.Cron
	logger    *slog.Logger
}

// NewMonitor creates a heartbeat monitor. schedule is a cron spec such as
// "@every 30s".
func NewMonitor(router *Router, schedule string, threshold time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		router:    router,
		threshold: threshold,
		schedule:  schedule,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:    logger,
	}
}

// Start schedules the sweep. Runs stop when ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	_, err := m.cron.AddFunc(m.schedule, func() { m.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("agent: invalid heartbeat schedule %q: %w", m.schedule, err)
	}
	m.cron.Start()
	m.logger.Info("heartbeat monitor started", "schedule", m.schedule, "threshold", m.threshold)

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

// Sweep runs one pass.
func (m *Monitor) Sweep(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	n, err := m.router.SweepHeartbeats(ctx, m.router.clock.Now(), m.threshold)
	if err != nil {
		m.logger.Error("heartbeat sweep failed", "error", err)
	}
	return n
}
