package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/slugsec/deskd/internal/events"
	"github.com/slugsec/deskd/internal/metrics"
	"github.com/slugsec/deskd/internal/model"
)

// StartSweeper runs the expiry sweep on a fixed interval until ctx is
// cancelled. The sweep is the safety net behind per-session deadlines: any
// session whose deadline has passed is destroyed, so a missed or crashed
// timer never strands a container.
func (o *Orchestrator) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.cfg.SweepInterval)
		defer ticker.Stop()
		o.log.Info("sweeper started", zap.Duration("interval", o.cfg.SweepInterval))
		for {
			select {
			case <-ctx.Done():
				o.log.Info("sweeper stopped")
				return
			case <-ticker.C:
				o.RunSweep(ctx)
			}
		}
	}()
}

// RunSweep destroys every session past its deadline. Each teardown is
// isolated: one failing host cannot keep another host's expired sessions
// alive. Also invoked on admin demand.
func (o *Orchestrator) RunSweep(ctx context.Context) int {
	start := time.Now()
	now := time.Now()

	o.mu.Lock()
	var expired []string
	for uid, s := range o.sessions {
		if s.Status == model.SessionActive && now.After(s.Deadline) {
			expired = append(expired, uid)
		}
	}
	o.mu.Unlock()

	reaped := 0
	for _, uid := range expired {
		if err := o.destroy(ctx, uid, events.KindSessionExpired); err != nil {
			o.log.Error("sweep teardown failed", zap.String("user_id", uid), zap.Error(err))
			continue
		}
		reaped++
	}

	metrics.Default().IncCounter("deskd_sweep_runs_total", map[string]string{})
	metrics.Default().ObserveHistogram("deskd_sweep_duration_ms",
		float64(time.Since(start).Milliseconds()), map[string]string{})

	if len(expired) > 0 {
		o.log.Info("sweep completed",
			zap.Int("expired", len(expired)), zap.Int("reaped", reaped),
			zap.Duration("took", time.Since(start)))
	}
	return reaped
}
