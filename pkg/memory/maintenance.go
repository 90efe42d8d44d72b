package memory

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/engramdev/engram/pkg/config"
	"github.com/engramdev/engram/pkg/logger"
)

// RunMaintenance drives the background cadences: the review sweep and
// the nightly self-test, both cron-gated. It blocks until ctx is done,
// so callers run it in its own goroutine.
func (e *Engine) RunMaintenance(ctx context.Context, sched config.ScheduleConfig) {
	tick := time.Duration(sched.TickSeconds) * time.Second
	if tick <= 0 {
		tick = 30 * time.Second
	}
	g := gronx.New()
	// Cron granularity is one minute; remember the last minute each job
	// fired so a sub-minute tick cannot double-fire it.
	fired := map[string]time.Time{}

	due := func(expr string, now time.Time) bool {
		if expr == "" {
			return false
		}
		minute := now.Truncate(time.Minute)
		if fired[expr].Equal(minute) {
			return false
		}
		ok, err := g.IsDue(expr, now)
		if err != nil {
			logger.ErrorCF("maintenance", "bad cron expression", map[string]interface{}{
				"expr": expr, "error": err.Error(),
			})
			fired[expr] = minute
			return false
		}
		if ok {
			fired[expr] = minute
		}
		return ok
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	logger.InfoCF("maintenance", "maintenance loop started", map[string]interface{}{
		"tick_seconds": int(tick.Seconds()),
	})

	for {
		select {
		case <-ctx.Done():
			logger.InfoCF("maintenance", "maintenance loop stopped", nil)
			return
		case now := <-ticker.C:
			if due(sched.ReviewSweepCron, now) {
				if _, err := e.ScheduleSweep(ctx); err != nil {
					logger.ErrorCF("maintenance", "review sweep failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}
			if due(sched.SelfTestCron, now) {
				if _, err := e.SelfTest(ctx); err != nil {
					logger.ErrorCF("maintenance", "self test failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			}
		}
	}
}
