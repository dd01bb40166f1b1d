package engine

import (
	"context"
	"log/slog"
	"time"
)

// schedulerSkew delays each tick past the boundary so the tick's minute is
// the one that just started.
const schedulerSkew = time.Second

// Scheduler drives TickCron on wall-clock boundaries. Minutes missed while
// the process was down are not replayed.
type Scheduler struct {
	Engine   Engine
	Interval time.Duration
	Logger   *slog.Logger
}

func (s Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run ticks until ctx is cancelled.
func (s Scheduler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	s.logger().Info("forge scheduler started", "interval", interval.String())
	s.tick(ctx)
	for {
		timer := time.NewTimer(nextDelay(s.Engine.now(), interval))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger().Info("forge scheduler stopped")
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s Scheduler) tick(ctx context.Context) {
	res, err := s.Engine.TickCron(ctx, s.Engine.now())
	if err != nil {
		s.logger().Error("forge cron tick failed", "err", err)
		return
	}
	if res.Matched > 0 {
		s.logger().Info("forge cron tick", "matched", res.Matched, "executed", res.Executed, "skipped", res.Skipped, "failed", res.Failed)
	}
}

func nextDelay(now time.Time, interval time.Duration) time.Duration {
	next := now.Truncate(interval).Add(interval).Add(schedulerSkew)
	return next.Sub(now)
}
