package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Runner drives Tick on a cron cadence.
type Runner struct {
	hb       *Heartbeat
	schedule cronlib.Schedule
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(hb *Heartbeat, cronExpr string, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse heartbeat cron %q: %w", cronExpr, err)
	}
	return &Runner{hb: hb, schedule: schedule, logger: logger}, nil
}

// Start begins the cadence loop in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("heartbeat runner started")
}

// Stop cancels the loop and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("heartbeat runner stopped")
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	// One tick at startup so a freshly started daemon catches up
	// immediately instead of idling until the next cron boundary.
	r.hb.Tick(ctx)

	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.hb.Tick(ctx)
		}
	}
}
