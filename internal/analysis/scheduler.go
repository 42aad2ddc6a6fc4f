package analysis

import (
	"context"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval is how often the scheduler re-analyses every series.
const DefaultInterval = 6 * time.Hour

// Scheduler runs a full analysis pass on a fixed interval.
type Scheduler struct {
	runner   *Runner
	clock    clockwork.Clock
	interval time.Duration
}

func NewScheduler(runner *Runner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		runner:   runner,
		clock:    clockwork.NewRealClock(),
		interval: interval,
	}
}

func (s *Scheduler) SetClock(c clockwork.Clock) {
	s.clock = c
}

// Run analyses immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.runOnce(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-ticker.Chan():
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if _, err := s.runner.RunAll(ctx, "scheduler"); err != nil {
		log.Printf("scheduler: analysis: %v", err)
	}
}
