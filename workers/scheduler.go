package workers

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type periodicTask struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
}

// Scheduler runs named periodic tasks, each on its own goroutine and
// ticker, so a slow task never delays another.
type Scheduler struct {
	clock clockwork.Clock
	tasks []periodicTask
}

func NewScheduler(clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock}
}

// Every registers fn to run every interval. It must be called before Run.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.tasks = append(s.tasks, periodicTask{name: name, interval: interval, fn: fn})
}

// Run blocks until ctx is done and every task returned.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t periodicTask) {
			defer wg.Done()
			s.loop(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t periodicTask) {
	log.Info().Str("task", t.name).Dur("interval", t.interval).Msg("Starting periodic task")

	ticker := s.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("task", t.name).Msg("Context cancelled, stopping periodic task")
			return
		case <-ticker.Chan():
			t.fn(ctx)
		}
	}
}
