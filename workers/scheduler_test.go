package workers

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func waitTick(t *testing.T, ch <-chan struct{}, name string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not run", name)
	}
}

func TestSchedulerRunsTasksIndependently(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock)

	polled := make(chan struct{}, 10)
	reconciled := make(chan struct{}, 10)
	s.Every("poll", 15*time.Second, func(ctx context.Context) { polled <- struct{}{} })
	s.Every("reconcile", 10*time.Second, func(ctx context.Context) { reconciled <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	clock.BlockUntil(2)

	clock.Advance(10 * time.Second)
	waitTick(t, reconciled, "reconcile")
	assert.Empty(t, polled)

	clock.Advance(5 * time.Second)
	waitTick(t, polled, "poll")

	clock.Advance(5 * time.Second)
	waitTick(t, reconciled, "reconcile")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerSlowTaskDoesNotBlockOthers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock)

	release := make(chan struct{})
	fast := make(chan struct{}, 10)
	s.Every("slow", time.Second, func(ctx context.Context) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	s.Every("fast", time.Second, func(ctx context.Context) { fast <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	clock.BlockUntil(2)

	clock.Advance(time.Second)
	waitTick(t, fast, "fast")
	close(release)
}
