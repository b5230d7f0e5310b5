package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	logger := zerolog.Nop()
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name string
		jobs []Job
	}{
		{name: "missing name", jobs: []Job{{Interval: time.Second, Handler: noop}}},
		{name: "missing handler", jobs: []Job{{Name: "a", Interval: time.Second}}},
		{name: "zero interval", jobs: []Job{{Name: "a", Handler: noop}}},
		{name: "duplicate", jobs: []Job{{Name: "a", Interval: time.Second, Handler: noop}, {Name: "a", Interval: time.Second, Handler: noop}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{Jobs: tt.jobs}, &logger)
			assert.Error(t, err)
		})
	}

	s, err := New(Config{Jobs: []Job{
		{Name: "session-check", Interval: time.Minute, Handler: noop},
		{Name: "product-sync", Interval: time.Minute, Handler: noop},
	}}, &logger)
	require.NoError(t, err)
	assert.Equal(t, []string{"session-check", "product-sync"}, s.Jobs())
}

func TestScheduler_RunsAndSkipsOverlap(t *testing.T) {
	logger := zerolog.Nop()
	var (
		runs    atomic.Int32
		active  atomic.Int32
		overlap atomic.Bool
	)
	slow := func(context.Context) error {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		defer active.Add(-1)
		runs.Add(1)
		time.Sleep(1500 * time.Millisecond)
		return nil
	}
	failing := func(context.Context) error { return errors.New("boom") }
	panicking := func(context.Context) error { panic("tick exploded") }

	s, err := New(Config{Jobs: []Job{
		{Name: "slow", Interval: time.Second, Handler: slow},
		{Name: "failing", Interval: time.Second, Handler: failing},
		{Name: "panicking", Interval: time.Second, Handler: panicking},
	}}, &logger)
	require.NoError(t, err)

	s.Start()
	s.Start()
	assert.True(t, s.Running())

	time.Sleep(3500 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Running())

	assert.GreaterOrEqual(t, runs.Load(), int32(1))
	assert.False(t, overlap.Load())
	require.NoError(t, s.Stop(ctx))
}
