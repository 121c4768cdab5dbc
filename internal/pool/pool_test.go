package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siftdev/sift/internal/log"
)

func TestRun_AllSucceed(t *testing.T) {
	var ran atomic.Int64
	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			ran.Add(1)
			return nil
		}
	}

	err := Run(context.Background(), 3, log.Discard(), tasks)
	require.NoError(t, err)
	assert.Equal(t, int64(8), ran.Load())
}

func TestRun_DrainsAfterFailure(t *testing.T) {
	errBoom := errors.New("boom")
	var ran atomic.Int64

	tasks := []Task{
		func(context.Context) error { ran.Add(1); return errBoom },
		func(context.Context) error { ran.Add(1); return nil },
		func(context.Context) error { ran.Add(1); return errors.New("later failure") },
		func(context.Context) error { ran.Add(1); return nil },
	}

	err := Run(context.Background(), 2, log.Discard(), tasks)
	require.Error(t, err)
	assert.Equal(t, errBoom, err, "first failure in task order wins")
	assert.Equal(t, int64(4), ran.Load(), "every task ran despite the failure")
}

func TestRun_ConcurrencyCeiling(t *testing.T) {
	const n = 2

	var mu sync.Mutex
	inFlight, peak := 0, 0

	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, Run(context.Background(), n, log.Discard(), tasks))
	assert.LessOrEqual(t, peak, n)
	assert.Greater(t, peak, 0)
}

func TestRun_EmptyAndClampedInputs(t *testing.T) {
	assert.NoError(t, Run(context.Background(), 4, log.Discard(), nil))

	var ran atomic.Int64
	tasks := []Task{func(context.Context) error { ran.Add(1); return nil }}
	assert.NoError(t, Run(context.Background(), 0, log.Discard(), tasks))
	assert.Equal(t, int64(1), ran.Load())
}
