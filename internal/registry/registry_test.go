package registry_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ivis-project/taskd/internal/registry"

	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	interrupts atomic.Int32
	err        error
}

func (h *fakeHandle) Interrupt() error {
	h.interrupts.Add(1)
	return h.err
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := registry.New()
	h := &fakeHandle{}

	require.NoError(t, r.Register(1, 7, h))
	require.True(t, r.Live(1))
	err := r.Register(1, 7, &fakeHandle{})
	require.ErrorIs(t, err, registry.ErrAlreadyRunning)

	found, err := r.SignalStop(1)
	require.True(t, found)
	require.NoError(t, err)
	require.EqualValues(t, 1, h.interrupts.Load())

	r.Unregister(1)
	require.False(t, r.Live(1))

	t.Run("stop after finish is a no-op", func(t *testing.T) {
		found, err := r.SignalStop(1)
		require.False(t, found)
		require.NoError(t, err)
		require.EqualValues(t, 1, h.interrupts.Load())
	})

	t.Run("unregister twice", func(t *testing.T) {
		r.Unregister(1)
		r.Unregister(99)
		require.Zero(t, r.Len())
	})

	t.Run("interrupt error is reported", func(t *testing.T) {
		failing := &fakeHandle{err: errors.New("process already finished")}
		require.NoError(t, r.Register(2, 7, failing))
		found, err := r.SignalStop(2)
		require.True(t, found)
		require.EqualError(t, err, "process already finished")
		r.Unregister(2)
	})
}

func TestStopJob(t *testing.T) {
	t.Parallel()
	r := registry.New()
	a, b, c := &fakeHandle{}, &fakeHandle{}, &fakeHandle{}
	require.NoError(t, r.Register(1, 7, a))
	require.NoError(t, r.Register(2, 7, b))
	require.NoError(t, r.Register(3, 8, c))

	stopped := r.StopJob(7)
	require.ElementsMatch(t, []int64{1, 2}, stopped)
	require.EqualValues(t, 1, a.interrupts.Load())
	require.EqualValues(t, 1, b.interrupts.Load())
	require.Zero(t, c.interrupts.Load())

	require.Empty(t, r.StopJob(9))

	r.StopAll()
	require.EqualValues(t, 1, c.interrupts.Load())
}

func TestConcurrentRegister(t *testing.T) {
	t.Parallel()
	r := registry.New()

	var wg sync.WaitGroup
	for i := range 64 {
		wg.Go(func() {
			runID := int64(i)
			require.NoError(t, r.Register(runID, 1, &fakeHandle{}))
			_, _ = r.SignalStop(runID)
			r.Unregister(runID)
		})
	}
	wg.Wait()
	require.Zero(t, r.Len())
}
