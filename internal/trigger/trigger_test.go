package trigger_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ivis-project/taskd/internal/trigger"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func receive(t *testing.T, ch <-chan trigger.Notification) trigger.Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "channel closed")
		return n
	case <-time.After(10 * time.Second):
		t.Fatal("no notification")
		return trigger.Notification{}
	}
}

func TestHub(t *testing.T) {
	t.Parallel()
	hub := trigger.NewHub()
	ctx, cancel := context.WithCancel(t.Context())

	a, err := hub.Notifications(ctx)
	require.NoError(t, err)
	b, err := hub.Notifications(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, hub.Len())

	n := trigger.Notification{Kind: trigger.RecordsInserted, SignalSetCID: "temperature"}
	require.NoError(t, hub.Publish(t.Context(), n))
	require.Equal(t, n, receive(t, a))
	require.Equal(t, n, receive(t, b))

	cancel()
	_, ok := <-a
	require.False(t, ok)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestHubPublishCanceled(t *testing.T) {
	t.Parallel()
	hub := trigger.NewHub()
	subCtx, unsubscribe := context.WithCancel(t.Context())
	defer unsubscribe()
	_, err := hub.Notifications(subCtx)
	require.NoError(t, err)

	// nobody reads, the buffer fills up
	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	n := trigger.Notification{Kind: trigger.RecordsInserted, SignalSetCID: "temperature"}
	for {
		if err = hub.Publish(ctx, n); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseName(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     trigger.Notification
		ok       bool
	}{
		{"inserted", "temperature.inserted", trigger.Notification{Kind: trigger.RecordsInserted, SignalSetCID: "temperature"}, true},
		{"reindexed", "a.b.reindexed", trigger.Notification{Kind: trigger.SignalSetReindexed, SignalSetCID: "a.b"}, true},
		{"no cid", ".inserted", trigger.Notification{}, false},
		{"hidden", ".temperature.inserted", trigger.Notification{}, false},
		{"temporary", "temperature.inserted.tmp", trigger.Notification{}, false},
		{"other", "README", trigger.Notification{}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			n, ok := trigger.ParseName(tc.given)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.then, n)
		})
	}
}

func TestDirSource(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "triggers")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "early.inserted"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	ctx, cancel := context.WithCancel(t.Context())
	ch, err := trigger.NewDirSource(dir).Notifications(ctx)
	require.NoError(t, err)

	require.Equal(t,
		trigger.Notification{Kind: trigger.RecordsInserted, SignalSetCID: "early"},
		receive(t, ch))

	tmp := filepath.Join(dir, ".humidity.tmp")
	require.NoError(t, os.WriteFile(tmp, nil, 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "humidity.reindexed")))
	require.Equal(t,
		trigger.Notification{Kind: trigger.SignalSetReindexed, SignalSetCID: "humidity"},
		receive(t, ch))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "humidity.reindexed"))
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
	require.FileExists(t, filepath.Join(dir, "notes.txt"))

	cancel()
	for range ch {
	}
}

func TestDrop(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "triggers")

	ctx, cancel := context.WithCancel(t.Context())
	ch, err := trigger.NewDirSource(dir).Notifications(ctx)
	require.NoError(t, err)

	n := trigger.Notification{Kind: trigger.RecordsInserted, SignalSetCID: "temperature"}
	require.NoError(t, trigger.Drop(dir, n))
	require.Equal(t, n, receive(t, ch))

	require.Error(t, trigger.Drop(dir, trigger.Notification{Kind: trigger.RecordsInserted}))
	require.Error(t, trigger.Drop(dir, trigger.Notification{Kind: "deleted", SignalSetCID: "x"}))
	require.Error(t, trigger.Drop(dir, trigger.Notification{Kind: trigger.RecordsInserted, SignalSetCID: "../x"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	cancel()
	for range ch {
	}
}

type recorder struct {
	mx   sync.Mutex
	cids []string
}

func (r *recorder) SignalSetChanged(_ context.Context, cid string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.cids = append(r.cids, cid)
	return nil
}

func (r *recorder) seen() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.cids...)
}

func TestCoordinator(t *testing.T) {
	t.Parallel()
	hub := trigger.NewHub()
	dir := t.TempDir()
	rec := &recorder{}
	coordinator := trigger.NewCoordinator(rec, hub, trigger.NewDirSource(dir))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- coordinator.Do(ctx)
	}()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	n := trigger.Notification{Kind: trigger.RecordsInserted, SignalSetCID: "temperature"}
	require.NoError(t, hub.Publish(t.Context(), n))
	require.NoError(t, hub.Publish(t.Context(), n))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pressure.inserted"), nil, 0o644))

	require.Eventually(t, func() bool { return len(rec.seen()) == 3 }, 5*time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{"temperature", "temperature", "pressure"}, rec.seen())

	cancel()
	require.NoError(t, <-done)
}
