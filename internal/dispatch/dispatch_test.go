package dispatch

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightdeckci/flightdeck/internal/events"
	"github.com/flightdeckci/flightdeck/internal/metrics"
	"github.com/flightdeckci/flightdeck/internal/store"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	events []events.BuildEvent
}

func (p *capturePublisher) Publish(ev events.BuildEvent) { p.events = append(p.events, ev) }
func (p *capturePublisher) Close()                       {}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	d := New(st, nil, metrics.NoopRecorder{}, slog.New(slog.DiscardHandler), 10*time.Minute)
	return d, st
}

func submitBuild(t *testing.T, st *store.Store, d *Dispatcher, id string, at time.Time) {
	t.Helper()
	require.NoError(t, st.InsertBuild(context.Background(), nil, &store.Build{
		ID:          id,
		Platform:    store.PlatformIOS,
		Status:      store.StatusPending,
		SourcePath:  "source/" + id + ".zip",
		AccessToken: "token-" + id,
		SubmittedAt: at,
	}))
	d.Enqueue(id)
}

func registerWorker(t *testing.T, st *store.Store, id string, at time.Time) {
	t.Helper()
	require.NoError(t, st.InsertWorker(context.Background(), nil, &store.Worker{
		ID:          id,
		Name:        "mac-" + id,
		DisplayName: "builder-" + id,
		Status:      store.WorkerIdle,
		AccessToken: "worker-token-" + id,
		FirstSeenAt: at,
		LastSeenAt:  at,
	}))
}

func TestPollDispatchesInOrder(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	now := time.Now()

	submitBuild(t, st, d, "b1", now)
	submitBuild(t, st, d, "b2", now.Add(time.Second))
	registerWorker(t, st, "w1", now)
	registerWorker(t, st, "w2", now)
	assert.Equal(t, 2, d.Depth())

	a1, err := d.Poll(ctx, "w1", now.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, a1)
	assert.Equal(t, "b1", a1.Build.ID)
	assert.NotEmpty(t, a1.WorkerToken)
	assert.NotEmpty(t, a1.Build.OTP)
	assert.Equal(t, 1, d.Depth())

	// The rotated token is live in the store.
	w, err := st.GetWorker(ctx, nil, "w1")
	require.NoError(t, err)
	assert.Equal(t, a1.WorkerToken, w.AccessToken)

	a2, err := d.Poll(ctx, "w2", now.Add(3*time.Second))
	require.NoError(t, err)
	require.NotNil(t, a2)
	assert.Equal(t, "b2", a2.Build.ID)
	assert.NotEqual(t, a1.Build.OTP, a2.Build.OTP)
	assert.Equal(t, 0, d.Depth())

	// Queue drained.
	a3, err := d.Poll(ctx, "w2", now.Add(4*time.Second))
	require.NoError(t, err)
	assert.Nil(t, a3)
}

func TestPollBusyWorkerGetsNothing(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	now := time.Now()

	submitBuild(t, st, d, "b1", now)
	submitBuild(t, st, d, "b2", now.Add(time.Second))
	registerWorker(t, st, "w1", now)

	a, err := d.Poll(ctx, "w1", now)
	require.NoError(t, err)
	require.NotNil(t, a)

	a, err = d.Poll(ctx, "w1", now.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.Equal(t, 1, d.Depth())
}

func TestRestoreRebuildsHint(t *testing.T) {
	d, st := newTestDispatcher(t)
	ctx := context.Background()
	now := time.Now()

	// Rows exist but the hint was never told (simulates a restart).
	require.NoError(t, st.InsertBuild(ctx, nil, &store.Build{
		ID: "survivor", Platform: store.PlatformAndroid, Status: store.StatusPending,
		SourcePath: "source/survivor.zip", AccessToken: "tok", SubmittedAt: now,
	}))
	assert.Equal(t, 0, d.Depth())

	require.NoError(t, d.Restore(ctx))
	assert.Equal(t, 1, d.Depth())

	select {
	case <-d.Wakeup():
	default:
		t.Fatal("expected a wakeup signal after restore")
	}
}

func TestEnqueueSignalsWakeup(t *testing.T) {
	d, st := newTestDispatcher(t)
	now := time.Now()

	submitBuild(t, st, d, "b1", now)
	select {
	case <-d.Wakeup():
	default:
		t.Fatal("expected a wakeup signal after enqueue")
	}

	// Signals coalesce instead of blocking the enqueuer.
	submitBuild(t, st, d, "b2", now)
	submitBuild(t, st, d, "b3", now)
	select {
	case <-d.Wakeup():
	default:
		t.Fatal("expected a coalesced wakeup signal")
	}
}

func TestPollPublishesAssignedEvent(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pub := &capturePublisher{}
	d := New(st, pub, metrics.NoopRecorder{}, slog.New(slog.DiscardHandler), 10*time.Minute)
	now := time.Now()

	submitBuild(t, st, d, "b1", now)
	registerWorker(t, st, "w1", now)

	a, err := d.Poll(context.Background(), "w1", now)
	require.NoError(t, err)
	require.NotNil(t, a)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, events.TypeAssigned, ev.Type)
	assert.Equal(t, "b1", ev.BuildID)
	assert.Equal(t, "w1", ev.WorkerID)
	assert.Equal(t, store.StatusAssigned, ev.Status)

	// An empty poll publishes nothing.
	registerWorker(t, st, "w2", now)
	a, err = d.Poll(context.Background(), "w2", now)
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.Len(t, pub.events, 1)
}

func TestForgetDropsHint(t *testing.T) {
	d, st := newTestDispatcher(t)
	now := time.Now()

	submitBuild(t, st, d, "b1", now)
	require.Equal(t, 1, d.Depth())

	d.Forget("b1")
	assert.Equal(t, 0, d.Depth())

	// Never goes negative.
	d.Forget("b1")
	assert.Equal(t, 0, d.Depth())
}
