package commit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/relay/pkg/access"
	"github.com/storyloom/relay/pkg/bus"
	"github.com/storyloom/relay/pkg/events"
	"github.com/storyloom/relay/pkg/graph"
	"github.com/storyloom/relay/pkg/metrics"
	"github.com/storyloom/relay/pkg/store"
)

type recordedEmit struct {
	projectID string
	env       events.Envelope
	exclude   string
}

// recorder captures EmitToProject calls in order.
type recorder struct {
	mu    sync.Mutex
	emits []recordedEmit
}

func (r *recorder) EmitToProject(projectID string, env events.Envelope, excludeSocketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emits = append(r.emits, recordedEmit{projectID: projectID, env: env, exclude: excludeSocketID})
}

func (r *recorder) all() []recordedEmit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEmit(nil), r.emits...)
}

func newTestPipeline(t *testing.T, st store.Store) (*Pipeline, *recorder, *metrics.Metrics) {
	t.Helper()
	rec := &recorder{}
	m := metrics.New(prometheus.NewRegistry())
	p := NewPipeline(Options{
		Store:          st,
		Gate:           access.NewGate(st),
		Broadcaster:    rec,
		Stream:         bus.NewLocalStream(),
		Metrics:        m,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
	})
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p, rec, m
}

func op(id, opType, timelineID string) *graph.Operation {
	return &graph.Operation{
		ID:         id,
		Type:       opType,
		TimelineID: timelineID,
		LayerID:    graph.RootLayerID,
		Payload: map[string]any{
			"node": map[string]any{"id": "n-" + id, "type": "dialogue"},
		},
		Timestamp: 1700000000000,
	}
}

func TestProcessBatchCommitsAndBroadcasts(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("p1", "u1")
	p, rec, m := newTestPipeline(t, mem)
	ctx := context.Background()

	res, err := p.ProcessBatch(ctx, "u1", Batch{
		ProjectID:       "p1",
		Operations:      []*graph.Operation{op("op-1", graph.OpCreateNode, "tl-1"), op("op-2", graph.OpCreateNode, "tl-1")},
		LastSyncVersion: 0,
		DeviceID:        "dev-1",
		SourceSocketID:  "sock-1",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), res.SyncVersion)
	assert.Equal(t, []string{"op-1", "op-2"}, res.AppliedOperations)
	assert.Empty(t, res.Conflicts)

	version, err := mem.ProjectVersion(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	logged, err := mem.OperationsAfter(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	for _, lop := range logged {
		assert.Equal(t, int64(1), lop.Version)
		assert.Equal(t, "u1", lop.UserID)
		assert.Equal(t, "dev-1", lop.DeviceID)
	}

	emits := rec.all()
	require.Len(t, emits, 2)
	for i, e := range emits {
		assert.Equal(t, "p1", e.projectID)
		assert.Equal(t, events.EventOperationBroadcast, e.env.Type)
		assert.Equal(t, "sock-1", e.exclude)
		assert.EqualValues(t, 1, e.env.Payload["syncVersion"])
		broadcast, ok := e.env.Payload["operation"].(*graph.Operation)
		require.True(t, ok)
		assert.Equal(t, res.AppliedOperations[i], broadcast.ID)
	}

	entries, err := p.stream.After(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, events.EventOperationBroadcast, entries[0].Envelope.Type)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CommittedBatches))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.QueuedBatches))
}

func TestProcessBatchKeepsExplicitDeviceID(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("p1", "u1")
	p, _, _ := newTestPipeline(t, mem)
	ctx := context.Background()

	stamped := op("op-1", graph.OpCreateNode, "tl-1")
	stamped.DeviceID = "tablet"
	_, err := p.ProcessBatch(ctx, "u1", Batch{
		ProjectID:  "p1",
		Operations: []*graph.Operation{stamped},
		DeviceID:   "dev-1",
	})
	require.NoError(t, err)

	logged, err := mem.OperationsAfter(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, "tablet", logged[0].DeviceID)
}

func TestProcessBatchDeniesNonEditors(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("p1", "u1")
	p, rec, _ := newTestPipeline(t, mem)

	res, err := p.ProcessBatch(context.Background(), "u2", Batch{
		ProjectID:  "p1",
		Operations: []*graph.Operation{op("op-1", graph.OpCreateNode, "tl-1")},
	})
	require.ErrorIs(t, err, ErrAccessDenied)
	assert.Nil(t, res)
	assert.Empty(t, rec.all())
}

func TestProcessBatchRejectsEmptyBatch(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("p1", "u1")
	p, _, _ := newTestPipeline(t, mem)

	res, err := p.ProcessBatch(context.Background(), "u1", Batch{ProjectID: "p1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAccessDenied)
	assert.Nil(t, res)
}

func TestProcessBatchVersionGate(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("p1", "u1")
	p, rec, m := newTestPipeline(t, mem)
	ctx := context.Background()

	first, err := p.ProcessBatch(ctx, "u1", Batch{
		ProjectID:       "p1",
		Operations:      []*graph.Operation{op("op-1", graph.OpCreateNode, "tl-1")},
		LastSyncVersion: 0,
	})
	require.NoError(t, err)
	require.True(t, first.Success)

	stale, err := p.ProcessBatch(ctx, "u2b", Batch{
		ProjectID:       "p1",
		Operations:      []*graph.Operation{op("op-9", graph.OpCreateNode, "tl-1")},
		LastSyncVersion: 0,
		SourceSocketID:  "sock-2",
	})
	require.NoError(t, err, "a stale batch is a result, not an error")
	require.NotNil(t, stale)
	assert.False(t, stale.Success)
	assert.Equal(t, int64(1), stale.SyncVersion)

	require.Len(t, stale.Conflicts, 1)
	assert.Equal(t, "op-9", stale.Conflicts[0]["id"])

	require.Len(t, stale.ServerOperations, 1)
	assert.Equal(t, "op-1", stale.ServerOperations[0]["id"])
	assert.EqualValues(t, 1, stale.ServerOperations[0]["version"])

	version, err := mem.ProjectVersion(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version, "stale batches never bump the version")

	logged, err := mem.OperationsAfter(ctx, "p1", 0)
	require.NoError(t, err)
	assert.Len(t, logged, 1, "stale operations are not logged")

	assert.Len(t, rec.all(), 1, "stale batches broadcast nothing")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConflictedBatches))
}

func TestProcessBatchEqualVersionPassesGate(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("p1", "u1")
	p, _, _ := newTestPipeline(t, mem)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := p.ProcessBatch(ctx, "u1", Batch{
			ProjectID:       "p1",
			Operations:      []*graph.Operation{op("op-"+string(rune('a'+i)), graph.OpCreateNode, "tl-1")},
			LastSyncVersion: int64(i),
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, int64(i+1), res.SyncVersion)
	}
}

func TestProcessBatchRetriesRetryableFailures(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("p1", "u1")
	p, _, m := newTestPipeline(t, mem)

	var delays []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	mem.FailNextSave(&store.RetryableError{Err: errors.New("serialization conflict")})
	mem.FailNextSave(&store.RetryableError{Err: errors.New("serialization conflict")})

	res, err := p.ProcessBatch(context.Background(), "u1", Batch{
		ProjectID:  "p1",
		Operations: []*graph.Operation{op("op-1", graph.OpCreateNode, "tl-1")},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[0], time.Millisecond)
	assert.Less(t, delays[0], 2*time.Millisecond)
	assert.GreaterOrEqual(t, delays[1], 2*time.Millisecond)
	assert.Less(t, delays[1], 4*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.CommitRetries))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CommittedBatches))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.FailedBatches))
}

func TestProcessBatchExhaustsRetries(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("p1", "u1")
	p, rec, m := newTestPipeline(t, mem)
	p.maxRetries = 2
	for i := 0; i < 3; i++ {
		mem.FailNextSave(&store.RetryableError{Err: errors.New("deadlock detected")})
	}

	res, err := p.ProcessBatch(context.Background(), "u1", Batch{
		ProjectID:  "p1",
		Operations: []*graph.Operation{op("op-1", graph.OpCreateNode, "tl-1")},
	})
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Nil(t, res)

	version, verr := mem.ProjectVersion(context.Background(), "p1")
	require.NoError(t, verr)
	assert.Equal(t, int64(0), version)
	assert.Empty(t, rec.all())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CommitRetries))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FailedBatches))
}

func TestProcessBatchDoesNotRetryFatalFailures(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("p1", "u1")
	p, _, m := newTestPipeline(t, mem)
	mem.FailNextSave(errors.New("column does not exist"))

	_, err := p.ProcessBatch(context.Background(), "u1", Batch{
		ProjectID:  "p1",
		Operations: []*graph.Operation{op("op-1", graph.OpCreateNode, "tl-1")},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.CommitRetries))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FailedBatches))
}

// Tasks are enqueued directly so their order is fixed before any result
// is read. Batch n carries LastSyncVersion n, so every batch passes the
// version gate only when the queue commits in enqueue order.
func TestProcessBatchCommitsInEnqueueOrder(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("p1", "u1")
	p, _, m := newTestPipeline(t, mem)
	ctx := context.Background()

	const n = 5
	tasks := make([]*task, n)
	for i := 0; i < n; i++ {
		tasks[i] = &task{
			ctx:    ctx,
			userID: "u1",
			batch: Batch{
				ProjectID:       "p1",
				Operations:      []*graph.Operation{op("op-"+string(rune('a'+i)), graph.OpCreateNode, "tl-1")},
				LastSyncVersion: int64(i),
			},
			result: make(chan taskResult, 1),
		}
		require.NoError(t, p.enqueue("p1", tasks[i]))
	}

	for i, tk := range tasks {
		select {
		case r := <-tk.result:
			require.NoError(t, r.err)
			require.True(t, r.res.Success, "batch %d must commit in order", i)
			assert.Equal(t, int64(i+1), r.res.SyncVersion)
		case <-time.After(2 * time.Second):
			t.Fatalf("batch %d never answered", i)
		}
	}

	version, err := mem.ProjectVersion(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), version)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.QueuedBatches))
}

// blockingStore parks SaveCommit for one project until released, and
// reports when the worker has entered it.
type blockingStore struct {
	*store.Memory
	projectID string
	entered   chan struct{}
	release   chan struct{}
}

func (b *blockingStore) SaveCommit(ctx context.Context, c store.Commit) error {
	if c.ProjectID == b.projectID {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.Memory.SaveCommit(ctx, c)
}

func TestProcessBatchRunsProjectsConcurrently(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("pa", "u1")
	mem.SetCreator("pb", "u1")
	st := &blockingStore{
		Memory:    mem,
		projectID: "pa",
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	p, _, _ := newTestPipeline(t, st)
	ctx := context.Background()

	aDone := make(chan error, 1)
	go func() {
		_, err := p.ProcessBatch(ctx, "u1", Batch{
			ProjectID:  "pa",
			Operations: []*graph.Operation{op("op-a", graph.OpCreateNode, "tl-1")},
		})
		aDone <- err
	}()

	select {
	case <-st.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("project pa never reached SaveCommit")
	}

	bDone := make(chan error, 1)
	go func() {
		_, err := p.ProcessBatch(ctx, "u1", Batch{
			ProjectID:  "pb",
			Operations: []*graph.Operation{op("op-b", graph.OpCreateNode, "tl-1")},
		})
		bDone <- err
	}()

	select {
	case err := <-bDone:
		require.NoError(t, err, "pb must commit while pa is still writing")
	case <-time.After(2 * time.Second):
		t.Fatal("project pb was blocked behind pa")
	}

	close(st.release)
	select {
	case err := <-aDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("project pa never finished")
	}
}

func TestProcessBatchQueueDepthLimit(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("p1", "u1")
	st := &blockingStore{
		Memory:    mem,
		projectID: "p1",
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	p, _, _ := newTestPipeline(t, st)
	p.maxQueueDepth = 1
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := p.ProcessBatch(ctx, "u1", Batch{
			ProjectID:       "p1",
			Operations:      []*graph.Operation{op("op-1", graph.OpCreateNode, "tl-1")},
			LastSyncVersion: 0,
		})
		firstDone <- err
	}()
	select {
	case <-st.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first batch never reached SaveCommit")
	}

	// The worker is parked, so this one waits in the queue.
	queued := &task{
		ctx:    ctx,
		userID: "u1",
		batch: Batch{
			ProjectID:       "p1",
			Operations:      []*graph.Operation{op("op-2", graph.OpCreateNode, "tl-1")},
			LastSyncVersion: 1,
		},
		result: make(chan taskResult, 1),
	}
	require.NoError(t, p.enqueue("p1", queued))

	_, err := p.ProcessBatch(ctx, "u1", Batch{
		ProjectID:       "p1",
		Operations:      []*graph.Operation{op("op-3", graph.OpCreateNode, "tl-1")},
		LastSyncVersion: 1,
	})
	require.ErrorIs(t, err, ErrProjectBusy)

	close(st.release)
	require.NoError(t, <-firstDone)
	select {
	case r := <-queued.result:
		require.NoError(t, r.err)
		assert.True(t, r.res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("queued batch never answered")
	}
}

// panicStore panics on the first snapshot load, then behaves.
type panicStore struct {
	*store.Memory
	once sync.Once
}

func (s *panicStore) ProjectSnapshot(ctx context.Context, projectID string) (*graph.Snapshot, int64, error) {
	var boom bool
	s.once.Do(func() { boom = true })
	if boom {
		panic("interpreter bug")
	}
	return s.Memory.ProjectSnapshot(ctx, projectID)
}

func TestProcessBatchRecoversPanicWithoutWedgingQueue(t *testing.T) {
	mem := store.NewMemory()
	mem.SetCreator("p1", "u1")
	st := &panicStore{Memory: mem}
	p, _, m := newTestPipeline(t, st)
	ctx := context.Background()

	_, err := p.ProcessBatch(ctx, "u1", Batch{
		ProjectID:  "p1",
		Operations: []*graph.Operation{op("op-1", graph.OpCreateNode, "tl-1")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FailedBatches))

	res, err := p.ProcessBatch(ctx, "u1", Batch{
		ProjectID:  "p1",
		Operations: []*graph.Operation{op("op-2", graph.OpCreateNode, "tl-1")},
	})
	require.NoError(t, err, "the queue keeps draining after a panic")
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), res.SyncVersion)
}

func TestTouchedTimelines(t *testing.T) {
	tests := []struct {
		name string
		ops  []*graph.Operation
		want []string
	}{
		{
			name: "distinct explicit timelines",
			ops: []*graph.Operation{
				op("a", graph.OpCreateNode, "tl-1"),
				op("b", graph.OpUpdateNode, "tl-2"),
				op("c", graph.OpDeleteNode, "tl-1"),
			},
			want: []string{"tl-1", "tl-2"},
		},
		{
			name: "missing timeline id forces full refresh",
			ops: []*graph.Operation{
				op("a", graph.OpCreateNode, "tl-1"),
				op("b", graph.OpCreateNode, ""),
			},
			want: nil,
		},
		{
			name: "timeline structure ops force full refresh",
			ops: []*graph.Operation{
				op("a", graph.OpTimelineDuplicated, "tl-1"),
			},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, touchedTimelines(tt.ops))
		})
	}
}

func TestOperationMapsRoundTripsWireFields(t *testing.T) {
	o := op("op-1", graph.OpCreateNode, "tl-1")
	o.Version = 3
	o.UserID = "u1"

	maps := operationMaps([]*graph.Operation{o})
	require.Len(t, maps, 1)
	assert.Equal(t, "op-1", maps[0]["id"])
	assert.Equal(t, graph.OpCreateNode, maps[0]["type"])
	assert.Equal(t, "tl-1", maps[0]["timelineId"])
	assert.EqualValues(t, 3, maps[0]["version"])
	assert.Equal(t, "u1", maps[0]["userId"])
}
