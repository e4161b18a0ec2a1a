// Package commit serializes operation batches per project. Every batch
// for one project passes through a single worker goroutine, so commits
// observe strictly increasing versions and broadcasts leave in commit
// order. Batches for different projects run concurrently.
package commit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/storyloom/relay/pkg/access"
	"github.com/storyloom/relay/pkg/bus"
	"github.com/storyloom/relay/pkg/events"
	"github.com/storyloom/relay/pkg/graph"
	"github.com/storyloom/relay/pkg/metrics"
	"github.com/storyloom/relay/pkg/store"
)

var (
	// ErrAccessDenied means the user may not edit the project.
	ErrAccessDenied = errors.New("access denied")

	// ErrProjectBusy means the project's commit queue is at its depth
	// limit.
	ErrProjectBusy = errors.New("project queue full")

	// ErrStorageUnavailable means the commit kept hitting retryable
	// storage failures until the retry budget ran out.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Batch is one client submission: the operations to apply and the
// version the client last synced to.
type Batch struct {
	ProjectID       string
	Operations      []*graph.Operation
	LastSyncVersion int64
	DeviceID        string

	// SourceSocketID is excluded from the committed-operation broadcast.
	// The submitter learns the outcome from the direct reply instead.
	SourceSocketID string
}

// Result is the outcome of one batch. A stale batch yields a Result
// with Success false, not an error: the client rebases its conflicted
// operations onto ServerOperations and resubmits.
type Result struct {
	Success           bool
	SyncVersion       int64
	AppliedOperations []string
	Conflicts         []map[string]any
	ServerOperations  []map[string]any
}

// Broadcaster fans a committed operation out to the project room,
// skipping one socket.
type Broadcaster interface {
	EmitToProject(projectID string, env events.Envelope, excludeSocketID string)
}

// Options configures a Pipeline. Store, Gate and Metrics are required.
type Options struct {
	Store       store.Store
	Gate        *access.Gate
	Broadcaster Broadcaster

	// Stream, when set, receives every committed operation before the
	// local fan-out so replicas replay a single shared order.
	Stream bus.OperationStream

	Metrics *metrics.Metrics

	// MaxRetries bounds retries of retryable storage failures beyond
	// the first attempt. Zero disables retrying.
	MaxRetries int

	// InitialBackoff is the first retry delay; it doubles per retry.
	InitialBackoff time.Duration

	// MaxQueueDepth bounds each project's queue. Zero means unbounded.
	MaxQueueDepth int
}

// Pipeline owns the per-project commit queues.
type Pipeline struct {
	store       store.Store
	gate        *access.Gate
	broadcaster Broadcaster
	stream      bus.OperationStream
	metrics     *metrics.Metrics
	logger      *slog.Logger

	maxRetries     int
	initialBackoff time.Duration
	maxQueueDepth  int

	mu     sync.Mutex
	queues map[string]*projectQueue

	sleep func(ctx context.Context, d time.Duration) error
}

type projectQueue struct {
	tasks []*task
}

type task struct {
	ctx    context.Context
	userID string
	batch  Batch

	// Buffered so the worker's send never blocks when the submitter
	// already gave up waiting.
	result chan taskResult
}

type taskResult struct {
	res *Result
	err error
}

// NewPipeline builds a Pipeline from opts.
func NewPipeline(opts Options) *Pipeline {
	return &Pipeline{
		store:          opts.Store,
		gate:           opts.Gate,
		broadcaster:    opts.Broadcaster,
		stream:         opts.Stream,
		metrics:        opts.Metrics,
		logger:         slog.With("component", "commit"),
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		maxQueueDepth:  opts.MaxQueueDepth,
		queues:         make(map[string]*projectQueue),
		sleep:          sleepCtx,
	}
}

// ProcessBatch checks edit access, enqueues the batch onto its
// project's queue and blocks until the worker answers. Same-project
// batches commit in enqueue order.
func (p *Pipeline) ProcessBatch(ctx context.Context, userID string, batch Batch) (*Result, error) {
	if len(batch.Operations) == 0 {
		return nil, fmt.Errorf("batch has no operations")
	}
	if !p.gate.CanEdit(ctx, userID, batch.ProjectID) {
		return nil, ErrAccessDenied
	}

	t := &task{
		ctx:    ctx,
		userID: userID,
		batch:  batch,
		result: make(chan taskResult, 1),
	}
	if err := p.enqueue(batch.ProjectID, t); err != nil {
		return nil, err
	}

	select {
	case r := <-t.result:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue appends the task and spawns a worker when the project has
// none. The worker exits once the queue drains, dropping the map entry.
func (p *Pipeline) enqueue(projectID string, t *task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[projectID]
	if ok {
		if p.maxQueueDepth > 0 && len(q.tasks) >= p.maxQueueDepth {
			return ErrProjectBusy
		}
		q.tasks = append(q.tasks, t)
		p.metrics.QueuedBatches.Inc()
		return nil
	}

	p.queues[projectID] = &projectQueue{tasks: []*task{t}}
	p.metrics.QueuedBatches.Inc()
	go p.drain(projectID)
	return nil
}

func (p *Pipeline) drain(projectID string) {
	for {
		p.mu.Lock()
		q, ok := p.queues[projectID]
		if !ok || len(q.tasks) == 0 {
			delete(p.queues, projectID)
			p.mu.Unlock()
			return
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		p.mu.Unlock()

		p.metrics.QueuedBatches.Dec()
		p.run(t)
	}
}

// run answers exactly one task. A panic while applying or persisting is
// recovered and answered as an error so the worker loop keeps draining.
func (p *Pipeline) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered panic while committing batch",
				"project_id", t.batch.ProjectID,
				"user_id", t.userID,
				"panic", r)
			p.metrics.FailedBatches.Inc()
			t.result <- taskResult{err: fmt.Errorf("commit panicked: %v", r)}
		}
	}()

	if err := t.ctx.Err(); err != nil {
		t.result <- taskResult{err: err}
		return
	}
	res, err := p.commit(t.ctx, t.userID, t.batch)
	t.result <- taskResult{res: res, err: err}
}

func (p *Pipeline) commit(ctx context.Context, userID string, batch Batch) (*Result, error) {
	started := time.Now()
	log := p.logger.With(
		"project_id", batch.ProjectID,
		"user_id", userID,
		"operations", len(batch.Operations))

	snapshot, current, err := p.store.ProjectSnapshot(ctx, batch.ProjectID)
	if err != nil {
		log.Error("Failed to load project snapshot", "error", err)
		p.metrics.FailedBatches.Inc()
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	if batch.LastSyncVersion < current {
		return p.conflict(ctx, log, batch, current)
	}

	next := graph.ApplyAll(snapshot, batch.Operations)

	// One version per batch, however many operations it carries.
	newVersion := current + 1
	ops := make([]*graph.Operation, len(batch.Operations))
	for i, op := range batch.Operations {
		stamped := op.Clone()
		stamped.Version = newVersion
		stamped.UserID = userID
		if stamped.DeviceID == "" {
			stamped.DeviceID = batch.DeviceID
		}
		ops[i] = stamped
	}

	err = p.save(ctx, log, store.Commit{
		ProjectID:        batch.ProjectID,
		Snapshot:         next,
		Operations:       ops,
		Version:          newVersion,
		UserID:           userID,
		TouchedTimelines: touchedTimelines(ops),
	})
	if err != nil {
		p.metrics.FailedBatches.Inc()
		return nil, err
	}

	p.metrics.CommittedBatches.Inc()
	p.metrics.CommitDuration.Observe(time.Since(started).Seconds())

	p.publish(batch, ops, newVersion)

	applied := make([]string, len(ops))
	for i, op := range ops {
		applied[i] = op.ID
	}
	log.Info("Committed operation batch", "version", newVersion)
	return &Result{
		Success:           true,
		SyncVersion:       newVersion,
		AppliedOperations: applied,
	}, nil
}

// conflict answers a stale batch: the client's operations come back as
// conflicts together with everything committed since its last sync.
// Nothing is applied and the version does not move.
func (p *Pipeline) conflict(ctx context.Context, log *slog.Logger, batch Batch, current int64) (*Result, error) {
	serverOps, err := p.store.OperationsAfter(ctx, batch.ProjectID, batch.LastSyncVersion)
	if err != nil {
		log.Error("Failed to load operations for conflict reply", "error", err)
		p.metrics.FailedBatches.Inc()
		return nil, fmt.Errorf("loading server operations: %w", err)
	}

	p.metrics.ConflictedBatches.Inc()
	log.Info("Rejected stale batch",
		"client_version", batch.LastSyncVersion,
		"server_version", current)
	return &Result{
		Success:          false,
		SyncVersion:      current,
		Conflicts:        operationMaps(batch.Operations),
		ServerOperations: operationMaps(serverOps),
	}, nil
}

// save persists the commit, retrying retryable storage failures with
// doubling backoff until the retry budget runs out.
func (p *Pipeline) save(ctx context.Context, log *slog.Logger, c store.Commit) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = p.store.SaveCommit(ctx, c)
		if err == nil {
			return nil
		}
		if !store.IsRetryable(err) || attempt >= p.maxRetries {
			break
		}
		p.metrics.CommitRetries.Inc()
		delay := p.backoff(attempt + 1)
		log.Warn("Retrying commit after retryable storage failure",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)
		if serr := p.sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	if store.IsRetryable(err) {
		log.Error("Commit failed after exhausting retries",
			"retries", p.maxRetries,
			"error", err)
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	log.Error("Failed to persist commit", "error", err)
	return fmt.Errorf("saving commit: %w", err)
}

// backoff returns the delay before retry n (counted from 1).
// Range: [base, base*1.5) with base = initial * 2^(n-1).
func (p *Pipeline) backoff(n int) time.Duration {
	d := p.initialBackoff << (n - 1)
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d/2)+1))
}

// publish broadcasts each committed operation to the project room,
// excluding the submitting socket. With a shared stream configured the
// operation is appended there first so replicas replay the same order.
// The commit is already durable at this point, so publication keeps
// going even when the submitter's context is gone.
func (p *Pipeline) publish(batch Batch, ops []*graph.Operation, version int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, op := range ops {
		env := events.NewEnvelope(events.EventOperationBroadcast, batch.ProjectID, op.UserID, map[string]any{
			"operation":   op,
			"syncVersion": version,
		})
		if p.stream != nil {
			if _, err := p.stream.Append(ctx, batch.ProjectID, env); err != nil {
				p.logger.Warn("Failed to append committed operation to shared stream",
					"project_id", batch.ProjectID,
					"operation_id", op.ID,
					"error", err)
			}
		}
		if p.broadcaster != nil {
			p.broadcaster.EmitToProject(batch.ProjectID, env, batch.SourceSocketID)
		}
	}
}

// touchedTimelines lists the distinct timelines the batch names
// explicitly. Any operation without a timeline id (the interpreter
// resolves those against the active timeline) and any
// timeline-structure operation forces nil, which makes the store
// refresh every timeline row.
func touchedTimelines(ops []*graph.Operation) []string {
	seen := make(map[string]bool)
	var out []string
	for _, op := range ops {
		switch op.Type {
		case graph.OpTimelineCreated, graph.OpTimelineRenamed, graph.OpTimelineDeleted, graph.OpTimelineDuplicated:
			return nil
		}
		if op.TimelineID == "" {
			return nil
		}
		if !seen[op.TimelineID] {
			seen[op.TimelineID] = true
			out = append(out, op.TimelineID)
		}
	}
	return out
}

// operationMaps converts operations to their wire form.
func operationMaps(ops []*graph.Operation) []map[string]any {
	out := make([]map[string]any, 0, len(ops))
	for _, op := range ops {
		raw, err := json.Marshal(op)
		if err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
