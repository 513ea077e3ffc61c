package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/cache"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/queue"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/remote"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/synchronizer"
)

// gatedRemote blocks every call until the test releases it, then answers with err.
type gatedRemote struct {
	mu      sync.Mutex
	gate    chan struct{}
	err     error
	calls   []string
	started chan string
}

func newGatedRemote() *gatedRemote {
	return &gatedRemote{gate: make(chan struct{}), started: make(chan string, 16)}
}

func (r *gatedRemote) record(ctx context.Context, call string) error {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	r.started <- call
	select {
	case <-r.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *gatedRemote) release(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.gate)
}

func (r *gatedRemote) Create(ctx context.Context, entity string, _ map[string]any, _ queue.Origin) (remote.CreateResult, error) {
	if err := r.record(ctx, "CREATE "+entity); err != nil {
		return remote.CreateResult{}, err
	}
	return remote.CreateResult{ID: "12"}, nil
}

func (r *gatedRemote) Update(ctx context.Context, entity, targetKey string, _ map[string]any, _ queue.Origin) error {
	return r.record(ctx, "UPDATE "+entity+" "+targetKey)
}

func (r *gatedRemote) Delete(ctx context.Context, entity, targetKey string, _ queue.Origin) error {
	return r.record(ctx, "DELETE "+entity+" "+targetKey)
}

type recordingRefresher struct {
	mu       sync.Mutex
	entities []string
	done     chan struct{}
}

func (r *recordingRefresher) Refresh(_ context.Context, entity string) error {
	r.mu.Lock()
	r.entities = append(r.entities, entity)
	r.mu.Unlock()
	close(r.done)
	return nil
}

type manualTimers struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.pending = append(m.pending, f)
}

func (m *manualTimers) fire() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, f := range pending {
		f()
	}
}

type fixture struct {
	executor  *Executor
	cache     *cache.Cache
	store     *queue.MemoryStore
	remote    *gatedRemote
	refresher *recordingRefresher
	timers    *manualTimers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	localCache := cache.New(cache.Config{})
	store := queue.NewMemoryStore(queue.MemoryStoreConfig{})
	gated := newGatedRemote()
	refresher := &recordingRefresher{done: make(chan struct{})}
	timers := &manualTimers{}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	executor, err := New(Config{
		Cache:       localCache,
		Store:       store,
		Remote:      gated,
		Refresher:   refresher,
		AfterFunc:   timers.AfterFunc,
		BaseContext: ctx,
	})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	return &fixture{executor: executor, cache: localCache, store: store, remote: gated, refresher: refresher, timers: timers}
}

func (f *fixture) queued(t *testing.T) []queue.PendingOperation {
	t.Helper()
	operations, err := f.store.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	return operations
}

func waitTask(t *testing.T, task *Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := task.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timed out waiting for background call")
	}
	return err
}

func TestCreateIsVisibleBeforeRemoteResolves(t *testing.T) {
	f := newFixture(t)

	task, err := f.executor.Execute(context.Background(), Mutation{
		Type:    queue.OperationCreate,
		Entity:  "students",
		Payload: map[string]any{"name": "A"},
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	<-f.remote.started

	records := f.cache.Get("students")
	if len(records) != 1 || !records[0].Optimistic || records[0].Fields["name"] != "A" {
		t.Fatalf("expected optimistic record while the call is pending, got %+v", records)
	}
	if records[0].RowKey != task.TemporaryKey() {
		t.Fatalf("expected temporary key %q, got %q", task.TemporaryKey(), records[0].RowKey)
	}
	if !f.executor.InFlight(task.Operation().ID) {
		t.Fatalf("expected the operation to be in flight")
	}

	f.remote.release(nil)
	if err := waitTask(t, task); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if remaining := f.queued(t); len(remaining) != 0 {
		t.Fatalf("expected confirmed create to be dequeued, got %+v", remaining)
	}
	if records := f.cache.Get("students"); len(records) != 1 {
		t.Fatalf("expected the record to remain until the next refresh, got %+v", records)
	}
	if f.executor.InFlight(task.Operation().ID) {
		t.Fatalf("expected the operation to leave the in-flight set")
	}
}

func TestSuccessSchedulesDelayedRefresh(t *testing.T) {
	f := newFixture(t)

	task, err := f.executor.Execute(context.Background(), Mutation{
		Type:      queue.OperationUpdate,
		Entity:    "payments",
		Payload:   map[string]any{"amount": 500},
		TargetKey: "7",
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	f.remote.release(nil)
	if err := waitTask(t, task); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	f.timers.mu.Lock()
	delays := append([]time.Duration(nil), f.timers.delays...)
	f.timers.mu.Unlock()
	if len(delays) != 1 || delays[0] != defaultRefreshDelay {
		t.Fatalf("expected one refresh scheduled after %s, got %v", defaultRefreshDelay, delays)
	}
	f.timers.fire()
	<-f.refresher.done
	if len(f.refresher.entities) != 1 || f.refresher.entities[0] != "payments" {
		t.Fatalf("expected payments refresh, got %v", f.refresher.entities)
	}
}

func TestFailedCreateRollsBackButStaysQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.cache.Replace(ctx, "students", []cache.Record{{RowKey: "2", Fields: map[string]any{"name": "B"}}}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	task, err := f.executor.Execute(ctx, Mutation{Type: queue.OperationCreate, Entity: "students", Payload: map[string]any{"name": "A"}})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	<-f.remote.started

	// A concurrent update lands while the create is on the wire; rollback must keep it.
	if err := f.cache.ApplyOptimistic(ctx, "students", mergeRecord("2", map[string]any{"name": "B2"})); err != nil {
		t.Fatalf("concurrent apply failed: %v", err)
	}

	networkErr := &remote.RequestError{Kind: remote.KindNetwork, Err: errors.New("connection refused")}
	f.remote.release(networkErr)
	if err := waitTask(t, task); !errors.As(err, new(*remote.RequestError)) {
		t.Fatalf("expected the remote failure on the task, got %v", err)
	}

	records := f.cache.Get("students")
	if len(records) != 1 || records[0].RowKey != "2" || records[0].Fields["name"] != "B2" {
		t.Fatalf("expected only the optimistic row to be rolled back, got %+v", records)
	}
	operations := f.queued(t)
	if len(operations) != 1 || operations[0].ID != task.Operation().ID || operations[0].RetryCount != 0 {
		t.Fatalf("expected the create to stay queued untouched, got %+v", operations)
	}
	if len(f.timers.delays) != 0 {
		t.Fatalf("expected no refresh after a failure")
	}
}

func TestFailedUpdateKeepsOptimisticState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.cache.Replace(ctx, "payments", []cache.Record{{RowKey: "7", Fields: map[string]any{"amount": 100}}}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	task, err := f.executor.Execute(ctx, Mutation{
		Type:      queue.OperationUpdate,
		Entity:    "payments",
		Payload:   map[string]any{"amount": 500},
		TargetKey: "7",
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	f.remote.release(&remote.RequestError{Kind: remote.KindRejected, StatusCode: 500})
	if err := waitTask(t, task); err == nil {
		t.Fatalf("expected failure on the task")
	}

	records := f.cache.Get("payments")
	if len(records) != 1 || records[0].Fields["amount"] != 500 || !records[0].Optimistic {
		t.Fatalf("expected optimistic update to stay visible, got %+v", records)
	}
	if operations := f.queued(t); len(operations) != 1 {
		t.Fatalf("expected update to stay queued, got %+v", operations)
	}
}

func TestDeleteRemovesRowOptimistically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.cache.Replace(ctx, "families", []cache.Record{
		{RowKey: "3", Fields: map[string]any{"name": "X"}},
		{RowKey: "4", Fields: map[string]any{"name": "Y"}},
	}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	if _, err := f.executor.Execute(ctx, Mutation{Type: queue.OperationDelete, Entity: "families", TargetKey: "3"}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	records := f.cache.Get("families")
	if len(records) != 1 || records[0].RowKey != "4" {
		t.Fatalf("expected row 3 to disappear immediately, got %+v", records)
	}
	if call := <-f.remote.started; call != "DELETE families 3" {
		t.Fatalf("unexpected remote call %q", call)
	}
}

func TestExecuteRejectsInvalidMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, mutation := range []Mutation{
		{Type: "UPSERT", Entity: "students"},
		{Type: queue.OperationCreate},
		{Type: queue.OperationUpdate, Entity: "students", Payload: map[string]any{"name": "A"}},
		{Type: queue.OperationDelete, Entity: "students"},
	} {
		if _, err := f.executor.Execute(ctx, mutation); !errors.Is(err, ErrInvalidMutation) {
			t.Fatalf("expected ErrInvalidMutation for %+v, got %v", mutation, err)
		}
	}
	if operations := f.queued(t); len(operations) != 0 {
		t.Fatalf("expected invalid mutations to leave the queue empty, got %+v", operations)
	}
}

func TestWaitIdleBlocksUntilCallsSettle(t *testing.T) {
	f := newFixture(t)
	if _, err := f.executor.Execute(context.Background(), Mutation{Type: queue.OperationDelete, Entity: "students", TargetKey: "9"}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	<-f.remote.started

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.executor.WaitIdle(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected WaitIdle to block while a call is running, got %v", err)
	}

	f.remote.release(nil)
	ctx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	if err := f.executor.WaitIdle(ctx); err != nil {
		t.Fatalf("expected WaitIdle to return once idle, got %v", err)
	}
}

type failingStore struct {
	*queue.MemoryStore
}

func (failingStore) Append(context.Context, queue.Draft) (queue.PendingOperation, error) {
	return queue.PendingOperation{}, errors.New("disk full")
}

func TestStorageFailureIsReturnedAndNothingIsApplied(t *testing.T) {
	localCache := cache.New(cache.Config{})
	executor, err := New(Config{
		Cache:  localCache,
		Store:  failingStore{queue.NewMemoryStore(queue.MemoryStoreConfig{})},
		Remote: newGatedRemote(),
	})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	if _, err := executor.Execute(context.Background(), Mutation{Type: queue.OperationCreate, Entity: "students", Payload: map[string]any{"name": "A"}}); err == nil {
		t.Fatalf("expected the storage failure to be returned")
	}
	if records := localCache.Get("students"); len(records) != 0 {
		t.Fatalf("expected no optimistic state without a durable operation, got %+v", records)
	}
}

// pausingPersister holds the first snapshot write until released.
type pausingPersister struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newPausingPersister() *pausingPersister {
	return &pausingPersister{entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *pausingPersister) SaveCollection(context.Context, string, []cache.Record) error {
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.entered)
		<-p.release
	}
	return nil
}

func (p *pausingPersister) LoadCollections(context.Context) (map[string][]cache.Record, error) {
	return nil, nil
}

type failingPersister struct {
	err error
}

func (p failingPersister) SaveCollection(context.Context, string, []cache.Record) error {
	return p.err
}

func (p failingPersister) LoadCollections(context.Context) (map[string][]cache.Record, error) {
	return nil, nil
}

func TestSyncDuringOptimisticWriteDoesNotSendTwice(t *testing.T) {
	persister := newPausingPersister()
	localCache := cache.New(cache.Config{Persister: persister})
	store := queue.NewMemoryStore(queue.MemoryStoreConfig{})
	gated := newGatedRemote()
	gated.release(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor, err := New(Config{Cache: localCache, Store: store, Remote: gated, BaseContext: ctx})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	drainer, err := synchronizer.New(synchronizer.Config{Store: store, Remote: gated, InFlight: executor})
	if err != nil {
		t.Fatalf("failed to build synchronizer: %v", err)
	}

	tasks := make(chan *Task, 1)
	go func() {
		task, err := executor.Execute(ctx, Mutation{Type: queue.OperationCreate, Entity: "students", Payload: map[string]any{"name": "A"}})
		if err != nil {
			t.Errorf("execute failed: %v", err)
		}
		tasks <- task
	}()
	<-persister.entered

	operations, err := store.List(ctx)
	if err != nil || len(operations) != 1 {
		t.Fatalf("expected the operation to be queued during the cache write, got %v, %v", operations, err)
	}
	if !executor.InFlight(operations[0].ID) {
		t.Fatalf("expected the operation to be tracked as in flight before the cache write completes")
	}

	results := make(chan synchronizer.Result, 1)
	go func() {
		result, err := drainer.Sync(ctx)
		if err != nil {
			t.Errorf("sync failed: %v", err)
		}
		results <- result
	}()

	close(persister.release)
	task := <-tasks
	if task == nil {
		t.Fatalf("expected a task")
	}
	if err := waitTask(t, task); err != nil {
		t.Fatalf("background call failed: %v", err)
	}

	select {
	case result := <-results:
		if result.SyncedCount != 0 {
			t.Fatalf("expected the pass to leave the executor's operation alone, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for sync")
	}

	gated.mu.Lock()
	defer gated.mu.Unlock()
	if len(gated.calls) != 1 {
		t.Fatalf("expected one remote call for one mutation, got %v", gated.calls)
	}
}

func TestFailedOptimisticApplyWithdrawsTheOperation(t *testing.T) {
	persistErr := errors.New("read-only filesystem")
	store := queue.NewMemoryStore(queue.MemoryStoreConfig{})
	gated := newGatedRemote()
	executor, err := New(Config{
		Cache:  cache.New(cache.Config{Persister: failingPersister{err: persistErr}}),
		Store:  store,
		Remote: gated,
	})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}

	task, err := executor.Execute(context.Background(), Mutation{Type: queue.OperationCreate, Entity: "students", Payload: map[string]any{"name": "A"}})
	if !errors.Is(err, persistErr) || task != nil {
		t.Fatalf("expected the persist failure without a task, got %v, %v", task, err)
	}
	if count, _ := store.Count(context.Background()); count != 0 {
		t.Fatalf("expected a failed mutation to leave nothing queued, got %d", count)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := executor.WaitIdle(ctx); err != nil {
		t.Fatalf("expected the executor to be idle, got %v", err)
	}
	gated.mu.Lock()
	defer gated.mu.Unlock()
	if len(gated.calls) != 0 {
		t.Fatalf("expected no remote call, got %v", gated.calls)
	}
}

type unremovableStore struct {
	*queue.MemoryStore
}

func (unremovableStore) Remove(context.Context, string) error {
	return errors.New("database is locked")
}

func TestFailedWithdrawIsReported(t *testing.T) {
	persistErr := errors.New("read-only filesystem")
	executor, err := New(Config{
		Cache:  cache.New(cache.Config{Persister: failingPersister{err: persistErr}}),
		Store:  unremovableStore{queue.NewMemoryStore(queue.MemoryStoreConfig{})},
		Remote: newGatedRemote(),
	})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	_, err = executor.Execute(context.Background(), Mutation{Type: queue.OperationDelete, Entity: "students", TargetKey: "3"})
	if !errors.Is(err, persistErr) || !strings.Contains(err.Error(), "database is locked") {
		t.Fatalf("expected both the apply and the withdraw failures, got %v", err)
	}
}

func TestCancelledWaitIdleReturnsWhileBusy(t *testing.T) {
	f := newFixture(t)
	if _, err := f.executor.Execute(context.Background(), Mutation{Type: queue.OperationUpdate, Entity: "students", TargetKey: "2", Payload: map[string]any{"name": "B"}}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	<-f.remote.started

	for attempt := 0; attempt < 3; attempt++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := f.executor.WaitIdle(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected a cancelled wait to return at once, got %v", err)
		}
	}

	f.remote.release(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.executor.WaitIdle(ctx); err != nil {
		t.Fatalf("expected WaitIdle to return once idle, got %v", err)
	}
}
