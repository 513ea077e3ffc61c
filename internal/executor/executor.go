// Package executor applies a single mutation optimistically: the local cache changes
// before the call returns, the operation is queued durably, and the remote call runs
// in the background.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/cache"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/queue"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/remote"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	defaultRefreshDelay = 300 * time.Millisecond
	refreshTimeout      = 30 * time.Second
)

var (
	errMissingCache  = errors.New("executor: cache is required")
	errMissingStore  = errors.New("executor: queue store is required")
	errMissingRemote = errors.New("executor: remote mutator is required")

	// ErrInvalidMutation wraps validation failures of a Mutation.
	ErrInvalidMutation = errors.New("executor: invalid mutation")
)

// Mutation is one create, update, or delete of a single entity record.
type Mutation struct {
	Type      queue.OperationType `validate:"required,oneof=CREATE UPDATE DELETE"`
	Entity    string              `validate:"required,max=190"`
	Payload   map[string]any
	TargetKey string `validate:"required_unless=Type CREATE,max=190"`
}

// EntityRefresher reloads an entity collection from the server.
type EntityRefresher interface {
	Refresh(ctx context.Context, entity string) error
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it.
type AfterFunc func(d time.Duration, f func())

// Config describes the dependencies of an Executor.
type Config struct {
	Cache        *cache.Cache
	Store        queue.Store
	Remote       remote.Mutator
	Refresher    EntityRefresher
	RefreshDelay time.Duration
	AfterFunc    AfterFunc
	BaseContext  context.Context
	Validator    *validator.Validate
	Logger       *zap.Logger
}

// Executor orchestrates optimistic mutations across the cache, the queue, and the remote API.
type Executor struct {
	cache        *cache.Cache
	store        queue.Store
	remote       remote.Mutator
	refresher    EntityRefresher
	refreshDelay time.Duration
	afterFunc    AfterFunc
	baseContext  context.Context
	validate     *validator.Validate
	logger       *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	// idle is closed while nothing is in flight.
	idle chan struct{}
}

// New validates the configuration and constructs an Executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	refreshDelay := cfg.RefreshDelay
	if refreshDelay < 0 {
		refreshDelay = 0
	} else if refreshDelay == 0 {
		refreshDelay = defaultRefreshDelay
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	baseContext := cfg.BaseContext
	if baseContext == nil {
		baseContext = context.Background()
	}
	validate := cfg.Validator
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Executor{
		cache:        cfg.Cache,
		store:        cfg.Store,
		remote:       cfg.Remote,
		refresher:    cfg.Refresher,
		refreshDelay: refreshDelay,
		afterFunc:    afterFunc,
		baseContext:  baseContext,
		validate:     validate,
		logger:       logger,
		inflight:     make(map[string]struct{}),
		idle:         idle,
	}, nil
}

// Task tracks the background remote call started by Execute.
type Task struct {
	operation    queue.PendingOperation
	temporaryKey string
	done         chan struct{}
	err          error
}

// Operation returns the queued operation.
func (t *Task) Operation() queue.PendingOperation {
	return t.operation
}

// TemporaryKey returns the optimistic row key of a CREATE, empty otherwise.
func (t *Task) TemporaryKey() string {
	return t.temporaryKey
}

// Done is closed once the remote call resolved and its bookkeeping finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the remote or storage failure of the background call. Valid after Done.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute applies the mutation locally and queues it. The returned task resolves when the
// background remote call settles; the caller may ignore it.
func (e *Executor) Execute(ctx context.Context, mutation Mutation) (*Task, error) {
	if err := e.validate.Struct(mutation); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}

	op, err := e.store.Append(ctx, queue.Draft{
		Type:      mutation.Type,
		Entity:    mutation.Entity,
		Payload:   mutation.Payload,
		TargetKey: mutation.TargetKey,
	})
	if err != nil {
		e.logger.Error("mutation enqueue failed", zap.String("entity", mutation.Entity), zap.String("type", string(mutation.Type)), zap.Error(err))
		return nil, err
	}

	// Tracked before the cache write so a concurrent pass skips it.
	e.track(op.ID)

	task := &Task{operation: op, done: make(chan struct{})}
	var transform cache.Transform
	switch op.Type {
	case queue.OperationCreate:
		task.temporaryKey = TemporaryKey(op.ID)
		transform = appendRecord(task.temporaryKey, op.Payload)
	case queue.OperationUpdate:
		transform = mergeRecord(op.TargetKey, op.Payload)
	case queue.OperationDelete:
		transform = removeRecord(op.TargetKey)
	}
	if err := e.cache.ApplyOptimistic(ctx, op.Entity, transform); err != nil {
		e.logger.Error("optimistic apply failed", zap.String("operation_id", op.ID), zap.Error(err))
		err = e.withdraw(ctx, op.ID, err)
		e.untrack(op.ID)
		return nil, err
	}

	go e.deliver(task)
	return task, nil
}

// InFlight reports whether the background call for the operation is still running.
func (e *Executor) InFlight(operationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[operationID]
	return ok
}

// WaitIdle blocks until no background call is running or ctx ends.
func (e *Executor) WaitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		if len(e.inflight) == 0 {
			e.mu.Unlock()
			return nil
		}
		idle := e.idle
		e.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// withdraw removes an operation whose optimistic apply failed, so a failed Execute leaves nothing queued.
func (e *Executor) withdraw(ctx context.Context, operationID string, applyErr error) error {
	if err := e.store.Remove(ctx, operationID); err != nil {
		e.logger.Error("failed operation could not be withdrawn from the queue", zap.String("operation_id", operationID), zap.Error(err))
		return errors.Join(applyErr, err)
	}
	return applyErr
}

func (e *Executor) track(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.inflight) == 0 {
		e.idle = make(chan struct{})
	}
	e.inflight[operationID] = struct{}{}
}

func (e *Executor) untrack(operationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[operationID]; !ok {
		return
	}
	delete(e.inflight, operationID)
	if len(e.inflight) == 0 {
		close(e.idle)
	}
}

func (e *Executor) deliver(task *Task) {
	op := task.operation
	defer e.untrack(op.ID)
	defer close(task.done)

	ctx := e.baseContext
	if sendErr := remote.Send(ctx, e.remote, op); sendErr != nil {
		task.err = sendErr
		e.logger.Warn("remote mutation failed, left queued",
			zap.String("operation_id", op.ID),
			zap.String("entity", op.Entity),
			zap.String("type", string(op.Type)),
			zap.Error(sendErr))
		if op.Type == queue.OperationCreate {
			// A create that was never confirmed must not linger as a phantom row.
			if err := e.cache.ApplyOptimistic(ctx, op.Entity, removeRecord(task.temporaryKey)); err != nil {
				e.logger.Error("optimistic rollback failed", zap.String("operation_id", op.ID), zap.Error(err))
				task.err = errors.Join(sendErr, err)
			}
		}
		return
	}

	if err := e.store.Remove(ctx, op.ID); err != nil {
		task.err = err
		e.logger.Error("confirmed operation dequeue failed", zap.String("operation_id", op.ID), zap.Error(err))
		return
	}
	e.scheduleRefresh(op.Entity)
}

func (e *Executor) scheduleRefresh(entity string) {
	if e.refresher == nil {
		return
	}
	e.afterFunc(e.refreshDelay, func() {
		ctx, cancel := context.WithTimeout(e.baseContext, refreshTimeout)
		defer cancel()
		if err := e.refresher.Refresh(ctx, entity); err != nil {
			e.logger.Warn("post-mutation refresh failed", zap.String("entity", entity), zap.Error(err))
		}
	})
}
