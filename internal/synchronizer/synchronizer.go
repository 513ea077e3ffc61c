// Package synchronizer drains the pending-operation queue against the remote API.
package synchronizer

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/queue"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/remote"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/status"
	"go.uber.org/zap"
)

// DefaultMaxRetries is the number of failed attempts after which an operation is abandoned.
const DefaultMaxRetries = 5

var (
	errMissingStore  = errors.New("synchronizer: queue store is required")
	errMissingRemote = errors.New("synchronizer: remote mutator is required")
)

// OutcomeKind classifies what a pass did with one operation.
type OutcomeKind string

const (
	OutcomeSynced    OutcomeKind = "synced"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeAbandoned OutcomeKind = "abandoned"
	OutcomeSkipped   OutcomeKind = "skipped"
)

// Outcome is the per-operation result of a pass.
type Outcome struct {
	Operation queue.PendingOperation
	Kind      OutcomeKind
	Err       error
}

// Result aggregates one synchronization pass.
type Result struct {
	SyncedCount int
	FailedCount int
	// Skipped is set when the call overlapped a running pass and did nothing.
	Skipped  bool
	Outcomes []Outcome
}

// Entities returns the distinct entities with at least one synced operation, in first-seen order.
func (r Result) Entities() []string {
	seen := make(map[string]struct{})
	var entities []string
	for _, outcome := range r.Outcomes {
		if outcome.Kind != OutcomeSynced {
			continue
		}
		if _, ok := seen[outcome.Operation.Entity]; ok {
			continue
		}
		seen[outcome.Operation.Entity] = struct{}{}
		entities = append(entities, outcome.Operation.Entity)
	}
	return entities
}

// InFlightTracker exposes the executor's background calls so a pass never sends an
// operation that is already on the wire.
type InFlightTracker interface {
	WaitIdle(ctx context.Context) error
	InFlight(operationID string) bool
}

// SnapshotPublisher receives the summary of each pass.
type SnapshotPublisher interface {
	PublishSync(ctx context.Context, snapshot status.SyncSnapshot) error
}

// ActivityRecorder is told when a pass starts and stops.
type ActivityRecorder interface {
	SetSyncing(syncing bool)
}

// Config describes the dependencies of a Synchronizer.
type Config struct {
	Store      queue.Store
	Remote     remote.Mutator
	MaxRetries int
	// AbandonRejected abandons permanent 4xx rejections immediately instead of spending the retry budget.
	AbandonRejected bool
	InFlight        InFlightTracker
	Publisher       SnapshotPublisher
	Activity        ActivityRecorder
	OnComplete      func(ctx context.Context, result Result)
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Synchronizer runs at most one pass at a time.
type Synchronizer struct {
	store           queue.Store
	remote          remote.Mutator
	maxRetries      int
	abandonRejected bool
	inflight        InFlightTracker
	publisher       SnapshotPublisher
	activity        ActivityRecorder
	onComplete      func(ctx context.Context, result Result)
	clock           func() time.Time
	logger          *zap.Logger
	running         atomic.Bool
}

// New validates the configuration and constructs a Synchronizer.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		store:           cfg.Store,
		remote:          cfg.Remote,
		maxRetries:      maxRetries,
		abandonRejected: cfg.AbandonRejected,
		inflight:        cfg.InFlight,
		publisher:       cfg.Publisher,
		activity:        cfg.Activity,
		onComplete:      cfg.OnComplete,
		clock:           clock,
		logger:          logger,
	}, nil
}

// Running reports whether a pass is in progress.
func (s *Synchronizer) Running() bool {
	return s.running.Load()
}

// Sync drains the queue oldest-first. Calls that overlap a running pass return at once
// with Skipped set. Remote failures become retry bookkeeping; storage failures abort the pass.
func (s *Synchronizer) Sync(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("sync already running, call ignored")
		return Result{Skipped: true}, nil
	}
	defer s.running.Store(false)
	if s.activity != nil {
		// Cleared before running is released so a following pass cannot be masked.
		s.activity.SetSyncing(true)
		defer s.activity.SetSyncing(false)
	}

	if s.inflight != nil {
		if err := s.inflight.WaitIdle(ctx); err != nil {
			return Result{}, err
		}
	}

	operations, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("sync could not read queue", zap.Error(err))
		return Result{}, err
	}

	result := Result{Outcomes: make([]Outcome, 0, len(operations))}
	if len(operations) > 0 {
		sort.SliceStable(operations, func(i, j int) bool {
			return operations[i].Timestamp.Before(operations[j].Timestamp)
		})
		s.logger.Info("sync pass started", zap.Int("operations", len(operations)))
		for _, op := range operations {
			outcome, err := s.process(ctx, op)
			if err != nil {
				return result, err
			}
			result.Outcomes = append(result.Outcomes, outcome)
			switch outcome.Kind {
			case OutcomeSynced:
				result.SyncedCount++
			case OutcomeFailed, OutcomeAbandoned:
				result.FailedCount++
			}
		}
	}

	if err := s.publish(ctx, result); err != nil {
		return result, err
	}
	if s.onComplete != nil && len(operations) > 0 {
		s.onComplete(ctx, result)
	}
	if len(operations) > 0 {
		s.logger.Info("sync pass finished",
			zap.Int("synced", result.SyncedCount),
			zap.Int("failed", result.FailedCount))
	}
	return result, nil
}

func (s *Synchronizer) process(ctx context.Context, op queue.PendingOperation) (Outcome, error) {
	if s.inflight != nil && s.inflight.InFlight(op.ID) {
		return Outcome{Operation: op, Kind: OutcomeSkipped}, nil
	}

	if op.RetryCount >= s.maxRetries {
		if err := s.store.Remove(ctx, op.ID); err != nil {
			return Outcome{}, err
		}
		s.logger.Warn("operation abandoned after retry bound",
			zap.String("operation_id", op.ID),
			zap.String("entity", op.Entity),
			zap.Int("retry_count", op.RetryCount))
		return Outcome{Operation: op, Kind: OutcomeAbandoned}, nil
	}

	sendErr := remote.Send(ctx, s.remote, op)
	if sendErr == nil {
		if err := s.store.Remove(ctx, op.ID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Operation: op, Kind: OutcomeSynced}, nil
	}

	if s.abandonRejected && remote.IsPermanent(sendErr) {
		if err := s.store.Remove(ctx, op.ID); err != nil {
			return Outcome{}, err
		}
		s.logger.Warn("operation abandoned after permanent rejection",
			zap.String("operation_id", op.ID),
			zap.String("entity", op.Entity),
			zap.Error(sendErr))
		return Outcome{Operation: op, Kind: OutcomeAbandoned, Err: sendErr}, nil
	}

	if err := s.store.IncrementRetry(ctx, op.ID); err != nil {
		return Outcome{}, err
	}
	op.RetryCount++
	s.logger.Warn("operation sync failed",
		zap.String("operation_id", op.ID),
		zap.String("entity", op.Entity),
		zap.Int("retry_count", op.RetryCount),
		zap.Error(sendErr))
	return Outcome{Operation: op, Kind: OutcomeFailed, Err: sendErr}, nil
}

func (s *Synchronizer) publish(ctx context.Context, result Result) error {
	if s.publisher == nil {
		return nil
	}
	pending, err := s.store.Count(ctx)
	if err != nil {
		return err
	}
	return s.publisher.PublishSync(ctx, status.SyncSnapshot{
		LastSyncTime: s.clock().UTC(),
		SyncedCount:  result.SyncedCount,
		FailedCount:  result.FailedCount,
		PendingCount: pending,
	})
}
