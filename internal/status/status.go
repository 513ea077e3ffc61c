package status

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SnapshotKey is the local-state key holding the last SyncSnapshot.
const SnapshotKey = "sync_status"

// SyncSnapshot summarizes the most recent synchronization pass. Each pass overwrites it.
type SyncSnapshot struct {
	LastSyncTime time.Time `json:"lastSyncTime"`
	SyncedCount  int       `json:"syncedCount"`
	FailedCount  int       `json:"failedCount"`
	PendingCount int       `json:"pendingCount"`
}

// Status is everything the UI needs to answer "are there unsynced changes?".
type Status struct {
	Online       bool          `json:"online"`
	PendingCount int           `json:"pendingCount"`
	Syncing      bool          `json:"syncing"`
	LastSync     *SyncSnapshot `json:"lastSync,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// StateStore persists the last snapshot across restarts.
type StateStore interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Put(ctx context.Context, key string, value any) error
}

// TrackerConfig describes the dependencies of a Tracker.
type TrackerConfig struct {
	State      StateStore
	Dispatcher *Dispatcher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Tracker holds the current Status and broadcasts every change.
type Tracker struct {
	mu         sync.RWMutex
	current    Status
	state      StateStore
	dispatcher *Dispatcher
	clock      func() time.Time
	logger     *zap.Logger
}

// NewTracker constructs a Tracker starting offline with nothing pending.
func NewTracker(cfg TrackerConfig) *Tracker {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		state:      cfg.State,
		dispatcher: cfg.Dispatcher,
		clock:      clock,
		logger:     logger,
		current:    Status{UpdatedAt: clock().UTC()},
	}
}

// Load restores the last persisted snapshot.
func (t *Tracker) Load(ctx context.Context) error {
	if t.state == nil {
		return nil
	}
	var snapshot SyncSnapshot
	found, err := t.state.Get(ctx, SnapshotKey, &snapshot)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	t.update(func(current *Status) {
		current.LastSync = &snapshot
		current.PendingCount = snapshot.PendingCount
	})
	return nil
}

// Current returns a copy of the tracked status.
func (t *Tracker) Current() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyStatus(t.current)
}

// PublishSync records a finished pass, persisting it before broadcasting.
func (t *Tracker) PublishSync(ctx context.Context, snapshot SyncSnapshot) error {
	if t.state != nil {
		if err := t.state.Put(ctx, SnapshotKey, snapshot); err != nil {
			t.logger.Error("sync snapshot persist failed", zap.Error(err))
			return err
		}
	}
	t.update(func(current *Status) {
		current.LastSync = &snapshot
		current.PendingCount = snapshot.PendingCount
	})
	return nil
}

// SetOnline records the connectivity state.
func (t *Tracker) SetOnline(online bool) {
	t.update(func(current *Status) { current.Online = online })
}

// SetPending records the current pending-operation count.
func (t *Tracker) SetPending(count int) {
	t.update(func(current *Status) { current.PendingCount = count })
}

// SetSyncing records whether a pass is running.
func (t *Tracker) SetSyncing(syncing bool) {
	t.update(func(current *Status) { current.Syncing = syncing })
}

func (t *Tracker) update(mutate func(current *Status)) {
	t.mu.Lock()
	before := copyStatus(t.current)
	mutate(&t.current)
	t.current.UpdatedAt = before.UpdatedAt
	changed := !equalStatus(before, t.current)
	if changed {
		t.current.UpdatedAt = t.clock().UTC()
	}
	snapshot := copyStatus(t.current)
	t.mu.Unlock()

	if changed && t.dispatcher != nil {
		t.dispatcher.Publish(snapshot)
	}
}

func copyStatus(value Status) Status {
	if value.LastSync != nil {
		snapshot := *value.LastSync
		value.LastSync = &snapshot
	}
	return value
}

func equalStatus(left, right Status) bool {
	if left.Online != right.Online || left.PendingCount != right.PendingCount || left.Syncing != right.Syncing {
		return false
	}
	if (left.LastSync == nil) != (right.LastSync == nil) {
		return false
	}
	if left.LastSync == nil {
		return true
	}
	return *left.LastSync == *right.LastSync
}
