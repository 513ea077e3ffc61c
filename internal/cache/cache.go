package cache

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
)

// Record is one row of an entity collection as last seen by this process.
type Record struct {
	RowKey     string         `json:"rowKey"`
	Fields     map[string]any `json:"fields"`
	Optimistic bool           `json:"isOptimistic"`
}

// Clone returns a record that shares no map with the receiver.
func (r Record) Clone() Record {
	clone := r
	if r.Fields != nil {
		clone.Fields = make(map[string]any, len(r.Fields))
		for key, value := range r.Fields {
			clone.Fields[key] = value
		}
	}
	return clone
}

// Transform maps a collection snapshot to its optimistic successor. It must not retain its input.
type Transform func(records []Record) []Record

// Persister durably stores per-entity snapshots.
type Persister interface {
	SaveCollection(ctx context.Context, entity string, records []Record) error
	LoadCollections(ctx context.Context) (map[string][]Record, error)
}

// Error reports a failure to persist or load a cached collection.
type Error struct {
	Entity string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("cache.%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache.%s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config describes the dependencies of a Cache.
type Config struct {
	Persister Persister
	Logger    *zap.Logger
}

// Cache holds the materialized view of every entity collection.
type Cache struct {
	mu          sync.Mutex
	collections map[string][]Record
	persister   Persister
	logger      *zap.Logger
}

// New constructs an empty cache. A nil Persister keeps the cache in memory only.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		collections: make(map[string][]Record),
		persister:   cfg.Persister,
		logger:      logger,
	}
}

// Load replaces the in-memory state with the persisted snapshots.
func (c *Cache) Load(ctx context.Context) error {
	if c.persister == nil {
		return nil
	}
	collections, err := c.persister.LoadCollections(ctx)
	if err != nil {
		return &Error{Op: "load", Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collections = make(map[string][]Record, len(collections))
	for entity, records := range collections {
		c.collections[entity] = cloneRecords(records)
	}
	c.logger.Info("cache loaded", zap.Int("collections", len(collections)))
	return nil
}

// Get returns a copy of the cached collection, or an empty slice when it was never populated.
func (c *Cache) Get(entity string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneRecords(c.collections[entity])
}

// Entities lists the collections currently held.
func (c *Cache) Entities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	entities := make([]string, 0, len(c.collections))
	for entity := range c.collections {
		entities = append(entities, entity)
	}
	return entities
}

// Replace swaps in server-confirmed records. Optimistic flags are cleared.
func (c *Cache) Replace(ctx context.Context, entity string, records []Record) error {
	next := cloneRecords(records)
	for index := range next {
		next[index].Optimistic = false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.persist(ctx, entity, next); err != nil {
		return err
	}
	c.collections[entity] = next
	return nil
}

// ApplyOptimistic runs transform against the latest snapshot and stores the result.
// Records that are new or whose fields changed are flagged optimistic.
func (c *Cache) ApplyOptimistic(ctx context.Context, entity string, transform Transform) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.collections[entity]
	next := cloneRecords(transform(cloneRecords(current)))

	previous := make(map[string]Record, len(current))
	for _, record := range current {
		previous[record.RowKey] = record
	}
	for index, record := range next {
		prior, ok := previous[record.RowKey]
		if !ok || !reflect.DeepEqual(prior.Fields, record.Fields) {
			next[index].Optimistic = true
		}
	}

	if err := c.persist(ctx, entity, next); err != nil {
		return err
	}
	c.collections[entity] = next
	return nil
}

func (c *Cache) persist(ctx context.Context, entity string, records []Record) error {
	if c.persister == nil {
		return nil
	}
	if err := c.persister.SaveCollection(ctx, entity, records); err != nil {
		c.logger.Error("cache persist failed", zap.String("entity", entity), zap.Error(err))
		return &Error{Entity: entity, Op: "persist", Err: err}
	}
	return nil
}

func cloneRecords(records []Record) []Record {
	cloned := make([]Record, 0, len(records))
	for _, record := range records {
		cloned = append(cloned, record.Clone())
	}
	return cloned
}
