package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
)

type memoryPersister struct {
	mu        sync.Mutex
	saved     map[string][]Record
	saveErr   error
	loadErr   error
	saveCalls int
}

func newMemoryPersister() *memoryPersister {
	return &memoryPersister{saved: make(map[string][]Record)}
}

func (p *memoryPersister) SaveCollection(_ context.Context, entity string, records []Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saveCalls++
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saved[entity] = cloneRecords(records)
	return nil
}

func (p *memoryPersister) LoadCollections(context.Context) (map[string][]Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	loaded := make(map[string][]Record, len(p.saved))
	for entity, records := range p.saved {
		loaded[entity] = cloneRecords(records)
	}
	return loaded, nil
}

func appendRow(key string, fields map[string]any) Transform {
	return func(records []Record) []Record {
		return append(records, Record{RowKey: key, Fields: fields})
	}
}

func TestApplyOptimisticFlagsOnlyChangedRecords(testContext *testing.T) {
	ctx := context.Background()
	localCache := New(Config{})
	if err := localCache.Replace(ctx, "eleves", []Record{
		{RowKey: "2", Fields: map[string]any{"nom": "Abena"}},
		{RowKey: "3", Fields: map[string]any{"nom": "Owona"}},
	}); err != nil {
		testContext.Fatalf("replace failed: %v", err)
	}

	err := localCache.ApplyOptimistic(ctx, "eleves", func(records []Record) []Record {
		for index := range records {
			if records[index].RowKey == "3" {
				records[index].Fields["nom"] = "Owona Marie"
			}
		}
		return append(records, Record{RowKey: "tmp-1", Fields: map[string]any{"nom": "Nkoulou"}})
	})
	if err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	flags := map[string]bool{}
	for _, record := range localCache.Get("eleves") {
		flags[record.RowKey] = record.Optimistic
	}
	if flags["2"] || !flags["3"] || !flags["tmp-1"] {
		testContext.Fatalf("unexpected optimistic flags: %v", flags)
	}
}

func TestApplyOptimisticBackToBackLosesNothing(testContext *testing.T) {
	ctx := context.Background()
	localCache := New(Config{})

	var wg sync.WaitGroup
	for index := 0; index < 50; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			key := "tmp-" + strconv.Itoa(index)
			if err := localCache.ApplyOptimistic(ctx, "paiements", appendRow(key, map[string]any{"n": index})); err != nil {
				testContext.Errorf("apply %d failed: %v", index, err)
			}
		}(index)
	}
	wg.Wait()

	if records := localCache.Get("paiements"); len(records) != 50 {
		testContext.Fatalf("expected 50 records after concurrent applies, got %d", len(records))
	}
}

func TestReplaceClearsOptimisticFlags(testContext *testing.T) {
	ctx := context.Background()
	localCache := New(Config{})
	if err := localCache.ApplyOptimistic(ctx, "eleves", appendRow("tmp-1", map[string]any{"nom": "A"})); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	if err := localCache.Replace(ctx, "eleves", []Record{{RowKey: "7", Fields: map[string]any{"nom": "A"}, Optimistic: true}}); err != nil {
		testContext.Fatalf("replace failed: %v", err)
	}
	records := localCache.Get("eleves")
	if len(records) != 1 || records[0].RowKey != "7" || records[0].Optimistic {
		testContext.Fatalf("expected confirmed record only, got %+v", records)
	}
}

func TestGetReturnsIsolatedCopies(testContext *testing.T) {
	ctx := context.Background()
	localCache := New(Config{})
	if err := localCache.Replace(ctx, "familles", []Record{{RowKey: "1", Fields: map[string]any{"nom": "Fouda"}}}); err != nil {
		testContext.Fatalf("replace failed: %v", err)
	}
	records := localCache.Get("familles")
	records[0].Fields["nom"] = "changed"

	if localCache.Get("familles")[0].Fields["nom"] != "Fouda" {
		testContext.Fatalf("expected cached fields to be isolated from callers")
	}
	if empty := localCache.Get("moratoires"); empty == nil || len(empty) != 0 {
		testContext.Fatalf("expected empty non-nil slice for an unknown entity")
	}
}

func TestPersistFailureLeavesStateUntouched(testContext *testing.T) {
	ctx := context.Background()
	persister := newMemoryPersister()
	localCache := New(Config{Persister: persister})
	if err := localCache.Replace(ctx, "eleves", []Record{{RowKey: "1", Fields: map[string]any{"nom": "A"}}}); err != nil {
		testContext.Fatalf("replace failed: %v", err)
	}

	persister.saveErr = errors.New("disk full")
	err := localCache.ApplyOptimistic(ctx, "eleves", appendRow("tmp-2", map[string]any{"nom": "B"}))
	var cacheErr *Error
	if !errors.As(err, &cacheErr) || cacheErr.Entity != "eleves" || cacheErr.Op != "persist" {
		testContext.Fatalf("expected cache persist error, got %v", err)
	}
	if !errors.Is(err, persister.saveErr) {
		testContext.Fatalf("expected the storage cause to be wrapped")
	}
	if records := localCache.Get("eleves"); len(records) != 1 {
		testContext.Fatalf("expected failed apply to leave the snapshot unchanged, got %+v", records)
	}
}

func TestLoadRestoresPersistedSnapshots(testContext *testing.T) {
	ctx := context.Background()
	persister := newMemoryPersister()
	first := New(Config{Persister: persister})
	if err := first.ApplyOptimistic(ctx, "eleves", appendRow("tmp-1", map[string]any{"nom": "A"})); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	second := New(Config{Persister: persister})
	if err := second.Load(ctx); err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	records := second.Get("eleves")
	if len(records) != 1 || !records[0].Optimistic {
		testContext.Fatalf("expected optimistic record to survive reload, got %+v", records)
	}

	persister.loadErr = errors.New("unreadable")
	if err := New(Config{Persister: persister}).Load(ctx); err == nil {
		testContext.Fatalf("expected load error to propagate")
	}
}
