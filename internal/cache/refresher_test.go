package cache

import (
	"context"
	"errors"
	"testing"
)

type stubFetcher struct {
	collections map[string][]Record
	failures    map[string]error
	calls       []string
}

func (f *stubFetcher) List(_ context.Context, entity string) ([]Record, error) {
	f.calls = append(f.calls, entity)
	if err := f.failures[entity]; err != nil {
		return nil, err
	}
	return f.collections[entity], nil
}

func TestRefreshAllContinuesPastFailures(testContext *testing.T) {
	ctx := context.Background()
	localCache := New(Config{})
	fetchErr := errors.New("timeout")
	fetcher := &stubFetcher{
		collections: map[string][]Record{"paiements": {{RowKey: "4", Fields: map[string]any{"montant": 1000.0}}}},
		failures:    map[string]error{"eleves": fetchErr},
	}
	refresher, err := NewRefresher(localCache, fetcher, nil)
	if err != nil {
		testContext.Fatalf("failed to construct refresher: %v", err)
	}

	if err := refresher.RefreshAll(ctx, []string{"eleves", "paiements"}); !errors.Is(err, fetchErr) {
		testContext.Fatalf("expected first failure to be returned, got %v", err)
	}
	if len(fetcher.calls) != 2 {
		testContext.Fatalf("expected both entities to be attempted, got %v", fetcher.calls)
	}
	if records := localCache.Get("paiements"); len(records) != 1 || records[0].RowKey != "4" {
		testContext.Fatalf("expected successful entity to be refreshed, got %+v", records)
	}
}

func TestNewRefresherRequiresDependencies(testContext *testing.T) {
	if _, err := NewRefresher(nil, &stubFetcher{}, nil); !errors.Is(err, errMissingCache) {
		testContext.Fatalf("expected missing cache error, got %v", err)
	}
	if _, err := NewRefresher(New(Config{}), nil, nil); !errors.Is(err, errMissingFetcher) {
		testContext.Fatalf("expected missing fetcher error, got %v", err)
	}
}
