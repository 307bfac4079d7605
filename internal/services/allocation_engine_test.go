package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/donorportal/api/internal/domain"
)

var allocationNow = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, orders *memoryOrderRepo, entries *memoryEntryRepo) AllocationEngine {
	t.Helper()
	engine, err := NewAllocationEngine(AllocationEngineDeps{
		Orders:  orders,
		Entries: entries,
		Clock:   func() time.Time { return allocationNow },
		Shuffle: identityShuffle,
	})
	if err != nil {
		t.Fatalf("new allocation engine: %v", err)
	}
	return engine
}

func TestAllocationEngine_FillsTiersInOrder(t *testing.T) {
	lapsed := liveOrder("ord_old", allocationNow.AddDate(-1, 0, 0), 1,
		domain.OrderEntry{EntryID: "expired", SelectedSubscriptions: []string{"education", "food"}})
	holder := liveOrder("ord_live", allocationNow.AddDate(0, 0, -5), 12,
		domain.OrderEntry{EntryID: "partial", SelectedSubscriptions: []string{"education"}},
		domain.OrderEntry{EntryID: "full", SelectedSubscriptions: []string{"education", "food"}})

	entries := &memoryEntryRepo{pools: map[string][]domain.Entry{"school": {
		poolEntry("partial", 30, 15),
		poolEntry("full", 30, 15),
		poolEntry("fresh", 30, 15),
		poolEntry("expired", 30, 15),
	}}}
	engine := newTestEngine(t, newMemoryOrderRepo(lapsed, holder), entries)

	result, err := engine.SelectEntries(context.Background(), AllocationRequest{
		Project:        schoolProject(),
		Count:          5,
		ExcludeOrderID: "ord_new",
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	want := []struct {
		id     string
		tier   AllocationTier
		fields int
	}{
		{"expired", TierExpired, 2},
		{"fresh", TierUnallocated, 2},
		{"partial", TierPartial, 1},
	}
	if len(result.Entries) != len(want) {
		t.Fatalf("expected %d entries, got %#v", len(want), result.Entries)
	}
	for i, w := range want {
		got := result.Entries[i]
		if got.Entry.ID != w.id || got.Tier != w.tier || len(got.Subscriptions) != w.fields {
			t.Fatalf("position %d: expected %s/%s/%d, got %s/%s/%v", i, w.id, w.tier, w.fields, got.Entry.ID, got.Tier, got.Subscriptions)
		}
	}
	if result.Entries[2].Subscriptions[0] != "food" {
		t.Fatalf("partial entry should only carry its free field, got %v", result.Entries[2].Subscriptions)
	}
	if result.Shortfall != 2 {
		t.Fatalf("expected shortfall 2, got %d", result.Shortfall)
	}
}

func TestAllocationEngine_SkipsFullyClaimedEntryForFoodRequest(t *testing.T) {
	orderA := liveOrder("ord_a", allocationNow.AddDate(0, 0, -10), 12,
		domain.OrderEntry{EntryID: "y", SelectedSubscriptions: []string{"food"}})
	entries := &memoryEntryRepo{pools: map[string][]domain.Entry{"school": {poolEntry("y", 30, 15)}}}
	engine := newTestEngine(t, newMemoryOrderRepo(orderA), entries)

	result, err := engine.SelectEntries(context.Background(), AllocationRequest{
		Project:        schoolProject(),
		Count:          1,
		Subscriptions:  []string{"food"},
		ExcludeOrderID: "ord_b",
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(result.Entries) != 0 || result.Shortfall != 1 {
		t.Fatalf("expected y to be skipped, got %#v", result)
	}
}

func TestAllocationEngine_StopsAtCountAndHonoursReservations(t *testing.T) {
	entries := &memoryEntryRepo{pools: map[string][]domain.Entry{"school": {
		poolEntry("a", 1, 1), poolEntry("b", 1, 1), poolEntry("c", 1, 1), poolEntry("d", 1, 1),
	}}}
	engine := newTestEngine(t, newMemoryOrderRepo(), entries)

	result, err := engine.SelectEntries(context.Background(), AllocationRequest{
		Project:     schoolProject(),
		Count:       2,
		ReservedIDs: []string{"a"},
		Search:      " <b>child</b> ",
		Fields:      map[string]string{" region ": " north ", "empty": " "},
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(result.Entries) != 2 || result.Shortfall != 0 {
		t.Fatalf("expected exactly two entries, got %#v", result)
	}
	for _, selected := range result.Entries {
		if selected.Entry.ID == "a" {
			t.Fatalf("reserved entry must not be returned")
		}
	}
	if entries.lastFilter.Search != "child" || len(entries.lastFilter.SearchFields) != 1 || entries.lastFilter.SearchFields[0] != "name" {
		t.Fatalf("unexpected candidate filter %#v", entries.lastFilter)
	}
	if len(entries.lastFilter.Fields) != 1 || entries.lastFilter.Fields["region"] != "north" {
		t.Fatalf("expected cleaned field filters, got %#v", entries.lastFilter.Fields)
	}
	if entries.lastFilter.Limit != defaultAllocationPoolSize {
		t.Fatalf("expected default pool size, got %d", entries.lastFilter.Limit)
	}
}

func TestAllocationEngine_ValidatesRequest(t *testing.T) {
	engine := newTestEngine(t, newMemoryOrderRepo(), &memoryEntryRepo{})

	if _, err := engine.SelectEntries(context.Background(), AllocationRequest{Project: schoolProject()}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid count, got %v", err)
	}
	_, err := engine.SelectEntries(context.Background(), AllocationRequest{
		Project:       schoolProject(),
		Count:         1,
		Subscriptions: []string{"name"},
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected non-subscription field to be rejected, got %v", err)
	}
}

func TestAllocationEngine_ReachesFreeEntriesBeyondPoolSize(t *testing.T) {
	const poolSize = 5
	var pool []domain.Entry
	var held []domain.OrderEntry
	for i := range poolSize {
		id := fmt.Sprintf("a%04d", i)
		pool = append(pool, poolEntry(id, 30, 15))
		held = append(held, domain.OrderEntry{EntryID: id, SelectedSubscriptions: []string{"education", "food"}})
	}
	pool = append(pool, poolEntry("z-free", 30, 15))
	holder := liveOrder("ord_live", allocationNow.AddDate(0, 0, -3), 12, held...)

	engine, err := NewAllocationEngine(AllocationEngineDeps{
		Orders:   newMemoryOrderRepo(holder),
		Entries:  &memoryEntryRepo{pools: map[string][]domain.Entry{"school": pool}},
		PoolSize: poolSize,
		Clock:    func() time.Time { return allocationNow },
		Shuffle:  identityShuffle,
	})
	if err != nil {
		t.Fatalf("new allocation engine: %v", err)
	}

	result, err := engine.SelectEntries(context.Background(), AllocationRequest{Project: schoolProject(), Count: 1})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Entry.ID != "z-free" || result.Shortfall != 0 {
		t.Fatalf("expected the free entry past the pool size, got %#v", result)
	}
}

func TestAllocationEngine_ExpiredTierWinsOverLargeUntouchedPool(t *testing.T) {
	const poolSize = 5
	var pool []domain.Entry
	for i := range poolSize {
		pool = append(pool, poolEntry(fmt.Sprintf("a%04d", i), 30, 15))
	}
	pool = append(pool, poolEntry("z-lapsed", 30, 15))
	lapsed := liveOrder("ord_old", allocationNow.AddDate(-2, 0, 0), 1,
		domain.OrderEntry{EntryID: "z-lapsed", SelectedSubscriptions: []string{"education", "food"}})
	entries := &memoryEntryRepo{pools: map[string][]domain.Entry{"school": pool}}

	engine, err := NewAllocationEngine(AllocationEngineDeps{
		Orders:   newMemoryOrderRepo(lapsed),
		Entries:  entries,
		PoolSize: poolSize,
		Clock:    func() time.Time { return allocationNow },
		Shuffle:  identityShuffle,
	})
	if err != nil {
		t.Fatalf("new allocation engine: %v", err)
	}

	result, err := engine.SelectEntries(context.Background(), AllocationRequest{Project: schoolProject(), Count: 1})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Entry.ID != "z-lapsed" || result.Entries[0].Tier != TierExpired {
		t.Fatalf("expected the lapsed entry first, got %#v", result.Entries)
	}
	if len(entries.filters) != 1 || len(entries.filters[0].IncludeIDs) != 1 {
		t.Fatalf("expected a single id-scoped lookup, got %#v", entries.filters)
	}
}
