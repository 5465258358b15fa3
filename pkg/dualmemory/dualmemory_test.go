package dualmemory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cogmem/cogmem/pkg/metastore"
	"github.com/cogmem/cogmem/pkg/vectorstore"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *metastore.Store, *vectorstore.Store) {
	t.Helper()
	ctx := context.Background()
	ms, err := metastore.Open(ctx, metastore.Config{Path: filepath.Join(t.TempDir(), "meta.db")})
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { ms.Close() })
	vs, err := vectorstore.Open(ctx, vectorstore.Config{Path: filepath.Join(t.TempDir(), "vec.db")})
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	t.Cleanup(func() { vs.Close() })
	return New(ms, vs, cfg, nil), ms, vs
}

func putMemory(t *testing.T, ms *metastore.Store, vs *vectorstore.Store, m metastore.Memory) {
	t.Helper()
	ctx := context.Background()
	if m.Dimensions == nil {
		m.Dimensions = map[string]float64{}
	}
	collection := collectionForLevel(m.Level)
	if err := vs.Insert(ctx, collection, m.VectorRef, []float32{1, 0}, nil); err != nil {
		t.Fatalf("Insert(%s): %v", m.ID, err)
	}
	if err := ms.PutMemory(ctx, m); err != nil {
		t.Fatalf("PutMemory(%s): %v", m.ID, err)
	}
}

func TestConsolidateEvictsStaleZeroAccessMemory(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	mgr, ms, vs := newTestManager(t, Config{})

	putMemory(t, ms, vs, metastore.Memory{
		ID: "stale", Level: metastore.LevelEpisode, Content: "stale", VectorRef: "stale",
		CreatedAt: now.AddDate(0, 0, -40), LastAccessed: now.AddDate(0, 0, -40),
		AccessCount: 0, ImportanceScore: 0.2, MemoryType: metastore.TypeEpisodic, DecayRate: 0.1,
	})

	report, err := mgr.Consolidate(ctx, now)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if report.Evicted != 1 {
		t.Fatalf("want 1 eviction, got %+v", report)
	}
	if _, err := ms.GetMemory(ctx, "stale"); err != metastore.ErrNotFound {
		t.Fatalf("want memory deleted from metastore, got err=%v", err)
	}
	if _, err := vs.Lookup(ctx, vectorstore.CollectionEpisodesL2, "stale"); err != vectorstore.ErrNotFound {
		t.Fatalf("want vector deleted (compensating delete), got err=%v", err)
	}
}

func TestConsolidateRetainsRecentlyAccessedMemory(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	mgr, ms, vs := newTestManager(t, Config{})

	putMemory(t, ms, vs, metastore.Memory{
		ID: "fresh", Level: metastore.LevelEpisode, Content: "fresh", VectorRef: "fresh",
		CreatedAt: now, LastAccessed: now,
		AccessCount: 0, ImportanceScore: 0.01, MemoryType: metastore.TypeEpisodic, DecayRate: 0.1,
	})

	report, err := mgr.Consolidate(ctx, now)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if report.Evicted != 0 || report.Retained != 1 {
		t.Fatalf("want memory retained (not stale long enough), got %+v", report)
	}
}

func TestConsolidatePromotesQualifyingEpisodicMemory(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	mgr, ms, vs := newTestManager(t, Config{})

	putMemory(t, ms, vs, metastore.Memory{
		ID: "popular", Level: metastore.LevelEpisode, Content: "popular", VectorRef: "popular",
		CreatedAt: now.AddDate(0, 0, -10), LastAccessed: now.AddDate(0, 0, -1),
		AccessCount: 6, ImportanceScore: 0.5, MemoryType: metastore.TypeEpisodic, DecayRate: 0.1,
	})
	putMemory(t, ms, vs, metastore.Memory{
		ID: "peer-a", Level: metastore.LevelEpisode, Content: "peer-a", VectorRef: "peer-a",
		CreatedAt: now, LastAccessed: now, MemoryType: metastore.TypeEpisodic, DecayRate: 0.1,
	})
	putMemory(t, ms, vs, metastore.Memory{
		ID: "peer-b", Level: metastore.LevelEpisode, Content: "peer-b", VectorRef: "peer-b",
		CreatedAt: now, LastAccessed: now, MemoryType: metastore.TypeEpisodic, DecayRate: 0.1,
	})
	if err := ms.UpsertConnection(ctx, metastore.Connection{
		SourceID: "popular", TargetID: "peer-a", Strength: 0.6, Kind: metastore.KindAssociative,
		CreatedAt: now, LastActivated: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := ms.UpsertConnection(ctx, metastore.Connection{
		SourceID: "popular", TargetID: "peer-b", Strength: 0.7, Kind: metastore.KindAssociative,
		CreatedAt: now, LastActivated: now,
	}); err != nil {
		t.Fatal(err)
	}

	report, err := mgr.Consolidate(ctx, now)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if report.Promoted != 1 {
		t.Fatalf("want 1 promotion, got %+v", report)
	}
	got, err := ms.GetMemory(ctx, "popular")
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.MemoryType != metastore.TypeSemantic {
		t.Fatalf("want memory_type semantic after promotion, got %q", got.MemoryType)
	}
	if got.DecayRate != DefaultSemanticDecayRate {
		t.Fatalf("want decay_rate %v after promotion, got %v", DefaultSemanticDecayRate, got.DecayRate)
	}
}

func TestConsolidateDoesNotPromoteWithoutEnoughStrongEdges(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	mgr, ms, vs := newTestManager(t, Config{})

	putMemory(t, ms, vs, metastore.Memory{
		ID: "popular", Level: metastore.LevelEpisode, Content: "popular", VectorRef: "popular",
		CreatedAt: now.AddDate(0, 0, -10), LastAccessed: now.AddDate(0, 0, -1),
		AccessCount: 6, ImportanceScore: 0.5, MemoryType: metastore.TypeEpisodic, DecayRate: 0.1,
	})

	report, err := mgr.Consolidate(ctx, now)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if report.Promoted != 0 {
		t.Fatalf("want no promotion without 2 strong edges, got %+v", report)
	}
	got, err := ms.GetMemory(ctx, "popular")
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.MemoryType != metastore.TypeEpisodic {
		t.Fatalf("want memory_type unchanged, got %q", got.MemoryType)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	mgr, _, _ := newTestManager(t, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		mgr.Run(ctx, time.Now, nil)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
