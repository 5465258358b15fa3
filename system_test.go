package cogmem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cogmem/cogmem/pkg/metastore"
	"github.com/cogmem/cogmem/pkg/vectorstore"
)

func newTestSystem(t *testing.T) *System {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MetadataPath = filepath.Join(t.TempDir(), "meta.db")
	cfg.VectorPath = filepath.Join(t.TempDir(), "vec.db")

	sys, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { sys.Close() })
	return sys
}

func conceptLevel() *int {
	l := metastore.LevelConcept
	return &l
}

// Invariant 1 + S1: storing at concept level then recalling the identical
// text surfaces it as the top core hit with near-maximal cosine score.
func TestStoreRecallIdenticalText(t *testing.T) {
	sys := newTestSystem(t)
	ctx := context.Background()

	text := "transformer attention heads learn positional structure"
	stored, err := sys.Store(ctx, StoreInput{Text: text, LevelHint: conceptLevel()})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if _, err := sys.vectors.Lookup(ctx, vectorstore.CollectionConceptsL0, stored.MemoryID); err != nil {
		t.Fatalf("want vector present in concepts_L0, got %v", err)
	}

	result, err := sys.Recall(ctx, text, RecallLimits{})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(result.Core) == 0 {
		t.Fatalf("want at least one core hit, got %+v", result)
	}
	if result.Core[0].ID != stored.MemoryID {
		t.Fatalf("want stored memory at core rank 1, got %+v", result.Core[0])
	}
	if result.Core[0].Score < 0.95 {
		t.Fatalf("want score >= 0.95 for identical text, got %v", result.Core[0].Score)
	}
}

// Invariant 3: access_count only grows, and memory_type transitions are
// one-way episodic -> semantic.
func TestAccessCountMonotonicAndPromotionOneWay(t *testing.T) {
	sys := newTestSystem(t)
	ctx := context.Background()

	stored, err := sys.Store(ctx, StoreInput{Text: "a fact worth remembering", LevelHint: conceptLevel()})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	before, err := sys.meta.GetMemory(ctx, stored.MemoryID)
	if err != nil {
		t.Fatal(err)
	}
	if before.AccessCount != 0 {
		t.Fatalf("want access_count 0 on creation, got %d", before.AccessCount)
	}

	for i := 0; i < 3; i++ {
		if _, err := sys.Recall(ctx, "a fact worth remembering", RecallLimits{}); err != nil {
			t.Fatalf("Recall #%d: %v", i, err)
		}
	}

	after, err := sys.meta.GetMemory(ctx, stored.MemoryID)
	if err != nil {
		t.Fatal(err)
	}
	if after.AccessCount <= before.AccessCount {
		t.Fatalf("want access_count to have grown, before=%d after=%d", before.AccessCount, after.AccessCount)
	}

	if err := sys.meta.Promote(ctx, stored.MemoryID, 0.01, 0.1); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	promoted, err := sys.meta.GetMemory(ctx, stored.MemoryID)
	if err != nil {
		t.Fatal(err)
	}
	if promoted.MemoryType != metastore.TypeSemantic {
		t.Fatalf("want memory_type semantic after promotion, got %q", promoted.MemoryType)
	}

	// Promote is a no-op once already semantic: decay_rate/importance must
	// not move again.
	if err := sys.meta.Promote(ctx, stored.MemoryID, 0.05, 0.5); err != nil {
		t.Fatalf("Promote (second call): %v", err)
	}
	twicePromoted, err := sys.meta.GetMemory(ctx, stored.MemoryID)
	if err != nil {
		t.Fatal(err)
	}
	if twicePromoted.DecayRate != promoted.DecayRate || twicePromoted.ImportanceScore != promoted.ImportanceScore {
		t.Fatalf("want re-promotion to be a no-op, got %+v vs %+v", twicePromoted, promoted)
	}
}

// Invariant 4: recalling the same query twice within the bridge cache TTL
// yields identical bridge IDs and scores.
func TestBridgeCacheRoundTrip(t *testing.T) {
	sys := newTestSystem(t)
	ctx := context.Background()

	for _, text := range []string{"JavaScript promises chain via then", "Python coroutines use await", "ocean tides follow the moon"} {
		if _, err := sys.Store(ctx, StoreInput{Text: text, LevelHint: conceptLevel()}); err != nil {
			t.Fatalf("Store(%q): %v", text, err)
		}
	}

	first, err := sys.Recall(ctx, "async programming", RecallLimits{})
	if err != nil {
		t.Fatalf("Recall #1: %v", err)
	}
	second, err := sys.Recall(ctx, "async programming", RecallLimits{})
	if err != nil {
		t.Fatalf("Recall #2: %v", err)
	}

	if len(first.Bridges) != len(second.Bridges) {
		t.Fatalf("want identical bridge count across cached recalls, got %d vs %d", len(first.Bridges), len(second.Bridges))
	}
	for i := range first.Bridges {
		if first.Bridges[i].ID != second.Bridges[i].ID || first.Bridges[i].Score != second.Bridges[i].Score {
			t.Fatalf("want identical bridge at index %d, got %+v vs %+v", i, first.Bridges[i], second.Bridges[i])
		}
	}
}

// Invariant 5: delete_by_source removes exactly the memories recorded
// against that source_path, from both stores.
func TestDeleteBySourceRemovesOnlyMatching(t *testing.T) {
	sys := newTestSystem(t)
	ctx := context.Background()

	a, err := sys.Store(ctx, StoreInput{Text: "note from file A", SourcePath: "a.md"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := sys.Store(ctx, StoreInput{Text: "note from file B", SourcePath: "b.md"})
	if err != nil {
		t.Fatal(err)
	}

	deleted, err := sys.DeleteBySource(ctx, "a.md")
	if err != nil {
		t.Fatalf("DeleteBySource: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("want 1 memory deleted, got %d", deleted)
	}
	if _, err := sys.meta.GetMemory(ctx, a.MemoryID); err != metastore.ErrNotFound {
		t.Fatalf("want a.md's memory deleted, got err=%v", err)
	}
	if _, err := sys.meta.GetMemory(ctx, b.MemoryID); err != nil {
		t.Fatalf("want b.md's memory untouched, got err=%v", err)
	}
}

// Invariant 6: activation is bounded by MaxActivations.
func TestActivationBoundedByMaxActivations(t *testing.T) {
	sys := newTestSystem(t)
	ctx := context.Background()

	if _, err := sys.Store(ctx, StoreInput{Text: "seed concept for bounded activation", LevelHint: conceptLevel()}); err != nil {
		t.Fatal(err)
	}
	result, err := sys.Recall(ctx, "seed concept for bounded activation", RecallLimits{})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(result.Core)+len(result.Peripheral) > sys.cfg.MaxActivations {
		t.Fatalf("want |core|+|peripheral| <= %d, got %d", sys.cfg.MaxActivations, len(result.Core)+len(result.Peripheral))
	}
}

// Invariant 7: repeated reinforcement of the same pair converges to 1.
func TestReinforceConvergesToOne(t *testing.T) {
	sys := newTestSystem(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Both endpoints must exist: memory_connections has foreign keys into
	// memories.
	a, err := sys.Store(ctx, StoreInput{Text: "reinforcement endpoint a"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := sys.Store(ctx, StoreInput{Text: "reinforcement endpoint b"})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 200; i++ {
		if err := sys.meta.Reinforce(ctx, a.MemoryID, b.MemoryID, 1, 1, metastore.KindAssociative, now); err != nil {
			t.Fatalf("Reinforce #%d: %v", i, err)
		}
	}
	conn, err := sys.meta.GetConnection(ctx, a.MemoryID, b.MemoryID)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Strength != 1 {
		t.Fatalf("want strength converged to 1, got %v", conn.Strength)
	}
}

// S3: an episodic memory with enough access and strong outgoing edges is
// promoted to semantic on consolidate, with decay_rate reset to 0.01.
func TestConsolidatePromotesViaFacade(t *testing.T) {
	sys := newTestSystem(t)
	ctx := context.Background()
	now := time.Now().UTC()

	popular, err := sys.Store(ctx, StoreInput{Text: "popular memory", LevelHint: conceptLevel()})
	if err != nil {
		t.Fatal(err)
	}
	for _, peer := range []string{"peer-a note", "peer-b note"} {
		if _, err := sys.Store(ctx, StoreInput{Text: peer, LevelHint: conceptLevel()}); err != nil {
			t.Fatal(err)
		}
	}
	peers, err := sys.meta.ListByLevel(ctx, metastore.LevelConcept)
	if err != nil {
		t.Fatal(err)
	}
	linked := 0
	for _, p := range peers {
		if p.ID == popular.MemoryID || linked >= 2 {
			continue
		}
		if err := sys.meta.UpsertConnection(ctx, metastore.Connection{
			SourceID: popular.MemoryID, TargetID: p.ID, Strength: 0.6,
			Kind: metastore.KindAssociative, CreatedAt: now, LastActivated: now,
		}); err != nil {
			t.Fatal(err)
		}
		linked++
	}

	mem, err := sys.meta.GetMemory(ctx, popular.MemoryID)
	if err != nil {
		t.Fatal(err)
	}
	mem.AccessCount = 5
	mem.LastAccessed = now
	if err := sys.meta.PutMemory(ctx, mem); err != nil {
		t.Fatal(err)
	}

	result, err := sys.Consolidate(ctx)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if result.Promoted != 1 {
		t.Fatalf("want 1 promotion, got %+v", result)
	}
	got, err := sys.meta.GetMemory(ctx, popular.MemoryID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MemoryType != metastore.TypeSemantic {
		t.Fatalf("want memory_type semantic, got %q", got.MemoryType)
	}
	if got.DecayRate != 0.01 {
		t.Fatalf("want decay_rate 0.01 after promotion, got %v", got.DecayRate)
	}
}

// S4: 10 episodic memories with no accesses, 31 simulated days stale, are
// all evicted from both stores on consolidate.
func TestConsolidateEvictsStaleMemories(t *testing.T) {
	sys := newTestSystem(t)
	ctx := context.Background()
	now := time.Now().UTC()
	stale := now.AddDate(0, 0, -31)

	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("stale-%d", i)
		mem := metastore.Memory{
			ID: id, Level: metastore.LevelEpisode, Content: "stale episodic memory",
			VectorRef: id, CreatedAt: stale, LastAccessed: stale,
			AccessCount: 0, ImportanceScore: 0.1, MemoryType: metastore.TypeEpisodic, DecayRate: 0.1,
		}
		if err := sys.vectors.Insert(ctx, vectorstore.CollectionEpisodesL2, mem.VectorRef, []float32{1, 0}, nil); err != nil {
			t.Fatal(err)
		}
		if err := sys.meta.PutMemory(ctx, mem); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	result, err := sys.Consolidate(ctx)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if result.Evicted != 10 {
		t.Fatalf("want 10 evictions, got %+v", result)
	}
	for _, id := range ids {
		if _, err := sys.meta.GetMemory(ctx, id); err != metastore.ErrNotFound {
			t.Fatalf("want %s removed from metastore, got err=%v", id, err)
		}
		if _, err := sys.vectors.Lookup(ctx, vectorstore.CollectionEpisodesL2, id); err != vectorstore.ErrNotFound {
			t.Fatalf("want %s's vector removed, got err=%v", id, err)
		}
	}
}

// S6: a vector written without a matching metadata row (simulating a
// crash between the vector insert and the metadata insert) is removed by
// Reconcile, and a metadata row without a vector is re-embedded.
func TestReconcileRemovesOrphanVectorAndReembedsOrphanMetadata(t *testing.T) {
	sys := newTestSystem(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := sys.vectors.Insert(ctx, vectorstore.CollectionEpisodesL2, "orphan-vector", []float32{1, 0}, nil); err != nil {
		t.Fatal(err)
	}

	mem := metastore.Memory{
		ID: "orphan-meta", Level: metastore.LevelEpisode, Content: "content survives restart",
		VectorRef: "orphan-meta", CreatedAt: now, LastAccessed: now, MemoryType: metastore.TypeEpisodic, DecayRate: 0.1,
	}
	if err := sys.meta.PutMemory(ctx, mem); err != nil {
		t.Fatal(err)
	}

	removed, reembedded, err := sys.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if removed != 1 {
		t.Fatalf("want 1 orphan vector removed, got %d", removed)
	}
	if reembedded != 1 {
		t.Fatalf("want 1 orphan metadata row re-embedded, got %d", reembedded)
	}

	if _, err := sys.vectors.Lookup(ctx, vectorstore.CollectionEpisodesL2, "orphan-vector"); err != vectorstore.ErrNotFound {
		t.Fatalf("want orphan vector gone, got err=%v", err)
	}
	if _, err := sys.vectors.Lookup(ctx, vectorstore.CollectionEpisodesL2, "orphan-meta"); err != nil {
		t.Fatalf("want orphan-meta's vector rewritten, got err=%v", err)
	}

	stats, err := sys.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.CountByLevel[metastore.LevelEpisode] != 1 {
		t.Fatalf("want exactly 1 episodic memory remaining, got %+v", stats.CountByLevel)
	}
}

// S5: writing, overwriting, and deleting a synced file results in the
// memory store tracking exactly its current content.
func TestRunFileSyncTracksFileLifecycle(t *testing.T) {
	sys := newTestSystem(t)
	sys.cfg.FileSyncRoot = t.TempDir()
	sys.cfg.FileSyncPollInterval = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sys.RunFileSync(ctx) }()

	path := filepath.Join(sys.cfg.FileSyncRoot, "notes.md")
	if err := os.WriteFile(path, []byte("content X"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForSourceContent(t, sys, path, "content X")

	time.Sleep(30 * time.Millisecond) // ensure mtime advances on coarse filesystems
	if err := os.WriteFile(path, []byte("content Y"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForSourceContent(t, sys, path, "content Y")

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitForSourceCount(t, sys, path, 0)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunFileSync did not return after context cancel")
	}
}

func waitForSourceContent(t *testing.T, sys *System, path, content string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		memories, err := sys.meta.ListBySourcePath(context.Background(), path)
		if err == nil && len(memories) == 1 && memories[0].Content == content {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for source_path %s to hold content %q", path, content)
}

func waitForSourceCount(t *testing.T, sys *System, path string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		memories, err := sys.meta.ListBySourcePath(context.Background(), path)
		if err == nil && len(memories) == want {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for source_path %s to hold %d memories", path, want)
}
