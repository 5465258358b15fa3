// system.go wires pkg/embedding, pkg/dimension, pkg/encoder,
// pkg/vectorstore, pkg/metastore, pkg/activation, pkg/bridge, and
// pkg/dualmemory into the Cognitive System Façade (spec §6):
// store/recall/consolidate/stats/delete_by_source.
package cogmem

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cogmem/cogmem/pkg/activation"
	"github.com/cogmem/cogmem/pkg/bridge"
	"github.com/cogmem/cogmem/pkg/dimension"
	"github.com/cogmem/cogmem/pkg/dualmemory"
	"github.com/cogmem/cogmem/pkg/embedding"
	"github.com/cogmem/cogmem/pkg/encoder"
	"github.com/cogmem/cogmem/pkg/filesync"
	"github.com/cogmem/cogmem/pkg/logging"
	"github.com/cogmem/cogmem/pkg/metastore"
	"github.com/cogmem/cogmem/pkg/vectorstore"
)

// System is the cognitive memory engine façade. It owns both stores and
// the component set that operates over them.
type System struct {
	cfg Config

	vectors *vectorstore.Store
	meta    *metastore.Store

	encoder    *encoder.Encoder
	activation *activation.Engine
	bridge     *bridge.Discovery
	dualmem    *dualmemory.Manager

	syncMu     sync.Mutex
	syncPoller      *filesync.Poller
	syncCoordinator *filesync.Coordinator

	logger logging.Logger
}

// Open wires every component from cfg and opens both SQLite-backed stores.
// The caller owns the returned System's lifetime and must call Close.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (*System, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	vectors, err := vectorstore.Open(ctx, vectorstore.Config{Path: cfg.VectorPath, Logger: logger})
	if err != nil {
		return nil, wrapErr("Open", ErrFatal, err)
	}
	meta, err := metastore.Open(ctx, metastore.Config{Path: cfg.MetadataPath, Logger: logger})
	if err != nil {
		vectors.Close()
		return nil, wrapErr("Open", ErrFatal, err)
	}

	enc := encoder.New(embedding.NewHashProvider(embedding.DefaultDim), dimension.NewRuleExtractor(), cfg.Alpha)

	actEngine := activation.New(vectors, meta, activation.Config{
		Threshold:      cfg.ActivationThreshold,
		MaxActivations: cfg.MaxActivations,
	})

	bridgeDiscovery := bridge.New(vectors, meta, bridge.Config{
		BridgeK:    cfg.BridgeK,
		NoveltyMin: cfg.BridgeNoveltyMin,
		CPMin:      cfg.BridgeCPMin,
	})

	dualMgr := dualmemory.New(meta, vectors, dualmemory.Config{
		SemanticDecayRate:  cfg.SemanticDecay,
		PromoteAccessCount: cfg.PromoteAccessCount,
		Interval:           cfg.MonitoringInterval(),
	}, logger)

	sys := &System{
		cfg: cfg, vectors: vectors, meta: meta,
		encoder: enc, activation: actEngine, bridge: bridgeDiscovery, dualmem: dualMgr,
		logger: logger,
	}

	// Spec §7: reconcile the two stores on every startup, before the
	// caller can observe or mutate either one.
	if removed, reembedded, err := sys.Reconcile(ctx); err != nil {
		vectors.Close()
		meta.Close()
		return nil, wrapErr("Open", ErrFatal, err)
	} else if removed > 0 || reembedded > 0 {
		logger.Info("Open: startup reconciliation", "removed_vectors", removed, "reembedded_memories", reembedded)
	}

	return sys, nil
}

// Close releases both underlying stores.
func (s *System) Close() error {
	verr := s.vectors.Close()
	merr := s.meta.Close()
	if verr != nil {
		return verr
	}
	return merr
}

// StoreInput is the text plus optional context hints for Store, mirroring
// the store() operation's input shape (spec §6).
type StoreInput struct {
	Text           string
	LevelHint      *int
	ParentID       string
	SourcePath     string
	DimensionsHint map[string]float64
}

// StoreResult is what Store returns: the new memory's id and its extracted
// dimension scores.
type StoreResult struct {
	MemoryID   string
	Dimensions map[string]float64
}

// Store encodes text, persists the vector and metadata row, and links it
// to its parent if one was given. Per spec §4.5, the vector is written
// first and metadata second; if the metadata write fails the vector is
// deleted again, and only if that compensating delete also fails does an
// orphan vector remain for Reconcile to clean up.
func (s *System) Store(ctx context.Context, in StoreInput) (StoreResult, error) {
	if in.Text == "" {
		return StoreResult{}, wrapErr("Store", ErrValidation, fmt.Errorf("text must not be empty"))
	}
	level := metastore.LevelEpisode
	if in.LevelHint != nil {
		level = *in.LevelHint
	}
	if in.ParentID != "" {
		parent, err := s.meta.GetMemory(ctx, in.ParentID)
		if err != nil {
			return StoreResult{}, wrapErr("Store", ErrValidation, fmt.Errorf("parent_id %q: %w", in.ParentID, err))
		}
		if parent.Level >= level {
			return StoreResult{}, wrapErr("Store", ErrValidation, fmt.Errorf("parent must be at a strictly lower level than %d", level))
		}
	}

	fused, dims, err := s.encoder.Encode(ctx, in.Text)
	if err != nil {
		return StoreResult{}, wrapErr("Store", ErrFatal, err)
	}
	// A loader-supplied dimensions_hint (spec §4.9) replaces the encoder's
	// own extraction: the loader already knows the unit's semantics better
	// than a generic dimension extractor would (e.g. a commit message's
	// conventional-commit type).
	if len(in.DimensionsHint) > 0 {
		dims = in.DimensionsHint
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	decayRate := s.cfg.EpisodicDecay
	if decayRate == 0 {
		decayRate = defaultEpisodicDecayRate
	}

	if err := s.vectors.Insert(ctx, collectionForLevel(level), id, fused, map[string]any{"source_path": in.SourcePath}); err != nil {
		return StoreResult{}, wrapErr("Store", ErrStoreUnavailable, err)
	}

	mem := metastore.Memory{
		ID: id, Level: level, Content: in.Text, Dimensions: dims, VectorRef: id,
		CreatedAt: now, LastAccessed: now, AccessCount: 0, ImportanceScore: 0,
		ParentID: in.ParentID, MemoryType: metastore.TypeEpisodic, DecayRate: decayRate,
		SourcePath: in.SourcePath,
	}
	if err := s.meta.PutMemory(ctx, mem); err != nil {
		// Compensating delete: don't leave an unreachable vector behind.
		if derr := s.vectors.Delete(ctx, collectionForLevel(level), id); derr != nil {
			s.logger.Error("Store: compensating vector delete failed", "id", id, "error", derr.Error())
		}
		return StoreResult{}, wrapErr("Store", ErrStoreUnavailable, err)
	}

	return StoreResult{MemoryID: id, Dimensions: dims}, nil
}

// RecallLimits tunes how many results recall() returns per bucket. A zero
// KCore or KPeripheral leaves that bucket uncapped (it is still bounded by
// the activation cap); a zero KBridge uses the bridge component's default.
type RecallLimits struct {
	KCore       int
	KPeripheral int
	KBridge     int
}

// RecallHit is one scored item in a RecallResult bucket.
type RecallHit struct {
	ID      string
	Content string
	Score   float64
	Why     string
}

// RecallResult is recall()'s output shape (spec §6).
type RecallResult struct {
	Core       []RecallHit
	Peripheral []RecallHit
	Bridges    []RecallHit
}

// Recall encodes query, runs seed+spread activation, scores bridge
// candidates, and reinforces the connections between co-activated core
// memories (the associative learning side-effect of a successful recall).
func (s *System) Recall(ctx context.Context, query string, limits RecallLimits) (RecallResult, error) {
	fused, _, err := s.encoder.Encode(ctx, query)
	if err != nil {
		return RecallResult{}, wrapErr("Recall", ErrFatal, err)
	}

	seeds, err := s.activation.Seed(ctx, fused)
	if err != nil {
		return RecallResult{}, wrapErr("Recall", ErrStoreUnavailable, err)
	}

	now := time.Now().UTC()
	result, err := s.activation.Spread(ctx, seeds, now)
	if err != nil {
		return RecallResult{}, wrapErr("Recall", ErrStoreUnavailable, err)
	}

	if err := s.reinforceCore(ctx, result.Core, now); err != nil {
		s.logger.Warn("Recall: reinforcement failed", "error", err.Error())
	}

	excluded := map[string]bool{}
	activatedRefs := make([]bridge.ActivatedRef, 0, len(result.Core)+len(result.Peripheral))
	for _, a := range append(append([]activation.Activated{}, result.Core...), result.Peripheral...) {
		excluded[a.Memory.ID] = true
		vec, err := s.vectors.Lookup(ctx, collectionForLevel(a.Memory.Level), a.Memory.VectorRef)
		if err != nil {
			continue
		}
		activatedRefs = append(activatedRefs, bridge.ActivatedRef{MemoryID: a.Memory.ID, Vector: vec})
	}

	bridgeCfg := bridge.Config{BridgeK: limits.KBridge, NoveltyMin: s.cfg.BridgeNoveltyMin, CPMin: s.cfg.BridgeCPMin}
	fingerprint := bridge.Fingerprint(fused, bridgeCfg)
	bridges, err := s.bridge.Discover(ctx, fingerprint, fused, activatedRefs, excluded, now)
	if err != nil {
		return RecallResult{}, wrapErr("Recall", ErrStoreUnavailable, err)
	}

	out := RecallResult{
		Core:       toHits(result.Core, limits.KCore, "core: activation above threshold"),
		Peripheral: toHits(result.Peripheral, limits.KPeripheral, "peripheral: activation spread from core"),
		Bridges:    make([]RecallHit, 0, len(bridges)),
	}
	for _, b := range bridges {
		out.Bridges = append(out.Bridges, RecallHit{
			ID: b.Memory.ID, Content: b.Memory.Content, Score: b.BridgeScore,
			Why: fmt.Sprintf("bridge: novelty=%.2f cp=%.2f", b.NoveltyScore, b.ConnectionPotential),
		})
	}
	if limits.KBridge > 0 && len(out.Bridges) > limits.KBridge {
		out.Bridges = out.Bridges[:limits.KBridge]
	}

	for _, stat := range []struct {
		kind  string
		items []RecallHit
	}{{"core", out.Core}, {"peripheral", out.Peripheral}, {"bridge", out.Bridges}} {
		for _, h := range stat.items {
			_ = s.meta.AppendRetrievalStat(ctx, metastore.RetrievalStat{
				QueryFingerprint: fingerprint, MemoryID: h.ID, Kind: stat.kind, Timestamp: now,
			})
		}
	}

	return out, nil
}

func toHits(activated []activation.Activated, limit int, why string) []RecallHit {
	if limit > 0 && limit < len(activated) {
		activated = activated[:limit]
	}
	out := make([]RecallHit, 0, len(activated))
	for _, a := range activated {
		out = append(out, RecallHit{ID: a.Memory.ID, Content: a.Memory.Content, Score: a.Activation, Why: why})
	}
	return out
}

// reinforceCore strengthens the connection between every unordered pair of
// co-activated core memories, per spec §4.5's co-occurrence reinforcement
// rule: one directed edge per pair, winner -> loser, where winner is
// whichever memory activated higher.
func (s *System) reinforceCore(ctx context.Context, core []activation.Activated, now time.Time) error {
	for i := range core {
		for j := i + 1; j < len(core); j++ {
			winner, loser := core[i], core[j]
			if loser.Activation > winner.Activation {
				winner, loser = loser, winner
			}
			if err := s.meta.Reinforce(ctx, winner.Memory.ID, loser.Memory.ID, winner.Activation, loser.Activation, metastore.KindAssociative, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// ConsolidateResult mirrors consolidate()'s output (spec §6).
type ConsolidateResult struct {
	Evicted  int
	Promoted int
	Retained int
}

// Consolidate runs one dual-memory maintenance pass now.
func (s *System) Consolidate(ctx context.Context) (ConsolidateResult, error) {
	report, err := s.dualmem.Consolidate(ctx, time.Now().UTC())
	if err != nil {
		return ConsolidateResult{}, wrapErr("Consolidate", ErrStoreUnavailable, err)
	}
	return ConsolidateResult{Evicted: report.Evicted, Promoted: report.Promoted, Retained: report.Retained}, nil
}

// RunMonitoring drives the dual-memory manager's recurring consolidation
// pass on cfg.MonitoringInterval until ctx is cancelled. It is a no-op
// unless cfg.MonitoringEnabled is set, leaving consolidation available only
// through the explicit Consolidate call (spec §6's "also triggerable").
func (s *System) RunMonitoring(ctx context.Context) {
	if !s.cfg.MonitoringEnabled {
		return
	}
	s.dualmem.Run(ctx, time.Now, nil)
}

// SyncHealth reports the file sync engine's last poll, if RunFileSync has
// been started on this System.
type SyncHealth struct {
	Enabled    bool
	LastPollAt time.Time
	LastError  string
}

// StatsResult mirrors stats()'s output (spec §6).
type StatsResult struct {
	CountByLevel        map[int]int64
	EdgeCount           int64
	BridgeCacheHitRatio float64
	Sync                SyncHealth
}

// Stats summarizes the metadata store's current state, the bridge cache's
// lifetime hit ratio, and file-sync health.
func (s *System) Stats(ctx context.Context) (StatsResult, error) {
	summary, err := s.meta.Summary(ctx)
	if err != nil {
		return StatsResult{}, wrapErr("Stats", ErrStoreUnavailable, err)
	}

	hits, misses := s.bridge.CacheStats()
	var hitRatio float64
	if total := hits + misses; total > 0 {
		hitRatio = float64(hits) / float64(total)
	}

	return StatsResult{
		CountByLevel:        summary.CountByLevel,
		EdgeCount:           summary.EdgeCount,
		BridgeCacheHitRatio: hitRatio,
		Sync:                s.syncHealth(),
	}, nil
}

func (s *System) syncHealth() SyncHealth {
	s.syncMu.Lock()
	poller := s.syncPoller
	coordinator := s.syncCoordinator
	s.syncMu.Unlock()
	if poller == nil {
		return SyncHealth{}
	}
	lastPollAt, lastErr := poller.Health()
	health := SyncHealth{Enabled: true, LastPollAt: lastPollAt}
	if lastErr != nil {
		health.LastError = lastErr.Error()
	}
	// A reload failure (exhausted retries) is a more actionable signal than
	// a clean poll, so it takes precedence when both are present.
	if coordinator != nil {
		if _, reloadErr := coordinator.Health(); reloadErr != nil {
			health.LastError = reloadErr.Error()
		}
	}
	return health
}

// DeleteBySource removes every memory whose source_path equals path, from
// both stores, and returns the count deleted.
func (s *System) DeleteBySource(ctx context.Context, path string) (int, error) {
	memories, err := s.meta.ListBySourcePath(ctx, path)
	if err != nil {
		return 0, wrapErr("DeleteBySource", ErrStoreUnavailable, err)
	}
	if err := s.deleteMemories(ctx, memories); err != nil {
		return 0, err
	}
	return len(memories), nil
}

func (s *System) deleteMemories(ctx context.Context, memories []metastore.Memory) error {
	for _, m := range memories {
		if err := s.vectors.Delete(ctx, collectionForLevel(m.Level), m.VectorRef); err != nil {
			return wrapErr("DeleteBySource", ErrStoreUnavailable, err)
		}
		if err := s.meta.DeleteMemory(ctx, m.ID); err != nil {
			return wrapErr("DeleteBySource", ErrStoreUnavailable, err)
		}
	}
	return nil
}

// Reconcile implements spec §7's startup recovery: every vector without a
// matching metadata row is removed; every metadata row without a vector
// (content is always available, since metadata is the source of truth) is
// re-embedded and its vector rewritten.
func (s *System) Reconcile(ctx context.Context) (removedVectors int, reembedded int, err error) {
	memories, err := s.meta.ListAll(ctx)
	if err != nil {
		return 0, 0, wrapErr("Reconcile", ErrStoreUnavailable, err)
	}
	byVectorRef := make(map[string]metastore.Memory, len(memories))
	for _, m := range memories {
		byVectorRef[m.VectorRef] = m
	}

	for _, level := range []int{metastore.LevelConcept, metastore.LevelContext, metastore.LevelEpisode} {
		collection := collectionForLevel(level)
		hits, serr := s.vectors.Search(ctx, collection, nil, 1<<30, nil)
		if serr != nil {
			return removedVectors, reembedded, wrapErr("Reconcile", ErrStoreUnavailable, serr)
		}
		for _, h := range hits {
			if _, ok := byVectorRef[h.VectorRef]; !ok {
				if derr := s.vectors.Delete(ctx, collection, h.VectorRef); derr != nil {
					return removedVectors, reembedded, wrapErr("Reconcile", ErrStoreUnavailable, derr)
				}
				removedVectors++
			}
		}
	}

	for _, m := range memories {
		if _, err := s.vectors.Lookup(ctx, collectionForLevel(m.Level), m.VectorRef); err == vectorstore.ErrNotFound {
			fused, _, eerr := s.encoder.Encode(ctx, m.Content)
			if eerr != nil {
				return removedVectors, reembedded, wrapErr("Reconcile", ErrFatal, eerr)
			}
			if ierr := s.vectors.Insert(ctx, collectionForLevel(m.Level), m.VectorRef, fused, map[string]any{"source_path": m.SourcePath}); ierr != nil {
				return removedVectors, reembedded, wrapErr("Reconcile", ErrStoreUnavailable, ierr)
			}
			reembedded++
		}
	}
	return removedVectors, reembedded, nil
}

// RunFileSync polls cfg.FileSyncRoot for markdown (and registered loader)
// file changes and folds each change into the memory store: an add or
// modify re-ingests every content unit the matching Loader extracts as a
// context-level memory tagged with source_path; a delete removes every
// memory previously recorded against that path (spec §4.9). It blocks
// until ctx is canceled or the root is unset.
func (s *System) RunFileSync(ctx context.Context) error {
	if s.cfg.FileSyncRoot == "" {
		return nil
	}
	poller := filesync.NewPoller(filesync.PollerConfig{Root: s.cfg.FileSyncRoot, Interval: s.cfg.FileSyncPollInterval, Logger: s.logger})
	registry := filesync.NewRegistry(filesync.CommitMessageLoader{}, filesync.MarkdownLoader{})
	coordinator := filesync.NewCoordinator(&fileReloader{sys: s, registry: registry}, filesync.CoordinatorConfig{Logger: s.logger})

	s.syncMu.Lock()
	s.syncPoller = poller
	s.syncCoordinator = coordinator
	s.syncMu.Unlock()
	defer func() {
		s.syncMu.Lock()
		s.syncPoller = nil
		s.syncCoordinator = nil
		s.syncMu.Unlock()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- poller.Run(ctx) }()
	go func() { errCh <- coordinator.Run(ctx, poller.Events()) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fileReloader adapts System's Store/DeleteBySource into filesync's
// Reloader contract, loading each changed file through registry before
// handing content units to Store.
type fileReloader struct {
	sys      *System
	registry *filesync.Registry
}

func (r *fileReloader) ReloadPath(ctx context.Context, path string, kind filesync.EventKind) error {
	if kind == filesync.EventDeleted {
		_, err := r.sys.DeleteBySource(ctx, path)
		return err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	units, matched, err := r.registry.Load(path, content)
	if err != nil {
		return err
	}
	if !matched {
		return nil
	}

	// cfg.SyncAtomicOperations trades a brief duplicate-content window for
	// removing the window where path has no memories at all: the stale
	// rows are captured up front and dropped only after the reload
	// succeeds, instead of deleting first and storing after.
	var stale []metastore.Memory
	if kind == filesync.EventModified {
		if r.sys.cfg.SyncAtomicOperations {
			var err error
			stale, err = r.sys.meta.ListBySourcePath(ctx, path)
			if err != nil {
				return err
			}
		} else if _, err := r.sys.DeleteBySource(ctx, path); err != nil {
			return err
		}
	}

	level := metastore.LevelContext
	for _, unit := range units {
		if unit.Text == "" {
			continue
		}
		if _, err := r.sys.Store(ctx, StoreInput{
			Text: unit.Text, LevelHint: &level, SourcePath: path,
			ParentID: unit.ParentRef, DimensionsHint: unit.DimensionsHint,
		}); err != nil {
			return err
		}
	}

	if stale != nil {
		if err := r.sys.deleteMemories(ctx, stale); err != nil {
			return err
		}
	}
	return nil
}

func collectionForLevel(level int) string {
	switch level {
	case metastore.LevelConcept:
		return vectorstore.CollectionConceptsL0
	case metastore.LevelContext:
		return vectorstore.CollectionContextsL1
	default:
		return vectorstore.CollectionEpisodesL2
	}
}
