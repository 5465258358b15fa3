// Package dualmemory implements the Dual Memory Manager (spec §4.8): a
// recurring maintenance task applying time-decay eviction to stale
// episodic memories and promoting frequently accessed ones to semantic.
//
// The recurring-task shape (ticker-driven loop, channel-closed shutdown)
// is grounded on pkg/core/streaming.go's IncrementalIndex.processUpdates.
package dualmemory

import (
	"context"
	"math"
	"time"

	"github.com/cogmem/cogmem/pkg/logging"
	"github.com/cogmem/cogmem/pkg/metastore"
	"github.com/cogmem/cogmem/pkg/vectorstore"
)

// Defaults per spec §4.8 / §6 configuration surface.
const (
	DefaultInterval            = time.Hour
	DefaultEvictFloor          = 0.05
	DefaultStaleDays           = 30
	DefaultPromoteAccessCount  = 5
	DefaultPromoteWithinDays   = 7
	DefaultPromoteMinEdges     = 2
	DefaultPromoteEdgeStrength = 0.5
	DefaultSemanticDecayRate   = 0.01
	promotionImportanceBoost   = 0.1
)

// Config tunes the maintenance pass. Zero values fall back to defaults.
type Config struct {
	Interval            time.Duration
	EvictFloor          float64
	StaleDays           int
	PromoteAccessCount  int64
	PromoteWithinDays   int
	PromoteMinEdges     int
	PromoteEdgeStrength float64
	SemanticDecayRate   float64
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.EvictFloor == 0 {
		c.EvictFloor = DefaultEvictFloor
	}
	if c.StaleDays == 0 {
		c.StaleDays = DefaultStaleDays
	}
	if c.PromoteAccessCount == 0 {
		c.PromoteAccessCount = DefaultPromoteAccessCount
	}
	if c.PromoteWithinDays == 0 {
		c.PromoteWithinDays = DefaultPromoteWithinDays
	}
	if c.PromoteMinEdges == 0 {
		c.PromoteMinEdges = DefaultPromoteMinEdges
	}
	if c.PromoteEdgeStrength == 0 {
		c.PromoteEdgeStrength = DefaultPromoteEdgeStrength
	}
	if c.SemanticDecayRate == 0 {
		c.SemanticDecayRate = DefaultSemanticDecayRate
	}
	return c
}

// Report summarizes one consolidation pass, matching the façade's
// consolidate() output shape (spec §6).
type Report struct {
	Evicted  int
	Promoted int
	Retained int
}

// Manager runs decay/eviction/promotion passes against a metadata store
// and vector store pair.
type Manager struct {
	meta    *metastore.Store
	vectors *vectorstore.Store
	cfg     Config
	logger  logging.Logger
}

// New returns a Manager with cfg defaults applied.
func New(meta *metastore.Store, vectors *vectorstore.Store, cfg Config, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{meta: meta, vectors: vectors, cfg: cfg.withDefaults(), logger: logger}
}

// Consolidate runs one maintenance pass at time now: decay+eviction over
// all episodic memories, then promotion over eviction survivors. It
// checks ctx between memories so Run's cooperative shutdown can cut a
// long pass short without corrupting state (spec §5).
func (m *Manager) Consolidate(ctx context.Context, now time.Time) (Report, error) {
	var report Report

	all, err := m.meta.ListAll(ctx)
	if err != nil {
		return Report{}, err
	}

	for _, mem := range all {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}
		if mem.MemoryType != metastore.TypeEpisodic {
			continue
		}

		evicted, err := m.maybeEvict(ctx, mem, now)
		if err != nil {
			return report, err
		}
		if evicted {
			report.Evicted++
			continue
		}

		promoted, err := m.maybePromote(ctx, mem, now)
		if err != nil {
			return report, err
		}
		if promoted {
			report.Promoted++
		} else {
			report.Retained++
		}
	}
	return report, nil
}

// maybeEvict applies the decay+eviction rule: effective importance below
// EvictFloor AND access_count == 0 for more than StaleDays deletes the
// memory from both stores (compensating vector deletion, spec §4.8).
func (m *Manager) maybeEvict(ctx context.Context, mem metastore.Memory, now time.Time) (bool, error) {
	daysSinceAccess := now.Sub(mem.LastAccessed).Hours() / 24
	effectiveImportance := mem.ImportanceScore * math.Exp(-mem.DecayRate*daysSinceAccess)

	if effectiveImportance >= m.cfg.EvictFloor {
		return false, nil
	}
	if mem.AccessCount != 0 || daysSinceAccess <= float64(m.cfg.StaleDays) {
		return false, nil
	}

	if err := m.meta.DeleteMemory(ctx, mem.ID); err != nil {
		return false, err
	}
	if err := m.vectors.Delete(ctx, collectionForLevel(mem.Level), mem.VectorRef); err != nil {
		m.logger.Warn("dualmemory: compensating vector delete failed", "id", mem.ID, "error", err.Error())
		return false, err
	}
	m.logger.Info("dualmemory: evicted", "id", mem.ID, "effective_importance", effectiveImportance)
	return true, nil
}

// maybePromote applies the promotion rule: access_count >=
// PromoteAccessCount AND last_accessed within PromoteWithinDays AND at
// least PromoteMinEdges outgoing edges of strength >= PromoteEdgeStrength.
// Promotion is irreversible.
func (m *Manager) maybePromote(ctx context.Context, mem metastore.Memory, now time.Time) (bool, error) {
	if mem.AccessCount < m.cfg.PromoteAccessCount {
		return false, nil
	}
	cutoff := now.Add(-time.Duration(m.cfg.PromoteWithinDays) * 24 * time.Hour)
	if mem.LastAccessed.Before(cutoff) {
		return false, nil
	}
	strongEdges, err := m.meta.CountConnectionsAtLeast(ctx, mem.ID, m.cfg.PromoteEdgeStrength)
	if err != nil {
		return false, err
	}
	if strongEdges < m.cfg.PromoteMinEdges {
		return false, nil
	}

	if err := m.meta.Promote(ctx, mem.ID, m.cfg.SemanticDecayRate, promotionImportanceBoost); err != nil {
		return false, err
	}
	m.logger.Info("dualmemory: promoted", "id", mem.ID)
	return true, nil
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

// Run drives Consolidate on a ticker until ctx is cancelled or trigger is
// closed. Each value received on trigger forces an immediate extra pass;
// closing trigger stops Run without a further pass, and a nil trigger is
// never selected. Clock abstracts "now" so callers can inject simulated
// time in tests.
func (m *Manager) Run(ctx context.Context, clock func() time.Time, trigger <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Consolidate(ctx, clock()); err != nil && ctx.Err() == nil {
				m.logger.Error("dualmemory: consolidation pass failed", "error", err.Error())
			}
		case _, ok := <-trigger:
			if !ok {
				return
			}
			if _, err := m.Consolidate(ctx, clock()); err != nil && ctx.Err() == nil {
				m.logger.Error("dualmemory: triggered consolidation failed", "error", err.Error())
			}
		}
	}
}
