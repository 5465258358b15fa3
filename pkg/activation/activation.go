// Package activation implements the two-phase seed+spread retrieval
// algorithm (spec §4.6): search the concept collection for seeds, then
// breadth-first spread activation over the associative graph held in the
// metadata store.
//
// The BFS shape is grounded on pkg/graph/graph_traversal.go's Neighbors
// (queue of {nodeID, depth} structs, visited-set, depth bound), adapted
// to carry a propagated activation score instead of just connectivity.
package activation

import (
	"context"
	"sort"
	"time"

	"github.com/cogmem/cogmem/pkg/metastore"
	"github.com/cogmem/cogmem/pkg/vectorstore"
)

// Defaults per spec §4.6 / §6 configuration surface.
const (
	DefaultThreshold       = 0.7
	DefaultSeedFanout      = 10
	DefaultMaxActivations  = 50
	DefaultMaxDepth        = 3
	thresholdRelaxation    = 0.1
	decayAtDepthMultiplier = 0.6
	minSeedsBeforeRelax    = 3
)

// Activated is one memory in the activation working set, with the scalar
// activation value assigned during seeding or spreading.
type Activated struct {
	Memory     metastore.Memory
	Activation float64
}

// Result is the classified output of a Spread call.
type Result struct {
	Core       []Activated
	Peripheral []Activated
}

// Config tunes the two-phase algorithm; zero values fall back to spec
// defaults.
type Config struct {
	Threshold      float64
	SeedFanout     int
	MaxActivations int
	MaxDepth       int
}

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold
	}
	if c.SeedFanout == 0 {
		c.SeedFanout = DefaultSeedFanout
	}
	if c.MaxActivations == 0 {
		c.MaxActivations = DefaultMaxActivations
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	return c
}

// Engine runs seed+spread retrieval against a vector store and metadata
// store pair.
type Engine struct {
	vectors *vectorstore.Store
	meta    *metastore.Store
	cfg     Config
}

// New returns an Engine with cfg defaults applied.
func New(vectors *vectorstore.Store, meta *metastore.Store, cfg Config) *Engine {
	return &Engine{vectors: vectors, meta: meta, cfg: cfg.withDefaults()}
}

// Seed performs Phase 1: search concepts_L0 for the top SeedFanout
// matches, filter by score >= threshold, relaxing the threshold by
// thresholdRelaxation once if fewer than minSeedsBeforeRelax survive.
func (e *Engine) Seed(ctx context.Context, query []float32) ([]Activated, error) {
	hits, err := e.vectors.Search(ctx, vectorstore.CollectionConceptsL0, query, e.cfg.SeedFanout, nil)
	if err != nil {
		return nil, err
	}

	survivors := filterByThreshold(hits, e.cfg.Threshold)
	if len(survivors) < minSeedsBeforeRelax {
		survivors = filterByThreshold(hits, e.cfg.Threshold-thresholdRelaxation)
	}

	seeds := make([]Activated, 0, len(survivors))
	for _, h := range survivors {
		mem, err := e.memoryForVectorRef(ctx, h.VectorRef)
		if err != nil {
			continue // vector with no metadata row is treated as absent (spec §4.5)
		}
		seeds = append(seeds, Activated{Memory: mem, Activation: h.Score})
	}
	return seeds, nil
}

func filterByThreshold(hits []vectorstore.Scored, threshold float64) []vectorstore.Scored {
	var out []vectorstore.Scored
	for _, h := range hits {
		if h.Score >= threshold {
			out = append(out, h)
		}
	}
	return out
}

// memoryForVectorRef resolves a vector_ref to its owning Memory. The
// concepts_L0 collection's vector_ref is the Memory id by construction
// (the façade's System.Store sets VectorRef to the new id), so this is a
// direct lookup.
func (e *Engine) memoryForVectorRef(ctx context.Context, vectorRef string) (metastore.Memory, error) {
	return e.meta.GetMemory(ctx, vectorRef)
}

// frontierItem is a BFS queue entry carrying the propagated activation
// alongside the node id and depth, mirroring graph_traversal.go's
// {nodeID, depth} queue struct plus an activation field.
type frontierItem struct {
	id         string
	activation float64
	depth      int
}

// Spread runs Phase 2 over seeds: breadth-first traversal of the
// connection graph, propagating aₘ = max(aₘ, aₙ·s) along edges with
// strength s, admitting a node when its propagated activation clears
// threshold*decayAtDepthMultiplier, and recomputing importance_score for
// every activated memory. Returns memories classified into core
// (top quartile by activation) and peripheral (the rest).
func (e *Engine) Spread(ctx context.Context, seeds []Activated, now time.Time) (Result, error) {
	activation := make(map[string]float64, len(seeds))
	memories := make(map[string]metastore.Memory, len(seeds))
	var queue []frontierItem

	for _, s := range seeds {
		activation[s.Memory.ID] = s.Activation
		memories[s.Memory.ID] = s.Memory
		queue = append(queue, frontierItem{id: s.Memory.ID, activation: s.Activation, depth: 0})
	}

	admitThreshold := e.cfg.Threshold * decayAtDepthMultiplier
	visited := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		visited[s.Memory.ID] = true
	}

	for len(queue) > 0 && len(visited) < e.cfg.MaxActivations {
		current := queue[0]
		queue = queue[1:]

		if current.depth >= e.cfg.MaxDepth {
			continue
		}

		edges, err := e.meta.OutgoingConnections(ctx, current.id)
		if err != nil {
			return Result{}, err
		}
		for _, edge := range edges {
			if len(visited) >= e.cfg.MaxActivations {
				break
			}
			propagated := current.activation * edge.Strength
			if propagated > activation[edge.TargetID] {
				activation[edge.TargetID] = propagated
			}
			if propagated < admitThreshold {
				continue
			}
			if visited[edge.TargetID] {
				continue
			}
			mem, err := e.meta.GetMemory(ctx, edge.TargetID)
			if err != nil {
				continue
			}
			visited[edge.TargetID] = true
			memories[edge.TargetID] = mem
			queue = append(queue, frontierItem{id: edge.TargetID, activation: activation[edge.TargetID], depth: current.depth + 1})
		}
	}

	activated := make([]Activated, 0, len(memories))
	for id, mem := range memories {
		if err := e.recomputeImportance(ctx, &mem, now); err != nil {
			return Result{}, err
		}
		activated = append(activated, Activated{Memory: mem, Activation: activation[id]})
	}

	sort.Slice(activated, func(i, j int) bool {
		if activated[i].Activation != activated[j].Activation {
			return activated[i].Activation > activated[j].Activation
		}
		if activated[i].Memory.ImportanceScore != activated[j].Memory.ImportanceScore {
			return activated[i].Memory.ImportanceScore > activated[j].Memory.ImportanceScore
		}
		return activated[i].Memory.ID < activated[j].Memory.ID
	})

	coreCount := (len(activated) + 3) / 4 // top quartile, rounded up
	if coreCount == 0 && len(activated) > 0 {
		coreCount = 1
	}
	return Result{
		Core:       activated[:coreCount],
		Peripheral: activated[coreCount:],
	}, nil
}

// recomputeImportance applies spec §4.6's importance update: access_count
// and last_accessed bump, then importance_score = 0.4*normalized(access
// count) + 0.3*normalized(recency) + 0.3*mean(incident edge strength).
func (e *Engine) recomputeImportance(ctx context.Context, mem *metastore.Memory, now time.Time) error {
	previousAccessAt := mem.LastAccessed
	mem.AccessCount++
	mem.LastAccessed = now

	incident, err := e.meta.IncidentConnections(ctx, mem.ID)
	if err != nil {
		return err
	}
	var meanStrength float64
	if len(incident) > 0 {
		var sum float64
		for _, c := range incident {
			sum += c.Strength
		}
		meanStrength = sum / float64(len(incident))
	}

	normalizedAccessCount := normalizeCount(mem.AccessCount)
	normalizedRecency := normalizeRecency(now, previousAccessAt)

	mem.ImportanceScore = 0.4*normalizedAccessCount + 0.3*normalizedRecency + 0.3*meanStrength
	if mem.ImportanceScore > 1 {
		mem.ImportanceScore = 1
	}
	return e.meta.RecordAccess(ctx, mem.ID, now, mem.ImportanceScore)
}

// normalizeCount squashes a monotonically growing access count into
// [0, 1] via a saturating curve (half-saturation at 10 accesses), so
// access_count's contribution to importance never needs an external max.
func normalizeCount(accessCount int64) float64 {
	const halfSaturation = 10.0
	n := float64(accessCount)
	return n / (n + halfSaturation)
}

// normalizeRecency scores how recent previousAccessAt was relative to
// now on a one-week half-life decay curve: 1.0 for "just now", trailing
// toward 0 as the gap grows.
func normalizeRecency(now, previousAccessAt time.Time) float64 {
	const halfLifeDays = 7.0
	days := now.Sub(previousAccessAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return 1.0 / (1.0 + days/halfLifeDays)
}
