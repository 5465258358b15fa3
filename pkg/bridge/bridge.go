// Package bridge implements Bridge Discovery (spec §4.7): surfacing
// memories that are semantically distant from the query yet strongly
// connected to the just-activated set.
//
// The candidate-scoring shape follows pkg/graph/graph_hybrid.go's
// HybridSearch (vector similarity combined with graph-derived scoring,
// weighted and thresholded), and cache-key hashing follows the
// fingerprinting style of pkg/memory/recall.go's channel fusion cache
// keys, realized here with hash/fnv since the pack carries no dedicated
// hashing library.
package bridge

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cogmem/cogmem/pkg/metastore"
	"github.com/cogmem/cogmem/pkg/vectorstore"
)

// Defaults per spec §4.7 / §6 configuration surface.
const (
	DefaultCandidateCount = 200
	DefaultBridgeK        = 5
	DefaultNoveltyMin     = 0.4
	DefaultCPMin          = 0.3
	DefaultTTL            = 5 * time.Minute

	noveltyWeight = 0.6
	cpWeight      = 0.4
)

// Candidate is one scored bridge result.
type Candidate struct {
	Memory              metastore.Memory
	BridgeScore         float64
	NoveltyScore        float64
	ConnectionPotential float64
}

// Config tunes candidate sampling and scoring thresholds.
type Config struct {
	CandidateCount int
	BridgeK        int
	NoveltyMin     float64
	CPMin          float64
	TTL            time.Duration
}

func (c Config) withDefaults() Config {
	if c.CandidateCount == 0 {
		c.CandidateCount = DefaultCandidateCount
	}
	if c.BridgeK == 0 {
		c.BridgeK = DefaultBridgeK
	}
	if c.NoveltyMin == 0 {
		c.NoveltyMin = DefaultNoveltyMin
	}
	if c.CPMin == 0 {
		c.CPMin = DefaultCPMin
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	return c
}

// Discovery runs bridge scoring against a vector store, metadata store,
// and the bridge_cache table the metadata store exposes.
type Discovery struct {
	vectors *vectorstore.Store
	meta    *metastore.Store
	cfg     Config
	rng     *rand.Rand

	cacheHits   int64
	cacheMisses int64
}

// New returns a Discovery with cfg defaults applied.
func New(vectors *vectorstore.Store, meta *metastore.Store, cfg Config) *Discovery {
	return &Discovery{vectors: vectors, meta: meta, cfg: cfg.withDefaults(), rng: rand.New(rand.NewSource(1))}
}

// CacheStats reports the bridge cache's lifetime hit/miss counts, for the
// façade's stats() hit-ratio reporting (spec §6).
func (d *Discovery) CacheStats() (hits, misses int64) {
	return atomic.LoadInt64(&d.cacheHits), atomic.LoadInt64(&d.cacheMisses)
}

// ActivatedRef pairs an activated memory's id with its fused vector, so
// Discover can score candidate connection-potential without refetching
// vectors the activation phase already resolved.
type ActivatedRef struct {
	MemoryID string
	Vector   []float32
}

// Discover samples candidates from L1/L2 outside the activation set,
// scores them as 0.6·novelty + 0.4·connection-potential, and returns the top
// BridgeK clearing both floors. Results are cached under fingerprint for
// cfg.TTL; a cache hit short-circuits scoring entirely.
func (d *Discovery) Discover(ctx context.Context, fingerprint string, queryVec []float32, activated []ActivatedRef, excluded map[string]bool, now time.Time) ([]Candidate, error) {
	cached, err := d.meta.GetBridgeCacheEntries(ctx, fingerprint, now, d.cfg.TTL)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		atomic.AddInt64(&d.cacheHits, 1)
		return d.hydrateCached(ctx, cached)
	}
	atomic.AddInt64(&d.cacheMisses, 1)

	candidates, err := d.sampleCandidates(ctx, excluded)
	if err != nil {
		return nil, err
	}

	var scored []Candidate
	for _, c := range candidates {
		vec, err := d.vectorFor(ctx, c)
		if err != nil {
			continue
		}
		novelty := 1 - cosineSimilarity(queryVec, vec)
		cp, err := d.connectionPotential(ctx, c, vec, activated)
		if err != nil {
			return nil, err
		}
		if novelty < d.cfg.NoveltyMin || cp < d.cfg.CPMin {
			continue
		}
		scored = append(scored, Candidate{
			Memory:              c,
			NoveltyScore:        novelty,
			ConnectionPotential: cp,
			BridgeScore:         noveltyWeight*novelty + cpWeight*cp,
		})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].BridgeScore > scored[j].BridgeScore })
	if len(scored) > d.cfg.BridgeK {
		scored = scored[:d.cfg.BridgeK]
	}

	entries := make([]metastore.BridgeCacheEntry, len(scored))
	for i, s := range scored {
		entries[i] = metastore.BridgeCacheEntry{
			QueryFingerprint: fingerprint, MemoryID: s.Memory.ID,
			BridgeScore: s.BridgeScore, NoveltyScore: s.NoveltyScore, ConnectionPotential: s.ConnectionPotential,
			CreatedAt: now,
		}
	}
	if err := d.meta.PutBridgeCacheEntries(ctx, entries); err != nil {
		return nil, err
	}
	return scored, nil
}

func (d *Discovery) hydrateCached(ctx context.Context, entries []metastore.BridgeCacheEntry) ([]Candidate, error) {
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		mem, err := d.meta.GetMemory(ctx, e.MemoryID)
		if err != nil {
			continue // memory deleted since caching; drop silently
		}
		out = append(out, Candidate{
			Memory: mem, BridgeScore: e.BridgeScore, NoveltyScore: e.NoveltyScore, ConnectionPotential: e.ConnectionPotential,
		})
	}
	return out, nil
}

// sampleCandidates draws up to CandidateCount memories from L1/L2 outside
// excluded, weighted by inverse recency of last access so stale-but-
// relevant content is favored (spec §4.7).
func (d *Discovery) sampleCandidates(ctx context.Context, excluded map[string]bool) ([]metastore.Memory, error) {
	l1, err := d.meta.ListByLevel(ctx, metastore.LevelContext)
	if err != nil {
		return nil, err
	}
	l2, err := d.meta.ListByLevel(ctx, metastore.LevelEpisode)
	if err != nil {
		return nil, err
	}
	pool := make([]metastore.Memory, 0, len(l1)+len(l2))
	for _, m := range append(l1, l2...) {
		if !excluded[m.ID] {
			pool = append(pool, m)
		}
	}
	if len(pool) <= d.cfg.CandidateCount {
		return pool, nil
	}

	weights := make([]float64, len(pool))
	var total float64
	now := time.Now()
	for i, m := range pool {
		days := now.Sub(m.LastAccessed).Hours() / 24
		if days < 0 {
			days = 0
		}
		weights[i] = 1 + days // inverse recency: staler entries get larger weight
		total += weights[i]
	}

	sampled := make([]metastore.Memory, 0, d.cfg.CandidateCount)
	used := make(map[int]bool, d.cfg.CandidateCount)
	for len(sampled) < d.cfg.CandidateCount && len(used) < len(pool) {
		r := d.rng.Float64() * total
		var cum float64
		idx := len(pool) - 1
		for i, w := range weights {
			cum += w
			if r <= cum {
				idx = i
				break
			}
		}
		if used[idx] {
			continue
		}
		used[idx] = true
		sampled = append(sampled, pool[idx])
	}
	return sampled, nil
}

func (d *Discovery) vectorFor(ctx context.Context, m metastore.Memory) ([]float32, error) {
	return d.vectors.Lookup(ctx, collectionForLevel(m.Level), m.VectorRef)
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

// connectionPotential combines the maximum cosine similarity to any
// activated memory's vector with the maximum existing edge strength from
// an activated memory to this candidate: cp = max(max_sim, max_edge).
func (d *Discovery) connectionPotential(ctx context.Context, candidate metastore.Memory, candidateVec []float32, activated []ActivatedRef) (float64, error) {
	var maxSim, maxEdge float64
	for _, a := range activated {
		if sim := cosineSimilarity(a.Vector, candidateVec); sim > maxSim {
			maxSim = sim
		}
		conn, err := d.meta.GetConnection(ctx, a.MemoryID, candidate.ID)
		if err == nil && conn.Strength > maxEdge {
			maxEdge = conn.Strength
		}
	}
	if maxSim > maxEdge {
		return maxSim, nil
	}
	return maxEdge, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Fingerprint derives the deterministic query_fingerprint cache key from
// the fused query vector and the scoring parameters in effect, per spec
// §4.7: hash(fused_q, K_bridge, thresholds). FNV-1a matches the hashing
// primitive pkg/embedding already uses for its default provider.
func Fingerprint(queryVec []float32, cfg Config) string {
	cfg = cfg.withDefaults()
	h := fnv.New64a()
	for _, x := range queryVec {
		h.Write(float32Bytes(x))
	}
	h.Write([]byte(strconv.Itoa(cfg.BridgeK)))
	h.Write([]byte(strconv.FormatFloat(cfg.NoveltyMin, 'f', -1, 64)))
	h.Write([]byte(strconv.FormatFloat(cfg.CPMin, 'f', -1, 64)))
	return strconv.FormatUint(h.Sum64(), 16)
}

func float32Bytes(x float32) []byte {
	bits := math.Float32bits(x)
	return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
}
