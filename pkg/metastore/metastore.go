// Package metastore implements the Metadata Store (spec §4.5): the
// relational source of truth for Memories, the associative Connection
// graph, the bridge-discovery cache, and the append-only retrieval log.
//
// It shares the SQLite setup conventions of pkg/vectorstore, which in
// turn follow sqvect's pkg/core/store_init.go; the schema itself is
// adapted from pkg/graph/graph.go's graph_nodes/graph_edges tables plus
// pkg/hindsight/types.go's Memory-shaped record.
package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cogmem/cogmem/pkg/logging"
)

// Memory levels (spec §3).
const (
	LevelConcept = 0
	LevelContext = 1
	LevelEpisode = 2
)

// Memory types.
const (
	TypeEpisodic = "episodic"
	TypeSemantic = "semantic"
)

// Connection kinds (closed set, spec §3).
const (
	KindAssociative = "associative"
	KindHierarchical = "hierarchical"
	KindTemporal    = "temporal"
	KindCausal      = "causal"
)

// ErrNotFound is returned when a requested Memory, Connection, or cache
// entry does not exist.
var ErrNotFound = errors.New("metastore: not found")

// Memory mirrors the spec §3 Memory record.
type Memory struct {
	ID              string
	Level           int
	Content         string
	Dimensions      map[string]float64
	VectorRef       string
	CreatedAt       time.Time
	LastAccessed    time.Time
	AccessCount     int64
	ImportanceScore float64
	ParentID        string // empty when unset
	MemoryType      string
	DecayRate       float64
	SourcePath      string // empty when not file-sourced
}

// Connection mirrors the spec §3 Connection (directed edge).
type Connection struct {
	SourceID        string
	TargetID        string
	Strength        float64
	Kind            string
	CreatedAt       time.Time
	LastActivated   time.Time
	ActivationCount int64
}

// BridgeCacheEntry mirrors the spec §3 Bridge Cache Entry.
type BridgeCacheEntry struct {
	QueryFingerprint    string
	MemoryID            string
	BridgeScore         float64
	NoveltyScore        float64
	ConnectionPotential float64
	CreatedAt           time.Time
}

// RetrievalStat mirrors the spec §3 Retrieval Stat (append-only).
type RetrievalStat struct {
	QueryFingerprint string
	MemoryID         string
	Kind             string // core | peripheral | bridge
	SuccessScore     *float64
	Timestamp        time.Time
}

// Config configures the underlying SQLite connection.
type Config struct {
	Path   string
	Logger logging.Logger
}

// Store is the SQLite-backed Metadata Store. All reads and writes are
// serialized through the single connection Open pins the *sql.DB to
// (SetMaxOpenConns(1)); PutBridgeCacheEntries is the only method that
// wraps several statements in one transaction.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open opens (creating if absent) the SQLite database at cfg.Path and
// ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metastore: open: %w", err)
	}
	// Metadata writes are single-writer by discipline (spec §5); one
	// connection keeps SQLite from interleaving writer transactions.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(2 * time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("metastore: enable foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("metastore initialized", "path", cfg.Path)
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	level INTEGER NOT NULL,
	content TEXT NOT NULL,
	dimensions TEXT NOT NULL DEFAULT '{}',
	vector_ref TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_accessed DATETIME NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	importance_score REAL NOT NULL DEFAULT 0,
	parent_id TEXT,
	memory_type TEXT NOT NULL DEFAULT 'episodic',
	decay_rate REAL NOT NULL DEFAULT 0.1,
	source_path TEXT,
	FOREIGN KEY (parent_id) REFERENCES memories(id)
);
CREATE INDEX IF NOT EXISTS idx_memories_level ON memories(level);
CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_access_count ON memories(access_count);
CREATE INDEX IF NOT EXISTS idx_memories_source_path ON memories(source_path);

CREATE TABLE IF NOT EXISTS memory_connections (
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	strength REAL NOT NULL,
	kind TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	last_activated DATETIME NOT NULL,
	activation_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source_id, target_id),
	FOREIGN KEY (source_id) REFERENCES memories(id) ON DELETE CASCADE,
	FOREIGN KEY (target_id) REFERENCES memories(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_connections_strength ON memory_connections(strength);
CREATE INDEX IF NOT EXISTS idx_connections_source ON memory_connections(source_id);

CREATE TABLE IF NOT EXISTS bridge_cache (
	query_fingerprint TEXT NOT NULL,
	memory_id TEXT NOT NULL,
	bridge_score REAL NOT NULL,
	novelty_score REAL NOT NULL,
	connection_potential REAL NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (query_fingerprint, memory_id)
);

CREATE TABLE IF NOT EXISTS retrieval_stats (
	query_fingerprint TEXT NOT NULL,
	memory_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	success_score REAL,
	timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_retrieval_stats_memory ON retrieval_stats(memory_id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("metastore: create tables: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// PutMemory upserts a Memory row.
func (s *Store) PutMemory(ctx context.Context, m Memory) error {
	dimsJSON, err := json.Marshal(m.Dimensions)
	if err != nil {
		return fmt.Errorf("metastore: marshal dimensions: %w", err)
	}
	var parentID any
	if m.ParentID != "" {
		parentID = m.ParentID
	}
	var sourcePath any
	if m.SourcePath != "" {
		sourcePath = m.SourcePath
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO memories (id, level, content, dimensions, vector_ref, created_at, last_accessed, access_count, importance_score, parent_id, memory_type, decay_rate, source_path)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	level = excluded.level,
	content = excluded.content,
	dimensions = excluded.dimensions,
	vector_ref = excluded.vector_ref,
	last_accessed = excluded.last_accessed,
	access_count = excluded.access_count,
	importance_score = excluded.importance_score,
	parent_id = excluded.parent_id,
	memory_type = excluded.memory_type,
	decay_rate = excluded.decay_rate,
	source_path = excluded.source_path
`, m.ID, m.Level, m.Content, string(dimsJSON), m.VectorRef, m.CreatedAt, m.LastAccessed, m.AccessCount, m.ImportanceScore, parentID, m.MemoryType, m.DecayRate, sourcePath)
	if err != nil {
		return fmt.Errorf("metastore: put memory: %w", err)
	}
	return nil
}

// GetMemory fetches a Memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, level, content, dimensions, vector_ref, created_at, last_accessed, access_count, importance_score, COALESCE(parent_id, ''), memory_type, decay_rate, COALESCE(source_path, '')
FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

func scanMemory(row *sql.Row) (Memory, error) {
	var m Memory
	var dimsJSON string
	if err := row.Scan(&m.ID, &m.Level, &m.Content, &dimsJSON, &m.VectorRef, &m.CreatedAt, &m.LastAccessed, &m.AccessCount, &m.ImportanceScore, &m.ParentID, &m.MemoryType, &m.DecayRate, &m.SourcePath); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Memory{}, ErrNotFound
		}
		return Memory{}, fmt.Errorf("metastore: scan memory: %w", err)
	}
	if err := json.Unmarshal([]byte(dimsJSON), &m.Dimensions); err != nil {
		return Memory{}, fmt.Errorf("metastore: unmarshal dimensions: %w", err)
	}
	return m, nil
}

// DeleteMemory removes a Memory and its incident connections. Idempotent.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("metastore: delete memory: %w", err)
	}
	return nil
}

// ListByLevel returns every Memory at the given level.
func (s *Store) ListByLevel(ctx context.Context, level int) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, level, content, dimensions, vector_ref, created_at, last_accessed, access_count, importance_score, COALESCE(parent_id, ''), memory_type, decay_rate, COALESCE(source_path, '')
FROM memories WHERE level = ?`, level)
	if err != nil {
		return nil, fmt.Errorf("metastore: list by level: %w", err)
	}
	return scanMemories(rows)
}

// ListBySourcePath returns every Memory recorded against the given
// source_path.
func (s *Store) ListBySourcePath(ctx context.Context, sourcePath string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, level, content, dimensions, vector_ref, created_at, last_accessed, access_count, importance_score, COALESCE(parent_id, ''), memory_type, decay_rate, COALESCE(source_path, '')
FROM memories WHERE source_path = ?`, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("metastore: list by source path: %w", err)
	}
	return scanMemories(rows)
}

// ListAll returns every Memory, used by startup reconciliation and stats.
func (s *Store) ListAll(ctx context.Context) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, level, content, dimensions, vector_ref, created_at, last_accessed, access_count, importance_score, COALESCE(parent_id, ''), memory_type, decay_rate, COALESCE(source_path, '')
FROM memories`)
	if err != nil {
		return nil, fmt.Errorf("metastore: list all: %w", err)
	}
	return scanMemories(rows)
}

// ListStaleEpisodic returns episodic memories with access_count == 0
// whose last_accessed is before cutoff, used by eviction sweeps.
func (s *Store) ListStaleEpisodic(ctx context.Context, cutoff time.Time) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, level, content, dimensions, vector_ref, created_at, last_accessed, access_count, importance_score, COALESCE(parent_id, ''), memory_type, decay_rate, COALESCE(source_path, '')
FROM memories WHERE memory_type = ? AND access_count = 0 AND last_accessed < ?`, TypeEpisodic, cutoff)
	if err != nil {
		return nil, fmt.Errorf("metastore: list stale episodic: %w", err)
	}
	return scanMemories(rows)
}

// ListPromotionCandidates returns episodic memories with access_count >=
// minAccess and last_accessed >= sinceFloor, for the dual-memory manager
// to check the edge-strength condition against.
func (s *Store) ListPromotionCandidates(ctx context.Context, minAccess int64, sinceFloor time.Time) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, level, content, dimensions, vector_ref, created_at, last_accessed, access_count, importance_score, COALESCE(parent_id, ''), memory_type, decay_rate, COALESCE(source_path, '')
FROM memories WHERE memory_type = ? AND access_count >= ? AND last_accessed >= ?`, TypeEpisodic, minAccess, sinceFloor)
	if err != nil {
		return nil, fmt.Errorf("metastore: list promotion candidates: %w", err)
	}
	return scanMemories(rows)
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		var m Memory
		var dimsJSON string
		if err := rows.Scan(&m.ID, &m.Level, &m.Content, &dimsJSON, &m.VectorRef, &m.CreatedAt, &m.LastAccessed, &m.AccessCount, &m.ImportanceScore, &m.ParentID, &m.MemoryType, &m.DecayRate, &m.SourcePath); err != nil {
			return nil, fmt.Errorf("metastore: scan memory: %w", err)
		}
		if err := json.Unmarshal([]byte(dimsJSON), &m.Dimensions); err != nil {
			return nil, fmt.Errorf("metastore: unmarshal dimensions: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metastore: rows: %w", err)
	}
	return out, nil
}

// RecordAccess increments access_count and bumps last_accessed, then sets
// importance_score to the caller-supplied recomputed value (spec §4.6
// importance update is computed by the activation engine, which has the
// edge-strength context this store does not).
func (s *Store) RecordAccess(ctx context.Context, id string, now time.Time, importanceScore float64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE memories SET access_count = access_count + 1, last_accessed = ?, importance_score = ?
WHERE id = ?`, now, importanceScore, id)
	if err != nil {
		return fmt.Errorf("metastore: record access: %w", err)
	}
	return nil
}

// Promote transitions a memory episodic -> semantic. Irreversible: the
// update only matches rows whose memory_type is still episodic, so calling
// it on an already-semantic memory is a no-op.
func (s *Store) Promote(ctx context.Context, id string, decayRate float64, importanceBoost float64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE memories
SET memory_type = ?, decay_rate = ?, importance_score = MIN(1.0, importance_score + ?)
WHERE id = ? AND memory_type = ?`, TypeSemantic, decayRate, importanceBoost, id, TypeEpisodic)
	if err != nil {
		return fmt.Errorf("metastore: promote: %w", err)
	}
	return nil
}

// GetConnection fetches a single directed edge.
func (s *Store) GetConnection(ctx context.Context, sourceID, targetID string) (Connection, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT source_id, target_id, strength, kind, created_at, last_activated, activation_count
FROM memory_connections WHERE source_id = ? AND target_id = ?`, sourceID, targetID)
	var c Connection
	if err := row.Scan(&c.SourceID, &c.TargetID, &c.Strength, &c.Kind, &c.CreatedAt, &c.LastActivated, &c.ActivationCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, fmt.Errorf("metastore: get connection: %w", err)
	}
	return c, nil
}

// UpsertConnection creates or overwrites an edge outright, for writes
// that set an edge's strength directly rather than reinforcing it. Use
// Reinforce for the co-occurrence update rule.
func (s *Store) UpsertConnection(ctx context.Context, c Connection) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_connections (source_id, target_id, strength, kind, created_at, last_activated, activation_count)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source_id, target_id) DO UPDATE SET
	strength = excluded.strength, kind = excluded.kind, last_activated = excluded.last_activated, activation_count = excluded.activation_count
`, c.SourceID, c.TargetID, c.Strength, c.Kind, c.CreatedAt, c.LastActivated, c.ActivationCount)
	if err != nil {
		return fmt.Errorf("metastore: upsert connection: %w", err)
	}
	return nil
}

// reinforceEta is η in spec §4.5's s' = min(1, s + η·min(a, b)).
const reinforceEta = 0.1

// Reinforce applies the co-occurrence reinforcement rule for the directed
// edge winner -> loser given both memories' activation scores in the
// retrieval that surfaced them together.
func (s *Store) Reinforce(ctx context.Context, winner, loser string, activationWinner, activationLoser float64, kind string, now time.Time) error {
	delta := reinforceEta * minFloat(activationWinner, activationLoser)
	existing, err := s.GetConnection(ctx, winner, loser)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return s.UpsertConnection(ctx, Connection{
			SourceID: winner, TargetID: loser, Strength: delta, Kind: kind,
			CreatedAt: now, LastActivated: now, ActivationCount: 1,
		})
	}
	existing.Strength = minFloat(1.0, existing.Strength+delta)
	existing.LastActivated = now
	existing.ActivationCount++
	return s.UpsertConnection(ctx, existing)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// OutgoingConnections returns every edge whose source_id is id.
func (s *Store) OutgoingConnections(ctx context.Context, id string) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_id, target_id, strength, kind, created_at, last_activated, activation_count
FROM memory_connections WHERE source_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("metastore: outgoing connections: %w", err)
	}
	defer rows.Close()
	var out []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.SourceID, &c.TargetID, &c.Strength, &c.Kind, &c.CreatedAt, &c.LastActivated, &c.ActivationCount); err != nil {
			return nil, fmt.Errorf("metastore: scan connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// IncidentConnections returns every edge touching id, either direction,
// used by the importance-score recomputation's "mean incident strength".
func (s *Store) IncidentConnections(ctx context.Context, id string) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_id, target_id, strength, kind, created_at, last_activated, activation_count
FROM memory_connections WHERE source_id = ? OR target_id = ?`, id, id)
	if err != nil {
		return nil, fmt.Errorf("metastore: incident connections: %w", err)
	}
	defer rows.Close()
	var out []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.SourceID, &c.TargetID, &c.Strength, &c.Kind, &c.CreatedAt, &c.LastActivated, &c.ActivationCount); err != nil {
			return nil, fmt.Errorf("metastore: scan connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountConnectionsAtLeast counts id's outgoing edges with strength >= min,
// used by the promotion rule's "≥2 outgoing edges of strength ≥0.5" test.
func (s *Store) CountConnectionsAtLeast(ctx context.Context, id string, min float64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM memory_connections WHERE source_id = ? AND strength >= ?`, id, min).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("metastore: count connections: %w", err)
	}
	return n, nil
}

// PutBridgeCacheEntries replaces the cached bridge result for a query
// fingerprint.
func (s *Store) PutBridgeCacheEntries(ctx context.Context, entries []BridgeCacheEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metastore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO bridge_cache (query_fingerprint, memory_id, bridge_score, novelty_score, connection_potential, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(query_fingerprint, memory_id) DO UPDATE SET
	bridge_score = excluded.bridge_score, novelty_score = excluded.novelty_score, connection_potential = excluded.connection_potential, created_at = excluded.created_at
`, e.QueryFingerprint, e.MemoryID, e.BridgeScore, e.NoveltyScore, e.ConnectionPotential, e.CreatedAt); err != nil {
			return fmt.Errorf("metastore: put bridge cache entry: %w", err)
		}
	}
	return tx.Commit()
}

// GetBridgeCacheEntries returns cached bridge entries for a fingerprint
// that are still within ttl of their created_at, given now.
func (s *Store) GetBridgeCacheEntries(ctx context.Context, fingerprint string, now time.Time, ttl time.Duration) ([]BridgeCacheEntry, error) {
	cutoff := now.Add(-ttl)
	rows, err := s.db.QueryContext(ctx, `
SELECT query_fingerprint, memory_id, bridge_score, novelty_score, connection_potential, created_at
FROM bridge_cache WHERE query_fingerprint = ? AND created_at >= ?
ORDER BY bridge_score DESC`, fingerprint, cutoff)
	if err != nil {
		return nil, fmt.Errorf("metastore: get bridge cache entries: %w", err)
	}
	defer rows.Close()
	var out []BridgeCacheEntry
	for rows.Next() {
		var e BridgeCacheEntry
		if err := rows.Scan(&e.QueryFingerprint, &e.MemoryID, &e.BridgeScore, &e.NoveltyScore, &e.ConnectionPotential, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("metastore: scan bridge cache entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendRetrievalStat appends one row to the retrieval log.
func (s *Store) AppendRetrievalStat(ctx context.Context, stat RetrievalStat) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO retrieval_stats (query_fingerprint, memory_id, kind, success_score, timestamp)
VALUES (?, ?, ?, ?, ?)`, stat.QueryFingerprint, stat.MemoryID, stat.Kind, stat.SuccessScore, stat.Timestamp)
	if err != nil {
		return fmt.Errorf("metastore: append retrieval stat: %w", err)
	}
	return nil
}

// Stats summarizes counts used by the façade's stats() operation.
type Stats struct {
	CountByLevel map[int]int64
	EdgeCount    int64
}

// Summary returns per-level Memory counts and the total edge count.
func (s *Store) Summary(ctx context.Context) (Stats, error) {
	out := Stats{CountByLevel: map[int]int64{}}
	rows, err := s.db.QueryContext(ctx, `SELECT level, COUNT(*) FROM memories GROUP BY level`)
	if err != nil {
		return Stats{}, fmt.Errorf("metastore: summary: %w", err)
	}
	for rows.Next() {
		var level int
		var count int64
		if err := rows.Scan(&level, &count); err != nil {
			rows.Close()
			return Stats{}, fmt.Errorf("metastore: scan summary: %w", err)
		}
		out.CountByLevel[level] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_connections`).Scan(&out.EdgeCount); err != nil {
		return Stats{}, fmt.Errorf("metastore: count edges: %w", err)
	}
	return out, nil
}
