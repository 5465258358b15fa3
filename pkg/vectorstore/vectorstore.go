// Package vectorstore implements the Vector Store contract (spec §4.4):
// three logical collections, one per memory hierarchy level, searchable
// by cosine similarity with payload filters.
//
// It is backed by modernc.org/sqlite exactly the way sqvect's
// pkg/core.SQLiteStore is, down to the WAL/busy-timeout pragmas and
// connection pool sizing in Init, and the little-endian vector encoding
// in internal/encoding/utils.go.
package vectorstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cogmem/cogmem/pkg/logging"
)

// Collection names, the three named collections from spec §3/§4.4.
const (
	CollectionConceptsL0 = "concepts_L0"
	CollectionContextsL1 = "contexts_L1"
	CollectionEpisodesL2 = "episodes_L2"
)

var collections = []string{CollectionConceptsL0, CollectionContextsL1, CollectionEpisodesL2}

// ErrUnavailable is returned once the retry budget for a transient SQLite
// error (most commonly SQLITE_BUSY) is exhausted.
var ErrUnavailable = errors.New("vectorstore: unavailable")

// ErrNotFound is returned when a vector_ref does not exist in a collection.
var ErrNotFound = errors.New("vectorstore: not found")

// Scored is one hit from Search/BatchSearch.
type Scored struct {
	VectorRef string
	Score     float64
	Payload   map[string]any
}

// Config configures the underlying SQLite connection.
type Config struct {
	Path     string
	Logger   logging.Logger
	MaxRetry int // default 5
}

// Store is the SQLite-backed Vector Store.
type Store struct {
	db     *sql.DB
	logger logging.Logger
	maxRetry int
}

// Open opens (creating if absent) the SQLite database at cfg.Path,
// applying the same WAL/synchronous/busy_timeout/cache_size pragmas as
// sqvect's SQLiteStore.Init, and creates the three collection tables.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 5
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorstore: enable foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger, maxRetry: maxRetry}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("vectorstore initialized", "path", cfg.Path)
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	var stmt bytes.Buffer
	for _, c := range collections {
		fmt.Fprintf(&stmt, `
CREATE TABLE IF NOT EXISTS %[1]s (
	vector_ref TEXT PRIMARY KEY,
	vector BLOB NOT NULL,
	payload TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s(created_at);
`, c)
	}
	_, err := s.db.ExecContext(ctx, stmt.String())
	if err != nil {
		return fmt.Errorf("vectorstore: create tables: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func validCollection(name string) error {
	for _, c := range collections {
		if c == name {
			return nil
		}
	}
	return fmt.Errorf("vectorstore: unknown collection %q", name)
}

// Insert upserts vectorRef's vector and payload into collection.
func (s *Store) Insert(ctx context.Context, collection, vectorRef string, vector []float32, payload map[string]any) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	blob, err := encodeVector(vector)
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("vectorstore: marshal payload: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (vector_ref, vector, payload, created_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(vector_ref) DO UPDATE SET vector = excluded.vector, payload = excluded.payload
`, collection)
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, vectorRef, blob, string(payloadJSON))
		return err
	})
}

// Delete removes vectorRef from collection. A missing vectorRef is not an
// error, matching idempotent-delete semantics used throughout the spec's
// compensating-delete paths.
func (s *Store) Delete(ctx context.Context, collection, vectorRef string) error {
	if err := validCollection(collection); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE vector_ref = ?`, collection)
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, vectorRef)
		return err
	})
}

// Search returns the top k matches in collection by cosine similarity to
// query, optionally restricted by a payload equality filter. Ties break by
// ascending vector_ref.
func (s *Store) Search(ctx context.Context, collection string, query []float32, k int, filter map[string]string) ([]Scored, error) {
	return s.searchOne(ctx, collection, query, k, filter)
}

// Lookup returns the stored vector for vectorRef directly, without a
// similarity scan. Returns ErrNotFound if no such vector_ref exists in
// collection.
func (s *Store) Lookup(ctx context.Context, collection, vectorRef string) ([]float32, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	var blob []byte
	query := fmt.Sprintf(`SELECT vector FROM %s WHERE vector_ref = ?`, collection)
	err := s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query, vectorRef)
		return row.Scan(&blob)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeVector(blob)
}

// BatchSearch runs Search against every named collection and returns
// results keyed by collection name.
func (s *Store) BatchSearch(ctx context.Context, collectionsToSearch []string, query []float32, k int, filter map[string]string) (map[string][]Scored, error) {
	out := make(map[string][]Scored, len(collectionsToSearch))
	for _, c := range collectionsToSearch {
		res, err := s.searchOne(ctx, c, query, k, filter)
		if err != nil {
			return nil, err
		}
		out[c] = res
	}
	return out, nil
}

func (s *Store) searchOne(ctx context.Context, collection string, query []float32, k int, filter map[string]string) ([]Scored, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	var rows *sql.Rows
	err := s.withRetry(ctx, func() error {
		var e error
		q := fmt.Sprintf(`SELECT vector_ref, vector, payload FROM %s`, collection)
		rows, e = s.db.QueryContext(ctx, q)
		return e
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []Scored
	for rows.Next() {
		var ref string
		var blob []byte
		var payloadJSON sql.NullString
		if err := rows.Scan(&ref, &blob, &payloadJSON); err != nil {
			return nil, fmt.Errorf("vectorstore: scan: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		var payload map[string]any
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &payload); err != nil {
				return nil, fmt.Errorf("vectorstore: unmarshal payload: %w", err)
			}
		}
		if !matchesFilter(payload, filter) {
			continue
		}
		candidates = append(candidates, Scored{
			VectorRef: ref,
			Score:     cosineSimilarity(query, vec),
			Payload:   payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorstore: rows: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].VectorRef < candidates[j].VectorRef
	})
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func matchesFilter(payload map[string]any, filter map[string]string) bool {
	for k, v := range filter {
		pv, ok := payload[k]
		if !ok {
			return false
		}
		if fmt.Sprint(pv) != v {
			return false
		}
	}
	return true
}

// withRetry retries fn with bounded exponential backoff (100ms, x2, cap 5
// attempts) against transient SQLite errors such as SQLITE_BUSY, then
// surfaces ErrUnavailable.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < s.maxRetry; attempt++ {
		if attempt > 0 {
			s.logger.Warn("vectorstore retrying", "attempt", attempt, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
	}
	s.logger.Error("vectorstore retries exhausted", "error", lastErr.Error())
	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "database is locked", "SQLITE_BUSY", "busy")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
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

func encodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, fmt.Errorf("vectorstore: nil vector")
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, int32(len(vector))); err != nil {
		return nil, fmt.Errorf("vectorstore: encode length: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("vectorstore: encode values: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("vectorstore: invalid vector blob")
	}
	buf := bytes.NewReader(data)
	var length int32
	if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("vectorstore: decode length: %w", err)
	}
	if length < 0 || int(length)*4 != buf.Len() {
		return nil, fmt.Errorf("vectorstore: invalid vector blob")
	}
	out := make([]float32, length)
	if err := binary.Read(buf, binary.LittleEndian, &out); err != nil {
		return nil, fmt.Errorf("vectorstore: decode values: %w", err)
	}
	return out, nil
}
