// Package filesync implements the File Sync Engine (spec §4.9): a polled
// directory watcher (detection layer) feeding an atomic delete+reload
// coordinator (coordination layer) backed by a pluggable loader registry.
//
// Detection deliberately polls and diffs rather than using fsnotify: the
// spec's FileState{mtime,size,exists} model is a snapshot diff, not an
// OS-event stream. The per-path locking idiom is grounded on
// theRebelliousNerd-codenerd's MangleWatcher.debounceMap (a mutex-guarded
// map keyed by path), generalized here to one sync.Mutex per path instead
// of a single debounce map, since delete+reload needs exclusion, not just
// coalescing.
package filesync

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cogmem/cogmem/pkg/logging"
)

// EventKind classifies a detected change. Lexicographic ordering of the
// kind strings matches the spec's {ADDED, DELETED, MODIFIED} tie-break
// when multiple events land in the same poll tick.
type EventKind string

const (
	EventAdded    EventKind = "ADDED"
	EventDeleted  EventKind = "DELETED"
	EventModified EventKind = "MODIFIED"
)

// Event is one detected filesystem change.
type Event struct {
	Kind EventKind
	Path string
}

// FileState is the snapshot a Poller keeps per watched path.
type FileState struct {
	ModTime time.Time
	Size    int64
	Exists  bool
}

// Defaults per spec §4.9 / §6 configuration surface.
const (
	DefaultPollInterval = 5 * time.Second
)

var defaultExtensions = []string{".md", ".markdown"}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Root       string
	Interval   time.Duration
	Extensions []string // matched case-insensitively; defaults to markdown
	Logger     logging.Logger
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval == 0 {
		c.Interval = DefaultPollInterval
	}
	if len(c.Extensions) == 0 {
		c.Extensions = defaultExtensions
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return c
}

// Poller polls cfg.Root on a ticker, diffs against its last snapshot, and
// emits Events on Events() in lexicographic {path, kind} order.
type Poller struct {
	cfg      PollerConfig
	snapshot map[string]FileState
	events   chan Event

	healthMu   sync.Mutex
	lastPollAt time.Time
	lastErr    error
}

// NewPoller returns a Poller with cfg defaults applied. The caller must
// drain Events() while Run is active or the poller will block.
func NewPoller(cfg PollerConfig) *Poller {
	return &Poller{cfg: cfg.withDefaults(), snapshot: map[string]FileState{}, events: make(chan Event, 64)}
}

// Events returns the channel Run publishes detected changes on. Closed
// when Run returns.
func (p *Poller) Events() <-chan Event { return p.events }

// Health reports the timestamp of the poller's most recent scan attempt
// and the error it returned, if any, for the façade's sync-health
// reporting (spec §6).
func (p *Poller) Health() (lastPollAt time.Time, lastErr error) {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	return p.lastPollAt, p.lastErr
}

// Run polls until ctx is cancelled, closing Events() on return.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.events)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	if err := p.tick(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				p.cfg.Logger.Warn("filesync: poll failed", "error", err.Error())
			}
		}
	}
}

func (p *Poller) tick(ctx context.Context) error {
	current, err := p.scan()

	p.healthMu.Lock()
	p.lastPollAt = time.Now()
	p.lastErr = err
	p.healthMu.Unlock()

	if err != nil {
		return err
	}

	events := diff(p.snapshot, current)
	p.snapshot = current

	for _, ev := range events {
		select {
		case <-ctx.Done():
			return nil
		case p.events <- ev:
		}
	}
	return nil
}

func (p *Poller) scan() (map[string]FileState, error) {
	out := map[string]FileState{}
	err := filepath.WalkDir(p.cfg.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !hasExtension(path, p.cfg.Extensions) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil // file vanished between WalkDir readdir and Info(); next tick sees the delete
		}
		out[path] = FileState{ModTime: info.ModTime(), Size: info.Size(), Exists: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hasExtension(path string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// diff computes {ADDED, DELETED, MODIFIED} events between two snapshots,
// sorted lexicographically by (path, kind) for deterministic ordering
// within a single poll tick.
func diff(prev, cur map[string]FileState) []Event {
	var events []Event
	for path, state := range cur {
		old, existed := prev[path]
		switch {
		case !existed:
			events = append(events, Event{Kind: EventAdded, Path: path})
		case old.ModTime != state.ModTime || old.Size != state.Size:
			events = append(events, Event{Kind: EventModified, Path: path})
		}
	}
	for path := range prev {
		if _, stillThere := cur[path]; !stillThere {
			events = append(events, Event{Kind: EventDeleted, Path: path})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Path != events[j].Path {
			return events[i].Path < events[j].Path
		}
		return events[i].Kind < events[j].Kind
	})
	return events
}

// pathLocks hands out a *sync.Mutex per path, lazily created, so the
// Coordinator serializes delete+reload per file without a single global
// lock serializing unrelated files.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks { return &pathLocks{locks: map[string]*sync.Mutex{}} }

func (p *pathLocks) get(path string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.locks[path]; ok {
		return l
	}
	l := &sync.Mutex{}
	p.locks[path] = l
	return l
}

// Reloader performs the atomic delete+reload the Coordinator retries.
// Implementations typically close over a façade's DeleteBySource and
// Store operations.
type Reloader interface {
	ReloadPath(ctx context.Context, path string, kind EventKind) error
}

// Retry policy per spec §4.9: 1s initial backoff, x2, capped at 60s,
// 5 attempts before giving up on a path for this poll cycle.
const (
	retryInitialBackoff = time.Second
	retryMaxBackoff     = 60 * time.Second
	retryMaxAttempts    = 5
	coordinatorWorkers  = 4
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Logger logging.Logger
}

// Coordinator consumes Events from a Poller and drives Reloader.ReloadPath
// through a bounded worker pool, serializing same-path work and retrying
// transient failures with bounded exponential backoff.
type Coordinator struct {
	reloader Reloader
	locks    *pathLocks
	logger   logging.Logger

	healthMu     sync.Mutex
	lastHandleAt time.Time
	lastErr      error
}

// NewCoordinator returns a Coordinator dispatching to reloader.
func NewCoordinator(reloader Reloader, cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{reloader: reloader, locks: newPathLocks(), logger: logger}
}

// Health reports the timestamp of the coordinator's most recently completed
// reload (successful or retry-exhausted) and the error from that attempt,
// if any, for the façade's sync-health reporting (spec §6).
func (c *Coordinator) Health() (lastHandleAt time.Time, lastErr error) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	return c.lastHandleAt, c.lastErr
}

// Run drains events until the channel closes or ctx is cancelled,
// dispatching to at most coordinatorWorkers concurrent reloads.
func (c *Coordinator) Run(ctx context.Context, events <-chan Event) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(coordinatorWorkers)

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case ev, ok := <-events:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				c.handle(gctx, ev)
				return nil
			})
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev Event) {
	lock := c.locks.get(ev.Path)
	lock.Lock()
	defer lock.Unlock()

	backoff := retryInitialBackoff
	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		if err := c.reloader.ReloadPath(ctx, ev.Path, ev.Kind); err != nil {
			lastErr = err
			c.logger.Warn("filesync: reload attempt failed", "path", ev.Path, "attempt", attempt, "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > retryMaxBackoff {
				backoff = retryMaxBackoff
			}
			continue
		}
		c.recordHealth(nil)
		return
	}
	c.logger.Error("filesync: reload exhausted retries", "path", ev.Path, "error", lastErr.Error())
	c.recordHealth(lastErr)
}

func (c *Coordinator) recordHealth(err error) {
	c.healthMu.Lock()
	c.lastHandleAt = time.Now()
	c.lastErr = err
	c.healthMu.Unlock()
}

// MemoryCandidate is one ingestible unit a Loader extracts from a file,
// carrying the same (text, dimensions_hint, parent_ref) tuple the façade's
// store() operation accepts directly (spec §4.9).
type MemoryCandidate struct {
	Text           string
	DimensionsHint map[string]float64
	ParentRef      string
}

// Loader extracts MemoryCandidates from a file's content. The registry
// tries loaders in order and uses the first whose Supports returns true.
type Loader interface {
	Supports(path string) bool
	Load(path string, content []byte) ([]MemoryCandidate, error)
}

// Registry is a first-match-wins ordered list of Loaders.
type Registry struct {
	loaders []Loader
}

// NewRegistry returns a Registry seeded with the given loaders, tried in
// order.
func NewRegistry(loaders ...Loader) *Registry { return &Registry{loaders: loaders} }

// Load finds the first Loader supporting path and runs it against content.
// Returns false if no loader supports the path.
func (r *Registry) Load(path string, content []byte) ([]MemoryCandidate, bool, error) {
	for _, l := range r.loaders {
		if l.Supports(path) {
			units, err := l.Load(path, content)
			return units, true, err
		}
	}
	return nil, false, nil
}

// MarkdownLoader splits a markdown file into blank-line-delimited
// paragraphs, one candidate per paragraph. Paragraphs are siblings at the
// same hierarchy level, so candidates carry no parent_ref; dimensions_hint
// is left for the encoder to derive.
type MarkdownLoader struct{}

func (MarkdownLoader) Supports(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".md" || ext == ".markdown"
}

func (MarkdownLoader) Load(_ string, content []byte) ([]MemoryCandidate, error) {
	raw := strings.Split(string(content), "\n\n")
	out := make([]MemoryCandidate, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, MemoryCandidate{Text: p})
	}
	return out, nil
}

// CommitMessageLoader treats each non-empty line of a commit-message log
// file as its own candidate (spec §1's "version-control commit messages"
// ingestion case), hinting the conventional-commit type as a dimension so
// recall can weight "fix:" differently from "feat:" without re-deriving it.
type CommitMessageLoader struct{}

func (CommitMessageLoader) Supports(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".commits.log")
}

func (CommitMessageLoader) Load(_ string, content []byte) ([]MemoryCandidate, error) {
	out := make([]MemoryCandidate, 0)
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, MemoryCandidate{Text: line, DimensionsHint: commitTypeHint(line)})
	}
	return out, nil
}

// commitTypeHint extracts a conventional-commit prefix ("feat", "fix",
// "chore", ...) as a dimension weight, if the line has one.
func commitTypeHint(line string) map[string]float64 {
	colon := strings.IndexByte(line, ':')
	if colon <= 0 {
		return nil
	}
	kind := strings.ToLower(strings.TrimSpace(strings.SplitN(line[:colon], "(", 2)[0]))
	switch kind {
	case "feat", "fix", "chore", "docs", "refactor", "test", "perf":
		return map[string]float64{"commit_type:" + kind: 1}
	default:
		return nil
	}
}
