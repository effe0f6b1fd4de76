// Package dedup tracks previously seen event identities so the same external
// event never produces a second task record. Two flavors exist: a durable
// Store that survives restarts (one per sensor), and an in-memory Window the
// intake watcher uses to suppress rapid re-triggers of the same file.
package dedup

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/iambrandonn/taskvault/internal/fsutil"
)

// Store is a durable set of processed identities, persisted as
// {"processed_ids": [...]}. The file is rewritten in full on each insert
// (read-merge-write); a missing or unparsable file reads as an empty set.
//
// Retention is unbounded: a stale "already seen" can only cost a missed
// event, which is the acceptable failure direction versus duplicating work.
type Store struct {
	path string

	mu  sync.Mutex
	ids map[string]struct{}
}

type storeDoc struct {
	ProcessedIDs []string `json:"processed_ids"`
}

// OpenStore loads (or lazily creates) the store backing file at path.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, ids: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dedup store: %w", err)
	}

	var doc storeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		// Corrupt store reads as empty: re-emitting is handled by downstream
		// collision handling, losing the set silently would be worse only if
		// emission were not idempotent.
		return s, nil
	}
	for _, id := range doc.ProcessedIDs {
		s.ids[id] = struct{}{}
	}
	return s, nil
}

// HasSeen reports whether an identity has already been processed.
func (s *Store) HasSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// MarkSeen records an identity and persists the updated set. Marking the
// same identity twice is a no-op, not an error.
func (s *Store) MarkSeen(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return nil
	}
	s.ids[id] = struct{}{}

	ids := make([]string, 0, len(s.ids))
	for k := range s.ids {
		ids = append(ids, k)
	}
	sort.Strings(ids)

	if err := fsutil.AtomicWriteJSON(s.path, storeDoc{ProcessedIDs: ids}); err != nil {
		return fmt.Errorf("failed to persist dedup store: %w", err)
	}
	return nil
}

// Len returns the number of identities in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Window is an in-memory fingerprint set with a bounded suppression window.
// It answers "was this fingerprint seen within the last TTL" and is meant
// for tight duplicate bursts (editor save-and-resave), not durability.
type Window struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewWindow creates a window with the given suppression TTL.
func NewWindow(ttl time.Duration) *Window {
	return &Window{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// Seen reports whether fp was recorded within the TTL; if not, it records
// fp now. Expired entries are replaced rather than honored.
func (w *Window) Seen(fp string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if first, ok := w.seen[fp]; ok && now.Sub(first) < w.ttl {
		return true
	}
	w.seen[fp] = now
	return false
}

// Evict drops entries older than the TTL. Callers run this on their own
// housekeeping cadence to bound memory.
func (w *Window) Evict() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	evicted := 0
	for fp, first := range w.seen {
		if now.Sub(first) >= w.ttl {
			delete(w.seen, fp)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
