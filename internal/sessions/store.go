package sessions

import (
	"bufio"
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nibot-ai/nibot/internal/providers"
)

// DefaultMaxCached is the write-back cache size when the caller passes 0.
const DefaultMaxCached = 200

// metadataRecord is the first line of every session file. Lines after it are
// individual messages, one JSON object per line.
type metadataRecord struct {
	Type             string    `json:"_type"`
	Key              string    `json:"key"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	CompactedSummary string    `json:"compacted_summary,omitempty"`
}

// Store keeps sessions as JSONL files on disk with a bounded in-memory LRU
// cache in front. Mutating callers must hold LockFor(key) across the whole
// load-mutate-save sequence; the store's own mutex only guards cache state.
type Store struct {
	dir       string
	maxCached int

	mu    sync.Mutex
	cache map[string]*list.Element
	lru   *list.List // front = most recently used, values are *Session

	locks sync.Map // session key -> *sync.Mutex, never evicted
}

// NewStore opens (creating if needed) a session store rooted at dir.
func NewStore(dir string, maxCached int) (*Store, error) {
	if maxCached <= 0 {
		maxCached = DefaultMaxCached
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{
		dir:       dir,
		maxCached: maxCached,
		cache:     make(map[string]*list.Element),
		lru:       list.New(),
	}, nil
}

// LockFor returns the mutex serializing access to one session key. Locks are
// created on demand and survive cache eviction so two handlers for the same
// conversation can never interleave a read-modify-write.
func (st *Store) LockFor(key string) *sync.Mutex {
	v, _ := st.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// sanitizeKey maps a session key to a safe file stem.
func sanitizeKey(key string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return r.Replace(key)
}

func (st *Store) pathFor(key string) string {
	return filepath.Join(st.dir, sanitizeKey(key)+".jsonl")
}

// GetOrCreate returns the session for key, loading from disk on a cache miss
// and creating an empty session when no file exists.
func (st *Store) GetOrCreate(key string) (*Session, error) {
	st.mu.Lock()
	if el, ok := st.cache[key]; ok {
		st.lru.MoveToFront(el)
		s := el.Value.(*Session)
		st.mu.Unlock()
		return s, nil
	}
	st.mu.Unlock()

	// Load outside the cache mutex; the per-key lock held by the caller
	// prevents two loads of the same key from racing.
	s, err := st.loadFromDisk(key)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = newSession(key)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if el, ok := st.cache[key]; ok {
		st.lru.MoveToFront(el)
		return el.Value.(*Session), nil
	}
	st.cache[key] = st.lru.PushFront(s)
	st.evictLocked()
	return s, nil
}

// evictLocked writes back and drops least-recently-used sessions beyond the
// cache budget. Caller holds st.mu.
func (st *Store) evictLocked() {
	for st.lru.Len() > st.maxCached {
		el := st.lru.Back()
		if el == nil {
			return
		}
		s := el.Value.(*Session)
		st.lru.Remove(el)
		delete(st.cache, s.Key)
		if err := st.writeFile(s); err != nil {
			slog.Warn("session write-back on eviction failed", "key", s.Key, "error", err)
		}
	}
}

// Save persists the session to disk and refreshes its cache position.
func (st *Store) Save(s *Session) error {
	s.UpdatedAt = time.Now()
	if err := st.writeFile(s); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if el, ok := st.cache[s.Key]; ok {
		el.Value = s
		st.lru.MoveToFront(el)
	} else {
		st.cache[s.Key] = st.lru.PushFront(s)
		st.evictLocked()
	}
	return nil
}

// writeFile serializes the session as JSONL and renames it into place so a
// crash mid-write never corrupts the previous file.
func (st *Store) writeFile(s *Session) error {
	path := st.pathFor(s.Key)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	meta := metadataRecord{
		Type:             "metadata",
		Key:              s.Key,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		CompactedSummary: s.CompactedSummary,
	}
	if err := enc.Encode(meta); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode metadata: %w", err)
	}
	for i := range s.Messages {
		if err := enc.Encode(&s.Messages[i]); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("encode message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// loadFromDisk reads a session file, skipping malformed lines. Returns nil
// when no file exists. A file with no readable lines at all yields an empty
// session rather than an error so one bad file cannot wedge a conversation.
func (st *Store) loadFromDisk(key string) (*Session, error) {
	path := st.pathFor(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	s, err := decodeSession(f, key)
	if err != nil {
		slog.Warn("session file unreadable, starting empty", "key", key, "path", path, "error", err)
		return newSession(key), nil
	}
	return s, nil
}

// decodeSession parses a JSONL session stream. Malformed lines are skipped
// with a warning; only a read error is fatal.
func decodeSession(f *os.File, key string) (*Session, error) {
	s := newSession(key)

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if lineNo == 1 {
			var meta metadataRecord
			if err := json.Unmarshal([]byte(line), &meta); err == nil && meta.Type == "metadata" {
				if !meta.CreatedAt.IsZero() {
					s.CreatedAt = meta.CreatedAt
				}
				if !meta.UpdatedAt.IsZero() {
					s.UpdatedAt = meta.UpdatedAt
				}
				s.CompactedSummary = meta.CompactedSummary
				continue
			}
			// No metadata line; fall through and try the line as a message.
		}

		var msg providers.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			slog.Warn("skipping malformed session line", "key", key, "line", lineNo, "error", err)
			continue
		}
		s.Messages = append(s.Messages, msg)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan session file: %w", err)
	}
	return s, nil
}

// Delete removes the session from the cache and disk.
func (st *Store) Delete(key string) error {
	st.mu.Lock()
	if el, ok := st.cache[key]; ok {
		st.lru.Remove(el)
		delete(st.cache, key)
	}
	st.mu.Unlock()

	if err := os.Remove(st.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

// Flush writes every cached session to disk. Used on shutdown.
func (st *Store) Flush() {
	st.mu.Lock()
	sessions := make([]*Session, 0, st.lru.Len())
	for el := st.lru.Front(); el != nil; el = el.Next() {
		sessions = append(sessions, el.Value.(*Session))
	}
	st.mu.Unlock()

	for _, s := range sessions {
		if err := st.writeFile(s); err != nil {
			slog.Warn("session flush failed", "key", s.Key, "error", err)
		}
	}
}

// CachedCount reports how many sessions are resident in memory.
func (st *Store) CachedCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lru.Len()
}

// Dir exposes the on-disk root, used by maintenance commands.
func (st *Store) Dir() string { return st.dir }
