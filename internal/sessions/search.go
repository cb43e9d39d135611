package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nibot-ai/nibot/internal/providers"
)

// Summary is a lightweight view of a session for listings.
type Summary struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
	Preview      string    `json:"preview,omitempty"`
}

// SearchHit is one message matching a search query.
type SearchHit struct {
	Key       string    `json:"key"`
	MessageID string    `json:"message_id"`
	Role      string    `json:"role"`
	Snippet   string    `json:"snippet"`
	Timestamp time.Time `json:"timestamp"`
}

// readMeta parses just the first line of a session file.
func readMeta(path string) (metadataRecord, error) {
	var meta metadataRecord
	f, err := os.Open(path)
	if err != nil {
		return meta, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	if !sc.Scan() {
		return meta, fmt.Errorf("empty session file")
	}
	if err := json.Unmarshal(sc.Bytes(), &meta); err != nil || meta.Type != "metadata" {
		return meta, fmt.Errorf("no metadata line")
	}
	return meta, nil
}

// listFiles returns all session files on disk, newest first by mtime.
func (st *Store) listFiles() ([]string, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions dir: %w", err)
	}

	type fileInfo struct {
		path string
		mod  time.Time
	}
	var files []fileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{filepath.Join(st.dir, e.Name()), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// loadFile decodes one session file regardless of cache state.
func (st *Store) loadFile(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	key := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	s, err := decodeSession(f, key)
	if err != nil {
		return nil, err
	}
	if meta, merr := readMeta(path); merr == nil && meta.Key != "" {
		s.Key = meta.Key
	}
	return s, nil
}

// QueryRecent returns summaries of the most recently updated sessions,
// newest first. limit 0 means all.
func (st *Store) QueryRecent(limit int) ([]Summary, error) {
	paths, err := st.listFiles()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}

	var out []Summary
	for _, path := range paths {
		s, err := st.loadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable session file", "path", path, "error", err)
			continue
		}
		sum := Summary{Key: s.Key, MessageCount: len(s.Messages), UpdatedAt: s.UpdatedAt}
		for i := len(s.Messages) - 1; i >= 0; i-- {
			if s.Messages[i].Role == "user" && s.Messages[i].Content != "" {
				sum.Preview = snippet(s.Messages[i].Content, 80)
				break
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

// IterAllFromDisk walks every session file on disk, newest first, invoking fn
// until it returns false. Sessions are read fresh from disk, not the cache.
func (st *Store) IterAllFromDisk(fn func(*Session) bool) error {
	paths, err := st.listFiles()
	if err != nil {
		return err
	}
	for _, path := range paths {
		s, err := st.loadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable session file", "path", path, "error", err)
			continue
		}
		if !fn(s) {
			return nil
		}
	}
	return nil
}

// IterRecentFromDisk is IterAllFromDisk bounded to the limit most recently
// modified session files. limit 0 means all.
func (st *Store) IterRecentFromDisk(limit int, fn func(*Session) bool) error {
	seen := 0
	return st.IterAllFromDisk(func(s *Session) bool {
		if limit > 0 && seen >= limit {
			return false
		}
		seen++
		return fn(s)
	})
}

// Search scans message content across all sessions for a case-insensitive
// substring match, returning up to maxResults hits, newest session first.
func (st *Store) Search(query string, maxResults int) ([]SearchHit, error) {
	if maxResults <= 0 {
		maxResults = 20
	}
	needle := strings.ToLower(query)

	var hits []SearchHit
	err := st.IterAllFromDisk(func(s *Session) bool {
		for _, m := range s.Messages {
			if m.Content == "" || !strings.Contains(strings.ToLower(m.Content), needle) {
				continue
			}
			hits = append(hits, SearchHit{
				Key:       s.Key,
				MessageID: m.ID,
				Role:      m.Role,
				Snippet:   snippetAround(m.Content, needle, 120),
				Timestamp: m.Timestamp,
			})
			if len(hits) >= maxResults {
				return false
			}
		}
		return true
	})
	return hits, err
}

// Archive moves a session file into an archive/ subdirectory with a
// timestamp suffix so the key can start a fresh conversation.
func (st *Store) Archive(key string) error {
	st.mu.Lock()
	if el, ok := st.cache[key]; ok {
		s := el.Value.(*Session)
		st.lru.Remove(el)
		delete(st.cache, key)
		if err := st.writeFile(s); err != nil {
			slog.Warn("session write-back before archive failed", "key", key, "error", err)
		}
	}
	st.mu.Unlock()

	path := st.pathFor(key)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("session %s not found", key)
		}
		return err
	}

	archiveDir := filepath.Join(st.dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	dest := filepath.Join(archiveDir, fmt.Sprintf("%s.%s.jsonl",
		sanitizeKey(key), time.Now().Format("20060102-150405")))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("archive session %s: %w", key, err)
	}
	return nil
}

// ArchiveOld archives every session not updated within maxAge, returning the
// number archived.
func (st *Store) ArchiveOld(maxAge time.Duration) (int, error) {
	paths, err := st.listFiles()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)

	archived := 0
	for _, path := range paths {
		meta, err := readMeta(path)
		updated := meta.UpdatedAt
		if err != nil || updated.IsZero() {
			if info, serr := os.Stat(path); serr == nil {
				updated = info.ModTime()
			}
		}
		if updated.IsZero() || !updated.Before(cutoff) {
			continue
		}
		key := meta.Key
		if key == "" {
			key = strings.TrimSuffix(filepath.Base(path), ".jsonl")
		}
		if err := st.Archive(key); err != nil {
			slog.Warn("archive failed", "key", key, "error", err)
			continue
		}
		archived++
	}
	return archived, nil
}

func snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// snippetAround centers the snippet on the first occurrence of needle.
func snippetAround(content, needle string, width int) string {
	idx := strings.Index(strings.ToLower(content), needle)
	if idx < 0 {
		return snippet(content, width)
	}
	start := idx - width/2
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(content) {
		end = len(content)
	}
	out := strings.Join(strings.Fields(content[start:end]), " ")
	if start > 0 {
		out = "..." + out
	}
	if end < len(content) {
		out += "..."
	}
	return out
}

// LastMessages is a convenience for handlers needing a bounded tail of
// history as provider messages.
func (st *Store) LastMessages(key string, max int) ([]providers.Message, error) {
	lock := st.LockFor(key)
	lock.Lock()
	defer lock.Unlock()

	s, err := st.GetOrCreate(key)
	if err != nil {
		return nil, err
	}
	return s.History(max), nil
}
