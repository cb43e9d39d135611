// Package sessions provides the durable per-conversation transcript store:
// append-only JSONL files, a bounded write-back cache and per-key locks that
// give the agent loop at-most-one writer per conversation.
package sessions

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/nibot-ai/nibot/internal/providers"
)

// Session is the ordered conversation history for one channel:chat_id key.
type Session struct {
	Key              string              `json:"key"`
	Messages         []providers.Message `json:"messages"`
	CompactedSummary string              `json:"compacted_summary,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

func newSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		Messages:  []providers.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewMessageID returns a fresh 12-hex-digit message id.
func NewMessageID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is unrecoverable for id quality; fall back to
		// a time-derived id rather than panic on the hot path.
		return hex.EncodeToString([]byte(time.Now().Format("150405.000")))[:12]
	}
	return hex.EncodeToString(b)
}

// AddMessage appends a message, assigning it a stable id and backfilling
// ParentID from the previous message so ancestry can be traced. Legacy
// messages without ids get a _legacy_ id before a new child is appended.
func (s *Session) AddMessage(msg providers.Message) *providers.Message {
	if msg.ID == "" {
		msg.ID = NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if msg.ParentID == "" && len(s.Messages) > 0 {
		prev := &s.Messages[len(s.Messages)-1]
		if prev.ID == "" {
			prev.ID = "_legacy_" + NewMessageID()
		}
		msg.ParentID = prev.ID
	}

	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
	return &s.Messages[len(s.Messages)-1]
}

// History returns up to the last max messages (0 = all), copied.
func (s *Session) History(max int) []providers.Message {
	msgs := s.Messages
	if max > 0 && len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
	}
	out := make([]providers.Message, len(msgs))
	copy(out, msgs)
	return out
}

// LastID returns the id of the most recent message, or "".
func (s *Session) LastID() string {
	if len(s.Messages) == 0 {
		return ""
	}
	return s.Messages[len(s.Messages)-1].ID
}

// Branch returns the ordered root→leaf path ending at leafID. When the leaf
// cannot be identified it falls back to the full linear history.
func (s *Session) Branch(leafID string) []providers.Message {
	byID := make(map[string]int, len(s.Messages))
	for i, m := range s.Messages {
		if m.ID != "" {
			byID[m.ID] = i
		}
	}

	idx, ok := byID[leafID]
	if !ok {
		return s.History(0)
	}

	var path []providers.Message
	for {
		m := s.Messages[idx]
		path = append(path, m)
		if m.ParentID == "" {
			break
		}
		next, ok := byID[m.ParentID]
		if !ok {
			break
		}
		idx = next
	}

	// Reverse into root-first order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
