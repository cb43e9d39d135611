package channels

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nibot-ai/nibot/internal/bus"
)

func TestHandleFilePublishesTask(t *testing.T) {
	dir := t.TempDir()
	b := bus.New(16)
	c := NewFileWatchChannel(dir, b)

	path := filepath.Join(dir, "task.md")
	if err := os.WriteFile(path, []byte("summarize the logs\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.handleFile(path)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Channel != "filewatch" || msg.ChatID != "task.md" {
		t.Errorf("envelope = %+v", msg)
	}
	if msg.Content != "summarize the logs" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Metadata[bus.MetaSourceFile] != path || msg.Metadata[bus.MetaTaskType] != "file" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestHandleFileIgnoresNonTasks(t *testing.T) {
	dir := t.TempDir()
	b := bus.New(16)
	c := NewFileWatchChannel(dir, b)

	for _, name := range []string{".hidden.md", "task.reply.md", "image.png", "empty.md"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
			t.Fatal(err)
		}
		c.handleFile(path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if msg, ok := b.ConsumeInbound(ctx); ok {
		t.Errorf("unexpected message for ignored file: %+v", msg)
	}
}

func TestHandleFileDebounce(t *testing.T) {
	dir := t.TempDir()
	b := bus.New(16)
	c := NewFileWatchChannel(dir, b)

	path := filepath.Join(dir, "task.md")
	if err := os.WriteFile(path, []byte("do it"), 0o644); err != nil {
		t.Fatal(err)
	}
	c.handleFile(path)
	c.handleFile(path) // editor double-save

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := b.ConsumeInbound(ctx); !ok {
		t.Fatal("first event should publish")
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	if _, ok := b.ConsumeInbound(ctx2); ok {
		t.Error("debounced duplicate published")
	}
}

func TestSendWritesReplyBesideSource(t *testing.T) {
	dir := t.TempDir()
	c := NewFileWatchChannel(dir, bus.New(4))

	src := filepath.Join(dir, "task.md")
	err := c.Send(context.Background(), bus.OutboundMessage{
		Channel:  "filewatch",
		ChatID:   "task.md",
		Content:  "here is the summary",
		Metadata: map[string]string{bus.MetaSourceFile: src},
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "task.reply.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "here is the summary") {
		t.Errorf("reply = %q", data)
	}

	// Progress events with no content are skipped.
	if err := c.Send(context.Background(), bus.OutboundMessage{ChatID: "task.md"}); err != nil {
		t.Fatal(err)
	}
}
