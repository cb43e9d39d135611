package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nibot-ai/nibot/internal/bus"
)

// FileWatchChannel turns files dropped into a watched directory into agent
// requests. The file's text is the request; the reply is written next to it
// as <name>.reply.md. Useful for scripted and offline workflows.
type FileWatchChannel struct {
	dir string
	bus *bus.MessageBus

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once

	// Debounce: editors fire multiple write events per save.
	mu   sync.Mutex
	seen map[string]time.Time
}

const fileWatchDebounce = 2 * time.Second

func NewFileWatchChannel(dir string, b *bus.MessageBus) *FileWatchChannel {
	return &FileWatchChannel{
		dir:  dir,
		bus:  b,
		done: make(chan struct{}),
		seen: make(map[string]time.Time),
	}
}

func (c *FileWatchChannel) Name() string { return "filewatch" }

func (c *FileWatchChannel) Start(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}
	c.watcher = watcher

	go c.loop(ctx)
	return nil
}

func (c *FileWatchChannel) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			c.handleFile(event.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("file watcher error", "error", err)
		}
	}
}

// handleFile publishes one task file as an inbound message.
func (c *FileWatchChannel) handleFile(path string) {
	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(name))
	if strings.HasPrefix(name, ".") || strings.Contains(name, ".reply.") {
		return
	}
	if ext != ".md" && ext != ".txt" {
		return
	}

	c.mu.Lock()
	if last, ok := c.seen[path]; ok && time.Since(last) < fileWatchDebounce {
		c.mu.Unlock()
		return
	}
	c.seen[path] = time.Now()
	c.mu.Unlock()

	// Give the writer a moment to finish the file.
	time.Sleep(200 * time.Millisecond)
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("task file unreadable", "path", path, "error", err)
		return
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return
	}

	slog.Info("task file received", "file", name)
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.Name(),
		SenderID: "filewatch",
		ChatID:   name,
		Content:  content,
		Metadata: map[string]string{
			bus.MetaSourceFile: path,
			bus.MetaTaskType:   "file",
		},
	})
}

// Send writes the reply beside the source file.
func (c *FileWatchChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content == "" {
		return nil // progress events have no file representation
	}
	src := msg.Metadata[bus.MetaSourceFile]
	if src == "" {
		src = filepath.Join(c.dir, msg.ChatID)
	}
	base := strings.TrimSuffix(src, filepath.Ext(src))
	out := base + ".reply.md"
	if err := os.WriteFile(out, []byte(msg.Content+"\n"), 0o644); err != nil {
		return fmt.Errorf("write reply %s: %w", out, err)
	}
	slog.Info("reply written", "file", filepath.Base(out))
	return nil
}

func (c *FileWatchChannel) Stop() error {
	c.once.Do(func() { close(c.done) })
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
