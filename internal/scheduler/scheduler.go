// Package scheduler fires stored cron jobs into the message bus so they run
// through the exact same agent pipeline as user messages.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nibot-ai/nibot/internal/bus"
)

const tickInterval = 60 * time.Second

// Job is one scheduled task. Message is delivered as the inbound content so
// the agent treats the job like a user request.
type Job struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	Message   string     `json:"message"`
	Channel   string     `json:"channel"`
	ChatID    string     `json:"chat_id"`
	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
}

// Scheduler ticks once a minute and publishes an inbound message for every
// job whose next firing time has passed since the previous check.
type Scheduler struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	path      string
	lastCheck time.Time

	bus    *bus.MessageBus
	gron   *gronx.Gronx
	stop   chan struct{}
	done   chan struct{}
	stopMu sync.Once
}

// New loads the job store at path (created empty if missing).
func New(path string, b *bus.MessageBus) (*Scheduler, error) {
	s := &Scheduler{
		jobs: make(map[string]*Job),
		path: path,
		bus:  b,
		gron: gronx.New(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read job store: %w", err)
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse job store %s: %w", s.path, err)
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

// save persists the job list. Caller holds s.mu.
func (s *Scheduler) save() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create job store dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write job store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename job store: %w", err)
	}
	return nil
}

// Add validates the cron expression and stores the job.
func (s *Scheduler) Add(job Job) (*Job, error) {
	if !s.gron.IsValid(job.CronExpr) {
		return nil, fmt.Errorf("invalid cron expression %q", job.CronExpr)
	}
	if job.Channel == "" || job.ChatID == "" {
		return nil, fmt.Errorf("job needs a channel and chat_id")
	}
	if job.ID == "" {
		job.ID = fmt.Sprintf("job-%d", time.Now().UnixNano())
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &job
	if err := s.save(); err != nil {
		return nil, err
	}
	return &job, nil
}

// Remove deletes a job by id.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s not found", id)
	}
	delete(s.jobs, id)
	return s.save()
}

// Jobs returns all jobs sorted by creation time.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// Count reports the number of stored jobs.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start runs the tick loop until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.lastCheck = time.Now()
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.tick(now)
			}
		}
	}()
}

// tick fires every enabled job whose next run since lastCheck is due. A job
// whose expression fails to evaluate is logged and skipped, never fatal.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	last := s.lastCheck
	s.lastCheck = now
	due := make([]*Job, 0)
	for _, j := range s.jobs {
		if !j.Enabled {
			continue
		}
		next, err := gronx.NextTickAfter(j.CronExpr, last, false)
		if err != nil {
			slog.Warn("cron evaluation failed", "job_id", j.ID, "expr", j.CronExpr, "error", err)
			continue
		}
		if !next.After(now) {
			due = append(due, j)
			fired := now
			j.LastRun = &fired
		}
	}
	if len(due) > 0 {
		if err := s.save(); err != nil {
			slog.Warn("job store save failed", "error", err)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		slog.Info("firing scheduled job", "job_id", j.ID, "name", j.Name)
		s.bus.PublishInbound(bus.InboundMessage{
			Channel:  j.Channel,
			SenderID: "scheduler",
			ChatID:   j.ChatID,
			Content:  j.Message,
			Metadata: map[string]string{
				bus.MetaScheduled: "true",
				bus.MetaJobID:     j.ID,
			},
		})
	}
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopMu.Do(func() { close(s.stop) })
	<-s.done
}
