// Package schedule fires configured queries on a timer and routes the
// answers to a channel/chat pair through the ordinary inbound path, so
// a scheduled digest streams and settles exactly like a typed one.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ragline/internal/config"
	"ragline/internal/domain"
)

// Scheduler owns the timer loop and the task table.
type Scheduler struct {
	bus    domain.MessageBus
	logger *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*task

	stopCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time // test hook
}

type task struct {
	spec    config.ScheduledQuery
	lastRun time.Time
	nextRun time.Time
}

// TaskStatus is a read-only view of one task for listings.
type TaskStatus struct {
	ID      string
	Name    string
	Query   string
	Preset  string
	Target  string // channel/chatID
	When    string // "every 3600s" or "daily 07:30"
	Enabled bool
	LastRun time.Time
	NextRun time.Time
}

func New(bus domain.MessageBus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		bus:    bus,
		logger: logger,
		tasks:  make(map[string]*task),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Load replaces the task table with the configured tasks. Tasks are
// validated by config.Validate before they get here; malformed entries
// are skipped with a warning rather than trusted.
func (s *Scheduler) Load(specs []config.ScheduledQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*task, len(specs))
	now := s.now()
	for _, spec := range specs {
		next, err := nextRun(spec, now)
		if err != nil {
			s.logger.Warn("scheduled query skipped", "id", spec.ID, "err", err)
			continue
		}
		s.tasks[spec.ID] = &task{spec: spec, nextRun: next}
		s.logger.Info("scheduled query loaded",
			"id", spec.ID,
			"name", spec.Name,
			"next_run", next,
			"enabled", spec.Enabled,
		)
	}
}

// Add registers or replaces one task.
func (s *Scheduler) Add(spec config.ScheduledQuery) error {
	next, err := nextRun(spec, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tasks[spec.ID] = &task{spec: spec, nextRun: next}
	s.mu.Unlock()
	s.logger.Info("scheduled query added", "id", spec.ID, "next_run", next)
	return nil
}

// Remove drops a task by id.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
	s.logger.Info("scheduled query removed", "id", id)
}

// SetEnabled flips one task without touching its schedule.
func (s *Scheduler) SetEnabled(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.spec.Enabled = enabled
	return true
}

// Tasks lists the table sorted by id.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		when := "daily " + t.spec.Daily
		if t.spec.IntervalSeconds > 0 {
			when = "every " + strconv.Itoa(t.spec.IntervalSeconds) + "s"
		}
		out = append(out, TaskStatus{
			ID:      t.spec.ID,
			Name:    t.spec.Name,
			Query:   t.spec.Query,
			Preset:  t.spec.Preset,
			Target:  t.spec.Channel + "/" + t.spec.ChatID,
			When:    when,
			Enabled: t.spec.Enabled,
			LastRun: t.lastRun,
			NextRun: t.nextRun,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run ticks once a second until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "tasks", len(s.Tasks()))
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.fireDue(now)
		}
	}
}

// Stop halts the scheduler. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// fireDue publishes every due enabled task and advances its schedule.
func (s *Scheduler) fireDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if !t.spec.Enabled || now.Before(t.nextRun) {
			continue
		}
		s.logger.Info("scheduled query firing",
			"id", t.spec.ID,
			"name", t.spec.Name,
			"target", t.spec.Channel+"/"+t.spec.ChatID,
		)
		s.bus.Publish(domain.InboundMessage{
			Channel:   t.spec.Channel,
			ChatID:    t.spec.ChatID,
			SenderID:  "schedule:" + t.spec.ID,
			Content:   t.spec.Query,
			Preset:    t.spec.Preset,
			Timestamp: now,
		})
		t.lastRun = now
		next, err := nextRun(t.spec, now)
		if err != nil {
			// Cannot recur anymore; disable rather than fire every tick.
			t.spec.Enabled = false
			continue
		}
		t.nextRun = next
	}
}

// nextRun computes the next firing time after now.
func nextRun(spec config.ScheduledQuery, now time.Time) (time.Time, error) {
	if spec.IntervalSeconds > 0 {
		return now.Add(time.Duration(spec.IntervalSeconds) * time.Second), nil
	}
	if spec.Daily != "" {
		hh, mm, err := parseDaily(spec.Daily)
		if err != nil {
			return time.Time{}, err
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("task %s: neither intervalSeconds nor daily set", spec.ID)
}

func parseDaily(s string) (hh, mm int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("daily must be HH:MM, got %q", s)
	}
	hh, err = strconv.Atoi(parts[0])
	if err != nil || hh < 0 || hh > 23 {
		return 0, 0, fmt.Errorf("daily must be HH:MM, got %q", s)
	}
	mm, err = strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("daily must be HH:MM, got %q", s)
	}
	return hh, mm, nil
}
