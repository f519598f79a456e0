package schedule

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"ragline/internal/config"
	"ragline/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingBus struct {
	mu        sync.Mutex
	published []domain.InboundMessage
}

func (b *recordingBus) Publish(msg domain.InboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
}
func (b *recordingBus) Subscribe() <-chan domain.InboundMessage { return nil }

func (b *recordingBus) SendOutbound(msg domain.OutboundMessage) {}

func (b *recordingBus) OnOutbound(name string, handler func(domain.OutboundMessage)) {}

func (b *recordingBus) Close() {}

func (b *recordingBus) sent() []domain.InboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.InboundMessage(nil), b.published...)
}

func intervalTask(id string, seconds int) config.ScheduledQuery {
	return config.ScheduledQuery{
		ID:              id,
		Name:            "digest",
		Query:           "what changed since yesterday?",
		Preset:          "summarize",
		IntervalSeconds: seconds,
		Channel:         "telegram",
		ChatID:          "12345",
		Enabled:         true,
	}
}

func TestLoadSkipsMalformedTask(t *testing.T) {
	s := New(&recordingBus{}, testLogger())
	s.Load([]config.ScheduledQuery{
		intervalTask("good", 3600),
		{ID: "bad", Query: "q", Channel: "cli", ChatID: "direct", Enabled: true}, // no schedule
	})

	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0].ID != "good" {
		t.Fatalf("expected only the valid task, got %+v", tasks)
	}
}

func TestFireDuePublishesQuery(t *testing.T) {
	bus := &recordingBus{}
	s := New(bus, testLogger())

	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	s.Load([]config.ScheduledQuery{intervalTask("digest", 60)})

	// Not yet due.
	s.fireDue(t0.Add(30 * time.Second))
	if len(bus.sent()) != 0 {
		t.Fatal("task fired before its interval elapsed")
	}

	s.fireDue(t0.Add(61 * time.Second))
	sent := bus.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 published query, got %d", len(sent))
	}
	msg := sent[0]
	if msg.Channel != "telegram" || msg.ChatID != "12345" {
		t.Errorf("wrong target: %+v", msg)
	}
	if msg.SenderID != "schedule:digest" {
		t.Errorf("wrong sender: %s", msg.SenderID)
	}
	if msg.Content != "what changed since yesterday?" || msg.Preset != "summarize" {
		t.Errorf("query or preset lost: %+v", msg)
	}

	// Firing advances the schedule; the same instant must not fire twice.
	s.fireDue(t0.Add(62 * time.Second))
	if len(bus.sent()) != 1 {
		t.Error("task fired again before the next interval")
	}
}

func TestDisabledTaskDoesNotFire(t *testing.T) {
	bus := &recordingBus{}
	s := New(bus, testLogger())

	t0 := time.Now()
	s.now = func() time.Time { return t0 }
	spec := intervalTask("digest", 10)
	spec.Enabled = false
	s.Load([]config.ScheduledQuery{spec})

	s.fireDue(t0.Add(time.Hour))
	if len(bus.sent()) != 0 {
		t.Fatal("disabled task fired")
	}

	if !s.SetEnabled("digest", true) {
		t.Fatal("SetEnabled should find the task")
	}
	s.fireDue(t0.Add(2 * time.Hour))
	if len(bus.sent()) != 1 {
		t.Fatal("re-enabled task should fire")
	}
}

func TestSetEnabledUnknownTask(t *testing.T) {
	s := New(&recordingBus{}, testLogger())
	if s.SetEnabled("missing", true) {
		t.Error("SetEnabled should report unknown ids")
	}
}

func TestRemoveDropsTask(t *testing.T) {
	s := New(&recordingBus{}, testLogger())
	s.Load([]config.ScheduledQuery{intervalTask("a", 60), intervalTask("b", 60)})
	s.Remove("a")
	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0].ID != "b" {
		t.Fatalf("expected only b to remain, got %+v", tasks)
	}
}

func TestNextRunDaily(t *testing.T) {
	spec := config.ScheduledQuery{ID: "daily", Daily: "07:30"}

	morning := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	next, err := nextRun(spec, morning)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("before the slot: got %v, want %v", next, want)
	}

	evening := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	next, err = nextRun(spec, evening)
	if err != nil {
		t.Fatal(err)
	}
	want = time.Date(2026, 3, 11, 7, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("after the slot: got %v, want %v", next, want)
	}
}

func TestParseDailyRejectsMalformed(t *testing.T) {
	for _, in := range []string{"7", "25:00", "12:61", "aa:bb", ""} {
		if _, _, err := parseDaily(in); err == nil {
			t.Errorf("parseDaily(%q) should fail", in)
		}
	}
}

func TestTasksSortedAndDescribed(t *testing.T) {
	s := New(&recordingBus{}, testLogger())
	s.Load([]config.ScheduledQuery{
		intervalTask("b-task", 3600),
		{ID: "a-task", Query: "q", Daily: "07:30", Channel: "cli", ChatID: "direct", Enabled: true},
	})

	tasks := s.Tasks()
	if len(tasks) != 2 || tasks[0].ID != "a-task" || tasks[1].ID != "b-task" {
		t.Fatalf("tasks not sorted by id: %+v", tasks)
	}
	if tasks[0].When != "daily 07:30" {
		t.Errorf("daily description wrong: %s", tasks[0].When)
	}
	if tasks[1].When != "every 3600s" {
		t.Errorf("interval description wrong: %s", tasks[1].When)
	}
	if tasks[1].Target != "telegram/12345" {
		t.Errorf("target description wrong: %s", tasks[1].Target)
	}
}
