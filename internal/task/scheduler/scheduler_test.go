package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

// goExec runs every task on its own goroutine.
type goExec struct{}

func (goExec) Enqueue(t engine.Task) error {
	go func() { _ = t.Run(context.Background()) }()
	return nil
}

// heldExec keeps tasks until the test runs them.
type heldExec struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (h *heldExec) Enqueue(t engine.Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.tasks = append(h.tasks, t)
	return nil
}

func (h *heldExec) take() []engine.Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.tasks
	h.tasks = nil
	return out
}

type recorder struct {
	mu   sync.Mutex
	cmds []Command
	ch   chan Command
}

func newRecorder() *recorder { return &recorder{ch: make(chan Command, 16)} }

func (r *recorder) handle(ctx context.Context, cmd Command) error {
	r.mu.Lock()
	r.cmds = append(r.cmds, cmd)
	r.mu.Unlock()
	r.ch <- cmd
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}

func newStarted(t *testing.T, exec Executor) *Service {
	t.Helper()
	s := New(Config{Timezone: "Asia/Tokyo"}, exec, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func waitCmd(t *testing.T, ch <-chan Command) Command {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}
	return Command{}
}

func TestOnceFiresWithCommandValue(t *testing.T) {
	t.Parallel()
	s := newStarted(t, goExec{})
	rec := newRecorder()
	at := time.Now().Add(20 * time.Millisecond)
	err := s.ScheduleOnce("abc12345", at,
		Command{DestinationID: 42, Content: "hello", Origin: OriginInteractive}, rec.handle)
	if err != nil {
		t.Fatalf("ScheduleOnce: %v", err)
	}
	if !s.Exists("abc12345") {
		t.Fatalf("trigger should exist before firing")
	}
	got := waitCmd(t, rec.ch)
	want := Command{ID: "abc12345", DestinationID: 42, Content: "hello", Kind: KindOnce, Origin: OriginInteractive, At: at}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	time.Sleep(20 * time.Millisecond)
	if s.Exists("abc12345") {
		t.Fatalf("once trigger must be consumed after firing")
	}
}

func TestPastInstantFiresImmediately(t *testing.T) {
	t.Parallel()
	s := newStarted(t, goExec{})
	rec := newRecorder()
	_ = s.ScheduleOnce("past", time.Now().Add(-time.Hour), Command{Content: "late"}, rec.handle)
	waitCmd(t, rec.ch)
}

func TestReplaceUnderSameIDFiresOnlyLatest(t *testing.T) {
	t.Parallel()
	s := newStarted(t, goExec{})
	rec := newRecorder()
	_ = s.ScheduleOnce("dup", time.Now().Add(30*time.Millisecond), Command{Content: "first"}, rec.handle)
	_ = s.ScheduleOnce("dup", time.Now().Add(60*time.Millisecond), Command{Content: "second"}, rec.handle)

	if n := len(s.Snapshot()); n != 1 {
		t.Fatalf("live triggers=%d want 1", n)
	}
	got := waitCmd(t, rec.ch)
	if got.Content != "second" {
		t.Fatalf("fired %q, replaced trigger must not fire", got.Content)
	}
	time.Sleep(80 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("handler called %d times", rec.count())
	}
}

func TestRemoveBeforeFire(t *testing.T) {
	t.Parallel()
	s := newStarted(t, goExec{})
	rec := newRecorder()
	_ = s.ScheduleOnce("gone", time.Now().Add(30*time.Millisecond), Command{}, rec.handle)
	if !s.Remove("gone") {
		t.Fatalf("Remove should report existing trigger")
	}
	if s.Remove("gone") {
		t.Fatalf("second Remove should be a no-op")
	}
	time.Sleep(80 * time.Millisecond)
	if rec.count() != 0 || s.Exists("gone") {
		t.Fatalf("removed trigger fired")
	}
}

func TestRemoveAfterEnqueueDiscardsCallback(t *testing.T) {
	t.Parallel()
	exec := &heldExec{}
	s := newStarted(t, exec)
	rec := newRecorder()
	_ = s.ScheduleOnce("race", time.Now(), Command{}, rec.handle)

	var tasks []engine.Task
	deadline := time.Now().Add(2 * time.Second)
	for len(tasks) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		tasks = exec.take()
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one enqueued task, got %d", len(tasks))
	}
	if !s.Exists("race") {
		t.Fatalf("fired-but-queued trigger should still be removable")
	}
	s.Remove("race")
	if err := tasks[0].Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("callback ran after Remove returned")
	}
}

func TestRecurringFiresEachTickUntilRemoved(t *testing.T) {
	t.Parallel()
	exec := &heldExec{}
	s := newStarted(t, exec)
	rec := newRecorder()
	if err := s.ScheduleRecurring("daily", "0 9 * * *", Command{DestinationID: 7, Content: "standup"}, rec.handle); err != nil {
		t.Fatalf("ScheduleRecurring: %v", err)
	}

	s.mu.Lock()
	tr := s.triggers["daily"]
	s.mu.Unlock()

	for i := 0; i < 3; i++ {
		s.fire(tr)
		for _, task := range exec.take() {
			_ = task.Run(context.Background())
		}
	}
	if rec.count() != 3 {
		t.Fatalf("fired %d times want 3", rec.count())
	}
	if !s.Exists("daily") {
		t.Fatalf("recurring trigger must stay live")
	}
	if c := <-rec.ch; c.Kind != KindRecurring || c.DestinationID != 7 {
		t.Fatalf("unexpected command %+v", c)
	}

	s.Remove("daily")
	s.fire(tr)
	if len(exec.take()) != 0 {
		t.Fatalf("removed recurring trigger enqueued a task")
	}
}

func TestHeldUntilStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, goExec{}, logx.Nop(), nil)
	rec := newRecorder()
	_ = s.ScheduleOnce("early", time.Now(), Command{}, rec.handle)
	time.Sleep(30 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("trigger fired before Start")
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())
	waitCmd(t, rec.ch)
}

func TestQueueFullDropsOnceTrigger(t *testing.T) {
	t.Parallel()
	exec := &heldExec{err: engine.ErrQueueFull}
	s := newStarted(t, exec)
	rec := newRecorder()
	_ = s.ScheduleOnce("full", time.Now(), Command{}, rec.handle)
	deadline := time.Now().Add(2 * time.Second)
	for s.Exists("full") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Exists("full") {
		t.Fatalf("dropped once trigger should be consumed")
	}
}

func TestScheduleRecurringRejectsBadCron(t *testing.T) {
	t.Parallel()
	s := New(Config{}, goExec{}, logx.Nop(), nil)
	err := s.ScheduleRecurring("x", "61 * * * *", Command{}, func(context.Context, Command) error { return nil })
	if !errors.Is(err, ErrInvalidCron) {
		t.Fatalf("want ErrInvalidCron, got %v", err)
	}
	if s.Exists("x") {
		t.Fatalf("invalid trigger registered")
	}
}

func TestApplyTimezoneKeepsTriggers(t *testing.T) {
	s := newStarted(t, &heldExec{})
	_ = s.ScheduleRecurring("r", "0 9 * * *", Command{}, func(context.Context, Command) error { return nil })
	s.Apply(Config{Timezone: "UTC"})
	if s.Location().String() != "UTC" {
		t.Fatalf("location=%s", s.Location())
	}
	next, ok := s.NextFire("r")
	if !ok || next.Hour() != 9 || next.Location().String() != "UTC" {
		t.Fatalf("next=%v ok=%v", next, ok)
	}
}
