package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/moix-hash/research-agent-system/internal/observability/events"
	"github.com/moix-hash/research-agent-system/internal/worker"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Discard()
	os.Exit(m.Run())
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(opts ...RegistryOption) (*Registry, *events.Recorder, *fixedClock) {
	rec := &events.Recorder{}
	clock := &fixedClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	base := []RegistryOption{WithEventSink(rec), WithClock(clock.Now)}
	return NewRegistry(append(base, opts...)...), rec, clock
}

func setStatus(status Status) func(*Task) error {
	return func(t *Task) error {
		t.Status = status
		return nil
	}
}

func TestCreateNormalizesRequest(t *testing.T) {
	reg, rec, _ := newTestRegistry()
	created, err := reg.Create(context.Background(), Request{Topic: "  AI in Healthcare ", ContentType: "Report"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Status != StatusPending || created.Topic != "AI in Healthcare" {
		t.Fatalf("unexpected task: %+v", created)
	}
	if created.ContentType != ContentReport || created.Tone != ToneProfessional || created.Length != LengthMedium {
		t.Fatalf("defaults not applied: %+v", created)
	}
	if created.Stages == nil || len(created.Stages) != 0 {
		t.Fatalf("stages should be empty, got %v", created.Stages)
	}
	transitions := rec.ForTask(created.ID, events.KindTaskTransition)
	if len(transitions) != 1 || transitions[0].From != "" || transitions[0].To != string(StatusPending) {
		t.Fatalf("unexpected transition events: %+v", transitions)
	}
}

func TestCreateDoesNotValidate(t *testing.T) {
	reg, _, _ := newTestRegistry()
	created, err := reg.Create(context.Background(), Request{})
	if err != nil {
		t.Fatalf("create must accept any request: %v", err)
	}
	if err := created.Request().Validate(); !IsValidationError(err) {
		t.Fatalf("expected validation error for empty topic, got %v", err)
	}
}

func TestUpdateStateMachine(t *testing.T) {
	reg, rec, _ := newTestRegistry()
	ctx := context.Background()
	created, _ := reg.Create(ctx, Request{Topic: "x"})

	if _, err := reg.Update(ctx, created.ID, setStatus(StatusCompleted)); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("pending→completed must be rejected, got %v", err)
	}
	if _, err := reg.Update(ctx, created.ID, setStatus(StatusRunning)); err != nil {
		t.Fatalf("pending→running failed: %v", err)
	}
	if _, err := reg.Update(ctx, created.ID, setStatus(StatusPending)); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("running→pending must be rejected, got %v", err)
	}
	updated, err := reg.Update(ctx, created.ID, func(t *Task) error {
		t.Stages = append(t.Stages, StageResult{Stage: worker.StageResearch, Status: StageSuccess, Attempts: 1})
		return nil
	})
	if err != nil || len(updated.Stages) != 1 {
		t.Fatalf("stage append failed: %v %+v", err, updated)
	}
	if _, err := reg.Update(ctx, created.ID, setStatus(StatusPartial)); err != nil {
		t.Fatalf("running→partial failed: %v", err)
	}

	before, _ := reg.Get(ctx, created.ID)
	if _, err := reg.Update(ctx, created.ID, setStatus(StatusFailed)); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("terminal task must be immutable, got %v", err)
	}
	after, _ := reg.Get(ctx, created.ID)
	if after.Status != StatusPartial || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("terminal task changed: %+v", after)
	}

	transitions := rec.ForTask(created.ID, events.KindTaskTransition)
	want := []Status{StatusPending, StatusRunning, StatusPartial}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), transitions)
	}
	for i, status := range want {
		if transitions[i].To != string(status) {
			t.Fatalf("transition %d = %s, want %s", i, transitions[i].To, status)
		}
	}
}

func TestUpdateRejectsStageRewrite(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()
	created, _ := reg.Create(ctx, Request{Topic: "x"})
	reg.Update(ctx, created.ID, func(t *Task) error {
		t.Status = StatusRunning
		t.Stages = append(t.Stages, StageResult{Stage: worker.StageResearch, Status: StageFailed})
		return nil
	})

	if _, err := reg.Update(ctx, created.ID, func(t *Task) error {
		t.Stages[0].Status = StageSuccess
		return nil
	}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("rewriting a stage must conflict, got %v", err)
	}
	if _, err := reg.Update(ctx, created.ID, func(t *Task) error {
		t.Stages = t.Stages[:0]
		return nil
	}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("dropping a stage must conflict, got %v", err)
	}
	if _, err := reg.Update(ctx, created.ID, func(t *Task) error {
		t.Topic = "changed"
		return nil
	}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("changing the topic must conflict, got %v", err)
	}
	boom := errors.New("boom")
	if _, err := reg.Update(ctx, created.ID, func(t *Task) error {
		t.Status = StatusFailed
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("mutate error should be returned, got %v", err)
	}
	current, _ := reg.Get(ctx, created.ID)
	if current.Status != StatusRunning || current.Stages[0].Status != StageFailed {
		t.Fatalf("stored task must be untouched: %+v", current)
	}
}

func TestReturnedTasksAreCopies(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()
	created, _ := reg.Create(ctx, Request{Topic: "x"})
	created.Status = StatusCompleted
	created.Stages = append(created.Stages, StageResult{Stage: worker.StageWriting})

	got, _ := reg.Get(ctx, created.ID)
	if got.Status != StatusPending || len(got.Stages) != 0 {
		t.Fatalf("registry state leaked through returned task: %+v", got)
	}
}

func TestGetUnknownTask(t *testing.T) {
	reg, _, _ := newTestRegistry()
	if _, err := reg.Get(context.Background(), "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := reg.Update(context.Background(), "missing", setStatus(StatusRunning)); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentCreateAndUpdate(t *testing.T) {
	reg, rec, _ := newTestRegistry()
	ctx := context.Background()

	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := reg.Create(ctx, Request{Topic: fmt.Sprintf("topic-%d", i)})
			if err != nil {
				t.Errorf("create failed: %v", err)
				return
			}
			ids <- created.ID
			if _, err := reg.Update(ctx, created.ID, setStatus(StatusRunning)); err != nil {
				t.Errorf("update failed: %v", err)
			}
			if _, err := reg.Update(ctx, created.ID, setStatus(StatusCompleted)); err != nil {
				t.Errorf("update failed: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	stats := reg.Stats(ctx)
	if stats.Total != n || stats.Count(StatusCompleted) != n || stats.SuccessRate() != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := len(rec.Events(events.KindTaskTransition)); got != 3*n {
		t.Fatalf("expected %d transitions, got %d", 3*n, got)
	}
}

func TestConcurrentStageAppends(t *testing.T) {
	reg, _, _ := newTestRegistry()
	ctx := context.Background()
	created, _ := reg.Create(ctx, Request{Topic: "x"})
	reg.Update(ctx, created.ID, setStatus(StatusRunning))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Update(ctx, created.ID, func(t *Task) error {
				t.Stages = append(t.Stages, StageResult{Stage: worker.StageResearch, Status: StageSuccess})
				return nil
			})
		}()
	}
	wg.Wait()
	got, _ := reg.Get(ctx, created.ID)
	if len(got.Stages) != 20 {
		t.Fatalf("lost updates: %d stages", len(got.Stages))
	}
}

func TestListOrderingAndFilters(t *testing.T) {
	reg, _, clock := newTestRegistry()
	ctx := context.Background()

	first, _ := reg.Create(ctx, Request{Topic: "Quantum networking", SessionID: "s1"})
	second, _ := reg.Create(ctx, Request{Topic: "AI in Healthcare", SessionID: "s1"})
	clock.Advance(time.Second)
	third, _ := reg.Create(ctx, Request{Topic: "AI policy", SessionID: "s2"})
	reg.Update(ctx, third.ID, setStatus(StatusFailed))

	all, _ := reg.List(ctx)
	if len(all) != 3 || all[0].ID != third.ID || all[1].ID != second.ID || all[2].ID != first.ID {
		t.Fatalf("expected newest first with stable ties, got %v", ids(all))
	}
	asc, _ := reg.List(ctx, WithSortOrder(SortByCreatedAsc))
	if asc[0].ID != first.ID || asc[2].ID != third.ID {
		t.Fatalf("unexpected ascending order: %v", ids(asc))
	}

	pending, _ := reg.List(ctx, WithStatuses(StatusPending))
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %v", ids(pending))
	}
	session, _ := reg.List(ctx, WithSession("s2"))
	if len(session) != 1 || session[0].ID != third.ID {
		t.Fatalf("session filter failed: %v", ids(session))
	}
	query, _ := reg.List(ctx, WithQuery("ai "))
	if len(query) != 2 {
		t.Fatalf("query filter failed: %v", ids(query))
	}
	page, _ := reg.List(ctx, WithOffset(1), WithLimit(1))
	if len(page) != 1 || page[0].ID != second.ID {
		t.Fatalf("pagination failed: %v", ids(page))
	}
	empty, _ := reg.List(ctx, WithOffset(10))
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", empty)
	}
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestPurge(t *testing.T) {
	repo := newFakeRepository()
	reg, _, _ := newTestRegistry(WithRepository(repo))
	ctx := context.Background()
	created, _ := reg.Create(ctx, Request{Topic: "x"})

	if err := reg.Purge(ctx, created.ID); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("purging a pending task must conflict, got %v", err)
	}
	reg.Update(ctx, created.ID, setStatus(StatusFailed))
	if err := reg.Purge(ctx, created.ID); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if _, err := reg.Get(ctx, created.ID); !IsNotFound(err) {
		t.Fatalf("purged task still visible: %v", err)
	}
	if reg.Len() != 0 || repo.len() != 0 {
		t.Fatalf("purge should remove task everywhere, registry=%d repo=%d", reg.Len(), repo.len())
	}
	if err := reg.Purge(ctx, created.ID); !IsNotFound(err) {
		t.Fatalf("second purge should report not found, got %v", err)
	}
}

type fakeRepository struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	saveErr error
	saves   int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{tasks: make(map[string]*Task)}
}

func (f *fakeRepository) Save(_ context.Context, t *Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.tasks[t.ID] = t.Clone()
	return nil
}

func (f *fakeRepository) Load(context.Context) ([]*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (f *fakeRepository) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return notFound(id)
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeRepository) Close() error { return nil }

func (f *fakeRepository) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *fakeRepository) get(id string) *Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].Clone()
}

func TestRepositoryWriteThrough(t *testing.T) {
	repo := newFakeRepository()
	reg, _, _ := newTestRegistry(WithRepository(repo))
	ctx := context.Background()
	created, _ := reg.Create(ctx, Request{Topic: "x"})
	reg.Update(ctx, created.ID, setStatus(StatusRunning))

	if stored := repo.get(created.ID); stored == nil || stored.Status != StatusRunning {
		t.Fatalf("repository not updated: %+v", stored)
	}

	repo.saveErr = errors.New("disk full")
	if _, err := reg.Update(ctx, created.ID, setStatus(StatusCompleted)); err != nil {
		t.Fatalf("repository failures must not fail updates: %v", err)
	}
	got, _ := reg.Get(ctx, created.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("in-memory update lost: %+v", got)
	}
}

func TestRestore(t *testing.T) {
	repo := newFakeRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.tasks["p"] = &Task{ID: "p", Topic: "pending", Status: StatusPending, Stages: []StageResult{}, CreatedAt: base}
	repo.tasks["r"] = &Task{ID: "r", Topic: "running", Status: StatusRunning, CurrentStage: worker.StageWriting, CreatedAt: base.Add(time.Second)}
	repo.tasks["c"] = &Task{ID: "c", Topic: "done", Status: StatusCompleted, CreatedAt: base.Add(2 * time.Second)}

	reg, rec, _ := newTestRegistry(WithRepository(repo))
	pending, err := reg.Restore(context.Background())
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "p" {
		t.Fatalf("expected pending task to be returned, got %v", ids(pending))
	}
	interrupted, _ := reg.Get(context.Background(), "r")
	if interrupted.Status != StatusFailed || interrupted.Error == nil || interrupted.Error.Code != CodeTaskInterrupted || interrupted.Error.Stage != worker.StageWriting {
		t.Fatalf("running task should be failed as interrupted: %+v", interrupted)
	}
	if stored := repo.get("r"); stored.Status != StatusFailed {
		t.Fatalf("interrupted state not persisted: %+v", stored)
	}
	if got := rec.ForTask("r", events.KindTaskTransition); len(got) != 1 || got[0].From != string(StatusRunning) {
		t.Fatalf("expected one interrupted transition, got %+v", got)
	}
	if reg.Len() != 3 {
		t.Fatalf("expected 3 restored tasks, got %d", reg.Len())
	}
	list, _ := reg.List(context.Background())
	if list[0].ID != "c" || list[2].ID != "p" {
		t.Fatalf("restored order wrong: %v", ids(list))
	}
}

func TestRequestValidation(t *testing.T) {
	cases := []struct {
		name  string
		req   Request
		valid bool
	}{
		{"defaults", Request{Topic: "x"}, true},
		{"blank topic", Request{Topic: "   "}, false},
		{"bad content type", Request{Topic: "x", ContentType: "poem"}, false},
		{"bad tone", Request{Topic: "x", Tone: "angry"}, false},
		{"bad length", Request{Topic: "x", Length: "epic"}, false},
		{"bad session", Request{Topic: "x", SessionID: "a:b"}, false},
		{"all fields", Request{Topic: "x", ContentType: "Blog_Post", Tone: "Casual", Length: "long", Depth: "basic"}, true},
	}
	for _, tc := range cases {
		err := tc.req.Normalize().Validate()
		if (err == nil) != tc.valid {
			t.Fatalf("%s: valid=%v err=%v", tc.name, tc.valid, err)
		}
		if err != nil && !IsValidationError(err) {
			t.Fatalf("%s: expected validation code, got %v", tc.name, err)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusFailed}:    true,
		{StatusRunning, StatusRunning}:   true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusRunning, StatusPartial}:   true,
	}
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			if got := CanTransition(from, to); got != allowed[[2]Status{from, to}] {
				t.Fatalf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}
