package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/memory"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Discard()
	os.Exit(m.Run())
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestGetOrCreateRefreshesLastAccess(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mgr := NewManager(memory.NewLocalStore(), WithClock(clock.Now))
	ctx := context.Background()

	first, err := mgr.GetOrCreate(ctx, "s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := mgr.GetOrCreate(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.LastAccess.After(first.LastAccess) {
		t.Fatalf("last_access not refreshed: %v -> %v", first.LastAccess, second.LastAccess)
	}

	if _, err := mgr.GetContext(ctx, "s1", "missing"); !xerrors.HasCode(err, CodeSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	snap, err := mgr.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.LastAccess.After(second.LastAccess) {
		t.Fatalf("read must refresh last_access")
	}
}

func TestContextSharedAcrossManagers(t *testing.T) {
	store := memory.NewLocalStore()
	a := NewManager(store)
	b := NewManager(store)
	ctx := context.Background()

	type findings struct {
		Summary string `json:"summary"`
	}
	if err := a.SetContext(ctx, "shared", "research:latest", findings{Summary: "AI"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	raw, err := b.GetContext(ctx, "shared", "research:latest")
	if err != nil {
		t.Fatalf("get from second manager: %v", err)
	}
	var got findings
	if err := json.Unmarshal(raw, &got); err != nil || got.Summary != "AI" {
		t.Fatalf("unexpected value %s (%v)", raw, err)
	}

	if err := b.SetContext(ctx, "shared", "research:latest", json.RawMessage(`{"summary":"ML"}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	raw, _ = a.GetContext(ctx, "shared", "research:latest")
	if string(raw) != `{"summary":"ML"}` {
		t.Fatalf("last write should win, got %s", raw)
	}
}

func TestValidation(t *testing.T) {
	mgr := NewManager(memory.NewLocalStore())
	ctx := context.Background()
	for _, id := range []string{"", "  ", "a:b"} {
		if _, err := mgr.GetOrCreate(ctx, id); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("id %q: expected invalid argument, got %v", id, err)
		}
	}
	if err := mgr.SetContext(ctx, "s", "", 1); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
	if err := mgr.SetContext(ctx, "s", "k", []byte("not json")); err == nil {
		t.Fatalf("expected invalid json to be rejected")
	}
	if err := mgr.SetContext(ctx, "s", "k", func() {}); err == nil {
		t.Fatalf("expected unencodable value to be rejected")
	}
}

func TestSnapshotAttachEndAndList(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mgr := NewManager(memory.NewLocalStore(), WithClock(clock.Now))
	ctx := context.Background()

	if _, err := mgr.Snapshot(ctx, "ghost"); !xerrors.HasCode(err, CodeSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_ = mgr.SetContext(ctx, "s1", "topic", "AI in Healthcare")
	_ = mgr.SetContext(ctx, "s1", "writing:t2", map[string]string{"title": "draft"})
	_ = mgr.AttachTask(ctx, "s1", "t2")
	_ = mgr.AttachTask(ctx, "s1", "t1")
	if _, err := mgr.GetOrCreate(ctx, "s2"); err != nil {
		t.Fatalf("create s2: %v", err)
	}

	snap, err := mgr.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Context) != 2 || string(snap.Context["topic"]) != `"AI in Healthcare"` {
		t.Fatalf("unexpected context: %v", snap.Context)
	}
	if len(snap.TaskIDs) != 2 || snap.TaskIDs[0] != "t2" || snap.TaskIDs[1] != "t1" {
		t.Fatalf("task ids should follow attach order, got %v", snap.TaskIDs)
	}

	list, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "s2" {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if n, _ := mgr.Count(ctx); n != 2 {
		t.Fatalf("expected 2 sessions, got %d", n)
	}

	if err := mgr.End(ctx, "s1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := mgr.End(ctx, "s1"); !xerrors.HasCode(err, CodeSessionNotFound) {
		t.Fatalf("expected not found on second end, got %v", err)
	}
	if n, _ := mgr.Count(ctx); n != 1 {
		t.Fatalf("expected 1 session after end, got %d", n)
	}
}

func TestTTLAppliesToRecords(t *testing.T) {
	store := memory.NewLocalStore()
	mgr := NewManager(store, WithTTL(time.Nanosecond))
	ctx := context.Background()
	if err := mgr.SetContext(ctx, "s1", "k", 1); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(time.Millisecond)
	if n, _ := mgr.Count(ctx); n != 0 {
		t.Fatalf("expected records to expire, got %d sessions", n)
	}
}

func TestConcurrentWritersOnOneSession(t *testing.T) {
	mgr := NewManager(memory.NewLocalStore())
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := mgr.SetContext(ctx, "busy", fmt.Sprintf("k%d", i), i); err != nil {
				t.Errorf("set: %v", err)
			}
		}(i)
	}
	wg.Wait()
	snap, err := mgr.Snapshot(ctx, "busy")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Context) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(snap.Context))
	}
}
