package task

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/moix-hash/research-agent-system/internal/worker"
)

func newSQLiteRepository(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := NewSQLRepository(context.Background(), SQLConfig{
		Driver: DialectSQLite,
		DSN:    filepath.Join(t.TempDir(), "tasks.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLRepositoryRoundTrip(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := &Task{ID: "t1", Topic: "AI in Healthcare", Status: StatusPending, Stages: []StageResult{}, CreatedAt: created, UpdatedAt: created}
	second := &Task{ID: "t2", Topic: "Quantum", Status: StatusPending, Stages: []StageResult{}, CreatedAt: created.Add(time.Minute), UpdatedAt: created}
	for _, task := range []*Task{second, first} {
		if err := repo.Save(ctx, task); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	first.Status = StatusCompleted
	first.Stages = append(first.Stages, StageResult{Stage: worker.StageResearch, Status: StageSuccess, Attempts: 1})
	first.Artifact = &Artifact{Title: "AI in Healthcare", Content: "body"}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	loaded, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "t1" || loaded[1].ID != "t2" {
		t.Fatalf("unexpected load result: %v", ids(loaded))
	}
	if loaded[0].Status != StatusCompleted || loaded[0].Artifact == nil || len(loaded[0].Stages) != 1 {
		t.Fatalf("upsert did not replace the snapshot: %+v", loaded[0])
	}
	if !loaded[0].CreatedAt.Equal(created) {
		t.Fatalf("created_at mismatch: %v", loaded[0].CreatedAt)
	}

	if err := repo.Delete(ctx, "t2"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := repo.Delete(ctx, "t2"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := repo.Save(ctx, &Task{}); err == nil {
		t.Fatalf("saving a task without id should fail")
	}
}

func TestSQLRepositoryMigrationsAreIdempotent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		repo, err := NewSQLRepository(ctx, SQLConfig{Driver: DialectSQLite, DSN: dsn})
		if err != nil {
			t.Fatalf("open #%d failed: %v", i, err)
		}
		if i == 0 {
			if err := repo.Save(ctx, &Task{ID: "keep", Topic: "x", Status: StatusPending}); err != nil {
				t.Fatalf("save failed: %v", err)
			}
		} else {
			loaded, err := repo.Load(ctx)
			if err != nil || len(loaded) != 1 {
				t.Fatalf("data lost across reopen: %v %v", err, loaded)
			}
		}
		repo.Close()
	}
}

func TestSQLRepositoryConfigErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := NewSQLRepository(ctx, SQLConfig{Driver: DialectSQLite}); err == nil {
		t.Fatalf("empty DSN should fail")
	}
	if _, err := NewSQLRepository(ctx, SQLConfig{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatalf("unknown driver should fail")
	}
	if _, err := NewSQLRepository(ctx, SQLConfig{Driver: DialectMySQL, DSN: "not a dsn"}); err == nil {
		t.Fatalf("malformed mysql DSN should fail")
	}
}

func TestRegistryRestoresFromSQLite(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()

	writer, _, _ := newTestRegistry(WithRepository(repo))
	pending, _ := writer.Create(ctx, Request{Topic: "pending"})
	running, _ := writer.Create(ctx, Request{Topic: "running"})
	writer.Update(ctx, running.ID, setStatus(StatusRunning))

	reader, _, _ := newTestRegistry(WithRepository(repo))
	requeue, err := reader.Restore(ctx)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(requeue) != 1 || requeue[0].ID != pending.ID {
		t.Fatalf("unexpected pending set: %v", ids(requeue))
	}
	got, _ := reader.Get(ctx, running.ID)
	if got.Status != StatusFailed || got.Error.Code != CodeTaskInterrupted {
		t.Fatalf("running task should be interrupted: %+v", got)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	stmts := splitSQLStatements("CREATE TABLE a (id INT);\n\n CREATE INDEX i ON a (id) ;  ")
	if len(stmts) != 2 || stmts[1] != "CREATE INDEX i ON a (id)" {
		t.Fatalf("unexpected statements: %q", stmts)
	}
	if v := parseMigrationVersion("0001_research_tasks.sql"); v != "0001" {
		t.Fatalf("unexpected version %q", v)
	}
}
