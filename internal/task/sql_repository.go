package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

// 支持的数据库方言。
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// SQLConfig 描述关系型仓库的连接参数。
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SQLRepository 将任务以 JSON 快照形式保存到 research_tasks 表。
type SQLRepository struct {
	db      *sql.DB
	dialect string
	upsert  string
	log     *slog.Logger
}

// NewSQLRepository 打开数据库、执行迁移并返回仓库实例。
func NewSQLRepository(ctx context.Context, cfg SQLConfig) (*SQLRepository, error) {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if dialect == "" {
		dialect = DialectSQLite
	}
	db, err := openDatabase(ctx, dialect, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化任务仓库失败",
			xerrors.WithMetadata("driver", dialect))
	}
	if err := runMigrations(ctx, db, dialect); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行任务仓库迁移失败",
			xerrors.WithMetadata("driver", dialect))
	}

	repo := &SQLRepository{db: db, dialect: dialect, log: logger.Component("task.repository")}
	switch dialect {
	case DialectMySQL:
		repo.upsert = `INSERT INTO research_tasks (id, session_id, topic, status, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE status = VALUES(status), payload = VALUES(payload), updated_at = VALUES(updated_at)`
	default:
		repo.upsert = `INSERT INTO research_tasks (id, session_id, topic, status, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, payload = excluded.payload, updated_at = excluded.updated_at`
	}
	return repo, nil
}

func openDatabase(ctx context.Context, dialect string, cfg SQLConfig) (*sql.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("%s DSN 不能为空", dialect)
	}

	maxOpen, maxIdle := 20, 10
	switch dialect {
	case DialectMySQL:
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
		}
		if parsed.Timeout == 0 {
			parsed.Timeout = 5 * time.Second
		}
		dsn = parsed.FormatDSN()
	case DialectSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
		// SQLite 只允许单写者。
		maxOpen, maxIdle = 1, 1
	default:
		return nil, fmt.Errorf("不支持的数据库驱动 %q", dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", dialect, err)
	}

	if cfg.MaxOpenConns > 0 && dialect != DialectSQLite {
		maxOpen = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 && dialect != DialectSQLite {
		maxIdle = cfg.MaxIdleConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 %s: %w", dialect, err)
	}
	return db, nil
}

// Dialect 返回仓库使用的数据库方言。
func (r *SQLRepository) Dialect() string { return r.dialect }

// Save 插入或更新任务快照。
func (r *SQLRepository) Save(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务缺少 ID")
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化任务失败", xerrors.WithTask(t.ID))
	}
	if _, err := r.db.ExecContext(ctx, r.upsert,
		t.ID,
		t.SessionID,
		t.Topic,
		string(t.Status),
		string(payload),
		t.CreatedAt.UnixNano(),
		t.UpdatedAt.UnixNano(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入任务失败", xerrors.WithTask(t.ID))
	}
	return nil
}

// Load 按创建时间升序读取全部任务。无法解析的记录会被跳过。
func (r *SQLRepository) Load(ctx context.Context) ([]*Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, payload FROM research_tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		var t Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			r.log.Warn("跳过无法解析的任务记录", slog.String("task_id", id), slog.Any("error", err))
			continue
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务记录失败")
	}
	return tasks, nil
}

// Delete 删除任务记录。
func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM research_tasks WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务失败", xerrors.WithTask(id))
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return notFound(id)
	}
	return nil
}

// Ping 检查数据库连通性。
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close 关闭数据库连接。
func (r *SQLRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
