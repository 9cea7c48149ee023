// Package session 将任务与上下文按会话分组，全部状态保存在 memory.Store 中。
//
// 键格式：
//
//	session:<id>:meta           会话元数据
//	session:<id>:ctx:<key>      上下文条目
//	session:<id>:task:<taskID>  关联任务
//
// 只要共享同一个 Store，多个 Manager 实例看到的是同一组会话。
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/memory"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

const CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"

// ErrNotFound 表示会话或上下文条目不存在。
var ErrNotFound = xerrors.New(CodeSessionNotFound, "session not found")

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

const keyRoot = "session:"

// Session 是一个会话的快照。
type Session struct {
	ID         string                     `json:"id"`
	CreatedAt  time.Time                  `json:"created_at"`
	LastAccess time.Time                  `json:"last_access"`
	Context    map[string]json.RawMessage `json:"context,omitempty"`
	TaskIDs    []string                   `json:"task_ids,omitempty"`
}

type metaRecord struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

type taskLink struct {
	AttachedAt time.Time `json:"attached_at"`
}

// Manager 管理会话。
type Manager struct {
	store memory.Store
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Manager)

// WithTTL 为 Manager 写入的全部记录设置过期时间，0 表示不过期。
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建 Manager。
func NewManager(store memory.Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now, log: logger.Component("session")}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// ValidateID 校验会话标识：非空且不含 ':'。
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "session id 不能为空")
	}
	if strings.Contains(id, ":") {
		return xerrors.New(xerrors.CodeInvalidArgument, "session id 不能包含 ':'",
			xerrors.WithSession(id))
	}
	return nil
}

// New 创建一个随机标识的新会话。
func (m *Manager) New(ctx context.Context) (*Session, error) {
	return m.GetOrCreate(ctx, uuid.NewString())
}

// GetOrCreate 返回会话元数据，不存在时创建，并刷新 LastAccess。
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	meta, err := m.touch(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return &Session{ID: meta.ID, CreatedAt: meta.CreatedAt, LastAccess: meta.LastAccess}, nil
}

// SetContext 写入上下文条目，同键覆盖。value 会被编码为 JSON。
func (m *Manager) SetContext(ctx context.Context, id, key string, value any) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "context key 不能为空")
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	if _, err := m.touch(ctx, id, true); err != nil {
		return err
	}
	return m.store.Put(ctx, contextKey(id, key), raw, m.ttl)
}

// GetContext 读取上下文条目，条目不存在时返回 ErrNotFound。
func (m *Manager) GetContext(ctx context.Context, id, key string) (json.RawMessage, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if _, err := m.touch(ctx, id, true); err != nil {
		return nil, err
	}
	raw, err := m.store.Get(ctx, contextKey(id, key))
	if err != nil {
		if memory.IsNotFound(err) {
			return nil, xerrors.Wrap(CodeSessionNotFound, err, "context entry not found",
				xerrors.WithSession(id), xerrors.WithMetadata("key", key))
		}
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// AttachTask 将任务关联到会话。
func (m *Manager) AttachTask(ctx context.Context, id, taskID string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if strings.TrimSpace(taskID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "task id 不能为空")
	}
	if _, err := m.touch(ctx, id, true); err != nil {
		return err
	}
	raw, err := json.Marshal(taskLink{AttachedAt: m.now().UTC()})
	if err != nil {
		return err
	}
	return m.store.Put(ctx, taskKey(id, taskID), raw, m.ttl)
}

// Snapshot 返回包含完整上下文与关联任务的会话，会话不存在时返回 ErrNotFound。
func (m *Manager) Snapshot(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	meta, err := m.touch(ctx, id, false)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:         meta.ID,
		CreatedAt:  meta.CreatedAt,
		LastAccess: meta.LastAccess,
		Context:    make(map[string]json.RawMessage),
	}

	ctxPrefix := contextKey(id, "")
	for key, err := range m.store.Keys(ctx, ctxPrefix) {
		if err != nil {
			return nil, err
		}
		raw, err := m.store.Get(ctx, key)
		if err != nil {
			if memory.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		sess.Context[strings.TrimPrefix(key, ctxPrefix)] = json.RawMessage(raw)
	}

	type attached struct {
		id string
		at time.Time
	}
	var links []attached
	taskPrefix := taskKey(id, "")
	for key, err := range m.store.Keys(ctx, taskPrefix) {
		if err != nil {
			return nil, err
		}
		link := attached{id: strings.TrimPrefix(key, taskPrefix)}
		if raw, err := m.store.Get(ctx, key); err == nil {
			var rec taskLink
			if json.Unmarshal(raw, &rec) == nil {
				link.at = rec.AttachedAt
			}
		}
		links = append(links, link)
	}
	sort.SliceStable(links, func(i, j int) bool {
		if links[i].at.Equal(links[j].at) {
			return links[i].id < links[j].id
		}
		return links[i].at.Before(links[j].at)
	})
	for _, l := range links {
		sess.TaskIDs = append(sess.TaskIDs, l.id)
	}
	return sess, nil
}

// End 删除会话及其全部记录。
func (m *Manager) End(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	meta, err := m.loadMeta(ctx, id)
	if err != nil {
		return err
	}
	keys, err := memory.CollectKeys(ctx, m.store, keyRoot+id+":")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.store.Delete(ctx, key); err != nil && !memory.IsNotFound(err) {
			return err
		}
	}
	m.log.Info("会话结束",
		slog.String("session_id", id),
		slog.Duration("duration", m.now().Sub(meta.CreatedAt)),
		slog.Int("records", len(keys)),
	)
	return nil
}

// List 返回全部会话的元数据，按创建时间倒序。
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	var out []*Session
	for key, err := range m.store.Keys(ctx, keyRoot) {
		if err != nil {
			return nil, err
		}
		id, ok := metaID(key)
		if !ok {
			continue
		}
		meta, err := m.loadMeta(ctx, id)
		if err != nil {
			if xerrors.HasCode(err, CodeSessionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &Session{ID: meta.ID, CreatedAt: meta.CreatedAt, LastAccess: meta.LastAccess})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Count 返回会话数量。
func (m *Manager) Count(ctx context.Context) (int, error) {
	count := 0
	for key, err := range m.store.Keys(ctx, keyRoot) {
		if err != nil {
			return 0, err
		}
		if _, ok := metaID(key); ok {
			count++
		}
	}
	return count, nil
}

// touch 读取元数据并刷新 LastAccess。create 为 false 时会话不存在返回 ErrNotFound。
func (m *Manager) touch(ctx context.Context, id string, create bool) (*metaRecord, error) {
	now := m.now().UTC()
	meta, err := m.loadMeta(ctx, id)
	switch {
	case err == nil:
		meta.LastAccess = now
	case xerrors.HasCode(err, CodeSessionNotFound) && create:
		meta = &metaRecord{ID: id, CreatedAt: now, LastAccess: now}
		m.log.Debug("创建会话", slog.String("session_id", id))
	default:
		return nil, err
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, metaKey(id), raw, m.ttl); err != nil {
		return nil, err
	}
	return meta, nil
}

func (m *Manager) loadMeta(ctx context.Context, id string) (*metaRecord, error) {
	raw, err := m.store.Get(ctx, metaKey(id))
	if err != nil {
		if memory.IsNotFound(err) {
			return nil, xerrors.Wrap(CodeSessionNotFound, err, "session not found",
				xerrors.WithSession(id))
		}
		return nil, err
	}
	var meta metaRecord
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "会话元数据损坏",
			xerrors.WithSession(id))
	}
	return &meta, nil
}

func encodeValue(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "context value 不是合法 JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "context value 不是合法 JSON")
		}
		return v, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "context value 无法编码")
	}
	return raw, nil
}

func metaKey(id string) string         { return keyRoot + id + ":meta" }
func contextKey(id, key string) string { return keyRoot + id + ":ctx:" + key }
func taskKey(id, taskID string) string { return keyRoot + id + ":task:" + taskID }

func metaID(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, keyRoot)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ":meta")
	if !ok || id == "" || strings.Contains(id, ":") {
		return "", false
	}
	return id, true
}
