package memory

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"time"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/observability/events"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

const defaultCooldown = 5 * time.Second

// DegradingStore 组合持久后端与进程内后端。
//
// 启动时持久后端不可达（primary 为 nil）则整个进程生命周期内都使用进程内后端。
// 运行期调用返回 STORE_UNAVAILABLE 时，该次调用改由进程内后端完成，记录降级
// 信号，并在冷却期内跳过持久后端。降级期间的写入与删除记为待同步，冷却结束后
// 下一次调用先把它们回放到持久后端，全部成功才清除降级状态，因此同一个键始终
// 以最后一次写入为准。
type DegradingStore struct {
	primary  Store
	local    *LocalStore
	backend  string
	sink     events.Sink
	cooldown time.Duration
	now      func() time.Time

	// flushMu 使回放与普通调用互斥：普通调用持读锁，回放持写锁。
	flushMu sync.RWMutex

	mu         sync.Mutex
	degraded   bool
	permanent  bool
	since      time.Time
	lastErr    string
	retryAt    time.Time
	dirty      map[string]struct{}
	tombstones map[string]struct{}
}

// DegradingOption 定义可选配置。
type DegradingOption func(*DegradingStore)

// WithEventSink 配置降级与恢复事件的接收方。
func WithEventSink(sink events.Sink) DegradingOption {
	return func(s *DegradingStore) { s.sink = sink }
}

// WithCooldown 设置降级后再次尝试持久后端前的等待时间。
func WithCooldown(d time.Duration) DegradingOption {
	return func(s *DegradingStore) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// WithClock 替换时间源，测试使用。
func WithClock(now func() time.Time) DegradingOption {
	return func(s *DegradingStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBackendName 指定持久后端名称，用于健康报告。
func WithBackendName(name string) DegradingOption {
	return func(s *DegradingStore) { s.backend = name }
}

// NewDegradingStore 创建 DegradingStore。primary 为 nil 时 startupErr 记录不可达原因。
func NewDegradingStore(primary Store, startupErr error, opts ...DegradingOption) *DegradingStore {
	s := &DegradingStore{
		primary:    primary,
		local:      NewLocalStore(),
		cooldown:   defaultCooldown,
		now:        time.Now,
		dirty:      make(map[string]struct{}),
		tombstones: make(map[string]struct{}),
	}
	if reporter, ok := primary.(HealthReporter); ok {
		s.backend = reporter.Health().Backend
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.backend == "" {
		s.backend = "memory"
	}
	s.local.now = s.now

	if primary == nil && startupErr != nil {
		s.permanent = true
		s.markDegraded(context.Background(), "connect", startupErr)
	}
	return s
}

// Put 实现 Store。
func (s *DegradingStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.flush(ctx)
	s.flushMu.RLock()
	defer s.flushMu.RUnlock()

	if s.usePrimary() {
		err := s.primary.Put(ctx, key, value, ttl)
		switch {
		case err == nil:
			s.markHealthy(ctx)
			_ = s.local.Delete(ctx, key)
			s.settle(key)
			return nil
		case IsUnavailable(err):
			s.markDegraded(ctx, "put", err)
		default:
			return err
		}
	}
	if err := s.local.Put(ctx, key, value, ttl); err != nil {
		return err
	}
	if s.primary != nil {
		s.mu.Lock()
		s.dirty[key] = struct{}{}
		delete(s.tombstones, key)
		s.mu.Unlock()
	}
	return nil
}

// Get 实现 Store。尚未回放的本地写入与删除优先于持久后端。
func (s *DegradingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.flush(ctx)
	s.flushMu.RLock()
	defer s.flushMu.RUnlock()

	s.mu.Lock()
	_, pendingWrite := s.dirty[key]
	_, pendingDelete := s.tombstones[key]
	s.mu.Unlock()
	switch {
	case pendingDelete:
		return nil, ErrNotFound
	case pendingWrite:
		return s.local.Get(ctx, key)
	}

	if s.usePrimary() {
		value, err := s.primary.Get(ctx, key)
		switch {
		case err == nil:
			s.markHealthy(ctx)
			return value, nil
		case IsNotFound(err):
			s.markHealthy(ctx)
		case IsUnavailable(err):
			s.markDegraded(ctx, "get", err)
		default:
			return nil, err
		}
	}
	return s.local.Get(ctx, key)
}

// Delete 实现 Store。
//
// 持久后端可用时，两个后端中任意一个删除成功即视为成功。持久后端被跳过或不可用时，
// 删除记为待同步并返回成功，降级不会暴露给调用方。
func (s *DegradingStore) Delete(ctx context.Context, key string) error {
	s.flush(ctx)
	s.flushMu.RLock()
	defer s.flushMu.RUnlock()

	if s.usePrimary() {
		removed := false
		err := s.primary.Delete(ctx, key)
		switch {
		case err == nil:
			s.markHealthy(ctx)
			removed = true
		case IsNotFound(err):
			s.markHealthy(ctx)
		case IsUnavailable(err):
			s.markDegraded(ctx, "delete", err)
			return s.deleteLocally(ctx, key)
		default:
			return err
		}
		if err := s.local.Delete(ctx, key); err == nil {
			removed = true
		}
		s.settle(key)
		if !removed {
			return ErrNotFound
		}
		return nil
	}
	if s.primary == nil {
		return s.local.Delete(ctx, key)
	}
	return s.deleteLocally(ctx, key)
}

func (s *DegradingStore) deleteLocally(ctx context.Context, key string) error {
	_ = s.local.Delete(ctx, key)
	s.mu.Lock()
	s.tombstones[key] = struct{}{}
	delete(s.dirty, key)
	s.mu.Unlock()
	return nil
}

// Keys 实现 Store，合并两个后端的键并去重，跳过尚未回放的删除。
//
// 迭代期间不持有 flushMu，调用方可以在循环体内继续读写。
func (s *DegradingStore) Keys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.flush(ctx)
		seen := make(map[string]struct{})
		if s.usePrimary() {
			for key, err := range s.primary.Keys(ctx, prefix) {
				if err != nil {
					if !IsUnavailable(err) {
						yield("", err)
						return
					}
					s.markDegraded(ctx, "keys", err)
					break
				}
				seen[key] = struct{}{}
				if s.pendingDelete(key) {
					continue
				}
				if !yield(key, nil) {
					return
				}
			}
		}
		for key, err := range s.local.Keys(ctx, prefix) {
			if err != nil {
				yield("", err)
				return
			}
			if _, dup := seen[key]; dup {
				continue
			}
			if !yield(key, nil) {
				return
			}
		}
	}
}

// Pending 返回尚未回放到持久后端的写入与删除数量。
func (s *DegradingStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty) + len(s.tombstones)
}

func (s *DegradingStore) pendingDelete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tombstones[key]
	return ok
}

// settle 清除键的待同步标记，持久后端已经持有该键的最新状态。
func (s *DegradingStore) settle(key string) {
	s.mu.Lock()
	delete(s.dirty, key)
	delete(s.tombstones, key)
	s.mu.Unlock()
}

// flush 在持久后端可以重试时回放降级期间的删除与写入。
// 回放遇到不可用会重新进入冷却，未回放的记录保留到下一次。
func (s *DegradingStore) flush(ctx context.Context) {
	if s.primary == nil || s.Pending() == 0 || !s.usePrimary() {
		return
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	deletes := make([]string, 0, len(s.tombstones))
	for key := range s.tombstones {
		deletes = append(deletes, key)
	}
	writes := make([]string, 0, len(s.dirty))
	for key := range s.dirty {
		writes = append(writes, key)
	}
	s.mu.Unlock()
	if len(deletes)+len(writes) == 0 {
		return
	}

	for _, key := range deletes {
		if !s.replay(ctx, key, s.primary.Delete(ctx, key)) {
			return
		}
	}
	for _, key := range writes {
		var err error
		if rec, ok := s.local.lookup(key); ok {
			err = s.primary.Put(ctx, key, rec.Value, rec.remaining(s.now()))
		} else {
			// 本地写入已过期，持久后端中的旧值也不应再可见。
			err = s.primary.Delete(ctx, key)
		}
		if !s.replay(ctx, key, err) {
			return
		}
		_ = s.local.Delete(ctx, key)
	}
	logger.Component("memory").Info("降级期间的记录已回放",
		slog.String("backend", s.backend),
		slog.Int("deletes", len(deletes)),
		slog.Int("writes", len(writes)),
	)
	s.markHealthy(ctx)
}

// replay 处理单个键的回放结果，返回是否继续。
func (s *DegradingStore) replay(ctx context.Context, key string, err error) bool {
	switch {
	case err == nil, IsNotFound(err):
	case IsUnavailable(err):
		s.markDegraded(ctx, "flush", err)
		return false
	default:
		logger.Component("memory").Warn("回放记录失败，已丢弃",
			slog.String("backend", s.backend),
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
	s.settle(key)
	return true
}

// Degraded 返回当前是否处于降级状态。
func (s *DegradingStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Health 实现 HealthReporter。
func (s *DegradingStore) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		Backend:   s.backend,
		Degraded:  s.degraded,
		Since:     s.since,
		LastError: s.lastErr,
	}
}

// Sweep 清理进程内后端中的过期记录。
func (s *DegradingStore) Sweep() int {
	return s.local.Sweep()
}

// Close 关闭两个后端。
func (s *DegradingStore) Close() error {
	var err error
	if s.primary != nil {
		err = s.primary.Close()
	}
	_ = s.local.Close()
	return err
}

func (s *DegradingStore) usePrimary() bool {
	if s.primary == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.degraded || !s.now().Before(s.retryAt)
}

func (s *DegradingStore) markDegraded(ctx context.Context, op string, cause error) {
	now := s.now()
	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	if first {
		s.since = now
	}
	s.lastErr = cause.Error()
	s.retryAt = now.Add(s.cooldown)
	s.mu.Unlock()

	if !first {
		return
	}
	logger.Component("memory").Warn("存储后端不可用，切换到进程内存储",
		slog.String("backend", s.backend),
		slog.String("op", op),
		slog.Any("error", cause),
	)
	events.Publish(ctx, s.sink, events.Event{
		Kind:       events.KindStoreDegraded,
		Code:       CodeStoreUnavailable,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityWarning,
		Metadata:   map[string]string{"backend": s.backend, "op": op},
		OccurredAt: now,
	})
}

func (s *DegradingStore) markHealthy(ctx context.Context) {
	s.mu.Lock()
	if !s.degraded || s.permanent {
		s.mu.Unlock()
		return
	}
	since := s.since
	s.degraded = false
	s.since = time.Time{}
	s.lastErr = ""
	s.mu.Unlock()

	now := s.now()
	logger.Component("memory").Info("存储后端恢复", slog.String("backend", s.backend))
	events.Publish(ctx, s.sink, events.Event{
		Kind:       events.KindStoreRecovered,
		Severity:   xerrors.SeverityInfo,
		Duration:   now.Sub(since),
		Metadata:   map[string]string{"backend": s.backend},
		OccurredAt: now,
	})
}

var (
	_ Store          = (*DegradingStore)(nil)
	_ HealthReporter = (*DegradingStore)(nil)
)
