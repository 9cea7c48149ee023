package memory

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

// LocalStore 以加锁 map 保存记录，过期记录在读取时视为不存在，由 Sweep 清理。
type LocalStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewLocalStore 创建 LocalStore。
func NewLocalStore() *LocalStore {
	return &LocalStore{records: make(map[string]Record), now: time.Now}
}

// Put 实现 Store。
func (s *LocalStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	rec := Record{Key: key, Value: cloneBytes(value)}
	if ttl > 0 {
		rec.ExpiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.records[key] = rec
	s.mu.Unlock()
	return nil
}

// Get 实现 Store。
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok || rec.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return cloneBytes(rec.Value), nil
}

// lookup 返回未过期的记录。
func (s *LocalStore) lookup(key string) (Record, bool) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok || rec.Expired(s.now()) {
		return Record{}, false
	}
	rec.Value = cloneBytes(rec.Value)
	return rec, true
}

// Delete 实现 Store。
func (s *LocalStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	delete(s.records, key)
	if rec.Expired(s.now()) {
		return ErrNotFound
	}
	return nil
}

// Keys 实现 Store。迭代基于调用时刻的快照，按字典序产出。
func (s *LocalStore) Keys(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		now := s.now()
		s.mu.RLock()
		keys := make([]string, 0, len(s.records))
		for key, rec := range s.records {
			if strings.HasPrefix(key, prefix) && !rec.Expired(now) {
				keys = append(keys, key)
			}
		}
		s.mu.RUnlock()
		sort.Strings(keys)

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(key, nil) {
				return
			}
		}
	}
}

// Sweep 删除全部已过期记录，返回删除数量。
func (s *LocalStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

// Len 返回当前记录数量，包含尚未清理的过期记录。
func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Health 实现 HealthReporter。
func (s *LocalStore) Health() Health {
	return Health{Backend: "memory"}
}

// Close 对内存存储无需操作。
func (s *LocalStore) Close() error { return nil }

var _ Store = (*LocalStore)(nil)
