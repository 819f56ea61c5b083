package lock

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/paiban/carecover/pkg/errors"
)

type memEntry struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker 进程内键级锁
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	wait    time.Duration
}

// NewMemoryLocker 创建进程内锁，wait<=0 表示只受上下文限制
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]*memEntry),
		wait:    wait,
	}
}

// Acquire 获取全部键
func (l *MemoryLocker) Acquire(ctx context.Context, keys ...string) (Release, error) {
	ctx, cancel := withWait(ctx, l.wait)
	defer cancel()

	var held []string
	for _, key := range sortedKeys(keys) {
		e := l.ref(key)
		select {
		case e.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.unref(key)
			l.release(held)
			return nil, apperrors.LockTimeout(key, ctx.Err())
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(held) })
	}, nil
}

func (l *MemoryLocker) ref(key string) *memEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &memEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *MemoryLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		e.refs--
		if e.refs == 0 {
			delete(l.entries, key)
		}
	}
}

// release 逆序释放
func (l *MemoryLocker) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		e := l.entries[keys[i]]
		l.mu.Unlock()
		if e != nil {
			<-e.ch
		}
		l.unref(keys[i])
	}
}

// size 当前登记的键数
func (l *MemoryLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
