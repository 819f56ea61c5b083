// Package lock 提供分配提交时的键级互斥锁
package lock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Locker 键级锁
// Acquire 按字典序依次获取全部键，任一失败时释放已获取的键
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (Release, error)
}

// Release 释放已获取的锁，可重复调用
type Release func()

// TherapistDayKey 治疗师某日的锁键
func TherapistDayKey(therapistID uuid.UUID, date string) string {
	return fmt.Sprintf("therapist:%s:%s", therapistID, date)
}

// PatientDayKey 患者某日的锁键
func PatientDayKey(patientID uuid.UUID, date string) string {
	return fmt.Sprintf("patient:%s:%s", patientID, date)
}

// sortedKeys 去重并排序
func sortedKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok || k == "" {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// withWait 为上下文附加等待上限
func withWait(ctx context.Context, wait time.Duration) (context.Context, context.CancelFunc) {
	if wait <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, wait)
}
