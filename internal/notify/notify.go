// Package notify 提供分配变更通知
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/paiban/carecover/pkg/model"
)

// EventType 事件类型
type EventType string

const (
	EventCommitted     EventType = "assignment.committed"
	EventStatusChanged EventType = "assignment.status_changed"
)

// Event 分配变更事件
type Event struct {
	Type         EventType              `json:"type"`
	AssignmentID uuid.UUID              `json:"assignment_id"`
	TimeBlockID  uuid.UUID              `json:"time_block_id"`
	PatientID    uuid.UUID              `json:"patient_id"`
	TherapistID  uuid.UUID              `json:"therapist_id"`
	Date         string                 `json:"date"`
	Status       model.AssignmentStatus `json:"status"`
	Method       model.AssignmentMethod `json:"method,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// NewEvent 由分配构造事件
func NewEvent(t EventType, a *model.Assignment) Event {
	return Event{
		Type:         t,
		AssignmentID: a.ID,
		TimeBlockID:  a.TimeBlockID,
		PatientID:    a.PatientID,
		TherapistID:  a.TherapistID,
		Date:         a.Date,
		Status:       a.Status,
		Method:       a.AssignmentMethod,
		OccurredAt:   time.Now(),
	}
}

// Notifier 通知发送接口
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier 仅写日志
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier 创建日志通知器
func NewLogNotifier(base *zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: base.With().Str("component", "notify").Logger()}
}

// Notify 记录事件
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	n.log.Info().
		Str("type", string(event.Type)).
		Str("assignment_id", event.AssignmentID.String()).
		Str("therapist_id", event.TherapistID.String()).
		Str("patient_id", event.PatientID.String()).
		Str("date", event.Date).
		Str("status", string(event.Status)).
		Msg("分配变更")
	return nil
}

// RedisStreamNotifier 写入 Redis Stream
type RedisStreamNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamNotifier 创建 Stream 通知器，maxLen<=0 时不裁剪
func NewRedisStreamNotifier(client *redis.Client, stream string, maxLen int64) *RedisStreamNotifier {
	return &RedisStreamNotifier{client: client, stream: stream, maxLen: maxLen}
}

// Notify XADD 事件，data 字段为 JSON
func (n *RedisStreamNotifier) Notify(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化通知事件失败: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{
			"type":      string(event.Type),
			"data":      string(data),
			"timestamp": event.OccurredAt.Unix(),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}

	if err := n.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("发布通知到 %s 失败: %w", n.stream, err)
	}
	return nil
}
