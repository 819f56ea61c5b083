// Package model 定义排班引擎的核心数据模型
package model

import (
	"time"

	"github.com/google/uuid"
)

// ServiceType 服务类别
type ServiceType string

const (
	ServiceDirect         ServiceType = "direct"          // 直接治疗
	ServiceIndirect       ServiceType = "indirect"        // 间接服务（文书、备课）
	ServiceSupervision    ServiceType = "supervision"     // 督导
	ServiceParentTraining ServiceType = "parent_training" // 家长培训
	ServiceAssessment     ServiceType = "assessment"      // 评估
)

// RequiresExclusiveAttention 该类服务是否独占患者
// 督导与间接服务可以和直接治疗同时进行
func (s ServiceType) RequiresExclusiveAttention() bool {
	switch s {
	case ServiceDirect, ServiceParentTraining, ServiceAssessment:
		return true
	default:
		return false
	}
}

// IsDirectCare 是否为直接护理
func (s ServiceType) IsDirectCare() bool {
	return s == ServiceDirect
}

// Priority 优先级
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank 优先级排序值，越大越紧急
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// TimeBlock 患者某日必须覆盖的护理时段
type TimeBlock struct {
	BaseModel
	PatientID   uuid.UUID   `json:"patient_id" db:"patient_id"`
	Date        string      `json:"date" db:"date"` // YYYY-MM-DD
	StartTime   time.Time   `json:"start_time" db:"start_time"`
	EndTime     time.Time   `json:"end_time" db:"end_time"`
	ServiceType ServiceType `json:"service_type" db:"service_type"`
	Priority    Priority    `json:"priority" db:"priority"`
	LocationID  *uuid.UUID  `json:"location_id,omitempty" db:"location_id"`

	// 允许多名治疗师同时覆盖（需在分配上显式标记）
	AllowSplitCoverage bool `json:"allow_split_coverage" db:"allow_split_coverage"`
}

// Range 返回时段区间
func (b *TimeBlock) Range() TimeRange {
	return TimeRange{Start: b.StartTime, End: b.EndTime}
}

// DurationMinutes 时段时长（分钟）
func (b *TimeBlock) DurationMinutes() int {
	return b.Range().Minutes()
}
