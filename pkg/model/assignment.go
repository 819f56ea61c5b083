// Package model 定义排班引擎的核心数据模型
package model

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentType 分配类型
type AssignmentType string

const (
	AssignmentPrimary    AssignmentType = "primary"
	AssignmentSubstitute AssignmentType = "substitute"
	AssignmentBackup     AssignmentType = "backup"
	AssignmentSupport    AssignmentType = "support"
)

// AssignmentStatus 分配状态
type AssignmentStatus string

const (
	StatusAssigned   AssignmentStatus = "assigned"
	StatusConfirmed  AssignmentStatus = "confirmed"
	StatusInProgress AssignmentStatus = "in_progress"
	StatusCompleted  AssignmentStatus = "completed"
	StatusCancelled  AssignmentStatus = "cancelled"
	StatusNoShow     AssignmentStatus = "no_show"
)

// IsActive 是否占用治疗师时间
func (s AssignmentStatus) IsActive() bool {
	return s == StatusAssigned || s == StatusConfirmed || s == StatusInProgress
}

// IsVoid 已取消或缺席，不参与冲突比较
func (s AssignmentStatus) IsVoid() bool {
	return s == StatusCancelled || s == StatusNoShow
}

// AssignmentMethod 分配方式
type AssignmentMethod string

const (
	MethodAuto      AssignmentMethod = "auto"
	MethodManual    AssignmentMethod = "manual"
	MethodPreferred AssignmentMethod = "preferred"
	MethodEmergency AssignmentMethod = "emergency"
)

// statusTransitions 允许的状态流转
var statusTransitions = map[AssignmentStatus][]AssignmentStatus{
	StatusAssigned:   {StatusConfirmed, StatusInProgress, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition 检查状态流转是否合法
func CanTransition(from, to AssignmentStatus) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Assignment 治疗师对时段的覆盖承诺
type Assignment struct {
	BaseModel
	TimeBlockID      uuid.UUID        `json:"time_block_id" db:"time_block_id"`
	PatientID        uuid.UUID        `json:"patient_id" db:"patient_id"`
	TherapistID      uuid.UUID        `json:"therapist_id" db:"therapist_id"`
	Date             string           `json:"date" db:"date"`
	StartTime        time.Time        `json:"start_time" db:"start_time"`
	EndTime          time.Time        `json:"end_time" db:"end_time"`
	DurationMinutes  int              `json:"duration_minutes" db:"duration_minutes"`
	AssignmentType   AssignmentType   `json:"assignment_type" db:"assignment_type"`
	Status           AssignmentStatus `json:"status" db:"status"`
	AssignmentMethod AssignmentMethod `json:"assignment_method" db:"assignment_method"`
	ConfidenceScore  *float64         `json:"confidence_score,omitempty" db:"confidence_score"` // 仅自动分配
	ServiceType      ServiceType      `json:"service_type" db:"service_type"`
	BillableHours    *float64         `json:"billable_hours,omitempty" db:"billable_hours"`
	ContractHours    *float64         `json:"contract_hours,omitempty" db:"contract_hours"`
	SplitCoverage    bool             `json:"split_coverage" db:"split_coverage"` // 显式拆分覆盖
	Notes            string           `json:"notes,omitempty" db:"notes"`
}

// NewAssignment 基于时段创建分配，时长由区间计算
func NewAssignment(block *TimeBlock, therapistID uuid.UUID, r TimeRange, method AssignmentMethod) *Assignment {
	return &Assignment{
		BaseModel:        NewBaseModel(),
		TimeBlockID:      block.ID,
		PatientID:        block.PatientID,
		TherapistID:      therapistID,
		Date:             block.Date,
		StartTime:        r.Start,
		EndTime:          r.End,
		DurationMinutes:  r.Minutes(),
		AssignmentType:   AssignmentPrimary,
		Status:           StatusAssigned,
		AssignmentMethod: method,
		ServiceType:      block.ServiceType,
	}
}

// Range 返回分配区间
func (a *Assignment) Range() TimeRange {
	return TimeRange{Start: a.StartTime, End: a.EndTime}
}

// WorkingHours 计算工作时长（小时）
func (a *Assignment) WorkingHours() float64 {
	return a.EndTime.Sub(a.StartTime).Hours()
}

// IsOnDate 检查分配是否在指定日期
func (a *Assignment) IsOnDate(date string) bool {
	return a.Date == date
}

// IsActive 是否为有效占用状态
func (a *Assignment) IsActive() bool {
	return a.Status.IsActive()
}
