package model

import (
	"github.com/google/uuid"
)

// GapKind 缺口类型
type GapKind string

const (
	GapUncovered GapKind = "uncovered" // 时段内没有任何分配
	GapPartial   GapKind = "partial"   // 有分配但未覆盖此子区间
)

// GapDescriptor 时段中的未覆盖子区间（派生数据，不持久化）
type GapDescriptor struct {
	TimeBlockID     uuid.UUID   `json:"time_block_id"`
	PatientID       uuid.UUID   `json:"patient_id"`
	Date            string      `json:"date"`
	ServiceType     ServiceType `json:"service_type"`
	Priority        Priority    `json:"priority"`
	Range           TimeRange   `json:"range"`
	DurationMinutes int         `json:"duration_minutes"`
	Kind            GapKind     `json:"kind"`
}

// NewGap 根据时段和区间创建缺口
func NewGap(block *TimeBlock, r TimeRange, kind GapKind) GapDescriptor {
	return GapDescriptor{
		TimeBlockID:     block.ID,
		PatientID:       block.PatientID,
		Date:            block.Date,
		ServiceType:     block.ServiceType,
		Priority:        block.Priority,
		Range:           r,
		DurationMinutes: r.Minutes(),
		Kind:            kind,
	}
}
