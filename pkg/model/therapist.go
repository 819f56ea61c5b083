// Package model 定义排班引擎的核心数据模型
package model

import (
	"github.com/google/uuid"
)

// Therapist 治疗师（来自人员目录）
type Therapist struct {
	BaseModel
	Name           string        `json:"name" db:"name"`
	Code           string        `json:"code" db:"code"`
	Status         string        `json:"status" db:"status"` // active/inactive/leave
	Credential     string        `json:"credential,omitempty" db:"credential"`
	Qualifications []ServiceType `json:"qualifications,omitempty" db:"qualifications"`
}

// IsActive 检查治疗师是否在职
func (t *Therapist) IsActive() bool {
	return t.Status == "active"
}

// TherapistCandidate 自动分配候选人
type TherapistCandidate struct {
	TherapistID  uuid.UUID   `json:"therapist_id"`
	Name         string      `json:"name,omitempty"`
	Availability []TimeRange `json:"availability"`
	Preferred    bool        `json:"preferred"` // 在患者偏好名单上
	Excluded     bool        `json:"excluded"`  // 在患者排除名单上

	// 当日已有分配数（目录服务提供）
	CurrentDailyAssignments int `json:"current_daily_assignments"`

	// 治疗师自述的最佳工作时段
	OptimalHours *TimeRange `json:"optimal_hours,omitempty"`

	// 可提供的服务类别，空表示不限
	ServiceTypes []ServiceType `json:"service_types,omitempty"`
}

// QualifiedFor 检查是否具备该服务资质
func (c *TherapistCandidate) QualifiedFor(st ServiceType) bool {
	if len(c.ServiceTypes) == 0 {
		return true
	}
	for _, s := range c.ServiceTypes {
		if s == st {
			return true
		}
	}
	return false
}

// AvailableFor 检查可用时段（合并后）是否完整覆盖区间
func (c *TherapistCandidate) AvailableFor(r TimeRange) bool {
	for _, w := range MergeRanges(c.Availability) {
		if w.ContainsRange(r) {
			return true
		}
	}
	return false
}

// PrefersRange 区间是否落在最佳工作时段内
func (c *TherapistCandidate) PrefersRange(r TimeRange) bool {
	return c.OptimalHours != nil && c.OptimalHours.ContainsRange(r)
}
