// Package model 定义排班引擎的核心数据模型
package model

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DateLayout 日期格式
const DateLayout = "2006-01-02"

// ConstraintCategory 约束类别
type ConstraintCategory string

const (
	ConstraintHard ConstraintCategory = "hard" // 硬约束（必须满足）
	ConstraintSoft ConstraintCategory = "soft" // 软约束（尽量满足）
)

// BaseModel 基础模型（包含通用字段）
type BaseModel struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewBaseModel 创建新的基础模型
func NewBaseModel() BaseModel {
	now := time.Now()
	return BaseModel{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TimeRange 半开时间区间 [Start, End)
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewTimeRange 创建时间区间
func NewTimeRange(start, end time.Time) TimeRange {
	return TimeRange{Start: start, End: end}
}

// Duration 返回时间范围的持续时间
func (tr TimeRange) Duration() time.Duration {
	return tr.End.Sub(tr.Start)
}

// Minutes 返回时长（分钟）
func (tr TimeRange) Minutes() int {
	return int(tr.Duration() / time.Minute)
}

// IsEmpty 区间为空或反向
func (tr TimeRange) IsEmpty() bool {
	return !tr.Start.Before(tr.End)
}

// Overlaps 检查两个时间范围是否重叠（端点相接不算重叠）
func (tr TimeRange) Overlaps(other TimeRange) bool {
	return tr.Start.Before(other.End) && tr.End.After(other.Start)
}

// Contains 检查时间范围是否包含某个时间点
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.Start) && t.Before(tr.End)
}

// ContainsRange 检查是否完整包含另一区间
func (tr TimeRange) ContainsRange(other TimeRange) bool {
	return !other.Start.Before(tr.Start) && !other.End.After(tr.End)
}

// Intersect 返回两个区间的交集，无交集时 ok=false
func (tr TimeRange) Intersect(other TimeRange) (TimeRange, bool) {
	start := tr.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := tr.End
	if other.End.Before(end) {
		end = other.End
	}
	if !start.Before(end) {
		return TimeRange{}, false
	}
	return TimeRange{Start: start, End: end}, true
}

// String 格式化为 HH:MM-HH:MM
func (tr TimeRange) String() string {
	return fmt.Sprintf("%s-%s", tr.Start.Format("15:04"), tr.End.Format("15:04"))
}

// MergeRanges 合并重叠或相接的区间，返回按开始时间排序的结果
func MergeRanges(ranges []TimeRange) []TimeRange {
	if len(ranges) == 0 {
		return nil
	}

	sorted := make([]TimeRange, 0, len(ranges))
	for _, r := range ranges {
		if !r.IsEmpty() {
			sorted = append(sorted, r)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	var merged []TimeRange
	for _, r := range sorted {
		n := len(merged)
		if n > 0 && !r.Start.After(merged[n-1].End) {
			if r.End.After(merged[n-1].End) {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// DateRange 日期范围（闭区间）
type DateRange struct {
	StartDate string `json:"start_date"` // YYYY-MM-DD
	EndDate   string `json:"end_date"`   // YYYY-MM-DD
}

// Contains 检查日期是否在范围内
func (dr DateRange) Contains(date string) bool {
	// YYYY-MM-DD 格式可直接按字典序比较
	return date >= dr.StartDate && date <= dr.EndDate
}

// Days 返回范围内的所有日期
func (dr DateRange) Days() ([]string, error) {
	start, err := ParseDate(dr.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := ParseDate(dr.EndDate)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("结束日期 %s 早于开始日期 %s", dr.EndDate, dr.StartDate)
	}

	var days []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(DateLayout))
	}
	return days, nil
}

// ParseDate 解析 YYYY-MM-DD 日期
func ParseDate(date string) (time.Time, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("日期格式错误 %q: %w", date, err)
	}
	return t, nil
}

// OnDate 将 HH:MM 时钟时间与日期组合为时间点
func OnDate(date, clock string) (time.Time, error) {
	t, err := time.Parse(DateLayout+" 15:04", date+" "+clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("时间格式错误 %q %q: %w", date, clock, err)
	}
	return t, nil
}
