// Package validator 提供排班验证与冲突检测功能
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/paiban/carecover/pkg/errors"
	"github.com/paiban/carecover/pkg/model"
)

// ConflictType 冲突类型
type ConflictType string

const (
	ConflictPatient      ConflictType = "patient_conflict"   // 患者同一时间被重复安排
	ConflictTherapist    ConflictType = "therapist_conflict" // 治疗师同一时间被重复安排
	ConflictValidation   ConflictType = "validation_error"   // 基础验证失败
	ConflictBlockOverlap ConflictType = "block_overlap"      // 同一时段被重复覆盖

	WarningNewSubstitute ConflictType = "new_substitute"         // 代班治疗师未服务过该患者
	WarningDailyHours    ConflictType = "daily_hours_exceeded"   // 当日工时超限
	WarningSplitCoverage ConflictType = "split_coverage_overlap" // 显式拆分覆盖
)

// Severity 严重程度
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Conflict 冲突信息
type Conflict struct {
	Type        ConflictType `json:"type"`
	Severity    Severity     `json:"severity"`
	TherapistID uuid.UUID    `json:"therapist_id,omitempty"`
	PatientID   uuid.UUID    `json:"patient_id,omitempty"`
	Date        string       `json:"date,omitempty"`
	Field       string       `json:"field,omitempty"`
	Rule        string       `json:"rule,omitempty"`
	Message     string       `json:"message"`
	Assignments []uuid.UUID  `json:"assignments,omitempty"` // 相关的分配ID
}

// ConflictResult 冲突检测结果
type ConflictResult struct {
	IsValid  bool       `json:"is_valid"`
	Errors   []Conflict `json:"errors"`
	Warnings []Conflict `json:"warnings"`
}

// HasType 检查错误中是否包含某类冲突
func (r *ConflictResult) HasType(t ConflictType) bool {
	for _, c := range r.Errors {
		if c.Type == t {
			return true
		}
	}
	return false
}

// CountType 统计某类冲突（含警告）
func (r *ConflictResult) CountType(t ConflictType) int {
	n := 0
	for _, c := range r.Errors {
		if c.Type == t {
			n++
		}
	}
	for _, c := range r.Warnings {
		if c.Type == t {
			n++
		}
	}
	return n
}

// Err 转换为错误，无阻断冲突时返回 nil
// 仅含验证错误时返回 VALIDATION_FAILED，否则返回 SCHEDULE_CONFLICT
func (r *ConflictResult) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}

	ve := &apperrors.ValidationErrors{}
	var msgs []string
	var first Conflict
	for _, c := range r.Errors {
		if c.Type == ConflictValidation {
			ve.Add(c.Field, c.Rule, c.Message)
			continue
		}
		if len(msgs) == 0 {
			first = c
		}
		msgs = append(msgs, c.Message)
	}
	if len(msgs) == 0 {
		return ve.ToAppError()
	}

	subject := string(first.Type)
	switch first.Type {
	case ConflictTherapist:
		subject = "治疗师 " + first.TherapistID.String()
	case ConflictPatient, ConflictBlockOverlap:
		subject = "患者 " + first.PatientID.String()
	}
	err := apperrors.ScheduleConflict(subject, first.Date, strings.Join(msgs, "; "))
	err.WithField("conflicts", len(r.Errors))
	return err
}

func (r *ConflictResult) addError(c Conflict) {
	c.Severity = SeverityError
	r.Errors = append(r.Errors, c)
}

func (r *ConflictResult) addWarning(c Conflict) {
	c.Severity = SeverityWarning
	r.Warnings = append(r.Warnings, c)
}

// ConflictDetector 冲突检测器
// 纯函数：只依据传入的快照做判断，可并发使用
type ConflictDetector struct {
	config *DetectorConfig
}

// DetectorConfig 检测器配置
type DetectorConfig struct {
	MaxHoursPerDay    float64 // 每日最大工时，超出仅警告；0 表示不检查
	WarnNewSubstitute bool    // 代班治疗师首次服务时警告
}

// DefaultDetectorConfig 返回默认配置
func DefaultDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		MaxHoursPerDay:    10,
		WarnNewSubstitute: true,
	}
}

// NewConflictDetector 创建冲突检测器
func NewConflictDetector(config *DetectorConfig) *ConflictDetector {
	if config == nil {
		config = DefaultDetectorConfig()
	}
	return &ConflictDetector{config: config}
}

// DetectConflicts 检测拟提交分配与现有分配的冲突
func (d *ConflictDetector) DetectConflicts(proposed *model.Assignment, existing []*model.Assignment) *ConflictResult {
	return d.detect(nil, proposed, existing)
}

// DetectConflictsInBlock 同 DetectConflicts，并校验分配落在所属时段内
func (d *ConflictDetector) DetectConflictsInBlock(block *model.TimeBlock, proposed *model.Assignment, existing []*model.Assignment) *ConflictResult {
	return d.detect(block, proposed, existing)
}

func (d *ConflictDetector) detect(block *model.TimeBlock, proposed *model.Assignment, existing []*model.Assignment) *ConflictResult {
	result := &ConflictResult{Errors: []Conflict{}, Warnings: []Conflict{}}

	if ve := ValidateAssignment(proposed, block); ve.HasErrors() {
		for _, e := range ve.Errors {
			result.addError(Conflict{
				Type:    ConflictValidation,
				Field:   e.Field,
				Rule:    e.Rule,
				Message: e.Message,
			})
		}
	}
	if proposed == nil {
		result.IsValid = false
		return result
	}

	// 取消或缺席的分配不占用任何时间
	if proposed.Status.IsVoid() {
		result.IsValid = len(result.Errors) == 0
		return result
	}

	seenPatient := false
	dailyHours := proposed.WorkingHours()

	for _, e := range existing {
		if e == nil || sameAssignment(e, proposed) || e.Status.IsVoid() {
			continue
		}

		if e.TherapistID == proposed.TherapistID && e.PatientID == proposed.PatientID {
			seenPatient = true
		}

		if e.Date != proposed.Date {
			continue
		}

		if e.TherapistID == proposed.TherapistID && e.IsActive() {
			dailyHours += e.WorkingHours()
		}

		if !proposed.Range().Overlaps(e.Range()) {
			continue
		}

		if e.TherapistID == proposed.TherapistID {
			result.addError(Conflict{
				Type:        ConflictTherapist,
				TherapistID: proposed.TherapistID,
				Date:        proposed.Date,
				Message:     fmt.Sprintf("治疗师在 %s 与现有分配 %s 时间重叠", proposed.Date, e.Range()),
				Assignments: []uuid.UUID{proposed.ID, e.ID},
			})
		}

		if e.PatientID != proposed.PatientID {
			continue
		}

		sameBlock := proposed.TimeBlockID != uuid.Nil && proposed.TimeBlockID == e.TimeBlockID
		switch {
		case sameBlock && proposed.SplitCoverage && e.SplitCoverage:
			result.addWarning(Conflict{
				Type:        WarningSplitCoverage,
				PatientID:   proposed.PatientID,
				Date:        proposed.Date,
				Message:     fmt.Sprintf("时段 %s 由多名治疗师拆分覆盖", e.Range()),
				Assignments: []uuid.UUID{proposed.ID, e.ID},
			})
		case proposed.ServiceType.RequiresExclusiveAttention() && e.ServiceType.RequiresExclusiveAttention():
			result.addError(Conflict{
				Type:        ConflictPatient,
				PatientID:   proposed.PatientID,
				Date:        proposed.Date,
				Message:     fmt.Sprintf("患者在 %s 与现有分配 %s 时间重叠", proposed.Date, e.Range()),
				Assignments: []uuid.UUID{proposed.ID, e.ID},
			})
		case sameBlock && e.TherapistID != proposed.TherapistID:
			result.addError(Conflict{
				Type:        ConflictBlockOverlap,
				PatientID:   proposed.PatientID,
				Date:        proposed.Date,
				Message:     "同一时段的同一时刻已被其他治疗师覆盖",
				Assignments: []uuid.UUID{proposed.ID, e.ID},
			})
		}
	}

	if d.config.WarnNewSubstitute && proposed.AssignmentType == model.AssignmentSubstitute && !seenPatient {
		result.addWarning(Conflict{
			Type:        WarningNewSubstitute,
			TherapistID: proposed.TherapistID,
			PatientID:   proposed.PatientID,
			Date:        proposed.Date,
			Message:     "代班治疗师此前未服务过该患者",
			Assignments: []uuid.UUID{proposed.ID},
		})
	}

	if d.config.MaxHoursPerDay > 0 && dailyHours > d.config.MaxHoursPerDay {
		result.addWarning(Conflict{
			Type:        WarningDailyHours,
			TherapistID: proposed.TherapistID,
			Date:        proposed.Date,
			Message:     fmt.Sprintf("当日工时 %.1f 小时，超过限制 %.0f 小时", dailyHours, d.config.MaxHoursPerDay),
		})
	}

	result.IsValid = len(result.Errors) == 0
	return result
}

// DetectAll 审计已提交的分配快照，报告所有违反不重复预约的分配对
func (d *ConflictDetector) DetectAll(assignments []*model.Assignment) []Conflict {
	var conflicts []Conflict

	type dayKey struct {
		id   uuid.UUID
		date string
	}
	byTherapist := make(map[dayKey][]*model.Assignment)
	byPatient := make(map[dayKey][]*model.Assignment)
	for _, a := range assignments {
		if a == nil || !a.IsActive() {
			continue
		}
		byTherapist[dayKey{a.TherapistID, a.Date}] = append(byTherapist[dayKey{a.TherapistID, a.Date}], a)
		if a.ServiceType.RequiresExclusiveAttention() {
			byPatient[dayKey{a.PatientID, a.Date}] = append(byPatient[dayKey{a.PatientID, a.Date}], a)
		}
	}

	for key, group := range byTherapist {
		for _, pair := range overlappingPairs(group) {
			conflicts = append(conflicts, Conflict{
				Type:        ConflictTherapist,
				Severity:    SeverityError,
				TherapistID: key.id,
				Date:        key.date,
				Message:     fmt.Sprintf("治疗师在 %s 存在时间重叠的分配 %s / %s", key.date, pair[0].Range(), pair[1].Range()),
				Assignments: []uuid.UUID{pair[0].ID, pair[1].ID},
			})
		}
	}

	for key, group := range byPatient {
		for _, pair := range overlappingPairs(group) {
			if pair[0].TimeBlockID == pair[1].TimeBlockID && pair[0].SplitCoverage && pair[1].SplitCoverage {
				continue
			}
			conflicts = append(conflicts, Conflict{
				Type:        ConflictPatient,
				Severity:    SeverityError,
				PatientID:   key.id,
				Date:        key.date,
				Message:     fmt.Sprintf("患者在 %s 存在时间重叠的分配 %s / %s", key.date, pair[0].Range(), pair[1].Range()),
				Assignments: []uuid.UUID{pair[0].ID, pair[1].ID},
			})
		}
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].Date != conflicts[j].Date {
			return conflicts[i].Date < conflicts[j].Date
		}
		return conflicts[i].Type < conflicts[j].Type
	})
	return conflicts
}

// overlappingPairs 按开始时间扫描，返回所有重叠的分配对
func overlappingPairs(group []*model.Assignment) [][2]*model.Assignment {
	sorted := make([]*model.Assignment, len(group))
	copy(sorted, group)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})

	var pairs [][2]*model.Assignment
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			// 后续分配开始时间不早于当前结束时间，不可能再重叠
			if !sorted[j].StartTime.Before(sorted[i].EndTime) {
				break
			}
			if sameAssignment(sorted[i], sorted[j]) {
				continue
			}
			pairs = append(pairs, [2]*model.Assignment{sorted[i], sorted[j]})
		}
	}
	return pairs
}

// sameAssignment 是否为同一条分配；未持久化（ID为空）的分配只与自身相同
func sameAssignment(a, b *model.Assignment) bool {
	if a == b {
		return true
	}
	return a.ID != uuid.Nil && a.ID == b.ID
}
