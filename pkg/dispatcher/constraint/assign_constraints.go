// Package constraint 提供自动分配的候选人约束
package constraint

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/paiban/carecover/pkg/model"
	"github.com/paiban/carecover/pkg/validator"
)

// Stage 硬约束所处的筛选阶段，用于诊断无候选人的原因
type Stage int

const (
	StageQualification Stage = iota + 1 // 排除名单与资质
	StageAvailability                   // 可用时间
	StageConflict                       // 冲突检测
	StageScoring                        // 软约束评分
)

// AssignConstraint 自动分配约束接口
// Evaluate 返回 (是否可行, 分值增量, 违反原因)；分值越高越好
type AssignConstraint interface {
	Name() string
	Type() model.ConstraintCategory
	Stage() Stage
	Weight() float64
	Evaluate(gap *model.GapDescriptor, candidate *model.TherapistCandidate, ctx *AssignContext) (bool, float64, string)
}

// AssignContext 单个候选人的评估上下文
type AssignContext struct {
	PatientID uuid.UUID
	Proposed  *model.Assignment   // 以该候选人构造的拟提交分配
	Existing  []*model.Assignment // 现有分配快照
	DailyLoad int                 // 候选人当日已有的有效分配数

	// 冲突检测结果，由 ConflictFreeConstraint 填充
	Detection *validator.ConflictResult
}

// BaseAssignConstraint 基础约束
type BaseAssignConstraint struct {
	name   string
	ctype  model.ConstraintCategory
	stage  Stage
	weight float64
}

func (b *BaseAssignConstraint) Name() string                   { return b.name }
func (b *BaseAssignConstraint) Type() model.ConstraintCategory { return b.ctype }
func (b *BaseAssignConstraint) Stage() Stage                   { return b.stage }
func (b *BaseAssignConstraint) Weight() float64                { return b.weight }

// =========================================
// 1. ExcludedConstraint 患者排除名单
// =========================================
type ExcludedConstraint struct {
	BaseAssignConstraint
}

func NewExcludedConstraint() *ExcludedConstraint {
	return &ExcludedConstraint{BaseAssignConstraint{name: "Excluded", ctype: model.ConstraintHard, stage: StageQualification}}
}

func (c *ExcludedConstraint) Evaluate(gap *model.GapDescriptor, candidate *model.TherapistCandidate, ctx *AssignContext) (bool, float64, string) {
	if candidate.Excluded {
		return false, 0, "在患者排除名单上"
	}
	return true, 0, ""
}

// =========================================
// 2. QualificationConstraint 服务资质
// =========================================
type QualificationConstraint struct {
	BaseAssignConstraint
}

func NewQualificationConstraint() *QualificationConstraint {
	return &QualificationConstraint{BaseAssignConstraint{name: "Qualification", ctype: model.ConstraintHard, stage: StageQualification}}
}

func (c *QualificationConstraint) Evaluate(gap *model.GapDescriptor, candidate *model.TherapistCandidate, ctx *AssignContext) (bool, float64, string) {
	if !candidate.QualifiedFor(gap.ServiceType) {
		return false, 0, fmt.Sprintf("不具备 %s 服务资质", gap.ServiceType)
	}
	return true, 0, ""
}

// =========================================
// 3. AvailabilityConstraint 可用时间完整覆盖缺口
// =========================================
type AvailabilityConstraint struct {
	BaseAssignConstraint
}

func NewAvailabilityConstraint() *AvailabilityConstraint {
	return &AvailabilityConstraint{BaseAssignConstraint{name: "Availability", ctype: model.ConstraintHard, stage: StageAvailability}}
}

func (c *AvailabilityConstraint) Evaluate(gap *model.GapDescriptor, candidate *model.TherapistCandidate, ctx *AssignContext) (bool, float64, string) {
	if !candidate.AvailableFor(gap.Range) {
		return false, 0, fmt.Sprintf("可用时间未覆盖 %s", gap.Range)
	}
	return true, 0, ""
}

// =========================================
// 4. ConflictFreeConstraint 冲突检测
// =========================================
type ConflictFreeConstraint struct {
	BaseAssignConstraint
	detector *validator.ConflictDetector
}

func NewConflictFreeConstraint(detector *validator.ConflictDetector) *ConflictFreeConstraint {
	if detector == nil {
		detector = validator.NewConflictDetector(nil)
	}
	return &ConflictFreeConstraint{
		BaseAssignConstraint: BaseAssignConstraint{name: "ConflictFree", ctype: model.ConstraintHard, stage: StageConflict},
		detector:             detector,
	}
}

func (c *ConflictFreeConstraint) Evaluate(gap *model.GapDescriptor, candidate *model.TherapistCandidate, ctx *AssignContext) (bool, float64, string) {
	result := c.detector.DetectConflicts(ctx.Proposed, ctx.Existing)
	ctx.Detection = result
	if result.IsValid {
		return true, 0, ""
	}
	types := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		types = append(types, string(e.Type))
	}
	return false, 0, "冲突: " + strings.Join(types, ",")
}

// =========================================
// 5. PreferredConstraint 患者偏好名单
// =========================================
type PreferredConstraint struct {
	BaseAssignConstraint
}

func NewPreferredConstraint(bonus float64) *PreferredConstraint {
	return &PreferredConstraint{BaseAssignConstraint{name: "Preferred", ctype: model.ConstraintSoft, stage: StageScoring, weight: bonus}}
}

func (c *PreferredConstraint) Evaluate(gap *model.GapDescriptor, candidate *model.TherapistCandidate, ctx *AssignContext) (bool, float64, string) {
	if candidate.Preferred {
		return true, c.weight, ""
	}
	return true, 0, ""
}

// =========================================
// 6. ContinuityConstraint 近期服务过该患者
// =========================================
type ContinuityConstraint struct {
	BaseAssignConstraint
	LookbackDays int
}

func NewContinuityConstraint(bonus float64, lookbackDays int) *ContinuityConstraint {
	return &ContinuityConstraint{
		BaseAssignConstraint: BaseAssignConstraint{name: "Continuity", ctype: model.ConstraintSoft, stage: StageScoring, weight: bonus},
		LookbackDays:         lookbackDays,
	}
}

func (c *ContinuityConstraint) Evaluate(gap *model.GapDescriptor, candidate *model.TherapistCandidate, ctx *AssignContext) (bool, float64, string) {
	gapDate, err := model.ParseDate(gap.Date)
	if err != nil {
		return true, 0, ""
	}
	from := gapDate.AddDate(0, 0, -c.LookbackDays).Format(model.DateLayout)
	window := model.DateRange{StartDate: from, EndDate: gap.Date}

	for _, a := range ctx.Existing {
		if a == nil || a.Status.IsVoid() {
			continue
		}
		if a.TherapistID == candidate.TherapistID && a.PatientID == ctx.PatientID && window.Contains(a.Date) {
			return true, c.weight, ""
		}
	}
	return true, 0, ""
}

// =========================================
// 7. FatigueConstraint 当日工作量惩罚
// =========================================
type FatigueConstraint struct {
	BaseAssignConstraint
}

func NewFatigueConstraint(perAssignment float64) *FatigueConstraint {
	return &FatigueConstraint{BaseAssignConstraint{name: "Fatigue", ctype: model.ConstraintSoft, stage: StageScoring, weight: perAssignment}}
}

func (c *FatigueConstraint) Evaluate(gap *model.GapDescriptor, candidate *model.TherapistCandidate, ctx *AssignContext) (bool, float64, string) {
	return true, -c.weight * float64(ctx.DailyLoad), ""
}

// =========================================
// 8. OptimalHoursConstraint 最佳工作时段
// =========================================
type OptimalHoursConstraint struct {
	BaseAssignConstraint
}

func NewOptimalHoursConstraint(bonus float64) *OptimalHoursConstraint {
	return &OptimalHoursConstraint{BaseAssignConstraint{name: "OptimalHours", ctype: model.ConstraintSoft, stage: StageScoring, weight: bonus}}
}

func (c *OptimalHoursConstraint) Evaluate(gap *model.GapDescriptor, candidate *model.TherapistCandidate, ctx *AssignContext) (bool, float64, string) {
	if candidate.PrefersRange(gap.Range) {
		return true, c.weight, ""
	}
	return true, 0, ""
}

// Weights 软约束权重
type Weights struct {
	Preferred              float64
	Continuity             float64
	FatiguePerAssignment   float64
	OptimalHours           float64
	ContinuityLookbackDays int
}

// DefaultAssignConstraints 默认约束集合，硬约束按筛选阶段排列
func DefaultAssignConstraints(detector *validator.ConflictDetector, w Weights) []AssignConstraint {
	return []AssignConstraint{
		NewExcludedConstraint(),
		NewQualificationConstraint(),
		NewAvailabilityConstraint(),
		NewConflictFreeConstraint(detector),
		NewPreferredConstraint(w.Preferred),
		NewContinuityConstraint(w.Continuity, w.ContinuityLookbackDays),
		NewFatigueConstraint(w.FatiguePerAssignment),
		NewOptimalHoursConstraint(w.OptimalHours),
	}
}
