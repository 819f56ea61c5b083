// Package dispatcher 提供缺口自动分配引擎
package dispatcher

import (
	"sort"

	"github.com/google/uuid"

	"github.com/paiban/carecover/pkg/dispatcher/constraint"
	"github.com/paiban/carecover/pkg/model"
	"github.com/paiban/carecover/pkg/validator"
)

// NoCandidateReason 无候选人原因
type NoCandidateReason string

const (
	ReasonNoQualified   NoCandidateReason = "no_qualified_candidate" // 全部被排除或无资质
	ReasonNoneAvailable NoCandidateReason = "none_available"         // 可用时间均未覆盖缺口
	ReasonAllConflict   NoCandidateReason = "all_conflict"           // 均与现有分配冲突
)

// ScoringPolicy 评分策略
// 需保持 偏好 > 连续性 > 空闲 > 疲劳 的相对顺序
type ScoringPolicy struct {
	Base                   float64 `json:"base"`
	Preferred              float64 `json:"preferred"`
	Continuity             float64 `json:"continuity"`
	FatiguePerAssignment   float64 `json:"fatigue_per_assignment"`
	OptimalHours           float64 `json:"optimal_hours"`
	ContinuityLookbackDays int     `json:"continuity_lookback_days"`
}

// DefaultScoringPolicy 返回默认评分策略
func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		Base:                   50,
		Preferred:              30,
		Continuity:             10,
		FatiguePerAssignment:   5,
		OptimalHours:           5,
		ContinuityLookbackDays: 30,
	}
}

// AssignOptions 分配选项
type AssignOptions struct {
	AsSubstitute    bool   `json:"as_substitute"`
	SplitCoverage   bool   `json:"split_coverage"`
	MaxAlternatives int    `json:"max_alternatives"`
	Notes           string `json:"notes,omitempty"`
}

// CandidateScore 候选人评分
type CandidateScore struct {
	TherapistID  uuid.UUID        `json:"therapist_id"`
	Name         string           `json:"name,omitempty"`
	Score        float64          `json:"score"`
	DailyLoad    int              `json:"daily_load"`
	Feasible     bool             `json:"feasible"`
	Violations   []string         `json:"violations,omitempty"`
	MatchReasons []string         `json:"match_reasons,omitempty"`
	Stage        constraint.Stage `json:"-"` // 被淘汰或到达的阶段
}

// AssignmentProposal 自动分配建议
type AssignmentProposal struct {
	Assignment *model.Assignment    `json:"assignment"`
	Candidate  CandidateScore       `json:"candidate"`
	Warnings   []validator.Conflict `json:"warnings"`
}

// NoCandidateFound 无可用候选人，属于正常结果
type NoCandidateFound struct {
	Gap        model.GapDescriptor `json:"gap"`
	Reason     NoCandidateReason   `json:"reason"`
	Rejections []CandidateScore    `json:"rejections,omitempty"`
}

// AssignResult 自动分配结果，Proposal 与 NoCandidate 恰有一个非空
type AssignResult struct {
	Proposal     *AssignmentProposal `json:"proposal,omitempty"`
	NoCandidate  *NoCandidateFound   `json:"no_candidate,omitempty"`
	Alternatives []CandidateScore    `json:"alternatives,omitempty"`
}

// Assigned 是否得到分配建议
func (r *AssignResult) Assigned() bool {
	return r != nil && r.Proposal != nil
}

// AssignEngine 自动分配引擎
// 无内部可变状态，可并发调用
type AssignEngine struct {
	constraints     []constraint.AssignConstraint
	detector        *validator.ConflictDetector
	policy          ScoringPolicy
	maxAlternatives int
}

// NewAssignEngine 创建自动分配引擎
func NewAssignEngine(detector *validator.ConflictDetector, policy ScoringPolicy) *AssignEngine {
	if detector == nil {
		detector = validator.NewConflictDetector(nil)
	}
	return &AssignEngine{
		constraints: constraint.DefaultAssignConstraints(detector, constraint.Weights{
			Preferred:              policy.Preferred,
			Continuity:             policy.Continuity,
			FatiguePerAssignment:   policy.FatiguePerAssignment,
			OptimalHours:           policy.OptimalHours,
			ContinuityLookbackDays: policy.ContinuityLookbackDays,
		}),
		detector:        detector,
		policy:          policy,
		maxAlternatives: 3,
	}
}

// NewAssignEngineWithConstraints 创建带自定义约束的引擎
func NewAssignEngineWithConstraints(detector *validator.ConflictDetector, policy ScoringPolicy, constraints []constraint.AssignConstraint) *AssignEngine {
	e := NewAssignEngine(detector, policy)
	e.constraints = constraints
	return e
}

// SetMaxAlternatives 设置默认备选数量
func (e *AssignEngine) SetMaxAlternatives(n int) {
	if n >= 0 {
		e.maxAlternatives = n
	}
}

// Policy 返回评分策略
func (e *AssignEngine) Policy() ScoringPolicy {
	return e.policy
}

// AutoAssign 为缺口选择得分最高的候选治疗师
func (e *AssignEngine) AutoAssign(gap model.GapDescriptor, patientID uuid.UUID, candidates []*model.TherapistCandidate, existing []*model.Assignment, opts AssignOptions) *AssignResult {
	if patientID == uuid.Nil {
		patientID = gap.PatientID
	}
	maxAlt := opts.MaxAlternatives
	if maxAlt <= 0 {
		maxAlt = e.maxAlternatives
	}

	scores := make([]CandidateScore, 0, len(candidates))
	proposals := make(map[uuid.UUID]*AssignmentProposal)

	for _, c := range candidates {
		if c == nil {
			continue
		}
		proposed := e.buildProposal(gap, patientID, c.TherapistID, opts)
		ctx := &constraint.AssignContext{
			PatientID: patientID,
			Proposed:  proposed,
			Existing:  existing,
			DailyLoad: dailyLoad(c, gap.Date, existing),
		}
		score := e.evaluateCandidate(&gap, c, ctx)
		scores = append(scores, score)

		if score.Feasible {
			var warnings []validator.Conflict
			if ctx.Detection != nil {
				warnings = ctx.Detection.Warnings
			}
			confidence := clamp01(score.Score / 100)
			proposed.ConfidenceScore = &confidence
			proposals[c.TherapistID] = &AssignmentProposal{
				Assignment: proposed,
				Candidate:  score,
				Warnings:   warnings,
			}
		}
	}

	sortCandidates(scores)

	var feasible, rejected []CandidateScore
	for _, s := range scores {
		if s.Feasible {
			feasible = append(feasible, s)
		} else {
			rejected = append(rejected, s)
		}
	}

	if len(feasible) == 0 {
		return &AssignResult{
			NoCandidate: &NoCandidateFound{
				Gap:        gap,
				Reason:     diagnose(rejected),
				Rejections: rejected,
			},
		}
	}

	best := proposals[feasible[0].TherapistID]
	return &AssignResult{
		Proposal:     best,
		Alternatives: limitCandidates(feasible[1:], maxAlt),
	}
}

// evaluateCandidate 依次评估约束，硬约束失败即停止
func (e *AssignEngine) evaluateCandidate(gap *model.GapDescriptor, c *model.TherapistCandidate, ctx *constraint.AssignContext) CandidateScore {
	score := CandidateScore{
		TherapistID: c.TherapistID,
		Name:        c.Name,
		Score:       e.policy.Base,
		DailyLoad:   ctx.DailyLoad,
		Feasible:    true,
	}

	for _, con := range e.constraints {
		valid, delta, violation := con.Evaluate(gap, c, ctx)
		if !valid {
			score.Feasible = false
			score.Stage = con.Stage()
			score.Violations = append(score.Violations, violation)
			return score
		}
		if delta > 0 {
			score.MatchReasons = append(score.MatchReasons, con.Name())
		}
		score.Score += delta
	}

	if score.Score < 0 {
		score.Score = 0
	}
	score.Stage = constraint.StageScoring
	return score
}

// buildProposal 以缺口和治疗师构造拟提交分配
func (e *AssignEngine) buildProposal(gap model.GapDescriptor, patientID, therapistID uuid.UUID, opts AssignOptions) *model.Assignment {
	a := &model.Assignment{
		BaseModel:        model.NewBaseModel(),
		TimeBlockID:      gap.TimeBlockID,
		PatientID:        patientID,
		TherapistID:      therapistID,
		Date:             gap.Date,
		StartTime:        gap.Range.Start,
		EndTime:          gap.Range.End,
		DurationMinutes:  gap.Range.Minutes(),
		AssignmentType:   model.AssignmentPrimary,
		Status:           model.StatusAssigned,
		AssignmentMethod: model.MethodAuto,
		ServiceType:      gap.ServiceType,
		SplitCoverage:    opts.SplitCoverage,
		Notes:            opts.Notes,
	}
	if opts.AsSubstitute {
		a.AssignmentType = model.AssignmentSubstitute
	}
	return a
}

// dailyLoad 当日已有分配数，取快照统计与目录上报的较大值
func dailyLoad(c *model.TherapistCandidate, date string, existing []*model.Assignment) int {
	n := 0
	for _, a := range existing {
		if a != nil && a.TherapistID == c.TherapistID && a.Date == date && a.IsActive() {
			n++
		}
	}
	if c.CurrentDailyAssignments > n {
		return c.CurrentDailyAssignments
	}
	return n
}

// diagnose 以候选人到达的最远阶段判断失败原因
func diagnose(rejected []CandidateScore) NoCandidateReason {
	furthest := constraint.StageQualification
	for _, r := range rejected {
		if r.Stage > furthest {
			furthest = r.Stage
		}
	}
	switch furthest {
	case constraint.StageQualification:
		return ReasonNoQualified
	case constraint.StageAvailability:
		return ReasonNoneAvailable
	default:
		return ReasonAllConflict
	}
}

// sortCandidates 可行优先，分数降序，其次当日工作量升序，最后按ID
func sortCandidates(scores []CandidateScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Feasible != scores[j].Feasible {
			return scores[i].Feasible
		}
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		if scores[i].DailyLoad != scores[j].DailyLoad {
			return scores[i].DailyLoad < scores[j].DailyLoad
		}
		return scores[i].TherapistID.String() < scores[j].TherapistID.String()
	})
}

// limitCandidates 限制候选人数量
func limitCandidates(scores []CandidateScore, max int) []CandidateScore {
	if len(scores) <= max {
		return scores
	}
	return scores[:max]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
