package stats

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/paiban/carecover/pkg/model"
)

// 连续性规则阈值
const (
	maxDailyTherapists      = 3
	maxPeriodTherapists     = 5
	periodWarningMinDays    = 7
	primaryMinSessions      = 5
	primaryShareThreshold   = 50.0
	strongPrimaryShare      = 60.0
	fragmentationMinSingles = 3

	penaltyError   = 25.0
	penaltyWarning = 15.0
	penaltyInfo    = 5.0
	bonusStrong    = 10.0
	bonusPrimary   = 5.0
)

// WarningType 连续性警告类型
type WarningType string

const (
	WarningExcessiveDaily  WarningType = "excessive_daily_therapists"
	WarningExcessivePeriod WarningType = "excessive_period_therapists"
	WarningNoPrimary       WarningType = "no_primary_therapist"
	WarningFragmentation   WarningType = "high_fragmentation"
)

// WarningSeverity 警告级别
type WarningSeverity string

const (
	SeverityError   WarningSeverity = "error"
	SeverityWarning WarningSeverity = "warning"
	SeverityInfo    WarningSeverity = "info"
)

// ContinuityWarning 连续性警告
type ContinuityWarning struct {
	Type     WarningType     `json:"type"`
	Severity WarningSeverity `json:"severity"`
	Date     string          `json:"date,omitempty"`
	Message  string          `json:"message"`
}

// TherapistShare 治疗师服务占比
type TherapistShare struct {
	TherapistID uuid.UUID `json:"therapist_id"`
	Sessions    int       `json:"sessions"`
	Percentage  float64   `json:"percentage"`
}

// ContinuityReport 患者在分析窗口内的护理连续性报告
type ContinuityReport struct {
	PatientID          uuid.UUID           `json:"patient_id"`
	WindowStart        string              `json:"window_start"`
	WindowEnd          string              `json:"window_end"`
	WindowDays         int                 `json:"window_days"`
	TotalSessions      int                 `json:"total_sessions"`
	DistinctTherapists int                 `json:"distinct_therapists"`
	Therapists         []TherapistShare    `json:"therapists"` // 按次数降序
	DailyTherapists    map[string]int      `json:"daily_therapists"`
	Warnings           []ContinuityWarning `json:"warnings"`
	Recommendations    []string            `json:"recommendations"`
	Score              float64             `json:"score"`
	Grade              string              `json:"grade"`
}

// TopShare 最主要治疗师的占比
func (r *ContinuityReport) TopShare() float64 {
	if len(r.Therapists) == 0 {
		return 0
	}
	return r.Therapists[0].Percentage
}

// HasWarning 检查是否包含某类警告
func (r *ContinuityReport) HasWarning(t WarningType) bool {
	for _, w := range r.Warnings {
		if w.Type == t {
			return true
		}
	}
	return false
}

// ScoreContinuity 计算患者在 [windowStart, windowEnd] 内直接治疗的连续性
func ScoreContinuity(patientID uuid.UUID, assignments []*model.Assignment, windowStart, windowEnd string) *ContinuityReport {
	report := &ContinuityReport{
		PatientID:       patientID,
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		WindowDays:      windowDays(windowStart, windowEnd),
		Therapists:      []TherapistShare{},
		DailyTherapists: make(map[string]int),
		Warnings:        []ContinuityWarning{},
		Recommendations: []string{},
	}
	window := model.DateRange{StartDate: windowStart, EndDate: windowEnd}

	counts := make(map[uuid.UUID]int)
	daily := make(map[string]map[uuid.UUID]struct{})
	for _, a := range assignments {
		if a == nil || a.PatientID != patientID || !a.ServiceType.IsDirectCare() {
			continue
		}
		if a.Status.IsVoid() || !window.Contains(a.Date) {
			continue
		}
		report.TotalSessions++
		counts[a.TherapistID]++
		if daily[a.Date] == nil {
			daily[a.Date] = make(map[uuid.UUID]struct{})
		}
		daily[a.Date][a.TherapistID] = struct{}{}
	}

	for id, n := range counts {
		report.Therapists = append(report.Therapists, TherapistShare{
			TherapistID: id,
			Sessions:    n,
			Percentage:  float64(n) / float64(report.TotalSessions) * 100,
		})
	}
	sort.Slice(report.Therapists, func(i, j int) bool {
		if report.Therapists[i].Sessions != report.Therapists[j].Sessions {
			return report.Therapists[i].Sessions > report.Therapists[j].Sessions
		}
		return report.Therapists[i].TherapistID.String() < report.Therapists[j].TherapistID.String()
	})
	report.DistinctTherapists = len(report.Therapists)

	for date, set := range daily {
		report.DailyTherapists[date] = len(set)
	}

	report.Warnings = continuityWarnings(report)
	report.Recommendations = continuityRecommendations(report)
	report.Score = ContinuityScore(report.Warnings, report.TopShare())
	report.Grade = Grade(report.Score)
	return report
}

func continuityWarnings(r *ContinuityReport) []ContinuityWarning {
	warnings := []ContinuityWarning{}

	dates := make([]string, 0, len(r.DailyTherapists))
	for date := range r.DailyTherapists {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	for _, date := range dates {
		if n := r.DailyTherapists[date]; n > maxDailyTherapists {
			warnings = append(warnings, ContinuityWarning{
				Type:     WarningExcessiveDaily,
				Severity: SeverityError,
				Date:     date,
				Message:  fmt.Sprintf("%s 当日有 %d 名治疗师服务，超过 %d 名", date, n, maxDailyTherapists),
			})
		}
	}

	if r.DistinctTherapists > maxPeriodTherapists && r.WindowDays >= periodWarningMinDays {
		warnings = append(warnings, ContinuityWarning{
			Type:     WarningExcessivePeriod,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d 天内共有 %d 名治疗师服务，超过 %d 名", r.WindowDays, r.DistinctTherapists, maxPeriodTherapists),
		})
	}

	if r.TotalSessions >= primaryMinSessions && r.TopShare() < primaryShareThreshold {
		warnings = append(warnings, ContinuityWarning{
			Type:     WarningNoPrimary,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("没有治疗师的服务占比达到 %.0f%%（最高 %.1f%%）", primaryShareThreshold, r.TopShare()),
		})
	}

	if singles := singleSessionCount(r.Therapists); singles >= fragmentationMinSingles {
		warnings = append(warnings, ContinuityWarning{
			Type:     WarningFragmentation,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d 名治疗师仅服务过 1 次", singles),
		})
	}

	return warnings
}

func continuityRecommendations(r *ContinuityReport) []string {
	var recs []string
	for _, w := range r.Warnings {
		switch w.Type {
		case WarningExcessiveDaily:
			recs = append(recs, fmt.Sprintf("将 %s 的时段合并给不超过 %d 名治疗师", w.Date, maxDailyTherapists))
		case WarningExcessivePeriod:
			recs = append(recs, fmt.Sprintf("将服务团队缩减到 %d 名以内的固定治疗师", maxPeriodTherapists))
		case WarningNoPrimary:
			if len(r.Therapists) > 0 {
				recs = append(recs, fmt.Sprintf("将主要治疗师的服务占比从 %.0f%% 提升到 %.0f%%", r.TopShare(), strongPrimaryShare))
			}
		case WarningFragmentation:
			singles := singleSessionCount(r.Therapists)
			target := "主要治疗师"
			if len(r.Therapists) > 1 && r.Therapists[1].Sessions > 1 {
				target = "次要治疗师"
			}
			recs = append(recs, fmt.Sprintf("将 %d 名仅服务 1 次的治疗师的时段合并给%s", singles, target))
		}
	}
	if recs == nil {
		recs = []string{}
	}
	return recs
}

// ContinuityScore 根据警告与主要治疗师占比计算 0-100 分
func ContinuityScore(warnings []ContinuityWarning, topShare float64) float64 {
	score := 100.0
	for _, w := range warnings {
		switch w.Severity {
		case SeverityError:
			score -= penaltyError
		case SeverityWarning:
			score -= penaltyWarning
		case SeverityInfo:
			score -= penaltyInfo
		}
	}

	if topShare >= strongPrimaryShare {
		score += bonusStrong
	} else if topShare >= primaryShareThreshold {
		score += bonusPrimary
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Grade 分数转等级
func Grade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func singleSessionCount(shares []TherapistShare) int {
	n := 0
	for _, s := range shares {
		if s.Sessions == 1 {
			n++
		}
	}
	return n
}

// windowDays 窗口包含的整天数（含首尾）
func windowDays(start, end string) int {
	s, err := model.ParseDate(start)
	if err != nil {
		return 0
	}
	e, err := model.ParseDate(end)
	if err != nil || e.Before(s) {
		return 0
	}
	return int(e.Sub(s).Hours()/24) + 1
}
