// Package validator 提供排班验证与冲突检测功能
package validator

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	apperrors "github.com/paiban/carecover/pkg/errors"
	"github.com/paiban/carecover/pkg/model"
)

// 验证规则名
const (
	RuleStartBeforeEnd    = "start_before_end"
	RuleDurationMatches   = "duration_matches_range"
	RuleWithinBlock       = "within_block"
	RuleConfidenceRange   = "confidence_range"
	RuleBillableHours     = "billable_hours_within_duration"
	RuleContractHours     = "contract_hours_within_duration"
	RuleTherapistRequired = "therapist_required"
	RulePatientRequired   = "patient_required"
	RuleBlockPatientMatch = "block_patient_match"
	RuleBlockDateMatch    = "block_date_match"
)

// 时长与区间允许的误差（分钟）
const durationToleranceMinutes = 1.0

// ValidateAssignment 验证分配，返回全部违反的规则
// block 为 nil 时跳过与时段相关的检查
func ValidateAssignment(a *model.Assignment, block *model.TimeBlock) *apperrors.ValidationErrors {
	ve := &apperrors.ValidationErrors{}
	if a == nil {
		ve.Add("assignment", "required", "分配不能为空")
		return ve
	}

	if a.TherapistID == uuid.Nil {
		ve.Add("therapist_id", RuleTherapistRequired, "治疗师不能为空")
	}
	if a.PatientID == uuid.Nil {
		ve.Add("patient_id", RulePatientRequired, "患者不能为空")
	}

	if !a.StartTime.Before(a.EndTime) {
		ve.Add("start_time", RuleStartBeforeEnd,
			fmt.Sprintf("开始时间 %s 必须早于结束时间 %s", a.StartTime.Format("15:04"), a.EndTime.Format("15:04")))
	}

	actual := a.EndTime.Sub(a.StartTime).Minutes()
	if math.Abs(float64(a.DurationMinutes)-actual) > durationToleranceMinutes {
		ve.Add("duration_minutes", RuleDurationMatches,
			fmt.Sprintf("时长 %d 分钟与时间区间 %.0f 分钟不一致", a.DurationMinutes, actual))
	}

	if block != nil {
		if !block.Range().ContainsRange(a.Range()) {
			ve.Add("time_range", RuleWithinBlock,
				fmt.Sprintf("分配区间 %s 超出时段 %s", a.Range(), block.Range()))
		}
		if a.PatientID != uuid.Nil && a.PatientID != block.PatientID {
			ve.Add("patient_id", RuleBlockPatientMatch, "分配患者与时段患者不一致")
		}
		if a.Date != block.Date {
			ve.Add("date", RuleBlockDateMatch, fmt.Sprintf("分配日期 %s 与时段日期 %s 不一致", a.Date, block.Date))
		}
	}

	if a.ConfidenceScore != nil && (*a.ConfidenceScore < 0 || *a.ConfidenceScore > 1) {
		ve.Add("confidence_score", RuleConfidenceRange,
			fmt.Sprintf("置信度 %.2f 必须在 [0,1] 之间", *a.ConfidenceScore))
	}

	hours := a.WorkingHours()
	if a.BillableHours != nil && *a.BillableHours > hours {
		ve.Add("billable_hours", RuleBillableHours,
			fmt.Sprintf("计费时长 %.2f 小时超过分配时长 %.2f 小时", *a.BillableHours, hours))
	}
	if a.ContractHours != nil && *a.ContractHours > hours {
		ve.Add("contract_hours", RuleContractHours,
			fmt.Sprintf("合同时长 %.2f 小时超过分配时长 %.2f 小时", *a.ContractHours, hours))
	}

	return ve
}

// ValidateTimeBlock 验证时段
func ValidateTimeBlock(b *model.TimeBlock) *apperrors.ValidationErrors {
	ve := &apperrors.ValidationErrors{}
	if b == nil {
		ve.Add("time_block", "required", "时段不能为空")
		return ve
	}
	if b.PatientID == uuid.Nil {
		ve.Add("patient_id", RulePatientRequired, "患者不能为空")
	}
	if !b.StartTime.Before(b.EndTime) {
		ve.Add("start_time", RuleStartBeforeEnd, "时段开始时间必须早于结束时间")
	}
	if _, err := model.ParseDate(b.Date); err != nil {
		ve.Add("date", "date_format", err.Error())
	}
	return ve
}
