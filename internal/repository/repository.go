// Package repository 提供数据访问层
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/paiban/carecover/pkg/model"
)

// ScheduleStore 排班数据存储
type ScheduleStore interface {
	ListAssignments(ctx context.Context, filter AssignmentFilter) ([]*model.Assignment, error)
	GetAssignment(ctx context.Context, id uuid.UUID) (*model.Assignment, error)
	// CommitAssignment 原子地复检冲突并写入，冲突时返回 SCHEDULE_CONFLICT
	CommitAssignment(ctx context.Context, a *model.Assignment) (uuid.UUID, error)
	UpdateAssignmentStatus(ctx context.Context, id uuid.UUID, status model.AssignmentStatus) (*model.Assignment, error)

	ListTimeBlocks(ctx context.Context, patientID uuid.UUID, dates model.DateRange) ([]*model.TimeBlock, error)
	GetTimeBlock(ctx context.Context, id uuid.UUID) (*model.TimeBlock, error)
}

// CandidateSource 候选治疗师来源（人员目录）
type CandidateSource interface {
	ListEligibleTherapists(ctx context.Context, patientID uuid.UUID, date string, window model.TimeRange) ([]*model.TherapistCandidate, error)
}

// PreferenceKind 患者对治疗师的偏好
type PreferenceKind string

const (
	PreferencePreferred PreferenceKind = "preferred"
	PreferenceExcluded  PreferenceKind = "excluded"
)

// AssignmentFilter 分配查询过滤器，各条件之间为 AND
type AssignmentFilter struct {
	TherapistID *uuid.UUID               `json:"therapist_id,omitempty"`
	PatientID   *uuid.UUID               `json:"patient_id,omitempty"`
	TimeBlockID *uuid.UUID               `json:"time_block_id,omitempty"`
	StartDate   string                   `json:"start_date,omitempty"`
	EndDate     string                   `json:"end_date,omitempty"`
	Statuses    []model.AssignmentStatus `json:"statuses,omitempty"`
}

// WithTherapist 设置治疗师
func (f AssignmentFilter) WithTherapist(id uuid.UUID) AssignmentFilter {
	f.TherapistID = &id
	return f
}

// WithPatient 设置患者
func (f AssignmentFilter) WithPatient(id uuid.UUID) AssignmentFilter {
	f.PatientID = &id
	return f
}

// WithTimeBlock 设置时段
func (f AssignmentFilter) WithTimeBlock(id uuid.UUID) AssignmentFilter {
	f.TimeBlockID = &id
	return f
}

// WithDateRange 设置日期范围（含首尾）
func (f AssignmentFilter) WithDateRange(start, end string) AssignmentFilter {
	f.StartDate = start
	f.EndDate = end
	return f
}

// OnDate 限定单日
func (f AssignmentFilter) OnDate(date string) AssignmentFilter {
	return f.WithDateRange(date, date)
}

// WithStatuses 设置状态集合
func (f AssignmentFilter) WithStatuses(statuses ...model.AssignmentStatus) AssignmentFilter {
	f.Statuses = statuses
	return f
}

// ActiveStatuses 占用治疗师时间的状态
func ActiveStatuses() []model.AssignmentStatus {
	return []model.AssignmentStatus{model.StatusAssigned, model.StatusConfirmed, model.StatusInProgress}
}

// Match 内存实现使用的过滤判断
func (f AssignmentFilter) Match(a *model.Assignment) bool {
	if a == nil {
		return false
	}
	if f.TherapistID != nil && a.TherapistID != *f.TherapistID {
		return false
	}
	if f.PatientID != nil && a.PatientID != *f.PatientID {
		return false
	}
	if f.TimeBlockID != nil && a.TimeBlockID != *f.TimeBlockID {
		return false
	}
	if f.StartDate != "" && a.Date < f.StartDate {
		return false
	}
	if f.EndDate != "" && a.Date > f.EndDate {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if a.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

// where 构造 WHERE 子句，参数从 $1 开始编号
func (f AssignmentFilter) where() (string, []interface{}) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if f.TherapistID != nil {
		conditions = append(conditions, fmt.Sprintf("therapist_id = $%d", argNum))
		args = append(args, *f.TherapistID)
		argNum++
	}
	if f.PatientID != nil {
		conditions = append(conditions, fmt.Sprintf("patient_id = $%d", argNum))
		args = append(args, *f.PatientID)
		argNum++
	}
	if f.TimeBlockID != nil {
		conditions = append(conditions, fmt.Sprintf("time_block_id = $%d", argNum))
		args = append(args, *f.TimeBlockID)
		argNum++
	}
	if f.StartDate != "" {
		conditions = append(conditions, fmt.Sprintf("date >= $%d", argNum))
		args = append(args, f.StartDate)
		argNum++
	}
	if f.EndDate != "" {
		conditions = append(conditions, fmt.Sprintf("date <= $%d", argNum))
		args = append(args, f.EndDate)
		argNum++
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argNum))
		args = append(args, stringArray(statuses))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// DB 数据库接口，*database.DB 与 *sql.Tx 均满足
type DB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Scanner 行扫描接口
type Scanner interface {
	Scan(dest ...interface{}) error
}
