package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/paiban/carecover/internal/database"
	"github.com/paiban/carecover/internal/lock"
	apperrors "github.com/paiban/carecover/pkg/errors"
	"github.com/paiban/carecover/pkg/model"
	"github.com/paiban/carecover/pkg/validator"
)

const assignmentColumns = `id, time_block_id, patient_id, therapist_id, to_char(date, 'YYYY-MM-DD'),
	start_time, end_time, duration_minutes, assignment_type, status, assignment_method,
	confidence_score, service_type, billable_hours, contract_hours, split_coverage, notes,
	created_at, updated_at`

// AssignmentRepository 分配仓储
type AssignmentRepository struct {
	db       *database.DB
	detector *validator.ConflictDetector
}

// NewAssignmentRepository 创建分配仓储，detector 为空时提交不复检冲突
func NewAssignmentRepository(db *database.DB, detector *validator.ConflictDetector) *AssignmentRepository {
	return &AssignmentRepository{db: db, detector: detector}
}

// ListAssignments 按过滤条件列出分配
func (r *AssignmentRepository) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]*model.Assignment, error) {
	return listAssignments(ctx, r.db, filter)
}

func listAssignments(ctx context.Context, q DB, filter AssignmentFilter) ([]*model.Assignment, error) {
	where, args := filter.where()
	query := fmt.Sprintf(`SELECT %s FROM assignments %s ORDER BY date, start_time, id`, assignmentColumns, where)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.MapError("查询分配列表失败", err)
	}
	defer rows.Close()

	assignments := make([]*model.Assignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapError("遍历分配列表失败", err)
	}
	return assignments, nil
}

// GetAssignment 根据ID获取分配
func (r *AssignmentRepository) GetAssignment(ctx context.Context, id uuid.UUID) (*model.Assignment, error) {
	return getAssignment(ctx, r.db, id, false)
}

func getAssignment(ctx context.Context, q DB, id uuid.UUID, forUpdate bool) (*model.Assignment, error) {
	query := fmt.Sprintf(`SELECT %s FROM assignments WHERE id = $1`, assignmentColumns)
	if forUpdate {
		query += " FOR UPDATE"
	}

	a, err := scanAssignment(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("分配", id.String())
	}
	return a, err
}

// CommitAssignment 在 SERIALIZABLE 事务中对治疗师和患者当日加咨询锁，
// 以事务内快照复检冲突后写入
func (r *AssignmentRepository) CommitAssignment(ctx context.Context, a *model.Assignment) (uuid.UUID, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	err := r.db.SerializableTx(ctx, func(tx *sql.Tx) error {
		if err := database.AdvisoryXactLock(ctx, tx,
			lock.TherapistDayKey(a.TherapistID, a.Date),
			lock.PatientDayKey(a.PatientID, a.Date),
		); err != nil {
			return err
		}

		block, err := getTimeBlock(ctx, tx, a.TimeBlockID)
		if err != nil {
			return err
		}

		if r.detector != nil {
			snapshot, err := sameDaySnapshot(ctx, tx, a)
			if err != nil {
				return err
			}
			if err := r.detector.DetectConflictsInBlock(block, a, snapshot).Err(); err != nil {
				return err
			}
		}

		return insertAssignment(ctx, tx, a)
	})
	if err != nil {
		return uuid.Nil, database.MapError("提交分配失败", err)
	}
	return a.ID, nil
}

// sameDaySnapshot 同日同治疗师及同患者的分配（按ID去重）
func sameDaySnapshot(ctx context.Context, q DB, a *model.Assignment) ([]*model.Assignment, error) {
	byTherapist, err := listAssignments(ctx, q, AssignmentFilter{}.WithTherapist(a.TherapistID).OnDate(a.Date))
	if err != nil {
		return nil, err
	}
	byPatient, err := listAssignments(ctx, q, AssignmentFilter{}.WithPatient(a.PatientID).OnDate(a.Date))
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(byTherapist))
	snapshot := make([]*model.Assignment, 0, len(byTherapist)+len(byPatient))
	for _, list := range [][]*model.Assignment{byTherapist, byPatient} {
		for _, e := range list {
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
			snapshot = append(snapshot, e)
		}
	}
	return snapshot, nil
}

func insertAssignment(ctx context.Context, q DB, a *model.Assignment) error {
	query := `
		INSERT INTO assignments (
			id, time_block_id, patient_id, therapist_id, date, start_time, end_time,
			duration_minutes, assignment_type, status, assignment_method, confidence_score,
			service_type, billable_hours, contract_hours, split_coverage, notes,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`

	_, err := q.ExecContext(ctx, query,
		a.ID, a.TimeBlockID, a.PatientID, a.TherapistID, a.Date, a.StartTime, a.EndTime,
		a.DurationMinutes, string(a.AssignmentType), string(a.Status), string(a.AssignmentMethod), nullFloat(a.ConfidenceScore),
		string(a.ServiceType), nullFloat(a.BillableHours), nullFloat(a.ContractHours), a.SplitCoverage, a.Notes,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("写入分配失败: %w", err)
	}
	return nil
}

// UpdateAssignmentStatus 状态流转，取消为软删除
func (r *AssignmentRepository) UpdateAssignmentStatus(ctx context.Context, id uuid.UUID, status model.AssignmentStatus) (*model.Assignment, error) {
	var updated *model.Assignment
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		a, err := getAssignment(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !model.CanTransition(a.Status, status) {
			return invalidTransition(a.Status, status)
		}

		a.Status = status
		a.UpdatedAt = time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE assignments SET status = $2, updated_at = $3 WHERE id = $1`,
			a.ID, string(a.Status), a.UpdatedAt,
		); err != nil {
			return fmt.Errorf("更新分配状态失败: %w", err)
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, database.MapError("更新分配状态失败", err)
	}
	return updated, nil
}

// scanAssignment 扫描单行分配
func scanAssignment(row Scanner) (*model.Assignment, error) {
	a := &model.Assignment{}
	var assignmentType, status, method, serviceType string
	var confidence, billable, contract sql.NullFloat64

	err := row.Scan(
		&a.ID, &a.TimeBlockID, &a.PatientID, &a.TherapistID, &a.Date,
		&a.StartTime, &a.EndTime, &a.DurationMinutes, &assignmentType, &status, &method,
		&confidence, &serviceType, &billable, &contract, &a.SplitCoverage, &a.Notes,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("扫描分配数据失败: %w", err)
	}

	a.AssignmentType = model.AssignmentType(assignmentType)
	a.Status = model.AssignmentStatus(status)
	a.AssignmentMethod = model.AssignmentMethod(method)
	a.ServiceType = model.ServiceType(serviceType)
	a.ConfidenceScore = floatPtr(confidence)
	a.BillableHours = floatPtr(billable)
	a.ContractHours = floatPtr(contract)
	return a, nil
}
