package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/paiban/carecover/internal/database"
	"github.com/paiban/carecover/pkg/model"
)

// TherapistRepository 治疗师目录仓储
type TherapistRepository struct {
	db DB
}

// NewTherapistRepository 创建治疗师仓储
func NewTherapistRepository(db DB) *TherapistRepository {
	return &TherapistRepository{db: db}
}

// ListEligibleTherapists 列出在职治疗师，附带患者偏好、当日工作量和与窗口相交的可用时段
// 不按可用性过滤，由分配引擎判断并给出淘汰原因
func (r *TherapistRepository) ListEligibleTherapists(ctx context.Context, patientID uuid.UUID, date string, window model.TimeRange) ([]*model.TherapistCandidate, error) {
	query := `
		SELECT t.id, t.name, t.qualifications, COALESCE(p.kind, ''),
			to_char(t.optimal_start, 'HH24:MI'), to_char(t.optimal_end, 'HH24:MI'),
			(SELECT COUNT(*) FROM assignments a
				WHERE a.therapist_id = t.id AND a.date = $2
				AND a.status IN ('assigned', 'confirmed', 'in_progress'))
		FROM therapists t
		LEFT JOIN patient_therapist_preferences p ON p.therapist_id = t.id AND p.patient_id = $1
		WHERE t.status = 'active'
		ORDER BY t.id
	`

	rows, err := r.db.QueryContext(ctx, query, patientID, date)
	if err != nil {
		return nil, database.MapError("查询治疗师失败", err)
	}
	defer rows.Close()

	candidates := make([]*model.TherapistCandidate, 0)
	byID := make(map[uuid.UUID]*model.TherapistCandidate)
	ids := make([]string, 0)
	for rows.Next() {
		c := &model.TherapistCandidate{}
		var qualifications []string
		var kind string
		var optimalStart, optimalEnd sql.NullString

		if err := rows.Scan(&c.TherapistID, &c.Name, pq.Array(&qualifications), &kind,
			&optimalStart, &optimalEnd, &c.CurrentDailyAssignments); err != nil {
			return nil, fmt.Errorf("扫描治疗师数据失败: %w", err)
		}

		for _, q := range qualifications {
			c.ServiceTypes = append(c.ServiceTypes, model.ServiceType(q))
		}
		c.Preferred = PreferenceKind(kind) == PreferencePreferred
		c.Excluded = PreferenceKind(kind) == PreferenceExcluded
		if optimalStart.Valid && optimalEnd.Valid {
			start, err1 := model.OnDate(date, optimalStart.String)
			end, err2 := model.OnDate(date, optimalEnd.String)
			if err1 == nil && err2 == nil {
				hours := model.NewTimeRange(start, end)
				c.OptimalHours = &hours
			}
		}

		candidates = append(candidates, c)
		byID[c.TherapistID] = c
		ids = append(ids, c.TherapistID.String())
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapError("遍历治疗师失败", err)
	}
	if len(ids) == 0 {
		return candidates, nil
	}

	if err := r.loadAvailability(ctx, byID, ids, date, window); err != nil {
		return nil, err
	}
	return candidates, nil
}

// loadAvailability 加载与窗口相交的可用时段
func (r *TherapistRepository) loadAvailability(ctx context.Context, byID map[uuid.UUID]*model.TherapistCandidate, ids []string, date string, window model.TimeRange) error {
	query := `
		SELECT therapist_id, start_time, end_time
		FROM therapist_availability
		WHERE date = $1 AND therapist_id = ANY($2::uuid[])
			AND start_time < $4 AND end_time > $3
		ORDER BY therapist_id, start_time
	`

	rows, err := r.db.QueryContext(ctx, query, date, pq.Array(ids), window.Start, window.End)
	if err != nil {
		return database.MapError("查询可用时段失败", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var start, end time.Time
		if err := rows.Scan(&id, &start, &end); err != nil {
			return fmt.Errorf("扫描可用时段失败: %w", err)
		}
		if c, ok := byID[id]; ok {
			c.Availability = append(c.Availability, model.NewTimeRange(start, end))
		}
	}
	if err := rows.Err(); err != nil {
		return database.MapError("遍历可用时段失败", err)
	}
	return nil
}

// SetPreference 设置患者对治疗师的偏好或排除
func (r *TherapistRepository) SetPreference(ctx context.Context, patientID, therapistID uuid.UUID, kind PreferenceKind) error {
	query := `
		INSERT INTO patient_therapist_preferences (patient_id, therapist_id, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (patient_id, therapist_id) DO UPDATE SET kind = EXCLUDED.kind
	`
	if _, err := r.db.ExecContext(ctx, query, patientID, therapistID, string(kind)); err != nil {
		return database.MapError("保存患者偏好失败", err)
	}
	return nil
}
