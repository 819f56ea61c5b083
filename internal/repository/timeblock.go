package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/paiban/carecover/internal/database"
	apperrors "github.com/paiban/carecover/pkg/errors"
	"github.com/paiban/carecover/pkg/model"
)

const timeBlockColumns = `id, patient_id, to_char(date, 'YYYY-MM-DD'), start_time, end_time,
	service_type, priority, location_id, allow_split_coverage, created_at, updated_at`

// TimeBlockRepository 时段仓储
type TimeBlockRepository struct {
	db DB
}

// NewTimeBlockRepository 创建时段仓储
func NewTimeBlockRepository(db DB) *TimeBlockRepository {
	return &TimeBlockRepository{db: db}
}

// ListTimeBlocks 列出患者在日期范围内的时段
func (r *TimeBlockRepository) ListTimeBlocks(ctx context.Context, patientID uuid.UUID, dates model.DateRange) ([]*model.TimeBlock, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM time_blocks
		WHERE patient_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date, start_time
	`, timeBlockColumns)

	rows, err := r.db.QueryContext(ctx, query, patientID, dates.StartDate, dates.EndDate)
	if err != nil {
		return nil, database.MapError("查询时段列表失败", err)
	}
	defer rows.Close()

	blocks := make([]*model.TimeBlock, 0)
	for rows.Next() {
		b, err := scanTimeBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapError("遍历时段列表失败", err)
	}
	return blocks, nil
}

// GetTimeBlock 根据ID获取时段
func (r *TimeBlockRepository) GetTimeBlock(ctx context.Context, id uuid.UUID) (*model.TimeBlock, error) {
	return getTimeBlock(ctx, r.db, id)
}

func getTimeBlock(ctx context.Context, q DB, id uuid.UUID) (*model.TimeBlock, error) {
	query := fmt.Sprintf(`SELECT %s FROM time_blocks WHERE id = $1`, timeBlockColumns)
	b, err := scanTimeBlock(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("时段", id.String())
	}
	return b, err
}

// CreateTimeBlock 创建时段
func (r *TimeBlockRepository) CreateTimeBlock(ctx context.Context, b *model.TimeBlock) error {
	query := `
		INSERT INTO time_blocks (
			id, patient_id, date, start_time, end_time, service_type, priority,
			location_id, allow_split_coverage, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	var location uuid.NullUUID
	if b.LocationID != nil {
		location = uuid.NullUUID{UUID: *b.LocationID, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		b.ID, b.PatientID, b.Date, b.StartTime, b.EndTime, string(b.ServiceType), string(b.Priority),
		location, b.AllowSplitCoverage, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return database.MapError("创建时段失败", err)
	}
	return nil
}

// scanTimeBlock 扫描单行时段
func scanTimeBlock(row Scanner) (*model.TimeBlock, error) {
	b := &model.TimeBlock{}
	var serviceType, priority string
	var location uuid.NullUUID

	err := row.Scan(
		&b.ID, &b.PatientID, &b.Date, &b.StartTime, &b.EndTime,
		&serviceType, &priority, &location, &b.AllowSplitCoverage, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("扫描时段数据失败: %w", err)
	}

	b.ServiceType = model.ServiceType(serviceType)
	b.Priority = model.Priority(priority)
	if location.Valid {
		id := location.UUID
		b.LocationID = &id
	}
	return b, nil
}
