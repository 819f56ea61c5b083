package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/lib/pq"

	"github.com/paiban/carecover/internal/database"
	"github.com/paiban/carecover/pkg/validator"
)

//go:embed schema.sql
var schemaSQL string

// Migrate 创建数据表（幂等）
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("初始化数据库结构失败: %w", err)
	}
	return nil
}

// PostgresStore 组合各仓储，实现 ScheduleStore 与 CandidateSource
type PostgresStore struct {
	*AssignmentRepository
	*TimeBlockRepository
	*TherapistRepository
}

// NewPostgresStore 创建 PostgreSQL 存储
func NewPostgresStore(db *database.DB, detector *validator.ConflictDetector) *PostgresStore {
	return &PostgresStore{
		AssignmentRepository: NewAssignmentRepository(db, detector),
		TimeBlockRepository:  NewTimeBlockRepository(db),
		TherapistRepository:  NewTherapistRepository(db),
	}
}

func stringArray(v []string) interface{} {
	return pq.Array(v)
}

// nullFloat 可空浮点数
func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
