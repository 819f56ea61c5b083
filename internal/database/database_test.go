package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/paiban/carecover/pkg/errors"
)

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys([]string{"therapist:b:2024-01-15", "patient:a:2024-01-15", "therapist:b:2024-01-15", ""})
	assert.Equal(t, []string{"patient:a:2024-01-15", "therapist:b:2024-01-15"}, keys)
	assert.Empty(t, SortedKeys(nil))
}

func TestErrorClassification(t *testing.T) {
	serialization := &pq.Error{Code: "40001"}
	exclusion := &pq.Error{Code: "23P01"}
	unique := &pq.Error{Code: "23505"}
	other := &pq.Error{Code: "42P01"}

	assert.True(t, IsSerializationFailure(serialization))
	assert.True(t, IsSerializationFailure(fmt.Errorf("事务提交失败: %w", serialization)))
	assert.False(t, IsSerializationFailure(exclusion))
	assert.False(t, IsSerializationFailure(nil))

	assert.True(t, IsConflictViolation(exclusion))
	assert.True(t, IsConflictViolation(unique))
	assert.False(t, IsConflictViolation(other))
	assert.False(t, IsConflictViolation(errors.New("plain")))
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code apperrors.Code
	}{
		{"排他约束", &pq.Error{Code: "23P01"}, apperrors.CodeScheduleConflict},
		{"唯一约束", &pq.Error{Code: "23505"}, apperrors.CodeScheduleConflict},
		{"序列化冲突", &pq.Error{Code: "40001"}, apperrors.CodeScheduleConflict},
		{"其他数据库错误", &pq.Error{Code: "42P01"}, apperrors.CodeDatabaseError},
		{"上下文取消", context.Canceled, apperrors.CodeTimeout},
		{"已是应用错误", apperrors.NotFound("时段", "x"), apperrors.CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapError("提交分配", tt.err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
		})
	}

	assert.NoError(t, MapError("提交分配", nil))
}

func TestTruncateQuery(t *testing.T) {
	short := "SELECT 1"
	assert.Equal(t, short, truncateQuery(short))

	long := strings.Repeat("x", 250)
	got := truncateQuery(long)
	assert.Len(t, got, 203)
	assert.True(t, strings.HasSuffix(got, "..."))
}
