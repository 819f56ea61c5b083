package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationErrors_ListsEveryRule(t *testing.T) {
	ve := &ValidationErrors{}
	require.NoError(t, ve.Err())

	ve.Add("start_time", "start_before_end", "开始时间必须早于结束时间")
	ve.Add("confidence_score", "confidence_range", "置信度必须在0到1之间")

	require.Error(t, ve.Err())
	assert.Contains(t, ve.Error(), "start_before_end")
	assert.Contains(t, ve.Error(), "confidence_range")
	assert.Equal(t, []string{"start_before_end", "confidence_range"}, ve.Rules())

	appErr := ve.ToAppError()
	assert.Equal(t, CodeValidationFail, appErr.Code)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
	assert.Len(t, appErr.Fields, 2)
}

func TestIsAndGetCode(t *testing.T) {
	wrapped := fmt.Errorf("提交失败: %w", ScheduleConflict("治疗师 T", "2024-01-15", "时间重叠"))

	assert.True(t, Is(wrapped, CodeScheduleConflict))
	assert.Equal(t, CodeScheduleConflict, GetCode(wrapped))
	assert.Equal(t, http.StatusConflict, GetHTTPStatus(wrapped))

	ve := &ValidationErrors{}
	ve.Add("duration_minutes", "duration_matches_range", "时长不一致")
	assert.True(t, Is(ve, CodeValidationFail))
	assert.Equal(t, http.StatusBadRequest, GetHTTPStatus(ve))

	assert.Equal(t, CodeUnknown, GetCode(fmt.Errorf("plain")))
}

func TestWrap_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Database("查询分配失败", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus)
	assert.Contains(t, err.Error(), "DATABASE_ERROR")
}
