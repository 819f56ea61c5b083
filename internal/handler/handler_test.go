package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paiban/carecover/internal/repository"
	"github.com/paiban/carecover/internal/service"
	"github.com/paiban/carecover/pkg/dispatcher"
	"github.com/paiban/carecover/pkg/model"
	"github.com/paiban/carecover/pkg/stats"
	"github.com/paiban/carecover/pkg/validator"
)

const testDate = "2024-01-15"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func at(hhmm string) time.Time {
	t, err := model.OnDate(testDate, hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func newBlock(patientID uuid.UUID, start, end string) *model.TimeBlock {
	return &model.TimeBlock{
		BaseModel:   model.NewBaseModel(),
		PatientID:   patientID,
		Date:        testDate,
		StartTime:   at(start),
		EndTime:     at(end),
		ServiceType: model.ServiceDirect,
		Priority:    model.PriorityHigh,
	}
}

type testServer struct {
	e     *echo.Echo
	store *repository.MemoryStore
	svc   *service.CoverageService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	detector := validator.NewConflictDetector(nil)
	store := repository.NewMemoryStore(detector)
	nop := zerolog.Nop()
	svc := service.NewCoverageService(store, store, service.Options{Detector: detector, Logger: &nop})
	t.Cleanup(svc.Close)

	e := NewRouter(RouterConfig{
		Service:     svc,
		Detector:    detector,
		Workers:     2,
		Logger:      nop,
		MetricsPath: "/metrics",
		Build:       BuildInfo{Version: "1.0.0", BuildTime: "now", GitCommit: "abc"},
	})
	return &testServer{e: e, store: store, svc: svc}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get(echo.HeaderContentType) != "" && bytes.HasPrefix(rec.Body.Bytes(), []byte("{")) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestSystemEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, _ = s.do(t, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"1.0.0"`)

	rec, _ = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "carecover_http_requests_total")

	rec, env := s.do(t, http.MethodGet, "/api/v1/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestDetectConflicts(t *testing.T) {
	s := newTestServer(t)
	therapist := uuid.New()
	block := newBlock(uuid.New(), "09:00", "12:00")
	existing := model.NewAssignment(newBlock(uuid.New(), "09:00", "12:00"), therapist,
		model.NewTimeRange(at("09:00"), at("10:00")), model.MethodManual)
	proposed := model.NewAssignment(block, therapist, model.NewTimeRange(at("09:30"), at("10:30")), model.MethodManual)
	unsavedExisting, unsavedProposed := *existing, *proposed
	unsavedExisting.BaseModel = model.BaseModel{}
	unsavedProposed.BaseModel = model.BaseModel{}

	tests := []struct {
		name     string
		body     interface{}
		status   int
		valid    bool
		errCode  string
		conflict validator.ConflictType
	}{
		{
			name:     "治疗师冲突",
			body:     DetectRequest{Proposed: proposed, Existing: []*model.Assignment{existing}},
			status:   http.StatusOK,
			conflict: validator.ConflictTherapist,
		},
		{
			name:     "未保存的分配同样检测冲突",
			body:     DetectRequest{Proposed: &unsavedProposed, Existing: []*model.Assignment{&unsavedExisting}},
			status:   http.StatusOK,
			conflict: validator.ConflictTherapist,
		},
		{
			name:   "无冲突",
			body:   DetectRequest{Proposed: proposed, Block: block},
			status: http.StatusOK,
			valid:  true,
		},
		{
			name:    "缺少拟议分配",
			body:    DetectRequest{},
			status:  http.StatusBadRequest,
			errCode: "INVALID_INPUT",
		},
		{
			name:    "请求格式错误",
			body:    "{not json",
			status:  http.StatusBadRequest,
			errCode: "INVALID_INPUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := s.do(t, http.MethodPost, "/api/v1/conflicts/detect", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			if tt.errCode != "" {
				assert.False(t, env.Success)
				require.NotNil(t, env.Error)
				assert.Equal(t, tt.errCode, env.Error.Code)
				return
			}

			require.True(t, env.Success)
			var result validator.ConflictResult
			require.NoError(t, json.Unmarshal(env.Data, &result))
			assert.Equal(t, tt.valid, result.IsValid)
			if tt.conflict != "" {
				assert.True(t, result.HasType(tt.conflict))
			}
		})
	}
}

func TestAuditConflicts(t *testing.T) {
	s := newTestServer(t)
	therapist := uuid.New()
	a := model.NewAssignment(newBlock(uuid.New(), "09:00", "10:00"), therapist,
		model.NewTimeRange(at("09:00"), at("10:00")), model.MethodManual)
	b := model.NewAssignment(newBlock(uuid.New(), "09:00", "10:00"), therapist,
		model.NewTimeRange(at("09:30"), at("10:00")), model.MethodManual)

	rec, env := s.do(t, http.MethodPost, "/api/v1/conflicts/audit", AuditRequest{Assignments: []*model.Assignment{a, b}})
	assert.Equal(t, http.StatusOK, rec.Code)
	var data struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 1, data.Total)
}

func TestFindGaps(t *testing.T) {
	s := newTestServer(t)
	block := newBlock(uuid.New(), "09:00", "12:00")
	a := model.NewAssignment(block, uuid.New(), model.NewTimeRange(at("10:00"), at("11:00")), model.MethodManual)

	rec, env := s.do(t, http.MethodPost, "/api/v1/gaps", GapsRequest{Block: block, Assignments: []*model.Assignment{a}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp GapsResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	require.Len(t, resp.Gaps, 2)
	assert.Equal(t, model.GapPartial, resp.Gaps[0].Kind)
	assert.Equal(t, 60, resp.CoveredMinutes)
	assert.Equal(t, 180, resp.TotalMinutes)

	t.Run("时段无效", func(t *testing.T) {
		bad := newBlock(uuid.New(), "12:00", "09:00")
		rec, env := s.do(t, http.MethodPost, "/api/v1/gaps", GapsRequest{Block: bad})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "VALIDATION_FAILED", env.Error.Code)
	})
}

func TestAutoAssign(t *testing.T) {
	s := newTestServer(t)
	block := newBlock(uuid.New(), "09:00", "10:00")
	gap := model.NewGap(block, block.Range(), model.GapUncovered)

	preferred := &model.TherapistCandidate{
		TherapistID:  uuid.New(),
		Name:         "Alice",
		Availability: []model.TimeRange{model.NewTimeRange(at("08:00"), at("12:00"))},
		Preferred:    true,
	}
	plain := &model.TherapistCandidate{
		TherapistID:  uuid.New(),
		Name:         "Bob",
		Availability: []model.TimeRange{model.NewTimeRange(at("08:00"), at("12:00"))},
	}

	rec, env := s.do(t, http.MethodPost, "/api/v1/assign/auto", AutoAssignRequest{
		Gap:        gap,
		Candidates: []*model.TherapistCandidate{plain, preferred},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result dispatcher.AssignResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.NotNil(t, result.Proposal)
	assert.Equal(t, preferred.TherapistID, result.Proposal.Assignment.TherapistID)
	require.Len(t, result.Alternatives, 1)
	assert.Equal(t, plain.TherapistID, result.Alternatives[0].TherapistID)

	t.Run("无可用候选人", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/api/v1/assign/auto", AutoAssignRequest{Gap: gap})
		require.Equal(t, http.StatusOK, rec.Code)
		var result dispatcher.AssignResult
		require.NoError(t, json.Unmarshal(env.Data, &result))
		require.NotNil(t, result.NoCandidate)
		assert.Equal(t, dispatcher.ReasonNoQualified, result.NoCandidate.Reason)
	})

	t.Run("缺口区间为空", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/api/v1/assign/auto", AutoAssignRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "INVALID_TIME_RANGE", env.Error.Code)
	})
}

func TestBatchAutoAssign(t *testing.T) {
	s := newTestServer(t)
	therapist := &model.TherapistCandidate{
		TherapistID:  uuid.New(),
		Availability: []model.TimeRange{model.NewTimeRange(at("08:00"), at("12:00"))},
	}
	first := newBlock(uuid.New(), "09:00", "10:00")
	second := newBlock(uuid.New(), "09:00", "10:00")

	rec, env := s.do(t, http.MethodPost, "/api/v1/assign/batch", BatchAssignRequest{
		Requests: []*dispatcher.AssignRequest{
			{Gap: model.NewGap(first, first.Range(), model.GapUncovered), Candidates: []*model.TherapistCandidate{therapist}},
			{Gap: model.NewGap(second, second.Range(), model.GapUncovered), Candidates: []*model.TherapistCandidate{therapist}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Summary BatchSummary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	// 同一治疗师同一时间只能覆盖一个缺口
	assert.Equal(t, BatchSummary{Total: 2, Assigned: 1, Unresolved: 1}, data.Summary)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/assign/batch", BatchAssignRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScoreContinuity(t *testing.T) {
	s := newTestServer(t)
	patient := uuid.New()
	therapist := uuid.New()
	block := newBlock(patient, "09:00", "10:00")
	a := model.NewAssignment(block, therapist, block.Range(), model.MethodManual)

	rec, env := s.do(t, http.MethodPost, "/api/v1/continuity", ContinuityRequest{
		PatientID:   patient,
		Assignments: []*model.Assignment{a},
		WindowStart: "2024-01-15",
		WindowEnd:   "2024-01-21",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var report stats.ContinuityReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, 1, report.TotalSessions)
	assert.Equal(t, 7, report.WindowDays)

	rec, env = s.do(t, http.MethodPost, "/api/v1/continuity", ContinuityRequest{
		PatientID:   patient,
		WindowStart: "2024-01-21",
		WindowEnd:   "2024-01-15",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_TIME_RANGE", env.Error.Code)
}

func TestStatsEndpoints(t *testing.T) {
	s := newTestServer(t)
	block := newBlock(uuid.New(), "09:00", "10:00")
	a := model.NewAssignment(block, uuid.New(), block.Range(), model.MethodManual)

	rec, _ := s.do(t, http.MethodPost, "/api/v1/stats/coverage", CoverageStatsRequest{
		Blocks:      []*model.TimeBlock{block},
		Assignments: []*model.Assignment{a},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"covered_blocks":1`)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/stats/coverage", CoverageStatsRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/v1/stats/workload", WorkloadRequest{Assignments: []*model.Assignment{a}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAssignmentLifecycle(t *testing.T) {
	s := newTestServer(t)
	patient := uuid.New()
	therapist := uuid.New()
	block := newBlock(patient, "09:00", "12:00")
	require.NoError(t, s.store.SaveTimeBlock(block))

	body := map[string]interface{}{
		"time_block_id": block.ID,
		"therapist_id":  therapist,
		"start_time":    at("09:00"),
		"end_time":      at("10:00"),
	}

	rec, env := s.do(t, http.MethodPost, "/api/v1/assignments/check", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"is_valid":true`)

	rec, env = s.do(t, http.MethodPost, "/api/v1/assignments", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var committed service.CommitResult
	require.NoError(t, json.Unmarshal(env.Data, &committed))
	require.NotNil(t, committed.Assignment)
	id := committed.Assignment.ID
	assert.Equal(t, patient, committed.Assignment.PatientID)

	t.Run("重复提交冲突", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPost, "/api/v1/assignments", body)
		assert.Equal(t, http.StatusConflict, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "SCHEDULE_CONFLICT", env.Error.Code)
	})

	t.Run("复用已有ID不能改写分配", func(t *testing.T) {
		rewrite := map[string]interface{}{
			"id":            id,
			"time_block_id": block.ID,
			"therapist_id":  uuid.New(),
			"start_time":    at("11:00"),
			"end_time":      at("12:00"),
		}
		rec, env := s.do(t, http.MethodPost, "/api/v1/assignments", rewrite)
		assert.Equal(t, http.StatusConflict, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "SCHEDULE_CONFLICT", env.Error.Code)

		got, err := s.store.GetAssignment(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, therapist, got.TherapistID)
	})

	t.Run("状态变更", func(t *testing.T) {
		rec, env := s.do(t, http.MethodPatch, "/api/v1/assignments/"+id.String()+"/status", StatusRequest{Status: model.StatusConfirmed})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, string(env.Data), `"status":"confirmed"`)

		rec, env = s.do(t, http.MethodPatch, "/api/v1/assignments/"+id.String()+"/status", StatusRequest{Status: model.StatusCompleted})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_STATUS_TRANSITION", env.Error.Code)

		rec, _ = s.do(t, http.MethodPatch, "/api/v1/assignments/not-a-uuid/status", StatusRequest{Status: model.StatusConfirmed})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec, _ = s.do(t, http.MethodPatch, "/api/v1/assignments/"+uuid.New().String()+"/status", StatusRequest{Status: model.StatusConfirmed})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPatientEndpoints(t *testing.T) {
	s := newTestServer(t)
	patient := uuid.New()
	block := newBlock(patient, "09:00", "11:00")
	require.NoError(t, s.store.SaveTimeBlock(block))

	th := &model.Therapist{BaseModel: model.NewBaseModel(), Name: "Alice", Status: "active"}
	s.store.SaveTherapist(th)
	s.store.SetAvailability(th.ID, testDate, model.NewTimeRange(at("08:00"), at("12:00")))

	base := "/api/v1/patients/" + patient.String()
	query := "?start=2024-01-15&end=2024-01-21"

	rec, env := s.do(t, http.MethodGet, base+"/gaps"+query, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"total":1`)

	rec, _ = s.do(t, http.MethodGet, base+"/gaps", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = s.do(t, http.MethodPost, base+"/resolve", ResolveRequest{StartDate: "2024-01-15", EndDate: "2024-01-21"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved service.ResolveResult
	require.NoError(t, json.Unmarshal(env.Data, &resolved))
	require.Len(t, resolved.Committed, 1)
	assert.Empty(t, resolved.Unresolved)
	assert.Equal(t, th.ID, resolved.Committed[0].Proposal.Assignment.TherapistID)

	rec, env = s.do(t, http.MethodGet, base+"/coverage"+query, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"covered_blocks":1`)

	rec, env = s.do(t, http.MethodGet, base+"/continuity"+query, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report stats.ContinuityReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, 1, report.TotalSessions)
	assert.Equal(t, patient, report.PatientID)
}

func TestRouterWithoutService(t *testing.T) {
	nop := zerolog.Nop()
	e := NewRouter(RouterConfig{Logger: nop})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/patients/x/gaps", nil))
	// 未配置服务时不注册存储接口
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthCheckFailure(t *testing.T) {
	e := NewRouter(RouterConfig{
		Logger: zerolog.Nop(),
		HealthCheck: func(ctx context.Context) error {
			return errors.New("connection refused")
		},
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
