package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/paiban/carecover/internal/metrics"
	"github.com/paiban/carecover/pkg/dispatcher"
	apperrors "github.com/paiban/carecover/pkg/errors"
	"github.com/paiban/carecover/pkg/model"
	"github.com/paiban/carecover/pkg/stats"
	"github.com/paiban/carecover/pkg/validator"
)

// EngineHandler 基于请求载荷的无状态计算接口
type EngineHandler struct {
	detector *validator.ConflictDetector
	engine   *dispatcher.AssignEngine
	workers  int
}

// NewEngineHandler 创建引擎处理器
func NewEngineHandler(detector *validator.ConflictDetector, engine *dispatcher.AssignEngine, workers int) *EngineHandler {
	if detector == nil {
		detector = validator.NewConflictDetector(nil)
	}
	if engine == nil {
		engine = dispatcher.NewAssignEngine(detector, dispatcher.DefaultScoringPolicy())
	}
	return &EngineHandler{detector: detector, engine: engine, workers: workers}
}

// RegisterRoutes 注册路由
func (h *EngineHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/conflicts/detect", h.DetectConflicts)
	g.POST("/conflicts/audit", h.AuditConflicts)
	g.POST("/gaps", h.FindGaps)
	g.POST("/assign/auto", h.AutoAssign)
	g.POST("/assign/batch", h.BatchAutoAssign)
	g.POST("/continuity", h.ScoreContinuity)
	g.POST("/stats/coverage", h.CoverageStats)
	g.POST("/stats/workload", h.WorkloadStats)
}

// DetectRequest 冲突检测请求
type DetectRequest struct {
	Proposed *model.Assignment   `json:"proposed"`
	Existing []*model.Assignment `json:"existing"`
	Block    *model.TimeBlock    `json:"block,omitempty"` // 提供时同时校验分配落在时段内
}

// DetectConflicts 检测拟议分配与现有分配的冲突
func (h *EngineHandler) DetectConflicts(c echo.Context) error {
	var req DetectRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Proposed == nil {
		return apperrors.InvalidInput("proposed", "不能为空")
	}

	var result *validator.ConflictResult
	if req.Block != nil {
		result = h.detector.DetectConflictsInBlock(req.Block, req.Proposed, req.Existing)
	} else {
		result = h.detector.DetectConflicts(req.Proposed, req.Existing)
	}
	metrics.RecordConflictCheck(result.IsValid)

	return respondJSON(c, http.StatusOK, result)
}

// AuditRequest 快照审计请求
type AuditRequest struct {
	Assignments []*model.Assignment `json:"assignments"`
}

// AuditConflicts 报告快照中所有相互冲突的分配对
func (h *EngineHandler) AuditConflicts(c echo.Context) error {
	var req AuditRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	conflicts := h.detector.DetectAll(req.Assignments)
	if conflicts == nil {
		conflicts = []validator.Conflict{}
	}
	return respondJSON(c, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"total":     len(conflicts),
	})
}

// GapsRequest 缺口分析请求
type GapsRequest struct {
	Block       *model.TimeBlock    `json:"block"`
	Assignments []*model.Assignment `json:"assignments"`
}

// GapsResponse 缺口分析结果
type GapsResponse struct {
	Gaps           []model.GapDescriptor `json:"gaps"`
	CoveredMinutes int                   `json:"covered_minutes"`
	TotalMinutes   int                   `json:"total_minutes"`
}

// FindGaps 计算单个时段的未覆盖子区间
func (h *EngineHandler) FindGaps(c echo.Context) error {
	var req GapsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := validator.ValidateTimeBlock(req.Block).Err(); err != nil {
		return err
	}

	gaps := stats.FindGaps(req.Block, req.Assignments)
	if gaps == nil {
		gaps = []model.GapDescriptor{}
	}
	for _, g := range gaps {
		metrics.RecordGaps(string(g.Kind), 1)
	}

	return respondJSON(c, http.StatusOK, GapsResponse{
		Gaps:           gaps,
		CoveredMinutes: stats.CoveredMinutes(req.Block, gaps),
		TotalMinutes:   req.Block.DurationMinutes(),
	})
}

// AutoAssignRequest 自动分配请求
type AutoAssignRequest struct {
	Gap        model.GapDescriptor         `json:"gap"`
	PatientID  uuid.UUID                   `json:"patient_id"`
	Candidates []*model.TherapistCandidate `json:"candidates"`
	Existing   []*model.Assignment         `json:"existing"`
	Options    dispatcher.AssignOptions    `json:"options"`
}

// AutoAssign 为单个缺口选择治疗师，只返回建议不写入
func (h *EngineHandler) AutoAssign(c echo.Context) error {
	var req AutoAssignRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := validateGap(req.Gap); err != nil {
		return err
	}

	result := h.engine.AutoAssign(req.Gap, req.PatientID, req.Candidates, req.Existing, req.Options)
	recordAssign(result)
	return respondJSON(c, http.StatusOK, result)
}

// BatchAssignRequest 批量自动分配请求
type BatchAssignRequest struct {
	Requests []*dispatcher.AssignRequest `json:"requests"`
}

// BatchSummary 批量分配汇总
type BatchSummary struct {
	Total      int `json:"total"`
	Assigned   int `json:"assigned"`
	Unresolved int `json:"unresolved"`
}

// BatchAutoAssign 批量自动分配
func (h *EngineHandler) BatchAutoAssign(c echo.Context) error {
	var req BatchAssignRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if len(req.Requests) == 0 {
		return apperrors.InvalidInput("requests", "至少需要一个缺口")
	}
	for _, r := range req.Requests {
		if r == nil {
			return apperrors.InvalidInput("requests", "不能包含空项")
		}
		if err := validateGap(r.Gap); err != nil {
			return err
		}
	}

	results, err := h.engine.BatchAutoAssign(c.Request().Context(), req.Requests, h.workers)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeTimeout, "批量分配中断")
	}

	summary := BatchSummary{Total: len(results)}
	for _, r := range results {
		recordAssign(r)
		if r.Assigned() {
			summary.Assigned++
		} else {
			summary.Unresolved++
		}
	}
	return respondJSON(c, http.StatusOK, map[string]interface{}{
		"results": results,
		"summary": summary,
	})
}

// ContinuityRequest 连续性评分请求
type ContinuityRequest struct {
	PatientID   uuid.UUID           `json:"patient_id"`
	Assignments []*model.Assignment `json:"assignments"`
	WindowStart string              `json:"window_start"`
	WindowEnd   string              `json:"window_end"`
}

// ScoreContinuity 根据提交的分配计算连续性报告
func (h *EngineHandler) ScoreContinuity(c echo.Context) error {
	var req ContinuityRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.PatientID == uuid.Nil {
		return apperrors.InvalidInput("patient_id", "不能为空")
	}
	if err := validateWindow(req.WindowStart, req.WindowEnd); err != nil {
		return err
	}

	report := stats.ScoreContinuity(req.PatientID, req.Assignments, req.WindowStart, req.WindowEnd)
	metrics.ObserveContinuityScore(report.Grade, report.Score)
	return respondJSON(c, http.StatusOK, report)
}

// CoverageStatsRequest 覆盖率统计请求
type CoverageStatsRequest struct {
	Blocks      []*model.TimeBlock  `json:"blocks"`
	Assignments []*model.Assignment `json:"assignments"`
}

// CoverageStats 覆盖率统计
func (h *EngineHandler) CoverageStats(c echo.Context) error {
	var req CoverageStatsRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if len(req.Blocks) == 0 {
		return apperrors.InvalidInput("blocks", "至少需要一个时段")
	}

	analyzer := stats.NewCoverageAnalyzer()
	result := analyzer.Analyze(req.Blocks, req.Assignments)
	return respondJSON(c, http.StatusOK, map[string]interface{}{
		"metrics": result,
		"report":  analyzer.GenerateCoverageReport(result),
	})
}

// WorkloadRequest 工作量统计请求
type WorkloadRequest struct {
	Assignments []*model.Assignment `json:"assignments"`
}

// WorkloadStats 治疗师工作量统计
func (h *EngineHandler) WorkloadStats(c echo.Context) error {
	var req WorkloadRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	return respondJSON(c, http.StatusOK, stats.NewWorkloadAnalyzer().Analyze(req.Assignments))
}

func validateGap(gap model.GapDescriptor) error {
	if gap.Range.IsEmpty() {
		return apperrors.New(apperrors.CodeInvalidTimeRange, "缺口区间为空")
	}
	if _, err := model.ParseDate(gap.Date); err != nil {
		return apperrors.InvalidInput("gap.date", err.Error())
	}
	return nil
}

func validateWindow(start, end string) error {
	if _, err := (model.DateRange{StartDate: start, EndDate: end}).Days(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInvalidTimeRange, "日期范围无效")
	}
	return nil
}

func recordAssign(r *dispatcher.AssignResult) {
	if r.Assigned() {
		metrics.RecordAutoAssign("assigned")
		return
	}
	if r != nil && r.NoCandidate != nil {
		metrics.RecordAutoAssign(string(r.NoCandidate.Reason))
	}
}
