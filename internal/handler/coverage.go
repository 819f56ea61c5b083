package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/paiban/carecover/internal/service"
	"github.com/paiban/carecover/pkg/dispatcher"
	apperrors "github.com/paiban/carecover/pkg/errors"
	"github.com/paiban/carecover/pkg/logger"
	"github.com/paiban/carecover/pkg/model"
)

// CoverageHandler 基于存储的分配与覆盖接口
type CoverageHandler struct {
	svc *service.CoverageService
}

// NewCoverageHandler 创建处理器
func NewCoverageHandler(svc *service.CoverageService) *CoverageHandler {
	return &CoverageHandler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *CoverageHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/assignments/check", h.CheckAssignment)
	g.POST("/assignments", h.CommitAssignment)
	g.PATCH("/assignments/:id/status", h.TransitionStatus)

	p := g.Group("/patients/:id")
	p.GET("/gaps", h.PatientGaps)
	p.GET("/coverage", h.PatientCoverage)
	p.POST("/resolve", h.ResolveGaps)
	p.GET("/continuity", h.PatientContinuity)
}

// CheckAssignment 以当前存储快照检测冲突，不写入
func (h *CoverageHandler) CheckAssignment(c echo.Context) error {
	var a model.Assignment
	if err := bind(c, &a); err != nil {
		return err
	}
	result, err := h.svc.CheckAssignment(c.Request().Context(), &a)
	if err != nil {
		return err
	}
	return respondJSON(c, http.StatusOK, result)
}

// CommitAssignment 提交分配
func (h *CoverageHandler) CommitAssignment(c echo.Context) error {
	var a model.Assignment
	if err := bind(c, &a); err != nil {
		return err
	}
	result, err := h.svc.CommitAssignment(c.Request().Context(), &a)
	if err != nil {
		return err
	}
	return respondJSON(c, http.StatusCreated, result)
}

// StatusRequest 状态变更请求
type StatusRequest struct {
	Status model.AssignmentStatus `json:"status"`
}

// TransitionStatus 变更分配状态
func (h *CoverageHandler) TransitionStatus(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req StatusRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Status == "" {
		return apperrors.InvalidInput("status", "不能为空")
	}

	a, err := h.svc.TransitionStatus(c.Request().Context(), id, req.Status)
	if err != nil {
		return err
	}
	return respondJSON(c, http.StatusOK, a)
}

// PatientGaps 患者日期范围内的全部缺口
func (h *CoverageHandler) PatientGaps(c echo.Context) error {
	patientID, dates, err := patientRange(c)
	if err != nil {
		return err
	}
	gaps, err := h.svc.BlockGaps(c.Request().Context(), patientID, dates)
	if err != nil {
		return err
	}
	return respondJSON(c, http.StatusOK, map[string]interface{}{
		"gaps":  gaps,
		"total": len(gaps),
	})
}

// PatientCoverage 患者覆盖率统计
func (h *CoverageHandler) PatientCoverage(c echo.Context) error {
	patientID, dates, err := patientRange(c)
	if err != nil {
		return err
	}
	report, err := h.svc.CoverageReport(c.Request().Context(), patientID, dates)
	if err != nil {
		return err
	}
	return respondJSON(c, http.StatusOK, report)
}

// ResolveRequest 缺口自动解决请求
type ResolveRequest struct {
	StartDate string                   `json:"start_date"`
	EndDate   string                   `json:"end_date"`
	Options   dispatcher.AssignOptions `json:"options"`
}

// ResolveGaps 为患者的全部缺口自动分配并提交
func (h *CoverageHandler) ResolveGaps(c echo.Context) error {
	patientID, err := pathID(c)
	if err != nil {
		return err
	}
	var req ResolveRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	ctx := logger.ContextWithPatientID(c.Request().Context(), patientID.String())
	result, err := h.svc.ResolveGaps(ctx, patientID,
		model.DateRange{StartDate: req.StartDate, EndDate: req.EndDate}, req.Options)
	if err != nil {
		return err
	}

	logger.WithContext(ctx).Info().
		Int("committed", len(result.Committed)).
		Int("unresolved", len(result.Unresolved)).
		Msg("缺口自动解决完成")
	return respondJSON(c, http.StatusOK, result)
}

// PatientContinuity 患者护理连续性报告
func (h *CoverageHandler) PatientContinuity(c echo.Context) error {
	patientID, dates, err := patientRange(c)
	if err != nil {
		return err
	}
	report, err := h.svc.ContinuityReport(c.Request().Context(), patientID, dates.StartDate, dates.EndDate)
	if err != nil {
		return err
	}
	return respondJSON(c, http.StatusOK, report)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperrors.InvalidInput("id", "不是有效的UUID")
	}
	return id, nil
}

// patientRange 读取路径中的患者ID与 start/end 查询参数
func patientRange(c echo.Context) (uuid.UUID, model.DateRange, error) {
	id, err := pathID(c)
	if err != nil {
		return uuid.Nil, model.DateRange{}, err
	}
	dates := model.DateRange{StartDate: c.QueryParam("start"), EndDate: c.QueryParam("end")}
	if dates.StartDate == "" || dates.EndDate == "" {
		return uuid.Nil, model.DateRange{}, apperrors.InvalidInput("start/end", "查询参数必填")
	}
	return id, dates, nil
}
