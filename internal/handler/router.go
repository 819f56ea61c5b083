package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/paiban/carecover/internal/metrics"
	"github.com/paiban/carecover/internal/middleware"
	"github.com/paiban/carecover/internal/service"
	"github.com/paiban/carecover/pkg/dispatcher"
	"github.com/paiban/carecover/pkg/validator"
)

// BuildInfo 构建信息
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// RouterConfig 路由依赖
type RouterConfig struct {
	Service     *service.CoverageService
	Detector    *validator.ConflictDetector
	Engine      *dispatcher.AssignEngine
	Workers     int
	Logger      zerolog.Logger
	RateLimiter *middleware.RateLimiter // nil 表示不限流
	MetricsPath string                  // 为空时不暴露指标
	Build       BuildInfo
	HealthCheck func(ctx context.Context) error // 依赖探活，可为空
}

// NewRouter 创建 echo 实例并注册全部路由
func NewRouter(cfg RouterConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(cfg.Logger))
	e.Use(middleware.Recovery(cfg.Logger))
	e.Use(middleware.SecurityHeaders())

	e.GET("/health", func(c echo.Context) error {
		if cfg.HealthCheck != nil {
			if err := cfg.HealthCheck(c.Request().Context()); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"error":  err.Error(),
				})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "carecover",
		})
	})
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, cfg.Build)
	})
	if cfg.MetricsPath != "" {
		e.GET(cfg.MetricsPath, echo.WrapHandler(metrics.Handler()))
	}

	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(cfg.RateLimiter))

	NewEngineHandler(cfg.Detector, cfg.Engine, cfg.Workers).RegisterRoutes(api)
	if cfg.Service != nil {
		NewCoverageHandler(cfg.Service).RegisterRoutes(api)
	}

	return e
}
