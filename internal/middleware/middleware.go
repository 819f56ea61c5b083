// Package middleware 提供HTTP中间件
package middleware

import (
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/paiban/carecover/internal/metrics"
	"github.com/paiban/carecover/pkg/logger"
)

// RequestIDHeader 请求ID头
const RequestIDHeader = "X-Request-ID"

// requestIDKey echo 上下文中的请求ID键
const requestIDKey = "request_id"

// RequestID 沿用或生成请求ID，写入响应头和请求上下文
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			rid := req.Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.New().String()
			}
			c.Set(requestIDKey, rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			c.SetRequest(req.WithContext(logger.ContextWithRequestID(req.Context(), rid)))
			return next(c)
		}
	}
}

// GetRequestID 读取当前请求ID
func GetRequestID(c echo.Context) string {
	rid, _ := c.Get(requestIDKey).(string)
	return rid
}

// Logger 请求日志，并记录请求指标
func Logger(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			if err != nil {
				// 交给 echo 写出错误响应，以便记录真实状态码
				c.Error(err)
			}
			duration := time.Since(start)
			status := c.Response().Status

			evt := log.Info()
			if err != nil {
				evt = log.Error().Err(err)
			}
			evt.
				Str("request_id", GetRequestID(c)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("duration", duration).
				Str("remote_ip", c.RealIP()).
				Msg("请求处理")

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			metrics.RecordRequestMetrics(req.Method, route, status, duration)
			return nil
		}
	}
}

// Recovery 捕获 panic 并返回 500
func Recovery(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)
					log.Error().
						Str("request_id", GetRequestID(c)).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("Panic recovered")
					err = echo.NewHTTPError(http.StatusInternalServerError, "服务器内部错误")
				}
			}()
			return next(c)
		}
	}
}

// SecurityHeaders 安全相关响应头
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'self'")
			return next(c)
		}
	}
}

// RateLimiter 按客户端划分的令牌桶限流器
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	refillRate float64 // 每秒添加的令牌数
	maxTokens  float64
	now        func() time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter 创建限流器，允许两倍速率的突发流量
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	return &RateLimiter{
		buckets:    make(map[string]*bucket),
		refillRate: requestsPerSecond,
		maxTokens:  requestsPerSecond * 2,
		now:        time.Now,
	}
}

// Allow 检查客户端是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.maxTokens, lastRefill: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastRefill).Seconds() * rl.refillRate
	if b.tokens > rl.maxTokens {
		b.tokens = rl.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RateLimit 限流中间件，limiter 为 nil 时不限流
func RateLimit(limiter *RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if limiter == nil || limiter.Allow(c.RealIP()) {
				return next(c)
			}
			c.Response().Header().Set("Retry-After", "1")
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"success": false,
				"error": map[string]string{
					"code":    "RATE_LIMITED",
					"message": "请求过于频繁，请稍后重试",
				},
			})
		}
	}
}
