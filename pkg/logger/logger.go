// Package logger 提供统一的日志框架
package logger

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// Level 日志级别
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

type ctxKey string

// 上下文中携带的日志字段
const (
	RequestIDKey ctxKey = "request_id"
	PatientIDKey ctxKey = "patient_id"
)

// Config 日志配置
type Config struct {
	Level      string `mapstructure:"level" json:"level"`
	Format     string `mapstructure:"format" json:"format"` // json/console
	Output     string `mapstructure:"output" json:"output"` // stdout/stderr/file
	FilePath   string `mapstructure:"file_path" json:"file_path,omitempty"`
	TimeFormat string `mapstructure:"time_format" json:"time_format,omitempty"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	}
}

// Init 初始化日志器，只生效一次
func Init(cfg Config) {
	once.Do(func() {
		logger = build(cfg)
	})
}

func build(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		output = os.Stdout
		if cfg.FilePath != "" {
			if f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
				output = f
			}
		}
	default:
		output = os.Stdout
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: cfg.TimeFormat,
		}
	}

	return zerolog.New(output).With().Timestamp().Logger()
}

// parseLevel 解析日志级别
func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Get 获取日志器，未初始化时使用默认配置
func Get() *zerolog.Logger {
	Init(DefaultConfig())
	return &logger
}

// WithContext 从上下文创建日志器
func WithContext(ctx context.Context) *zerolog.Logger {
	l := Get().With().Logger()

	if reqID, ok := ctx.Value(RequestIDKey).(string); ok && reqID != "" {
		l = l.With().Str("request_id", reqID).Logger()
	}
	if patientID, ok := ctx.Value(PatientIDKey).(string); ok && patientID != "" {
		l = l.With().Str("patient_id", patientID).Logger()
	}

	return &l
}

// ContextWithRequestID 在上下文中记录请求ID
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// ContextWithPatientID 在上下文中记录患者ID
func ContextWithPatientID(ctx context.Context, patientID string) context.Context {
	return context.WithValue(ctx, PatientIDKey, patientID)
}

// Debug 记录调试日志
func Debug() *zerolog.Event {
	return Get().Debug()
}

// Info 记录信息日志
func Info() *zerolog.Event {
	return Get().Info()
}

// Warn 记录警告日志
func Warn() *zerolog.Event {
	return Get().Warn()
}

// Error 记录错误日志
func Error() *zerolog.Event {
	return Get().Error()
}

// Fatal 记录致命错误日志
func Fatal() *zerolog.Event {
	return Get().Fatal()
}

// WithError 添加错误信息
func WithError(err error) *zerolog.Event {
	return Get().Error().Err(err)
}

// CoverageLogger 覆盖与分配引擎专用日志器
type CoverageLogger struct {
	base *zerolog.Logger
}

// NewCoverageLogger 创建覆盖日志器，base 为空时使用全局日志器
func NewCoverageLogger(base *zerolog.Logger) *CoverageLogger {
	if base == nil {
		base = Get()
	}
	l := base.With().Str("component", "coverage").Logger()
	return &CoverageLogger{base: &l}
}

// Logger 返回底层日志器
func (l *CoverageLogger) Logger() *zerolog.Logger {
	return l.base
}

// ConflictCheck 记录冲突检测结果
func (l *CoverageLogger) ConflictCheck(assignmentID, therapistID, date string, valid bool, errors, warnings int) {
	ev := l.base.Debug()
	if !valid {
		ev = l.base.Warn()
	}
	ev.Str("assignment_id", assignmentID).
		Str("therapist_id", therapistID).
		Str("date", date).
		Bool("valid", valid).
		Int("errors", errors).
		Int("warnings", warnings).
		Msg("冲突检测")
}

// AutoAssigned 记录自动分配成功
func (l *CoverageLogger) AutoAssigned(blockID, therapistID, window string, score float64) {
	l.base.Info().
		Str("time_block_id", blockID).
		Str("therapist_id", therapistID).
		Str("window", window).
		Float64("score", score).
		Msg("自动分配完成")
}

// GapUnresolved 记录无法解决的缺口
func (l *CoverageLogger) GapUnresolved(blockID, date, window, reason string) {
	l.base.Warn().
		Str("time_block_id", blockID).
		Str("date", date).
		Str("window", window).
		Str("reason", reason).
		Msg("缺口未能分配")
}

// Committed 记录分配提交
func (l *CoverageLogger) Committed(assignmentID, therapistID, date string, duration time.Duration) {
	l.base.Info().
		Str("assignment_id", assignmentID).
		Str("therapist_id", therapistID).
		Str("date", date).
		Dur("duration", duration).
		Msg("分配已提交")
}

// ContinuityScored 记录连续性评分
func (l *CoverageLogger) ContinuityScored(patientID string, score float64, grade string, warnings int) {
	l.base.Info().
		Str("patient_id", patientID).
		Float64("score", score).
		Str("grade", grade).
		Int("warnings", warnings).
		Msg("连续性评分")
}
