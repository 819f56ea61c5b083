// Package errors 提供统一的错误处理框架
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code 错误码
type Code string

const (
	// 通用错误码
	CodeUnknown      Code = "UNKNOWN"
	CodeInternal     Code = "INTERNAL_ERROR"
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeNotFound     Code = "NOT_FOUND"
	CodeTimeout      Code = "TIMEOUT"

	// 排班相关
	CodeScheduleConflict     Code = "SCHEDULE_CONFLICT"
	CodeInvalidTimeRange     Code = "INVALID_TIME_RANGE"
	CodeInvalidTransition    Code = "INVALID_STATUS_TRANSITION"
	CodeNoAvailableTherapist Code = "NO_AVAILABLE_THERAPIST"
	CodeLockTimeout          Code = "LOCK_TIMEOUT"

	// 数据相关
	CodeDatabaseError  Code = "DATABASE_ERROR"
	CodeValidationFail Code = "VALIDATION_FAILED"
)

// AppError 应用错误
type AppError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Cause      error                  `json:"-"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithField 添加字段
func (e *AppError) WithField(key string, value interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// New 创建新错误
func New(code Code, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

// Wrap 包装错误
func Wrap(err error, code Code, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Cause:      err,
	}
}

// codeToHTTPStatus 错误码转HTTP状态码
func codeToHTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput, CodeValidationFail, CodeInvalidTimeRange, CodeInvalidTransition:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeScheduleConflict:
		return http.StatusConflict
	case CodeTimeout, CodeLockTimeout:
		return http.StatusServiceUnavailable
	case CodeNoAvailableTherapist:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Is 检查错误是否为特定类型
func Is(err error, code Code) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	var ve *ValidationErrors
	if errors.As(err, &ve) {
		return code == CodeValidationFail
	}
	return false
}

// GetCode 获取错误码
func GetCode(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	var ve *ValidationErrors
	if errors.As(err, &ve) {
		return CodeValidationFail
	}
	return CodeUnknown
}

// GetHTTPStatus 获取HTTP状态码
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	var ve *ValidationErrors
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// InvalidInput 创建输入无效错误
func InvalidInput(field, reason string) *AppError {
	return New(CodeInvalidInput, fmt.Sprintf("字段 '%s' 无效: %s", field, reason))
}

// NotFound 创建资源不存在错误
func NotFound(resource, id string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s '%s' 不存在", resource, id))
}

// ScheduleConflict 创建排班冲突错误
func ScheduleConflict(subject, date, details string) *AppError {
	return New(CodeScheduleConflict, fmt.Sprintf("%s 在 %s 存在排班冲突: %s", subject, date, details))
}

// LockTimeout 创建加锁超时错误
func LockTimeout(key string, cause error) *AppError {
	return Wrap(cause, CodeLockTimeout, fmt.Sprintf("获取锁 %s 超时", key))
}

// Database 包装数据库错误
func Database(op string, cause error) *AppError {
	return Wrap(cause, CodeDatabaseError, op)
}

// ValidationErrors 验证错误集合
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// ValidationError 单个验证错误
type ValidationError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Error 实现 error 接口，列出全部违反的规则
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return "验证失败"
	}
	parts := make([]string, len(ve.Errors))
	for i, e := range ve.Errors {
		parts[i] = fmt.Sprintf("%s(%s): %s", e.Field, e.Rule, e.Message)
	}
	return "验证失败: " + strings.Join(parts, "; ")
}

// Add 添加验证错误
func (ve *ValidationErrors) Add(field, rule, message string) {
	ve.Errors = append(ve.Errors, ValidationError{Field: field, Rule: rule, Message: message})
}

// HasErrors 检查是否有错误
func (ve *ValidationErrors) HasErrors() bool {
	return ve != nil && len(ve.Errors) > 0
}

// Rules 返回违反的规则名
func (ve *ValidationErrors) Rules() []string {
	rules := make([]string, len(ve.Errors))
	for i, e := range ve.Errors {
		rules[i] = e.Rule
	}
	return rules
}

// Err 无错误时返回 nil，避免 typed-nil 陷阱
func (ve *ValidationErrors) Err() error {
	if !ve.HasErrors() {
		return nil
	}
	return ve
}

// ToAppError 转换为 AppError
func (ve *ValidationErrors) ToAppError() *AppError {
	err := New(CodeValidationFail, "验证失败")
	err.Cause = ve
	err.Fields = make(map[string]interface{})
	for _, e := range ve.Errors {
		if prev, ok := err.Fields[e.Field]; ok {
			err.Fields[e.Field] = fmt.Sprintf("%v; %s", prev, e.Message)
			continue
		}
		err.Fields[e.Field] = e.Message
	}
	return err
}
