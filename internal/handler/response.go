// Package handler 提供API处理器
package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	apperrors "github.com/paiban/carecover/pkg/errors"
	"github.com/paiban/carecover/pkg/logger"
)

// APIResponse 统一响应结构
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError 错误响应体
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details string                 `json:"details,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// respondJSON 返回成功响应
func respondJSON(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, APIResponse{Success: true, Data: data})
}

// bind 解析请求体，失败时返回 INVALID_INPUT
func bind(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return apperrors.Wrap(err, apperrors.CodeInvalidInput, "请求格式错误")
	}
	return nil
}

// ErrorHandler 将错误统一写为 {success:false, error}
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, body := toAPIError(err)
	if status >= http.StatusInternalServerError {
		logger.WithContext(c.Request().Context()).Error().
			Err(err).
			Str("path", c.Request().URL.Path).
			Msg("请求处理失败")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, APIResponse{Success: false, Error: body})
	}
	if err != nil {
		logger.Error().Err(err).Msg("写出错误响应失败")
	}
}

func toAPIError(err error) (int, *APIError) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return he.Code, &APIError{Code: httpCode(he.Code), Message: msg}
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		var ve *apperrors.ValidationErrors
		if errors.As(err, &ve) {
			appErr = ve.ToAppError()
		}
	}
	if appErr != nil {
		return appErr.HTTPStatus, &APIError{
			Code:    string(appErr.Code),
			Message: appErr.Message,
			Details: appErr.Details,
			Fields:  appErr.Fields,
		}
	}

	return http.StatusInternalServerError, &APIError{
		Code:    string(apperrors.CodeInternal),
		Message: "服务器内部错误",
	}
}

func httpCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return string(apperrors.CodeNotFound)
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		return string(apperrors.CodeInvalidInput)
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	default:
		return string(apperrors.CodeInternal)
	}
}
