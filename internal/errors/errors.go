package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown      ErrorCode = 1000
	ErrInvalidParam ErrorCode = 1001
	ErrNotFound     ErrorCode = 1002
	ErrTimeout      ErrorCode = 1005
	ErrCanceled     ErrorCode = 1006

	// 串口/设备错误 (3000-3999)
	ErrSerialPortOpen   ErrorCode = 3000
	ErrSerialPortWrite  ErrorCode = 3001
	ErrSerialPortRead   ErrorCode = 3002
	ErrSerialTimeout    ErrorCode = 3003
	ErrDeviceOffline    ErrorCode = 3004
	ErrDeviceNotFound   ErrorCode = 3008
	ErrPortBusy         ErrorCode = 3009
	ErrNotConnected     ErrorCode = 3010
	ErrAlreadyConnected ErrorCode = 3011
	ErrNoResponse       ErrorCode = 3012
	ErrFrameInvalid     ErrorCode = 3013
	ErrChecksum         ErrorCode = 3014
	ErrPortClosed       ErrorCode = 3015

	// 通信错误 (4000-4999)
	ErrMQTTConnect   ErrorCode = 4004
	ErrMQTTPublish   ErrorCode = 4005
	ErrMQTTSubscribe ErrorCode = 4006
	ErrMessageFormat ErrorCode = 4007

	// 配置错误 (6000-6999)
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigParse    ErrorCode = 6001
	ErrConfigValidate ErrorCode = 6002

	// 安全错误 (7000-7999)
	ErrAuthentication ErrorCode = 7000
	ErrAuthorization  ErrorCode = 7001
	ErrTokenExpired   ErrorCode = 7002
	ErrTokenInvalid   ErrorCode = 7003
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	// 通用错误
	ErrUnknown:      "未知错误",
	ErrInvalidParam: "无效的参数",
	ErrNotFound:     "接口不存在",
	ErrTimeout:      "操作超时",
	ErrCanceled:     "操作已取消",

	// 串口/设备错误
	ErrSerialPortOpen:   "串口打开失败",
	ErrSerialPortWrite:  "串口写入失败",
	ErrSerialPortRead:   "串口读取失败",
	ErrSerialTimeout:    "串口通信超时",
	ErrDeviceOffline:    "设备离线",
	ErrDeviceNotFound:   "未找到纸币器",
	ErrPortBusy:         "串口被其他程序占用",
	ErrNotConnected:     "纸币器未连接",
	ErrAlreadyConnected: "纸币器已连接",
	ErrNoResponse:       "设备无响应",
	ErrFrameInvalid:     "无效的数据帧",
	ErrChecksum:         "校验失败",
	ErrPortClosed:       "串口已关闭",

	// 通信错误
	ErrMQTTConnect:   "MQTT连接失败",
	ErrMQTTPublish:   "MQTT发布失败",
	ErrMQTTSubscribe: "MQTT订阅失败",
	ErrMessageFormat: "消息格式错误",

	// 配置错误
	ErrConfigLoad:     "配置加载失败",
	ErrConfigParse:    "配置解析失败",
	ErrConfigValidate: "配置验证失败",

	// 安全错误
	ErrAuthentication: "缺少认证令牌",
	ErrAuthorization:  "权限不足",
	ErrTokenExpired:   "令牌已过期",
	ErrTokenInvalid:   "无效的令牌",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode `json:"code"`    // 错误码
	Message string    `json:"message"` // 错误消息
	Details string    `json:"details"` // 详细信息
	Cause   error     `json:"-"`       // 原始错误
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return New(code, details)
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，保留原始错误码
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr = New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return Wrap(err, code, details)
}

// Is 判断错误是否为指定错误码
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}

	return ErrUnknown
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrInvalidParam, ErrMessageFormat:
		return 400 // Bad Request
	case ErrNotFound, ErrDeviceNotFound:
		return 404 // Not Found
	case ErrAuthorization:
		return 403 // Forbidden
	case ErrTimeout, ErrSerialTimeout, ErrNoResponse:
		return 504 // Gateway Timeout
	case ErrAuthentication, ErrTokenExpired, ErrTokenInvalid:
		return 401 // Unauthorized
	case ErrAlreadyConnected, ErrPortBusy, ErrNotConnected:
		return 409 // Conflict
	default:
		return 500 // Internal Server Error
	}
}

// IsRetryable 判断错误是否可重试：超时、无应答、坏帧以及设备暂时离线或被占用
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch GetCode(err) {
	case ErrTimeout,
		ErrSerialTimeout,
		ErrNoResponse,
		ErrFrameInvalid,
		ErrChecksum,
		ErrDeviceOffline,
		ErrPortBusy,
		ErrMQTTConnect:
		return true
	default:
		return false
	}
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     *AppError `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *AppError, requestID string) *ErrorResponse {
	return &ErrorResponse{
		Success:   false,
		Error:     err,
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
	}
}
