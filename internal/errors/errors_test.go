package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ErrorsTestSuite 错误包测试套件
type ErrorsTestSuite struct {
	suite.Suite
}

// 测试创建新错误
func (suite *ErrorsTestSuite) TestNew() {
	err := New(ErrInvalidParam)
	suite.NotNil(err)
	suite.Equal(ErrInvalidParam, err.Code)
	suite.Equal("无效的参数", err.Message)
	suite.Empty(err.Details)

	err = New(ErrDeviceNotFound, "扫描了3个串口")
	suite.Equal("未找到纸币器", err.Message)
	suite.Equal("扫描了3个串口", err.Details)

	err = New(ErrSerialPortOpen, "打开失败", "端口: /dev/ttyUSB0", "波特率: 9600")
	suite.Equal("打开失败; 端口: /dev/ttyUSB0; 波特率: 9600", err.Details)
}

// 测试格式化错误创建
func (suite *ErrorsTestSuite) TestNewf() {
	err := Newf(ErrNoResponse, "端口 %s 在 %dms 内无响应", "COM3", 3000)
	suite.Equal(ErrNoResponse, err.Code)
	suite.Equal("端口 COM3 在 3000ms 内无响应", err.Details)
}

// 测试错误包装
func (suite *ErrorsTestSuite) TestWrap() {
	originalErr := errors.New("permission denied")
	wrappedErr := Wrap(originalErr, ErrPortBusy)
	suite.NotNil(wrappedErr)
	suite.Equal(ErrPortBusy, wrappedErr.Code)
	suite.Equal("permission denied", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)

	suite.Nil(Wrap(nil, ErrUnknown))

	// 包装已有的AppError保留原始错误码
	appErr := New(ErrNotConnected, "未连接")
	wrappedAppErr := Wrap(appErr, ErrInvalidParam, "额外信息")
	suite.Equal(ErrNotConnected, wrappedAppErr.Code)
	suite.Contains(wrappedAppErr.Details, "额外信息")
}

// 测试格式化错误包装
func (suite *ErrorsTestSuite) TestWrapf() {
	originalErr := errors.New("no such file or directory")
	wrappedErr := Wrapf(originalErr, ErrSerialPortOpen, "打开 %s 失败", "/dev/ttyUSB9")
	suite.Equal(ErrSerialPortOpen, wrappedErr.Code)
	suite.Equal("打开 /dev/ttyUSB9 失败", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)
}

// 测试错误码判断（含fmt包装链）
func (suite *ErrorsTestSuite) TestIs() {
	err := New(ErrNoResponse)
	suite.True(Is(err, ErrNoResponse))
	suite.False(Is(err, ErrChecksum))
	suite.False(Is(nil, ErrNoResponse))

	chained := fmt.Errorf("status poll: %w", err)
	suite.True(Is(chained, ErrNoResponse))
	suite.Equal(ErrNoResponse, GetCode(chained))

	suite.False(Is(errors.New("标准错误"), ErrUnknown))
}

// 测试获取错误码
func (suite *ErrorsTestSuite) TestGetCode() {
	suite.Equal(ErrTokenExpired, GetCode(New(ErrTokenExpired)))
	suite.Equal(ErrUnknown, GetCode(errors.New("标准错误")))
	suite.Equal(ErrorCode(0), GetCode(nil))
}

// 测试错误消息
func (suite *ErrorsTestSuite) TestError() {
	err := &AppError{
		Code:    ErrNotConnected,
		Message: "纸币器未连接",
	}
	suite.Equal("[3010] 纸币器未连接", err.Error())

	err.Details = "port=COM6"
	suite.Equal("[3010] 纸币器未连接: port=COM6", err.Error())
}

// 测试Unwrap
func (suite *ErrorsTestSuite) TestUnwrap() {
	originalErr := errors.New("原始错误")
	wrappedErr := Wrap(originalErr, ErrUnknown)
	suite.Equal(originalErr, wrappedErr.Unwrap())
	suite.True(errors.Is(wrappedErr, originalErr))

	suite.Nil(New(ErrUnknown).Unwrap())
}

// 测试HTTP状态码映射
func (suite *ErrorsTestSuite) TestHTTPStatus() {
	testCases := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrInvalidParam, 400},
		{ErrDeviceNotFound, 404},
		{ErrAuthorization, 403},
		{ErrNotFound, 404},
		{ErrNoResponse, 504},
		{ErrTokenInvalid, 401},
		{ErrAlreadyConnected, 409},
		{ErrPortBusy, 409},
		{ErrSerialPortOpen, 500},
		{ErrUnknown, 500},
	}

	for _, tc := range testCases {
		err := New(tc.code)
		suite.Equal(tc.expected, err.HTTPStatus(), "错误码 %d 应该返回HTTP状态码 %d", tc.code, tc.expected)
	}
}

// 测试可重试判断
func (suite *ErrorsTestSuite) TestIsRetryable() {
	retryable := []ErrorCode{
		ErrTimeout, ErrSerialTimeout, ErrNoResponse, ErrFrameInvalid,
		ErrChecksum, ErrDeviceOffline, ErrPortBusy, ErrMQTTConnect,
	}
	for _, code := range retryable {
		suite.True(IsRetryable(New(code)), "错误码 %d 应该是可重试的", code)
	}
	for _, code := range []ErrorCode{ErrInvalidParam, ErrDeviceNotFound, ErrSerialPortOpen, ErrSerialPortRead, ErrPortClosed} {
		suite.False(IsRetryable(New(code)), "错误码 %d 不应该是可重试的", code)
	}
	suite.False(IsRetryable(nil))

	// fmt包装链同样识别
	suite.True(IsRetryable(fmt.Errorf("poll: %w", New(ErrNoResponse))))
}

// 测试错误响应
func (suite *ErrorsTestSuite) TestErrorResponse() {
	err := New(ErrNotConnected)
	response := NewErrorResponse(err, "req-123")

	suite.False(response.Success)
	suite.Equal(err, response.Error)
	suite.Equal("req-123", response.RequestID)
	suite.Greater(response.Timestamp, int64(0))
}

// 测试未知错误码
func (suite *ErrorsTestSuite) TestUnknownErrorCode() {
	err := New(ErrorCode(99999))
	suite.Equal(ErrorCode(99999), err.Code)
	suite.Equal("未知错误", err.Message)
}

// 测试串口相关错误消息
func (suite *ErrorsTestSuite) TestSerialErrors() {
	serialErrors := map[ErrorCode]string{
		ErrSerialPortOpen:  "串口打开失败",
		ErrSerialPortWrite: "串口写入失败",
		ErrSerialPortRead:  "串口读取失败",
		ErrSerialTimeout:   "串口通信超时",
		ErrDeviceNotFound:  "未找到纸币器",
		ErrPortBusy:        "串口被其他程序占用",
		ErrNoResponse:      "设备无响应",
		ErrFrameInvalid:    "无效的数据帧",
		ErrChecksum:        "校验失败",
	}

	for code, expectedMsg := range serialErrors {
		suite.Equal(expectedMsg, New(code).Message)
	}
}

func TestErrorsSuite(t *testing.T) {
	suite.Run(t, new(ErrorsTestSuite))
}
