package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 用于统一管理业务错误，包含错误码和错误消息
type AppError struct {
	Code    int    // 错误码
	Message string // 用户可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError // 默认返回服务器错误
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "服务器内部错误"
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 消息提交相关 20000-20999
	CodePayloadTooLarge   = 20001
	CodeInvalidSubmission = 20002

	// 序号相关 21000-21999
	CodeSequenceConflict = 21001
	CodeBusy             = 21002

	// 会话目录相关 22000-22999
	CodeConversationNotFound = 22001
	CodeConversationExists   = 22002
	CodeNotMember            = 22003
	CodeInvalidMembers       = 22004
	CodeUserNotFound         = 22005

	// 历史读取相关 23000-23999
	CodePartialHistory = 23001

	// 连接会话相关 24000-24999
	CodeSessionNotFound = 24001
	CodeSessionClosed   = 24002

	// 系统错误 50000-50999
	CodeServerError        = 50001
	CodeStorageUnavailable = 50002
	CodeStorageFailed      = 50003
	CodeBrokerUnavailable  = 50004
	CodeTooManyRequests    = 50005
)

// ============== 预定义错误 ==============

// 消息提交相关
var (
	ErrPayloadTooLarge   = NewError(CodePayloadTooLarge, "消息内容超出大小限制")
	ErrInvalidSubmission = NewError(CodeInvalidSubmission, "消息参数无效")
)

// 序号相关
var (
	ErrSequenceConflict = NewError(CodeSequenceConflict, "消息序号冲突")
	ErrBusy             = NewError(CodeBusy, "会话写入繁忙，请稍后重试")
)

// 会话目录相关
var (
	ErrConversationNotFound = NewError(CodeConversationNotFound, "会话不存在")
	ErrConversationExists   = NewError(CodeConversationExists, "会话已存在")
	ErrNotMember            = NewError(CodeNotMember, "用户不在该会话中")
	ErrInvalidMembers       = NewError(CodeInvalidMembers, "会话成员列表不合法")
	ErrUserNotFound         = NewError(CodeUserNotFound, "用户不存在")
)

// 历史读取相关
var (
	ErrPartialHistory = NewError(CodePartialHistory, "部分历史消息已被清理")
)

// 连接会话相关
var (
	ErrSessionNotFound = NewError(CodeSessionNotFound, "连接不存在")
	ErrSessionClosed   = NewError(CodeSessionClosed, "连接已关闭")
)

// 系统相关
var (
	ErrServerError        = NewError(CodeServerError, "服务器内部错误")
	ErrStorageUnavailable = NewError(CodeStorageUnavailable, "存储暂时不可用")
	ErrStorageFailed      = NewError(CodeStorageFailed, "存储操作失败")
	ErrBrokerUnavailable  = NewError(CodeBrokerUnavailable, "消息总线不可用")
	ErrTooManyRequests    = NewError(CodeTooManyRequests, "请求过于频繁，请稍后再试")
)
