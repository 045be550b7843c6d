package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind int

const (
	KindUnknown Kind = iota
	KindNotAuthenticated
	KindNotFound
	KindInvalidState
	KindDuplicateRequest
	KindAlreadyFriends
	KindBlocked
	KindTransient
	KindPartialFailure
)

func (k Kind) String() string {
	switch k {
	case KindNotAuthenticated:
		return "NotAuthenticated"
	case KindNotFound:
		return "NotFound"
	case KindInvalidState:
		return "InvalidState"
	case KindDuplicateRequest:
		return "DuplicateRequest"
	case KindAlreadyFriends:
		return "AlreadyFriends"
	case KindBlocked:
		return "Blocked"
	case KindTransient:
		return "Transient"
	case KindPartialFailure:
		return "PartialFailure"
	default:
		return "Unknown"
	}
}

// AppError 应用错误类型
// Message 是可直接展示给用户的稳定文案，Err 保留原始错误用于排查
type AppError struct {
	Code    int
	Kind    Kind
	Message string
	Err     error
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

// Is 让 errors.Is 按错误码比较
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewError 创建新错误
func NewError(code int, kind Kind, message string) *AppError {
	return &AppError{
		Code:    code,
		Kind:    kind,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Kind:    e.Kind,
		Message: e.Message,
		Err:     err,
	}
}

// WithMessage 替换用户可见文案，保留错误码
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:    e.Code,
		Kind:    e.Kind,
		Message: message,
		Err:     e.Err,
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

// KindOf 获取错误分类，非 AppError 视为 Transient
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindTransient
}

// GetCode 获取错误码，如果不是 AppError 返回 Transient 错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeTransient
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return ErrTransient.Message
}

// Retryable 只有 Transient 可由调用方重试
func Retryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// ============== 错误码定义 ==============

const (
	// 认证相关 10000-10999
	CodeNotAuthenticated = 10001

	// 实体状态 11000-11999
	CodeNotFound     = 11001
	CodeInvalidState = 11002

	// 好友相关 12000-12999
	CodeDuplicateRequest = 12001
	CodeAlreadyFriends   = 12002
	CodeBlocked          = 12003

	// 系统错误 50000-50999
	CodeTransient      = 50001
	CodePartialFailure = 50002
)

// ============== 预定义错误 ==============

var (
	ErrNotAuthenticated = NewError(CodeNotAuthenticated, KindNotAuthenticated, "Not authenticated")

	ErrNotFound     = NewError(CodeNotFound, KindNotFound, "The requested item no longer exists")
	ErrInvalidState = NewError(CodeInvalidState, KindInvalidState, "This action is not available right now")

	ErrDuplicateRequest = NewError(CodeDuplicateRequest, KindDuplicateRequest, "You already sent a friend request to this user")
	ErrAlreadyFriends   = NewError(CodeAlreadyFriends, KindAlreadyFriends, "You are already friends with this user")
	ErrBlocked          = NewError(CodeBlocked, KindBlocked, "Cannot send friend request to this user")

	ErrTransient      = NewError(CodeTransient, KindTransient, "Something went wrong, please try again")
	ErrPartialFailure = NewError(CodePartialFailure, KindPartialFailure, "The action was only partly completed")
)

// Transient 把后端错误归类为可重试错误，已是 AppError 的保持原样
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	return ErrTransient.Wrap(err)
}

// Partial 多步写入只完成了部分步骤，step 标明失败的那一步
func Partial(step string, err error) *AppError {
	return ErrPartialFailure.Wrap(fmt.Errorf("%s: %w", step, err))
}
