package common

import (
	"errors"
	"fmt"
)

// AppError 应用级错误结构
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WrapError 包装错误
func WrapError(code, message string, err error) error {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewError 创建新错误
func NewError(code, message string) error {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// FatalError 表示重试耗尽后的失败，调用方必须向上传递，不能吞掉
type FatalError struct {
	AppError
	Attempts int
}

// NewFatalError 创建不可恢复错误
func NewFatalError(code, message string, attempts int, err error) *FatalError {
	return &FatalError{
		AppError: AppError{Code: code, Message: message, Err: err},
		Attempts: attempts,
	}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal after %d attempts: %s", e.Attempts, e.AppError.Error())
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal 判断错误链中是否包含 FatalError
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// CodeOf 返回错误链中第一个 AppError 的错误码
func CodeOf(err error) string {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Code
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// 错误码常量
const (
	ErrCodeGitHubAPI    = "GITHUB_API_ERROR"
	ErrCodeGiteaAPI     = "GITEA_API_ERROR"
	ErrCodeDatabase     = "DATABASE_ERROR"
	ErrCodeMigration    = "MIGRATION_ERROR"
	ErrCodeNotification = "NOTIFICATION_ERROR"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInternal     = "INTERNAL_ERROR"
)
