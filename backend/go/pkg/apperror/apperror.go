// Package apperror 定义了任务编排使用的错误分类。
// 服务层返回 *Error，HTTP 层通过 HTTPStatus 映射状态码。
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 是错误类别
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation 提交或重试的输入不合法，在任何状态变更之前拒绝
	KindValidation
	// KindNotFound 任务 id 不存在
	KindNotFound
	// KindConflict 当前状态不允许该操作
	KindConflict
	// KindDependency 存储或队列不可达
	KindDependency
	// KindExecution 自动化能力本身执行失败
	KindExecution
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDependency:
		return "dependency_error"
	case KindExecution:
		return "execution_error"
	default:
		return "internal_error"
	}
}

// Error 携带类别、操作名和可展示给客户端的消息。
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Public 返回给客户端的消息，不含操作名。
func (e *Error) Public() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func newError(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...interface{}) *Error {
	return newError(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...interface{}) *Error {
	return newError(KindNotFound, op, format, args...)
}

func Conflict(op, format string, args ...interface{}) *Error {
	return newError(KindConflict, op, format, args...)
}

// Dependency 包装存储或队列返回的底层错误
func Dependency(op, message string, err error) *Error {
	return &Error{Kind: KindDependency, Op: op, Message: message, Err: err}
}

func Execution(op, message string, err error) *Error {
	return &Error{Kind: KindExecution, Op: op, Message: message, Err: err}
}

// KindOf 返回错误链上第一个 *Error 的类别。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is 判断错误是否属于某个类别
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage 返回可展示给客户端的消息
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Public()
	}
	return "internal server error"
}

// HTTPStatus 将错误类别映射为 HTTP 状态码。
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
