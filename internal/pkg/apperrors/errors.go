// internal/pkg/apperrors/errors.go
package apperrors

import (
	"context"
	"errors"
	"net/http"
)

// Kind 是错误的分类，决定了调用方的处理方式（直接返回、重试、告警）。
type Kind int

const (
	KindUnknown    Kind = iota
	KindValidation      // 入参非法，无副作用，立即拒绝
	KindNotFound        // 引用的商品 / 预占 / Saga 不存在
	KindConflict        // 状态前置条件不满足，例如库存不足、状态非法
	KindProvider        // 支付 / 物流调用失败或超时，可重试
	KindFatal           // 需要人工介入的不一致，不可自动重试
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindProvider:
		return "provider"
	case KindFatal:
		return "fatal_inconsistency"
	default:
		return "unknown"
	}
}

// Error 是带分类的业务错误。包级别的哨兵错误都是 *Error，
// 通过 errors.Is 比较指针，通过 errors.As 取出分类。
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New 创建一个哨兵错误。
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap 给一个底层错误打上分类。
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf 返回错误链上最外层的分类。
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindProvider
	}
	return KindUnknown
}

// IsRetryable 只有远程调用失败（含超时）才值得重试。
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindProvider
}

// HTTPStatus 把分类映射到接口层的状态码。
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
