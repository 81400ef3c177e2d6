package apperr

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

// Kind 错误分类，决定调用方的处理策略
type Kind string

const (
	KindFatal     Kind = "fatal"     // 致命：立即中止本次运行（认证失败、存储不可用、重试耗尽）
	KindTransient Kind = "transient" // 可重试：超时、限流、5xx
	KindMalformed Kind = "malformed" // 响应格式错误：跳过当前窗口
	KindRecord    Kind = "record"    // 单条记录数据问题：记录后继续
)

// Error 带分类与上下文的应用错误
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Internal error
	Fields   map[string]interface{}
	Source   string
}

func (e *Error) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Internal
}

// Is 同Kind同Code即视为同一错误，便于 errors.Is(err, ErrAuthFailed)
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind && e.Code == t.Code
	}
	return false
}

// WithField 追加日志上下文
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// New 创建新错误，记录调用位置
func New(kind Kind, code, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Source:  caller(),
	}
}

// Wrap 包装底层错误
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{
		Kind:     kind,
		Code:     code,
		Message:  message,
		Internal: err,
		Source:   caller(),
	}
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// KindOf 返回错误链上第一个 *Error 的分类；context 取消视为致命
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	return ""
}

func IsTransient(err error) bool { return KindOf(err) == KindTransient }

func IsMalformed(err error) bool { return KindOf(err) == KindMalformed }

// IsFatal 未分类的错误一律按致命处理
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == KindFatal || k == ""
}

// 预定义错误
var (
	ErrAuthFailed       = New(KindFatal, "auth_failed", "Tandem Source 认证失败")
	ErrRateLimited      = New(KindTransient, "rate_limited", "请求被限流")
	ErrUpstreamTimeout  = New(KindTransient, "timeout", "上游请求超时")
	ErrUpstreamFailure  = New(KindTransient, "upstream_5xx", "上游服务错误")
	ErrMalformedPayload = New(KindMalformed, "malformed_payload", "响应无法解析")
	ErrRetriesExhausted = New(KindFatal, "retries_exhausted", "重试次数耗尽")
	ErrStorage          = New(KindFatal, "storage", "存储不可用")
)

// ErrRunInProgress 已有流水线在运行
var ErrRunInProgress = errors.New("pipeline run already in progress")

// DatabaseNotFoundError 只读模式下数据库文件不存在
type DatabaseNotFoundError struct {
	Path string
}

func (e *DatabaseNotFoundError) Error() string {
	return fmt.Sprintf("database not found at %s; run 'tandemsync run' to fetch data first", e.Path)
}

// ErrDatabaseNotFound 供 errors.Is 判断
var ErrDatabaseNotFound = errors.New("database not found")

func (e *DatabaseNotFoundError) Is(target error) bool {
	return target == ErrDatabaseNotFound
}
