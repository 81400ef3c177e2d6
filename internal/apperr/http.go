package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// FromHTTPStatus 按状态码分类上游响应；2xx/3xx 返回 nil
func FromHTTPStatus(status int, url string) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Wrap(fmt.Errorf("status %d from %s", status, url), KindFatal, ErrAuthFailed.Code, ErrAuthFailed.Message)
	case status == http.StatusTooManyRequests:
		return Wrap(fmt.Errorf("status %d from %s", status, url), KindTransient, ErrRateLimited.Code, ErrRateLimited.Message)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Wrap(fmt.Errorf("status %d from %s", status, url), KindTransient, ErrUpstreamTimeout.Code, ErrUpstreamTimeout.Message)
	case status >= 500:
		return Wrap(fmt.Errorf("status %d from %s", status, url), KindTransient, ErrUpstreamFailure.Code, ErrUpstreamFailure.Message)
	default:
		return Wrap(fmt.Errorf("status %d from %s", status, url), KindFatal, "http_status", "上游返回非预期状态码")
	}
}

// FromTransport 分类网络层错误：超时、连接被拒/重置视为可重试
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(err, KindFatal, "canceled", "请求被取消")
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Wrap(err, KindTransient, ErrUpstreamTimeout.Code, ErrUpstreamTimeout.Message)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed) {
		return Wrap(err, KindTransient, "connection", "连接失败")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Wrap(err, KindTransient, "connection", "连接失败")
	}
	return Wrap(err, KindFatal, "transport", "请求失败")
}
