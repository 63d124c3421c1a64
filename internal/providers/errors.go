package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorType 错误类型
type ErrorType string

const (
	// 认证/授权错误：凭据缺失、token过期且无法刷新、401
	ErrorTypeAuth ErrorType = "authentication"

	// 瞬时网络/限流错误：429、503、504、连接重置
	ErrorTypeTransient ErrorType = "transient"

	// 协议/解析错误：畸形envelope、缺失UID、非预期JSON
	ErrorTypeProtocol ErrorType = "protocol"

	// 存储错误：数据库、磁盘、附件写权限
	ErrorTypeStorage ErrorType = "storage"

	// 未知错误
	ErrorTypeUnknown ErrorType = "unknown"
)

// 提供商通用哨兵错误
var (
	ErrNativeSendUnsupported = errors.New("provider does not support native send")
	ErrNotConnected          = errors.New("provider not connected")
	ErrTokenExpired          = errors.New("oauth2 token expired and refresh failed")
)

// ProviderError 提供商错误，携带分类与可重试标记
type ProviderError struct {
	Type      ErrorType
	Provider  string
	Op        string
	ItemID    string // 协议错误时记录问题条目的remote id
	Message   string
	Retryable bool
	Cause     error
}

// Error 实现error接口
func (e *ProviderError) Error() string {
	if e.ItemID != "" {
		return fmt.Sprintf("[%s] %s (%s): %s", e.Provider, e.Op, e.ItemID, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Op, e.Message)
}

// Unwrap 实现errors.Unwrap接口
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// newError 构造提供商错误并按cause分类
func newError(provider, op string, cause error) *ProviderError {
	pe := &ProviderError{
		Provider: provider,
		Op:       op,
		Cause:    cause,
	}
	if cause != nil {
		pe.Message = cause.Error()
	}
	pe.Type, pe.Retryable = classify(cause)
	return pe
}

// newProtocolError 构造携带条目id的协议错误
func newProtocolError(provider, op, itemID string, cause error) *ProviderError {
	pe := newError(provider, op, cause)
	pe.Type = ErrorTypeProtocol
	pe.Retryable = false
	pe.ItemID = itemID
	return pe
}

// newAuthError 构造认证错误
func newAuthError(provider, op string, cause error) *ProviderError {
	pe := newError(provider, op, cause)
	pe.Type = ErrorTypeAuth
	pe.Retryable = false
	return pe
}

// classify 按错误内容分类并判定是否可重试
func classify(err error) (ErrorType, bool) {
	if err == nil {
		return ErrorTypeUnknown, false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTypeTransient, false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTypeTransient, true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "unauthorized", "invalid credentials", "authentication failed", "invalid_grant", "token expired"):
		return ErrorTypeAuth, false
	case containsAny(msg, "429", "too many requests", "rate limit", "503", "504", "service unavailable",
		"connection reset", "connection refused", "broken pipe", "timeout", "temporarily", "eof"):
		return ErrorTypeTransient, true
	case containsAny(msg, "database", "disk", "no space", "permission denied", "read-only"):
		return ErrorTypeStorage, false
	case containsAny(msg, "parse", "unexpected", "malformed", "invalid json", "missing uid"):
		return ErrorTypeProtocol, false
	}
	return ErrorTypeUnknown, false
}

// IsRetryable 检查错误是否值得重试
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	_, retryable := classify(err)
	return retryable
}

// IsAuthError 检查错误是否为认证类错误
func IsAuthError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Type == ErrorTypeAuth
	}
	t, _ := classify(err)
	return t == ErrorTypeAuth
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
