package types

import (
	"errors"
	"strings"
)

// ErrorKind 运行流错误分类
type ErrorKind string

const (
	// ErrorKindTransient 临时连接错误，会自动重试
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindExhausted 重试次数耗尽
	ErrorKindExhausted ErrorKind = "exhausted"
	// ErrorKindProtocol 服务端发来的协议层错误
	ErrorKindProtocol ErrorKind = "protocol"
	// ErrorKindMisuse 调用方误用
	ErrorKindMisuse ErrorKind = "misuse"
	// ErrorKindUnknown 未知错误
	ErrorKindUnknown ErrorKind = "unknown"
)

// KindedError is implemented by errors that know their own kind.
type KindedError interface {
	error
	ErrorKind() ErrorKind
}

// ErrorClassifier 错误分类器接口
type ErrorClassifier interface {
	ClassifyError(err error) ErrorKind
	IsRetryable(err error) bool
}

// SimpleErrorClassifier 简单的错误分类器实现
type SimpleErrorClassifier struct {
	transientPatterns []string
	exhaustedPatterns []string
	protocolPatterns  []string
}

// NewSimpleErrorClassifier 创建简单错误分类器
func NewSimpleErrorClassifier() *SimpleErrorClassifier {
	return &SimpleErrorClassifier{
		transientPatterns: []string{
			"connection refused", "connection reset", "broken pipe",
			"timeout", "timed out", "deadline exceeded", "eof",
			"no such host", "network is unreachable", "bad handshake",
			"transport close", "transport error", "ping timeout",
		},
		exhaustedPatterns: []string{
			"reconnect failed", "attempts exhausted",
		},
		protocolPatterns: []string{
			"malformed", "invalid packet", "parse error", "unexpected event",
			"unsupported packet", "server error",
		},
	}
}

// ClassifyError 分类错误
// 错误自带分类时优先使用，否则按错误消息匹配
func (c *SimpleErrorClassifier) ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindUnknown
	}

	var kinded KindedError
	if errors.As(err, &kinded) {
		return kinded.ErrorKind()
	}

	errMsg := strings.ToLower(err.Error())

	if c.matchesAny(errMsg, c.exhaustedPatterns) {
		return ErrorKindExhausted
	}
	if c.matchesAny(errMsg, c.protocolPatterns) {
		return ErrorKindProtocol
	}
	if c.matchesAny(errMsg, c.transientPatterns) {
		return ErrorKindTransient
	}

	return ErrorKindUnknown
}

// IsRetryable 检查错误是否会被传输层自动重试
func (c *SimpleErrorClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return c.ClassifyError(err) == ErrorKindTransient
}

// matchesAny 检查错误消息是否匹配任何模式
func (c *SimpleErrorClassifier) matchesAny(errMsg string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}
	return false
}

var defaultClassifier = NewSimpleErrorClassifier()

// ClassifyError 使用默认分类器分类错误
func ClassifyError(err error) ErrorKind {
	return defaultClassifier.ClassifyError(err)
}
