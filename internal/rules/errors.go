package rules

import (
	"errors"
	"fmt"
	"time"
)

// ErrRuleNotFound 规则不存在
var ErrRuleNotFound = errors.New("规则不存在")

// ErrorType 错误类型
type ErrorType string

const (
	ErrorTypeRule       ErrorType = "rule"
	ErrorTypeCondition  ErrorType = "condition"
	ErrorTypeQuery      ErrorType = "query"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeSystem     ErrorType = "system"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// ErrorLevel 错误级别
type ErrorLevel string

const (
	ErrorLevelWarning  ErrorLevel = "warning"
	ErrorLevelError    ErrorLevel = "error"
	ErrorLevelCritical ErrorLevel = "critical"
)

// RuleError 规则引擎专用错误
type RuleError struct {
	Type      ErrorType              `json:"type"`
	Level     ErrorLevel             `json:"level"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Retryable bool                   `json:"retryable"`
	Cause     error                  `json:"-"`
}

// Error 实现error接口
func (e *RuleError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Type, e.Level, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap 支持错误链
func (e *RuleError) Unwrap() error {
	return e.Cause
}

// NewRuleError 创建规则错误
func NewRuleError(errorType ErrorType, level ErrorLevel, code, message string) *RuleError {
	return &RuleError{
		Type:      errorType,
		Level:     level,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WithDetails 添加详细信息
func (e *RuleError) WithDetails(details string) *RuleError {
	e.Details = details
	return e
}

// WithContext 添加上下文信息
func (e *RuleError) WithContext(key string, value interface{}) *RuleError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause 添加原因错误
func (e *RuleError) WithCause(cause error) *RuleError {
	e.Cause = cause
	return e
}

// SetRetryable 设置是否可重试
func (e *RuleError) SetRetryable(retryable bool) *RuleError {
	e.Retryable = retryable
	return e
}

// NewConditionError 创建条件评估错误
func NewConditionError(code, message string, cause error) *RuleError {
	return NewRuleError(ErrorTypeCondition, ErrorLevelError, code, message).
		WithCause(cause).
		SetRetryable(false)
}

// NewValidationError 创建验证错误
func NewValidationError(code, message string) *RuleError {
	return NewRuleError(ErrorTypeValidation, ErrorLevelError, code, message).
		SetRetryable(false)
}

// NewQueryError 创建日志查询错误，下一个tick自然重试
func NewQueryError(code, message string, cause error) *RuleError {
	return NewRuleError(ErrorTypeQuery, ErrorLevelWarning, code, message).
		WithCause(cause).
		SetRetryable(true)
}

// NewTimeoutError 创建超时错误，下一个tick自然重试
func NewTimeoutError(code, message string, cause error) *RuleError {
	return NewRuleError(ErrorTypeTimeout, ErrorLevelWarning, code, message).
		WithCause(cause).
		SetRetryable(true)
}

// NewSystemError 创建系统错误
func NewSystemError(code, message string, cause error) *RuleError {
	return NewRuleError(ErrorTypeSystem, ErrorLevelCritical, code, message).
		WithCause(cause).
		SetRetryable(true)
}

// 错误码常量
const (
	ErrCodeConditionOperator    = "COND_OPERATOR"
	ErrCodeConditionAggregation = "COND_AGGREGATION"

	ErrCodeQueryFailed  = "QUERY_FAILED"
	ErrCodeQueryTimeout = "QUERY_TIMEOUT"

	ErrCodeRuleLoad     = "RULE_LOAD"
	ErrCodeRuleParse    = "RULE_PARSE"
	ErrCodeRuleValidate = "RULE_VALIDATE"
	ErrCodeRulePanic    = "RULE_PANIC"

	ErrCodeAlertCreate = "ALERT_CREATE"
)

// IsRetryableError 检查错误是否可重试
func IsRetryableError(err error) bool {
	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		return ruleErr.Retryable
	}
	return false
}

// GetErrorType 获取错误类型
func GetErrorType(err error) ErrorType {
	var ruleErr *RuleError
	if errors.As(err, &ruleErr) {
		return ruleErr.Type
	}
	return ErrorTypeSystem
}
