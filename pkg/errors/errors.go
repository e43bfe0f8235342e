package errors

import "errors"

// Code 下发给客户端的错误码（封闭集合）
type Code string

const (
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeForbidden            Code = "FORBIDDEN"
	CodeBadRequest           Code = "BAD_REQUEST"
	CodeNotFound             Code = "NOT_FOUND"
	CodeConflict             Code = "CONFLICT"
	CodeRateLimit            Code = "RATE_LIMIT"
	CodeTimeout              Code = "TIMEOUT"
	CodeMalformedMessage     Code = "MALFORMED_MESSAGE"
	CodeDuplicateMessage     Code = "DUPLICATE_MESSAGE"
	CodeInternal             Code = "INTERNAL_ERROR"
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
)

// String 返回错误码字符串
func (c Code) String() string {
	return string(c)
}

// Error 领域错误
type Error struct {
	Code    Code   `json:"code"`              // 错误码
	Message string `json:"message"`           // 错误信息
	Details any    `json:"details,omitempty"` // 结构化详情（仅显式抛出的错误可携带）
	Status  int    `json:"-"`                 // 状态族（类 HTTP 状态码）
	Err     error  `json:"-"`                 // 原始错误
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap 实现 errors.Unwrap 接口
func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建新的错误
// status 可选状态族，缺省时按错误码推导
func New(code Code, message string, status ...int) *Error {
	st := statusOf(code)
	if len(status) > 0 {
		st = status[0]
	}
	return &Error{
		Code:    code,
		Status:  st,
		Message: message,
	}
}

// NewStatus 按状态族创建错误，错误码查表得出
func NewStatus(status int, message string) *Error {
	return &Error{
		Code:    FromStatus(status),
		Status:  status,
		Message: message,
	}
}

// Clone 克隆错误（避免修改共享的预定义错误）
func (e *Error) Clone() *Error {
	return &Error{
		Code:    e.Code,
		Status:  e.Status,
		Message: e.Message,
		Details: e.Details,
		Err:     e.Err,
	}
}

// WithError 添加原始错误（返回新实例，不修改原错误）
func (e *Error) WithError(err error) *Error {
	c := e.Clone()
	c.Err = err
	return c
}

// WithMessage 替换错误信息（返回新实例，不修改原错误）
func (e *Error) WithMessage(message string) *Error {
	c := e.Clone()
	c.Message = message
	return c
}

// WithDetails 附加结构化详情（返回新实例，不修改原错误）
func (e *Error) WithDetails(details any) *Error {
	c := e.Clone()
	c.Details = details
	return c
}

// Is 当 target 也是 *Error 时比较 Code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Err, target)
}

// As 转换为指定类型的错误
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is 检查错误是否为指定类型
func Is(err error, target error) bool {
	return errors.Is(err, target)
}

// statusOf 错误码对应的默认状态族
func statusOf(code Code) int {
	switch code {
	case CodeBadRequest, CodeMalformedMessage:
		return 400
	case CodeUnauthorized, CodeAuthenticationFailed:
		return 401
	case CodeForbidden:
		return 403
	case CodeNotFound:
		return 404
	case CodeConflict, CodeDuplicateMessage:
		return 409
	case CodeTimeout:
		return 408
	case CodeRateLimit:
		return 429
	default:
		return 500
	}
}
