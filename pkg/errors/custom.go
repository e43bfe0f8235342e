package errors

/*
	内置常用错误
*/

var (
	// ErrInternal 服务器错误（对客户端的唯一兜底信息）
	ErrInternal = New(CodeInternal, "internal server error")
	// ErrBadRequest 客户端请求错误
	ErrBadRequest = New(CodeBadRequest, "bad request")
	// ErrUnauthorized 未授权
	ErrUnauthorized = New(CodeUnauthorized, "authentication required")
	// ErrForbidden 禁止访问
	ErrForbidden = New(CodeForbidden, "forbidden")
	// ErrNotFound 资源不存在
	ErrNotFound = New(CodeNotFound, "not found")
	// ErrConflict 资源冲突
	ErrConflict = New(CodeConflict, "conflict")
	// ErrRateLimited 触发限流
	ErrRateLimited = New(CodeRateLimit, "rate limit exceeded")
	// ErrTimeout 处理超时
	ErrTimeout = New(CodeTimeout, "request timed out")
	// ErrMalformed 消息格式或校验失败
	ErrMalformed = New(CodeMalformedMessage, "malformed message")
	// ErrDuplicate 重复消息
	ErrDuplicate = New(CodeDuplicateMessage, "duplicate message")
	// ErrAuthFailed 握手认证失败
	ErrAuthFailed = New(CodeAuthenticationFailed, "authentication failed")
)

// statusTable 状态族到错误码的固定映射
var statusTable = map[int]Code{
	400: CodeBadRequest,
	401: CodeUnauthorized,
	403: CodeForbidden,
	404: CodeNotFound,
	409: CodeConflict,
	429: CodeRateLimit,
}

// FromStatus 按状态族查表，未知状态一律视为内部错误
func FromStatus(status int) Code {
	if code, ok := statusTable[status]; ok {
		return code
	}
	return CodeInternal
}

// StatusCoder 只携带状态族的外部错误（例如存储层错误）
type StatusCoder interface {
	StatusCode() int
}

// Sanitize 将任意错误折叠为可下发的 *Error
// expected 为 true 表示属于预期的业务分支，否则为基础设施/编程错误
func Sanitize(err error) (out *Error, expected bool) {
	if err == nil {
		return nil, true
	}

	var e *Error
	if As(err, &e) {
		if e.Code == CodeInternal || !knownCode(e.Code) {
			return ErrInternal.Clone(), false
		}
		return &Error{Code: e.Code, Status: e.Status, Message: e.Message, Details: e.Details}, Expected(e.Code)
	}

	var sc StatusCoder
	if As(err, &sc) {
		code := FromStatus(sc.StatusCode())
		if code != CodeInternal {
			return New(code, defaultMessage(code), sc.StatusCode()), true
		}
	}

	return ErrInternal.Clone(), false
}

// Expected 判断错误码是否属于预期控制流（仅 debug 级别记录）
func Expected(code Code) bool {
	switch code {
	case CodeInternal:
		return false
	default:
		return knownCode(code)
	}
}

// knownCode 错误码是否在封闭集合内
func knownCode(code Code) bool {
	switch code {
	case CodeUnauthorized, CodeForbidden, CodeBadRequest, CodeNotFound, CodeConflict,
		CodeRateLimit, CodeTimeout, CodeMalformedMessage, CodeDuplicateMessage,
		CodeInternal, CodeAuthenticationFailed:
		return true
	}
	return false
}

// defaultMessage 错误码对应的通用信息
func defaultMessage(code Code) string {
	switch code {
	case CodeBadRequest:
		return ErrBadRequest.Message
	case CodeUnauthorized:
		return ErrUnauthorized.Message
	case CodeForbidden:
		return ErrForbidden.Message
	case CodeNotFound:
		return ErrNotFound.Message
	case CodeConflict:
		return ErrConflict.Message
	case CodeRateLimit:
		return ErrRateLimited.Message
	default:
		return ErrInternal.Message
	}
}
