package response

import "errors"

// AppError 统一错误包装
type AppError struct {
	Code    int
	Message string
	Data    interface{}
	Err     error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WrapError 包装错误
func WrapError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithData 附加错误数据
func (e *AppError) WithData(data interface{}) *AppError {
	e.Data = data
	return e
}

// AsAppError 提取 AppError，非 AppError 视为内部错误
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return WrapError(CodeInternal, "internal error", err)
}
