package response

const (
	CodeOK                  = 0
	CodeBadRequest          = 400
	CodeUnauthorized        = 401
	CodeNotFound            = 404
	CodeUnprocessableEntity = 422
	CodeTooManyRequests     = 429
	CodeInternal            = 500
	CodeNotImplemented      = 501
	CodeBadGateway          = 502
)
