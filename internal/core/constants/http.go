package constants

const (
	DefaultContentTypeJSON = "application/json"
	ContentTypeJSON        = "application/json"
	ContentTypeText        = "text/plain"

	HeaderContentType   = "Content-Type"
	HeaderAccept        = "Accept"
	HeaderAuthorization = "Authorization"
	HeaderXRequestID    = "X-Request-ID"
	HeaderRetryAfter    = "Retry-After"
)

const (
	ContextRequestIdKey = "request_id" // generated per request, echoed back in the response header
)
