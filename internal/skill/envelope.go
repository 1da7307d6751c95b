package skill

import (
	"fmt"

	"github.com/google/uuid"
)

// Request is the uniform envelope for one user-facing interaction. It is
// constructed once at the transport boundary and threaded unchanged through
// dispatch, handlers, and the autonomy engine. Treat it as immutable after
// construction.
type Request struct {
	// CorrelationID uniquely identifies this request. Every log line and the
	// eventual Response echo it.
	CorrelationID string `json:"correlation_id"`

	// UserID is the opaque identifier of the originating user.
	UserID string `json:"user_id"`

	// Intent is the string key naming the operation, e.g. "create_issue".
	Intent string `json:"intent"`

	// Message is the free-text form of the request, when one exists.
	Message string `json:"message,omitempty"`

	// Context carries intent-specific arguments. Handlers validate the fields
	// they need; the dispatcher does not inspect it.
	Context map[string]any `json:"context,omitempty"`
}

// NewRequest builds a Request with a fresh correlation id. The context map is
// copied so later mutation by the caller cannot leak into dispatch.
func NewRequest(userID, intent, message string, context map[string]any) Request {
	return Request{
		CorrelationID: uuid.NewString(),
		UserID:        userID,
		Intent:        intent,
		Message:       message,
		Context:       copyContext(context),
	}
}

// ContextString returns the named context field as a string. The second
// return is false when the field is absent or not a string.
func (r Request) ContextString(key string) (string, bool) {
	v, ok := r.Context[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Response is the uniform reply envelope. Exactly one of the success form
// (Data, optional Message) or the failure form (Error) is populated.
type Response struct {
	CorrelationID string         `json:"correlation_id"`
	Success       bool           `json:"success"`
	Message       string         `json:"message,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Error         *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a failure in terms of the fixed error-kind
// taxonomy plus a human-readable message.
type ResponseError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// SuccessResponse builds the success form of a Response.
func SuccessResponse(correlationID, message string, data map[string]any) Response {
	return Response{
		CorrelationID: correlationID,
		Success:       true,
		Message:       message,
		Data:          data,
	}
}

// ErrorResponse builds the failure form of a Response.
func ErrorResponse(correlationID string, kind ErrorKind, message string) Response {
	return Response{
		CorrelationID: correlationID,
		Success:       false,
		Error:         &ResponseError{Kind: kind, Message: message},
	}
}

// ErrorResponsef is ErrorResponse with Sprintf formatting for the message.
func ErrorResponsef(correlationID string, kind ErrorKind, format string, args ...any) Response {
	return ErrorResponse(correlationID, kind, fmt.Sprintf(format, args...))
}

func copyContext(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
