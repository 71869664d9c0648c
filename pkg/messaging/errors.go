package messaging

import (
	"errors"
	"fmt"

	"github.com/morezero/framebus/pkg/envelope"
)

var (
	// ErrFrameDestroyed is returned when sending from, or registering on, a
	// frame that is being torn down or is already gone.
	ErrFrameDestroyed = errors.New("frame destroyed")
	// ErrSendFailed is returned when the transport refused an envelope.
	ErrSendFailed = errors.New("send failed")
	// ErrInvalidMessage is returned for envelopes that cannot be built
	// (empty message id or context, unserializable payload).
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownFrame   = errors.New("unknown frame")
	ErrDuplicateFrame = errors.New("duplicate frame")
	ErrViewClosed     = errors.New("view closed")
)

// HandlerError lets a handler choose the error code and payload of its reply.
type HandlerError struct {
	Code    envelope.ErrorCode
	Payload any
}

// NewHandlerError reports an error with HANDLER_REPORTED_ERROR.
func NewHandlerError(payload any) *HandlerError {
	return &HandlerError{Code: envelope.ErrHandlerReportedError, Payload: payload}
}

// NewHandlerErrorCode reports an error with an explicit code. OK is coerced
// to HANDLER_REPORTED_ERROR.
func NewHandlerErrorCode(code envelope.ErrorCode, payload any) *HandlerError {
	if code == envelope.OK {
		code = envelope.ErrHandlerReportedError
	}
	return &HandlerError{Code: code, Payload: payload}
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler error %s: %v", e.Code, e.Payload)
}

// errorReply turns a handler's returned error into reply code and payload.
func errorReply(err error) (envelope.ErrorCode, any) {
	var herr *HandlerError
	if errors.As(err, &herr) {
		code := herr.Code
		if code == envelope.OK {
			code = envelope.ErrHandlerReportedError
		}
		return code, herr.Payload
	}
	return envelope.ErrHandlerReportedError, map[string]any{"message": err.Error()}
}
