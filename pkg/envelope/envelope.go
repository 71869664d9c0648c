// Package envelope defines the wire records exchanged between the host and
// the script contexts attached to its frames.
package envelope

import (
	"fmt"
)

const logPrefix = "envelope:envelope"

// ContextID names one isolated script context attached to a frame
// (for example "app://main"). Compared by exact equality.
type ContextID string

// Kind tags what an envelope carries.
type Kind int

const (
	// KindMessage expects exactly one reply.
	KindMessage Kind = iota
	// KindMessageNoReply is fire-and-forget.
	KindMessageNoReply
	// KindReply answers a KindMessage with the same serial.
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "MESSAGE"
	case KindMessageNoReply:
		return "MESSAGE_NO_REPLY"
	case KindReply:
		return "REPLY"
	default:
		return fmt.Sprintf("KIND(%d)", int(k))
	}
}

// WantsReply reports whether the sender is waiting for a reply.
func (k Kind) WantsReply() bool { return k == KindMessage }

// ErrorCode is carried by replies. Only meaningful when Kind is KindReply.
type ErrorCode int

const (
	OK ErrorCode = iota
	// ErrInvalidDestination: the target context or frame could not be resolved.
	ErrInvalidDestination
	// ErrUncaughtException: a handler faulted while processing the message.
	ErrUncaughtException
	// ErrNoHandler: nothing in the bubbling chain matched.
	ErrNoHandler
	// ErrHandlerReportedError: the handler answered with an error.
	ErrHandlerReportedError
	// ErrHandlerDidNotRespond: the message was discarded without an answer,
	// or the sending frame went away while the request was outstanding.
	ErrHandlerDidNotRespond
)

var errorCodeNames = map[ErrorCode]string{
	OK:                      "OK",
	ErrInvalidDestination:   "INVALID_DESTINATION",
	ErrUncaughtException:    "UNCAUGHT_EXCEPTION",
	ErrNoHandler:            "NO_HANDLER",
	ErrHandlerReportedError: "HANDLER_REPORTED_ERROR",
	ErrHandlerDidNotRespond: "HANDLER_DID_NOT_RESPOND",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR(%d)", int(c))
}

// Valid reports whether c is a known code.
func (c ErrorCode) Valid() bool {
	_, ok := errorCodeNames[c]
	return ok
}

// ParseErrorCode maps a code name back to its value.
func ParseErrorCode(name string) (ErrorCode, bool) {
	for code, n := range errorCodeNames {
		if n == name {
			return code, true
		}
	}
	return OK, false
}

// Envelope is one message or reply on the wire.
type Envelope struct {
	Context   ContextID `json:"context"`
	Serial    int64     `json:"serial"`
	Kind      Kind      `json:"kind"`
	MessageID string    `json:"message_id,omitempty"`
	Error     ErrorCode `json:"error"`
	Payload   any       `json:"payload"`
}

// Validate checks the structural invariants of an envelope.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%s - nil envelope", logPrefix)
	}
	switch e.Kind {
	case KindMessage, KindMessageNoReply:
		if e.MessageID == "" {
			return fmt.Errorf("%s - %s without message id", logPrefix, e.Kind)
		}
		if e.Context == "" {
			return fmt.Errorf("%s - %s without context", logPrefix, e.Kind)
		}
	case KindReply:
		if !e.Error.Valid() {
			return fmt.Errorf("%s - reply with unknown error code %d", logPrefix, int(e.Error))
		}
	default:
		return fmt.Errorf("%s - unknown kind %d", logPrefix, int(e.Kind))
	}
	return nil
}

// NewReply builds the reply envelope for a message received on ctx with serial.
func NewReply(ctx ContextID, serial int64, code ErrorCode, payload any) *Envelope {
	return &Envelope{
		Context: ctx,
		Serial:  serial,
		Kind:    KindReply,
		Error:   code,
		Payload: payload,
	}
}
