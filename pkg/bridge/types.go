// Package bridge registers host handlers declared in a YAML manifest. A
// handler either answers with a fixed reply or forwards the message to a
// COMMS subject and answers with whatever the service there returns.
package bridge

import (
	"fmt"
	"time"

	"github.com/morezero/framebus/pkg/envelope"
)

// Manifest is the root of a bridge manifest file.
type Manifest struct {
	Name     string        `yaml:"name"`
	Version  string        `yaml:"version,omitempty"`
	Handlers []HandlerSpec `yaml:"handlers"`
}

// HandlerSpec declares one handler. Exactly one of Reply and Subject is set.
type HandlerSpec struct {
	MessageID string   `yaml:"messageId"`
	Contexts  []string `yaml:"contexts"`
	// Frame attaches the handler to a frame instead of the view. The frame
	// must exist when the manifest is attached.
	Frame   uint64        `yaml:"frame,omitempty"`
	Reply   any           `yaml:"reply,omitempty"`
	Subject string        `yaml:"subject,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ContextIDs converts Contexts for registration.
func (s *HandlerSpec) ContextIDs() []envelope.ContextID {
	out := make([]envelope.ContextID, 0, len(s.Contexts))
	for _, c := range s.Contexts {
		out = append(out, envelope.ContextID(c))
	}
	return out
}

// Forwards reports whether the handler forwards to a subject.
func (s *HandlerSpec) Forwards() bool { return s.Subject != "" }

// Validate checks a single handler declaration.
func (s *HandlerSpec) Validate() error {
	if s.MessageID == "" {
		return fmt.Errorf("messageId is required")
	}
	if len(s.Contexts) == 0 {
		return fmt.Errorf("%s: at least one context is required", s.MessageID)
	}
	for _, c := range s.Contexts {
		if c == "" {
			return fmt.Errorf("%s: empty context", s.MessageID)
		}
	}
	hasReply := s.Reply != nil
	if hasReply == s.Forwards() {
		return fmt.Errorf("%s: exactly one of reply and subject must be set", s.MessageID)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%s: negative timeout", s.MessageID)
	}
	if hasReply {
		if _, err := envelope.Normalize(s.Reply); err != nil {
			return fmt.Errorf("%s: reply is not serializable: %w", s.MessageID, err)
		}
	}
	return nil
}

// Validate checks every handler.
func (m *Manifest) Validate() error {
	for i := range m.Handlers {
		if err := m.Handlers[i].Validate(); err != nil {
			return fmt.Errorf("%s - handler %d: %w", loaderLogPrefix, i, err)
		}
	}
	return nil
}

// ForwardRequest is the JSON body sent to a forwarding subject.
type ForwardRequest struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
	Context   string `json:"context"`
	View      string `json:"view"`
	Frame     uint64 `json:"frame"`
	Payload   any    `json:"payload"`
}

// ForwardResponse is the JSON envelope a forwarding service answers with.
type ForwardResponse struct {
	ID     string       `json:"id"`
	Ok     bool         `json:"ok"`
	Result any          `json:"result,omitempty"`
	Error  *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail holds structured error information.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

// Error codes placed in HANDLER_REPORTED_ERROR payloads by the bridge itself.
const (
	CodeBridgeUnavailable = "BRIDGE_UNAVAILABLE"
	CodeRemoteError       = "REMOTE_ERROR"
)
