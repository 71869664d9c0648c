package messaging

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/events"
)

const incomingLogPrefix = "messaging:incoming"

// IncomingMessage is an inbound MESSAGE or MESSAGE_NO_REPLY handed to a
// handler. It is answered at most once.
//
// A handler that wants to answer after returning calls Retain and later
// Release. When the last reference is released without an answer, the
// sender is told HANDLER_DID_NOT_RESPOND. A message dropped without Release
// is caught by a finalizer, which posts the same answer onto the view's
// sequence.
type IncomingMessage struct {
	view   *View
	source frameRef
	route  envelope.Route

	context   envelope.ContextID
	serial    int64
	kind      envelope.Kind
	messageID string
	payload   any

	responded bool
	refs      int
}

func newIncomingMessage(v *View, source *Node, route envelope.Route, env *envelope.Envelope) *IncomingMessage {
	m := &IncomingMessage{
		view:      v,
		source:    refTo(source),
		route:     route,
		context:   env.Context,
		serial:    env.Serial,
		kind:      env.Kind,
		messageID: env.MessageID,
		payload:   env.Payload,
		// Nothing to answer for fire-and-forget messages.
		responded: !env.Kind.WantsReply(),
	}
	if !m.responded {
		runtime.SetFinalizer(m, finalizeIncoming)
	}
	return m
}

func finalizeIncoming(m *IncomingMessage) {
	if m.view.poster == nil {
		slog.Warn(fmt.Sprintf("%s - %q serial %d dropped without a reply and no sequence to answer on", incomingLogPrefix, m.messageID, m.serial))
		return
	}
	m.view.poster.Post(m.finalize)
}

func (m *IncomingMessage) Context() envelope.ContextID { return m.context }
func (m *IncomingMessage) Serial() int64               { return m.serial }
func (m *IncomingMessage) Kind() envelope.Kind         { return m.kind }
func (m *IncomingMessage) MessageID() string           { return m.messageID }
func (m *IncomingMessage) Payload() any                { return m.payload }

// Source returns the frame that sent the message, or nil once it is gone.
func (m *IncomingMessage) Source() *Node { return m.source.get() }

// Route returns where replies to this message are sent.
func (m *IncomingMessage) Route() envelope.Route { return m.route }

// WantsReply reports whether the sender is waiting for an answer.
func (m *IncomingMessage) WantsReply() bool { return m.kind.WantsReply() }

// Responded reports whether an answer has been sent (always true for
// fire-and-forget messages).
func (m *IncomingMessage) Responded() bool { return m.responded }

// DecodePayload copies the payload into v.
func (m *IncomingMessage) DecodePayload(v any) error {
	return envelope.DecodePayload(m.payload, v)
}

// Reply answers with OK. Calls after the first answer are ignored.
func (m *IncomingMessage) Reply(payload any) {
	if m.responded {
		return
	}
	m.respond(envelope.OK, payload)
}

// Error answers with code. Passing OK is a programming error and panics.
// Calls after the first answer are ignored.
func (m *IncomingMessage) Error(code envelope.ErrorCode, payload any) {
	if code == envelope.OK {
		panic("messaging: IncomingMessage.Error called with OK")
	}
	if m.responded {
		return
	}
	m.respond(code, payload)
}

// Retain keeps the message answerable after the handler returns.
func (m *IncomingMessage) Retain() *IncomingMessage {
	m.refs++
	return m
}

// Release drops a reference. The last release answers
// HANDLER_DID_NOT_RESPOND if nothing was sent yet.
func (m *IncomingMessage) Release() {
	if m.refs <= 0 {
		return
	}
	m.refs--
	if m.refs == 0 {
		m.finalize()
	}
}

func (m *IncomingMessage) finalize() {
	if !m.responded {
		m.respond(envelope.ErrHandlerDidNotRespond, nil)
	}
	runtime.SetFinalizer(m, nil)
}

func (m *IncomingMessage) respond(code envelope.ErrorCode, payload any) {
	m.responded = true

	normalized, err := envelope.Normalize(payload)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - reply to %q serial %d is not serializable: %v", incomingLogPrefix, m.messageID, m.serial, err))
		code = envelope.ErrUncaughtException
		normalized = map[string]any{"message": err.Error()}
	}

	pkt := &envelope.Packet{
		Route:    m.route,
		Envelope: envelope.NewReply(m.context, m.serial, code, normalized),
	}
	evType := events.TypeReplySent
	if err := m.view.transport.Send(pkt); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to send reply to %q serial %d: %v", incomingLogPrefix, m.messageID, m.serial, err))
		evType = events.TypeReplyLost
	}
	m.view.publish(&events.DispatchEvent{
		Type:      evType,
		Frame:     uint64(m.route.Frame),
		Context:   string(m.context),
		MessageID: m.messageID,
		Serial:    m.serial,
		Kind:      envelope.KindReply.String(),
		Code:      code.String(),
	})
}
