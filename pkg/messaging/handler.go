package messaging

import (
	"slices"

	"github.com/morezero/framebus/pkg/envelope"
)

// HandlerFunc processes one inbound message.
//
// Returning nil means the handler replied, or called Retain to reply later.
// Returning a *HandlerError replies with its code and payload; any other
// error replies HANDLER_REPORTED_ERROR with {"message": err.Error()}. A panic
// is recovered and answered with UNCAUGHT_EXCEPTION.
type HandlerFunc func(msg *IncomingMessage) error

type handlerOwner interface {
	removeHandler(h *Handler) bool
}

// Handler matches inbound messages by message id and source context.
// Handlers may be configured step by step; until IsValid is true the
// dispatcher ignores them.
type Handler struct {
	messageID string
	contexts  []envelope.ContextID
	callback  HandlerFunc
	owner     handlerOwner
}

// NewHandler creates a handler. Any argument may be left empty and set later.
func NewHandler(messageID string, contexts []envelope.ContextID, cb HandlerFunc) *Handler {
	return &Handler{
		messageID: messageID,
		contexts:  slices.Clone(contexts),
		callback:  cb,
	}
}

func (h *Handler) MessageID() string { return h.messageID }

// Contexts returns a copy of the accepted contexts.
func (h *Handler) Contexts() []envelope.ContextID { return slices.Clone(h.contexts) }

func (h *Handler) SetMessageID(id string) { h.messageID = id }

func (h *Handler) SetContexts(contexts []envelope.ContextID) {
	h.contexts = slices.Clone(contexts)
}

func (h *Handler) SetCallback(cb HandlerFunc) { h.callback = cb }

// IsValid reports whether the handler can take part in dispatch.
func (h *Handler) IsValid() bool {
	return h.messageID != "" && len(h.contexts) > 0 && h.callback != nil
}

// Matches reports whether env is addressed to this handler.
func (h *Handler) Matches(env *envelope.Envelope) bool {
	if !h.IsValid() || h.messageID != env.MessageID {
		return false
	}
	return slices.Contains(h.contexts, env.Context)
}

// Attached reports whether a frame or view currently owns the handler.
func (h *Handler) Attached() bool { return h.owner != nil }

// Detach removes the handler from its current owner, if any.
func (h *Handler) Detach() {
	if h.owner != nil {
		h.owner.removeHandler(h)
	}
}

// handlerList keeps handlers in registration order.
type handlerList struct {
	handlers []*Handler
}

// attach moves h to this list, detaching it from any previous owner first.
func (l *handlerList) attach(h *Handler, owner handlerOwner) {
	if h.owner == owner {
		return
	}
	h.Detach()
	l.handlers = append(l.handlers, h)
	h.owner = owner
}

func (l *handlerList) remove(h *Handler) bool {
	i := slices.Index(l.handlers, h)
	if i < 0 {
		return false
	}
	// Copy instead of shifting in place so a caller holding the old slice
	// keeps a consistent view.
	l.handlers = slices.Concat(l.handlers[:i], l.handlers[i+1:])
	h.owner = nil
	return true
}

// match returns the first valid handler accepting env.
func (l *handlerList) match(env *envelope.Envelope) *Handler {
	for _, h := range l.handlers {
		if h.Matches(env) {
			return h
		}
	}
	return nil
}

func (l *handlerList) snapshot() []*Handler { return slices.Clone(l.handlers) }

func (l *handlerList) clear() {
	for _, h := range l.handlers {
		h.owner = nil
	}
	l.handlers = nil
}
