package messaging

import (
	"fmt"
	"log/slog"

	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/events"
)

const dispatcherLogPrefix = "messaging:dispatcher"

// Receive is the inbound entry point for packets from the content side.
func (v *View) Receive(pkt *envelope.Packet) {
	if err := pkt.Validate(); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s: dropping malformed packet: %v", dispatcherLogPrefix, v.id, err))
		return
	}
	if v.closed {
		// No frame resolves any more. A MESSAGE still gets its answer.
		if pkt.Envelope != nil && pkt.Envelope.Kind != envelope.KindReply {
			v.unhandled(pkt.Route, pkt.Envelope, envelope.ErrInvalidDestination)
			return
		}
		slog.Debug(fmt.Sprintf("%s - %s closed, dropping packet for %s", dispatcherLogPrefix, v.id, pkt.Route))
		return
	}

	if pkt.Lifecycle != nil {
		v.applyLifecycle(pkt.Route, pkt.Lifecycle)
		return
	}

	env := pkt.Envelope
	switch env.Kind {
	case envelope.KindReply:
		v.dispatchReply(pkt.Route, env)
	default:
		v.dispatchMessage(pkt.Route, env)
	}
}

// resolve maps a route to a live frame of this view.
func (v *View) resolve(route envelope.Route) *Node {
	if route.View != "" && route.View != v.id {
		return nil
	}
	return v.arena.get(route.Frame)
}

func (v *View) applyLifecycle(route envelope.Route, lc *envelope.Lifecycle) {
	var err error
	switch lc.Op {
	case envelope.FrameCreated:
		_, err = v.CreateFrame(route.Frame, lc.Parent)
	case envelope.FrameDestroyed:
		err = v.DestroyFrame(route.Frame)
	}
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - %s: %s for frame %d failed: %v", dispatcherLogPrefix, v.id, lc.Op, route.Frame, err))
	}
}

// dispatchMessage finds the first matching handler walking from the source
// frame to the root, then the view. No user code runs while walking, so
// handlers added or removed by a callback only affect later messages.
func (v *View) dispatchMessage(route envelope.Route, env *envelope.Envelope) {
	source := v.resolve(route)
	if source == nil {
		slog.Debug(fmt.Sprintf("%s - %s: no frame for %s (%q)", dispatcherLogPrefix, v.id, route, env.MessageID))
		v.unhandled(route, env, envelope.ErrInvalidDestination)
		return
	}

	for target := source; target != nil; target = target.parent {
		if h := target.handlers.match(env); h != nil {
			v.deliver(h, source, route, env, fmt.Sprintf("frame:%d", target.id))
			return
		}
	}
	if h := v.handlers.match(env); h != nil {
		v.deliver(h, source, route, env, "view")
		return
	}

	slog.Debug(fmt.Sprintf("%s - %s: no handler for %q from %s", dispatcherLogPrefix, v.id, env.MessageID, env.Context))
	v.unhandled(route, env, envelope.ErrNoHandler)
}

// unhandled answers a MESSAGE with code. MESSAGE_NO_REPLY is dropped.
func (v *View) unhandled(route envelope.Route, env *envelope.Envelope, code envelope.ErrorCode) {
	v.publish(&events.DispatchEvent{
		Type:      events.TypeUnhandled,
		Frame:     uint64(route.Frame),
		Context:   string(env.Context),
		MessageID: env.MessageID,
		Serial:    env.Serial,
		Kind:      env.Kind.String(),
		Code:      code.String(),
	})
	if !env.Kind.WantsReply() {
		return
	}
	reply := &envelope.Packet{
		Route:    route,
		Envelope: envelope.NewReply(env.Context, env.Serial, code, nil),
	}
	evType := events.TypeReplySent
	if err := v.transport.Send(reply); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s: failed to send %s for %q: %v", dispatcherLogPrefix, v.id, code, env.MessageID, err))
		evType = events.TypeReplyLost
	}
	v.publish(&events.DispatchEvent{
		Type:      evType,
		Frame:     uint64(route.Frame),
		Context:   string(env.Context),
		MessageID: env.MessageID,
		Serial:    env.Serial,
		Kind:      envelope.KindReply.String(),
		Code:      code.String(),
	})
}

// deliver runs the handler. The dispatcher holds a reference for the
// duration of the callback, so a handler that neither answers nor retains
// the message produces HANDLER_DID_NOT_RESPOND as soon as it returns.
func (v *View) deliver(h *Handler, source *Node, route envelope.Route, env *envelope.Envelope, owner string) {
	v.publish(&events.DispatchEvent{
		Type:      events.TypeDelivered,
		Frame:     uint64(route.Frame),
		Context:   string(env.Context),
		MessageID: env.MessageID,
		Serial:    env.Serial,
		Kind:      env.Kind.String(),
		Owner:     owner,
	})

	msg := newIncomingMessage(v, source, route, env)
	msg.Retain()
	defer msg.Release()
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - %s: handler for %q panicked: %v", dispatcherLogPrefix, v.id, env.MessageID, r))
			if msg.WantsReply() {
				msg.Error(envelope.ErrUncaughtException, map[string]any{"message": fmt.Sprint(r)})
			}
		}
	}()

	if err := h.callback(msg); err != nil {
		if !msg.WantsReply() {
			slog.Debug(fmt.Sprintf("%s - %s: no-reply handler for %q failed: %v", dispatcherLogPrefix, v.id, env.MessageID, err))
			return
		}
		code, payload := errorReply(err)
		msg.Error(code, payload)
	}
}

// dispatchReply correlates a REPLY with the source frame's pending request.
func (v *View) dispatchReply(route envelope.Route, env *envelope.Envelope) {
	source := v.resolve(route)
	var req *OutgoingRequest
	if source != nil {
		req = source.findRequest(env.Serial)
	}
	if req == nil || req.received {
		slog.Debug(fmt.Sprintf("%s - %s: dropping reply serial %d for %s", dispatcherLogPrefix, v.id, env.Serial, route))
		v.publish(&events.DispatchEvent{
			Type:    events.TypeReplyDropped,
			Frame:   uint64(route.Frame),
			Context: string(env.Context),
			Serial:  env.Serial,
			Kind:    env.Kind.String(),
			Code:    env.Error.String(),
		})
		return
	}

	source.RemoveOutgoingRequest(req)
	req.onReceiveResponse(env.Error, env.Payload)
}
