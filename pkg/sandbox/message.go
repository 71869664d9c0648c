package sandbox

import (
	"slices"

	"github.com/dop251/goja"

	"github.com/morezero/framebus/pkg/envelope"
)

// message is the script-side view of an inbound MESSAGE. It answers at most
// once; fire-and-forget messages start out answered.
type message struct {
	world     *World
	route     envelope.Route
	env       *envelope.Envelope
	responded bool
	deferred  bool
}

// object builds the JS value handed to handlers:
// {id, context, payload, reply(v), error(v), defer()}.
func (m *message) object() goja.Value {
	vm := m.world.vm
	obj := vm.NewObject()
	_ = obj.Set("id", m.env.MessageID)
	_ = obj.Set("context", string(m.env.Context))
	_ = obj.Set("payload", m.env.Payload)
	_ = obj.Set("reply", func(call goja.FunctionCall) goja.Value {
		m.respond(envelope.OK, exportValue(call.Argument(0)))
		return goja.Undefined()
	})
	_ = obj.Set("error", func(call goja.FunctionCall) goja.Value {
		m.respond(envelope.ErrHandlerReportedError, exportValue(call.Argument(0)))
		return goja.Undefined()
	})
	// defer() keeps the message open after the handler returns; it is
	// answered HANDLER_DID_NOT_RESPOND if the frame goes away first.
	_ = obj.Set("defer", func(goja.FunctionCall) goja.Value {
		m.deferred = true
		return goja.Undefined()
	})
	return obj
}

func (m *message) respond(code envelope.ErrorCode, payload any) {
	if m.responded {
		return
	}
	m.responded = true
	if m.deferred {
		w := m.world
		if i := slices.Index(w.deferred, m); i >= 0 {
			w.deferred = slices.Delete(w.deferred, i, i+1)
		}
	}
	m.world.peer.sendReply(m.route, m.env.Context, m.env.Serial, code, payload)
}
