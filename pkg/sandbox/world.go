package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/morezero/framebus/pkg/envelope"
)

const worldLogPrefix = "sandbox:world"

// World is one script context attached to one frame.
type World struct {
	peer    *Peer
	frame   *frame
	context envelope.ContextID

	vm       *goja.Runtime
	handlers map[string]goja.Callable
	deferred []*message
	closed   bool
}

type pendingRequest struct {
	serial  int64
	world   *World
	onReply goja.Callable
	onError goja.Callable
}

func newWorld(p *Peer, f *frame, ctx envelope.ContextID) (*World, error) {
	w := &World{
		peer:     p,
		frame:    f,
		context:  ctx,
		vm:       goja.New(),
		handlers: make(map[string]goja.Callable),
	}
	w.vm.SetMaxCallStackSize(1024)
	if err := w.setupGlobals(); err != nil {
		return nil, fmt.Errorf("%s - failed to set up world %s: %w", worldLogPrefix, w.name(), err)
	}
	slog.Debug(fmt.Sprintf("%s - world %s created", worldLogPrefix, w.name()))
	return w, nil
}

func (w *World) name() string {
	return fmt.Sprintf("%s/%d/%s", w.peer.view, w.frame.id, w.context)
}

func (w *World) Context() envelope.ContextID { return w.context }
func (w *World) Frame() envelope.FrameID     { return w.frame.id }

// HasHandler reports whether the world registered a handler for messageID.
func (w *World) HasHandler(messageID string) bool {
	_, ok := w.handlers[messageID]
	return ok
}

// Eval runs script and returns its completion value as a plain Go value.
func (w *World) Eval(script string) (any, error) {
	if w.closed {
		return nil, fmt.Errorf("%s - world %s: %w", worldLogPrefix, w.name(), ErrPeerClosed)
	}
	var val goja.Value
	err := w.guard(func() error {
		var err error
		val, err = w.vm.RunString(script)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s - world %s: %w", worldLogPrefix, w.name(), err)
	}
	return exportValue(val), nil
}

// guard runs fn with the world's timeout armed. The interrupt is cleared only
// after the timer can no longer fire, so it never leaks into the next entry.
func (w *World) guard(fn func() error) error {
	fired := make(chan struct{})
	timer := time.AfterFunc(w.peer.timeout, func() {
		defer close(fired)
		w.vm.Interrupt("execution timeout exceeded")
	})
	defer func() {
		if !timer.Stop() {
			<-fired
		}
		w.vm.ClearInterrupt()
	}()
	return fn()
}

func (w *World) call(fn goja.Callable, args ...goja.Value) (goja.Value, error) {
	var out goja.Value
	err := w.guard(func() error {
		var err error
		out, err = fn(goja.Undefined(), args...)
		return err
	})
	return out, err
}

func (w *World) setupGlobals() error {
	vm := w.vm
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, w.consoleFunc(level)); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	api := vm.NewObject()
	setters := []struct {
		name  string
		value any
	}{
		{"context", string(w.context)},
		{"frame", uint64(w.frame.id)},
		{"sendMessage", w.jsSendMessage},
		{"sendMessageNoReply", w.jsSendMessageNoReply},
		{"addMessageHandler", w.jsAddMessageHandler},
		{"removeMessageHandler", w.jsRemoveMessageHandler},
	}
	for _, s := range setters {
		if err := api.Set(s.name, s.value); err != nil {
			return err
		}
	}
	return vm.Set("framebus", api)
}

func (w *World) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		msg := fmt.Sprintf("%s - [%s] %s", worldLogPrefix, w.name(), strings.Join(parts, " "))
		switch level {
		case "warn":
			slog.Warn(msg)
		case "error":
			slog.Error(msg)
		case "debug":
			slog.Debug(msg)
		default:
			slog.Info(msg)
		}
		return goja.Undefined()
	}
}

// framebus.sendMessage(id, payload, onReply, onError) -> boolean
func (w *World) jsSendMessage(call goja.FunctionCall) goja.Value {
	onReply, _ := goja.AssertFunction(call.Argument(2))
	onError, _ := goja.AssertFunction(call.Argument(3))

	serial, err := w.peer.send(w.frame, w.context, envelope.KindMessage, call.Argument(0).String(), exportValue(call.Argument(1)))
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - world %s: sendMessage failed: %v", worldLogPrefix, w.name(), err))
		return w.vm.ToValue(false)
	}
	w.frame.pending = append(w.frame.pending, &pendingRequest{
		serial:  serial,
		world:   w,
		onReply: onReply,
		onError: onError,
	})
	return w.vm.ToValue(true)
}

// framebus.sendMessageNoReply(id, payload) -> boolean
func (w *World) jsSendMessageNoReply(call goja.FunctionCall) goja.Value {
	_, err := w.peer.send(w.frame, w.context, envelope.KindMessageNoReply, call.Argument(0).String(), exportValue(call.Argument(1)))
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - world %s: sendMessageNoReply failed: %v", worldLogPrefix, w.name(), err))
		return w.vm.ToValue(false)
	}
	return w.vm.ToValue(true)
}

// framebus.addMessageHandler(id, fn)
func (w *World) jsAddMessageHandler(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).String()
	fn, ok := goja.AssertFunction(call.Argument(1))
	if id == "" || !ok {
		panic(w.vm.NewTypeError("addMessageHandler(id, fn) requires a message id and a function"))
	}
	w.handlers[id] = fn
	return goja.Undefined()
}

// framebus.removeMessageHandler(id)
func (w *World) jsRemoveMessageHandler(call goja.FunctionCall) goja.Value {
	delete(w.handlers, call.Argument(0).String())
	return goja.Undefined()
}

// resolve runs the JS callback for a finished request.
func (w *World) resolve(req *pendingRequest, code envelope.ErrorCode, payload any) {
	if w.closed {
		return
	}
	var err error
	if code == envelope.OK {
		if req.onReply != nil {
			_, err = w.call(req.onReply, w.vm.ToValue(payload))
		}
	} else if req.onError != nil {
		_, err = w.call(req.onError, w.vm.ToValue(code.String()), w.vm.ToValue(payload))
	}
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - world %s: callback for serial %d failed: %v", worldLogPrefix, w.name(), req.serial, err))
	}
}

// dispatch delivers an inbound message to the world's handler. It returns
// false if no handler is registered for the message id.
func (w *World) dispatch(route envelope.Route, env *envelope.Envelope) bool {
	fn, ok := w.handlers[env.MessageID]
	if !ok {
		return false
	}

	msg := &message{world: w, route: route, env: env, responded: !env.Kind.WantsReply()}
	ret, err := w.call(fn, msg.object())
	switch {
	case err != nil:
		slog.Warn(fmt.Sprintf("%s - world %s: handler %q threw: %v", worldLogPrefix, w.name(), env.MessageID, err))
		msg.respond(envelope.ErrUncaughtException, map[string]any{"message": exceptionMessage(err)})
	case ret != nil && !goja.IsUndefined(ret):
		msg.respond(envelope.OK, exportValue(ret))
	case msg.deferred:
		if !msg.responded {
			w.deferred = append(w.deferred, msg)
		}
	default:
		msg.respond(envelope.ErrHandlerDidNotRespond, nil)
	}
	return true
}

func (w *World) close() {
	if w.closed {
		return
	}
	deferred := w.deferred
	w.deferred = nil
	for _, msg := range deferred {
		msg.respond(envelope.ErrHandlerDidNotRespond, nil)
	}
	w.closed = true
	w.handlers = nil
	w.vm.Interrupt("world closed")
}

func exceptionMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if v := ex.Value(); v != nil {
			if obj, ok := v.(*goja.Object); ok {
				if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
					return m.String()
				}
			}
			return v.String()
		}
	}
	return err.Error()
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
