// Package messaging implements the host side of the frame message protocol:
// a tree of frames per view, handler lookup by bubbling from the source frame
// to the root and then the view, request/reply correlation by serial, and
// orderly teardown.
//
// Nothing in this package is goroutine-safe. A View and everything reachable
// from it must only be touched from one goroutine, normally the view's
// sequence; transports Post inbound packets onto it.
package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/events"
)

const viewLogPrefix = "messaging:view"

// DefaultRootFrame is used when NewViewParams.RootFrame is zero.
const DefaultRootFrame envelope.FrameID = 1

// Transport moves packets from the host to the content side. Send must not
// deliver inbound packets synchronously on the calling goroutine.
type Transport interface {
	Send(pkt *envelope.Packet) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(pkt *envelope.Packet) error

func (f TransportFunc) Send(pkt *envelope.Packet) error { return f(pkt) }

// Poster schedules work on the goroutine that owns a view.
type Poster interface {
	Post(fn func()) bool
}

// NewViewParams configures a View.
type NewViewParams struct {
	ID        string
	RootFrame envelope.FrameID
	Transport Transport
	Publisher events.EventPublisher
	// Poster is used by the finalizer backstop for dropped messages.
	// Optional; without it leaked messages are only logged.
	Poster Poster
}

// View owns a frame tree and the view-level handlers consulted after the
// tree's root.
type View struct {
	id        string
	transport Transport
	publisher events.EventPublisher
	poster    Poster

	arena    *arena
	root     *Node
	handlers handlerList
	closed   bool
}

// NewView creates a view with its root frame.
func NewView(p NewViewParams) (*View, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("%s - view id is required", viewLogPrefix)
	}
	if p.Transport == nil {
		return nil, fmt.Errorf("%s - transport is required", viewLogPrefix)
	}
	rootID := p.RootFrame
	if rootID == 0 {
		rootID = DefaultRootFrame
	}
	v := &View{
		id:        p.ID,
		transport: p.Transport,
		publisher: p.Publisher,
		poster:    p.Poster,
		arena:     newArena(),
	}
	v.root = newNode(v, rootID, nil)
	v.arena.add(v.root)
	v.publish(&events.DispatchEvent{Type: events.TypeFrameCreated, Frame: uint64(rootID)})
	return v, nil
}

func (v *View) ID() string   { return v.id }
func (v *View) Root() *Node  { return v.root }
func (v *View) Closed() bool { return v.closed }

// FrameCount returns the number of live frames, root included.
func (v *View) FrameCount() int { return v.arena.len() }

// Frame returns the live frame with the given id, or nil.
func (v *View) Frame(id envelope.FrameID) *Node { return v.arena.get(id) }

// CreateFrame adds a frame under parent. A zero parent means the root.
func (v *View) CreateFrame(id, parent envelope.FrameID) (*Node, error) {
	if v.closed {
		return nil, fmt.Errorf("%s - %s: %w", viewLogPrefix, v.id, ErrViewClosed)
	}
	if id == 0 {
		return nil, fmt.Errorf("%s - frame id must be non-zero", viewLogPrefix)
	}
	if v.arena.get(id) != nil {
		return nil, fmt.Errorf("%s - frame %d: %w", viewLogPrefix, id, ErrDuplicateFrame)
	}
	if parent == 0 {
		parent = v.root.id
	}
	p := v.arena.get(parent)
	if p == nil {
		return nil, fmt.Errorf("%s - parent frame %d: %w", viewLogPrefix, parent, ErrUnknownFrame)
	}
	if p.Destroyed() {
		return nil, fmt.Errorf("%s - parent frame %d: %w", viewLogPrefix, parent, ErrFrameDestroyed)
	}

	n := newNode(v, id, p)
	p.addChild(n)
	v.arena.add(n)
	v.publish(&events.DispatchEvent{Type: events.TypeFrameCreated, Frame: uint64(id)})
	slog.Debug(fmt.Sprintf("%s - %s: frame %d created under %d", viewLogPrefix, v.id, id, parent))
	return n, nil
}

// DestroyFrame tears down the frame and its subtree. Destroying the root
// closes the view.
func (v *View) DestroyFrame(id envelope.FrameID) error {
	n := v.arena.get(id)
	if n == nil {
		return fmt.Errorf("%s - frame %d: %w", viewLogPrefix, id, ErrUnknownFrame)
	}
	if n == v.root {
		v.Close()
		return nil
	}
	n.willDestroy()
	return nil
}

// AddHandler attaches h at view level, detaching it from any previous owner.
func (v *View) AddHandler(h *Handler) error {
	if v.closed {
		return fmt.Errorf("%s - %s: %w", viewLogPrefix, v.id, ErrViewClosed)
	}
	v.handlers.attach(h, v)
	return nil
}

// RemoveHandler detaches h if the view owns it.
func (v *View) RemoveHandler(h *Handler) bool { return v.removeHandler(h) }

func (v *View) removeHandler(h *Handler) bool { return v.handlers.remove(h) }

// Handlers returns the view-level handlers in registration order.
func (v *View) Handlers() []*Handler { return v.handlers.snapshot() }

// Close destroys the whole tree. Pending requests are answered with
// HANDLER_DID_NOT_RESPOND. Afterwards inbound MESSAGEs are answered with
// INVALID_DESTINATION and everything else is dropped.
func (v *View) Close() {
	if v.closed {
		return
	}
	v.closed = true
	v.root.willDestroy()
	v.handlers.clear()
	slog.Debug(fmt.Sprintf("%s - %s closed", viewLogPrefix, v.id))
}

func (v *View) publish(ev *events.DispatchEvent) {
	if v.publisher == nil {
		return
	}
	ev.View = v.id
	if err := v.publisher.PublishDispatch(context.Background(), ev.Stamp()); err != nil {
		slog.Debug(fmt.Sprintf("%s - %s: failed to publish %s event: %v", viewLogPrefix, v.id, ev.Type, err))
	}
}
