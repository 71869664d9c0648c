// Package sandbox is the content side of the frame message protocol: a
// mirror of the host's frame tree in which every (frame, context) pair is an
// isolated JavaScript world running on goja.
//
// A Peer is not goroutine-safe. Run it on one sequence and have its
// transport post inbound packets onto that sequence.
package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/messaging"
)

const logPrefix = "sandbox:peer"

// DefaultTimeout bounds every entry into a world: script evaluation, handler
// calls and reply callbacks.
const DefaultTimeout = 2 * time.Second

var (
	ErrUnknownFrame = errors.New("unknown frame")
	ErrPeerClosed   = errors.New("peer closed")
)

// PeerOptions configures a Peer.
type PeerOptions struct {
	View      string
	RootFrame envelope.FrameID
	Transport messaging.Transport
	Timeout   time.Duration
}

// Peer owns the content-side frame tree of one view.
type Peer struct {
	view      string
	transport messaging.Transport
	timeout   time.Duration

	root   *frame
	frames map[envelope.FrameID]*frame
	closed bool
}

type frame struct {
	id       envelope.FrameID
	parent   *frame
	children []*frame
	worlds   map[envelope.ContextID]*World

	nextSerial int64
	pending    []*pendingRequest
	destroyed  bool
}

// NewPeer creates a peer with its root frame. The root mirrors the host
// view's root and is not announced.
func NewPeer(opts PeerOptions) (*Peer, error) {
	if opts.View == "" {
		return nil, fmt.Errorf("%s - view id is required", logPrefix)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("%s - transport is required", logPrefix)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	rootID := opts.RootFrame
	if rootID == 0 {
		rootID = messaging.DefaultRootFrame
	}

	p := &Peer{
		view:      opts.View,
		transport: opts.Transport,
		timeout:   opts.Timeout,
		frames:    make(map[envelope.FrameID]*frame),
	}
	p.root = newFrame(rootID, nil)
	p.frames[rootID] = p.root
	return p, nil
}

func newFrame(id envelope.FrameID, parent *frame) *frame {
	return &frame{id: id, parent: parent, worlds: make(map[envelope.ContextID]*World)}
}

func (p *Peer) View() string                      { return p.view }
func (p *Peer) RootFrame() envelope.FrameID       { return p.root.id }
func (p *Peer) FrameCount() int                   { return len(p.frames) }
func (p *Peer) HasFrame(id envelope.FrameID) bool { return p.frames[id] != nil }

// CreateFrame adds a frame under parent (zero means the root) and tells the
// host about it.
func (p *Peer) CreateFrame(id, parent envelope.FrameID) error {
	if p.closed {
		return fmt.Errorf("%s - %w", logPrefix, ErrPeerClosed)
	}
	if id == 0 || p.frames[id] != nil {
		return fmt.Errorf("%s - frame %d: %w", logPrefix, id, messaging.ErrDuplicateFrame)
	}
	if parent == 0 {
		parent = p.root.id
	}
	pf := p.frames[parent]
	if pf == nil {
		return fmt.Errorf("%s - parent frame %d: %w", logPrefix, parent, ErrUnknownFrame)
	}

	f := newFrame(id, pf)
	pf.children = append(pf.children, f)
	p.frames[id] = f

	return p.sendLifecycle(id, &envelope.Lifecycle{Op: envelope.FrameCreated, Parent: parent})
}

// DestroyFrame tears down a non-root frame and its subtree, then tells the
// host. Requests still pending in the subtree fail with
// HANDLER_DID_NOT_RESPOND.
func (p *Peer) DestroyFrame(id envelope.FrameID) error {
	f := p.frames[id]
	if f == nil {
		return fmt.Errorf("%s - frame %d: %w", logPrefix, id, ErrUnknownFrame)
	}
	if f == p.root {
		return fmt.Errorf("%s - the root frame is destroyed by Close", logPrefix)
	}
	p.destroy(f)
	return p.sendLifecycle(id, &envelope.Lifecycle{Op: envelope.FrameDestroyed})
}

// Close destroys every frame. Nothing is sent to the host.
func (p *Peer) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.destroy(p.root)
}

func (p *Peer) destroy(f *frame) {
	if f.destroyed {
		return
	}
	f.destroyed = true
	for len(f.children) > 0 {
		c := f.children[0]
		p.destroy(c)
		f.removeChild(c)
	}
	if f.parent != nil {
		f.parent.removeChild(f)
	}
	delete(p.frames, f.id)

	pending := f.pending
	f.pending = nil
	for _, req := range pending {
		req.world.resolve(req, envelope.ErrHandlerDidNotRespond, nil)
	}
	for _, w := range f.worlds {
		w.close()
	}
	slog.Debug(fmt.Sprintf("%s - %s: frame %d destroyed", logPrefix, p.view, f.id))
}

func (f *frame) removeChild(c *frame) {
	if i := slices.Index(f.children, c); i >= 0 {
		f.children = slices.Delete(f.children, i, i+1)
	}
}

// World returns the world for (frame, context), creating it on first use.
func (p *Peer) World(id envelope.FrameID, ctx envelope.ContextID) (*World, error) {
	if p.closed {
		return nil, fmt.Errorf("%s - %w", logPrefix, ErrPeerClosed)
	}
	f := p.frames[id]
	if f == nil {
		return nil, fmt.Errorf("%s - frame %d: %w", logPrefix, id, ErrUnknownFrame)
	}
	if ctx == "" {
		return nil, fmt.Errorf("%s - context is required", logPrefix)
	}
	if w := f.worlds[ctx]; w != nil {
		return w, nil
	}
	w, err := newWorld(p, f, ctx)
	if err != nil {
		return nil, err
	}
	f.worlds[ctx] = w
	return w, nil
}

// Eval runs script in the world for (frame, context).
func (p *Peer) Eval(id envelope.FrameID, ctx envelope.ContextID, script string) (any, error) {
	w, err := p.World(id, ctx)
	if err != nil {
		return nil, err
	}
	return w.Eval(script)
}

// Receive handles one packet from the host.
func (p *Peer) Receive(pkt *envelope.Packet) {
	if p.closed {
		return
	}
	if err := pkt.Validate(); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s: dropping malformed packet: %v", logPrefix, p.view, err))
		return
	}
	if pkt.Envelope == nil {
		slog.Debug(fmt.Sprintf("%s - %s: ignoring lifecycle packet from host", logPrefix, p.view))
		return
	}

	env := pkt.Envelope
	if env.Kind == envelope.KindReply {
		p.receiveReply(pkt.Route, env)
		return
	}
	p.receiveMessage(pkt.Route, env)
}

func (p *Peer) receiveReply(route envelope.Route, env *envelope.Envelope) {
	f := p.frames[route.Frame]
	if f == nil {
		slog.Debug(fmt.Sprintf("%s - %s: reply for unknown frame %d", logPrefix, p.view, route.Frame))
		return
	}
	i := slices.IndexFunc(f.pending, func(r *pendingRequest) bool { return r.serial == env.Serial })
	if i < 0 {
		slog.Debug(fmt.Sprintf("%s - %s: dropping reply serial %d for frame %d", logPrefix, p.view, env.Serial, f.id))
		return
	}
	req := f.pending[i]
	f.pending = slices.Delete(f.pending, i, i+1)
	req.world.resolve(req, env.Error, env.Payload)
}

func (p *Peer) receiveMessage(route envelope.Route, env *envelope.Envelope) {
	var w *World
	if f := p.frames[route.Frame]; f != nil && (route.View == "" || route.View == p.view) {
		w = f.worlds[env.Context]
	}
	if w == nil {
		p.reject(route, env, envelope.ErrInvalidDestination)
		return
	}
	if !w.dispatch(route, env) {
		p.reject(route, env, envelope.ErrNoHandler)
	}
}

func (p *Peer) reject(route envelope.Route, env *envelope.Envelope, code envelope.ErrorCode) {
	slog.Debug(fmt.Sprintf("%s - %s: %s for %q from frame %d", logPrefix, p.view, code, env.MessageID, route.Frame))
	if !env.Kind.WantsReply() {
		return
	}
	p.sendReply(route, env.Context, env.Serial, code, nil)
}

func (p *Peer) sendReply(route envelope.Route, ctx envelope.ContextID, serial int64, code envelope.ErrorCode, payload any) {
	normalized, err := envelope.Normalize(payload)
	if err != nil {
		code = envelope.ErrUncaughtException
		normalized = map[string]any{"message": err.Error()}
	}
	pkt := &envelope.Packet{Route: route, Envelope: envelope.NewReply(ctx, serial, code, normalized)}
	if err := p.transport.Send(pkt); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s: failed to send reply serial %d: %v", logPrefix, p.view, serial, err))
	}
}

// send builds and sends a message from a world. The serial is allocated from
// the frame's counter even if the transport then refuses the packet.
func (p *Peer) send(f *frame, ctx envelope.ContextID, kind envelope.Kind, messageID string, payload any) (int64, error) {
	if f.destroyed || p.closed {
		return 0, fmt.Errorf("%s - frame %d: %w", logPrefix, f.id, messaging.ErrFrameDestroyed)
	}
	if messageID == "" {
		return 0, fmt.Errorf("%s - message id is required", logPrefix)
	}
	normalized, err := envelope.Normalize(payload)
	if err != nil {
		return 0, err
	}
	serial := f.nextSerial
	f.nextSerial++

	pkt := &envelope.Packet{
		Route: envelope.Route{View: p.view, Frame: f.id},
		Envelope: &envelope.Envelope{
			Context:   ctx,
			Serial:    serial,
			Kind:      kind,
			MessageID: messageID,
			Payload:   normalized,
		},
	}
	if err := p.transport.Send(pkt); err != nil {
		return 0, fmt.Errorf("%s - %w: %w", logPrefix, messaging.ErrSendFailed, err)
	}
	return serial, nil
}

func (p *Peer) sendLifecycle(id envelope.FrameID, lc *envelope.Lifecycle) error {
	pkt := &envelope.Packet{Route: envelope.Route{View: p.view, Frame: id}, Lifecycle: lc}
	if err := p.transport.Send(pkt); err != nil {
		return fmt.Errorf("%s - failed to announce %s for frame %d: %w", logPrefix, lc.Op, id, err)
	}
	return nil
}
