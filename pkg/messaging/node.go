package messaging

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/events"
)

const nodeLogPrefix = "messaging:node"

// Node is the host-side mirror of one frame. It owns the handlers registered
// for the frame and the requests the host has sent from it.
type Node struct {
	id   envelope.FrameID
	gen  uint64
	view *View

	parent   *Node
	children []*Node

	handlers handlerList
	requests []*OutgoingRequest

	nextSerial int64
	destroying bool
	destroyed  bool
}

func newNode(v *View, id envelope.FrameID, parent *Node) *Node {
	return &Node{id: id, view: v, parent: parent}
}

func (n *Node) ID() envelope.FrameID { return n.id }
func (n *Node) View() *View          { return n.view }

// Parent returns the parent frame, or nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// Children returns a copy of the child list in creation order.
func (n *Node) Children() []*Node { return slices.Clone(n.children) }

// Destroyed reports whether teardown has started.
func (n *Node) Destroyed() bool { return n.destroying || n.destroyed }

// InFlight returns the number of requests still waiting for a reply.
func (n *Node) InFlight() int {
	count := 0
	for _, r := range n.requests {
		if r != nil {
			count++
		}
	}
	return count
}

func (n *Node) addChild(c *Node) {
	n.children = append(n.children, c)
}

// removeChild detaches c. Returns false if c was not a child.
func (n *Node) removeChild(c *Node) bool {
	i := slices.Index(n.children, c)
	if i < 0 {
		return false
	}
	n.children = slices.Delete(n.children, i, i+1)
	return true
}

// AddHandler attaches h to this frame, detaching it from any previous owner.
func (n *Node) AddHandler(h *Handler) error {
	if n.Destroyed() {
		return fmt.Errorf("%s - frame %d: %w", nodeLogPrefix, n.id, ErrFrameDestroyed)
	}
	n.handlers.attach(h, n)
	return nil
}

// RemoveHandler detaches h if this frame owns it.
func (n *Node) RemoveHandler(h *Handler) bool { return n.removeHandler(h) }

func (n *Node) removeHandler(h *Handler) bool { return n.handlers.remove(h) }

// Handlers returns the frame's handlers in registration order.
func (n *Node) Handlers() []*Handler { return n.handlers.snapshot() }

// SendMessage sends a MESSAGE to a script context of this frame and returns
// the request that will carry its reply. It fails with ErrFrameDestroyed
// once teardown has started.
func (n *Node) SendMessage(ctx envelope.ContextID, messageID string, payload any) (*OutgoingRequest, error) {
	env, err := n.buildEnvelope(ctx, envelope.KindMessage, messageID, payload)
	if err != nil {
		return nil, err
	}

	// Registered before sending so a transport that answers synchronously
	// still finds the request.
	req := newOutgoingRequest(n, env)
	n.requests = append(n.requests, req)

	if err := n.send(env); err != nil {
		n.RemoveOutgoingRequest(req)
		return nil, err
	}
	n.view.publish(&events.DispatchEvent{
		Type:      events.TypeRequestSent,
		Frame:     uint64(n.id),
		Context:   string(ctx),
		MessageID: messageID,
		Serial:    env.Serial,
		Kind:      env.Kind.String(),
	})
	return req, nil
}

// SendMessageNoReply sends a MESSAGE_NO_REPLY. No request is tracked.
func (n *Node) SendMessageNoReply(ctx envelope.ContextID, messageID string, payload any) error {
	env, err := n.buildEnvelope(ctx, envelope.KindMessageNoReply, messageID, payload)
	if err != nil {
		return err
	}
	if err := n.send(env); err != nil {
		return err
	}
	n.view.publish(&events.DispatchEvent{
		Type:      events.TypeRequestSent,
		Frame:     uint64(n.id),
		Context:   string(ctx),
		MessageID: messageID,
		Serial:    env.Serial,
		Kind:      env.Kind.String(),
	})
	return nil
}

// RemoveOutgoingRequest forgets req. During teardown the slot is cleared
// instead of removed so the resolution pass keeps its position.
func (n *Node) RemoveOutgoingRequest(req *OutgoingRequest) {
	i := slices.Index(n.requests, req)
	if i < 0 {
		return
	}
	if n.destroying {
		n.requests[i] = nil
		return
	}
	n.requests = slices.Delete(n.requests, i, i+1)
}

// findRequest returns the pending request with the given serial.
func (n *Node) findRequest(serial int64) *OutgoingRequest {
	for _, r := range n.requests {
		if r != nil && r.serial == serial {
			return r
		}
	}
	return nil
}

func (n *Node) buildEnvelope(ctx envelope.ContextID, kind envelope.Kind, messageID string, payload any) (*envelope.Envelope, error) {
	if n.Destroyed() {
		return nil, fmt.Errorf("%s - frame %d: %w", nodeLogPrefix, n.id, ErrFrameDestroyed)
	}
	if messageID == "" || ctx == "" {
		return nil, fmt.Errorf("%s - message id and context are required: %w", nodeLogPrefix, ErrInvalidMessage)
	}
	normalized, err := envelope.Normalize(payload)
	if err != nil {
		return nil, fmt.Errorf("%s - %w: %w", nodeLogPrefix, ErrInvalidMessage, err)
	}

	serial := n.nextSerial
	n.nextSerial++
	return &envelope.Envelope{
		Context:   ctx,
		Serial:    serial,
		Kind:      kind,
		MessageID: messageID,
		Payload:   normalized,
	}, nil
}

func (n *Node) send(env *envelope.Envelope) error {
	pkt := &envelope.Packet{
		Route:    envelope.Route{View: n.view.id, Frame: n.id},
		Envelope: env,
	}
	if err := n.view.transport.Send(pkt); err != nil {
		slog.Warn(fmt.Sprintf("%s - frame %d: transport refused %s %q: %v", nodeLogPrefix, n.id, env.Kind, env.MessageID, err))
		return fmt.Errorf("%s - %w: %w", nodeLogPrefix, ErrSendFailed, err)
	}
	return nil
}

// willDestroy tears the subtree down: children first, then this node is
// detached from its parent and retired, then every request still in flight
// is answered with HANDLER_DID_NOT_RESPOND in the order it was sent.
func (n *Node) willDestroy() {
	if n.destroying || n.destroyed {
		return
	}
	n.destroying = true

	for len(n.children) > 0 {
		child := n.children[0]
		child.willDestroy()
		// A child always detaches itself; guard against looping forever if
		// it was already mid-teardown.
		n.removeChild(child)
	}

	if n.parent != nil {
		n.parent.removeChild(n)
	}
	n.view.arena.retire(n)
	n.handlers.clear()

	for i := 0; i < len(n.requests); i++ {
		req := n.requests[i]
		if req == nil {
			continue
		}
		n.requests[i] = nil
		req.onReceiveResponse(envelope.ErrHandlerDidNotRespond, nil)
	}
	n.requests = nil

	n.destroyed = true
	n.view.publish(&events.DispatchEvent{
		Type:  events.TypeFrameDestroyed,
		Frame: uint64(n.id),
	})
	slog.Debug(fmt.Sprintf("%s - frame %d destroyed", nodeLogPrefix, n.id))
}
