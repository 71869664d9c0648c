package messaging

import (
	"fmt"

	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/events"
)

// ReplyFunc receives the payload of a successful reply.
type ReplyFunc func(payload any)

// ErrorFunc receives the code and payload of an error reply.
type ErrorFunc func(code envelope.ErrorCode, payload any)

// OutgoingRequest tracks a MESSAGE sent from a frame until its reply arrives,
// the frame is destroyed, or Destroy is called.
type OutgoingRequest struct {
	serial    int64
	context   envelope.ContextID
	messageID string
	owner     frameRef
	view      *View

	received  bool
	cancelled bool

	onReply ReplyFunc
	onError ErrorFunc
}

func newOutgoingRequest(owner *Node, env *envelope.Envelope) *OutgoingRequest {
	return &OutgoingRequest{
		serial:    env.Serial,
		context:   env.Context,
		messageID: env.MessageID,
		owner:     refTo(owner),
		view:      owner.view,
	}
}

// OnReply sets the success callback and returns r for chaining.
func (r *OutgoingRequest) OnReply(fn ReplyFunc) *OutgoingRequest {
	r.onReply = fn
	return r
}

// OnError sets the error callback and returns r for chaining.
func (r *OutgoingRequest) OnError(fn ErrorFunc) *OutgoingRequest {
	r.onError = fn
	return r
}

func (r *OutgoingRequest) Serial() int64               { return r.serial }
func (r *OutgoingRequest) Context() envelope.ContextID { return r.context }
func (r *OutgoingRequest) MessageID() string           { return r.messageID }

// Owner returns the sending frame, or nil once it has been destroyed.
func (r *OutgoingRequest) Owner() *Node { return r.owner.get() }

// HasReceivedResponse reports whether a reply (real or synthesized) has been
// delivered.
func (r *OutgoingRequest) HasReceivedResponse() bool { return r.received }

// Pending reports whether the request is still waiting for a reply.
func (r *OutgoingRequest) Pending() bool { return !r.received && !r.cancelled }

// Destroy abandons the request. Neither callback will run.
func (r *OutgoingRequest) Destroy() {
	if r.cancelled {
		return
	}
	r.cancelled = true
	if owner := r.owner.get(); owner != nil {
		owner.RemoveOutgoingRequest(r)
	}
	if !r.received {
		r.view.publish(&events.DispatchEvent{
			Type:      events.TypeRequestCompleted,
			Frame:     uint64(r.owner.id),
			Context:   string(r.context),
			MessageID: r.messageID,
			Serial:    r.serial,
			Code:      CodeCancelled,
		})
	}
}

// CodeCancelled marks a request_completed event for a request abandoned with
// Destroy.
const CodeCancelled = "CANCELLED"

// onReceiveResponse delivers the reply. It must be called at most once.
func (r *OutgoingRequest) onReceiveResponse(code envelope.ErrorCode, payload any) {
	if r.received {
		panic(fmt.Sprintf("messaging: request %d (%s) received a second response", r.serial, r.messageID))
	}
	r.received = true
	if r.cancelled {
		return
	}

	r.view.publish(&events.DispatchEvent{
		Type:      events.TypeRequestCompleted,
		Frame:     uint64(r.owner.id),
		Context:   string(r.context),
		MessageID: r.messageID,
		Serial:    r.serial,
		Code:      code.String(),
	})

	if code == envelope.OK {
		if r.onReply != nil {
			r.onReply(payload)
		}
		return
	}
	if r.onError != nil {
		r.onError(code, payload)
	}
}
