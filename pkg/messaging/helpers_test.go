package messaging

import (
	"errors"
	"testing"

	"github.com/morezero/framebus/pkg/envelope"
)

const (
	testView    = "main"
	mainContext = envelope.ContextID("app://main")
)

// recorder is a Transport that keeps every packet it is given.
type recorder struct {
	packets []*envelope.Packet
	fail    error
}

func (r *recorder) Send(pkt *envelope.Packet) error {
	if r.fail != nil {
		return r.fail
	}
	r.packets = append(r.packets, pkt)
	return nil
}

func (r *recorder) replies() []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, p := range r.packets {
		if p.Envelope != nil && p.Envelope.Kind == envelope.KindReply {
			out = append(out, p.Envelope)
		}
	}
	return out
}

func (r *recorder) last(t *testing.T) *envelope.Packet {
	t.Helper()
	if len(r.packets) == 0 {
		t.Fatal("messaging:helpers_test - no packet was sent")
	}
	return r.packets[len(r.packets)-1]
}

var errTransportDown = errors.New("transport down")

func newTestView(t *testing.T) (*View, *recorder) {
	t.Helper()
	rec := &recorder{}
	v, err := NewView(NewViewParams{ID: testView, Transport: rec})
	if err != nil {
		t.Fatalf("messaging:helpers_test - NewView failed: %v", err)
	}
	return v, rec
}

func mustFrame(t *testing.T, v *View, id, parent envelope.FrameID) *Node {
	t.Helper()
	n, err := v.CreateFrame(id, parent)
	if err != nil {
		t.Fatalf("messaging:helpers_test - CreateFrame(%d, %d) failed: %v", id, parent, err)
	}
	return n
}

func mustAdd(t *testing.T, n *Node, h *Handler) *Handler {
	t.Helper()
	if err := n.AddHandler(h); err != nil {
		t.Fatalf("messaging:helpers_test - AddHandler failed: %v", err)
	}
	return h
}

func messagePacket(frame envelope.FrameID, kind envelope.Kind, messageID string, serial int64, payload any) *envelope.Packet {
	return &envelope.Packet{
		Route: envelope.Route{View: testView, Frame: frame},
		Envelope: &envelope.Envelope{
			Context:   mainContext,
			Serial:    serial,
			Kind:      kind,
			MessageID: messageID,
			Payload:   payload,
		},
	}
}

func replyPacket(frame envelope.FrameID, serial int64, code envelope.ErrorCode, payload any) *envelope.Packet {
	return &envelope.Packet{
		Route:    envelope.Route{View: testView, Frame: frame},
		Envelope: envelope.NewReply(mainContext, serial, code, payload),
	}
}

// pipe connects two views the way a loopback transport would: packets are
// queued and delivered only when pump is called.
type pipe struct {
	queue []func()
}

func (p *pipe) to(dst **View) Transport {
	return TransportFunc(func(pkt *envelope.Packet) error {
		p.queue = append(p.queue, func() { (*dst).Receive(pkt) })
		return nil
	})
}

func (p *pipe) pump() {
	for len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		next()
	}
}

// newMirroredViews builds a host view and a content view sharing one id, as
// the two ends of one connection.
func newMirroredViews(t *testing.T) (host, content *View, p *pipe) {
	t.Helper()
	p = &pipe{}
	var err error
	host, err = NewView(NewViewParams{ID: testView, Transport: p.to(&content)})
	if err != nil {
		t.Fatalf("messaging:helpers_test - NewView(host) failed: %v", err)
	}
	content, err = NewView(NewViewParams{ID: testView, Transport: p.to(&host)})
	if err != nil {
		t.Fatalf("messaging:helpers_test - NewView(content) failed: %v", err)
	}
	return host, content, p
}

type outcome struct {
	code    envelope.ErrorCode
	payload any
	calls   int
}

func (o *outcome) watch(req *OutgoingRequest) *OutgoingRequest {
	return req.
		OnReply(func(payload any) {
			o.calls++
			o.code = envelope.OK
			o.payload = payload
		}).
		OnError(func(code envelope.ErrorCode, payload any) {
			o.calls++
			o.code = code
			o.payload = payload
		})
}
