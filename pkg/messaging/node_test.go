package messaging

import (
	"errors"
	"reflect"
	"testing"

	"github.com/morezero/framebus/pkg/envelope"
)

func TestNode_SerialsPostIncrement(t *testing.T) {
	v, rec := newTestView(t)
	root := v.Root()

	for want := int64(0); want < 3; want++ {
		req, err := root.SendMessage(mainContext, "m", nil)
		if err != nil {
			t.Fatalf("messaging:node_test - SendMessage failed: %v", err)
		}
		if req.Serial() != want {
			t.Errorf("messaging:node_test - serial = %d, want %d", req.Serial(), want)
		}
	}
	if err := root.SendMessageNoReply(mainContext, "m", nil); err != nil {
		t.Fatalf("messaging:node_test - SendMessageNoReply failed: %v", err)
	}

	last := rec.last(t).Envelope
	if last.Serial != 3 || last.Kind != envelope.KindMessageNoReply {
		t.Errorf("messaging:node_test - no-reply envelope = %+v", last)
	}
	if root.InFlight() != 3 {
		t.Errorf("messaging:node_test - InFlight = %d, want 3", root.InFlight())
	}
	if rec.last(t).Route != (envelope.Route{View: testView, Frame: 1}) {
		t.Errorf("messaging:node_test - route = %s", rec.last(t).Route)
	}
}

func TestNode_SendFailure(t *testing.T) {
	v, rec := newTestView(t)
	rec.fail = errTransportDown

	req, err := v.Root().SendMessage(mainContext, "m", nil)
	if req != nil {
		t.Error("messaging:node_test - request returned despite transport failure")
	}
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, errTransportDown) {
		t.Errorf("messaging:node_test - error = %v, want ErrSendFailed wrapping transport error", err)
	}
	if v.Root().InFlight() != 0 {
		t.Errorf("messaging:node_test - failed request left in flight")
	}

	if err := v.Root().SendMessageNoReply(mainContext, "m", nil); !errors.Is(err, ErrSendFailed) {
		t.Errorf("messaging:node_test - SendMessageNoReply error = %v", err)
	}
}

func TestNode_SendRejectsBadInput(t *testing.T) {
	v, _ := newTestView(t)
	root := v.Root()

	tests := []struct {
		name      string
		context   envelope.ContextID
		messageID string
		payload   any
	}{
		{"empty message id", mainContext, "", nil},
		{"empty context", "", "m", nil},
		{"unserializable payload", mainContext, "m", func() {}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := root.SendMessage(tt.context, tt.messageID, tt.payload)
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("messaging:node_test - error = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestNode_DestroyResolvesPending(t *testing.T) {
	v, _ := newTestView(t)
	child := mustFrame(t, v, 2, 0)

	var order []int64
	for i := 0; i < 3; i++ {
		req, err := child.SendMessage(mainContext, "m", nil)
		if err != nil {
			t.Fatalf("messaging:node_test - SendMessage failed: %v", err)
		}
		req.OnError(func(code envelope.ErrorCode, payload any) {
			if code != envelope.ErrHandlerDidNotRespond || payload != nil {
				t.Errorf("messaging:node_test - teardown resolved with %s %v", code, payload)
			}
			order = append(order, req.Serial())
		})
	}

	if err := v.DestroyFrame(2); err != nil {
		t.Fatalf("messaging:node_test - DestroyFrame failed: %v", err)
	}

	if !reflect.DeepEqual(order, []int64{0, 1, 2}) {
		t.Errorf("messaging:node_test - resolution order = %v", order)
	}
	if child.InFlight() != 0 {
		t.Errorf("messaging:node_test - InFlight = %d after destroy", child.InFlight())
	}
	if _, err := child.SendMessage(mainContext, "m", nil); !errors.Is(err, ErrFrameDestroyed) {
		t.Errorf("messaging:node_test - send after destroy error = %v", err)
	}
	if err := child.AddHandler(NewHandler("m", []envelope.ContextID{mainContext}, noop)); !errors.Is(err, ErrFrameDestroyed) {
		t.Errorf("messaging:node_test - AddHandler after destroy error = %v", err)
	}
}

func TestNode_DestroyIsDepthFirst(t *testing.T) {
	v, _ := newTestView(t)
	parent := mustFrame(t, v, 2, 0)
	left := mustFrame(t, v, 3, 2)
	grandchild := mustFrame(t, v, 4, 3)
	right := mustFrame(t, v, 5, 2)

	var order []envelope.FrameID
	for _, n := range []*Node{parent, left, grandchild, right} {
		n := n
		req, err := n.SendMessage(mainContext, "m", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.OnError(func(envelope.ErrorCode, any) {
			order = append(order, n.ID())
			if req.Owner() != nil {
				t.Errorf("messaging:node_test - frame %d still resolvable during its teardown", n.ID())
			}
		})
	}

	if err := v.DestroyFrame(2); err != nil {
		t.Fatal(err)
	}

	expected := []envelope.FrameID{4, 3, 5, 2}
	if !reflect.DeepEqual(order, expected) {
		t.Errorf("messaging:node_test - teardown order = %v, want %v", order, expected)
	}
	if v.FrameCount() != 1 {
		t.Errorf("messaging:node_test - FrameCount = %d, want 1", v.FrameCount())
	}
	if len(v.Root().Children()) != 0 {
		t.Error("messaging:node_test - destroyed frame still a child of root")
	}
	for _, id := range []envelope.FrameID{2, 3, 4, 5} {
		if v.Frame(id) != nil {
			t.Errorf("messaging:node_test - frame %d still registered", id)
		}
	}
}

func TestNode_DestroyOnlyAffectsOwnRequests(t *testing.T) {
	v, _ := newTestView(t)
	a := mustFrame(t, v, 2, 0)
	b := mustFrame(t, v, 3, 0)

	var outA, outB outcome
	reqA, _ := a.SendMessage(mainContext, "m", nil)
	reqB, _ := b.SendMessage(mainContext, "m", nil)
	outA.watch(reqA)
	outB.watch(reqB)

	if err := v.DestroyFrame(2); err != nil {
		t.Fatal(err)
	}

	if outA.calls != 1 || outA.code != envelope.ErrHandlerDidNotRespond {
		t.Errorf("messaging:node_test - destroyed frame outcome = %+v", outA)
	}
	if outB.calls != 0 || b.InFlight() != 1 {
		t.Error("messaging:node_test - sibling request touched by teardown")
	}
}

func TestNode_TeardownReentrancy(t *testing.T) {
	v, _ := newTestView(t)
	child := mustFrame(t, v, 2, 0)

	first, _ := child.SendMessage(mainContext, "m", nil)
	second, _ := child.SendMessage(mainContext, "m", nil)
	third, _ := child.SendMessage(mainContext, "m", nil)

	var resolved []int64
	first.OnError(func(envelope.ErrorCode, any) {
		resolved = append(resolved, first.Serial())
		second.Destroy()
		if _, err := child.SendMessage(mainContext, "late", nil); !errors.Is(err, ErrFrameDestroyed) {
			t.Errorf("messaging:node_test - send during teardown error = %v", err)
		}
		if _, err := v.CreateFrame(9, 2); err == nil {
			t.Error("messaging:node_test - created a child under a frame being destroyed")
		}
		// Destroying again from a callback is ignored.
		if err := v.DestroyFrame(2); err == nil {
			t.Error("messaging:node_test - retired frame still destroyable")
		}
	})
	second.OnError(func(envelope.ErrorCode, any) {
		resolved = append(resolved, second.Serial())
	})
	third.OnError(func(envelope.ErrorCode, any) {
		resolved = append(resolved, third.Serial())
	})

	if err := v.DestroyFrame(2); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(resolved, []int64{0, 2}) {
		t.Errorf("messaging:node_test - resolved = %v, want [0 2]", resolved)
	}
}

func TestNode_RemoveOutgoingRequest(t *testing.T) {
	v, rec := newTestView(t)
	root := v.Root()

	req, _ := root.SendMessage(mainContext, "m", nil)
	var out outcome
	out.watch(req)

	req.Destroy()
	if root.InFlight() != 0 || req.Pending() {
		t.Fatal("messaging:node_test - Destroy did not remove request")
	}
	if req.Owner() != root {
		t.Error("messaging:node_test - Owner should stay resolvable while the frame lives")
	}

	v.Receive(replyPacket(1, req.Serial(), envelope.OK, nil))
	if out.calls != 0 {
		t.Error("messaging:node_test - destroyed request received a callback")
	}
	if len(rec.packets) != 1 {
		t.Errorf("messaging:node_test - unexpected traffic: %d packets", len(rec.packets))
	}
}

func TestNode_SecondResponsePanics(t *testing.T) {
	v, _ := newTestView(t)
	req, _ := v.Root().SendMessage(mainContext, "m", nil)
	req.onReceiveResponse(envelope.OK, nil)

	defer func() {
		if recover() == nil {
			t.Error("messaging:node_test - second onReceiveResponse did not panic")
		}
	}()
	req.onReceiveResponse(envelope.OK, nil)
}

func TestNode_WeakReferences(t *testing.T) {
	v, _ := newTestView(t)
	child := mustFrame(t, v, 2, 0)
	req, _ := child.SendMessage(mainContext, "m", nil)

	if err := v.DestroyFrame(2); err != nil {
		t.Fatal(err)
	}
	if req.Owner() != nil {
		t.Error("messaging:node_test - request owner resolvable after destroy")
	}

	// A new frame reusing the id must not revive the old reference.
	mustFrame(t, v, 2, 0)
	if req.Owner() != nil {
		t.Error("messaging:node_test - request owner resolved to a reused frame id")
	}
}
