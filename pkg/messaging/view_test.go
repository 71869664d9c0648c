package messaging

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/morezero/framebus/pkg/envelope"
)

func TestNewView_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params NewViewParams
	}{
		{"missing id", NewViewParams{Transport: &recorder{}}},
		{"missing transport", NewViewParams{ID: testView}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewView(tt.params); err == nil {
				t.Error("messaging:view_test - expected error")
			}
		})
	}
}

func TestView_RootFrame(t *testing.T) {
	v, _ := newTestView(t)
	if v.Root().ID() != DefaultRootFrame || v.Frame(DefaultRootFrame) != v.Root() {
		t.Errorf("messaging:view_test - root = %d", v.Root().ID())
	}

	custom, err := NewView(NewViewParams{ID: "custom", RootFrame: 100, Transport: &recorder{}})
	if err != nil {
		t.Fatal(err)
	}
	if custom.Root().ID() != 100 {
		t.Errorf("messaging:view_test - custom root = %d, want 100", custom.Root().ID())
	}
	if n := mustFrame(t, custom, 101, 0); n.Parent() != custom.Root() {
		t.Error("messaging:view_test - zero parent did not default to root")
	}
}

func TestView_CreateFrameErrors(t *testing.T) {
	v, _ := newTestView(t)
	mustFrame(t, v, 2, 0)

	if _, err := v.CreateFrame(2, 0); !errors.Is(err, ErrDuplicateFrame) {
		t.Errorf("messaging:view_test - duplicate error = %v", err)
	}
	if _, err := v.CreateFrame(3, 77); !errors.Is(err, ErrUnknownFrame) {
		t.Errorf("messaging:view_test - unknown parent error = %v", err)
	}
	if _, err := v.CreateFrame(0, 1); err == nil {
		t.Error("messaging:view_test - zero frame id accepted")
	}
	if err := v.DestroyFrame(77); !errors.Is(err, ErrUnknownFrame) {
		t.Errorf("messaging:view_test - destroy unknown error = %v", err)
	}
}

func TestView_LifecyclePackets(t *testing.T) {
	v, _ := newTestView(t)
	lifecycle := func(frame, parent envelope.FrameID, op envelope.LifecycleOp) *envelope.Packet {
		return &envelope.Packet{
			Route:     envelope.Route{View: testView, Frame: frame},
			Lifecycle: &envelope.Lifecycle{Op: op, Parent: parent},
		}
	}

	v.Receive(lifecycle(2, 0, envelope.FrameCreated))
	v.Receive(lifecycle(3, 2, envelope.FrameCreated))
	v.Receive(lifecycle(3, 2, envelope.FrameCreated))

	if v.FrameCount() != 3 {
		t.Fatalf("messaging:view_test - FrameCount = %d, want 3", v.FrameCount())
	}
	if v.Frame(3).Parent().ID() != 2 {
		t.Error("messaging:view_test - frame 3 not under frame 2")
	}

	v.Receive(lifecycle(2, 0, envelope.FrameDestroyed))
	if v.FrameCount() != 1 {
		t.Errorf("messaging:view_test - FrameCount = %d after destroy, want 1", v.FrameCount())
	}
}

func TestView_CloseResolvesEverything(t *testing.T) {
	v, rec := newTestView(t)
	child := mustFrame(t, v, 2, 0)
	if err := v.AddHandler(NewHandler("x", []envelope.ContextID{mainContext}, noop)); err != nil {
		t.Fatal(err)
	}

	var rootOut, childOut outcome
	rootReq, _ := v.Root().SendMessage(mainContext, "m", nil)
	childReq, _ := child.SendMessage(mainContext, "m", nil)
	rootOut.watch(rootReq)
	childOut.watch(childReq)

	if err := v.DestroyFrame(v.Root().ID()); err != nil {
		t.Fatal(err)
	}

	if !v.Closed() || v.FrameCount() != 0 {
		t.Errorf("messaging:view_test - closed=%v frames=%d", v.Closed(), v.FrameCount())
	}
	for name, out := range map[string]outcome{"root": rootOut, "child": childOut} {
		if out.calls != 1 || out.code != envelope.ErrHandlerDidNotRespond {
			t.Errorf("messaging:view_test - %s outcome = %+v", name, out)
		}
	}
	if len(v.Handlers()) != 0 {
		t.Error("messaging:view_test - view handlers survived Close")
	}

	sent := len(rec.packets)
	v.Receive(messagePacket(1, envelope.KindMessageNoReply, "x", 8, nil))
	v.Receive(replyPacket(1, 0, envelope.OK, nil))
	if len(rec.packets) != sent {
		t.Error("messaging:view_test - closed view answered a no-reply message or a reply")
	}
	if _, err := v.CreateFrame(5, 0); !errors.Is(err, ErrViewClosed) {
		t.Errorf("messaging:view_test - CreateFrame after close error = %v", err)
	}
	if err := v.AddHandler(NewHandler("x", nil, nil)); !errors.Is(err, ErrViewClosed) {
		t.Errorf("messaging:view_test - AddHandler after close error = %v", err)
	}
	v.Close()
}

func TestView_Snapshot(t *testing.T) {
	v, _ := newTestView(t)
	child := mustFrame(t, v, 2, 0)
	mustAdd(t, child, NewHandler("ping", []envelope.ContextID{mainContext}, noop))
	mustAdd(t, child, NewHandler("partial", nil, nil))
	if _, err := child.SendMessage(mainContext, "m", nil); err != nil {
		t.Fatal(err)
	}

	snap := v.Snapshot()
	if snap.ID != testView || snap.Frames != 2 || snap.Root == nil {
		t.Fatalf("messaging:view_test - snapshot = %+v", snap)
	}
	if len(snap.Root.Children) != 1 {
		t.Fatalf("messaging:view_test - root children = %d", len(snap.Root.Children))
	}
	c := snap.Root.Children[0]
	if c.ID != 2 || c.InFlight != 1 || len(c.Handlers) != 2 {
		t.Errorf("messaging:view_test - child snapshot = %+v", c)
	}
	if !c.Handlers[0].Valid || c.Handlers[1].Valid {
		t.Errorf("messaging:view_test - handler validity = %+v", c.Handlers)
	}

	if _, err := json.Marshal(snap); err != nil {
		t.Errorf("messaging:view_test - snapshot not serializable: %v", err)
	}

	v.Close()
	if closed := v.Snapshot(); !closed.Closed || closed.Root != nil {
		t.Errorf("messaging:view_test - closed snapshot = %+v", closed)
	}
}

func TestView_ClosedViewAnswersMessages(t *testing.T) {
	v, rec := newTestView(t)
	mustAdd(t, v.Root(), NewHandler("ping", []envelope.ContextID{mainContext}, func(msg *IncomingMessage) error {
		msg.Reply("pong")
		return nil
	}))
	v.Close()

	v.Receive(messagePacket(1, envelope.KindMessage, "ping", 7, nil))

	replies := rec.replies()
	if len(replies) != 1 {
		t.Fatalf("messaging:view_test - got %d replies from a closed view, want 1", len(replies))
	}
	if replies[0].Error != envelope.ErrInvalidDestination || replies[0].Serial != 7 {
		t.Errorf("messaging:view_test - reply = %+v, want INVALID_DESTINATION for serial 7", replies[0])
	}
	if got := rec.last(t).Route; got.Frame != 1 {
		t.Errorf("messaging:view_test - reply routed to %s, want frame 1", got)
	}
}
