package transport

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/sequence"
)

func startSequence(t *testing.T, name string) *sequence.Sequence {
	t.Helper()
	s := sequence.New(name, 16)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s
}

func testPacket(serial int64, payload any) *envelope.Packet {
	return &envelope.Packet{
		Route: envelope.Route{View: "main", Frame: 1},
		Envelope: &envelope.Envelope{
			Context:   "app://main",
			Serial:    serial,
			Kind:      envelope.KindMessage,
			MessageID: "ping",
			Payload:   payload,
		},
	}
}

func collect(n int) (Receiver, <-chan []*envelope.Packet) {
	var got []*envelope.Packet
	done := make(chan []*envelope.Packet, 1)
	return func(pkt *envelope.Packet) {
		got = append(got, pkt)
		if len(got) == n {
			done <- got
		}
	}, done
}

func waitPackets(t *testing.T, done <-chan []*envelope.Packet) []*envelope.Packet {
	t.Helper()
	select {
	case got := <-done:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("transport:test - timed out waiting for packets")
		return nil
	}
}

func TestLoopback_DeliversInOrder(t *testing.T) {
	host := startSequence(t, "host")
	content := startSequence(t, "content")
	a, b := NewLoopbackPair(host, content)

	recv, done := collect(3)
	b.Listen(recv)

	for i := int64(0); i < 3; i++ {
		if err := a.Send(testPacket(i, map[string]any{"n": i})); err != nil {
			t.Fatalf("transport:loopback_test - Send failed: %v", err)
		}
	}

	got := waitPackets(t, done)
	for i, pkt := range got {
		if pkt.Envelope.Serial != int64(i) {
			t.Errorf("transport:loopback_test - packet %d has serial %d", i, pkt.Envelope.Serial)
		}
		// Payloads arrive as decoded value trees.
		if !reflect.DeepEqual(pkt.Envelope.Payload, map[string]any{"n": float64(i)}) {
			t.Errorf("transport:loopback_test - payload = %#v", pkt.Envelope.Payload)
		}
	}
}

func TestLoopback_BothDirections(t *testing.T) {
	host := startSequence(t, "host")
	content := startSequence(t, "content")
	a, b := NewLoopbackPair(host, content)

	recvA, doneA := collect(1)
	recvB, doneB := collect(1)
	a.Listen(recvA)
	b.Listen(recvB)

	if err := a.Send(testPacket(1, nil)); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(testPacket(2, nil)); err != nil {
		t.Fatal(err)
	}

	if got := waitPackets(t, doneB); got[0].Envelope.Serial != 1 {
		t.Errorf("transport:loopback_test - b received serial %d", got[0].Envelope.Serial)
	}
	if got := waitPackets(t, doneA); got[0].Envelope.Serial != 2 {
		t.Errorf("transport:loopback_test - a received serial %d", got[0].Envelope.Serial)
	}
}

func TestLoopback_Closed(t *testing.T) {
	host := startSequence(t, "host")
	content := startSequence(t, "content")
	a, b := NewLoopbackPair(host, content)

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(testPacket(0, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("transport:loopback_test - send to closed peer error = %v", err)
	}
	if err := b.Send(testPacket(0, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("transport:loopback_test - send on closed end error = %v", err)
	}
}

func TestLoopback_StoppedPeerSequence(t *testing.T) {
	host := startSequence(t, "host")
	content := sequence.New("stopped", 4)
	go content.Run(context.Background())
	content.Stop()
	<-content.Done()

	a, _ := NewLoopbackPair(host, content)
	if err := a.Send(testPacket(0, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("transport:loopback_test - error = %v, want ErrClosed", err)
	}
}

func TestLoopback_FullQueuesDoNotDeadlock(t *testing.T) {
	host := sequence.New("host", 4)
	content := sequence.New("content", 4)
	for _, s := range []*sequence.Sequence{host, content} {
		ctx, cancel := context.WithCancel(context.Background())
		go s.Run(ctx)
		t.Cleanup(func() {
			cancel()
			<-s.Done()
		})
	}
	hostEnd, contentEnd := NewLoopbackPair(host, content)

	// The host answers every packet, posting back into the content queue.
	var hostErrs []error
	hostEnd.Listen(func(pkt *envelope.Packet) {
		reply := testPacket(pkt.Envelope.Serial, nil)
		reply.Envelope.Kind = envelope.KindReply
		reply.Envelope.MessageID = ""
		if err := hostEnd.Send(reply); err != nil {
			hostErrs = append(hostErrs, err)
		}
	})
	contentEnd.Listen(func(*envelope.Packet) {})

	var sendErrs []error
	done := make(chan struct{})
	content.Post(func() {
		defer close(done)
		for i := int64(0); i < 50; i++ {
			if err := contentEnd.Send(testPacket(i, nil)); err != nil {
				sendErrs = append(sendErrs, err)
			}
		}
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transport:loopback_test - Send blocked with both queues full")
	}

	for _, err := range sendErrs {
		if !errors.Is(err, ErrQueueFull) {
			t.Errorf("transport:loopback_test - send error = %v, want ErrQueueFull", err)
		}
	}

	var got []error
	if err := host.Sync(context.Background(), func() { got = append(got, hostErrs...) }); err != nil {
		t.Fatalf("transport:loopback_test - host Sync failed: %v", err)
	}
	for _, err := range got {
		if !errors.Is(err, ErrQueueFull) {
			t.Errorf("transport:loopback_test - host reply error = %v, want ErrQueueFull", err)
		}
	}
	// One side or the other must have hit the four-slot limit.
	if len(sendErrs)+len(got) == 0 {
		t.Error("transport:loopback_test - expected full queues to refuse some sends")
	}
}
