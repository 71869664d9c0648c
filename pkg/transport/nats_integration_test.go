package transport

import (
	"errors"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/framebus/pkg/commsutil"
	"github.com/morezero/framebus/pkg/envelope"
)

func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()

	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("transport:nats_integration_test - failed to create server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("transport:nats_integration_test - server failed to start")
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("transport:nats_integration_test - failed to connect: %v", err)
	}

	return nc, func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	}
}

func newNATSPair(t *testing.T, nc *comms.Conn) (host, peer *NATS) {
	t.Helper()
	hostSubject := commsutil.BuildHostSubject("main")
	contentSubject := commsutil.BuildContentSubject("main")

	var err error
	host, err = NewNATS(nc, NATSOptions{SendSubject: contentSubject, ReceiveSubject: hostSubject, Poster: startSequence(t, "host")})
	if err != nil {
		t.Fatalf("transport:nats_integration_test - NewNATS(host) failed: %v", err)
	}
	peer, err = NewNATS(nc, NATSOptions{SendSubject: hostSubject, ReceiveSubject: contentSubject, Poster: startSequence(t, "content")})
	if err != nil {
		t.Fatalf("transport:nats_integration_test - NewNATS(peer) failed: %v", err)
	}
	return host, peer
}

func TestNATS_RoundTrip(t *testing.T) {
	nc, cleanup := startTestServer(t, 14340)
	defer cleanup()

	host, peer := newNATSPair(t, nc)
	defer host.Close()
	defer peer.Close()

	hostRecv, hostDone := collect(1)
	peerRecv, peerDone := collect(2)
	if err := host.Listen(hostRecv); err != nil {
		t.Fatal(err)
	}
	if err := peer.Listen(peerRecv); err != nil {
		t.Fatal(err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := host.Send(testPacket(0, "a")); err != nil {
		t.Fatalf("transport:nats_integration_test - Send failed: %v", err)
	}
	if err := host.Send(testPacket(1, "b")); err != nil {
		t.Fatalf("transport:nats_integration_test - Send failed: %v", err)
	}
	if err := peer.Send(testPacket(7, "c")); err != nil {
		t.Fatalf("transport:nats_integration_test - Send failed: %v", err)
	}

	got := waitPackets(t, peerDone)
	if got[0].Envelope.Payload != "a" || got[1].Envelope.Payload != "b" {
		t.Errorf("transport:nats_integration_test - peer received %v, %v", got[0].Envelope.Payload, got[1].Envelope.Payload)
	}
	if got := waitPackets(t, hostDone); got[0].Envelope.Serial != 7 {
		t.Errorf("transport:nats_integration_test - host received serial %d", got[0].Envelope.Serial)
	}
}

func TestNATS_DropsIncompatibleProtocol(t *testing.T) {
	nc, cleanup := startTestServer(t, 14341)
	defer cleanup()

	host, _ := newNATSPair(t, nc)
	defer host.Close()

	recv, done := collect(1)
	if err := host.Listen(recv); err != nil {
		t.Fatal(err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	data, err := envelope.EncodePacket(testPacket(99, nil))
	if err != nil {
		t.Fatal(err)
	}
	future := comms.NewMsg(commsutil.BuildHostSubject("main"))
	future.Header.Set(commsutil.HeaderProtocol, "2.0.0")
	future.Data = data
	if err := nc.PublishMsg(future); err != nil {
		t.Fatal(err)
	}

	good, err := commsutil.NewPacketMsg(commsutil.BuildHostSubject("main"), testPacket(1, nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := nc.PublishMsg(good); err != nil {
		t.Fatal(err)
	}

	got := waitPackets(t, done)
	if got[0].Envelope.Serial != 1 {
		t.Errorf("transport:nats_integration_test - first delivered serial = %d, want 1", got[0].Envelope.Serial)
	}
}

func TestNATS_Validation(t *testing.T) {
	if _, err := NewNATS(nil, NATSOptions{}); err == nil {
		t.Error("transport:nats_integration_test - nil connection accepted")
	}

	nc, cleanup := startTestServer(t, 14342)
	defer cleanup()

	if _, err := NewNATS(nc, NATSOptions{SendSubject: "a"}); err == nil {
		t.Error("transport:nats_integration_test - missing receive subject accepted")
	}
	if _, err := NewNATS(nc, NATSOptions{SendSubject: "a", ReceiveSubject: "b"}); err == nil {
		t.Error("transport:nats_integration_test - missing poster accepted")
	}

	host, _ := newNATSPair(t, nc)
	if err := host.Close(); err != nil {
		t.Fatal(err)
	}
	if err := host.Send(testPacket(0, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("transport:nats_integration_test - send after close error = %v", err)
	}
	if err := host.Listen(func(*envelope.Packet) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("transport:nats_integration_test - listen after close error = %v", err)
	}
}
