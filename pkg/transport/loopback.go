package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/sequence"
)

const loopbackLogPrefix = "transport:loopback"

// Loopback is one end of an in-process transport pair. Packets are encoded
// on Send and decoded on the peer's sequence, so both ends see exactly what a
// networked transport would deliver.
type Loopback struct {
	name   string
	poster sequence.TryPoster
	peer   *Loopback

	mu     sync.Mutex
	recv   Receiver
	closed bool
}

// NewLoopbackPair connects two ends. Packets sent on a are delivered on b's
// poster and the other way round.
func NewLoopbackPair(a, b sequence.TryPoster) (*Loopback, *Loopback) {
	left := &Loopback{name: "a", poster: a}
	right := &Loopback{name: "b", poster: b}
	left.peer = right
	right.peer = left
	return left, right
}

// Listen sets the receiver for packets arriving at this end.
func (l *Loopback) Listen(recv Receiver) {
	l.mu.Lock()
	l.recv = recv
	l.mu.Unlock()
}

// Send hands pkt to the peer. It never delivers on the calling goroutine and
// never waits: a full peer queue fails the send with ErrQueueFull.
func (l *Loopback) Send(pkt *envelope.Packet) error {
	if l.isClosed() || l.peer.isClosed() {
		return fmt.Errorf("%s - %s: %w", loopbackLogPrefix, l.name, ErrClosed)
	}
	data, err := envelope.EncodePacket(pkt)
	if err != nil {
		return err
	}

	peer := l.peer
	err = peer.poster.TryPost(func() { peer.deliver(data) })
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sequence.ErrFull):
		return fmt.Errorf("%s - %s: %w", loopbackLogPrefix, l.name, ErrQueueFull)
	default:
		return fmt.Errorf("%s - %s: peer sequence stopped: %w", loopbackLogPrefix, l.name, ErrClosed)
	}
}

// Close stops both directions for this end.
func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *Loopback) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loopback) deliver(data []byte) {
	l.mu.Lock()
	recv, closed := l.recv, l.closed
	l.mu.Unlock()
	if closed || recv == nil {
		slog.Debug(fmt.Sprintf("%s - %s: no receiver, dropping packet", loopbackLogPrefix, l.name))
		return
	}

	pkt, err := envelope.DecodePacket(data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - %s: dropping packet: %v", loopbackLogPrefix, l.name, err))
		return
	}
	recv(pkt)
}
