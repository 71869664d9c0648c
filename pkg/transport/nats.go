package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/framebus/pkg/commsutil"
	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/sequence"
)

const natsLogPrefix = "transport:nats"

// NATSOptions configures a NATS transport. The host sends on the view's
// content subject and receives on its host subject; a content peer does the
// opposite.
type NATSOptions struct {
	SendSubject    string
	ReceiveSubject string
	Poster         sequence.Poster
}

// NATS carries packets over COMMS subjects with a protocol version header.
type NATS struct {
	nc   *comms.Conn
	opts NATSOptions

	mu     sync.Mutex
	sub    *comms.Subscription
	closed bool
}

// NewNATS creates a NATS transport on an existing connection.
func NewNATS(nc *comms.Conn, opts NATSOptions) (*NATS, error) {
	if nc == nil {
		return nil, fmt.Errorf("%s - connection is required", natsLogPrefix)
	}
	if opts.SendSubject == "" || opts.ReceiveSubject == "" {
		return nil, fmt.Errorf("%s - send and receive subjects are required", natsLogPrefix)
	}
	if opts.Poster == nil {
		return nil, fmt.Errorf("%s - poster is required", natsLogPrefix)
	}
	return &NATS{nc: nc, opts: opts}, nil
}

// Listen subscribes to the receive subject. Packets from peers speaking an
// incompatible protocol version are dropped.
func (t *NATS) Listen(recv Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%s - %s: %w", natsLogPrefix, t.opts.ReceiveSubject, ErrClosed)
	}
	if t.sub != nil {
		return fmt.Errorf("%s - already listening on %s", natsLogPrefix, t.opts.ReceiveSubject)
	}

	sub, err := t.nc.Subscribe(t.opts.ReceiveSubject, func(msg *comms.Msg) {
		pkt, err := commsutil.DecodePacketMsg(msg)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping packet on %s: %v", natsLogPrefix, msg.Subject, err))
			return
		}
		if !t.opts.Poster.Post(func() { recv(pkt) }) {
			slog.Debug(fmt.Sprintf("%s - sequence stopped, dropping packet on %s", natsLogPrefix, msg.Subject))
		}
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", natsLogPrefix, t.opts.ReceiveSubject, err)
	}
	t.sub = sub
	slog.Info(fmt.Sprintf("%s - Listening on %s", natsLogPrefix, t.opts.ReceiveSubject))
	return nil
}

// Send publishes pkt on the send subject. Publish only buffers, so Send is
// safe to call from a sequence.
func (t *NATS) Send(pkt *envelope.Packet) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("%s - %s: %w", natsLogPrefix, t.opts.SendSubject, ErrClosed)
	}

	msg, err := commsutil.NewPacketMsg(t.opts.SendSubject, pkt)
	if err != nil {
		return err
	}
	if err := t.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", natsLogPrefix, t.opts.SendSubject, err)
	}
	return nil
}

// Close unsubscribes. The connection itself is left open.
func (t *NATS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
			return fmt.Errorf("%s - failed to unsubscribe from %s: %w", natsLogPrefix, t.opts.ReceiveSubject, err)
		}
	}
	return nil
}
