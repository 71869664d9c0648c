// Package transport moves packets between the host and the content side.
//
// Every transport implements messaging.Transport for the outbound half. The
// inbound half decodes packets and posts them, in arrival order, onto the
// receiving side's sequence, so receivers never run concurrently with the
// frame tree they touch.
package transport

import (
	"errors"

	"github.com/morezero/framebus/pkg/envelope"
)

var (
	// ErrClosed is returned by Send once the transport has been closed.
	ErrClosed = errors.New("transport closed")
	// ErrQueueFull is returned by Send when the outbound queue is full.
	ErrQueueFull = errors.New("transport send queue full")
)

// Receiver handles one inbound packet. It runs on the receiving sequence.
type Receiver func(pkt *envelope.Packet)
