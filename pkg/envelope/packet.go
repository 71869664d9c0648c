package envelope

import (
	"encoding/json"
	"fmt"
)

const packetLogPrefix = "envelope:packet"

// FrameID identifies a frame for the lifetime of that frame. Zero means none.
type FrameID uint64

// Route is the routing hint a transport carries next to an envelope: which
// view and which frame raised it, or should receive it.
type Route struct {
	View  string  `json:"view"`
	Frame FrameID `json:"frame"`
}

func (r Route) String() string {
	return fmt.Sprintf("%s/%d", r.View, r.Frame)
}

// LifecycleOp is a frame-tree notification raised by the content side.
type LifecycleOp string

const (
	FrameCreated   LifecycleOp = "frame_created"
	FrameDestroyed LifecycleOp = "frame_destroyed"
)

// Lifecycle announces that the frame in the packet route appeared or went
// away. Parent is only read for FrameCreated.
type Lifecycle struct {
	Op     LifecycleOp `json:"op"`
	Parent FrameID     `json:"parent,omitempty"`
}

// Packet is the unit a transport moves: a route plus either an envelope or a
// lifecycle notice.
type Packet struct {
	Route     Route      `json:"route"`
	Envelope  *Envelope  `json:"envelope,omitempty"`
	Lifecycle *Lifecycle `json:"lifecycle,omitempty"`
}

// Validate checks that exactly one body is present and that it is well formed.
func (p *Packet) Validate() error {
	if p == nil {
		return fmt.Errorf("%s - nil packet", packetLogPrefix)
	}
	switch {
	case p.Envelope != nil && p.Lifecycle != nil:
		return fmt.Errorf("%s - packet carries both envelope and lifecycle", packetLogPrefix)
	case p.Envelope != nil:
		return p.Envelope.Validate()
	case p.Lifecycle != nil:
		if p.Route.Frame == 0 {
			return fmt.Errorf("%s - lifecycle %s without frame", packetLogPrefix, p.Lifecycle.Op)
		}
		switch p.Lifecycle.Op {
		case FrameCreated, FrameDestroyed:
			return nil
		default:
			return fmt.Errorf("%s - unknown lifecycle op %q", packetLogPrefix, p.Lifecycle.Op)
		}
	default:
		return fmt.Errorf("%s - empty packet", packetLogPrefix)
	}
}

// EncodePacket serializes a packet for the wire.
func EncodePacket(p *Packet) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode packet: %w", packetLogPrefix, err)
	}
	return data, nil
}

// DecodePacket parses and validates a packet. Payloads come back as plain
// value trees (see Normalize).
func DecodePacket(data []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%s - failed to decode packet: %w", packetLogPrefix, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
