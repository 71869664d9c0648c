package commsutil

import (
	"encoding/json"
	"fmt"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/framebus/pkg/envelope"
)

const codecLogPrefix = "commsutil:codec"

// HeaderProtocol carries the sender's packet protocol version.
const HeaderProtocol = "Framebus-Protocol"

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// NewPacketMsg wraps a packet in a COMMS message stamped with the protocol version.
func NewPacketMsg(subject string, pkt *envelope.Packet) (*comms.Msg, error) {
	data, err := envelope.EncodePacket(pkt)
	if err != nil {
		return nil, err
	}
	msg := comms.NewMsg(subject)
	msg.Header.Set(HeaderProtocol, envelope.ProtocolVersion)
	msg.Data = data
	return msg, nil
}

// DecodePacketMsg checks the sender's protocol version and decodes the packet.
func DecodePacketMsg(msg *comms.Msg) (*envelope.Packet, error) {
	var peer string
	if msg.Header != nil {
		peer = msg.Header.Get(HeaderProtocol)
	}
	if err := envelope.CheckCompatible(peer); err != nil {
		return nil, fmt.Errorf("%s - %s: %w", codecLogPrefix, msg.Subject, err)
	}
	return envelope.DecodePacket(msg.Data)
}
