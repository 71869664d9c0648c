// Package events defines dispatch events and the publishers that carry them
// to metrics, the NATS event stream and the journal.
package events

import "time"

// Type names what happened to a message, request or frame.
type Type string

const (
	// TypeDelivered: an inbound message matched a handler.
	TypeDelivered Type = "delivered"
	// TypeUnhandled: an inbound message found no handler or no source frame.
	TypeUnhandled Type = "unhandled"
	// TypeReplySent: the host answered an inbound message.
	TypeReplySent Type = "reply_sent"
	// TypeRequestSent: a frame sent a message (with or without reply).
	TypeRequestSent Type = "request_sent"
	// TypeRequestCompleted: an outgoing request was resolved.
	TypeRequestCompleted Type = "request_completed"
	// TypeReplyDropped: a reply matched no outstanding request.
	TypeReplyDropped Type = "reply_dropped"
	// TypeReplyLost: the transport refused a reply the host had produced.
	TypeReplyLost      Type = "reply_lost"
	TypeFrameCreated   Type = "frame_created"
	TypeFrameDestroyed Type = "frame_destroyed"
)

// DispatchEvent is emitted by a view for every observable step of the protocol.
type DispatchEvent struct {
	Type      Type   `json:"type"`
	View      string `json:"view"`
	Frame     uint64 `json:"frame,omitempty"`
	Context   string `json:"context,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Serial    int64  `json:"serial"`
	Kind      string `json:"kind,omitempty"`
	// Code is the reply error code name, when one applies.
	Code string `json:"code,omitempty"`
	// Owner is where the matching handler lives: "frame:<id>" or "view".
	Owner     string `json:"owner,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Stamp fills Timestamp with the current UTC time if it is empty.
func (e *DispatchEvent) Stamp() *DispatchEvent {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return e
}
