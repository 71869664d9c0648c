package db

import (
	"time"

	"github.com/morezero/framebus/pkg/events"
)

// JournalEntry represents a row in the dispatch_journal table.
type JournalEntry struct {
	ID         int64     `json:"id"`
	View       string    `json:"view"`
	Frame      uint64    `json:"frame"`
	Context    string    `json:"context"`
	MessageID  string    `json:"messageId"`
	Serial     int64     `json:"serial"`
	Kind       string    `json:"kind"`
	Type       string    `json:"type"`
	Code       string    `json:"code"`
	Owner      string    `json:"owner"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EntryFromEvent converts a dispatch event. An unparsable timestamp falls
// back to now.
func EntryFromEvent(ev *events.DispatchEvent) JournalEntry {
	at, err := time.Parse(time.RFC3339Nano, ev.Timestamp)
	if err != nil {
		at = time.Now().UTC()
	}
	return JournalEntry{
		View:       ev.View,
		Frame:      ev.Frame,
		Context:    ev.Context,
		MessageID:  ev.MessageID,
		Serial:     ev.Serial,
		Kind:       ev.Kind,
		Type:       string(ev.Type),
		Code:       ev.Code,
		Owner:      ev.Owner,
		OccurredAt: at,
	}
}

var journalColumns = []string{
	"view", "frame", "context", "message_id", "serial", "kind", "type", "code", "owner", "occurred_at",
}

func (e *JournalEntry) values() []any {
	return []any{e.View, int64(e.Frame), e.Context, e.MessageID, e.Serial, e.Kind, e.Type, e.Code, e.Owner, e.OccurredAt}
}
