package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectPrefix = "framebus"
	SubjectEvents = "framebus.events"
)

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// SafeToken makes s usable as a single subject token.
func SafeToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// BuildHostSubject is where content peers of a view publish packets for the host.
func BuildHostSubject(view string) string {
	return fmt.Sprintf("%s.view.%s.host", SubjectPrefix, SafeToken(view))
}

// BuildContentSubject is where the host publishes packets for a view's content peer.
func BuildContentSubject(view string) string {
	return fmt.Sprintf("%s.view.%s.content", SubjectPrefix, SafeToken(view))
}

// BuildEventSubject builds a per-view dispatch event subject under base.
func BuildEventSubject(base, view, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", base, SafeToken(view), SafeToken(eventType))
}
