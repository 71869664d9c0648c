package messaging

import "github.com/morezero/framebus/pkg/envelope"

// HandlerSnapshot describes one registered handler.
type HandlerSnapshot struct {
	MessageID string   `json:"messageId"`
	Contexts  []string `json:"contexts"`
	Valid     bool     `json:"valid"`
}

// FrameSnapshot describes one frame and its subtree.
type FrameSnapshot struct {
	ID       envelope.FrameID  `json:"id"`
	Handlers []HandlerSnapshot `json:"handlers"`
	InFlight int               `json:"inFlight"`
	Children []FrameSnapshot   `json:"children"`
}

// ViewSnapshot is a read-only copy of a view's state for diagnostics.
type ViewSnapshot struct {
	ID       string            `json:"id"`
	Closed   bool              `json:"closed"`
	Frames   int               `json:"frames"`
	Handlers []HandlerSnapshot `json:"handlers"`
	Root     *FrameSnapshot    `json:"root,omitempty"`
}

// Snapshot copies the view's state. Call it on the view's sequence.
func (v *View) Snapshot() ViewSnapshot {
	s := ViewSnapshot{
		ID:       v.id,
		Closed:   v.closed,
		Frames:   v.arena.len(),
		Handlers: snapshotHandlers(v.handlers.handlers),
	}
	if !v.closed {
		root := snapshotFrame(v.root)
		s.Root = &root
	}
	return s
}

func snapshotFrame(n *Node) FrameSnapshot {
	fs := FrameSnapshot{
		ID:       n.id,
		Handlers: snapshotHandlers(n.handlers.handlers),
		InFlight: n.InFlight(),
		Children: make([]FrameSnapshot, 0, len(n.children)),
	}
	for _, c := range n.children {
		fs.Children = append(fs.Children, snapshotFrame(c))
	}
	return fs
}

func snapshotHandlers(hs []*Handler) []HandlerSnapshot {
	out := make([]HandlerSnapshot, 0, len(hs))
	for _, h := range hs {
		contexts := make([]string, 0, len(h.contexts))
		for _, c := range h.contexts {
			contexts = append(contexts, string(c))
		}
		out = append(out, HandlerSnapshot{MessageID: h.messageID, Contexts: contexts, Valid: h.IsValid()})
	}
	return out
}
