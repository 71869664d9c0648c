package messaging

import "github.com/morezero/framebus/pkg/envelope"

// arena maps frame ids to live nodes for one view. Each node also gets a
// generation number so that a reference to a retired frame never resolves to
// a later frame that reuses the id.
type arena struct {
	nodes   map[envelope.FrameID]*Node
	nextGen uint64
}

func newArena() *arena {
	return &arena{nodes: make(map[envelope.FrameID]*Node)}
}

func (a *arena) get(id envelope.FrameID) *Node {
	return a.nodes[id]
}

func (a *arena) add(n *Node) {
	a.nextGen++
	n.gen = a.nextGen
	a.nodes[n.id] = n
}

func (a *arena) retire(n *Node) {
	if cur, ok := a.nodes[n.id]; ok && cur == n {
		delete(a.nodes, n.id)
	}
}

func (a *arena) len() int { return len(a.nodes) }

// frameRef is a weak reference to a node: it resolves to nil once the node
// has been destroyed.
type frameRef struct {
	arena *arena
	id    envelope.FrameID
	gen   uint64
}

func refTo(n *Node) frameRef {
	if n == nil {
		return frameRef{}
	}
	return frameRef{arena: n.view.arena, id: n.id, gen: n.gen}
}

func (r frameRef) get() *Node {
	if r.arena == nil {
		return nil
	}
	n := r.arena.get(r.id)
	if n == nil || n.gen != r.gen {
		return nil
	}
	return n
}
