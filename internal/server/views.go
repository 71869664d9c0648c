package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/framebus/pkg/bridge"
	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/messaging"
	"github.com/morezero/framebus/pkg/sequence"
)

const viewsLogPrefix = "server:views"

var (
	errViewExists  = errors.New("view already hosted")
	errViewUnknown = errors.New("unknown view")
)

// Transport kinds reported by /views.
const (
	kindComms     = "comms"
	kindWebSocket = "ws"
)

// hostedView is one view with its own sequence. Everything under view is
// touched only from seq.
type hostedView struct {
	id        string
	kind      string
	opened    time.Time
	seq       *sequence.Sequence
	view      *messaging.View
	bridge    *bridge.Bridge
	transport io.Closer
}

// do runs fn on the view's sequence and waits for it.
func (h *hostedView) do(ctx context.Context, fn func(v *messaging.View)) error {
	return h.seq.Sync(ctx, func() { fn(h.view) })
}

// receive is the transport Receiver for the view. It runs on seq.
func (h *hostedView) receive(pkt *envelope.Packet) {
	h.view.Receive(pkt)
}

type viewRegistry struct {
	mu    sync.RWMutex
	views map[string]*hostedView
}

func newViewRegistry() *viewRegistry {
	return &viewRegistry{views: make(map[string]*hostedView)}
}

func (r *viewRegistry) add(h *hostedView) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.views[h.id]; ok {
		return fmt.Errorf("%s - %s: %w", viewsLogPrefix, h.id, errViewExists)
	}
	r.views[h.id] = h
	return nil
}

func (r *viewRegistry) remove(id string) *hostedView {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.views[id]
	delete(r.views, id)
	return h
}

func (r *viewRegistry) get(id string) *hostedView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.views[id]
}

// list returns the hosted views ordered by id.
func (r *viewRegistry) list() []*hostedView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*hostedView, 0, len(r.views))
	for _, h := range r.views {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *viewRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}

// openView starts seq, creates the view on it and attaches the manifest's
// handlers. On error everything started here is stopped again.
func (s *Server) openView(id, kind string, t messaging.Transport, closer io.Closer, seq *sequence.Sequence) (*hostedView, error) {
	go seq.Run(context.Background())

	b, err := bridge.New(s.manifest, bridge.Options{
		Forwarder: s.forwarder,
		Poster:    seq,
		Timeout:   s.cfg.BridgeRequestTimeout,
	})
	if err != nil {
		seq.Stop()
		return nil, err
	}

	h := &hostedView{id: id, kind: kind, opened: time.Now().UTC(), seq: seq, bridge: b, transport: closer}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HealthCheckTimeout)
	defer cancel()
	var openErr error
	err = seq.Sync(ctx, func() {
		v, err := messaging.NewView(messaging.NewViewParams{
			ID:        id,
			Transport: t,
			Publisher: s.publisher,
			Poster:    seq,
		})
		if err != nil {
			openErr = err
			return
		}
		if err := b.Attach(v); err != nil {
			v.Close()
			openErr = err
			return
		}
		h.view = v
	})
	if err == nil {
		err = openErr
	}
	if err == nil {
		err = s.views.add(h)
		if err != nil {
			_ = h.do(ctx, func(v *messaging.View) { v.Close() })
		}
	}
	if err != nil {
		b.Close()
		seq.Stop()
		return nil, fmt.Errorf("%s - failed to open view %s: %w", viewsLogPrefix, id, err)
	}

	slog.Info(fmt.Sprintf("%s - Opened %s view %s", viewsLogPrefix, kind, id))
	return h, nil
}

// closeView closes the view, resolving its outstanding requests, then the
// transport, the bridge and the sequence.
func (s *Server) closeView(id string) {
	h := s.views.remove(id)
	if h == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HealthCheckTimeout)
	defer cancel()
	if err := h.do(ctx, func(v *messaging.View) { v.Close() }); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to close view %s cleanly: %v", viewsLogPrefix, id, err))
	}
	if h.transport != nil {
		_ = h.transport.Close()
	}
	h.bridge.Close()
	h.seq.Stop()
	select {
	case <-h.seq.Done():
	case <-ctx.Done():
		slog.Warn(fmt.Sprintf("%s - sequence for view %s did not drain", viewsLogPrefix, id))
	}
	if s.metrics != nil {
		s.metrics.ForgetView(id)
	}
	slog.Info(fmt.Sprintf("%s - Closed view %s", viewsLogPrefix, id))
}

// closeAll closes every hosted view.
func (s *Server) closeAll() {
	for _, h := range s.views.list() {
		s.closeView(h.id)
	}
}
