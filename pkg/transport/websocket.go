package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/sequence"
)

const wsLogPrefix = "transport:websocket"

const (
	defaultSendBuffer = 64
	defaultReadLimit  = 1 << 20
	handshakeTimeout  = 10 * time.Second
)

// Hello is the first message in each direction. The peer proposes a view id;
// the host answers with the id it actually assigned.
type Hello struct {
	View     string `json:"view"`
	Protocol string `json:"protocol"`
}

// WSOptions configures a WebSocket transport.
type WSOptions struct {
	// View is the view id to announce. On the host side it overrides
	// whatever the peer proposed.
	View       string
	Poster     sequence.Poster
	SendBuffer int
	ReadLimit  int64
}

func (o WSOptions) withDefaults() WSOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	return o
}

// WebSocket carries packets as JSON text messages. Outbound packets go
// through a bounded queue drained by a writer goroutine; Send never blocks.
type WebSocket struct {
	conn   *websocket.Conn
	view   string
	poster sequence.Poster

	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// AcceptWebSocket upgrades an HTTP request and performs the host side of the
// handshake.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request, opts WSOptions) (*WebSocket, error) {
	opts = opts.withDefaults()
	if opts.Poster == nil {
		return nil, fmt.Errorf("%s - poster is required", wsLogPrefix)
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to accept: %w", wsLogPrefix, err)
	}
	c.SetReadLimit(opts.ReadLimit)

	ctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	defer cancel()

	var hello Hello
	if err := wsjson.Read(ctx, c, &hello); err != nil {
		_ = c.Close(websocket.StatusPolicyViolation, "expected hello")
		return nil, fmt.Errorf("%s - failed to read hello: %w", wsLogPrefix, err)
	}
	if err := envelope.CheckCompatible(hello.Protocol); err != nil {
		_ = c.Close(websocket.StatusPolicyViolation, "incompatible protocol")
		return nil, fmt.Errorf("%s - %w", wsLogPrefix, err)
	}

	view := opts.View
	if view == "" {
		view = hello.View
	}
	if view == "" {
		_ = c.Close(websocket.StatusPolicyViolation, "view id required")
		return nil, fmt.Errorf("%s - peer did not name a view", wsLogPrefix)
	}
	if err := wsjson.Write(ctx, c, Hello{View: view, Protocol: envelope.ProtocolVersion}); err != nil {
		_ = c.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("%s - failed to write hello: %w", wsLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Accepted peer for view %s (protocol %s)", wsLogPrefix, view, hello.Protocol))
	return newWebSocket(c, view, opts), nil
}

// DialWebSocket connects to a host and performs the peer side of the
// handshake. View() reports the id the host assigned.
func DialWebSocket(ctx context.Context, url string, opts WSOptions) (*WebSocket, error) {
	opts = opts.withDefaults()
	if opts.Poster == nil {
		return nil, fmt.Errorf("%s - poster is required", wsLogPrefix)
	}
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to dial %s: %w", wsLogPrefix, url, err)
	}
	c.SetReadLimit(opts.ReadLimit)

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := wsjson.Write(hctx, c, Hello{View: opts.View, Protocol: envelope.ProtocolVersion}); err != nil {
		_ = c.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("%s - failed to write hello: %w", wsLogPrefix, err)
	}
	var ack Hello
	if err := wsjson.Read(hctx, c, &ack); err != nil {
		_ = c.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("%s - failed to read hello: %w", wsLogPrefix, err)
	}
	if err := envelope.CheckCompatible(ack.Protocol); err != nil {
		_ = c.Close(websocket.StatusPolicyViolation, "incompatible protocol")
		return nil, fmt.Errorf("%s - %w", wsLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Connected to %s as view %s", wsLogPrefix, url, ack.View))
	return newWebSocket(c, ack.View, opts), nil
}

func newWebSocket(c *websocket.Conn, view string, opts WSOptions) *WebSocket {
	ctx, cancel := context.WithCancel(context.Background())
	ws := &WebSocket{
		conn:   c,
		view:   view,
		poster: opts.Poster,
		out:    make(chan []byte, opts.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	go ws.writeLoop()
	return ws
}

// View returns the view id agreed during the handshake.
func (ws *WebSocket) View() string { return ws.view }

// Done is closed once the transport has been closed.
func (ws *WebSocket) Done() <-chan struct{} { return ws.ctx.Done() }

// Send queues pkt for the writer goroutine.
func (ws *WebSocket) Send(pkt *envelope.Packet) error {
	if ws.ctx.Err() != nil {
		return fmt.Errorf("%s - %s: %w", wsLogPrefix, ws.view, ErrClosed)
	}
	data, err := envelope.EncodePacket(pkt)
	if err != nil {
		return err
	}
	select {
	case ws.out <- data:
		return nil
	case <-ws.ctx.Done():
		return fmt.Errorf("%s - %s: %w", wsLogPrefix, ws.view, ErrClosed)
	default:
		return fmt.Errorf("%s - %s: %w", wsLogPrefix, ws.view, ErrQueueFull)
	}
}

// Serve reads packets until the connection ends or ctx is done, posting each
// one to recv on the transport's sequence. A normal closure returns nil.
func (ws *WebSocket) Serve(ctx context.Context, recv Receiver) error {
	defer ws.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ws.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := ws.conn.Read(ctx)
		if err != nil {
			if ws.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				slog.Info(fmt.Sprintf("%s - %s disconnected", wsLogPrefix, ws.view))
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("%s - %s read failed: %w", wsLogPrefix, ws.view, err)
		}

		pkt, err := envelope.DecodePacket(data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - %s: dropping packet: %v", wsLogPrefix, ws.view, err))
			continue
		}
		if !ws.poster.Post(func() { recv(pkt) }) {
			slog.Debug(fmt.Sprintf("%s - %s: sequence stopped", wsLogPrefix, ws.view))
			return nil
		}
	}
}

// Close stops the writer and closes the connection.
func (ws *WebSocket) Close() error {
	var err error
	ws.once.Do(func() {
		ws.cancel()
		err = ws.conn.Close(websocket.StatusNormalClosure, "closing")
	})
	return err
}

func (ws *WebSocket) writeLoop() {
	for {
		select {
		case data := <-ws.out:
			if err := ws.conn.Write(ws.ctx, websocket.MessageText, data); err != nil {
				if ws.ctx.Err() == nil {
					slog.Warn(fmt.Sprintf("%s - %s write failed: %v", wsLogPrefix, ws.view, err))
					_ = ws.Close()
				}
				return
			}
		case <-ws.ctx.Done():
			return
		}
	}
}
