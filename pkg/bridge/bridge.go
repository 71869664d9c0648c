package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/framebus/pkg/envelope"
	"github.com/morezero/framebus/pkg/messaging"
)

const logPrefix = "bridge:bridge"

// DefaultTimeout applies to forwards whose handler sets no timeout.
const DefaultTimeout = 10 * time.Second

// Forwarder sends a request to a subject and waits for the response. It is
// called off the view's sequence.
type Forwarder interface {
	Forward(ctx context.Context, subject string, req *ForwardRequest) (*ForwardResponse, error)
}

// Options configures a Bridge.
type Options struct {
	// Forwarder is required when the manifest has forwarding handlers.
	Forwarder Forwarder
	// Poster is the view's sequence; forward results are applied there.
	Poster  messaging.Poster
	Timeout time.Duration
}

// Bridge turns a manifest into handlers on one view.
type Bridge struct {
	manifest  *Manifest
	forwarder Forwarder
	poster    messaging.Poster
	timeout   time.Duration

	handlers []*messaging.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the manifest against the options.
func New(m *Manifest, opts Options) (*Bridge, error) {
	if m == nil {
		return nil, fmt.Errorf("%s - manifest is required", logPrefix)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	for _, spec := range m.Handlers {
		if spec.Forwards() && (opts.Forwarder == nil || opts.Poster == nil) {
			return nil, fmt.Errorf("%s - handler %s forwards to %s but no forwarder or poster is configured", logPrefix, spec.MessageID, spec.Subject)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		manifest:  m,
		forwarder: opts.Forwarder,
		poster:    opts.Poster,
		timeout:   opts.Timeout,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Attach registers the manifest's handlers on v. Call it on v's sequence.
func (b *Bridge) Attach(v *messaging.View) error {
	for i := range b.manifest.Handlers {
		spec := b.manifest.Handlers[i]
		h := messaging.NewHandler(spec.MessageID, spec.ContextIDs(), b.callback(v.ID(), spec))

		var err error
		if spec.Frame != 0 {
			n := v.Frame(envelope.FrameID(spec.Frame))
			if n == nil {
				err = fmt.Errorf("%s - handler %s: frame %d: %w", logPrefix, spec.MessageID, spec.Frame, messaging.ErrUnknownFrame)
			} else {
				err = n.AddHandler(h)
			}
		} else {
			err = v.AddHandler(h)
		}
		if err != nil {
			b.Detach()
			return err
		}
		b.handlers = append(b.handlers, h)
	}
	slog.Info(fmt.Sprintf("%s - Attached %d handlers to view %s", logPrefix, len(b.handlers), v.ID()))
	return nil
}

// Detach removes every handler this bridge registered. Call it on the
// view's sequence.
func (b *Bridge) Detach() {
	for _, h := range b.handlers {
		h.Detach()
	}
	b.handlers = nil
}

// Close cancels outstanding forwards and waits for their goroutines.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bridge) callback(view string, spec HandlerSpec) messaging.HandlerFunc {
	if !spec.Forwards() {
		return func(msg *messaging.IncomingMessage) error {
			msg.Reply(spec.Reply)
			return nil
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	return func(msg *messaging.IncomingMessage) error {
		req := &ForwardRequest{
			ID:        uuid.NewString(),
			MessageID: msg.MessageID(),
			Context:   string(msg.Context()),
			View:      view,
			Frame:     uint64(msg.Route().Frame),
			Payload:   msg.Payload(),
		}
		wantsReply := msg.WantsReply()
		if wantsReply {
			msg.Retain()
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ctx, cancel := context.WithTimeout(b.ctx, timeout)
			defer cancel()

			resp, err := b.forwarder.Forward(ctx, spec.Subject, req)
			if !wantsReply {
				if err != nil {
					slog.Warn(fmt.Sprintf("%s - forward %s to %s failed: %v", logPrefix, req.MessageID, spec.Subject, err))
				}
				return
			}
			if !b.poster.Post(func() {
				defer msg.Release()
				complete(msg, resp, err)
			}) {
				slog.Warn(fmt.Sprintf("%s - sequence stopped before %s (%s) completed", logPrefix, req.MessageID, req.ID))
			}
		}()
		return nil
	}
}

// complete answers msg from a forward result. Runs on the view's sequence.
func complete(msg *messaging.IncomingMessage, resp *ForwardResponse, err error) {
	switch {
	case err != nil:
		msg.Error(envelope.ErrHandlerReportedError, map[string]any{
			"code":    CodeBridgeUnavailable,
			"message": err.Error(),
		})
	case !resp.Ok:
		detail := map[string]any{"code": CodeRemoteError, "message": "remote handler failed"}
		if resp.Error != nil {
			detail["code"] = resp.Error.Code
			detail["message"] = resp.Error.Message
			if resp.Error.Details != nil {
				detail["details"] = resp.Error.Details
			}
			detail["retryable"] = resp.Error.Retryable
		}
		msg.Error(envelope.ErrHandlerReportedError, detail)
	default:
		msg.Reply(resp.Result)
	}
}
