package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/framebus/pkg/commsutil"
)

const commsLogPrefix = "bridge:comms"

// CommsForwarder forwards over COMMS request/reply.
type CommsForwarder struct {
	nc *comms.Conn
}

// NewCommsForwarder wraps an established connection.
func NewCommsForwarder(nc *comms.Conn) *CommsForwarder {
	return &CommsForwarder{nc: nc}
}

// Forward sends req to subject and decodes the response envelope.
func (f *CommsForwarder) Forward(ctx context.Context, subject string, req *ForwardRequest) (*ForwardResponse, error) {
	data, err := commsutil.EncodePayload(req)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode request: %w", commsLogPrefix, err)
	}

	msg, err := f.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, comms.ErrNoResponders) {
			return nil, fmt.Errorf("%s - no service on %s: %w", commsLogPrefix, subject, err)
		}
		return nil, fmt.Errorf("%s - request to %s failed: %w", commsLogPrefix, subject, err)
	}

	var resp ForwardResponse
	if err := commsutil.DecodePayload(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("%s - invalid response from %s: %w", commsLogPrefix, subject, err)
	}
	return &resp, nil
}

// ServiceFunc handles a forwarded request. A non-nil ErrorDetail becomes an
// ok=false response.
type ServiceFunc func(ctx context.Context, req *ForwardRequest) (any, *ErrorDetail)

// Serve subscribes fn on subject, answering each request with a response
// envelope. A non-empty queue joins a queue group.
func Serve(nc *comms.Conn, subject, queue string, fn ServiceFunc) (*comms.Subscription, error) {
	handler := func(msg *comms.Msg) {
		resp := handle(msg.Data, fn)
		data, err := commsutil.EncodePayload(resp)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to encode response on %s: %v", commsLogPrefix, subject, err))
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to respond on %s: %v", commsLogPrefix, subject, err))
		}
	}

	var (
		sub *comms.Subscription
		err error
	)
	if queue != "" {
		sub, err = nc.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = nc.Subscribe(subject, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", commsLogPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Serving %s", commsLogPrefix, subject))
	return sub, nil
}

func handle(data []byte, fn ServiceFunc) *ForwardResponse {
	var req ForwardRequest
	if err := commsutil.DecodePayload(data, &req); err != nil {
		return &ForwardResponse{
			Ok:    false,
			Error: &ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
		}
	}

	result, detail := fn(context.Background(), &req)
	if detail != nil {
		return &ForwardResponse{ID: req.ID, Ok: false, Error: detail}
	}
	return &ForwardResponse{ID: req.ID, Ok: true, Result: result}
}
