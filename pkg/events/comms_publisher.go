package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/framebus/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// GlobalSubject overrides the global event subject (e.g. from EVENTS_SUBJECT).
	GlobalSubject string
}

// CommsPublisher publishes dispatch events to COMMS subjects.
type CommsPublisher struct {
	nc            *comms.Conn
	globalSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	globalSubject := commsutil.SubjectEvents
	if opts != nil && opts.GlobalSubject != "" {
		globalSubject = opts.GlobalSubject
	}
	return &CommsPublisher{nc: nc, globalSubject: globalSubject}
}

// PublishDispatch publishes the event to the per-view subject
// (<global>.<view>.<type>) and to the global subject. Publish only buffers,
// so this is safe to call from a sequence.
func (p *CommsPublisher) PublishDispatch(_ context.Context, event *DispatchEvent) error {
	data, err := commsutil.EncodePayload(event.Stamp())
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	viewSubject := commsutil.BuildEventSubject(p.globalSubject, event.View, string(event.Type))
	if err := p.nc.Publish(viewSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, viewSubject, err))
		return err
	}

	if err := p.nc.Publish(p.globalSubject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalSubject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event for view %s", commsPublisherLogPrefix, event.Type, event.View))
	return nil
}
