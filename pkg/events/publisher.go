package events

import (
	"context"
	"errors"
)

// EventPublisher receives dispatch events. Implementations are called from
// the view's sequence and must not block.
type EventPublisher interface {
	PublishDispatch(ctx context.Context, event *DispatchEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// PublishDispatch is a no-op.
func (p *NoOpPublisher) PublishDispatch(_ context.Context, _ *DispatchEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *DispatchEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *DispatchEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishDispatch calls the callback.
func (p *CallbackPublisher) PublishDispatch(ctx context.Context, event *DispatchEvent) error {
	return p.callback(ctx, event)
}

// MultiPublisher fans an event out to several publishers. Every publisher is
// called even if an earlier one fails; the errors are joined.
type MultiPublisher struct {
	publishers []EventPublisher
}

// NewMultiPublisher skips nil entries.
func NewMultiPublisher(pubs ...EventPublisher) *MultiPublisher {
	m := &MultiPublisher{}
	for _, p := range pubs {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
	return m
}

// Len returns the number of wrapped publishers.
func (m *MultiPublisher) Len() int { return len(m.publishers) }

// PublishDispatch forwards to every publisher.
func (m *MultiPublisher) PublishDispatch(ctx context.Context, event *DispatchEvent) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.PublishDispatch(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
