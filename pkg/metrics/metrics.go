// Package metrics turns dispatch events into Prometheus series.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/morezero/framebus/pkg/events"
)

// Publisher is an events.EventPublisher that records every event it sees.
type Publisher struct {
	events    *prometheus.CounterVec
	unhandled *prometheus.CounterVec
	completed *prometheus.CounterVec
	lost      *prometheus.CounterVec
	inflight  *prometheus.GaugeVec
	frames    *prometheus.GaugeVec
	buildInfo *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Publisher {
	p := &Publisher{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framebus_dispatch_events_total",
				Help: "Dispatch events by type",
			},
			[]string{"type"},
		),
		unhandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framebus_unhandled_messages_total",
				Help: "Inbound messages that found no destination or handler, by error code",
			},
			[]string{"code"},
		),
		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framebus_requests_completed_total",
				Help: "Outgoing requests resolved, by error code",
			},
			[]string{"code"},
		),
		lost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "framebus_replies_lost_total",
				Help: "Replies the transport refused to carry, by error code",
			},
			[]string{"code"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "framebus_requests_inflight",
				Help: "Outgoing requests waiting for a reply",
			},
			[]string{"view"},
		),
		frames: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "framebus_frames_live",
				Help: "Live frames, root included",
			},
			[]string{"view"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "framebus_build_info",
				Help: "Build information for the framebus server",
			},
			[]string{"version"},
		),
	}
	reg.MustRegister(p.events, p.unhandled, p.completed, p.lost, p.inflight, p.frames, p.buildInfo)
	return p
}

// SetBuildInfo records the running version.
func (p *Publisher) SetBuildInfo(version string) {
	p.buildInfo.WithLabelValues(version).Set(1)
}

// ForgetView drops the per-view series once a view is gone.
func (p *Publisher) ForgetView(view string) {
	p.inflight.DeleteLabelValues(view)
	p.frames.DeleteLabelValues(view)
}

// PublishDispatch updates the series for one event.
func (p *Publisher) PublishDispatch(_ context.Context, ev *events.DispatchEvent) error {
	p.events.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case events.TypeUnhandled:
		p.unhandled.WithLabelValues(ev.Code).Inc()
	case events.TypeReplyLost:
		p.lost.WithLabelValues(ev.Code).Inc()
	case events.TypeRequestSent:
		if ev.Kind == "MESSAGE" {
			p.inflight.WithLabelValues(ev.View).Inc()
		}
	case events.TypeRequestCompleted:
		p.inflight.WithLabelValues(ev.View).Dec()
		p.completed.WithLabelValues(ev.Code).Inc()
	case events.TypeFrameCreated:
		p.frames.WithLabelValues(ev.View).Inc()
	case events.TypeFrameDestroyed:
		p.frames.WithLabelValues(ev.View).Dec()
	}
	return nil
}
