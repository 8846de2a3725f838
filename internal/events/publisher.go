// Package events fans committed lifecycle events out to the pub/sub bus, the
// audit log and operator notifications.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "veil:events"

// Notifier receives events for operator alerts.
type Notifier interface {
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// Publisher implements domain.EventPublisher. Every sink is optional and a
// failing sink is logged and skipped; the change behind the event has
// already committed.
type Publisher struct {
	bus      domain.SignalBus
	channel  string
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger
}

// NewPublisher creates a Publisher. bus, audit and notifier may be nil.
func NewPublisher(bus domain.SignalBus, channel string, audit domain.AuditStore, notifier Notifier, logger *slog.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{
		bus:      bus,
		channel:  channel,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "events")),
	}
}

// Publish delivers ev to every configured sink.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) {
	if p.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			p.warn(ctx, "marshal event failed", ev, err)
		} else if err := p.bus.Publish(ctx, p.channel, payload); err != nil {
			p.warn(ctx, "publish event failed", ev, err)
		}
	}

	if p.audit != nil {
		if err := p.audit.Log(ctx, string(ev.Type), auditDetail(ev)); err != nil {
			p.warn(ctx, "audit log failed", ev, err)
		}
	}

	if p.notifier != nil {
		if err := p.notifier.NotifyEvent(ctx, ev); err != nil {
			p.warn(ctx, "notify failed", ev, err)
		}
	}
}

func (p *Publisher) warn(ctx context.Context, msg string, ev domain.Event, err error) {
	p.logger.WarnContext(ctx, msg,
		slog.String("event", string(ev.Type)),
		slog.String("market", ev.Market.String()),
		slog.String("error", err.Error()),
	)
}

func auditDetail(ev domain.Event) map[string]any {
	d := make(map[string]any, len(ev.Detail)+3)
	for k, v := range ev.Detail {
		d[k] = v
	}
	d["market"] = ev.Market.String()
	if ev.Bettor != nil {
		d["bettor"] = ev.Bettor.String()
	}
	if ev.CorrelationID != "" {
		d["correlation_id"] = ev.CorrelationID
	}
	return d
}

// Decode parses a payload published on the events channel.
func Decode(payload []byte) (domain.Event, error) {
	var ev domain.Event
	err := json.Unmarshal(payload, &ev)
	return ev, err
}

var _ domain.EventPublisher = (*Publisher)(nil)
