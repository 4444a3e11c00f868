package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/units"
)

// EventNotifier delivers events to humans.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, evt domain.Event) error
}

// EventMetrics counts published events and sink failures.
type EventMetrics interface {
	ObserveEvent(t domain.EventType)
	ObserveSinkFailure(sink string)
}

// Broadcaster pushes a payload to local websocket clients. It is only used
// when no signal bus is configured; otherwise the hub receives events from
// the bus like every other instance.
type Broadcaster interface {
	Broadcast(channel string, data []byte)
}

// EventView is the JSON form of an event on the bus, the stream and the
// websocket. Amounts are base-unit integers; Display holds the same amounts
// in whole units.
type EventView struct {
	ID        string            `json:"id"`
	Type      domain.EventType  `json:"type"`
	OptionID  uint64            `json:"option_id"`
	OrderType domain.OrderType  `json:"order_type"`
	Actor     string            `json:"actor"`
	Seller    string            `json:"seller,omitempty"`
	Buyer     string            `json:"buyer,omitempty"`
	Amounts   map[string]string `json:"amounts"`
	Display   map[string]string `json:"display"`
	At        time.Time         `json:"at"`
}

// EventPublisher implements domain.EventPublisher by fanning each event out
// to the signal bus, the audit log, metrics, websocket clients and the
// notifier. Sinks are optional. Notifications are delivered by a background
// worker so slow chat APIs never hold up the caller.
type EventPublisher struct {
	underlying units.Asset
	strike     units.Asset

	bus         domain.SignalBus
	audit       domain.AuditStore
	notifier    EventNotifier
	metrics     EventMetrics
	broadcaster Broadcaster

	notifyQueue chan domain.Event
	logger      *slog.Logger
}

var _ domain.EventPublisher = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher with no sinks attached.
func NewEventPublisher(underlying, strike units.Asset, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		underlying:  underlying,
		strike:      strike,
		notifyQueue: make(chan domain.Event, 256),
		logger:      logger.With(slog.String("component", "event_publisher")),
	}
}

// WithBus publishes events on pub/sub channels and the durable stream.
func (p *EventPublisher) WithBus(bus domain.SignalBus) *EventPublisher {
	p.bus = bus
	return p
}

// WithAudit writes one audit entry per event.
func (p *EventPublisher) WithAudit(audit domain.AuditStore) *EventPublisher {
	p.audit = audit
	return p
}

// WithNotifier queues events for chat delivery. Run must be started for the
// queue to drain.
func (p *EventPublisher) WithNotifier(n EventNotifier) *EventPublisher {
	p.notifier = n
	return p
}

// WithMetrics counts events and sink failures.
func (p *EventPublisher) WithMetrics(m EventMetrics) *EventPublisher {
	p.metrics = m
	return p
}

// WithBroadcaster pushes events straight to local websocket clients.
func (p *EventPublisher) WithBroadcaster(b Broadcaster) *EventPublisher {
	p.broadcaster = b
	return p
}

// View converts an event to its JSON form.
func (p *EventPublisher) View(evt domain.Event) EventView {
	v := EventView{
		ID:        evt.ID,
		Type:      evt.Type,
		OptionID:  evt.OptionID,
		OrderType: evt.OrderType,
		Actor:     evt.Actor.Hex(),
		Amounts:   make(map[string]string, len(evt.Amounts)),
		Display:   make(map[string]string, len(evt.Amounts)),
		At:        evt.At.UTC(),
	}
	if evt.Seller != zeroAddress {
		v.Seller = evt.Seller.Hex()
	}
	if evt.Buyer != zeroAddress {
		v.Buyer = evt.Buyer.Hex()
	}
	for name, amt := range evt.Amounts {
		v.Amounts[name] = amountString(amt)
		if name == "underlying" {
			v.Display[name] = p.underlying.Format(amt)
		} else {
			v.Display[name] = p.strike.Format(amt)
		}
	}
	return v
}

// Publish delivers evt to every configured sink. All sinks are attempted;
// their failures are joined.
func (p *EventPublisher) Publish(ctx context.Context, evt domain.Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if p.metrics != nil {
		p.metrics.ObserveEvent(evt.Type)
	}

	view := p.View(evt)
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("service: marshal event %s: %w", evt.ID, err)
	}

	var errs []error
	fail := func(sink string, err error) {
		if p.metrics != nil {
			p.metrics.ObserveSinkFailure(sink)
		}
		errs = append(errs, fmt.Errorf("%s: %w", sink, err))
	}

	if p.bus != nil {
		if err := p.bus.Publish(ctx, domain.EventChannel(evt.Type), payload); err != nil {
			fail("pubsub", err)
		}
		if err := p.bus.StreamAppend(ctx, domain.EventStream, payload); err != nil {
			fail("stream", err)
		}
	} else if p.broadcaster != nil {
		p.broadcaster.Broadcast(domain.EventChannel(evt.Type), payload)
	}

	if p.audit != nil {
		if err := p.audit.Log(ctx, "event."+string(evt.Type), auditDetail(view)); err != nil {
			fail("audit", err)
		}
	}

	if p.notifier != nil {
		select {
		case p.notifyQueue <- evt:
		default:
			fail("notify", errors.New("queue full"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("service: publish event %s: %w", evt.ID, errors.Join(errs...))
	}
	return nil
}

// Run drains the notification queue until ctx is cancelled.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-p.notifyQueue:
			if err := p.notifier.NotifyEvent(ctx, evt); err != nil {
				if p.metrics != nil {
					p.metrics.ObserveSinkFailure("notify")
				}
				p.logger.WarnContext(ctx, "notification failed",
					slog.String("event_id", evt.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func auditDetail(v EventView) map[string]any {
	detail := map[string]any{
		"event_id":   v.ID,
		"option_id":  v.OptionID,
		"order_type": string(v.OrderType),
		"actor":      v.Actor,
		"amounts":    v.Amounts,
	}
	if v.Seller != "" {
		detail["seller"] = v.Seller
	}
	if v.Buyer != "" {
		detail["buyer"] = v.Buyer
	}
	return detail
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
