package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/mytapcard/api/internal/services"
)

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues an order event message on the configured topic.
// Attributes carry the routing keys so subscribers can filter without decoding
// the payload.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(orderEventMessage{
		Type:              event.Type,
		OrderID:           event.OrderID,
		OrderNumber:       event.OrderNumber,
		UserID:            event.UserID,
		PaymentStatus:     event.PaymentStatus,
		FulfillmentStatus: event.FulfillmentStatus,
		ActorID:           event.ActorID,
		OccurredAt:        event.OccurredAt.UTC().Format(time.RFC3339Nano),
		Metadata:          event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "orderNumber", event.OrderNumber)
	setAttr(attrs, "paymentStatus", event.PaymentStatus)
	setAttr(attrs, "fulfillmentStatus", event.FulfillmentStatus)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

type orderEventMessage struct {
	Type              string         `json:"type"`
	OrderID           string         `json:"order_id"`
	OrderNumber       string         `json:"order_number,omitempty"`
	UserID            string         `json:"user_id,omitempty"`
	PaymentStatus     string         `json:"payment_status,omitempty"`
	FulfillmentStatus string         `json:"fulfillment_status,omitempty"`
	ActorID           string         `json:"actor_id,omitempty"`
	OccurredAt        string         `json:"occurred_at"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)
