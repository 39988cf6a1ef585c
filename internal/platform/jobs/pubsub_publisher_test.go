package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mytapcard/api/internal/services"
)

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	occurredAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	event := services.OrderEvent{
		Type:              "order.payment_updated",
		OrderID:           "ord_test",
		OrderNumber:       "MTC-2026-000042",
		UserID:            "user-1",
		PaymentStatus:     "paid",
		FulfillmentStatus: "created",
		ActorID:           "gateway:stripe",
		OccurredAt:        occurredAt,
		Metadata:          map[string]any{"provider": "stripe"},
	}

	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload map[string]any
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["type"] != "order.payment_updated" || payload["order_id"] != "ord_test" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload["occurred_at"] != "2026-03-01T10:00:00Z" {
		t.Fatalf("unexpected occurred_at %v", payload["occurred_at"])
	}

	attrs := messages[0].Attributes
	if attrs["eventType"] != "order.payment_updated" || attrs["orderId"] != "ord_test" {
		t.Fatalf("unexpected attributes %#v", attrs)
	}
	if attrs["paymentStatus"] != "paid" {
		t.Fatalf("expected payment status attribute, got %q", attrs["paymentStatus"])
	}
	if _, ok := attrs["userId"]; ok {
		t.Fatalf("user id should not be exposed as an attribute")
	}
}

func TestPubSubOrderEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubOrderEventPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
