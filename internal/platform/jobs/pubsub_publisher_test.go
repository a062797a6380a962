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

	"github.com/stridewear/api/internal/domain"
	"github.com/stridewear/api/internal/services"
)

func newTestTopic(t *testing.T, name string) (*pubsub.Topic, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, name)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return topic, srv
}

func TestPubSubEventPublisherPublishesOrderEvent(t *testing.T) {
	ctx := context.Background()
	topic, srv := newTestTopic(t, "order-events")

	publisher, err := NewPubSubEventPublisher(PubSubEventPublisherConfig{OrderTopic: topic})
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	event := services.OrderEvent{
		Type:           "order.status.changed",
		OrderID:        "ONLINE_1700000000000_ab12cd",
		PreviousStatus: "processing",
		CurrentStatus:  "shipped",
		ActorID:        "admin_1",
		OccurredAt:     time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC),
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.OrderEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != event.OrderID || payload.CurrentStatus != "shipped" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["status"]; attr != "shipped" {
		t.Fatalf("expected status attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["orderId"]; attr != event.OrderID {
		t.Fatalf("expected orderId attribute, got %q", attr)
	}
}

func TestPubSubEventPublisherPublishesReturnEvent(t *testing.T) {
	ctx := context.Background()
	topic, srv := newTestTopic(t, "return-events")

	publisher, err := NewPubSubEventPublisher(PubSubEventPublisherConfig{ReturnTopic: topic})
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	event := services.ReturnEvent{
		Type:          "return.status.changed",
		ReturnID:      "ret_01HY",
		OrderID:       "COD_1700000000000_ab12cd",
		CurrentStatus: "completed",
		ActorID:       "admin_1",
	}
	if err := publisher.PublishReturnEvent(ctx, event); err != nil {
		t.Fatalf("PublishReturnEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if attr := messages[0].Attributes["returnId"]; attr != "ret_01HY" {
		t.Fatalf("expected returnId attribute, got %q", attr)
	}
}

func TestPubSubEventPublisherSkipsMissingTopic(t *testing.T) {
	topic, srv := newTestTopic(t, "notification-events")

	publisher, err := NewPubSubEventPublisher(PubSubEventPublisherConfig{NotificationTopic: topic})
	if err != nil {
		t.Fatalf("NewPubSubEventPublisher: %v", err)
	}

	// Order topic is not configured, so order events are dropped silently.
	if err := publisher.PublishOrderEvent(context.Background(), services.OrderEvent{OrderID: "x"}); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}
	if len(srv.Messages()) != 0 {
		t.Fatalf("expected no messages, got %d", len(srv.Messages()))
	}

	notification := services.Notification{
		ID:        "ntf_01HY",
		Recipient: "user_1",
		Type:      domain.NotificationReturnUpdated,
	}
	if err := publisher.PublishNotification(context.Background(), notification); err != nil {
		t.Fatalf("PublishNotification: %v", err)
	}
	if got := len(srv.Messages()); got != 1 {
		t.Fatalf("expected 1 message, got %d", got)
	}
}

func TestNewPubSubEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubEventPublisher(PubSubEventPublisherConfig{}); err == nil {
		t.Fatal("expected error when no topics configured")
	}
}
