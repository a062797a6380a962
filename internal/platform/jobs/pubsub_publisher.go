package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/stridewear/api/internal/services"
)

// PubSubEventPublisher fans domain events out to per-entity Pub/Sub topics.
// It satisfies the order, return and notification publisher interfaces used
// by the service layer.
type PubSubEventPublisher struct {
	orders        *pubsub.Topic
	returns       *pubsub.Topic
	notifications *pubsub.Topic
	marshal       func(any) ([]byte, error)
}

// PubSubEventPublisherConfig names the topics events are published to. A nil
// topic disables publishing for that entity.
type PubSubEventPublisherConfig struct {
	OrderTopic        *pubsub.Topic
	ReturnTopic       *pubsub.Topic
	NotificationTopic *pubsub.Topic
}

// NewPubSubEventPublisher constructs a Pub/Sub backed domain event publisher.
func NewPubSubEventPublisher(cfg PubSubEventPublisherConfig) (*PubSubEventPublisher, error) {
	if cfg.OrderTopic == nil && cfg.ReturnTopic == nil && cfg.NotificationTopic == nil {
		return nil, errors.New("pubsub event publisher: at least one topic is required")
	}
	return &PubSubEventPublisher{
		orders:        cfg.OrderTopic,
		returns:       cfg.ReturnTopic,
		notifications: cfg.NotificationTopic,
		marshal:       json.Marshal,
	}, nil
}

// PublishOrderEvent enqueues an order status event on the order topic.
func (p *PubSubEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.orders == nil {
		return nil
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.CurrentStatus)
	setAttr(attrs, "actorId", event.ActorID)

	return p.publish(ctx, p.orders, "order event", event, attrs)
}

// PublishReturnEvent enqueues a return lifecycle event on the return topic.
func (p *PubSubEventPublisher) PublishReturnEvent(ctx context.Context, event services.ReturnEvent) error {
	if p == nil || p.returns == nil {
		return nil
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "returnId", event.ReturnID)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.CurrentStatus)
	setAttr(attrs, "actorId", event.ActorID)

	return p.publish(ctx, p.returns, "return event", event, attrs)
}

// PublishNotification enqueues a stored notification on the notification topic.
func (p *PubSubEventPublisher) PublishNotification(ctx context.Context, notification services.Notification) error {
	if p == nil || p.notifications == nil {
		return nil
	}

	attrs := make(map[string]string)
	setAttr(attrs, "notificationId", notification.ID)
	setAttr(attrs, "recipient", notification.Recipient)
	setAttr(attrs, "type", string(notification.Type))

	return p.publish(ctx, p.notifications, "notification", notification, attrs)
}

func (p *PubSubEventPublisher) publish(ctx context.Context, topic *pubsub.Topic, kind string, payload any, attrs map[string]string) error {
	data, err := p.marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	result := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
