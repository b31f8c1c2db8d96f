package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"shop-order-service/internal/models"
	"shop-order-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing order lifecycle events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderPlaced publishes an OrderPlaced event
func (ep *EventPublisher) PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes an OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCompleted publishes an OrderCompleted event
func (ep *EventPublisher) PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentSucceeded publishes a PaymentSucceeded event
func (ep *EventPublisher) PublishPaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes a PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventRouter dispatches consumed messages to registered handlers by
// event type. Unhandled types are skipped.
type EventRouter struct {
	onOrderPlaced func(context.Context, *models.OrderPlacedEvent) error
	logger        *zap.Logger
}

// NewEventRouter creates a new event router
func NewEventRouter() *EventRouter {
	return &EventRouter{logger: util.Named("kafka.router")}
}

// OnOrderPlaced registers a handler for OrderPlaced events
func (er *EventRouter) OnOrderPlaced(handler func(context.Context, *models.OrderPlacedEvent) error) {
	er.onOrderPlaced = handler
}

// HandleMessage routes one message to the matching handler
func (er *EventRouter) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch base.EventType {
	case models.EventTypeOrderPlaced:
		if er.onOrderPlaced != nil {
			var event models.OrderPlacedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderPlaced event: %w", err)
			}
			return er.onOrderPlaced(ctx, &event)
		}

	default:
		er.logger.Debug("Skipping event",
			zap.String("type", base.EventType),
			zap.String("id", base.EventID))
	}

	return nil
}
