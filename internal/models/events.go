package models

import "time"

// Event types
const (
	EventTypeOrderPlaced      = "ORDER_PLACED"
	EventTypeOrderCancelled   = "ORDER_CANCELLED"
	EventTypeOrderCompleted   = "ORDER_COMPLETED"
	EventTypePaymentSucceeded = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed    = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPlacedEvent published after checkout commits
type OrderPlacedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	OrderCode     string          `json:"order_code"`
	UserID        int64           `json:"user_id"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	TotalPrice    int64           `json:"total_price"`
	FinalPrice    int64           `json:"final_price"`
	Items         []OrderItemData `json:"items"`
}

// OrderCancelledEvent published when an order is cancelled, whatever
// the trigger (user, failed payment, expiry)
type OrderCancelledEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	OrderCode string `json:"order_code"`
	Reason    string `json:"reason"`
}

// OrderCompletedEvent published when delivery is confirmed
type OrderCompletedEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	OrderCode string `json:"order_code"`
}

// PaymentSucceededEvent published after a verified success callback
type PaymentSucceededEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	OrderCode string `json:"order_code"`
	Amount    int64  `json:"amount"`
}

// PaymentFailedEvent published after a verified failure callback
type PaymentFailedEvent struct {
	BaseEvent
	OrderID      int64  `json:"order_id"`
	OrderCode    string `json:"order_code"`
	ResponseCode string `json:"response_code"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
	Price     int64 `json:"price"`
}
