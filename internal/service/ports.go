package service

import (
	"context"
	"net/url"
	"time"

	"shop-order-service/internal/models"
	"shop-order-service/internal/store"
	"shop-order-service/internal/vnpay"
)

// Datastore is the persistence surface the workflow needs. *store.Store
// provides it in production; tests substitute an in-memory fake.
type Datastore interface {
	WithTx(ctx context.Context, fn func(tx OrderTx) error) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetOrderHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error)
	ListOrdersByUser(ctx context.Context, userID int64, code string) ([]models.Order, error)
	GetVoucherByID(ctx context.Context, id int64) (*models.Voucher, error)
	GetVariantByID(ctx context.Context, id int64) (*models.Variant, error)
	ListVariants(ctx context.Context) ([]models.Variant, error)
}

// OrderTx is one transaction. Every mutation of an order, its stock or
// its voucher goes through here so a failure rolls all of it back.
type OrderTx interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	OrderCodeExists(ctx context.Context, code string) (bool, error)
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	AppendStatusHistory(ctx context.Context, entry *models.OrderStatusHistory) error
	GetOrderByIDForUpdate(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByCodeForUpdate(ctx context.Context, code string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	MarkOrderPaid(ctx context.Context, orderID int64, totalPrice int64) error
	MarkOrderCompleted(ctx context.Context, orderID int64) error
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	DeleteCartItems(ctx context.Context, userID int64, variantIDs []int64) error
	ReserveVariantStock(ctx context.Context, variantID int64, qty int) (bool, error)
	RestoreVariantStock(ctx context.Context, variantID int64, qty int) error
	RedeemVoucher(ctx context.Context, voucherID int64) (bool, error)
}

// Cache is the Redis-backed side channel: storefront stock cache,
// checkout idempotency and callback dedupe. All uses are best effort.
type Cache interface {
	AdjustStock(ctx context.Context, variantID int64, delta int) error
	SetStock(ctx context.Context, variantID int64, quantity int) error
	GetStock(ctx context.Context, variantID int64) (int, error)
	SetIdempotencyKey(ctx context.Context, key string, orderID int64, ttl time.Duration) error
	GetIdempotentOrderID(ctx context.Context, key string) (int64, error)
	ClaimCallback(ctx context.Context, orderCode, responseCode string, ttl time.Duration) (bool, error)
	ReleaseCallback(ctx context.Context, orderCode, responseCode string) error
}

// EventPublisher emits order lifecycle events after commits.
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error
	PublishPaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// PaymentGateway builds redirect URLs and verifies return callbacks.
type PaymentGateway interface {
	BuildPaymentURL(orderCode string, amount int64, clientIP string) string
	VerifyReturn(query url.Values) (*vnpay.CallbackResult, error)
}

// sqlDatastore adapts *store.Store to the Datastore port; *store.Tx
// already satisfies OrderTx.
type sqlDatastore struct {
	*store.Store
}

// NewSQLDatastore wraps the sqlx store for use by the order service.
func NewSQLDatastore(s *store.Store) Datastore {
	return &sqlDatastore{Store: s}
}

func (s *sqlDatastore) WithTx(ctx context.Context, fn func(tx OrderTx) error) error {
	return s.Store.WithTx(ctx, func(tx *store.Tx) error {
		return fn(tx)
	})
}
