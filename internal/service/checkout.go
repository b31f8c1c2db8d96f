package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shop-order-service/internal/models"
	"shop-order-service/internal/store"
	"shop-order-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	orderCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	orderCodeLength   = 8
	orderCodeAttempts = 5

	idempotencyTTL = 24 * time.Hour
	callbackTTL    = 24 * time.Hour
)

// OrderService orchestrates order placement, cancellation, completion
// and payment settlement.
type OrderService struct {
	db      Datastore
	cache   Cache
	events  EventPublisher
	gateway PaymentGateway
	logger  *zap.Logger
	now     func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(db Datastore, cache Cache, events EventPublisher, gateway PaymentGateway) *OrderService {
	return &OrderService{
		db:      db,
		cache:   cache,
		events:  events,
		gateway: gateway,
		logger:  util.Named("orders"),
		now:     time.Now,
	}
}

// LineItemRequest is one requested variant line at checkout
type LineItemRequest struct {
	VariantID int64 `json:"variant_id" binding:"required"`
	Price     int64 `json:"price" binding:"required,min=0"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// PlaceOrderRequest carries the checkout payload. UserID 0 means guest.
type PlaceOrderRequest struct {
	UserID         int64                `json:"user_id"`
	Name           string               `json:"name" binding:"required"`
	Phone          string               `json:"phone" binding:"required"`
	Address        string               `json:"address" binding:"required"`
	ProvinceID     int64                `json:"province_id"`
	DistrictID     int64                `json:"district_id"`
	WardID         int64                `json:"ward_id"`
	Items          []LineItemRequest    `json:"products" binding:"required,min=1,dive"`
	VoucherID      int64                `json:"voucher_id"`
	PaymentMethod  models.PaymentMethod `json:"payment_method"`
	ShippingFee    int64                `json:"shipping_fee"`
	TotalPrice     int64                `json:"total_price" binding:"required,min=0"`
	ClientIP       string               `json:"-"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
}

// PlaceOrderResponse is the checkout result. PaymentURL is set only for
// gateway payments, which stay pending until the return callback.
type PlaceOrderResponse struct {
	OrderID       int64                `json:"order_id"`
	OrderCode     string               `json:"order_code"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	PaymentURL    string               `json:"payment_url,omitempty"`
}

// PlaceOrder creates an order in one transaction: voucher validation,
// code generation, order and line insertion, locked stock deduction,
// and for COD the immediate settlement side effects. Gateway orders
// defer cart clearing and voucher redemption to the success callback.
func (s *OrderService) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PlaceOrder")
	defer span.End()

	start := s.now()
	defer func() {
		util.CheckoutLatency.Observe(time.Since(start).Seconds())
	}()

	method := req.PaymentMethod
	if method == "" {
		method = models.PaymentMethodCOD
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, req.PaymentMethod)
	}
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}

	if req.IdempotencyKey != "" {
		if resp, ok := s.replayIdempotent(ctx, req.IdempotencyKey); ok {
			return resp, nil
		}
	}

	voucher, discount, err := s.validateVoucher(ctx, req.VoucherID, req.TotalPrice)
	if err != nil {
		return nil, err
	}
	finalPrice := req.TotalPrice - discount

	order := &models.Order{
		Name:          req.Name,
		Phone:         req.Phone,
		Address:       req.Address,
		ProvinceID:    req.ProvinceID,
		DistrictID:    req.DistrictID,
		WardID:        req.WardID,
		TotalPrice:    req.TotalPrice,
		DiscountValue: discount,
		FinalPrice:    finalPrice,
		ShippingFee:   req.ShippingFee,
		Status:        models.OrderStatusPending,
		PaymentMethod: method,
		PaymentStatus: models.PaymentStatusUnpaid,
	}
	if req.UserID != 0 {
		order.UserID = sql.NullInt64{Int64: req.UserID, Valid: true}
	}
	if voucher != nil {
		order.VoucherID = sql.NullInt64{Int64: voucher.ID, Valid: true}
	}

	err = s.db.WithTx(ctx, func(tx OrderTx) error {
		code, err := s.uniqueOrderCode(ctx, tx)
		if err != nil {
			return err
		}
		order.Code = code

		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		for _, line := range req.Items {
			ok, err := tx.ReserveVariantStock(ctx, line.VariantID, line.Quantity)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrVariantNotFound, line.VariantID)
			}
			if err != nil {
				return err
			}
			if !ok {
				util.StockReservationsFailed.Inc()
				return &InsufficientStockError{VariantID: line.VariantID, Requested: line.Quantity}
			}

			item := &models.OrderItem{
				OrderID:   order.ID,
				VariantID: line.VariantID,
				Price:     line.Price,
				Quantity:  line.Quantity,
				Total:     line.Price * int64(line.Quantity),
			}
			if err := tx.CreateOrderItem(ctx, item); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
		}

		if method.SettlesImmediately() {
			return s.settleAtCheckout(ctx, tx, order, req.UserID, req.Items, voucher)
		}
		return nil
	})
	if err != nil {
		util.CheckoutFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	util.OrdersPlacedTotal.WithLabelValues(string(method)).Inc()
	s.logger.Info("Order placed",
		zap.Int64("order_id", order.ID),
		zap.String("code", order.Code),
		zap.String("payment_method", string(method)))

	s.afterCheckout(ctx, order, req)

	resp := &PlaceOrderResponse{
		OrderID:       order.ID,
		OrderCode:     order.Code,
		PaymentMethod: method,
	}
	if !method.SettlesImmediately() {
		resp.PaymentURL = s.gateway.BuildPaymentURL(order.Code, order.TotalPrice, req.ClientIP)
		util.PaymentURLsBuiltTotal.Inc()
	}
	return resp, nil
}

// settleAtCheckout applies the COD-only side effects inside the
// checkout transaction: creation history row, cart clearing and
// immediate voucher redemption.
func (s *OrderService) settleAtCheckout(ctx context.Context, tx OrderTx, order *models.Order, userID int64, items []LineItemRequest, voucher *models.Voucher) error {
	entry := &models.OrderStatusHistory{
		OrderID:   order.ID,
		OldStatus: order.Status,
		NewStatus: order.Status,
		ChangedBy: actorOrSystem(userID),
		Note:      "Order placed",
	}
	if err := tx.AppendStatusHistory(ctx, entry); err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}

	if userID != 0 {
		variantIDs := make([]int64, len(items))
		for i, line := range items {
			variantIDs[i] = line.VariantID
		}
		if err := tx.DeleteCartItems(ctx, userID, variantIDs); err != nil {
			return err
		}
	}

	if voucher != nil {
		ok, err := tx.RedeemVoucher(ctx, voucher.ID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrVoucherNotFound, voucher.ID)
		}
		if err != nil {
			return err
		}
		if !ok {
			util.VoucherRejectedTotal.WithLabelValues("exhausted").Inc()
			return ErrVoucherExhausted
		}
		util.VoucherRedemptionsTotal.Inc()
	}
	return nil
}

// validateVoucher resolves and checks a voucher before any write.
// A zero id means no voucher.
func (s *OrderService) validateVoucher(ctx context.Context, voucherID, totalPrice int64) (*models.Voucher, int64, error) {
	if voucherID == 0 {
		return nil, 0, nil
	}

	voucher, err := s.db.GetVoucherByID(ctx, voucherID)
	if errors.Is(err, store.ErrNotFound) {
		util.VoucherRejectedTotal.WithLabelValues("not_found").Inc()
		return nil, 0, fmt.Errorf("%w: %d", ErrVoucherNotFound, voucherID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load voucher %d: %w", voucherID, err)
	}

	if totalPrice < voucher.DiscountMinPrice {
		util.VoucherRejectedTotal.WithLabelValues("below_minimum").Inc()
		return nil, 0, ErrVoucherNotEligible
	}
	if voucher.TotalUses <= 0 {
		util.VoucherRejectedTotal.WithLabelValues("exhausted").Inc()
		return nil, 0, ErrVoucherExhausted
	}
	return voucher, voucher.DiscountValue, nil
}

// uniqueOrderCode generates a code and retries on collision. Collisions
// are unlikely but treated as real, not ignored.
func (s *OrderService) uniqueOrderCode(ctx context.Context, tx OrderTx) (string, error) {
	for attempt := 0; attempt < orderCodeAttempts; attempt++ {
		code, err := generateOrderCode()
		if err != nil {
			return "", err
		}

		exists, err := tx.OrderCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check order code: %w", err)
		}
		if !exists {
			return code, nil
		}

		s.logger.Warn("Order code collision, regenerating", zap.String("code", code))
	}
	return "", fmt.Errorf("failed to generate a unique order code after %d attempts", orderCodeAttempts)
}

func generateOrderCode() (string, error) {
	buf := make([]byte, orderCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = orderCodeAlphabet[int(b)%len(orderCodeAlphabet)]
	}
	return string(buf), nil
}

// replayIdempotent returns the previously created order for a repeated
// idempotency key, if one exists.
func (s *OrderService) replayIdempotent(ctx context.Context, key string) (*PlaceOrderResponse, bool) {
	orderID, err := s.cache.GetIdempotentOrderID(ctx, key)
	if err != nil {
		s.logger.Warn("Idempotency lookup failed", zap.Error(err))
		return nil, false
	}
	if orderID == 0 {
		return nil, false
	}

	order, err := s.db.GetOrderByID(ctx, orderID)
	if err != nil {
		s.logger.Warn("Idempotent order lookup failed",
			zap.Int64("order_id", orderID), zap.Error(err))
		return nil, false
	}

	s.logger.Info("Duplicate checkout request replayed",
		zap.String("idempotency_key", key),
		zap.Int64("order_id", orderID))
	return &PlaceOrderResponse{
		OrderID:       order.ID,
		OrderCode:     order.Code,
		PaymentMethod: order.PaymentMethod,
	}, true
}

// afterCheckout runs the best-effort post-commit work: stock cache
// adjustment, idempotency record and event publishing.
func (s *OrderService) afterCheckout(ctx context.Context, order *models.Order, req *PlaceOrderRequest) {
	for _, line := range req.Items {
		if err := s.cache.AdjustStock(ctx, line.VariantID, -line.Quantity); err != nil {
			s.logger.Warn("Failed to adjust stock cache",
				zap.Int64("variant_id", line.VariantID), zap.Error(err))
		}
	}

	if req.IdempotencyKey != "" {
		if err := s.cache.SetIdempotencyKey(ctx, req.IdempotencyKey, order.ID, idempotencyTTL); err != nil {
			s.logger.Warn("Failed to record idempotency key", zap.Error(err))
		}
	}

	items := make([]models.OrderItemData, len(req.Items))
	for i, line := range req.Items {
		items[i] = models.OrderItemData{
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
			Price:     line.Price,
		}
	}
	event := &models.OrderPlacedEvent{
		BaseEvent:     s.newBaseEvent(models.EventTypeOrderPlaced),
		OrderID:       order.ID,
		OrderCode:     order.Code,
		UserID:        order.UserID.Int64,
		PaymentMethod: order.PaymentMethod,
		TotalPrice:    order.TotalPrice,
		FinalPrice:    order.FinalPrice,
		Items:         items,
	}
	if err := s.events.PublishOrderPlaced(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderPlaced event", zap.Error(err))
	}
}

func (s *OrderService) newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: s.now(),
	}
}

// actorOrSystem maps a zero user id onto the system actor sentinel.
func actorOrSystem(userID int64) int64 {
	if userID == 0 {
		return models.ActorSystem
	}
	return userID
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrVoucherNotFound),
		errors.Is(err, ErrVoucherNotEligible),
		errors.Is(err, ErrVoucherExhausted):
		return "voucher_rejected"
	case errors.Is(err, ErrVariantNotFound):
		return "variant_not_found"
	default:
		return "db_error"
	}
}
