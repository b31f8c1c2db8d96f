package service

import (
	"context"
	"errors"
	"fmt"

	"shop-order-service/internal/models"
	"shop-order-service/internal/store"
	"shop-order-service/internal/util"

	"go.uber.org/zap"
)

// CancelOrder cancels a pending order, restoring every line's stock and
// appending one history row. Any other status is rejected.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, actorID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	order, restored, err := s.cancelLocked(ctx, orderID, actorID, "Order cancelled by customer")
	if err != nil {
		return nil, err
	}

	util.OrdersCancelledTotal.WithLabelValues("customer").Inc()
	s.logger.Info("Order cancelled",
		zap.Int64("order_id", order.ID),
		zap.Int64("actor_id", actorID))

	s.afterCancellation(ctx, order, restored, "cancelled_by_customer")
	return order, nil
}

// cancelLocked performs the pending→cancelled transition under the
// order row lock. Returns the restored quantities per variant for the
// stock cache.
func (s *OrderService) cancelLocked(ctx context.Context, orderID, actorID int64, note string) (*models.Order, map[int64]int, error) {
	var order *models.Order
	restored := make(map[int64]int)

	err := s.db.WithTx(ctx, func(tx OrderTx) error {
		locked, err := tx.GetOrderByIDForUpdate(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}

		if !models.CanTransition(locked.Status, models.OrderStatusCancelled) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, locked.Status, models.OrderStatusCancelled)
		}

		items, err := tx.GetOrderItems(ctx, locked.ID)
		if err != nil {
			return fmt.Errorf("failed to load order items: %w", err)
		}
		for _, item := range items {
			if err := tx.RestoreVariantStock(ctx, item.VariantID, item.Quantity); err != nil {
				return fmt.Errorf("failed to restore stock for variant %d: %w", item.VariantID, err)
			}
			restored[item.VariantID] += item.Quantity
		}

		if err := tx.UpdateOrderStatus(ctx, locked.ID, models.OrderStatusCancelled); err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}

		entry := &models.OrderStatusHistory{
			OrderID:   locked.ID,
			OldStatus: locked.Status,
			NewStatus: models.OrderStatusCancelled,
			ChangedBy: actorID,
			Note:      note,
		}
		if err := tx.AppendStatusHistory(ctx, entry); err != nil {
			return fmt.Errorf("failed to append status history: %w", err)
		}

		locked.Status = models.OrderStatusCancelled
		order = locked
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return order, restored, nil
}

// afterCancellation refreshes the stock cache and publishes the event.
func (s *OrderService) afterCancellation(ctx context.Context, order *models.Order, restored map[int64]int, reason string) {
	for variantID, qty := range restored {
		if err := s.cache.AdjustStock(ctx, variantID, qty); err != nil {
			s.logger.Warn("Failed to adjust stock cache",
				zap.Int64("variant_id", variantID), zap.Error(err))
		}
	}

	event := &models.OrderCancelledEvent{
		BaseEvent: s.newBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   order.ID,
		OrderCode: order.Code,
		Reason:    reason,
	}
	if err := s.events.PublishOrderCancelled(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}
}

// CompleteOrder confirms delivery of a delivering order, marking it
// paid and appending one history row.
func (s *OrderService) CompleteOrder(ctx context.Context, orderID, actorID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CompleteOrder")
	defer span.End()

	var order *models.Order
	err := s.db.WithTx(ctx, func(tx OrderTx) error {
		locked, err := tx.GetOrderByIDForUpdate(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}

		if !models.CanTransition(locked.Status, models.OrderStatusCompleted) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, locked.Status, models.OrderStatusCompleted)
		}

		if err := tx.MarkOrderCompleted(ctx, locked.ID); err != nil {
			return fmt.Errorf("failed to complete order: %w", err)
		}

		entry := &models.OrderStatusHistory{
			OrderID:   locked.ID,
			OldStatus: locked.Status,
			NewStatus: models.OrderStatusCompleted,
			ChangedBy: actorID,
			Note:      "Delivery confirmed",
		}
		if err := tx.AppendStatusHistory(ctx, entry); err != nil {
			return fmt.Errorf("failed to append status history: %w", err)
		}

		locked.Status = models.OrderStatusCompleted
		locked.PaymentStatus = models.PaymentStatusPaid
		order = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.OrdersCompletedTotal.Inc()
	s.logger.Info("Order completed",
		zap.Int64("order_id", order.ID),
		zap.Int64("actor_id", actorID))

	event := &models.OrderCompletedEvent{
		BaseEvent: s.newBaseEvent(models.EventTypeOrderCompleted),
		OrderID:   order.ID,
		OrderCode: order.Code,
	}
	if err := s.events.PublishOrderCompleted(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCompleted event", zap.Error(err))
	}
	return order, nil
}

// ExpireUnpaidOrder cancels a gateway order whose payment window has
// elapsed. A no-op when the order was paid, cancelled or is not a
// gateway order; the expiry worker calls this without knowing which.
func (s *OrderService) ExpireUnpaidOrder(ctx context.Context, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "OrderService.ExpireUnpaidOrder")
	defer span.End()

	var order *models.Order
	restored := make(map[int64]int)

	err := s.db.WithTx(ctx, func(tx OrderTx) error {
		locked, err := tx.GetOrderByIDForUpdate(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}

		if locked.Status != models.OrderStatusPending ||
			locked.PaymentStatus != models.PaymentStatusUnpaid ||
			locked.PaymentMethod.SettlesImmediately() {
			return nil
		}

		items, err := tx.GetOrderItems(ctx, locked.ID)
		if err != nil {
			return fmt.Errorf("failed to load order items: %w", err)
		}
		for _, item := range items {
			if err := tx.RestoreVariantStock(ctx, item.VariantID, item.Quantity); err != nil {
				return fmt.Errorf("failed to restore stock for variant %d: %w", item.VariantID, err)
			}
			restored[item.VariantID] += item.Quantity
		}

		if err := tx.UpdateOrderStatus(ctx, locked.ID, models.OrderStatusCancelled); err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}

		entry := &models.OrderStatusHistory{
			OrderID:   locked.ID,
			OldStatus: locked.Status,
			NewStatus: models.OrderStatusCancelled,
			ChangedBy: models.ActorSystem,
			Note:      "Payment window expired",
		}
		if err := tx.AppendStatusHistory(ctx, entry); err != nil {
			return fmt.Errorf("failed to append status history: %w", err)
		}

		locked.Status = models.OrderStatusCancelled
		order = locked
		return nil
	})
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}

	util.OrdersCancelledTotal.WithLabelValues("payment_timeout").Inc()
	s.logger.Info("Unpaid order expired", zap.Int64("order_id", order.ID))

	s.afterCancellation(ctx, order, restored, "payment_timeout")
	return nil
}

// OrderDetail bundles an order with its lines and audit trail.
type OrderDetail struct {
	Order   *models.Order               `json:"order"`
	Items   []models.OrderItem          `json:"items"`
	History []models.OrderStatusHistory `json:"history"`
}

// GetOrder retrieves one order with items and history
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*OrderDetail, error) {
	order, err := s.db.GetOrderByID(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	items, err := s.db.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	history, err := s.db.GetOrderHistory(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return &OrderDetail{Order: order, Items: items, History: history}, nil
}

// ListOrdersByUser retrieves a user's orders newest first, optionally
// filtered by code. An empty result is reported as not found.
func (s *OrderService) ListOrdersByUser(ctx context.Context, userID int64, code string) ([]models.Order, error) {
	orders, err := s.db.ListOrdersByUser(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrOrderNotFound
	}
	return orders, nil
}

// GetVariantStock returns the sellable quantity for one variant. The
// cache answers when warm; a miss falls through to the database and
// reseeds the entry.
func (s *OrderService) GetVariantStock(ctx context.Context, variantID int64) (int, error) {
	if qty, err := s.cache.GetStock(ctx, variantID); err == nil {
		return qty, nil
	}

	variant, err := s.db.GetVariantByID(ctx, variantID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: %d", ErrVariantNotFound, variantID)
	}
	if err != nil {
		return 0, err
	}

	if err := s.cache.SetStock(ctx, variant.ID, variant.Quantity); err != nil {
		s.logger.Warn("Failed to seed stock cache",
			zap.Int64("variant_id", variant.ID), zap.Error(err))
	}
	return variant.Quantity, nil
}

// WarmStockCache seeds the Redis stock cache from the variants table.
func (s *OrderService) WarmStockCache(ctx context.Context) error {
	variants, err := s.db.ListVariants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list variants: %w", err)
	}

	for _, v := range variants {
		if err := s.cache.SetStock(ctx, v.ID, v.Quantity); err != nil {
			s.logger.Warn("Failed to seed stock cache",
				zap.Int64("variant_id", v.ID), zap.Error(err))
		}
	}

	s.logger.Info("Stock cache warmed", zap.Int("variants", len(variants)))
	return nil
}
