package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"shop-order-service/internal/models"
	"shop-order-service/internal/store"
	"shop-order-service/internal/util"
	"shop-order-service/internal/vnpay"

	"go.uber.org/zap"
)

// CallbackOutcome reports what a gateway return callback did.
type CallbackOutcome struct {
	OrderID          int64  `json:"order_id"`
	OrderCode        string `json:"order_code"`
	PaymentSucceeded bool   `json:"payment_succeeded"`
	AlreadyProcessed bool   `json:"already_processed"`
}

// HandleGatewayReturn processes the signed VNPay return callback. The
// signature is verified before anything else; response code "00"
// settles the order, any other code cancels it with stock restoration.
// Both branches lock the order row and re-check its status, so a
// callback racing a cancellation (or a duplicate delivery) is a no-op.
func (s *OrderService) HandleGatewayReturn(ctx context.Context, query url.Values) (*CallbackOutcome, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.HandleGatewayReturn")
	defer span.End()

	result, err := s.gateway.VerifyReturn(query)
	if err != nil {
		if errors.Is(err, vnpay.ErrInvalidSignature) {
			util.PaymentCallbacksTotal.WithLabelValues("invalid_signature").Inc()
			s.logger.Warn("Rejected gateway callback with bad signature",
				zap.String("txn_ref", query.Get("vnp_TxnRef")))
		}
		return nil, err
	}

	claimed, err := s.cache.ClaimCallback(ctx, result.OrderCode, result.ResponseCode, callbackTTL)
	if err != nil {
		s.logger.Warn("Callback dedupe unavailable, relying on row lock", zap.Error(err))
		claimed = false
	} else if !claimed {
		util.PaymentCallbacksTotal.WithLabelValues("duplicate").Inc()
		return &CallbackOutcome{
			OrderCode:        result.OrderCode,
			PaymentSucceeded: result.Succeeded,
			AlreadyProcessed: true,
		}, nil
	}

	var outcome *CallbackOutcome
	if result.Succeeded {
		outcome, err = s.settlePayment(ctx, result)
	} else {
		outcome, err = s.failPayment(ctx, result)
	}
	if err != nil {
		// The claim must not outlive a failed attempt, or the
		// gateway's retry of the same callback would be swallowed
		// while the order sits unsettled.
		if claimed {
			if relErr := s.cache.ReleaseCallback(ctx, result.OrderCode, result.ResponseCode); relErr != nil {
				s.logger.Error("Failed to release callback claim",
					zap.String("code", result.OrderCode), zap.Error(relErr))
			}
		}
		return nil, err
	}
	return outcome, nil
}

// settlePayment applies the success branch: mark paid, overwrite the
// total with the gateway-reported amount, append the creation history
// row, clear the cart and redeem the voucher.
func (s *OrderService) settlePayment(ctx context.Context, result *vnpay.CallbackResult) (*CallbackOutcome, error) {
	var order *models.Order
	skipped := false

	err := s.db.WithTx(ctx, func(tx OrderTx) error {
		locked, err := tx.GetOrderByCodeForUpdate(ctx, result.OrderCode)
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		order = locked

		if locked.PaymentStatus == models.PaymentStatusPaid {
			skipped = true
			return nil
		}
		if locked.Status != models.OrderStatusPending {
			s.logger.Warn("Success callback for non-pending order ignored",
				zap.String("code", locked.Code),
				zap.String("status", locked.Status))
			skipped = true
			return nil
		}

		if err := tx.MarkOrderPaid(ctx, locked.ID, result.Amount); err != nil {
			return fmt.Errorf("failed to mark order paid: %w", err)
		}

		entry := &models.OrderStatusHistory{
			OrderID:   locked.ID,
			OldStatus: locked.Status,
			NewStatus: locked.Status,
			ChangedBy: actorOrSystem(locked.UserID.Int64),
			Note:      "Order placed",
		}
		if err := tx.AppendStatusHistory(ctx, entry); err != nil {
			return fmt.Errorf("failed to append status history: %w", err)
		}

		if locked.UserID.Valid {
			items, err := tx.GetOrderItems(ctx, locked.ID)
			if err != nil {
				return fmt.Errorf("failed to load order items: %w", err)
			}
			variantIDs := make([]int64, len(items))
			for i, item := range items {
				variantIDs[i] = item.VariantID
			}
			if err := tx.DeleteCartItems(ctx, locked.UserID.Int64, variantIDs); err != nil {
				return err
			}
		}

		if locked.VoucherID.Valid {
			ok, err := tx.RedeemVoucher(ctx, locked.VoucherID.Int64)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err != nil || !ok {
				// The payment is already settled; an exhausted or
				// deleted voucher at this point is an audit concern,
				// not grounds to reject the money.
				s.logger.Warn("Voucher could not be redeemed on settled order",
					zap.Int64("order_id", locked.ID),
					zap.Int64("voucher_id", locked.VoucherID.Int64))
			} else {
				util.VoucherRedemptionsTotal.Inc()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if skipped {
		util.PaymentCallbacksTotal.WithLabelValues("ignored").Inc()
		return &CallbackOutcome{
			OrderID:          order.ID,
			OrderCode:        order.Code,
			PaymentSucceeded: true,
			AlreadyProcessed: true,
		}, nil
	}

	util.PaymentCallbacksTotal.WithLabelValues("success").Inc()
	s.logger.Info("Payment settled",
		zap.Int64("order_id", order.ID),
		zap.String("code", order.Code),
		zap.Int64("amount", result.Amount))

	event := &models.PaymentSucceededEvent{
		BaseEvent: s.newBaseEvent(models.EventTypePaymentSucceeded),
		OrderID:   order.ID,
		OrderCode: order.Code,
		Amount:    result.Amount,
	}
	if err := s.events.PublishPaymentSucceeded(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentSucceeded event", zap.Error(err))
	}

	return &CallbackOutcome{
		OrderID:          order.ID,
		OrderCode:        order.Code,
		PaymentSucceeded: true,
	}, nil
}

// failPayment applies the failure branch: cancel the pending order and
// put its stock back.
func (s *OrderService) failPayment(ctx context.Context, result *vnpay.CallbackResult) (*CallbackOutcome, error) {
	var order *models.Order
	restored := make(map[int64]int)
	skipped := false

	err := s.db.WithTx(ctx, func(tx OrderTx) error {
		locked, err := tx.GetOrderByCodeForUpdate(ctx, result.OrderCode)
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		order = locked

		if locked.Status != models.OrderStatusPending {
			s.logger.Warn("Failure callback for non-pending order ignored",
				zap.String("code", locked.Code),
				zap.String("status", locked.Status))
			skipped = true
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
			ChangedBy: actorOrSystem(locked.UserID.Int64),
			Note:      "Payment failed or abandoned",
		}
		if err := tx.AppendStatusHistory(ctx, entry); err != nil {
			return fmt.Errorf("failed to append status history: %w", err)
		}

		locked.Status = models.OrderStatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	if skipped {
		util.PaymentCallbacksTotal.WithLabelValues("ignored").Inc()
		return &CallbackOutcome{
			OrderID:          order.ID,
			OrderCode:        order.Code,
			AlreadyProcessed: true,
		}, nil
	}

	util.PaymentCallbacksTotal.WithLabelValues("failure").Inc()
	util.OrdersCancelledTotal.WithLabelValues("payment_failed").Inc()
	s.logger.Info("Payment failed, order cancelled",
		zap.Int64("order_id", order.ID),
		zap.String("code", order.Code),
		zap.String("response_code", result.ResponseCode))

	event := &models.PaymentFailedEvent{
		BaseEvent:    s.newBaseEvent(models.EventTypePaymentFailed),
		OrderID:      order.ID,
		OrderCode:    order.Code,
		ResponseCode: result.ResponseCode,
	}
	if err := s.events.PublishPaymentFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
	s.afterCancellation(ctx, order, restored, "payment_failed")

	return &CallbackOutcome{
		OrderID:   order.ID,
		OrderCode: order.Code,
	}, nil
}
