package worker

import (
	"context"
	"errors"
	"time"

	"shop-order-service/internal/broker"
	"shop-order-service/internal/models"
	"shop-order-service/internal/service"
	"shop-order-service/internal/util"

	"go.uber.org/zap"
)

// ExpiryWorker watches OrderPlaced events for gateway orders and
// cancels any still unpaid once the payment window elapses. Orders
// settled or cancelled in the meantime are left alone by the service's
// status guard.
type ExpiryWorker struct {
	consumer *broker.Consumer
	router   *broker.EventRouter
	orders   *service.OrderService
	timeout  time.Duration
	logger   *zap.Logger
}

// NewExpiryWorker creates the worker with the configured payment timeout
func NewExpiryWorker(consumer *broker.Consumer, orders *service.OrderService, timeout time.Duration) *ExpiryWorker {
	w := &ExpiryWorker{
		consumer: consumer,
		router:   broker.NewEventRouter(),
		orders:   orders,
		timeout:  timeout,
		logger:   util.Named("worker.expiry"),
	}
	w.router.OnOrderPlaced(w.handleOrderPlaced)
	return w
}

// Start starts the worker
func (w *ExpiryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting expiry worker", zap.Duration("payment_timeout", w.timeout))
	return w.consumer.StartConsuming(ctx, w.router.HandleMessage)
}

// Stop stops the worker
func (w *ExpiryWorker) Stop() error {
	w.logger.Info("Stopping expiry worker")
	return w.consumer.Close()
}

// handleOrderPlaced waits out the payment window for one gateway order
// and then expires it if still unpaid. Events arrive in order, so
// sleeping until this order's deadline never delays an earlier one.
func (w *ExpiryWorker) handleOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	if event.PaymentMethod.SettlesImmediately() {
		return nil
	}

	deadline := event.Timestamp.Add(w.timeout)
	if wait := time.Until(deadline); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if err := w.orders.ExpireUnpaidOrder(ctx, event.OrderID); err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			w.logger.Warn("Expiry skipped, order no longer exists",
				zap.Int64("order_id", event.OrderID))
			return nil
		}
		w.logger.Error("Failed to expire unpaid order",
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
		return err
	}
	return nil
}
