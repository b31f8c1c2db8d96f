package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_placed_total",
		Help: "Total number of orders placed",
	}, []string{"payment_method"})

	CheckoutFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_failed_total",
		Help: "Total number of failed checkout attempts",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"reason"})

	OrdersCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_completed_total",
		Help: "Total number of completed orders",
	})

	StockReservationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reservations_failed_total",
		Help: "Total number of reservations rejected for insufficient stock",
	})

	VoucherRedemptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voucher_redemptions_total",
		Help: "Total number of voucher uses consumed",
	})

	VoucherRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voucher_rejected_total",
		Help: "Total number of voucher validations rejected",
	}, []string{"reason"})

	PaymentURLsBuiltTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_urls_built_total",
		Help: "Total number of gateway redirect URLs issued",
	})

	PaymentCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Total number of gateway callbacks by outcome",
	}, []string{"result"})

	CheckoutLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkout_latency_seconds",
		Help:    "Latency of order placement",
		Buckets: prometheus.DefBuckets,
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
