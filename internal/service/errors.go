package service

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrVariantNotFound        = errors.New("variant not found")
	ErrVoucherNotFound        = errors.New("voucher not found")
	ErrVoucherNotEligible     = errors.New("order total below voucher minimum")
	ErrVoucherExhausted       = errors.New("voucher has no remaining uses")
	ErrInvalidStateTransition = errors.New("invalid order state transition")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidPaymentMethod   = errors.New("unsupported payment method")
	ErrEmptyItems             = errors.New("order has no items")
)

// InsufficientStockError names the variant that could not cover the
// requested quantity. It unwraps to ErrInsufficientStock.
type InsufficientStockError struct {
	VariantID int64
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %d (requested %d)", e.VariantID, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}
