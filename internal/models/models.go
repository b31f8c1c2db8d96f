package models

import (
	"database/sql"
	"time"
)

// Order statuses
const (
	OrderStatusPending    = "pending"
	OrderStatusDelivering = "delivering"
	OrderStatusCompleted  = "completed"
	OrderStatusCancelled  = "cancelled"
)

// Payment statuses
const (
	PaymentStatusUnpaid = "unpaid"
	PaymentStatusPaid   = "paid"
)

// PaymentMethod is a closed set: cash on delivery or the VNPay gateway.
type PaymentMethod string

const (
	PaymentMethodCOD   PaymentMethod = "cod"
	PaymentMethodVNPay PaymentMethod = "vnpay"
)

// SettlesImmediately reports whether the method commits side effects
// (cart clearing, voucher redemption) at checkout rather than on a
// payment confirmation callback.
func (m PaymentMethod) SettlesImmediately() bool {
	return m == PaymentMethodCOD
}

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCOD || m == PaymentMethodVNPay
}

// ActorSystem is the changed_by sentinel for transitions not attributed
// to a user (gateway callbacks, expiry sweeps).
const ActorSystem int64 = 0

// orderTransitions enumerates every permitted status transition.
var orderTransitions = map[string][]string{
	OrderStatusPending:    {OrderStatusDelivering, OrderStatusCancelled},
	OrderStatusDelivering: {OrderStatusCompleted},
	OrderStatusCompleted:  {},
	OrderStatusCancelled:  {},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is a customer purchase: pricing snapshot, shipping address and
// the state of the fulfilment/payment workflow.
type Order struct {
	ID            int64         `db:"id" json:"id"`
	Code          string        `db:"code" json:"code"`
	UserID        sql.NullInt64 `db:"user_id" json:"user_id"`
	Name          string        `db:"name" json:"name"`
	Phone         string        `db:"phone" json:"phone"`
	Address       string        `db:"address" json:"address"`
	ProvinceID    int64         `db:"province_id" json:"province_id"`
	DistrictID    int64         `db:"district_id" json:"district_id"`
	WardID        int64         `db:"ward_id" json:"ward_id"`
	TotalPrice    int64         `db:"total_price" json:"total_price"`
	DiscountValue int64         `db:"discount_value" json:"discount_value"`
	FinalPrice    int64         `db:"final_price" json:"final_price"`
	ShippingFee   int64         `db:"shipping_fee" json:"shipping_fee"`
	Status        string        `db:"status" json:"status"`
	PaymentMethod PaymentMethod `db:"payment_method" json:"payment_method"`
	PaymentStatus string        `db:"payment_status" json:"payment_status"`
	VoucherID     sql.NullInt64 `db:"voucher_id" json:"voucher_id"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// OrderItem is one purchased variant line. Immutable after creation;
// stock restoration on cancellation happens on the variant, not here.
type OrderItem struct {
	ID        int64 `db:"id" json:"id"`
	OrderID   int64 `db:"order_id" json:"order_id"`
	VariantID int64 `db:"variant_id" json:"variant_id"`
	Price     int64 `db:"price" json:"price"`
	Quantity  int   `db:"quantity" json:"quantity"`
	Total     int64 `db:"total" json:"total"`
}

// OrderStatusHistory is an append-only audit row, one per transition.
type OrderStatusHistory struct {
	ID        int64     `db:"id" json:"id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	OldStatus string    `db:"old_status" json:"old_status"`
	NewStatus string    `db:"new_status" json:"new_status"`
	ChangedBy int64     `db:"changed_by" json:"changed_by"`
	Note      string    `db:"note" json:"note"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Variant is a purchasable SKU. The workflow only reads and writes its
// quantity, under a row lock; everything else belongs to the catalog.
type Variant struct {
	ID          int64     `db:"id" json:"id"`
	ProductID   int64     `db:"product_id" json:"product_id"`
	Price       int64     `db:"price" json:"price"`
	ImportPrice int64     `db:"import_price" json:"import_price"`
	Quantity    int       `db:"quantity" json:"quantity"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Voucher is a discount code with a subtotal threshold and a finite
// remaining-use counter.
type Voucher struct {
	ID               int64  `db:"id" json:"id"`
	Code             string `db:"code" json:"code"`
	DiscountValue    int64  `db:"discount_value" json:"discount_value"`
	DiscountType     string `db:"discount_type" json:"discount_type"`
	DiscountMinPrice int64  `db:"discount_min_price" json:"discount_min_price"`
	TotalUses        int    `db:"total_uses" json:"total_uses"`
}

// CartItem is a storefront cart row, deleted once its variant is part
// of a committed order.
type CartItem struct {
	ID        int64 `db:"id" json:"id"`
	UserID    int64 `db:"user_id" json:"user_id"`
	VariantID int64 `db:"variant_id" json:"variant_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
}
