package service

import (
	"context"
	"errors"
	"time"

	"shop-order-service/internal/models"
	"shop-order-service/internal/store"
)

// fakeState is the mutable world the fake datastore guards. WithTx
// hands callbacks a deep copy, so a returned error discards every
// write of that attempt, mirroring a transaction rollback.
type fakeState struct {
	orders   map[int64]*models.Order
	items    map[int64][]models.OrderItem
	history  map[int64][]models.OrderStatusHistory
	variants map[int64]*models.Variant
	vouchers map[int64]*models.Voucher
	carts    map[int64]map[int64]int

	nextOrderID, nextItemID, nextHistoryID int64
}

func newFakeState() *fakeState {
	return &fakeState{
		orders:        make(map[int64]*models.Order),
		items:         make(map[int64][]models.OrderItem),
		history:       make(map[int64][]models.OrderStatusHistory),
		variants:      make(map[int64]*models.Variant),
		vouchers:      make(map[int64]*models.Voucher),
		carts:         make(map[int64]map[int64]int),
		nextOrderID:   1,
		nextItemID:    1,
		nextHistoryID: 1,
	}
}

func (st *fakeState) clone() *fakeState {
	c := newFakeState()
	c.nextOrderID = st.nextOrderID
	c.nextItemID = st.nextItemID
	c.nextHistoryID = st.nextHistoryID
	for id, o := range st.orders {
		cp := *o
		c.orders[id] = &cp
	}
	for id, items := range st.items {
		c.items[id] = append([]models.OrderItem(nil), items...)
	}
	for id, hs := range st.history {
		c.history[id] = append([]models.OrderStatusHistory(nil), hs...)
	}
	for id, v := range st.variants {
		cp := *v
		c.variants[id] = &cp
	}
	for id, v := range st.vouchers {
		cp := *v
		c.vouchers[id] = &cp
	}
	for userID, cart := range st.carts {
		cp := make(map[int64]int, len(cart))
		for vid, qty := range cart {
			cp[vid] = qty
		}
		c.carts[userID] = cp
	}
	return c
}

type fakeStore struct {
	state *fakeState

	// failTx makes the next transaction fail, once.
	failTx error
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: newFakeState()}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx OrderTx) error) error {
	if f.failTx != nil {
		err := f.failTx
		f.failTx = nil
		return err
	}
	attempt := f.state.clone()
	if err := fn(&fakeTx{st: attempt}); err != nil {
		return err
	}
	f.state = attempt
	return nil
}

func (f *fakeStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := f.state.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return append([]models.OrderItem(nil), f.state.items[orderID]...), nil
}

func (f *fakeStore) GetOrderHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	return append([]models.OrderStatusHistory(nil), f.state.history[orderID]...), nil
}

func (f *fakeStore) ListOrdersByUser(ctx context.Context, userID int64, code string) ([]models.Order, error) {
	var out []models.Order
	for id := f.state.nextOrderID - 1; id >= 1; id-- {
		o, ok := f.state.orders[id]
		if !ok || !o.UserID.Valid || o.UserID.Int64 != userID {
			continue
		}
		if code != "" && o.Code != code {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (f *fakeStore) GetVoucherByID(ctx context.Context, id int64) (*models.Voucher, error) {
	v, ok := f.state.vouchers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeStore) GetVariantByID(ctx context.Context, id int64) (*models.Variant, error) {
	v, ok := f.state.variants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeStore) ListVariants(ctx context.Context) ([]models.Variant, error) {
	var out []models.Variant
	for _, v := range f.state.variants {
		out = append(out, *v)
	}
	return out, nil
}

type fakeTx struct {
	st *fakeState
}

func (t *fakeTx) CreateOrder(ctx context.Context, order *models.Order) error {
	order.ID = t.st.nextOrderID
	t.st.nextOrderID++
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	cp := *order
	t.st.orders[order.ID] = &cp
	return nil
}

func (t *fakeTx) OrderCodeExists(ctx context.Context, code string) (bool, error) {
	for _, o := range t.st.orders {
		if o.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (t *fakeTx) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	item.ID = t.st.nextItemID
	t.st.nextItemID++
	t.st.items[item.OrderID] = append(t.st.items[item.OrderID], *item)
	return nil
}

func (t *fakeTx) AppendStatusHistory(ctx context.Context, entry *models.OrderStatusHistory) error {
	entry.ID = t.st.nextHistoryID
	t.st.nextHistoryID++
	entry.CreatedAt = time.Now()
	t.st.history[entry.OrderID] = append(t.st.history[entry.OrderID], *entry)
	return nil
}

func (t *fakeTx) GetOrderByIDForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *fakeTx) GetOrderByCodeForUpdate(ctx context.Context, code string) (*models.Order, error) {
	for _, o := range t.st.orders {
		if o.Code == code {
			cp := *o
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *fakeTx) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	return nil
}

func (t *fakeTx) MarkOrderPaid(ctx context.Context, orderID int64, totalPrice int64) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.PaymentStatus = models.PaymentStatusPaid
	o.TotalPrice = totalPrice
	o.UpdatedAt = time.Now()
	return nil
}

func (t *fakeTx) MarkOrderCompleted(ctx context.Context, orderID int64) error {
	o, ok := t.st.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = models.OrderStatusCompleted
	o.PaymentStatus = models.PaymentStatusPaid
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	return nil
}

func (t *fakeTx) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return append([]models.OrderItem(nil), t.st.items[orderID]...), nil
}

func (t *fakeTx) DeleteCartItems(ctx context.Context, userID int64, variantIDs []int64) error {
	cart := t.st.carts[userID]
	for _, vid := range variantIDs {
		delete(cart, vid)
	}
	return nil
}

func (t *fakeTx) ReserveVariantStock(ctx context.Context, variantID int64, qty int) (bool, error) {
	v, ok := t.st.variants[variantID]
	if !ok {
		return false, store.ErrNotFound
	}
	if v.Quantity < qty {
		return false, nil
	}
	v.Quantity -= qty
	return true, nil
}

func (t *fakeTx) RestoreVariantStock(ctx context.Context, variantID int64, qty int) error {
	v, ok := t.st.variants[variantID]
	if !ok {
		return store.ErrNotFound
	}
	v.Quantity += qty
	return nil
}

func (t *fakeTx) RedeemVoucher(ctx context.Context, voucherID int64) (bool, error) {
	v, ok := t.st.vouchers[voucherID]
	if !ok {
		return false, store.ErrNotFound
	}
	if v.TotalUses < 1 {
		return false, nil
	}
	v.TotalUses--
	return true, nil
}

type fakeCache struct {
	stock  map[int64]int
	idem   map[string]int64
	claims map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		stock:  make(map[int64]int),
		idem:   make(map[string]int64),
		claims: make(map[string]bool),
	}
}

func (c *fakeCache) AdjustStock(ctx context.Context, variantID int64, delta int) error {
	c.stock[variantID] += delta
	return nil
}

func (c *fakeCache) SetStock(ctx context.Context, variantID int64, quantity int) error {
	c.stock[variantID] = quantity
	return nil
}

func (c *fakeCache) GetStock(ctx context.Context, variantID int64) (int, error) {
	qty, ok := c.stock[variantID]
	if !ok {
		return 0, errors.New("stock not cached")
	}
	return qty, nil
}

func (c *fakeCache) SetIdempotencyKey(ctx context.Context, key string, orderID int64, ttl time.Duration) error {
	c.idem[key] = orderID
	return nil
}

func (c *fakeCache) GetIdempotentOrderID(ctx context.Context, key string) (int64, error) {
	return c.idem[key], nil
}

func (c *fakeCache) ClaimCallback(ctx context.Context, orderCode, responseCode string, ttl time.Duration) (bool, error) {
	key := orderCode + ":" + responseCode
	if c.claims[key] {
		return false, nil
	}
	c.claims[key] = true
	return true, nil
}

func (c *fakeCache) ReleaseCallback(ctx context.Context, orderCode, responseCode string) error {
	delete(c.claims, orderCode+":"+responseCode)
	return nil
}

type fakeEvents struct {
	placed    []*models.OrderPlacedEvent
	cancelled []*models.OrderCancelledEvent
	completed []*models.OrderCompletedEvent
	paySucc   []*models.PaymentSucceededEvent
	payFail   []*models.PaymentFailedEvent
}

func (e *fakeEvents) PublishOrderPlaced(ctx context.Context, ev *models.OrderPlacedEvent) error {
	e.placed = append(e.placed, ev)
	return nil
}

func (e *fakeEvents) PublishOrderCancelled(ctx context.Context, ev *models.OrderCancelledEvent) error {
	e.cancelled = append(e.cancelled, ev)
	return nil
}

func (e *fakeEvents) PublishOrderCompleted(ctx context.Context, ev *models.OrderCompletedEvent) error {
	e.completed = append(e.completed, ev)
	return nil
}

func (e *fakeEvents) PublishPaymentSucceeded(ctx context.Context, ev *models.PaymentSucceededEvent) error {
	e.paySucc = append(e.paySucc, ev)
	return nil
}

func (e *fakeEvents) PublishPaymentFailed(ctx context.Context, ev *models.PaymentFailedEvent) error {
	e.payFail = append(e.payFail, ev)
	return nil
}
