package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shop-order-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Tx wraps a database transaction. Row locks taken through it are held
// until the enclosing WithTx commits or rolls back.
type Tx struct {
	tx *sqlx.Tx
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// deductWithFloor locks one counter row, checks it can absorb qty and
// decrements it. Variant stock and voucher uses share this primitive.
// Returns false without mutating when the floor check fails.
func (t *Tx) deductWithFloor(ctx context.Context, lockQuery, updateQuery string, id int64, qty int) (bool, error) {
	var available int
	err := t.tx.GetContext(ctx, &available, lockQuery, id)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock row %d: %w", id, err)
	}

	if available < qty {
		return false, nil
	}

	if _, err := t.tx.ExecContext(ctx, updateQuery, qty, id); err != nil {
		return false, fmt.Errorf("failed to decrement row %d: %w", id, err)
	}
	return true, nil
}

// ReserveVariantStock decrements a variant's quantity under an
// exclusive row lock. Returns false when stock is insufficient.
func (t *Tx) ReserveVariantStock(ctx context.Context, variantID int64, qty int) (bool, error) {
	return t.deductWithFloor(ctx,
		"SELECT quantity FROM variants WHERE id = $1 FOR UPDATE",
		"UPDATE variants SET quantity = quantity - $1, updated_at = NOW() WHERE id = $2",
		variantID, qty)
}

// RestoreVariantStock adds qty back to a variant. Callers guarantee
// at-most-once restoration per reservation.
func (t *Tx) RestoreVariantStock(ctx context.Context, variantID int64, qty int) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE variants SET quantity = quantity + $1, updated_at = NOW() WHERE id = $2",
		qty, variantID)
	if err != nil {
		return fmt.Errorf("failed to restore stock for variant %d: %w", variantID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RedeemVoucher consumes one remaining use of a voucher under the same
// locking discipline as variant stock. Returns false when exhausted.
func (t *Tx) RedeemVoucher(ctx context.Context, voucherID int64) (bool, error) {
	return t.deductWithFloor(ctx,
		"SELECT total_uses FROM vouchers WHERE id = $1 FOR UPDATE",
		"UPDATE vouchers SET total_uses = total_uses - $1 WHERE id = $2",
		voucherID, 1)
}

// GetVoucherByID retrieves a voucher
func (s *Store) GetVoucherByID(ctx context.Context, id int64) (*models.Voucher, error) {
	var v models.Voucher
	err := s.db.GetContext(ctx, &v, "SELECT * FROM vouchers WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVariantByID retrieves a variant
func (s *Store) GetVariantByID(ctx context.Context, id int64) (*models.Variant, error) {
	var v models.Variant
	err := s.db.GetContext(ctx, &v, "SELECT * FROM variants WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVariants retrieves all variants, used to warm the stock cache
func (s *Store) ListVariants(ctx context.Context) ([]models.Variant, error) {
	var variants []models.Variant
	err := s.db.SelectContext(ctx, &variants, "SELECT * FROM variants ORDER BY id")
	return variants, err
}
