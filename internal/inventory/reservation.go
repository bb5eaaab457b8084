package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	pkgerrors "github.com/orchardlane/storefront-backend/pkg/errors"
)

// ReservationRequest asks for qty units of a product to be held for an order.
type ReservationRequest struct {
	ProductID uuid.UUID
	Qty       int
}

// ReservationResult reports the per-product outcome. Reserved is false when
// the conditional update found insufficient available stock.
type ReservationResult struct {
	ProductID uuid.UUID
	Qty       int
	Reserved  bool
	Reason    string
}

// ReserveStock moves available stock into the reserved counter for each
// request. The update is conditional on available_qty so two concurrent
// checkouts can never reserve the same unit; the row simply does not match
// for the loser. Callers run this inside a transaction and roll back if any
// result comes back unreserved.
func ReserveStock(ctx context.Context, tx *gorm.DB, requests []ReservationRequest) ([]ReservationResult, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock reservation")
	}

	results := make([]ReservationResult, 0, len(requests))
	for _, req := range requests {
		if req.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required for reservation")
		}
		if req.Qty <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("reservation qty must be positive for product %s", req.ProductID))
		}

		res := tx.WithContext(ctx).Exec(`
			UPDATE products
			SET available_qty = available_qty - ?,
				reserved_qty = reserved_qty + ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND available_qty >= ?
		`, req.Qty, req.Qty, req.ProductID, req.Qty)
		if res.Error != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "reserve stock")
		}

		result := ReservationResult{ProductID: req.ProductID, Qty: req.Qty, Reserved: res.RowsAffected == 1}
		if !result.Reserved {
			result.Reason = "insufficient available stock"
		}
		results = append(results, result)
	}
	return results, nil
}

// ReleaseStock returns reserved units to the available pool. Used when a
// checkout fails after reserving, when payment verification rejects an
// order, and when an unshipped order is cancelled.
func ReleaseStock(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return nil
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock release")
	}

	res := tx.WithContext(ctx).Exec(`
		UPDATE products
		SET available_qty = available_qty + ?,
			reserved_qty = reserved_qty - ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND reserved_qty >= ?
	`, qty, qty, productID, qty)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "release stock")
	}
	return nil
}

// ConsumeStock burns reserved units once payment settles. The units leave
// the reserved counter without returning to available.
func ConsumeStock(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return nil
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock consumption")
	}

	res := tx.WithContext(ctx).Exec(`
		UPDATE products
		SET reserved_qty = reserved_qty - ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND reserved_qty >= ?
	`, qty, productID, qty)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "consume stock")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("reserved stock for product %s no longer matches the order", productID))
	}
	return nil
}

// RestockUnits puts units back on the shelf after a refund of consumed
// stock. Unlike ReleaseStock it does not touch the reserved counter.
func RestockUnits(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return nil
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for restock")
	}

	res := tx.WithContext(ctx).Exec(`
		UPDATE products
		SET available_qty = available_qty + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, qty, productID)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "restock units")
	}
	return nil
}
