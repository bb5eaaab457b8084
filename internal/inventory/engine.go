package inventory

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Engine is the stock ledger implementation handed to checkout and orders.
// All methods run against the caller's transaction so stock movements commit
// with the order state they belong to.
type Engine struct{}

func NewEngine() Engine {
	return Engine{}
}

func (Engine) Reserve(ctx context.Context, tx *gorm.DB, requests []ReservationRequest) ([]ReservationResult, error) {
	return ReserveStock(ctx, tx, requests)
}

func (Engine) Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	return ReleaseStock(ctx, tx, productID, qty)
}

func (Engine) Consume(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	return ConsumeStock(ctx, tx, productID, qty)
}

func (Engine) Restock(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	return RestockUnits(ctx, tx, productID, qty)
}
