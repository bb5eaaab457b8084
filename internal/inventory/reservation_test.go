package inventory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/orchardlane/storefront-backend/pkg/db/models"
	pkgerrors "github.com/orchardlane/storefront-backend/pkg/errors"
)

func TestReserveStock(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	productA := uuid.New()
	productB := uuid.New()

	for _, p := range []models.Product{
		{ID: productA, Name: "kettle", PriceMinor: 1000, AvailableQty: 5},
		{ID: productB, Name: "mug", PriceMinor: 200, AvailableQty: 1},
	} {
		if err := db.Create(&p).Error; err != nil {
			t.Fatalf("seed product: %v", err)
		}
	}

	requests := []ReservationRequest{
		{ProductID: productA, Qty: 3},
		{ProductID: productA, Qty: 4},
		{ProductID: productB, Qty: 1},
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		results, terr := ReserveStock(ctx, tx, requests)
		if terr != nil {
			return terr
		}
		if len(results) != 3 {
			t.Fatalf("expected 3 results, got %d", len(results))
		}
		if !results[0].Reserved || results[0].Reason != "" {
			t.Fatalf("expected first reservation to succeed")
		}
		if results[1].Reserved || results[1].Reason == "" {
			t.Fatalf("expected second reservation to fail with reason")
		}
		if !results[2].Reserved {
			t.Fatalf("expected third reservation to succeed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reserve transaction: %v", err)
	}

	var prodA, prodB models.Product
	if err := db.First(&prodA, "id = ?", productA).Error; err != nil {
		t.Fatalf("load product a: %v", err)
	}
	if err := db.First(&prodB, "id = ?", productB).Error; err != nil {
		t.Fatalf("load product b: %v", err)
	}
	if prodA.AvailableQty != 2 || prodA.ReservedQty != 3 {
		t.Fatalf("unexpected product a stock: %+v", prodA)
	}
	if prodB.AvailableQty != 0 || prodB.ReservedQty != 1 {
		t.Fatalf("unexpected product b stock: %+v", prodB)
	}
}

func TestReserveStockInvalidQty(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	product := uuid.New()
	if err := db.Create(&models.Product{ID: product, Name: "kettle", PriceMinor: 1000, AvailableQty: 5}).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}

	_, err := ReserveStock(ctx, db, []ReservationRequest{{ProductID: product, Qty: 0}})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReleaseStockReturnsReservedUnits(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	product := uuid.New()
	if err := db.Create(&models.Product{ID: product, Name: "kettle", PriceMinor: 1000, AvailableQty: 2, ReservedQty: 3}).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}

	if err := ReleaseStock(ctx, db, product, 3); err != nil {
		t.Fatalf("release: %v", err)
	}

	var prod models.Product
	if err := db.First(&prod, "id = ?", product).Error; err != nil {
		t.Fatalf("load product: %v", err)
	}
	if prod.AvailableQty != 5 || prod.ReservedQty != 0 {
		t.Fatalf("unexpected stock after release: %+v", prod)
	}
}

func TestConsumeStockRequiresMatchingReservation(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	ctx := context.Background()
	product := uuid.New()
	if err := db.Create(&models.Product{ID: product, Name: "kettle", PriceMinor: 1000, AvailableQty: 2, ReservedQty: 2}).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}

	if err := ConsumeStock(ctx, db, product, 2); err != nil {
		t.Fatalf("consume: %v", err)
	}

	var prod models.Product
	if err := db.First(&prod, "id = ?", product).Error; err != nil {
		t.Fatalf("load product: %v", err)
	}
	if prod.AvailableQty != 2 || prod.ReservedQty != 0 {
		t.Fatalf("unexpected stock after consume: %+v", prod)
	}

	err := ConsumeStock(ctx, db, product, 1)
	if err == nil {
		t.Fatal("expected conflict when reserved stock is exhausted")
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeConflict {
		t.Fatalf("unexpected error: %v", err)
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:inventory_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Product{}); err != nil {
		t.Fatalf("migrate products: %v", err)
	}
	return db
}
