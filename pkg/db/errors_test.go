package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{
			name:       "postgres matching constraint",
			err:        &pgconn.PgError{Code: "23505", ConstraintName: "ux_orders_provider_payment_id"},
			constraint: "ux_orders_provider_payment_id",
			want:       true,
		},
		{
			name:       "postgres wrapped error",
			err:        fmt.Errorf("update order: %w", &pgconn.PgError{Code: "23505", ConstraintName: "ux_orders_provider_payment_id"}),
			constraint: "ux_orders_provider_payment_id",
			want:       true,
		},
		{
			name:       "postgres other constraint",
			err:        &pgconn.PgError{Code: "23505", ConstraintName: "ux_coupons_code"},
			constraint: "ux_orders_provider_payment_id",
			want:       false,
		},
		{
			name:       "postgres non unique code",
			err:        &pgconn.PgError{Code: "23503", ConstraintName: "fk_order_items_order"},
			constraint: "",
			want:       false,
		},
		{
			name:       "postgres any constraint",
			err:        &pgconn.PgError{Code: "23505", ConstraintName: "ux_coupons_code"},
			constraint: "",
			want:       true,
		},
		{
			name:       "sqlite message",
			err:        errors.New("UNIQUE constraint failed: orders.provider_payment_id"),
			constraint: "ux_orders_provider_payment_id",
			want:       true,
		},
		{
			name:       "unrelated error",
			err:        errors.New("connection reset by peer"),
			constraint: "ux_orders_provider_payment_id",
			want:       false,
		},
		{
			name:       "nil error",
			err:        nil,
			constraint: "ux_orders_provider_payment_id",
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err, tt.constraint); got != tt.want {
				t.Fatalf("IsUniqueViolation(%v, %q) = %v, want %v", tt.err, tt.constraint, got, tt.want)
			}
		})
	}
}
