package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orchardlane/storefront-backend/pkg/enums"
	"github.com/orchardlane/storefront-backend/pkg/types"
)

// Order is the durable record produced by checkout. Amounts and line items
// are captured at order time and never re-derived from the catalog.
type Order struct {
	ID     uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	UserID uuid.UUID `gorm:"column:user_id;type:uuid;not null;index"`

	SubtotalMinor int64  `gorm:"column:subtotal_minor;not null"`
	ShippingMinor int64  `gorm:"column:shipping_minor;not null;default:0"`
	TaxMinor      int64  `gorm:"column:tax_minor;not null;default:0"`
	DiscountMinor int64  `gorm:"column:discount_minor;not null;default:0"`
	TotalMinor    int64  `gorm:"column:total_minor;not null"`
	Currency      string `gorm:"column:currency;not null;default:'INR'"`

	DeliveryAddress types.Address        `gorm:"column:delivery_address;type:jsonb;serializer:json"`
	ShippingMethod  enums.ShippingMethod `gorm:"column:shipping_method;not null;default:'STANDARD'"`

	PaymentMethod enums.PaymentMethod `gorm:"column:payment_method;not null;default:'ONLINE'"`
	PaymentStatus enums.PaymentStatus `gorm:"column:payment_status;not null;default:'PENDING'"`
	OrderStatus   enums.OrderStatus   `gorm:"column:order_status;not null;default:'PLACED'"`
	RefundStatus  enums.RefundStatus  `gorm:"column:refund_status;not null;default:'NONE'"`

	// External payment-provider identifiers. ProviderPaymentID doubles as the
	// idempotency key for finalize; it is unique when present.
	ProviderOrderID   *string `gorm:"column:provider_order_id;index"`
	ProviderPaymentID *string `gorm:"column:provider_payment_id;uniqueIndex:ux_orders_provider_payment_id"`
	ProviderSignature *string `gorm:"column:provider_signature"`
	RefundID          *string `gorm:"column:refund_id"`

	CouponCode *string `gorm:"column:coupon_code"`
	Notes      *string `gorm:"column:notes"`

	Items []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
