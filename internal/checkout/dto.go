package checkout

import (
	"github.com/google/uuid"

	"github.com/orchardlane/storefront-backend/internal/orders"
	"github.com/orchardlane/storefront-backend/pkg/types"
)

// ItemInput is one requested order line.
type ItemInput struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Qty       int       `json:"qty" validate:"required,gt=0"`
	Size      *string   `json:"size" validate:"omitempty,max=20"`
	Color     *string   `json:"color" validate:"omitempty,max=50"`
}

// CheckoutInput captures everything submitted at checkout.
type CheckoutInput struct {
	Items          []ItemInput   `json:"items" validate:"required,min=1,dive"`
	Address        types.Address `json:"address" validate:"required"`
	ShippingMethod string        `json:"shipping_method" validate:"required"`
	PaymentMethod  string        `json:"payment_method" validate:"required"`
	CouponCode     *string       `json:"coupon_code" validate:"omitempty,max=50"`
	Notes          *string       `json:"notes" validate:"omitempty,max=1000"`
}

// PaymentIntentDTO is what the client needs to open the provider's payment
// sheet for an online order.
type PaymentIntentDTO struct {
	ProviderOrderID string `json:"provider_order_id"`
	KeyID           string `json:"key_id"`
	AmountMinor     int64  `json:"amount_minor"`
	Currency        string `json:"currency"`
}

// CheckoutResult returns the recorded order plus, for online payment, the
// provider intent to complete it.
type CheckoutResult struct {
	Order           orders.OrderDTO   `json:"order"`
	PaymentRequired bool              `json:"payment_required"`
	Payment         *PaymentIntentDTO `json:"payment,omitempty"`
}

// VerifyInput carries the provider callback fields posted after payment.
type VerifyInput struct {
	ProviderOrderID   string `json:"razorpay_order_id" validate:"required"`
	ProviderPaymentID string `json:"razorpay_payment_id" validate:"required"`
	Signature         string `json:"razorpay_signature" validate:"required"`
}
