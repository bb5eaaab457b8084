package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/orchardlane/storefront-backend/pkg/db/models"
	"github.com/orchardlane/storefront-backend/pkg/enums"
	"github.com/orchardlane/storefront-backend/pkg/types"
)

// ItemDTO is a priced order line as returned to clients.
type ItemDTO struct {
	ProductID      uuid.UUID `json:"product_id"`
	Name           string    `json:"name"`
	UnitPriceMinor int64     `json:"unit_price_minor"`
	Qty            int       `json:"qty"`
	TotalMinor     int64     `json:"total_minor"`
	Size           *string   `json:"size,omitempty"`
	Color          *string   `json:"color,omitempty"`
}

// OrderDTO is the full order view returned by detail and list endpoints.
type OrderDTO struct {
	ID                uuid.UUID            `json:"id"`
	UserID            uuid.UUID            `json:"user_id"`
	Items             []ItemDTO            `json:"items"`
	SubtotalMinor     int64                `json:"subtotal_minor"`
	ShippingMinor     int64                `json:"shipping_minor"`
	TaxMinor          int64                `json:"tax_minor"`
	DiscountMinor     int64                `json:"discount_minor"`
	TotalMinor        int64                `json:"total_minor"`
	Currency          string               `json:"currency"`
	DeliveryAddress   types.Address        `json:"delivery_address"`
	ShippingMethod    enums.ShippingMethod `json:"shipping_method"`
	PaymentMethod     enums.PaymentMethod  `json:"payment_method"`
	PaymentStatus     enums.PaymentStatus  `json:"payment_status"`
	OrderStatus       enums.OrderStatus    `json:"order_status"`
	RefundStatus      enums.RefundStatus   `json:"refund_status"`
	ProviderOrderID   *string              `json:"provider_order_id,omitempty"`
	ProviderPaymentID *string              `json:"provider_payment_id,omitempty"`
	RefundID          *string              `json:"refund_id,omitempty"`
	CouponCode        *string              `json:"coupon_code,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// OrderList wraps the paginated orders plus the next page cursor.
type OrderList struct {
	Orders     []OrderDTO `json:"orders"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// Actor identifies who is calling an order operation. Ownership checks are
// skipped for admins.
type Actor struct {
	UserID uuid.UUID
	Role   string
}

// ToDTO maps the persistence model to the client view.
func ToDTO(order *models.Order) OrderDTO {
	items := make([]ItemDTO, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, ItemDTO{
			ProductID:      item.ProductID,
			Name:           item.Name,
			UnitPriceMinor: item.UnitPriceMinor,
			Qty:            item.Qty,
			TotalMinor:     item.TotalMinor,
			Size:           item.Size,
			Color:          item.Color,
		})
	}
	return OrderDTO{
		ID:                order.ID,
		UserID:            order.UserID,
		Items:             items,
		SubtotalMinor:     order.SubtotalMinor,
		ShippingMinor:     order.ShippingMinor,
		TaxMinor:          order.TaxMinor,
		DiscountMinor:     order.DiscountMinor,
		TotalMinor:        order.TotalMinor,
		Currency:          order.Currency,
		DeliveryAddress:   order.DeliveryAddress,
		ShippingMethod:    order.ShippingMethod,
		PaymentMethod:     order.PaymentMethod,
		PaymentStatus:     order.PaymentStatus,
		OrderStatus:       order.OrderStatus,
		RefundStatus:      order.RefundStatus,
		ProviderOrderID:   order.ProviderOrderID,
		ProviderPaymentID: order.ProviderPaymentID,
		RefundID:          order.RefundID,
		CouponCode:        order.CouponCode,
		CreatedAt:         order.CreatedAt,
		UpdatedAt:         order.UpdatedAt,
	}
}
