package checkout

import (
	"github.com/orchardlane/storefront-backend/pkg/config"
	"github.com/orchardlane/storefront-backend/pkg/enums"
)

// Quote is the deterministic price breakdown for an order. All amounts are
// minor currency units.
type Quote struct {
	SubtotalMinor int64
	ShippingMinor int64
	TaxMinor      int64
	DiscountMinor int64
	TotalMinor    int64
}

// ComputeQuote derives the order total from the item subtotal. Tax applies
// to the subtotal at the configured basis-point rate, shipping is a flat fee
// per method, and the coupon percentage discounts the subtotal only. The
// total never goes below zero.
func ComputeQuote(cfg config.CheckoutConfig, subtotalMinor int64, method enums.ShippingMethod, discountPct int) Quote {
	quote := Quote{
		SubtotalMinor: subtotalMinor,
		TaxMinor:      subtotalMinor * cfg.TaxRateBP / 10000,
		ShippingMinor: shippingFee(cfg, method),
	}
	if discountPct > 0 {
		if discountPct > 100 {
			discountPct = 100
		}
		quote.DiscountMinor = subtotalMinor * int64(discountPct) / 100
	}
	quote.TotalMinor = quote.SubtotalMinor + quote.TaxMinor + quote.ShippingMinor - quote.DiscountMinor
	if quote.TotalMinor < 0 {
		quote.TotalMinor = 0
	}
	return quote
}

func shippingFee(cfg config.CheckoutConfig, method enums.ShippingMethod) int64 {
	switch method {
	case enums.ShippingMethodExpress:
		return cfg.ShippingExpress
	case enums.ShippingMethodSameDay:
		return cfg.ShippingSameDay
	default:
		return cfg.ShippingStandard
	}
}
