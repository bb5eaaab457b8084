package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orchardlane/storefront-backend/internal/coupons"
	"github.com/orchardlane/storefront-backend/internal/inventory"
	"github.com/orchardlane/storefront-backend/internal/orders"
	"github.com/orchardlane/storefront-backend/pkg/config"
	dbpkg "github.com/orchardlane/storefront-backend/pkg/db"
	"github.com/orchardlane/storefront-backend/pkg/db/models"
	"github.com/orchardlane/storefront-backend/pkg/enums"
	pkgerrors "github.com/orchardlane/storefront-backend/pkg/errors"
	"github.com/orchardlane/storefront-backend/pkg/outbox"
	"github.com/orchardlane/storefront-backend/pkg/razorpay"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type productSource interface {
	FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*models.Product, error)
}

type stockEngine interface {
	Reserve(ctx context.Context, tx *gorm.DB, requests []inventory.ReservationRequest) ([]inventory.ReservationResult, error)
	Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
	Consume(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Gateway is the slice of the payment provider checkout needs.
type Gateway interface {
	CreateOrder(ctx context.Context, req razorpay.OrderRequest) (*razorpay.Order, error)
	VerifyPaymentSignature(providerOrderID, providerPaymentID, signature string) bool
}

// Service orchestrates checkout and payment finalization.
type Service interface {
	Checkout(ctx context.Context, userID uuid.UUID, input CheckoutInput) (*CheckoutResult, error)
	InitiatePayment(ctx context.Context, orderID, userID uuid.UUID) (*PaymentIntentDTO, error)
	VerifyAndFinalize(ctx context.Context, input VerifyInput) (*orders.OrderDTO, error)
}

type service struct {
	tx          txRunner
	ordersRepo  orders.Repository
	products    productSource
	couponsRepo coupons.Repository
	stock       stockEngine
	outbox      outboxPublisher
	gateway     Gateway
	checkoutCfg config.CheckoutConfig
	razorpayCfg config.RazorpayConfig
}

// OrderCreatedEvent is emitted when checkout records a new order.
type OrderCreatedEvent struct {
	OrderID       uuid.UUID           `json:"order_id"`
	UserID        uuid.UUID           `json:"user_id"`
	TotalMinor    int64               `json:"total_minor"`
	PaymentMethod enums.PaymentMethod `json:"payment_method"`
}

// OrderPaidEvent is emitted once payment verification succeeds.
type OrderPaidEvent struct {
	OrderID           uuid.UUID `json:"order_id"`
	UserID            uuid.UUID `json:"user_id"`
	ProviderPaymentID string    `json:"provider_payment_id"`
	AmountMinor       int64     `json:"amount_minor"`
}

// PaymentFailedEvent is emitted when a signature check rejects a payment.
type PaymentFailedEvent struct {
	OrderID         uuid.UUID `json:"order_id"`
	UserID          uuid.UUID `json:"user_id"`
	ProviderOrderID string    `json:"provider_order_id"`
	Reason          string    `json:"reason"`
}

// NewService builds the checkout service.
func NewService(
	tx txRunner,
	ordersRepo orders.Repository,
	products productSource,
	couponsRepo coupons.Repository,
	stock stockEngine,
	publisher outboxPublisher,
	gateway Gateway,
	checkoutCfg config.CheckoutConfig,
	razorpayCfg config.RazorpayConfig,
) (Service, error) {
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if ordersRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if products == nil {
		return nil, fmt.Errorf("product source required")
	}
	if couponsRepo == nil {
		return nil, fmt.Errorf("coupons repository required")
	}
	if stock == nil {
		return nil, fmt.Errorf("stock engine required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	return &service{
		tx:          tx,
		ordersRepo:  ordersRepo,
		products:    products,
		couponsRepo: couponsRepo,
		stock:       stock,
		outbox:      publisher,
		gateway:     gateway,
		checkoutCfg: checkoutCfg,
		razorpayCfg: razorpayCfg,
	}, nil
}

func (s *service) Checkout(ctx context.Context, userID uuid.UUID, input CheckoutInput) (*CheckoutResult, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	shippingMethod, err := enums.ParseShippingMethod(input.ShippingMethod)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, err.Error())
	}
	paymentMethod, err := enums.ParsePaymentMethod(input.PaymentMethod)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, err.Error())
	}
	address := input.Address.Normalize()
	if err := address.Validate(); err != nil {
		return nil, err
	}
	items, err := mergeItems(input.Items)
	if err != nil {
		return nil, err
	}

	var result *CheckoutResult
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ordersRepo := s.ordersRepo.WithTx(tx)

		ids := make([]uuid.UUID, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ProductID)
		}
		productsByID, err := s.products.FindByIDs(ctx, ids)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load products")
		}
		for _, item := range items {
			if _, ok := productsByID[item.ProductID]; !ok {
				return pkgerrors.New(pkgerrors.CodeNotFound, "product not found").
					WithDetails(map[string]any{"product_id": item.ProductID})
			}
		}

		requests := make([]inventory.ReservationRequest, len(items))
		for i, item := range items {
			requests[i] = inventory.ReservationRequest{ProductID: item.ProductID, Qty: item.Qty}
		}
		results, err := s.stock.Reserve(ctx, tx, requests)
		if err != nil {
			return err
		}
		var shortages []map[string]any
		for _, res := range results {
			if !res.Reserved {
				shortages = append(shortages, map[string]any{
					"product_id": res.ProductID,
					"requested":  res.Qty,
					"reason":     res.Reason,
				})
			}
		}
		if len(shortages) > 0 {
			// Returning the error aborts the transaction, so the partial
			// reservations above are rolled back with it.
			return pkgerrors.New(pkgerrors.CodeInsufficientStock, "one or more items are out of stock").
				WithDetails(map[string]any{"items": shortages})
		}

		var subtotal int64
		orderItems := make([]models.OrderItem, 0, len(items))
		for _, item := range items {
			product := productsByID[item.ProductID]
			lineTotal := product.PriceMinor * int64(item.Qty)
			subtotal += lineTotal
			orderItems = append(orderItems, models.OrderItem{
				ProductID:      product.ID,
				Name:           product.Name,
				UnitPriceMinor: product.PriceMinor,
				Qty:            item.Qty,
				TotalMinor:     lineTotal,
				Size:           item.Size,
				Color:          item.Color,
			})
		}

		coupon, couponCode := s.resolveCoupon(ctx, tx, input.CouponCode, userID)
		discountPct := 0
		if coupon != nil {
			discountPct = coupon.DiscountPercentage
		}
		quote := ComputeQuote(s.checkoutCfg, subtotal, shippingMethod, discountPct)

		order := &models.Order{
			UserID:          userID,
			SubtotalMinor:   quote.SubtotalMinor,
			ShippingMinor:   quote.ShippingMinor,
			TaxMinor:        quote.TaxMinor,
			DiscountMinor:   quote.DiscountMinor,
			TotalMinor:      quote.TotalMinor,
			Currency:        s.checkoutCfg.Currency,
			DeliveryAddress: address,
			ShippingMethod:  shippingMethod,
			PaymentMethod:   paymentMethod,
			PaymentStatus:   enums.PaymentStatusPending,
			OrderStatus:     enums.OrderStatusPlaced,
			RefundStatus:    enums.RefundStatusNone,
			CouponCode:      couponCode,
			Notes:           input.Notes,
			Items:           orderItems,
		}
		if _, err := ordersRepo.Create(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}

		var intent *PaymentIntentDTO
		switch paymentMethod {
		case enums.PaymentMethodCOD:
			// Cash orders skip the payment leg, so the reservation settles
			// immediately and a single-use coupon is consumed here.
			for _, item := range orderItems {
				if err := s.stock.Consume(ctx, tx, item.ProductID, item.Qty); err != nil {
					return err
				}
			}
			if coupon != nil {
				if _, err := s.couponsRepo.WithTx(tx).Deactivate(ctx, coupon.ID); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "consume coupon")
				}
			}
		case enums.PaymentMethodOnline:
			providerOrder, err := s.gateway.CreateOrder(ctx, razorpay.OrderRequest{
				AmountMinor: quote.TotalMinor,
				Currency:    s.checkoutCfg.Currency,
				Receipt:     order.ID.String(),
				Notes:       map[string]string{"user_id": userID.String()},
			})
			if err != nil {
				return err
			}
			if err := ordersRepo.Update(ctx, order.ID, map[string]any{
				"provider_order_id": providerOrder.ID,
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "attach provider order")
			}
			order.ProviderOrderID = &providerOrder.ID
			intent = s.buildIntent(providerOrder.ID, quote.TotalMinor)
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{UserID: userID},
			Data: OrderCreatedEvent{
				OrderID:       order.ID,
				UserID:        userID,
				TotalMinor:    order.TotalMinor,
				PaymentMethod: paymentMethod,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}

		result = &CheckoutResult{
			Order:           orders.ToDTO(order),
			PaymentRequired: paymentMethod == enums.PaymentMethodOnline,
			Payment:         intent,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) InitiatePayment(ctx context.Context, orderID, userID uuid.UUID) (*PaymentIntentDTO, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.ordersRepo.FindByID(ctx, orderID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
	}
	if order.PaymentMethod != enums.PaymentMethodOnline {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "cash orders have no payment leg")
	}
	if order.PaymentStatus != enums.PaymentStatusPending || order.OrderStatus != enums.OrderStatusPlaced {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is not awaiting payment")
	}
	if grace := s.checkoutCfg.PendingOrderGrace; grace > 0 && time.Since(order.CreatedAt) > grace {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment window has expired")
	}

	if order.ProviderOrderID != nil && *order.ProviderOrderID != "" {
		return s.buildIntent(*order.ProviderOrderID, order.TotalMinor), nil
	}

	providerOrder, err := s.gateway.CreateOrder(ctx, razorpay.OrderRequest{
		AmountMinor: order.TotalMinor,
		Currency:    order.Currency,
		Receipt:     order.ID.String(),
		Notes:       map[string]string{"user_id": order.UserID.String()},
	})
	if err != nil {
		return nil, err
	}
	if err := s.ordersRepo.Update(ctx, order.ID, map[string]any{
		"provider_order_id": providerOrder.ID,
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "attach provider order")
	}
	return s.buildIntent(providerOrder.ID, order.TotalMinor), nil
}

func (s *service) VerifyAndFinalize(ctx context.Context, input VerifyInput) (*orders.OrderDTO, error) {
	if input.ProviderOrderID == "" || input.ProviderPaymentID == "" || input.Signature == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment verification fields required")
	}

	// Replay of an already finalized payment returns the recorded order.
	if existing, err := s.ordersRepo.FindByProviderPaymentID(ctx, input.ProviderPaymentID); err == nil {
		dto := orders.ToDTO(existing)
		return &dto, nil
	} else if err != gorm.ErrRecordNotFound {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check payment replay")
	}

	order, err := s.ordersRepo.FindByProviderOrderID(ctx, input.ProviderOrderID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for payment")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order.OrderStatus == enums.OrderStatusCancelled {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is cancelled")
	}
	if order.PaymentStatus == enums.PaymentStatusPaid {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is already paid with a different payment")
	}

	if !s.gateway.VerifyPaymentSignature(input.ProviderOrderID, input.ProviderPaymentID, input.Signature) {
		if err := s.failPayment(ctx, order, input.ProviderOrderID); err != nil {
			return nil, err
		}
		return nil, pkgerrors.New(pkgerrors.CodePaymentVerification, "payment signature does not match").
			WithDetails(map[string]any{"order_id": order.ID})
	}

	var dto *orders.OrderDTO
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ordersRepo.WithTx(tx)
		matched, err := repo.UpdateWhereStatus(ctx, order.ID, enums.OrderStatusPlaced, map[string]any{
			"order_status":        enums.OrderStatusConfirmed,
			"payment_status":      enums.PaymentStatusPaid,
			"provider_payment_id": input.ProviderPaymentID,
			"provider_signature":  input.Signature,
		})
		if err != nil {
			if dbpkg.IsUniqueViolation(err, "ux_orders_provider_payment_id") {
				// A concurrent finalize won with the same payment id.
				return nil
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "finalize payment")
		}
		if !matched {
			return pkgerrors.New(pkgerrors.CodeConflict, "order was modified concurrently")
		}

		for _, item := range order.Items {
			if err := s.stock.Consume(ctx, tx, item.ProductID, item.Qty); err != nil {
				return err
			}
		}

		if order.CouponCode != nil {
			if coupon, err := s.couponsRepo.WithTx(tx).FindActive(ctx, *order.CouponCode, order.UserID); err == nil {
				if _, err := s.couponsRepo.WithTx(tx).Deactivate(ctx, coupon.ID); err != nil {
					return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "consume coupon")
				}
			}
		}

		order.OrderStatus = enums.OrderStatusConfirmed
		order.PaymentStatus = enums.PaymentStatusPaid
		order.ProviderPaymentID = &input.ProviderPaymentID
		order.ProviderSignature = &input.Signature

		event := outbox.DomainEvent{
			EventType:     enums.EventOrderPaid,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{UserID: order.UserID},
			Data: OrderPaidEvent{
				OrderID:           order.ID,
				UserID:            order.UserID,
				ProviderPaymentID: input.ProviderPaymentID,
				AmountMinor:       order.TotalMinor,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}

		d := orders.ToDTO(order)
		dto = &d
		return nil
	})
	if err != nil {
		return nil, err
	}
	if dto == nil {
		// A concurrent finalize committed this payment first. Serve its result.
		settled, err := s.ordersRepo.FindByProviderPaymentID(ctx, input.ProviderPaymentID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load finalized order")
		}
		d := orders.ToDTO(settled)
		dto = &d
	}
	return dto, nil
}

// failPayment cancels the order and returns its reservations after a bad
// signature. Runs in its own transaction since the caller has none.
func (s *service) failPayment(ctx context.Context, order *models.Order, providerOrderID string) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ordersRepo.WithTx(tx)
		matched, err := repo.UpdateWhereStatus(ctx, order.ID, enums.OrderStatusPlaced, map[string]any{
			"payment_status": enums.PaymentStatusFailed,
			"order_status":   enums.OrderStatusCancelled,
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record failed payment")
		}
		if !matched {
			return nil
		}

		for _, item := range order.Items {
			if err := s.stock.Release(ctx, tx, item.ProductID, item.Qty); err != nil {
				return err
			}
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventOrderPaymentFailed,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         &outbox.ActorRef{UserID: order.UserID},
			Data: PaymentFailedEvent{
				OrderID:         order.ID,
				UserID:          order.UserID,
				ProviderOrderID: providerOrderID,
				Reason:          "signature mismatch",
			},
		}
		return s.outbox.Emit(ctx, tx, event)
	})
}

// resolveCoupon loads the coupon when a code was supplied. A missing,
// expired, or foreign coupon is treated as no coupon rather than an error.
func (s *service) resolveCoupon(ctx context.Context, tx *gorm.DB, code *string, userID uuid.UUID) (*models.Coupon, *string) {
	if code == nil || *code == "" {
		return nil, nil
	}
	coupon, err := s.couponsRepo.WithTx(tx).FindActive(ctx, *code, userID)
	if err != nil {
		return nil, nil
	}
	return coupon, &coupon.Code
}

func (s *service) buildIntent(providerOrderID string, amountMinor int64) *PaymentIntentDTO {
	return &PaymentIntentDTO{
		ProviderOrderID: providerOrderID,
		KeyID:           s.razorpayCfg.KeyID,
		AmountMinor:     amountMinor,
		Currency:        s.checkoutCfg.Currency,
	}
}

// mergeItems collapses duplicate product lines and validates quantities.
func mergeItems(items []ItemInput) ([]ItemInput, error) {
	if len(items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "checkout requires at least one item")
	}
	merged := make([]ItemInput, 0, len(items))
	index := make(map[uuid.UUID]int, len(items))
	for _, item := range items {
		if item.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "item product id required")
		}
		if item.Qty <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "item qty must be positive")
		}
		if at, ok := index[item.ProductID]; ok {
			merged[at].Qty += item.Qty
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}
