package checkout

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/orchardlane/storefront-backend/internal/coupons"
	"github.com/orchardlane/storefront-backend/internal/inventory"
	"github.com/orchardlane/storefront-backend/internal/orders"
	"github.com/orchardlane/storefront-backend/internal/products"
	"github.com/orchardlane/storefront-backend/pkg/config"
	"github.com/orchardlane/storefront-backend/pkg/db/models"
	"github.com/orchardlane/storefront-backend/pkg/enums"
	pkgerrors "github.com/orchardlane/storefront-backend/pkg/errors"
	"github.com/orchardlane/storefront-backend/pkg/logger"
	"github.com/orchardlane/storefront-backend/pkg/outbox"
	"github.com/orchardlane/storefront-backend/pkg/razorpay"
	"github.com/orchardlane/storefront-backend/pkg/types"
)

const testGatewaySecret = "checkout-test-secret"

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type stubGateway struct {
	createCalls int
	createErr   error
}

func (g *stubGateway) CreateOrder(_ context.Context, req razorpay.OrderRequest) (*razorpay.Order, error) {
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &razorpay.Order{
		ID:          fmt.Sprintf("order_test_%d", g.createCalls),
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Receipt:     req.Receipt,
		Status:      "created",
	}, nil
}

func (g *stubGateway) VerifyPaymentSignature(providerOrderID, providerPaymentID, signature string) bool {
	return razorpay.VerifySignature(testGatewaySecret, providerOrderID, providerPaymentID, signature)
}

type checkoutHarness struct {
	db      *gorm.DB
	svc     Service
	gateway *stubGateway
	orders  orders.Repository
	coupons coupons.Repository
}

func newCheckoutHarness(t *testing.T) *checkoutHarness {
	t.Helper()

	dsn := "file:checkout_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Product{},
		&models.Order{},
		&models.OrderItem{},
		&models.Coupon{},
		&models.OutboxEvent{},
	))

	logg := logger.New(logger.Options{ServiceName: "checkout-test", Output: io.Discard})
	gateway := &stubGateway{}
	ordersRepo := orders.NewRepository(db)
	couponsRepo := coupons.NewRepository(db)
	publisher := outbox.NewService(outbox.NewRepository(db), logg)

	svc, err := NewService(
		gormTxRunner{db: db},
		ordersRepo,
		products.NewRepository(db),
		couponsRepo,
		inventory.NewEngine(),
		publisher,
		gateway,
		config.CheckoutConfig{
			Currency:          "INR",
			TaxRateBP:         1800,
			ShippingStandard:  49,
			ShippingExpress:   149,
			ShippingSameDay:   299,
			PendingOrderGrace: 30 * time.Minute,
		},
		config.RazorpayConfig{KeyID: "rzp_test_key"},
	)
	require.NoError(t, err)

	return &checkoutHarness{db: db, svc: svc, gateway: gateway, orders: ordersRepo, coupons: couponsRepo}
}

func (h *checkoutHarness) seedProduct(t *testing.T, priceMinor int64, available int) *models.Product {
	t.Helper()

	product := &models.Product{
		Name:         "Linen Shirt",
		Category:     "apparel",
		PriceMinor:   priceMinor,
		AvailableQty: available,
	}
	require.NoError(t, h.db.Create(product).Error)
	return product
}

func (h *checkoutHarness) reloadProduct(t *testing.T, id uuid.UUID) *models.Product {
	t.Helper()

	var product models.Product
	require.NoError(t, h.db.First(&product, "id = ?", id).Error)
	return &product
}

func (h *checkoutHarness) outboxEventTypes(t *testing.T) []enums.OutboxEventType {
	t.Helper()

	var events []models.OutboxEvent
	require.NoError(t, h.db.Order("created_at ASC").Find(&events).Error)
	emitted := make([]enums.OutboxEventType, len(events))
	for i, event := range events {
		emitted[i] = event.EventType
	}
	return emitted
}

func fullAddress() types.Address {
	return types.Address{
		FullName: "Asha Nair",
		Phone:    "+919812345678",
		Street:   "14 Harbour Road",
		City:     "Kochi",
		State:    "Kerala",
		Country:  "India",
		Pincode:  "682001",
	}
}

func TestCheckoutOnlineQuoteAndReservation(t *testing.T) {
	h := newCheckoutHarness(t)
	userID := uuid.New()
	product := h.seedProduct(t, 1000, 5)

	result, err := h.svc.Checkout(context.Background(), userID, checkoutInput(product.ID, 2, "STANDARD", "ONLINE", nil))
	require.NoError(t, err)

	assert.EqualValues(t, 2000, result.Order.SubtotalMinor)
	assert.EqualValues(t, 360, result.Order.TaxMinor)
	assert.EqualValues(t, 49, result.Order.ShippingMinor)
	assert.EqualValues(t, 0, result.Order.DiscountMinor)
	assert.EqualValues(t, 2409, result.Order.TotalMinor)
	assert.Equal(t, enums.OrderStatusPlaced, result.Order.OrderStatus)
	assert.Equal(t, enums.PaymentStatusPending, result.Order.PaymentStatus)

	assert.True(t, result.PaymentRequired)
	require.NotNil(t, result.Payment)
	assert.Equal(t, "order_test_1", result.Payment.ProviderOrderID)
	assert.Equal(t, "rzp_test_key", result.Payment.KeyID)
	assert.EqualValues(t, 2409, result.Payment.AmountMinor)

	stock := h.reloadProduct(t, product.ID)
	assert.Equal(t, 3, stock.AvailableQty)
	assert.Equal(t, 2, stock.ReservedQty)

	assert.Equal(t, []enums.OutboxEventType{enums.EventOrderCreated}, h.outboxEventTypes(t))
}

func TestCheckoutCODConsumesStockImmediately(t *testing.T) {
	h := newCheckoutHarness(t)
	userID := uuid.New()
	product := h.seedProduct(t, 1000, 5)

	result, err := h.svc.Checkout(context.Background(), userID, checkoutInput(product.ID, 2, "STANDARD", "COD", nil))
	require.NoError(t, err)

	assert.False(t, result.PaymentRequired)
	assert.Nil(t, result.Payment)
	assert.Equal(t, enums.PaymentStatusPending, result.Order.PaymentStatus)
	assert.Equal(t, 0, h.gateway.createCalls)

	stock := h.reloadProduct(t, product.ID)
	assert.Equal(t, 3, stock.AvailableQty)
	assert.Equal(t, 0, stock.ReservedQty)
}

func TestCheckoutInsufficientStockRollsBackEverything(t *testing.T) {
	h := newCheckoutHarness(t)
	userID := uuid.New()
	plenty := h.seedProduct(t, 1000, 10)
	scarce := h.seedProduct(t, 500, 1)

	input := checkoutInput(plenty.ID, 2, "STANDARD", "ONLINE", nil)
	input.Items = append(input.Items, ItemInput{ProductID: scarce.ID, Qty: 3})

	_, err := h.svc.Checkout(context.Background(), userID, input)
	require.Error(t, err)

	var appErr *pkgerrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.CodeInsufficientStock, appErr.Code())

	// The reservation that succeeded before the shortage must not stick.
	first := h.reloadProduct(t, plenty.ID)
	assert.Equal(t, 10, first.AvailableQty)
	assert.Equal(t, 0, first.ReservedQty)

	var count int64
	require.NoError(t, h.db.Model(&models.Order{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, h.outboxEventTypes(t))
}

func TestCheckoutUnknownProduct(t *testing.T) {
	h := newCheckoutHarness(t)

	_, err := h.svc.Checkout(context.Background(), uuid.New(), checkoutInput(uuid.New(), 1, "STANDARD", "COD", nil))
	require.Error(t, err)

	var appErr *pkgerrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.CodeNotFound, appErr.Code())
}

func TestCheckoutIncompleteAddressRejected(t *testing.T) {
	h := newCheckoutHarness(t)
	product := h.seedProduct(t, 1000, 5)

	input := checkoutInput(product.ID, 1, "STANDARD", "COD", nil)
	input.Address.City = ""
	input.Address.Pincode = "  "

	_, err := h.svc.Checkout(context.Background(), uuid.New(), input)
	require.Error(t, err)

	var appErr *pkgerrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.CodeValidation, appErr.Code())
	details, ok := appErr.Details().(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"city", "pincode"}, details["missing"])
}

func TestCheckoutCouponAppliesAndIsConsumed(t *testing.T) {
	h := newCheckoutHarness(t)
	userID := uuid.New()
	product := h.seedProduct(t, 1000, 5)

	expiry := time.Now().Add(24 * time.Hour)
	coupon, err := h.coupons.Create(context.Background(), &models.Coupon{
		Code:               "WELCOME10",
		UserID:             userID,
		DiscountPercentage: 10,
		Active:             true,
		ExpiresAt:          &expiry,
	})
	require.NoError(t, err)

	code := "welcome10"
	result, err := h.svc.Checkout(context.Background(), userID, checkoutInput(product.ID, 2, "STANDARD", "COD", &code))
	require.NoError(t, err)

	assert.EqualValues(t, 200, result.Order.DiscountMinor)
	assert.EqualValues(t, 2209, result.Order.TotalMinor)
	require.NotNil(t, result.Order.CouponCode)
	assert.Equal(t, "WELCOME10", *result.Order.CouponCode)

	var stored models.Coupon
	require.NoError(t, h.db.First(&stored, "id = ?", coupon.ID).Error)
	assert.False(t, stored.Active)
}

func TestCheckoutInvalidCouponIgnored(t *testing.T) {
	h := newCheckoutHarness(t)
	product := h.seedProduct(t, 1000, 5)

	code := "NOSUCH"
	result, err := h.svc.Checkout(context.Background(), uuid.New(), checkoutInput(product.ID, 2, "STANDARD", "COD", &code))
	require.NoError(t, err)

	assert.EqualValues(t, 0, result.Order.DiscountMinor)
	assert.EqualValues(t, 2409, result.Order.TotalMinor)
	assert.Nil(t, result.Order.CouponCode)
}

func TestCheckoutMergesDuplicateLines(t *testing.T) {
	h := newCheckoutHarness(t)
	product := h.seedProduct(t, 1000, 5)

	input := checkoutInput(product.ID, 1, "STANDARD", "COD", nil)
	input.Items = append(input.Items, ItemInput{ProductID: product.ID, Qty: 2})

	result, err := h.svc.Checkout(context.Background(), uuid.New(), input)
	require.NoError(t, err)

	require.Len(t, result.Order.Items, 1)
	assert.Equal(t, 3, result.Order.Items[0].Qty)
	assert.EqualValues(t, 3000, result.Order.SubtotalMinor)
}

func TestInitiatePaymentReusesProviderOrder(t *testing.T) {
	h := newCheckoutHarness(t)
	userID := uuid.New()
	product := h.seedProduct(t, 1000, 5)

	result, err := h.svc.Checkout(context.Background(), userID, checkoutInput(product.ID, 1, "STANDARD", "ONLINE", nil))
	require.NoError(t, err)
	require.Equal(t, 1, h.gateway.createCalls)

	intent, err := h.svc.InitiatePayment(context.Background(), result.Order.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, result.Payment.ProviderOrderID, intent.ProviderOrderID)
	assert.Equal(t, 1, h.gateway.createCalls)
}

func TestInitiatePaymentOwnershipAndState(t *testing.T) {
	h := newCheckoutHarness(t)
	userID := uuid.New()
	product := h.seedProduct(t, 1000, 5)

	result, err := h.svc.Checkout(context.Background(), userID, checkoutInput(product.ID, 1, "STANDARD", "ONLINE", nil))
	require.NoError(t, err)

	_, err = h.svc.InitiatePayment(context.Background(), result.Order.ID, uuid.New())
	var appErr *pkgerrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.CodeForbidden, appErr.Code())

	cod, err := h.svc.Checkout(context.Background(), userID, checkoutInput(product.ID, 1, "STANDARD", "COD", nil))
	require.NoError(t, err)

	_, err = h.svc.InitiatePayment(context.Background(), cod.Order.ID, userID)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.CodeStateConflict, appErr.Code())
}

func TestInitiatePaymentGraceExpired(t *testing.T) {
	h := newCheckoutHarness(t)
	userID := uuid.New()
	product := h.seedProduct(t, 1000, 5)

	result, err := h.svc.Checkout(context.Background(), userID, checkoutInput(product.ID, 1, "STANDARD", "ONLINE", nil))
	require.NoError(t, err)

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, h.db.Model(&models.Order{}).
		Where("id = ?", result.Order.ID).
		Update("created_at", stale).Error)

	_, err = h.svc.InitiatePayment(context.Background(), result.Order.ID, userID)
	var appErr *pkgerrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.CodeStateConflict, appErr.Code())
}

func TestVerifyAndFinalizeSettlesOrder(t *testing.T) {
	h := newCheckoutHarness(t)
	userID := uuid.New()
	product := h.seedProduct(t, 1000, 5)

	result, err := h.svc.Checkout(context.Background(), userID, checkoutInput(product.ID, 2, "STANDARD", "ONLINE", nil))
	require.NoError(t, err)

	providerOrderID := result.Payment.ProviderOrderID
	paymentID := "pay_live_001"
	signature := razorpay.SignPayload(testGatewaySecret, providerOrderID, paymentID)

	dto, err := h.svc.VerifyAndFinalize(context.Background(), VerifyInput{
		ProviderOrderID:   providerOrderID,
		ProviderPaymentID: paymentID,
		Signature:         signature,
	})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusConfirmed, dto.OrderStatus)
	assert.Equal(t, enums.PaymentStatusPaid, dto.PaymentStatus)
	require.NotNil(t, dto.ProviderPaymentID)
	assert.Equal(t, paymentID, *dto.ProviderPaymentID)

	stock := h.reloadProduct(t, product.ID)
	assert.Equal(t, 3, stock.AvailableQty)
	assert.Equal(t, 0, stock.ReservedQty)

	assert.Equal(t, []enums.OutboxEventType{enums.EventOrderCreated, enums.EventOrderPaid}, h.outboxEventTypes(t))
}

func TestVerifyAndFinalizeReplayIsIdempotent(t *testing.T) {
	h := newCheckoutHarness(t)
	userID := uuid.New()
	product := h.seedProduct(t, 1000, 5)

	result, err := h.svc.Checkout(context.Background(), userID, checkoutInput(product.ID, 2, "STANDARD", "ONLINE", nil))
	require.NoError(t, err)

	providerOrderID := result.Payment.ProviderOrderID
	paymentID := "pay_replay_001"
	input := VerifyInput{
		ProviderOrderID:   providerOrderID,
		ProviderPaymentID: paymentID,
		Signature:         razorpay.SignPayload(testGatewaySecret, providerOrderID, paymentID),
	}

	first, err := h.svc.VerifyAndFinalize(context.Background(), input)
	require.NoError(t, err)

	second, err := h.svc.VerifyAndFinalize(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, enums.PaymentStatusPaid, second.PaymentStatus)

	// Replay must not consume stock twice or emit a second paid event.
	stock := h.reloadProduct(t, product.ID)
	assert.Equal(t, 3, stock.AvailableQty)
	assert.Equal(t, 0, stock.ReservedQty)
	assert.Equal(t, []enums.OutboxEventType{enums.EventOrderCreated, enums.EventOrderPaid}, h.outboxEventTypes(t))
}

func TestVerifyAndFinalizeTamperedSignatureCancels(t *testing.T) {
	h := newCheckoutHarness(t)
	userID := uuid.New()
	product := h.seedProduct(t, 1000, 5)

	result, err := h.svc.Checkout(context.Background(), userID, checkoutInput(product.ID, 2, "STANDARD", "ONLINE", nil))
	require.NoError(t, err)

	_, err = h.svc.VerifyAndFinalize(context.Background(), VerifyInput{
		ProviderOrderID:   result.Payment.ProviderOrderID,
		ProviderPaymentID: "pay_fraud_001",
		Signature:         "deadbeef",
	})
	require.Error(t, err)

	var appErr *pkgerrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.CodePaymentVerification, appErr.Code())

	stored, err := h.orders.FindByID(context.Background(), result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, stored.OrderStatus)
	assert.Equal(t, enums.PaymentStatusFailed, stored.PaymentStatus)

	stock := h.reloadProduct(t, product.ID)
	assert.Equal(t, 5, stock.AvailableQty)
	assert.Equal(t, 0, stock.ReservedQty)

	assert.Equal(t, []enums.OutboxEventType{enums.EventOrderCreated, enums.EventOrderPaymentFailed}, h.outboxEventTypes(t))
}

func TestVerifyAndFinalizeUnknownProviderOrder(t *testing.T) {
	h := newCheckoutHarness(t)

	_, err := h.svc.VerifyAndFinalize(context.Background(), VerifyInput{
		ProviderOrderID:   "order_missing",
		ProviderPaymentID: "pay_missing",
		Signature:         razorpay.SignPayload(testGatewaySecret, "order_missing", "pay_missing"),
	})
	require.Error(t, err)

	var appErr *pkgerrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, pkgerrors.CodeNotFound, appErr.Code())
}

func checkoutInput(productID uuid.UUID, qty int, shipping, payment string, couponCode *string) CheckoutInput {
	return CheckoutInput{
		Items:          []ItemInput{{ProductID: productID, Qty: qty}},
		Address:        fullAddress(),
		ShippingMethod: shipping,
		PaymentMethod:  payment,
		CouponCode:     couponCode,
	}
}
