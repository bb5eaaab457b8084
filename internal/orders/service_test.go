package orders

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orchardlane/storefront-backend/pkg/auth"
	"github.com/orchardlane/storefront-backend/pkg/db/models"
	"github.com/orchardlane/storefront-backend/pkg/enums"
	pkgerrors "github.com/orchardlane/storefront-backend/pkg/errors"
	"github.com/orchardlane/storefront-backend/pkg/outbox"
	"github.com/orchardlane/storefront-backend/pkg/pagination"
	"github.com/orchardlane/storefront-backend/pkg/razorpay"
)

type stubOrdersRepo struct {
	mu          sync.Mutex
	order       *models.Order
	updates     map[string]any
	casMatched  bool
	casExpected enums.OrderStatus
}

func (s *stubOrdersRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubOrdersRepo) Create(ctx context.Context, order *models.Order) (*models.Order, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	return order, nil
}

func (s *stubOrdersRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil || s.order.ID != id {
		return nil, gorm.ErrRecordNotFound
	}
	loaded := *s.order
	return &loaded, nil
}

func (s *stubOrdersRepo) FindByProviderOrderID(ctx context.Context, providerOrderID string) (*models.Order, error) {
	return nil, gorm.ErrRecordNotFound
}

func (s *stubOrdersRepo) FindByProviderPaymentID(ctx context.Context, providerPaymentID string) (*models.Order, error) {
	return nil, gorm.ErrRecordNotFound
}

func (s *stubOrdersRepo) ListByUser(ctx context.Context, userID uuid.UUID, params pagination.Params) ([]models.Order, *pagination.Cursor, error) {
	if s.order != nil && s.order.UserID == userID {
		return []models.Order{*s.order}, nil, nil
	}
	return nil, nil, nil
}

func (s *stubOrdersRepo) ListAll(ctx context.Context, params pagination.Params, filters ListFilters) ([]models.Order, *pagination.Cursor, error) {
	if s.order != nil {
		return []models.Order{*s.order}, nil, nil
	}
	return nil, nil, nil
}

func (s *stubOrdersRepo) Update(ctx context.Context, orderID uuid.UUID, updates map[string]any) error {
	s.updates = updates
	return nil
}

func (s *stubOrdersRepo) UpdateWhereStatus(ctx context.Context, orderID uuid.UUID, expected enums.OrderStatus, updates map[string]any) (bool, error) {
	s.updates = updates
	s.casExpected = expected
	return s.casMatched, nil
}

func (s *stubOrdersRepo) UpdateWhereRefundStatus(ctx context.Context, orderID uuid.UUID, expected []enums.RefundStatus, updates map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil || s.order.ID != orderID {
		return false, nil
	}
	matched := false
	for _, status := range expected {
		if s.order.RefundStatus == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	if next, ok := updates["refund_status"].(enums.RefundStatus); ok {
		s.order.RefundStatus = next
	}
	if next, ok := updates["payment_status"].(enums.PaymentStatus); ok {
		s.order.PaymentStatus = next
	}
	s.updates = updates
	return true, nil
}

type stubOutboxPublisher struct {
	events []outbox.DomainEvent
	err    error
}

func (s *stubOutboxPublisher) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

type ledgerCall struct {
	op        string
	productID uuid.UUID
	qty       int
}

type stubLedger struct {
	calls []ledgerCall
	err   error
}

func (s *stubLedger) Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, ledgerCall{op: "release", productID: productID, qty: qty})
	return nil
}

func (s *stubLedger) Restock(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, ledgerCall{op: "restock", productID: productID, qty: qty})
	return nil
}

type stubRefunder struct {
	mu     sync.Mutex
	refund *razorpay.Refund
	err    error
	calls  int
}

func (s *stubRefunder) RefundPayment(ctx context.Context, paymentID string, amountMinor int64) (*razorpay.Refund, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.refund, nil
}

func (s *stubRefunder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func placedOrder(userID uuid.UUID) *models.Order {
	productID := uuid.New()
	return &models.Order{
		ID:            uuid.New(),
		UserID:        userID,
		SubtotalMinor: 2000,
		ShippingMinor: 49,
		TaxMinor:      360,
		TotalMinor:    2409,
		Currency:      "INR",
		PaymentMethod: enums.PaymentMethodOnline,
		PaymentStatus: enums.PaymentStatusPending,
		OrderStatus:   enums.OrderStatusPlaced,
		RefundStatus:  enums.RefundStatusNone,
		Items: []models.OrderItem{
			{ID: uuid.New(), ProductID: productID, Name: "kettle", UnitPriceMinor: 1000, Qty: 2, TotalMinor: 2000},
		},
	}
}

func newTestService(t *testing.T, repo Repository, publisher *stubOutboxPublisher, ledger *stubLedger, refunder *stubRefunder) Service {
	t.Helper()
	svc, err := NewService(repo, stubTxRunner{}, publisher, ledger, refunder)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestUpdateStatusAdvancesForward(t *testing.T) {
	userID := uuid.New()
	repo := &stubOrdersRepo{order: placedOrder(userID), casMatched: true}
	publisher := &stubOutboxPublisher{}
	svc := newTestService(t, repo, publisher, &stubLedger{}, &stubRefunder{})

	dto, err := svc.UpdateStatus(context.Background(), repo.order.ID, enums.OrderStatusConfirmed, Actor{UserID: uuid.New(), Role: auth.RoleAdmin})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if dto.OrderStatus != enums.OrderStatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", dto.OrderStatus)
	}
	if repo.casExpected != enums.OrderStatusPlaced {
		t.Fatalf("expected CAS against PLACED, got %s", repo.casExpected)
	}
	if len(publisher.events) != 1 || publisher.events[0].EventType != enums.EventOrderStatusChanged {
		t.Fatalf("expected status-changed event, got %+v", publisher.events)
	}
}

func TestUpdateStatusRejectsBackwardMove(t *testing.T) {
	userID := uuid.New()
	order := placedOrder(userID)
	order.OrderStatus = enums.OrderStatusShipped
	repo := &stubOrdersRepo{order: order, casMatched: true}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, &stubLedger{}, &stubRefunder{})

	_, err := svc.UpdateStatus(context.Background(), order.ID, enums.OrderStatusConfirmed, Actor{Role: auth.RoleAdmin})
	if err == nil {
		t.Fatal("expected state conflict")
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateStatusSameStatusIsNoOp(t *testing.T) {
	userID := uuid.New()
	repo := &stubOrdersRepo{order: placedOrder(userID)}
	publisher := &stubOutboxPublisher{}
	svc := newTestService(t, repo, publisher, &stubLedger{}, &stubRefunder{})

	dto, err := svc.UpdateStatus(context.Background(), repo.order.ID, enums.OrderStatusPlaced, Actor{Role: auth.RoleAdmin})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if dto.OrderStatus != enums.OrderStatusPlaced {
		t.Fatalf("unexpected status %s", dto.OrderStatus)
	}
	if len(publisher.events) != 0 {
		t.Fatal("expected no event for a no-op update")
	}
}

func TestUpdateStatusConcurrentLoserGetsConflict(t *testing.T) {
	userID := uuid.New()
	repo := &stubOrdersRepo{order: placedOrder(userID), casMatched: false}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, &stubLedger{}, &stubRefunder{})

	_, err := svc.UpdateStatus(context.Background(), repo.order.ID, enums.OrderStatusConfirmed, Actor{Role: auth.RoleAdmin})
	if err == nil {
		t.Fatal("expected conflict")
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeConflict {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateStatusDeliveredSettlesCOD(t *testing.T) {
	userID := uuid.New()
	order := placedOrder(userID)
	order.PaymentMethod = enums.PaymentMethodCOD
	order.OrderStatus = enums.OrderStatusOutForDelivery
	repo := &stubOrdersRepo{order: order, casMatched: true}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, &stubLedger{}, &stubRefunder{})

	dto, err := svc.UpdateStatus(context.Background(), order.ID, enums.OrderStatusDelivered, Actor{Role: auth.RoleAdmin})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if dto.PaymentStatus != enums.PaymentStatusPaid {
		t.Fatalf("expected COD payment to settle on delivery, got %s", dto.PaymentStatus)
	}
	if repo.updates["payment_status"] != enums.PaymentStatusPaid {
		t.Fatalf("expected payment_status update, got %+v", repo.updates)
	}
}

func TestCancelPendingOnlineReleasesReservation(t *testing.T) {
	userID := uuid.New()
	repo := &stubOrdersRepo{order: placedOrder(userID), casMatched: true}
	ledger := &stubLedger{}
	publisher := &stubOutboxPublisher{}
	svc := newTestService(t, repo, publisher, ledger, &stubRefunder{})

	dto, err := svc.Cancel(context.Background(), repo.order.ID, Actor{UserID: userID, Role: auth.RoleCustomer})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if dto.OrderStatus != enums.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", dto.OrderStatus)
	}
	if len(ledger.calls) != 1 || ledger.calls[0].op != "release" || ledger.calls[0].qty != 2 {
		t.Fatalf("expected one release call, got %+v", ledger.calls)
	}
	if len(publisher.events) != 1 || publisher.events[0].EventType != enums.EventOrderCancelled {
		t.Fatalf("expected cancelled event, got %+v", publisher.events)
	}
}

func TestCancelPaidOrderRestocksAndRequestsRefund(t *testing.T) {
	userID := uuid.New()
	order := placedOrder(userID)
	order.PaymentStatus = enums.PaymentStatusPaid
	repo := &stubOrdersRepo{order: order, casMatched: true}
	ledger := &stubLedger{}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, ledger, &stubRefunder{})

	dto, err := svc.Cancel(context.Background(), order.ID, Actor{UserID: userID, Role: auth.RoleCustomer})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if dto.RefundStatus != enums.RefundStatusRequested {
		t.Fatalf("expected refund REQUESTED, got %s", dto.RefundStatus)
	}
	if len(ledger.calls) != 1 || ledger.calls[0].op != "restock" {
		t.Fatalf("expected restock call, got %+v", ledger.calls)
	}
}

func TestCancelShippedOrderRejected(t *testing.T) {
	userID := uuid.New()
	order := placedOrder(userID)
	order.OrderStatus = enums.OrderStatusShipped
	repo := &stubOrdersRepo{order: order, casMatched: true}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, &stubLedger{}, &stubRefunder{})

	_, err := svc.Cancel(context.Background(), order.ID, Actor{UserID: userID, Role: auth.RoleCustomer})
	if err == nil {
		t.Fatal("expected state conflict")
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCancelForeignOrderForbidden(t *testing.T) {
	repo := &stubOrdersRepo{order: placedOrder(uuid.New()), casMatched: true}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, &stubLedger{}, &stubRefunder{})

	_, err := svc.Cancel(context.Background(), repo.order.ID, Actor{UserID: uuid.New(), Role: auth.RoleCustomer})
	if err == nil {
		t.Fatal("expected forbidden")
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeForbidden {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCancelAlreadyCancelledIsIdempotent(t *testing.T) {
	userID := uuid.New()
	order := placedOrder(userID)
	order.OrderStatus = enums.OrderStatusCancelled
	repo := &stubOrdersRepo{order: order}
	ledger := &stubLedger{}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, ledger, &stubRefunder{})

	dto, err := svc.Cancel(context.Background(), order.ID, Actor{UserID: userID, Role: auth.RoleCustomer})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if dto.OrderStatus != enums.OrderStatusCancelled {
		t.Fatalf("unexpected status %s", dto.OrderStatus)
	}
	if len(ledger.calls) != 0 {
		t.Fatal("expected no stock movement on repeat cancel")
	}
}

func TestRefundCancelledPaidOrder(t *testing.T) {
	userID := uuid.New()
	order := placedOrder(userID)
	order.OrderStatus = enums.OrderStatusCancelled
	order.PaymentStatus = enums.PaymentStatusPaid
	order.RefundStatus = enums.RefundStatusRequested
	paymentID := "pay_abc"
	order.ProviderPaymentID = &paymentID
	repo := &stubOrdersRepo{order: order}
	refunder := &stubRefunder{refund: &razorpay.Refund{ID: "rfnd_1", PaymentID: paymentID, Status: "processed"}}
	publisher := &stubOutboxPublisher{}
	svc := newTestService(t, repo, publisher, &stubLedger{}, refunder)

	dto, err := svc.Refund(context.Background(), order.ID, Actor{Role: auth.RoleAdmin})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if dto.RefundStatus != enums.RefundStatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", dto.RefundStatus)
	}
	if dto.PaymentStatus != enums.PaymentStatusRefunded {
		t.Fatalf("expected payment REFUNDED, got %s", dto.PaymentStatus)
	}
	if dto.RefundID == nil || *dto.RefundID != "rfnd_1" {
		t.Fatalf("expected refund id recorded, got %+v", dto.RefundID)
	}
	if len(publisher.events) != 1 || publisher.events[0].EventType != enums.EventOrderRefunded {
		t.Fatalf("expected refunded event, got %+v", publisher.events)
	}
}

func TestRefundTwiceRejectedWithoutGatewayCall(t *testing.T) {
	userID := uuid.New()
	order := placedOrder(userID)
	order.OrderStatus = enums.OrderStatusCancelled
	order.PaymentStatus = enums.PaymentStatusRefunded
	order.RefundStatus = enums.RefundStatusRefunded
	refundID := "rfnd_1"
	order.RefundID = &refundID
	repo := &stubOrdersRepo{order: order}
	refunder := &stubRefunder{}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, &stubLedger{}, refunder)

	_, err := svc.Refund(context.Background(), order.ID, Actor{Role: auth.RoleAdmin})
	if err == nil {
		t.Fatal("expected already refunded error")
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("unexpected error: %v", err)
	}
	if refunder.calls != 0 {
		t.Fatalf("expected no gateway call, got %d", refunder.calls)
	}
}

func TestRefundDeliveredPaidOrder(t *testing.T) {
	userID := uuid.New()
	order := placedOrder(userID)
	order.OrderStatus = enums.OrderStatusDelivered
	order.PaymentStatus = enums.PaymentStatusPaid
	paymentID := "pay_abc"
	order.ProviderPaymentID = &paymentID
	repo := &stubOrdersRepo{order: order}
	refunder := &stubRefunder{refund: &razorpay.Refund{ID: "rfnd_2", PaymentID: paymentID, Status: "processed"}}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, &stubLedger{}, refunder)

	dto, err := svc.Refund(context.Background(), order.ID, Actor{Role: auth.RoleAdmin})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if dto.RefundStatus != enums.RefundStatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", dto.RefundStatus)
	}
	if refunder.calls != 1 {
		t.Fatalf("expected one gateway call, got %d", refunder.calls)
	}
}

func TestRefundConcurrentRequestsHitGatewayOnce(t *testing.T) {
	userID := uuid.New()
	order := placedOrder(userID)
	order.OrderStatus = enums.OrderStatusDelivered
	order.PaymentStatus = enums.PaymentStatusPaid
	paymentID := "pay_abc"
	order.ProviderPaymentID = &paymentID
	repo := &stubOrdersRepo{order: order}
	refunder := &stubRefunder{refund: &razorpay.Refund{ID: "rfnd_1", PaymentID: paymentID, Status: "processed"}}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, &stubLedger{}, refunder)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Refund(context.Background(), order.ID, Actor{Role: auth.RoleAdmin})
		}(i)
	}
	wg.Wait()

	if got := refunder.callCount(); got != 1 {
		t.Fatalf("expected one gateway call, got %d", got)
	}
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful refund, got %d (errs: %v)", succeeded, errs)
	}
}

func TestRefundReleasesClaimAfterGatewayFailure(t *testing.T) {
	userID := uuid.New()
	order := placedOrder(userID)
	order.OrderStatus = enums.OrderStatusDelivered
	order.PaymentStatus = enums.PaymentStatusPaid
	paymentID := "pay_abc"
	order.ProviderPaymentID = &paymentID
	repo := &stubOrdersRepo{order: order}
	refunder := &stubRefunder{err: pkgerrors.New(pkgerrors.CodeDependency, "provider unavailable")}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, &stubLedger{}, refunder)

	if _, err := svc.Refund(context.Background(), order.ID, Actor{Role: auth.RoleAdmin}); err == nil {
		t.Fatal("expected gateway failure to surface")
	}
	if repo.order.RefundStatus != enums.RefundStatusNone {
		t.Fatalf("expected claim released back to NONE, got %s", repo.order.RefundStatus)
	}

	// A later retry must be able to claim again and complete.
	refunder.err = nil
	refunder.refund = &razorpay.Refund{ID: "rfnd_retry", PaymentID: paymentID, Status: "processed"}
	dto, err := svc.Refund(context.Background(), order.ID, Actor{Role: auth.RoleAdmin})
	if err != nil {
		t.Fatalf("retry refund: %v", err)
	}
	if dto.RefundStatus != enums.RefundStatusRefunded {
		t.Fatalf("expected REFUNDED after retry, got %s", dto.RefundStatus)
	}
}

func TestRefundCODOrderRejected(t *testing.T) {
	userID := uuid.New()
	order := placedOrder(userID)
	order.OrderStatus = enums.OrderStatusCancelled
	order.PaymentMethod = enums.PaymentMethodCOD
	order.PaymentStatus = enums.PaymentStatusPaid
	repo := &stubOrdersRepo{order: order}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, &stubLedger{}, &stubRefunder{})

	_, err := svc.Refund(context.Background(), order.ID, Actor{Role: auth.RoleAdmin})
	if err == nil {
		t.Fatal("expected state conflict for COD refund")
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeStateConflict {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	userID := uuid.New()
	repo := &stubOrdersRepo{order: placedOrder(userID)}
	svc := newTestService(t, repo, &stubOutboxPublisher{}, &stubLedger{}, &stubRefunder{})

	if _, err := svc.Get(context.Background(), repo.order.ID, Actor{UserID: userID, Role: auth.RoleCustomer}); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := svc.Get(context.Background(), repo.order.ID, Actor{UserID: uuid.New(), Role: auth.RoleCustomer}); err == nil {
		t.Fatal("expected forbidden for foreign user")
	}
	if _, err := svc.Get(context.Background(), repo.order.ID, Actor{UserID: uuid.New(), Role: auth.RoleAdmin}); err != nil {
		t.Fatalf("admin get: %v", err)
	}
}
