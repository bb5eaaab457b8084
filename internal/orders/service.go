package orders

import (
	"context"
	"fmt"

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

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// StockLedger is the slice of the inventory engine orders needs: returning
// holds and restocking consumed units.
type StockLedger interface {
	Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
	Restock(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
}

// Refunder issues refunds against the payment provider.
type Refunder interface {
	RefundPayment(ctx context.Context, paymentID string, amountMinor int64) (*razorpay.Refund, error)
}

// Service defines order lifecycle operations beyond repository reads.
type Service interface {
	Get(ctx context.Context, orderID uuid.UUID, actor Actor) (*OrderDTO, error)
	ListMine(ctx context.Context, userID uuid.UUID, params pagination.Params) (*OrderList, error)
	List(ctx context.Context, params pagination.Params, filters ListFilters) (*OrderList, error)
	UpdateStatus(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus, actor Actor) (*OrderDTO, error)
	Cancel(ctx context.Context, orderID uuid.UUID, actor Actor) (*OrderDTO, error)
	Refund(ctx context.Context, orderID uuid.UUID, actor Actor) (*OrderDTO, error)
}

type service struct {
	repo      Repository
	tx        txRunner
	outbox    outboxPublisher
	inventory StockLedger
	gateway   Refunder
}

// OrderStatusChangedEvent is emitted when an order advances along the chain.
type OrderStatusChangedEvent struct {
	OrderID uuid.UUID         `json:"order_id"`
	UserID  uuid.UUID         `json:"user_id"`
	From    enums.OrderStatus `json:"from"`
	To      enums.OrderStatus `json:"to"`
}

// OrderCancelledEvent is emitted when an order is cancelled.
type OrderCancelledEvent struct {
	OrderID         uuid.UUID           `json:"order_id"`
	UserID          uuid.UUID           `json:"user_id"`
	PaymentStatus   enums.PaymentStatus `json:"payment_status"`
	RefundRequested bool                `json:"refund_requested"`
}

// OrderRefundedEvent is emitted once the provider confirms a refund.
type OrderRefundedEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	UserID      uuid.UUID `json:"user_id"`
	RefundID    string    `json:"refund_id"`
	AmountMinor int64     `json:"amount_minor"`
}

// NewService builds the order lifecycle service.
func NewService(repo Repository, tx txRunner, publisher outboxPublisher, inventory StockLedger, gateway Refunder) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if inventory == nil {
		return nil, fmt.Errorf("stock ledger required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("refunder required")
	}
	return &service{
		repo:      repo,
		tx:        tx,
		outbox:    publisher,
		inventory: inventory,
		gateway:   gateway,
	}, nil
}

func (s *service) Get(ctx context.Context, orderID uuid.UUID, actor Actor) (*OrderDTO, error) {
	order, err := s.loadOrder(ctx, s.repo, orderID)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(order, actor); err != nil {
		return nil, err
	}
	dto := ToDTO(order)
	return &dto, nil
}

func (s *service) ListMine(ctx context.Context, userID uuid.UUID, params pagination.Params) (*OrderList, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	rows, next, err := s.repo.ListByUser(ctx, userID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list user orders")
	}
	return buildList(rows, next), nil
}

func (s *service) List(ctx context.Context, params pagination.Params, filters ListFilters) (*OrderList, error) {
	rows, next, err := s.repo.ListAll(ctx, params, filters)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	return buildList(rows, next), nil
}

func (s *service) UpdateStatus(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus, actor Actor) (*OrderDTO, error) {
	if !target.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid order status")
	}
	if target == enums.OrderStatusCancelled {
		return s.Cancel(ctx, orderID, actor)
	}

	var result *OrderDTO
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := s.loadOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if order.OrderStatus == target {
			dto := ToDTO(order)
			result = &dto
			return nil
		}
		if !order.OrderStatus.CanTransitionTo(target) {
			return pkgerrors.New(pkgerrors.CodeStateConflict,
				fmt.Sprintf("order cannot move from %s to %s", order.OrderStatus, target)).
				WithDetails(map[string]any{"from": order.OrderStatus, "to": target})
		}

		updates := map[string]any{"order_status": target}
		// Cash on delivery settles when the courier hands the parcel over.
		codSettles := target == enums.OrderStatusDelivered &&
			order.PaymentMethod == enums.PaymentMethodCOD &&
			order.PaymentStatus == enums.PaymentStatusPending
		if codSettles {
			updates["payment_status"] = enums.PaymentStatusPaid
		}

		matched, err := repo.UpdateWhereStatus(ctx, order.ID, order.OrderStatus, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
		}
		if !matched {
			return pkgerrors.New(pkgerrors.CodeConflict, "order was modified concurrently")
		}

		from := order.OrderStatus
		order.OrderStatus = target
		if codSettles {
			order.PaymentStatus = enums.PaymentStatusPaid
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventOrderStatusChanged,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         buildActor(actor),
			Data: OrderStatusChangedEvent{
				OrderID: order.ID,
				UserID:  order.UserID,
				From:    from,
				To:      target,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}

		dto := ToDTO(order)
		result = &dto
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) Cancel(ctx context.Context, orderID uuid.UUID, actor Actor) (*OrderDTO, error) {
	var result *OrderDTO
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := s.loadOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if err := checkOwnership(order, actor); err != nil {
			return err
		}
		if order.OrderStatus == enums.OrderStatusCancelled {
			dto := ToDTO(order)
			result = &dto
			return nil
		}
		if !order.OrderStatus.CanTransitionTo(enums.OrderStatusCancelled) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "delivered orders cannot be cancelled")
		}
		if rankAtOrPastShipped(order.OrderStatus) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "orders already shipped cannot be cancelled")
		}

		updates := map[string]any{"order_status": enums.OrderStatusCancelled}
		refundRequested := false
		if order.PaymentStatus == enums.PaymentStatusPaid && order.PaymentMethod == enums.PaymentMethodOnline {
			refundRequested = true
			updates["refund_status"] = enums.RefundStatusRequested
		}

		matched, err := repo.UpdateWhereStatus(ctx, order.ID, order.OrderStatus, updates)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel order")
		}
		if !matched {
			return pkgerrors.New(pkgerrors.CodeConflict, "order was modified concurrently")
		}

		// Pending online orders still hold reservations; paid online and COD
		// orders consumed their units at finalize or checkout.
		for _, item := range order.Items {
			if order.PaymentMethod == enums.PaymentMethodOnline && order.PaymentStatus == enums.PaymentStatusPending {
				err = s.inventory.Release(ctx, tx, item.ProductID, item.Qty)
			} else {
				err = s.inventory.Restock(ctx, tx, item.ProductID, item.Qty)
			}
			if err != nil {
				return err
			}
		}

		order.OrderStatus = enums.OrderStatusCancelled
		if refundRequested {
			order.RefundStatus = enums.RefundStatusRequested
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventOrderCancelled,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         buildActor(actor),
			Data: OrderCancelledEvent{
				OrderID:         order.ID,
				UserID:          order.UserID,
				PaymentStatus:   order.PaymentStatus,
				RefundRequested: refundRequested,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}

		dto := ToDTO(order)
		result = &dto
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) Refund(ctx context.Context, orderID uuid.UUID, actor Actor) (*OrderDTO, error) {
	order, err := s.loadOrder(ctx, s.repo, orderID)
	if err != nil {
		return nil, err
	}
	if order.RefundStatus == enums.RefundStatusRefunded {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order already refunded")
	}
	if order.PaymentStatus != enums.PaymentStatusPaid || order.PaymentMethod != enums.PaymentMethodOnline {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order has no captured online payment to refund")
	}
	if order.ProviderPaymentID == nil || *order.ProviderPaymentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is missing its provider payment reference")
	}

	// Claim the refund before touching the provider. Only one caller can move
	// the status to PROCESSING, so racing staff requests cannot both reach
	// the gateway.
	claimed, err := s.repo.UpdateWhereRefundStatus(ctx, order.ID,
		[]enums.RefundStatus{enums.RefundStatusNone, enums.RefundStatusRequested},
		map[string]any{"refund_status": enums.RefundStatusProcessing})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim refund")
	}
	if !claimed {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "a refund for this order is already in flight")
	}

	refund, err := s.gateway.RefundPayment(ctx, *order.ProviderPaymentID, order.TotalMinor)
	if err != nil {
		// Hand the claim back so the operation can be retried after a
		// transient provider failure.
		if _, relErr := s.repo.UpdateWhereRefundStatus(ctx, order.ID,
			[]enums.RefundStatus{enums.RefundStatusProcessing},
			map[string]any{"refund_status": order.RefundStatus}); relErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, relErr, "release refund claim")
		}
		return nil, err
	}

	var result *OrderDTO
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		matched, err := repo.UpdateWhereRefundStatus(ctx, order.ID,
			[]enums.RefundStatus{enums.RefundStatusProcessing},
			map[string]any{
				"refund_id":      refund.ID,
				"refund_status":  enums.RefundStatusRefunded,
				"payment_status": enums.PaymentStatusRefunded,
			})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record refund")
		}
		if !matched {
			return pkgerrors.New(pkgerrors.CodeConflict, "order was modified concurrently")
		}

		order.RefundID = &refund.ID
		order.RefundStatus = enums.RefundStatusRefunded
		order.PaymentStatus = enums.PaymentStatusRefunded

		event := outbox.DomainEvent{
			EventType:     enums.EventOrderRefunded,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Actor:         buildActor(actor),
			Data: OrderRefundedEvent{
				OrderID:     order.ID,
				UserID:      order.UserID,
				RefundID:    refund.ID,
				AmountMinor: order.TotalMinor,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return err
		}

		dto := ToDTO(order)
		result = &dto
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) loadOrder(ctx context.Context, repo Repository, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := repo.FindByID(ctx, orderID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

func checkOwnership(order *models.Order, actor Actor) error {
	if actor.Role == auth.RoleAdmin {
		return nil
	}
	if actor.UserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if order.UserID != actor.UserID {
		return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
	}
	return nil
}

func rankAtOrPastShipped(status enums.OrderStatus) bool {
	switch status {
	case enums.OrderStatusShipped, enums.OrderStatusOutForDelivery, enums.OrderStatusDelivered:
		return true
	default:
		return false
	}
}

func buildList(rows []models.Order, next *pagination.Cursor) *OrderList {
	list := &OrderList{Orders: make([]OrderDTO, 0, len(rows))}
	for i := range rows {
		list.Orders = append(list.Orders, ToDTO(&rows[i]))
	}
	if next != nil {
		list.NextCursor = pagination.EncodeCursor(*next)
	}
	return list
}

func buildActor(actor Actor) *outbox.ActorRef {
	if actor.UserID == uuid.Nil {
		return nil
	}
	return &outbox.ActorRef{UserID: actor.UserID, Role: actor.Role}
}
