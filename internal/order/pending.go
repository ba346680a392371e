package order

import (
	"context"
	"fmt"
	"time"

	"market_session/internal/domain"

	"github.com/google/uuid"
)

// PendingStore is the durable backing of the pending queue.
type PendingStore interface {
	CreatePendingOrder(ctx context.Context, order *domain.PendingOrder) error
	GetPendingOrder(ctx context.Context, id string) (*domain.PendingOrder, error)
	ListPendingOrders(ctx context.Context, userID uint) ([]domain.PendingOrder, error)
	DeletePendingOrder(ctx context.Context, id string) (bool, error)
}

// PendingQueue holds orders accepted while the market is not open.
// Orders stay until the user resubmits or cancels them.
type PendingQueue struct {
	store PendingStore
	now   func() time.Time
}

// NewPendingQueue creates a queue over store.
func NewPendingQueue(store PendingStore) *PendingQueue {
	return &PendingQueue{store: store, now: time.Now}
}

// Enqueue stores the order with a fresh id and pending status.
func (q *PendingQueue) Enqueue(ctx context.Context, order domain.PendingOrder) (string, error) {
	order.ID = uuid.NewString()
	order.Status = domain.OrderStatusPending
	if order.CreatedAt.IsZero() {
		order.CreatedAt = q.now()
	}

	if err := q.store.CreatePendingOrder(ctx, &order); err != nil {
		return "", fmt.Errorf("%w: enqueue order: %v", domain.ErrPersistence, err)
	}
	return order.ID, nil
}

// Get returns the pending order or ErrOrderNotFound.
func (q *PendingQueue) Get(ctx context.Context, id string) (*domain.PendingOrder, error) {
	order, err := q.store.GetPendingOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: load order: %v", domain.ErrPersistence, err)
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return order, nil
}

// Owned returns the pending order when it belongs to userID.
func (q *PendingQueue) Owned(ctx context.Context, userID uint, id string) (*domain.PendingOrder, error) {
	order, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("%w: order %s", domain.ErrPermissionDenied, id)
	}
	return order, nil
}

// Dequeue removes the order.
func (q *PendingQueue) Dequeue(ctx context.Context, id string) error {
	deleted, err := q.store.DeletePendingOrder(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: dequeue order: %v", domain.ErrPersistence, err)
	}
	if !deleted {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return nil
}

// ListForUser returns the pending orders of userID, newest first.
func (q *PendingQueue) ListForUser(ctx context.Context, userID uint) ([]domain.PendingOrder, error) {
	orders, err := q.store.ListPendingOrders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list orders: %v", domain.ErrPersistence, err)
	}
	return orders, nil
}

// Cancel removes an order owned by userID.
func (q *PendingQueue) Cancel(ctx context.Context, userID uint, id string) error {
	if _, err := q.Owned(ctx, userID, id); err != nil {
		return err
	}
	return q.Dequeue(ctx, id)
}
