package dsub

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the data access interface for subscriptions and
// their notification queue.
type Repository interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetByEndpoint(ctx context.Context, endpoint, facilityID string) (*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Subscription, int, error)
	ListActive(ctx context.Context) ([]*Subscription, error)

	CreateNotification(ctx context.Context, n *Notification) error
	ListPendingNotifications(ctx context.Context, limit int) ([]*Notification, error)
	UpdateNotification(ctx context.Context, n *Notification) error
	ListNotificationsBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit, offset int) ([]*Notification, int, error)
}
