package dsub

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openhie/xds-mediator/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a new PostgreSQL-backed subscription repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const subCols = `id, endpoint, facility_id, status, created_at, updated_at`

func scanSub(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.Endpoint, &s.FacilityID, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func (r *repoPG) Create(ctx context.Context, sub *Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO subscription (id, endpoint, facility_id, status)
		VALUES ($1,$2,$3,$4)`,
		sub.ID, sub.Endpoint, sub.FacilityID, sub.Status)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSub(r.conn(ctx).QueryRow(ctx, `SELECT `+subCols+` FROM subscription WHERE id = $1`, id))
}

func (r *repoPG) GetByEndpoint(ctx context.Context, endpoint, facilityID string) (*Subscription, error) {
	return scanSub(r.conn(ctx).QueryRow(ctx,
		`SELECT `+subCols+` FROM subscription WHERE endpoint = $1 AND facility_id = $2`,
		endpoint, facilityID))
}

func (r *repoPG) Update(ctx context.Context, sub *Subscription) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE subscription SET endpoint=$2, facility_id=$3, status=$4, updated_at=NOW()
		WHERE id = $1`,
		sub.ID, sub.Endpoint, sub.FacilityID, sub.Status)
	return err
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM subscription WHERE id = $1`, id)
	return err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Subscription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM subscription`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+subCols+` FROM subscription ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, nil
}

func (r *repoPG) ListActive(ctx context.Context) ([]*Subscription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+subCols+` FROM subscription WHERE status = 'active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, nil
}

// -- Notification methods --

const notifCols = `id, subscription_id, document_id, patient_id, facility_id, status,
	attempt_count, max_attempts, next_attempt_at, last_error, delivered_at, created_at`

func scanNotif(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(&n.ID, &n.SubscriptionID, &n.DocumentID, &n.PatientID, &n.FacilityID,
		&n.Status, &n.AttemptCount, &n.MaxAttempts, &n.NextAttemptAt,
		&n.LastError, &n.DeliveredAt, &n.CreatedAt)
	return &n, err
}

func (r *repoPG) CreateNotification(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO subscription_notification (id, subscription_id, document_id, patient_id,
			facility_id, status, attempt_count, max_attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		n.ID, n.SubscriptionID, n.DocumentID, n.PatientID,
		n.FacilityID, n.Status, n.AttemptCount, n.MaxAttempts, n.NextAttemptAt)
	return err
}

func (r *repoPG) ListPendingNotifications(ctx context.Context, limit int) ([]*Notification, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+notifCols+` FROM subscription_notification
		WHERE status = 'pending' AND next_attempt_at <= NOW()
		ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := scanNotif(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, nil
}

func (r *repoPG) UpdateNotification(ctx context.Context, n *Notification) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE subscription_notification SET status=$2, attempt_count=$3, next_attempt_at=$4,
			last_error=$5, delivered_at=$6
		WHERE id = $1`,
		n.ID, n.Status, n.AttemptCount, n.NextAttemptAt, n.LastError, n.DeliveredAt)
	return err
}

func (r *repoPG) ListNotificationsBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit, offset int) ([]*Notification, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM subscription_notification WHERE subscription_id = $1`,
		subscriptionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+notifCols+` FROM subscription_notification WHERE subscription_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		subscriptionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := scanNotif(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, nil
}
