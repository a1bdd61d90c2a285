package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Querier is the set of queries the billing service runs. *Queries
// satisfies it on the pool and inside a transaction.
type Querier interface {
	GetSubscriptionByAcademy(ctx context.Context, academyID uuid.UUID) (AcademySubscription, error)
	LockSubscriptionByAcademy(ctx context.Context, academyID uuid.UUID) (AcademySubscription, error)
	LockSubscriptionByID(ctx context.Context, id uuid.UUID) (AcademySubscription, error)
	UpsertSubscription(ctx context.Context, arg SaveSubscriptionParams) (AcademySubscription, error)
	ListAcademiesWithDuePendingChange(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error)
	ListAcademiesWithLapsedCancellation(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error)
	ListAcademiesDueForRenewal(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error)

	GetAcademyUsage(ctx context.Context, academyID uuid.UUID) (AcademyUsage, error)
	GetManagerByUser(ctx context.Context, userID uuid.UUID) (Manager, error)
	GetPrimaryManager(ctx context.Context, academyID uuid.UUID) (Manager, error)

	CreateInvoice(ctx context.Context, arg CreateInvoiceParams) (SubscriptionInvoice, error)
	GetInvoiceByPaymentID(ctx context.Context, paymentID string) (SubscriptionInvoice, error)
	UpdateInvoiceStatus(ctx context.Context, arg UpdateInvoiceStatusParams) error
	CountOpenCharges(ctx context.Context, subscriptionID uuid.UUID, since time.Time) (int64, error)
	ListInvoicesByAcademy(ctx context.Context, academyID uuid.UUID, limit int32) ([]SubscriptionInvoice, error)

	RecordWebhookEvent(ctx context.Context, arg RecordWebhookEventParams) (int64, error)

	EnqueueJob(ctx context.Context, arg EnqueueJobParams) (Job, error)
}

var _ Querier = (*Queries)(nil)

// Store runs queries directly or inside a transaction.
type Store interface {
	Querier

	// InTx runs fn in a transaction. The transaction commits if fn returns
	// nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(q Querier) error) error
}

type sqlStore struct {
	*Queries
	db *sql.DB
}

// NewStore wraps a database handle.
func NewStore(db *sql.DB) Store {
	return &sqlStore{Queries: New(db), db: db}
}

func (s *sqlStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
