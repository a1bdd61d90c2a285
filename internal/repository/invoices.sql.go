package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

const invoiceColumns = `id, subscription_id, academy_id, payment_id, kind, tier, amount, status,
	period_start, period_end, failure_reason, metadata, paid_at, created_at, updated_at`

func scanInvoice(row rowScanner) (SubscriptionInvoice, error) {
	var i SubscriptionInvoice
	err := row.Scan(
		&i.ID,
		&i.SubscriptionID,
		&i.AcademyID,
		&i.PaymentID,
		&i.Kind,
		&i.Tier,
		&i.Amount,
		&i.Status,
		&i.PeriodStart,
		&i.PeriodEnd,
		&i.FailureReason,
		&i.Metadata,
		&i.PaidAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const createInvoice = `-- name: CreateInvoice :one
INSERT INTO subscription_invoices (
	subscription_id, academy_id, payment_id, kind, tier, amount, status,
	period_start, period_end, failure_reason, metadata, paid_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (payment_id) DO UPDATE SET payment_id = EXCLUDED.payment_id
RETURNING ` + invoiceColumns + `
`

type CreateInvoiceParams struct {
	SubscriptionID uuid.UUID
	AcademyID      uuid.UUID
	PaymentID      string
	Kind           string
	Tier           string
	Amount         int64
	Status         string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	FailureReason  sql.NullString
	Metadata       pqtype.NullRawMessage
	PaidAt         sql.NullTime
}

// CreateInvoice inserts an invoice or returns the existing one for the same
// payment id.
func (q *Queries) CreateInvoice(ctx context.Context, arg CreateInvoiceParams) (SubscriptionInvoice, error) {
	row := q.db.QueryRowContext(ctx, createInvoice,
		arg.SubscriptionID,
		arg.AcademyID,
		arg.PaymentID,
		arg.Kind,
		arg.Tier,
		arg.Amount,
		arg.Status,
		arg.PeriodStart,
		arg.PeriodEnd,
		arg.FailureReason,
		arg.Metadata,
		arg.PaidAt,
	)
	return scanInvoice(row)
}

const getInvoiceByPaymentID = `-- name: GetInvoiceByPaymentID :one
SELECT ` + invoiceColumns + `
FROM subscription_invoices
WHERE payment_id = $1
`

func (q *Queries) GetInvoiceByPaymentID(ctx context.Context, paymentID string) (SubscriptionInvoice, error) {
	row := q.db.QueryRowContext(ctx, getInvoiceByPaymentID, paymentID)
	return scanInvoice(row)
}

const updateInvoiceStatus = `-- name: UpdateInvoiceStatus :exec
UPDATE subscription_invoices
SET status = $2,
    failure_reason = $3,
    paid_at = $4,
    updated_at = NOW()
WHERE payment_id = $1
`

type UpdateInvoiceStatusParams struct {
	PaymentID     string
	Status        string
	FailureReason sql.NullString
	PaidAt        sql.NullTime
}

func (q *Queries) UpdateInvoiceStatus(ctx context.Context, arg UpdateInvoiceStatusParams) error {
	_, err := q.db.ExecContext(ctx, updateInvoiceStatus,
		arg.PaymentID,
		arg.Status,
		arg.FailureReason,
		arg.PaidAt,
	)
	return err
}

const listInvoicesByAcademy = `-- name: ListInvoicesByAcademy :many
SELECT ` + invoiceColumns + `
FROM subscription_invoices
WHERE academy_id = $1
ORDER BY created_at DESC
LIMIT $2
`

func (q *Queries) ListInvoicesByAcademy(ctx context.Context, academyID uuid.UUID, limit int32) ([]SubscriptionInvoice, error) {
	rows, err := q.db.QueryContext(ctx, listInvoicesByAcademy, academyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []SubscriptionInvoice
	for rows.Next() {
		i, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countOpenCharges = `-- name: CountOpenCharges :one
SELECT COUNT(*)
FROM subscription_invoices
WHERE subscription_id = $1
  AND status = 'pending'
  AND kind IN ('initial', 'upgrade')
  AND created_at >= $2
`

// CountOpenCharges counts initial and upgrade charges created since the
// given time that are still waiting for the gateway.
func (q *Queries) CountOpenCharges(ctx context.Context, subscriptionID uuid.UUID, since time.Time) (int64, error) {
	row := q.db.QueryRowContext(ctx, countOpenCharges, subscriptionID, since)
	var count int64
	err := row.Scan(&count)
	return count, err
}
