package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

const subscriptionColumns = `id, academy_id, tier, status, billing_cycle, monthly_amount,
	total_user_limit, storage_limit_gb, classroom_limit,
	additional_students, additional_teachers, additional_storage_gb, addon_cost,
	auto_renew, current_period_start, current_period_end, next_billing_date,
	pending_tier, pending_monthly_amount, pending_change_effective_date,
	billing_key, billing_key_issued_at, gateway_customer_id,
	canceled_at, trial_ends_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (AcademySubscription, error) {
	var i AcademySubscription
	err := row.Scan(
		&i.ID,
		&i.AcademyID,
		&i.Tier,
		&i.Status,
		&i.BillingCycle,
		&i.MonthlyAmount,
		&i.TotalUserLimit,
		&i.StorageLimitGb,
		&i.ClassroomLimit,
		&i.AdditionalStudents,
		&i.AdditionalTeachers,
		&i.AdditionalStorageGb,
		&i.AddonCost,
		&i.AutoRenew,
		&i.CurrentPeriodStart,
		&i.CurrentPeriodEnd,
		&i.NextBillingDate,
		&i.PendingTier,
		&i.PendingMonthlyAmount,
		&i.PendingChangeEffectiveDate,
		&i.BillingKey,
		&i.BillingKeyIssuedAt,
		&i.GatewayCustomerID,
		&i.CanceledAt,
		&i.TrialEndsAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getSubscriptionByAcademy = `-- name: GetSubscriptionByAcademy :one
SELECT ` + subscriptionColumns + `
FROM academy_subscriptions
WHERE academy_id = $1
`

func (q *Queries) GetSubscriptionByAcademy(ctx context.Context, academyID uuid.UUID) (AcademySubscription, error) {
	row := q.db.QueryRowContext(ctx, getSubscriptionByAcademy, academyID)
	return scanSubscription(row)
}

const lockSubscriptionByAcademy = `-- name: LockSubscriptionByAcademy :one
SELECT ` + subscriptionColumns + `
FROM academy_subscriptions
WHERE academy_id = $1
FOR UPDATE
`

// LockSubscriptionByAcademy reads the row and holds its lock until the
// enclosing transaction ends.
func (q *Queries) LockSubscriptionByAcademy(ctx context.Context, academyID uuid.UUID) (AcademySubscription, error) {
	row := q.db.QueryRowContext(ctx, lockSubscriptionByAcademy, academyID)
	return scanSubscription(row)
}

const lockSubscriptionByID = `-- name: LockSubscriptionByID :one
SELECT ` + subscriptionColumns + `
FROM academy_subscriptions
WHERE id = $1
FOR UPDATE
`

func (q *Queries) LockSubscriptionByID(ctx context.Context, id uuid.UUID) (AcademySubscription, error) {
	row := q.db.QueryRowContext(ctx, lockSubscriptionByID, id)
	return scanSubscription(row)
}

const upsertSubscription = `-- name: UpsertSubscription :one
INSERT INTO academy_subscriptions (
	id, academy_id, tier, status, billing_cycle, monthly_amount,
	total_user_limit, storage_limit_gb, classroom_limit,
	additional_students, additional_teachers, additional_storage_gb, addon_cost,
	auto_renew, current_period_start, current_period_end, next_billing_date,
	pending_tier, pending_monthly_amount, pending_change_effective_date,
	billing_key, billing_key_issued_at, gateway_customer_id,
	canceled_at, trial_ends_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
	$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25
)
ON CONFLICT (academy_id) DO UPDATE SET
	tier = EXCLUDED.tier,
	status = EXCLUDED.status,
	billing_cycle = EXCLUDED.billing_cycle,
	monthly_amount = EXCLUDED.monthly_amount,
	total_user_limit = EXCLUDED.total_user_limit,
	storage_limit_gb = EXCLUDED.storage_limit_gb,
	classroom_limit = EXCLUDED.classroom_limit,
	additional_students = EXCLUDED.additional_students,
	additional_teachers = EXCLUDED.additional_teachers,
	additional_storage_gb = EXCLUDED.additional_storage_gb,
	addon_cost = EXCLUDED.addon_cost,
	auto_renew = EXCLUDED.auto_renew,
	current_period_start = EXCLUDED.current_period_start,
	current_period_end = EXCLUDED.current_period_end,
	next_billing_date = EXCLUDED.next_billing_date,
	pending_tier = EXCLUDED.pending_tier,
	pending_monthly_amount = EXCLUDED.pending_monthly_amount,
	pending_change_effective_date = EXCLUDED.pending_change_effective_date,
	billing_key = EXCLUDED.billing_key,
	billing_key_issued_at = EXCLUDED.billing_key_issued_at,
	gateway_customer_id = EXCLUDED.gateway_customer_id,
	canceled_at = EXCLUDED.canceled_at,
	trial_ends_at = EXCLUDED.trial_ends_at,
	updated_at = NOW()
RETURNING ` + subscriptionColumns + `
`

// SaveSubscriptionParams carries every mutable column. The same shape is
// used for the first insert and every later update of an academy's row.
type SaveSubscriptionParams struct {
	ID                         uuid.UUID
	AcademyID                  uuid.UUID
	Tier                       string
	Status                     string
	BillingCycle               string
	MonthlyAmount              int64
	TotalUserLimit             int32
	StorageLimitGb             int32
	ClassroomLimit             int32
	AdditionalStudents         int32
	AdditionalTeachers         int32
	AdditionalStorageGb        int32
	AddonCost                  int64
	AutoRenew                  bool
	CurrentPeriodStart         time.Time
	CurrentPeriodEnd           time.Time
	NextBillingDate            time.Time
	PendingTier                sql.NullString
	PendingMonthlyAmount       sql.NullInt64
	PendingChangeEffectiveDate sql.NullTime
	BillingKey                 sql.NullString
	BillingKeyIssuedAt         sql.NullTime
	GatewayCustomerID          sql.NullString
	CanceledAt                 sql.NullTime
	TrialEndsAt                sql.NullTime
}

func (q *Queries) UpsertSubscription(ctx context.Context, arg SaveSubscriptionParams) (AcademySubscription, error) {
	row := q.db.QueryRowContext(ctx, upsertSubscription,
		arg.ID,
		arg.AcademyID,
		arg.Tier,
		arg.Status,
		arg.BillingCycle,
		arg.MonthlyAmount,
		arg.TotalUserLimit,
		arg.StorageLimitGb,
		arg.ClassroomLimit,
		arg.AdditionalStudents,
		arg.AdditionalTeachers,
		arg.AdditionalStorageGb,
		arg.AddonCost,
		arg.AutoRenew,
		arg.CurrentPeriodStart,
		arg.CurrentPeriodEnd,
		arg.NextBillingDate,
		arg.PendingTier,
		arg.PendingMonthlyAmount,
		arg.PendingChangeEffectiveDate,
		arg.BillingKey,
		arg.BillingKeyIssuedAt,
		arg.GatewayCustomerID,
		arg.CanceledAt,
		arg.TrialEndsAt,
	)
	return scanSubscription(row)
}

const listAcademiesWithDuePendingChange = `-- name: ListAcademiesWithDuePendingChange :many
SELECT academy_id
FROM academy_subscriptions
WHERE pending_change_effective_date IS NOT NULL
  AND pending_change_effective_date <= $1
ORDER BY pending_change_effective_date
LIMIT $2
`

func (q *Queries) ListAcademiesWithDuePendingChange(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	return q.listAcademyIDs(ctx, listAcademiesWithDuePendingChange, now, limit)
}

const listAcademiesWithLapsedCancellation = `-- name: ListAcademiesWithLapsedCancellation :many
SELECT academy_id
FROM academy_subscriptions
WHERE auto_renew = FALSE
  AND status IN ('active', 'past_due', 'trialing')
  AND current_period_end <= $1
ORDER BY current_period_end
LIMIT $2
`

func (q *Queries) ListAcademiesWithLapsedCancellation(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	return q.listAcademyIDs(ctx, listAcademiesWithLapsedCancellation, now, limit)
}

const listAcademiesDueForRenewal = `-- name: ListAcademiesDueForRenewal :many
SELECT academy_id
FROM academy_subscriptions
WHERE auto_renew = TRUE
  AND status IN ('active', 'trialing')
  AND tier <> 'free'
  AND billing_key IS NOT NULL
  AND next_billing_date <= $1
ORDER BY next_billing_date
LIMIT $2
`

func (q *Queries) ListAcademiesDueForRenewal(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	return q.listAcademyIDs(ctx, listAcademiesDueForRenewal, now, limit)
}

func (q *Queries) listAcademyIDs(ctx context.Context, query string, now time.Time, limit int32) ([]uuid.UUID, error) {
	rows, err := q.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
