package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/google/uuid"
)

// Job type constants - these must match the JobHandler.Type() values
const (
	JobTypeChargeSubscription = "charge_subscription"
)

// Priority constants for job scheduling
const (
	PriorityLow    = 0
	PriorityNormal = 10
	PriorityHigh   = 20
)

// ChargeSubscriptionPayload is the payload for renewal charge jobs.
type ChargeSubscriptionPayload struct {
	AcademyID uuid.UUID `json:"academy_id"`
	PaymentID string    `json:"payment_id"`
}

// Enqueuer inserts jobs. *repository.Queries satisfies it on the pool and
// inside a transaction.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, arg repository.EnqueueJobParams) (repository.Job, error)
}

// EnqueueOption is a functional option for customizing job enqueue parameters.
type EnqueueOption func(*repository.EnqueueJobParams)

// WithPriority sets the job priority.
func WithPriority(priority int32) EnqueueOption {
	return func(p *repository.EnqueueJobParams) {
		p.Priority = priority
	}
}

// WithMaxAttempts sets the maximum number of retry attempts.
func WithMaxAttempts(attempts int32) EnqueueOption {
	return func(p *repository.EnqueueJobParams) {
		p.MaxAttempts = attempts
	}
}

// WithDelay schedules the job to run after a delay.
func WithDelay(delay time.Duration) EnqueueOption {
	return func(p *repository.EnqueueJobParams) {
		p.ScheduledAt = time.Now().Add(delay)
	}
}

// WithDedupeKey makes the enqueue a no-op when a job with the same key
// already exists.
func WithDedupeKey(key string) EnqueueOption {
	return func(p *repository.EnqueueJobParams) {
		p.DedupeKey = sql.NullString{String: key, Valid: key != ""}
	}
}

// EnqueueJob is a generic helper for enqueuing jobs with custom options.
func EnqueueJob(
	ctx context.Context,
	q Enqueuer,
	jobType string,
	payload interface{},
	opts ...EnqueueOption,
) (repository.Job, error) {
	// Marshal the payload to JSON
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return repository.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	// Default parameters
	params := repository.EnqueueJobParams{
		JobType:     jobType,
		Payload:     payloadJSON,
		Priority:    PriorityNormal,
		MaxAttempts: 5,
		ScheduledAt: time.Now(),
	}

	for _, opt := range opts {
		opt(&params)
	}

	job, err := q.EnqueueJob(ctx, params)
	if err != nil {
		return repository.Job{}, fmt.Errorf("enqueue job: %w", err)
	}

	return job, nil
}

// EnqueueChargeSubscription queues the renewal charge for one period. The
// payment id doubles as the dedupe key, so a period is queued at most once.
func EnqueueChargeSubscription(
	ctx context.Context,
	q Enqueuer,
	academyID uuid.UUID,
	paymentID string,
	opts ...EnqueueOption,
) (repository.Job, error) {
	payload := ChargeSubscriptionPayload{
		AcademyID: academyID,
		PaymentID: paymentID,
	}

	opts = append([]EnqueueOption{WithPriority(PriorityHigh), WithDedupeKey(paymentID)}, opts...)
	return EnqueueJob(ctx, q, JobTypeChargeSubscription, payload, opts...)
}
