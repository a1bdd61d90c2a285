package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

type AcademySubscription struct {
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
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

type AcademyUsage struct {
	AcademyID      uuid.UUID
	StudentCount   int32
	TeacherCount   int32
	StorageUsedGb  float64
	ClassroomCount int32
	UpdatedAt      time.Time
}

type Manager struct {
	UserID    uuid.UUID
	AcademyID uuid.UUID
	Email     string
	Name      string
	CreatedAt time.Time
}

type SubscriptionInvoice struct {
	ID             uuid.UUID
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
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type WebhookEvent struct {
	Provider   string
	EventID    string
	EventType  string
	PaymentID  sql.NullString
	ArchiveKey sql.NullString
	ReceivedAt time.Time
}

type Job struct {
	ID           uuid.UUID
	JobType      string
	Payload      json.RawMessage
	Status       string
	Priority     int32
	Attempts     int32
	MaxAttempts  int32
	ScheduledAt  time.Time
	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
	ErrorMessage sql.NullString
	DedupeKey    sql.NullString
	CreatedAt    time.Time
}
