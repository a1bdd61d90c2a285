package service

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/google/uuid"
)

// fakeData holds the tables. Its methods do no locking; fakeStore.InTx
// serializes transactions, which stands in for the row lock.
type fakeData struct {
	subs     map[uuid.UUID]repository.AcademySubscription // by academy
	usage    map[uuid.UUID]repository.AcademyUsage
	managers map[uuid.UUID]repository.Manager // by academy
	invoices map[string]repository.SubscriptionInvoice
	events   map[string]bool
	jobs     map[string]repository.Job // by dedupe key

	// upsertFailures makes the next n UpsertSubscription calls fail.
	upsertFailures int
	upserts        int
}

func newFakeData() *fakeData {
	return &fakeData{
		subs:     map[uuid.UUID]repository.AcademySubscription{},
		usage:    map[uuid.UUID]repository.AcademyUsage{},
		managers: map[uuid.UUID]repository.Manager{},
		invoices: map[string]repository.SubscriptionInvoice{},
		events:   map[string]bool{},
		jobs:     map[string]repository.Job{},
	}
}

func (d *fakeData) clone() *fakeData {
	c := newFakeData()
	for k, v := range d.subs {
		c.subs[k] = v
	}
	for k, v := range d.usage {
		c.usage[k] = v
	}
	for k, v := range d.managers {
		c.managers[k] = v
	}
	for k, v := range d.invoices {
		c.invoices[k] = v
	}
	for k, v := range d.events {
		c.events[k] = v
	}
	for k, v := range d.jobs {
		c.jobs[k] = v
	}
	c.upsertFailures = d.upsertFailures
	c.upserts = d.upserts
	return c
}

func (d *fakeData) GetSubscriptionByAcademy(_ context.Context, academyID uuid.UUID) (repository.AcademySubscription, error) {
	row, ok := d.subs[academyID]
	if !ok {
		return repository.AcademySubscription{}, sql.ErrNoRows
	}
	return row, nil
}

func (d *fakeData) LockSubscriptionByAcademy(ctx context.Context, academyID uuid.UUID) (repository.AcademySubscription, error) {
	return d.GetSubscriptionByAcademy(ctx, academyID)
}

func (d *fakeData) LockSubscriptionByID(_ context.Context, id uuid.UUID) (repository.AcademySubscription, error) {
	for _, row := range d.subs {
		if row.ID == id {
			return row, nil
		}
	}
	return repository.AcademySubscription{}, sql.ErrNoRows
}

func (d *fakeData) UpsertSubscription(_ context.Context, p repository.SaveSubscriptionParams) (repository.AcademySubscription, error) {
	if d.upsertFailures > 0 {
		d.upsertFailures--
		return repository.AcademySubscription{}, errors.New("connection reset")
	}
	d.upserts++

	row := d.subs[p.AcademyID]
	if row.ID == uuid.Nil {
		row.ID = p.ID
		row.CreatedAt = time.Now()
	}
	row.AcademyID = p.AcademyID
	row.Tier = p.Tier
	row.Status = p.Status
	row.BillingCycle = p.BillingCycle
	row.MonthlyAmount = p.MonthlyAmount
	row.TotalUserLimit = p.TotalUserLimit
	row.StorageLimitGb = p.StorageLimitGb
	row.ClassroomLimit = p.ClassroomLimit
	row.AdditionalStudents = p.AdditionalStudents
	row.AdditionalTeachers = p.AdditionalTeachers
	row.AdditionalStorageGb = p.AdditionalStorageGb
	row.AddonCost = p.AddonCost
	row.AutoRenew = p.AutoRenew
	row.CurrentPeriodStart = p.CurrentPeriodStart
	row.CurrentPeriodEnd = p.CurrentPeriodEnd
	row.NextBillingDate = p.NextBillingDate
	row.PendingTier = p.PendingTier
	row.PendingMonthlyAmount = p.PendingMonthlyAmount
	row.PendingChangeEffectiveDate = p.PendingChangeEffectiveDate
	row.BillingKey = p.BillingKey
	row.BillingKeyIssuedAt = p.BillingKeyIssuedAt
	row.GatewayCustomerID = p.GatewayCustomerID
	row.CanceledAt = p.CanceledAt
	row.TrialEndsAt = p.TrialEndsAt
	row.UpdatedAt = time.Now()
	d.subs[p.AcademyID] = row
	return row, nil
}

func (d *fakeData) listWhere(limit int32, keep func(repository.AcademySubscription) bool) []uuid.UUID {
	var ids []uuid.UUID
	for id, row := range d.subs {
		if keep(row) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	if int32(len(ids)) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (d *fakeData) ListAcademiesWithDuePendingChange(_ context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	return d.listWhere(limit, func(r repository.AcademySubscription) bool {
		return r.PendingChangeEffectiveDate.Valid && !r.PendingChangeEffectiveDate.Time.After(now)
	}), nil
}

func (d *fakeData) ListAcademiesWithLapsedCancellation(_ context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	return d.listWhere(limit, func(r repository.AcademySubscription) bool {
		return !r.AutoRenew && r.Status != string(domain.StatusCanceled) && !r.CurrentPeriodEnd.After(now)
	}), nil
}

func (d *fakeData) ListAcademiesDueForRenewal(_ context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	return d.listWhere(limit, func(r repository.AcademySubscription) bool {
		return r.AutoRenew &&
			(r.Status == string(domain.StatusActive) || r.Status == string(domain.StatusTrialing)) &&
			r.Tier != string(domain.TierFree) &&
			r.BillingKey.Valid &&
			!r.NextBillingDate.After(now)
	}), nil
}

func (d *fakeData) GetAcademyUsage(_ context.Context, academyID uuid.UUID) (repository.AcademyUsage, error) {
	row, ok := d.usage[academyID]
	if !ok {
		return repository.AcademyUsage{}, sql.ErrNoRows
	}
	return row, nil
}

func (d *fakeData) GetManagerByUser(_ context.Context, userID uuid.UUID) (repository.Manager, error) {
	for _, m := range d.managers {
		if m.UserID == userID {
			return m, nil
		}
	}
	return repository.Manager{}, sql.ErrNoRows
}

func (d *fakeData) GetPrimaryManager(_ context.Context, academyID uuid.UUID) (repository.Manager, error) {
	m, ok := d.managers[academyID]
	if !ok {
		return repository.Manager{}, sql.ErrNoRows
	}
	return m, nil
}

func (d *fakeData) CreateInvoice(_ context.Context, p repository.CreateInvoiceParams) (repository.SubscriptionInvoice, error) {
	if existing, ok := d.invoices[p.PaymentID]; ok {
		return existing, nil
	}
	inv := repository.SubscriptionInvoice{
		ID:             uuid.New(),
		SubscriptionID: p.SubscriptionID,
		AcademyID:      p.AcademyID,
		PaymentID:      p.PaymentID,
		Kind:           p.Kind,
		Tier:           p.Tier,
		Amount:         p.Amount,
		Status:         p.Status,
		PeriodStart:    p.PeriodStart,
		PeriodEnd:      p.PeriodEnd,
		FailureReason:  p.FailureReason,
		Metadata:       p.Metadata,
		PaidAt:         p.PaidAt,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	d.invoices[p.PaymentID] = inv
	return inv, nil
}

func (d *fakeData) GetInvoiceByPaymentID(_ context.Context, paymentID string) (repository.SubscriptionInvoice, error) {
	inv, ok := d.invoices[paymentID]
	if !ok {
		return repository.SubscriptionInvoice{}, sql.ErrNoRows
	}
	return inv, nil
}

func (d *fakeData) UpdateInvoiceStatus(_ context.Context, p repository.UpdateInvoiceStatusParams) error {
	inv, ok := d.invoices[p.PaymentID]
	if !ok {
		return nil
	}
	inv.Status = p.Status
	inv.FailureReason = p.FailureReason
	inv.PaidAt = p.PaidAt
	d.invoices[p.PaymentID] = inv
	return nil
}

func (d *fakeData) CountOpenCharges(_ context.Context, subscriptionID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	for _, inv := range d.invoices {
		open := inv.Status == string(domain.InvoicePending) &&
			(inv.Kind == string(domain.InvoiceInitial) || inv.Kind == string(domain.InvoiceUpgrade))
		if inv.SubscriptionID == subscriptionID && open && !inv.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (d *fakeData) ListInvoicesByAcademy(_ context.Context, academyID uuid.UUID, limit int32) ([]repository.SubscriptionInvoice, error) {
	var out []repository.SubscriptionInvoice
	for _, inv := range d.invoices {
		if inv.AcademyID == academyID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentID > out[j].PaymentID })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *fakeData) RecordWebhookEvent(_ context.Context, p repository.RecordWebhookEventParams) (int64, error) {
	key := p.Provider + ":" + p.EventID
	if d.events[key] {
		return 0, nil
	}
	d.events[key] = true
	return 1, nil
}

func (d *fakeData) EnqueueJob(_ context.Context, p repository.EnqueueJobParams) (repository.Job, error) {
	if p.DedupeKey.Valid {
		if job, ok := d.jobs[p.DedupeKey.String]; ok && (job.Status == "pending" || job.Status == "running") {
			return job, nil
		}
	}
	job := repository.Job{
		ID:          uuid.New(),
		JobType:     p.JobType,
		Payload:     p.Payload,
		Status:      "pending",
		Priority:    p.Priority,
		MaxAttempts: p.MaxAttempts,
		ScheduledAt: p.ScheduledAt,
		DedupeKey:   p.DedupeKey,
		CreatedAt:   time.Now(),
	}
	key := p.DedupeKey.String
	if !p.DedupeKey.Valid {
		key = job.ID.String()
	}
	d.jobs[key] = job
	return job, nil
}

// fakeStore serializes transactions and restores the tables when one
// fails.
type fakeStore struct {
	*fakeData
	mu sync.Mutex
}

func newFakeStore() *fakeStore {
	return &fakeStore{fakeData: newFakeData()}
}

func (s *fakeStore) InTx(ctx context.Context, fn func(q repository.Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.fakeData.clone()
	if err := fn(s.fakeData); err != nil {
		// Keep failure injection counters moving across rollbacks.
		snapshot.upsertFailures = s.fakeData.upsertFailures
		*s.fakeData = *snapshot
		return err
	}
	return nil
}

var _ repository.Store = (*fakeStore)(nil)

// =============================================================================
// Fixtures
// =============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seed stores a subscription and returns its academy id.
func (s *fakeStore) seed(sub *domain.Subscription) uuid.UUID {
	if _, err := s.UpsertSubscription(context.Background(), subscriptionToParams(sub)); err != nil {
		panic(err)
	}
	return sub.AcademyID
}

func (s *fakeStore) setUsage(academyID uuid.UUID, students, teachers int, storageGB float64, classrooms int) {
	s.usage[academyID] = repository.AcademyUsage{
		AcademyID:      academyID,
		StudentCount:   int32(students),
		TeacherCount:   int32(teachers),
		StorageUsedGb:  storageGB,
		ClassroomCount: int32(classrooms),
	}
}

func (s *fakeStore) subscription(academyID uuid.UUID) *domain.Subscription {
	row, ok := s.subs[academyID]
	if !ok {
		return nil
	}
	return rowToSubscription(row)
}

func (s *fakeStore) invoice(paymentID string) (domain.Invoice, bool) {
	row, ok := s.invoices[paymentID]
	if !ok {
		return domain.Invoice{}, false
	}
	return rowToInvoice(row), true
}

// newPaid builds a subscription on tier with a stored billing key.
func newPaid(tier domain.PlanTier, cycle domain.BillingCycle, start time.Time) *domain.Subscription {
	sub, err := domain.NewSubscription(uuid.New(), tier, cycle, start)
	if err != nil {
		panic(err)
	}
	sub.BillingKey = "bk_test"
	issued := start
	sub.BillingKeyIssuedAt = &issued
	return sub
}
