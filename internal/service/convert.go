package service

import (
	"database/sql"
	"time"

	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/repository"
)

// =============================================================================
// Row Conversion
// =============================================================================

func rowToSubscription(row repository.AcademySubscription) *domain.Subscription {
	s := &domain.Subscription{
		ID:             row.ID,
		AcademyID:      row.AcademyID,
		Tier:           domain.PlanTier(row.Tier),
		Status:         domain.SubscriptionStatus(row.Status),
		BillingCycle:   domain.BillingCycle(row.BillingCycle),
		MonthlyAmount:  domain.Money(row.MonthlyAmount),
		TotalUserLimit: int(row.TotalUserLimit),
		StorageLimitGB: int(row.StorageLimitGb),
		ClassroomLimit: int(row.ClassroomLimit),
		AddOns: domain.AddOnState{
			AdditionalStudents:  int(row.AdditionalStudents),
			AdditionalTeachers:  int(row.AdditionalTeachers),
			AdditionalStorageGB: int(row.AdditionalStorageGb),
			Cost:                domain.Money(row.AddonCost),
		},
		AutoRenew:          row.AutoRenew,
		CurrentPeriodStart: row.CurrentPeriodStart,
		CurrentPeriodEnd:   row.CurrentPeriodEnd,
		NextBillingDate:    row.NextBillingDate,
		BillingKey:         row.BillingKey.String,
		BillingKeyIssuedAt: fromNullTime(row.BillingKeyIssuedAt),
		GatewayCustomerID:  row.GatewayCustomerID.String,
		CanceledAt:         fromNullTime(row.CanceledAt),
		TrialEndsAt:        fromNullTime(row.TrialEndsAt),
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.PendingTier.Valid && row.PendingChangeEffectiveDate.Valid {
		s.Pending = &domain.PendingChange{
			Tier:          domain.PlanTier(row.PendingTier.String),
			MonthlyAmount: domain.Money(row.PendingMonthlyAmount.Int64),
			EffectiveDate: row.PendingChangeEffectiveDate.Time,
		}
	}
	return s
}

func subscriptionToParams(s *domain.Subscription) repository.SaveSubscriptionParams {
	p := repository.SaveSubscriptionParams{
		ID:                  s.ID,
		AcademyID:           s.AcademyID,
		Tier:                string(s.Tier),
		Status:              string(s.Status),
		BillingCycle:        string(s.BillingCycle),
		MonthlyAmount:       int64(s.MonthlyAmount),
		TotalUserLimit:      int32(s.TotalUserLimit),
		StorageLimitGb:      int32(s.StorageLimitGB),
		ClassroomLimit:      int32(s.ClassroomLimit),
		AdditionalStudents:  int32(s.AddOns.AdditionalStudents),
		AdditionalTeachers:  int32(s.AddOns.AdditionalTeachers),
		AdditionalStorageGb: int32(s.AddOns.AdditionalStorageGB),
		AddonCost:           int64(s.AddOns.Cost),
		AutoRenew:           s.AutoRenew,
		CurrentPeriodStart:  s.CurrentPeriodStart,
		CurrentPeriodEnd:    s.CurrentPeriodEnd,
		NextBillingDate:     s.NextBillingDate,
		BillingKey:          toNullString(s.BillingKey),
		BillingKeyIssuedAt:  toNullTime(s.BillingKeyIssuedAt),
		GatewayCustomerID:   toNullString(s.GatewayCustomerID),
		CanceledAt:          toNullTime(s.CanceledAt),
		TrialEndsAt:         toNullTime(s.TrialEndsAt),
	}
	if s.Pending != nil {
		p.PendingTier = sql.NullString{String: string(s.Pending.Tier), Valid: true}
		p.PendingMonthlyAmount = sql.NullInt64{Int64: int64(s.Pending.MonthlyAmount), Valid: true}
		p.PendingChangeEffectiveDate = sql.NullTime{Time: s.Pending.EffectiveDate, Valid: true}
	}
	return p
}

func rowToUsage(row repository.AcademyUsage) domain.UsageSnapshot {
	return domain.UsageSnapshot{
		CurrentStudentCount:   int(row.StudentCount),
		CurrentTeacherCount:   int(row.TeacherCount),
		CurrentStorageGB:      row.StorageUsedGb,
		CurrentClassroomCount: int(row.ClassroomCount),
	}
}

func rowToInvoice(row repository.SubscriptionInvoice) domain.Invoice {
	return domain.Invoice{
		ID:             row.ID,
		SubscriptionID: row.SubscriptionID,
		AcademyID:      row.AcademyID,
		PaymentID:      row.PaymentID,
		Kind:           domain.InvoiceKind(row.Kind),
		Tier:           domain.PlanTier(row.Tier),
		Amount:         domain.Money(row.Amount),
		Status:         domain.InvoiceStatus(row.Status),
		PeriodStart:    row.PeriodStart,
		PeriodEnd:      row.PeriodEnd,
		FailureReason:  row.FailureReason.String,
		PaidAt:         fromNullTime(row.PaidAt),
		CreatedAt:      row.CreatedAt,
	}
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
