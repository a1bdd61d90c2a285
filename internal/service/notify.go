package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/academy-billing/internal/domain"
	"github.com/DukeRupert/academy-billing/internal/email"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/google/uuid"
)

const notifyTimeout = 10 * time.Second

type noticeKind string

const (
	noticePaymentFailed       noticeKind = "payment_failed"
	noticePaymentReceipt      noticeKind = "payment_receipt"
	noticeDowngradeScheduled  noticeKind = "downgrade_scheduled"
	noticeSubscriptionExpired noticeKind = "subscription_expired"
)

// notifier emails an academy's primary manager after a committed change.
// Delivery failures are logged and never undo the change.
type notifier struct {
	email   email.EmailService
	queries repository.Querier
	logger  *slog.Logger
}

// newNotifier creates the post-commit mailer. A nil EmailService disables
// notices.
func newNotifier(svc email.EmailService, queries repository.Querier, logger *slog.Logger) *notifier {
	return &notifier{email: svc, queries: queries, logger: logger}
}

func (n *notifier) send(ctx context.Context, kind noticeKind, academyID uuid.UUID, notice email.Notice) {
	if n == nil || n.email == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	m, err := n.queries.GetPrimaryManager(ctx, academyID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			n.logger.Warn("failed to look up manager for notice", "academy_id", academyID, "notice", kind, "error", err)
		}
		return
	}

	switch kind {
	case noticePaymentFailed:
		err = n.email.SendPaymentFailed(ctx, m.Email, m.Name, notice)
	case noticePaymentReceipt:
		err = n.email.SendPaymentReceipt(ctx, m.Email, m.Name, notice)
	case noticeDowngradeScheduled:
		err = n.email.SendDowngradeScheduled(ctx, m.Email, m.Name, notice)
	case noticeSubscriptionExpired:
		err = n.email.SendSubscriptionExpired(ctx, m.Email, m.Name, notice)
	}
	if err != nil {
		n.logger.Warn("failed to send notice", "academy_id", academyID, "notice", kind, "error", err)
	}
}

func planName(tier domain.PlanTier) string {
	if plan, err := domain.PlanFor(tier); err == nil {
		return plan.Name
	}
	return string(tier)
}
