package email

import (
	"context"
	"log/slog"
)

// LogEmailService writes notices to the log instead of sending them. It is
// used when no SMTP host is configured.
type LogEmailService struct {
	logger *slog.Logger
}

// NewLogEmailService creates a log-only email service.
func NewLogEmailService(logger *slog.Logger) *LogEmailService {
	return &LogEmailService{logger: logger}
}

func (s *LogEmailService) log(kind, to string, n Notice) error {
	s.logger.Info("email not sent, smtp disabled",
		"kind", kind,
		"to", to,
		"plan", n.PlanName,
		"amount", int64(n.Amount),
	)
	return nil
}

func (s *LogEmailService) SendPaymentFailed(ctx context.Context, to, name string, n Notice) error {
	return s.log("payment_failed", to, n)
}

func (s *LogEmailService) SendPaymentReceipt(ctx context.Context, to, name string, n Notice) error {
	return s.log("payment_receipt", to, n)
}

func (s *LogEmailService) SendDowngradeScheduled(ctx context.Context, to, name string, n Notice) error {
	return s.log("downgrade_scheduled", to, n)
}

func (s *LogEmailService) SendSubscriptionExpired(ctx context.Context, to, name string, n Notice) error {
	return s.log("subscription_expired", to, n)
}

var _ EmailService = (*LogEmailService)(nil)
