// Package email sends billing notices to academy managers.
//
// This package defines an EmailService interface with implementations for:
// - SMTP (Mailhog in development, any SMTP relay in production)
// - Log-only (when no SMTP host is configured)
package email

import (
	"context"
	"time"

	"github.com/DukeRupert/academy-billing/internal/domain"
)

// =============================================================================
// Interface Definition
// =============================================================================

// EmailService defines the interface for sending billing emails.
//
// All methods are context-aware for timeout and cancellation support.
type EmailService interface {
	// SendPaymentFailed tells a manager a renewal charge was declined and the
	// subscription is past due.
	SendPaymentFailed(ctx context.Context, to, name string, notice Notice) error

	// SendPaymentReceipt confirms a successful charge.
	SendPaymentReceipt(ctx context.Context, to, name string, notice Notice) error

	// SendDowngradeScheduled confirms a tier change that takes effect at the
	// end of the current period.
	SendDowngradeScheduled(ctx context.Context, to, name string, notice Notice) error

	// SendSubscriptionExpired tells a manager a canceled subscription ended
	// and the academy moved to the free plan.
	SendSubscriptionExpired(ctx context.Context, to, name string, notice Notice) error
}

// =============================================================================
// Email Data Types
// =============================================================================

// Email represents a single email message.
type Email struct {
	To       string // Recipient email address
	Subject  string // Email subject line
	HTMLBody string // HTML content of the email
	TextBody string // Plain text fallback content
}

// Notice carries the billing facts a message reports.
type Notice struct {
	PlanName      string
	Amount        domain.Money
	EffectiveDate time.Time
	Reason        string
}

// =============================================================================
// Configuration Types
// =============================================================================

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Host     string // SMTP server hostname (e.g., "localhost" for Mailhog)
	Port     int    // SMTP server port (e.g., 1025 for Mailhog)
	Username string // SMTP authentication username (empty for Mailhog)
	Password string // SMTP authentication password (empty for Mailhog)
	From     string // Default sender email address
	FromName string // Default sender display name
}

// =============================================================================
// Common Constants
// =============================================================================

const (
	// DefaultFromEmail is the default sender email for billing emails.
	DefaultFromEmail = "billing@academy.example"

	// DefaultFromName is the default sender display name.
	DefaultFromName = "Academy Billing"
)
