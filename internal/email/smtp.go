package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

// =============================================================================
// SMTP Email Service Implementation
// =============================================================================

// SMTPEmailService sends emails via SMTP.
//
// Email templates are embedded and rendered with html/template.
type SMTPEmailService struct {
	config    SMTPConfig
	baseURL   string
	templates *template.Template
	logger    *slog.Logger

	// sendMail is smtp.SendMail outside tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPEmailService creates a new SMTP-based email service.
//
// Parameters:
// - config: SMTP server configuration
// - baseURL: Application base URL for billing links (e.g., "http://localhost:8080")
// - logger: Structured logger for error reporting
func NewSMTPEmailService(
	config SMTPConfig,
	baseURL string,
	logger *slog.Logger,
) (*SMTPEmailService, error) {
	// Set defaults
	if config.From == "" {
		config.From = DefaultFromEmail
	}
	if config.FromName == "" {
		config.FromName = DefaultFromName
	}

	templates, err := template.New("email").Funcs(emailTemplateFuncs()).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}

	return &SMTPEmailService{
		config:    config,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		templates: templates,
		logger:    logger,
		sendMail:  smtp.SendMail,
	}, nil
}

// =============================================================================
// EmailService Interface Implementation
// =============================================================================

func (s *SMTPEmailService) billingURL() string {
	return s.baseURL + "/settings/billing"
}

// SendPaymentFailed tells a manager a renewal charge was declined.
func (s *SMTPEmailService) SendPaymentFailed(ctx context.Context, to, name string, n Notice) error {
	textBody := fmt.Sprintf(`Hi %s,

We could not charge %s for your %s plan.
Reason: %s

Your academy keeps its current limits for now. Please update your payment method:

%s

Thanks,
Academy Billing
`, name, n.Amount, n.PlanName, n.Reason, s.billingURL())

	return s.render(ctx, to, "Payment failed for your subscription", "payment_failed.html", name, n, textBody)
}

// SendPaymentReceipt confirms a successful charge.
func (s *SMTPEmailService) SendPaymentReceipt(ctx context.Context, to, name string, n Notice) error {
	textBody := fmt.Sprintf(`Hi %s,

We received your payment of %s for the %s plan. Your next billing date is %s.

Thanks,
Academy Billing
`, name, n.Amount, n.PlanName, n.EffectiveDate.Format("2006-01-02"))

	return s.render(ctx, to, "Payment received", "payment_receipt.html", name, n, textBody)
}

// SendDowngradeScheduled confirms a scheduled tier change.
func (s *SMTPEmailService) SendDowngradeScheduled(ctx context.Context, to, name string, n Notice) error {
	textBody := fmt.Sprintf(`Hi %s,

Your subscription will change to the %s plan on %s. Until then your current plan and limits stay in place.
The new monthly amount will be %s.

You can cancel this change any time before it takes effect:

%s

Thanks,
Academy Billing
`, name, n.PlanName, n.EffectiveDate.Format("2006-01-02"), n.Amount, s.billingURL())

	return s.render(ctx, to, "Your plan change is scheduled", "downgrade_scheduled.html", name, n, textBody)
}

// SendSubscriptionExpired tells a manager a canceled subscription ended.
func (s *SMTPEmailService) SendSubscriptionExpired(ctx context.Context, to, name string, n Notice) error {
	textBody := fmt.Sprintf(`Hi %s,

Your %s subscription ended on %s and your academy is now on the free plan.

You can subscribe again at any time:

%s

Thanks,
Academy Billing
`, name, n.PlanName, n.EffectiveDate.Format("2006-01-02"), s.billingURL())

	return s.render(ctx, to, "Your subscription has ended", "subscription_expired.html", name, n, textBody)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *SMTPEmailService) render(ctx context.Context, to, subject, tmpl, name string, n Notice, textBody string) error {
	data := map[string]interface{}{
		"Name":       name,
		"PlanName":   n.PlanName,
		"Amount":     n.Amount.String(),
		"Date":       n.EffectiveDate.Format("2006-01-02"),
		"Reason":     n.Reason,
		"BillingURL": s.billingURL(),
	}

	htmlBody, err := s.renderTemplate(tmpl, data)
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", tmpl, err)
	}

	return s.send(ctx, Email{
		To:       to,
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
}

// send sends an email via SMTP.
func (s *SMTPEmailService) send(ctx context.Context, email Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Build the email message
	msg := s.buildMessage(email)

	// Create SMTP address
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	// Create auth if credentials are provided (not needed for Mailhog)
	var auth smtp.Auth
	if s.config.Username != "" && s.config.Password != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	err := s.sendMail(addr, auth, s.config.From, []string{email.To}, msg)
	if err != nil {
		s.logger.Error("failed to send email",
			"to", email.To,
			"subject", email.Subject,
			"error", err,
		)
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("email sent",
		"to", email.To,
		"subject", email.Subject,
	)

	return nil
}

// buildMessage constructs the raw email message with headers.
func (s *SMTPEmailService) buildMessage(email Email) []byte {
	var buf bytes.Buffer

	fromHeader := fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)

	buf.WriteString(fmt.Sprintf("From: %s\r\n", fromHeader))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", email.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", email.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")

	boundary := "===============BILLING_BOUNDARY==============="
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary))
	buf.WriteString("\r\n")

	// Plain text part
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(email.TextBody)
	buf.WriteString("\r\n")

	// HTML part
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(email.HTMLBody)
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))

	return buf.Bytes()
}

// renderTemplate renders an email template with the given data.
func (s *SMTPEmailService) renderTemplate(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func emailTemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"currentYear": func() int {
			return time.Now().Year()
		},
	}
}

var _ EmailService = (*SMTPEmailService)(nil)
