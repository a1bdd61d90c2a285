package domain

import "time"

// EventKind is a gateway-neutral classification of a webhook.
type EventKind string

const (
	EventChargeSucceeded EventKind = "charge.succeeded"
	EventChargeFailed    EventKind = "charge.failed"
	EventIgnored         EventKind = "ignored"
)

// GatewayEvent is a verified webhook translated out of the gateway's
// vocabulary.
type GatewayEvent struct {
	Provider      string
	ID            string
	Type          string
	Kind          EventKind
	PaymentID     string
	Amount        Money
	FailureReason string
	OccurredAt    time.Time
	Payload       []byte
}
