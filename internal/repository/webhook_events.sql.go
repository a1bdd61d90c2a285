package repository

import (
	"context"
	"database/sql"
)

const recordWebhookEvent = `-- name: RecordWebhookEvent :execrows
INSERT INTO webhook_events (provider, event_id, event_type, payment_id, archive_key)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (provider, event_id) DO NOTHING
`

type RecordWebhookEventParams struct {
	Provider   string
	EventID    string
	EventType  string
	PaymentID  sql.NullString
	ArchiveKey sql.NullString
}

// RecordWebhookEvent returns 1 the first time an event id is seen and 0 on
// every replay.
func (q *Queries) RecordWebhookEvent(ctx context.Context, arg RecordWebhookEventParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, recordWebhookEvent,
		arg.Provider,
		arg.EventID,
		arg.EventType,
		arg.PaymentID,
		arg.ArchiveKey,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
