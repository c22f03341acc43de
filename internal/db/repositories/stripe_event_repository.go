// stripe_event_repository.go implements StripeEventRepository, the durable set of processed
// webhook event ids.
package repositories

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mlplatform/console-backend/internal/db/models"
)

// StripeEventRepository records processed billing-provider events
type StripeEventRepository struct {
	db *sqlx.DB
}

// NewStripeEventRepository creates a new processed-event repository
func NewStripeEventRepository(db *sqlx.DB) *StripeEventRepository {
	return &StripeEventRepository{db: db}
}

// MarkProcessed records eventID. It returns false when the id was already recorded,
// which means the caller must not process the event again.
func (r *StripeEventRepository) MarkProcessed(ctx context.Context, eventID, eventType string, summary map[string]interface{}) (bool, error) {
	var summaryJSON []byte
	if summary != nil {
		var err error
		summaryJSON, err = json.Marshal(summary)
		if err != nil {
			return false, err
		}
	}

	query := `
		INSERT INTO stripe_processed_events (event_id, event_type, processed_at, payload_summary)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`
	result, err := r.db.ExecContext(ctx, query, eventID, eventType, time.Now(), summaryJSON)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListRecent returns the most recently processed events
func (r *StripeEventRepository) ListRecent(ctx context.Context, limit int) ([]models.ProcessedEvent, error) {
	var events []models.ProcessedEvent
	query := `
		SELECT event_id, event_type, processed_at, payload_summary
		FROM stripe_processed_events
		ORDER BY processed_at DESC
		LIMIT $1`
	if err := r.db.SelectContext(ctx, &events, query, limit); err != nil {
		return nil, err
	}
	return events, nil
}
