package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database/models"
)

// queueStatsRepo implements QueueStatsRepository.
type queueStatsRepo struct {
	db *DB
}

// NewQueueStatsRepository creates a QueueStatsRepository.
func NewQueueStatsRepository(db *DB) QueueStatsRepository {
	return &queueStatsRepo{db: db}
}

func (r *queueStatsRepo) AddCallQueueStats(ctx context.Context, commID uuid.UUID, entryTime time.Time) error {
	_, err := r.db.querier(ctx).ExecContext(ctx,
		`INSERT INTO queue_statistics (communication_id, entry_time)
		 VALUES ($1, $2)`,
		commID, entryTime,
	)
	if err != nil {
		return fmt.Errorf("inserting queue statistics: %w", err)
	}
	return nil
}

// UpdateCallQueueStatsByCommID applies a partial update: nil pointer fields
// leave their columns untouched, scalars replace, and Metadata is shallow
// merged into the existing JSON bag.
func (r *queueStatsRepo) UpdateCallQueueStatsByCommID(ctx context.Context, commID uuid.UUID, delta models.StatsDelta) error {
	var metadata []byte
	if delta.Metadata != nil {
		var err error
		metadata, err = json.Marshal(delta.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling stats metadata: %w", err)
		}
	}

	var action sql.NullString
	if delta.CallerRequestedAction != nil {
		action = sql.NullString{String: string(*delta.CallerRequestedAction), Valid: true}
	}

	_, err := r.db.querier(ctx).ExecContext(ctx,
		`UPDATE queue_statistics SET
		   exit_time                 = COALESCE($2, exit_time),
		   user_id                   = COALESCE($3, user_id),
		   hang_up                   = COALESCE($4, hang_up),
		   call_back_time            = COALESCE($5, call_back_time),
		   transferred_to_voice_mail = COALESCE($6, transferred_to_voice_mail),
		   caller_requested_action   = COALESCE($7, caller_requested_action),
		   metadata                  = CASE WHEN $8::jsonb IS NULL THEN metadata ELSE metadata || $8::jsonb END
		 WHERE communication_id = $1`,
		commID, delta.ExitTime, delta.UserID, delta.HangUp, delta.CallBackTime,
		delta.TransferredToVoiceMail, action, metadata,
	)
	if err != nil {
		return fmt.Errorf("updating queue statistics: %w", err)
	}
	return nil
}

func (r *queueStatsRepo) GetCallQueueStatsByCommID(ctx context.Context, commID uuid.UUID) (*models.QueueStatistics, error) {
	var (
		stats       models.QueueStatistics
		action      sql.NullString
		metadataRaw []byte
	)
	err := r.db.querier(ctx).QueryRowContext(ctx,
		`SELECT id, communication_id, entry_time, exit_time, user_id, hang_up,
		        call_back_time, transferred_to_voice_mail, caller_requested_action, metadata
		 FROM queue_statistics WHERE communication_id = $1`,
		commID,
	).Scan(&stats.ID, &stats.CommunicationID, &stats.EntryTime, &stats.ExitTime,
		&stats.UserID, &stats.HangUp, &stats.CallBackTime, &stats.TransferredToVoiceMail,
		&action, &metadataRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying queue statistics: %w", err)
	}

	if action.Valid {
		a := models.CallerRequestedAction(action.String)
		stats.CallerRequestedAction = &a
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &stats.Metadata); err != nil {
			return nil, fmt.Errorf("decoding stats metadata: %w", err)
		}
	}
	return &stats, nil
}
