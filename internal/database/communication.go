package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database/models"
)

// commRepo implements CommunicationRepository.
type commRepo struct {
	db *DB
}

// NewCommunicationRepository creates a CommunicationRepository.
func NewCommunicationRepository(db *DB) CommunicationRepository {
	return &commRepo{db: db}
}

func (r *commRepo) LoadByID(ctx context.Context, id uuid.UUID) (*models.Communication, error) {
	return scanComm(r.db.querier(ctx).QueryRowContext(ctx,
		`SELECT id, message_id, direction, user_id, parties, teams, message, unread, created_at
		 FROM communications WHERE id = $1`, id,
	))
}

// Update applies a partial update to a communication. The Message map is
// shallow-merged into the stored JSON bag; pointer scalars replace their
// columns when non-nil. It returns the updated record.
func (r *commRepo) Update(ctx context.Context, id uuid.UUID, delta models.CommDelta) (*models.Communication, error) {
	var message []byte
	if delta.Message != nil {
		var err error
		message, err = json.Marshal(delta.Message)
		if err != nil {
			return nil, fmt.Errorf("marshalling communication message: %w", err)
		}
	}

	return scanComm(r.db.querier(ctx).QueryRowContext(ctx,
		`UPDATE communications SET
		   user_id    = COALESCE($2, user_id),
		   unread     = COALESCE($3, unread),
		   message    = CASE WHEN $4::jsonb IS NULL THEN message ELSE message || $4::jsonb END,
		   updated_at = NOW()
		 WHERE id = $1
		 RETURNING id, message_id, direction, user_id, parties, teams, message, unread, created_at`,
		id, delta.UserID, delta.Unread, message,
	))
}

func scanComm(row rowScanner) (*models.Communication, error) {
	var (
		comm       models.Communication
		userID     sql.NullString
		partiesRaw []byte
		teamsRaw   []byte
		messageRaw []byte
	)
	err := row.Scan(&comm.ID, &comm.MessageID, &comm.Direction, &userID,
		&partiesRaw, &teamsRaw, &messageRaw, &comm.Unread, &comm.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning communication: %w", err)
	}

	if userID.Valid {
		id, err := uuid.Parse(userID.String)
		if err != nil {
			return nil, fmt.Errorf("parsing communication user id: %w", err)
		}
		comm.UserID = &id
	}
	if comm.Parties, err = decodeUUIDList(partiesRaw); err != nil {
		return nil, err
	}
	if comm.Teams, err = decodeUUIDList(teamsRaw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(messageRaw, &comm.Message); err != nil {
		return nil, fmt.Errorf("decoding communication message: %w", err)
	}
	return &comm, nil
}
