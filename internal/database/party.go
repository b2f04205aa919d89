package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database/models"
)

// partyRepo implements PartyRepository.
type partyRepo struct {
	db *DB
}

// NewPartyRepository creates a PartyRepository.
func NewPartyRepository(db *DB) PartyRepository {
	return &partyRepo{db: db}
}

func (r *partyRepo) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Party, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.querier(ctx).QueryContext(ctx,
		`SELECT id, owner_id FROM parties WHERE id = ANY($1::uuid[])`,
		uuidStrings(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("querying parties: %w", err)
	}
	defer rows.Close()

	var parties []models.Party
	for rows.Next() {
		var (
			party   models.Party
			ownerID sql.NullString
		)
		if err := rows.Scan(&party.ID, &ownerID); err != nil {
			return nil, fmt.Errorf("scanning party: %w", err)
		}
		if ownerID.Valid {
			id, err := uuid.Parse(ownerID.String)
			if err != nil {
				return nil, fmt.Errorf("parsing party owner id: %w", err)
			}
			party.OwnerID = &id
		}
		parties = append(parties, party)
	}
	return parties, rows.Err()
}

// AssignOwnerIfNone is idempotent: the update only applies when the party
// has no owner, so a repeated assignment (or a concurrent one that lost the
// race) is a no-op.
func (r *partyRepo) AssignOwnerIfNone(ctx context.Context, partyID, userID uuid.UUID) (bool, error) {
	res, err := r.db.querier(ctx).ExecContext(ctx,
		`UPDATE parties SET owner_id = $2, updated_at = NOW()
		 WHERE id = $1 AND owner_id IS NULL`,
		partyID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("assigning party owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking party owner assignment: %w", err)
	}
	return n > 0, nil
}
