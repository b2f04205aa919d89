package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database/models"
)

const userColumns = `id, full_name, status, sip_endpoints, external_phones,
	locked_for_call_queue_routing, last_call_time`

// userRepo implements UserRepository.
type userRepo struct {
	db *DB
}

// NewUserRepository creates a UserRepository.
func NewUserRepository(db *DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := scanUser(r.db.querier(ctx).QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id,
	))
	if err != nil || user == nil {
		return user, err
	}
	if err := r.loadTeamIDs(ctx, []*models.User{user}); err != nil {
		return nil, err
	}
	return user, nil
}

func (r *userRepo) UpdateStatusForUsers(ctx context.Context, userIDs []uuid.UUID, status models.UserStatus) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.db.querier(ctx).ExecContext(ctx,
		`UPDATE users SET status = $2, updated_at = NOW() WHERE id = ANY($1::uuid[])`,
		uuidStrings(userIDs), string(status),
	)
	if err != nil {
		return fmt.Errorf("updating user status: %w", err)
	}
	return nil
}

// LockAgentsForCallQueueRouting claims every available agent of a
// call-queue-enabled team that is not already claimed by another routing
// scan. The skip-locked selection means two concurrent scans partition the
// agent pool instead of blocking each other.
func (r *userRepo) LockAgentsForCallQueueRouting(ctx context.Context) ([]models.User, error) {
	rows, err := r.db.querier(ctx).QueryContext(ctx,
		`WITH agents AS (
		   SELECT u.id
		   FROM users u
		   WHERE u.status = 'AVAILABLE'
		     AND NOT u.locked_for_call_queue_routing
		     AND EXISTS (
		       SELECT 1 FROM team_members tm
		       JOIN teams t ON t.id = tm.team_id
		       WHERE tm.user_id = u.id AND tm.is_agent
		         AND t.call_queue_enabled AND NOT t.inactive
		     )
		   FOR UPDATE OF u SKIP LOCKED
		 )
		 UPDATE users u
		 SET locked_for_call_queue_routing = TRUE, updated_at = NOW()
		 FROM agents
		 WHERE u.id = agents.id
		 RETURNING u.id, u.full_name, u.status, u.sip_endpoints, u.external_phones,
		           u.locked_for_call_queue_routing, u.last_call_time`)
	if err != nil {
		return nil, fmt.Errorf("locking agents for routing: %w", err)
	}
	defer rows.Close()

	users, err := scanUsers(rows)
	if err != nil {
		return nil, err
	}

	ptrs := make([]*models.User, len(users))
	for i := range users {
		ptrs[i] = &users[i]
	}
	if err := r.loadTeamIDs(ctx, ptrs); err != nil {
		return nil, err
	}

	// Agent idle longest first; agents that never took a call sort ahead.
	sort.SliceStable(users, func(i, j int) bool {
		a, b := users[i].LastCallTime, users[j].LastCallTime
		switch {
		case a == nil:
			return b != nil
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
	return users, nil
}

func (r *userRepo) UnlockAgentsForCallQueueRouting(ctx context.Context, userIDs []uuid.UUID) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.db.querier(ctx).ExecContext(ctx,
		`UPDATE users SET locked_for_call_queue_routing = FALSE, updated_at = NOW()
		 WHERE id = ANY($1::uuid[])`,
		uuidStrings(userIDs),
	)
	if err != nil {
		return fmt.Errorf("unlocking agents for routing: %w", err)
	}
	return nil
}

func (r *userRepo) GetAgentsForPhoneCallsByTeamID(ctx context.Context, teamID uuid.UUID) ([]models.User, error) {
	rows, err := r.db.querier(ctx).QueryContext(ctx,
		`SELECT `+userColumns+`
		 FROM users u
		 JOIN team_members tm ON tm.user_id = u.id
		 WHERE tm.team_id = $1 AND tm.is_agent AND u.status <> 'NOT_AVAILABLE'`,
		teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying agents for team: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (r *userRepo) GetCallReceivingEndpointsByUsers(ctx context.Context, userIDs []uuid.UUID) ([]models.CallEndpoints, error) {
	rows, err := r.db.querier(ctx).QueryContext(ctx,
		`SELECT id, sip_endpoints, external_phones FROM users WHERE id = ANY($1::uuid[])`,
		uuidStrings(userIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("querying call endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []models.CallEndpoints
	for rows.Next() {
		var (
			ep     models.CallEndpoints
			sipRaw []byte
			extRaw []byte
		)
		if err := rows.Scan(&ep.UserID, &sipRaw, &extRaw); err != nil {
			return nil, fmt.Errorf("scanning call endpoints: %w", err)
		}
		if err := json.Unmarshal(sipRaw, &ep.SipEndpoints); err != nil {
			return nil, fmt.Errorf("decoding sip endpoints: %w", err)
		}
		if err := json.Unmarshal(extRaw, &ep.ExternalPhones); err != nil {
			return nil, fmt.Errorf("decoding external phones: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// loadTeamIDs fills in the call-queue-enabled team memberships for the
// given users.
func (r *userRepo) loadTeamIDs(ctx context.Context, users []*models.User) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(users))
	byID := make(map[uuid.UUID]*models.User, len(users))
	for i, u := range users {
		ids[i] = u.ID
		byID[u.ID] = u
	}

	rows, err := r.db.querier(ctx).QueryContext(ctx,
		`SELECT tm.user_id, tm.team_id
		 FROM team_members tm
		 JOIN teams t ON t.id = tm.team_id
		 WHERE tm.user_id = ANY($1::uuid[]) AND tm.is_agent
		   AND t.call_queue_enabled AND NOT t.inactive`,
		uuidStrings(ids),
	)
	if err != nil {
		return fmt.Errorf("querying user teams: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID, teamID uuid.UUID
		if err := rows.Scan(&userID, &teamID); err != nil {
			return fmt.Errorf("scanning user team: %w", err)
		}
		if u, ok := byID[userID]; ok {
			u.TeamIDs = append(u.TeamIDs, teamID)
		}
	}
	return rows.Err()
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user     models.User
		sipRaw   []byte
		extRaw   []byte
		lastCall sql.NullTime
	)
	err := row.Scan(&user.ID, &user.FullName, &user.Status, &sipRaw, &extRaw,
		&user.LockedForCallQueueRouting, &lastCall)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	if err := json.Unmarshal(sipRaw, &user.SipEndpoints); err != nil {
		return nil, fmt.Errorf("decoding sip endpoints: %w", err)
	}
	if err := json.Unmarshal(extRaw, &user.ExternalPhones); err != nil {
		return nil, fmt.Errorf("decoding external phones: %w", err)
	}
	if lastCall.Valid {
		t := lastCall.Time
		user.LastCallTime = &t
	}
	return &user, nil
}

func scanUsers(rows *sql.Rows) ([]models.User, error) {
	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}
