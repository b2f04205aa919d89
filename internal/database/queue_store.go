package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database/models"
)

// queuedCallColumns is the column list returned by every queued_calls query.
const queuedCallColumns = `id, comm_id, team_id, locked_for_dequeue, declined_by_user_ids, fired_calls_to_agents, created_at`

// queueStore implements QueueStoreRepository over PostgreSQL. All locking
// selections use FOR UPDATE SKIP LOCKED so concurrent consumers never block
// on, or double-claim, the same row.
type queueStore struct {
	db *DB

	// ownerPriorityOffset is how many seconds earlier a call is treated
	// as created when its owning party belongs to the dequeuing agent.
	ownerPriorityOffset int
}

// NewQueueStore creates a QueueStoreRepository. ownerPriorityOffset is the
// FIFO weighting (in seconds) applied to calls owned by the dequeuing agent.
func NewQueueStore(db *DB, ownerPriorityOffset int) QueueStoreRepository {
	return &queueStore{db: db, ownerPriorityOffset: ownerPriorityOffset}
}

func (s *queueStore) AddCallToQueue(ctx context.Context, call *models.QueuedCall) error {
	declined, err := json.Marshal(uuidStrings(call.DeclinedByUserIDs))
	if err != nil {
		return fmt.Errorf("marshalling declined user ids: %w", err)
	}

	err = s.db.querier(ctx).QueryRowContext(ctx,
		`INSERT INTO queued_calls (comm_id, team_id, locked_for_dequeue, declined_by_user_ids)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		call.CommID, call.TeamID, call.LockedForDequeue, declined,
	).Scan(&call.ID, &call.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting queued call: %w", err)
	}
	return nil
}

func (s *queueStore) RemoveCallFromQueue(ctx context.Context, commID uuid.UUID) (*models.QueuedCall, error) {
	return s.scanOne(s.db.querier(ctx).QueryRowContext(ctx,
		`DELETE FROM queued_calls WHERE comm_id = $1
		 RETURNING `+queuedCallColumns, commID,
	))
}

func (s *queueStore) RemoveCallUnlessLockedForDequeue(ctx context.Context, commID uuid.UUID) (*models.QueuedCall, error) {
	return s.scanOne(s.db.querier(ctx).QueryRowContext(ctx,
		`DELETE FROM queued_calls WHERE comm_id = $1 AND NOT locked_for_dequeue
		 RETURNING `+queuedCallColumns, commID,
	))
}

func (s *queueStore) DequeueCallsByTeamIDs(ctx context.Context, teamIDs []uuid.UUID) ([]models.QueuedCall, error) {
	rows, err := s.db.querier(ctx).QueryContext(ctx,
		`DELETE FROM queued_calls WHERE team_id = ANY($1::uuid[])
		 RETURNING `+queuedCallColumns, uuidStrings(teamIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("dequeuing calls by team ids: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

func (s *queueStore) LockCallForDequeueForOneUser(ctx context.Context, teamIDs []uuid.UUID, userID uuid.UUID, otherAvailableUserIDs []uuid.UUID) (*models.QueuedCall, error) {
	return s.scanOne(s.db.querier(ctx).QueryRowContext(ctx,
		`WITH candidate AS (
		   SELECT q.id
		   FROM queued_calls q
		   JOIN communications c ON c.id = q.comm_id
		   WHERE q.team_id = ANY($1::uuid[])
		     AND NOT q.locked_for_dequeue
		     AND NOT q.declined_by_user_ids @> to_jsonb($2::text)
		     AND NOT EXISTS (
		       SELECT 1 FROM parties p
		       WHERE c.parties @> to_jsonb(p.id::text)
		         AND p.owner_id IS NOT NULL
		         AND p.owner_id <> $2::uuid
		         AND p.owner_id::text = ANY($3::text[])
		         AND NOT q.declined_by_user_ids @> to_jsonb(p.owner_id::text)
		     )
		   ORDER BY q.created_at
		     - CASE WHEN EXISTS (
		         SELECT 1 FROM parties p
		         WHERE c.parties @> to_jsonb(p.id::text) AND p.owner_id = $2::uuid)
		       THEN make_interval(secs => $4) ELSE interval '0 seconds' END
		   LIMIT 1
		   FOR UPDATE OF q SKIP LOCKED
		 )
		 UPDATE queued_calls q
		 SET locked_for_dequeue = TRUE
		 FROM candidate
		 WHERE q.id = candidate.id
		 RETURNING q.id, q.comm_id, q.team_id, q.locked_for_dequeue, q.declined_by_user_ids, q.fired_calls_to_agents, q.created_at`,
		uuidStrings(teamIDs), userID.String(), uuidStrings(otherAvailableUserIDs), s.ownerPriorityOffset,
	))
}

func (s *queueStore) LockCallForDequeueForMultipleUsers(ctx context.Context, teamID uuid.UUID, userIDs []uuid.UUID) (*MultiUserLock, error) {
	allUsers, err := json.Marshal(uuidStrings(userIDs))
	if err != nil {
		return nil, fmt.Errorf("marshalling user ids: %w", err)
	}

	call, err := s.scanOne(s.db.querier(ctx).QueryRowContext(ctx,
		`WITH candidate AS (
		   SELECT id FROM queued_calls
		   WHERE team_id = $1
		     AND NOT locked_for_dequeue
		     AND NOT declined_by_user_ids @> $2::jsonb
		   ORDER BY created_at
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE queued_calls q
		 SET locked_for_dequeue = TRUE
		 FROM candidate
		 WHERE q.id = candidate.id
		 RETURNING q.id, q.comm_id, q.team_id, q.locked_for_dequeue, q.declined_by_user_ids, q.fired_calls_to_agents, q.created_at`,
		teamID, allUsers,
	))
	if err != nil {
		return nil, err
	}

	result := &MultiUserLock{Call: call}
	if call == nil {
		return result, nil
	}

	for _, id := range userIDs {
		if call.HasDeclined(id) {
			result.UsersThatDeclined = append(result.UsersThatDeclined, id)
		} else {
			result.UsersThatCanBeCalled = append(result.UsersThatCanBeCalled, id)
		}
	}
	return result, nil
}

func (s *queueStore) AddFiredCallsForUsers(ctx context.Context, commID uuid.UUID, calls map[uuid.UUID][]string) (bool, error) {
	byUser := make(map[string][]string, len(calls))
	for userID, legs := range calls {
		byUser[userID.String()] = legs
	}
	payload, err := json.Marshal(byUser)
	if err != nil {
		return false, fmt.Errorf("marshalling fired calls: %w", err)
	}

	res, err := s.db.querier(ctx).ExecContext(ctx,
		`UPDATE queued_calls
		 SET fired_calls_to_agents = fired_calls_to_agents || $2::jsonb
		 WHERE comm_id = $1`,
		commID, payload,
	)
	if err != nil {
		return false, fmt.Errorf("adding fired calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking fired calls update: %w", err)
	}
	return n > 0, nil
}

func (s *queueStore) TakeFiredCallsForUser(ctx context.Context, commID, userID uuid.UUID) (taken, remaining []string, err error) {
	var takenRaw, remainingRaw []byte
	err = s.db.querier(ctx).QueryRowContext(ctx,
		`WITH prev AS (
		   SELECT id, fired_calls_to_agents FROM queued_calls
		   WHERE comm_id = $1
		   FOR UPDATE
		 )
		 UPDATE queued_calls q
		 SET fired_calls_to_agents = q.fired_calls_to_agents - $2::text
		 FROM prev
		 WHERE q.id = prev.id
		 RETURNING COALESCE(prev.fired_calls_to_agents -> $2::text, '[]'::jsonb), q.fired_calls_to_agents`,
		commID, userID.String(),
	).Scan(&takenRaw, &remainingRaw)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("taking fired calls for user: %w", err)
	}

	if err := json.Unmarshal(takenRaw, &taken); err != nil {
		return nil, nil, fmt.Errorf("decoding taken fired calls: %w", err)
	}
	remainingMap, err := decodeFiredCalls(remainingRaw)
	if err != nil {
		return nil, nil, err
	}
	for _, legs := range remainingMap {
		remaining = append(remaining, legs...)
	}
	return taken, remaining, nil
}

func (s *queueStore) TakeAllFiredCalls(ctx context.Context, commID uuid.UUID) ([]string, error) {
	var prevRaw []byte
	err := s.db.querier(ctx).QueryRowContext(ctx,
		`WITH prev AS (
		   SELECT id, fired_calls_to_agents FROM queued_calls
		   WHERE comm_id = $1
		   FOR UPDATE
		 )
		 UPDATE queued_calls q
		 SET fired_calls_to_agents = '{}'::jsonb
		 FROM prev
		 WHERE q.id = prev.id
		 RETURNING prev.fired_calls_to_agents`,
		commID,
	).Scan(&prevRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taking all fired calls: %w", err)
	}

	byUser, err := decodeFiredCalls(prevRaw)
	if err != nil {
		return nil, err
	}
	var taken []string
	for _, legs := range byUser {
		taken = append(taken, legs...)
	}
	return taken, nil
}

func (s *queueStore) SaveUserThatDeclinedCall(ctx context.Context, commID, userID uuid.UUID) error {
	_, err := s.db.querier(ctx).ExecContext(ctx,
		`UPDATE queued_calls
		 SET declined_by_user_ids = CASE
		   WHEN declined_by_user_ids @> to_jsonb($2::text) THEN declined_by_user_ids
		   ELSE declined_by_user_ids || to_jsonb($2::text)
		 END
		 WHERE comm_id = $1`,
		commID, userID.String(),
	)
	if err != nil {
		return fmt.Errorf("saving declining user: %w", err)
	}
	return nil
}

func (s *queueStore) UnlockCallForDequeue(ctx context.Context, commID uuid.UUID, declinedBy *uuid.UUID) (*models.QueuedCall, error) {
	var decliner sql.NullString
	if declinedBy != nil {
		decliner = sql.NullString{String: declinedBy.String(), Valid: true}
	}

	return s.scanOne(s.db.querier(ctx).QueryRowContext(ctx,
		`UPDATE queued_calls
		 SET locked_for_dequeue = FALSE,
		     declined_by_user_ids = CASE
		       WHEN $2::text IS NULL OR declined_by_user_ids @> to_jsonb($2::text) THEN declined_by_user_ids
		       ELSE declined_by_user_ids || to_jsonb($2::text)
		     END
		 WHERE comm_id = $1
		 RETURNING `+queuedCallColumns,
		commID, decliner,
	))
}

func (s *queueStore) GetTargetedTeamsSortedByCallTime(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.querier(ctx).QueryContext(ctx,
		`SELECT team_id FROM queued_calls GROUP BY team_id ORDER BY MIN(created_at)`)
	if err != nil {
		return nil, fmt.Errorf("querying targeted teams: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning team id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *queueStore) GetBookedUsers(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.querier(ctx).QueryContext(ctx,
		`SELECT DISTINCT k
		 FROM queued_calls, LATERAL jsonb_object_keys(fired_calls_to_agents) AS k`)
	if err != nil {
		return nil, fmt.Errorf("querying booked users: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning booked user: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing booked user id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *queueStore) GetQueuedCallByCommID(ctx context.Context, commID uuid.UUID) (*models.QueuedCall, error) {
	return s.scanOne(s.db.querier(ctx).QueryRowContext(ctx,
		`SELECT `+queuedCallColumns+` FROM queued_calls WHERE comm_id = $1`, commID,
	))
}

func (s *queueStore) GetQueuedCallsByTeamID(ctx context.Context, teamID uuid.UUID) ([]models.QueuedCall, error) {
	rows, err := s.db.querier(ctx).QueryContext(ctx,
		`SELECT `+queuedCallColumns+` FROM queued_calls WHERE team_id = $1 ORDER BY created_at`, teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying queued calls by team: %w", err)
	}
	defer rows.Close()
	return s.scanAll(rows)
}

func (s *queueStore) GetCallQueueCountByTeamIDs(ctx context.Context, teamIDs []uuid.UUID) ([]models.TeamCallQueueCount, error) {
	rows, err := s.db.querier(ctx).QueryContext(ctx,
		`SELECT q.team_id, COUNT(*)
		 FROM queued_calls q
		 JOIN teams t ON t.id = q.team_id
		 WHERE q.team_id = ANY($1::uuid[]) AND NOT t.inactive
		 GROUP BY q.team_id`,
		uuidStrings(teamIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("querying queue counts: %w", err)
	}
	defer rows.Close()

	var counts []models.TeamCallQueueCount
	for rows.Next() {
		var c models.TeamCallQueueCount
		if err := rows.Scan(&c.TeamID, &c.Count); err != nil {
			return nil, fmt.Errorf("scanning queue count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// scanOne scans a single queued call row; sql.ErrNoRows maps to (nil, nil)
// because a missing or skip-locked row is an expected outcome.
func (s *queueStore) scanOne(row *sql.Row) (*models.QueuedCall, error) {
	var (
		call        models.QueuedCall
		declinedRaw []byte
		firedRaw    []byte
	)
	err := row.Scan(&call.ID, &call.CommID, &call.TeamID, &call.LockedForDequeue, &declinedRaw, &firedRaw, &call.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning queued call: %w", err)
	}
	if call.DeclinedByUserIDs, err = decodeUUIDList(declinedRaw); err != nil {
		return nil, err
	}
	if call.FiredCallsToAgents, err = decodeFiredCalls(firedRaw); err != nil {
		return nil, err
	}
	return &call, nil
}

func (s *queueStore) scanAll(rows *sql.Rows) ([]models.QueuedCall, error) {
	var calls []models.QueuedCall
	for rows.Next() {
		var (
			call        models.QueuedCall
			declinedRaw []byte
			firedRaw    []byte
		)
		err := rows.Scan(&call.ID, &call.CommID, &call.TeamID, &call.LockedForDequeue, &declinedRaw, &firedRaw, &call.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning queued call row: %w", err)
		}
		if call.DeclinedByUserIDs, err = decodeUUIDList(declinedRaw); err != nil {
			return nil, err
		}
		if call.FiredCallsToAgents, err = decodeFiredCalls(firedRaw); err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

// uuidStrings converts a uuid slice to its string form for array parameters
// and JSON columns.
func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func decodeUUIDList(raw []byte) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var strs []string
	if err := json.Unmarshal(raw, &strs); err != nil {
		return nil, fmt.Errorf("decoding uuid list: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(strs))
	for _, s := range strs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parsing uuid %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func decodeFiredCalls(raw []byte) (map[uuid.UUID][]string, error) {
	if len(raw) == 0 {
		return map[uuid.UUID][]string{}, nil
	}
	var byUser map[string][]string
	if err := json.Unmarshal(raw, &byUser); err != nil {
		return nil, fmt.Errorf("decoding fired calls: %w", err)
	}
	out := make(map[uuid.UUID][]string, len(byUser))
	for k, legs := range byUser {
		id, err := uuid.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("parsing fired calls user id %q: %w", k, err)
		}
		out[id] = legs
	}
	return out, nil
}
