package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database/models"
)

const teamColumns = `id, name, display_name, time_zone, inactive, call_queue_enabled,
	time_to_voicemail, call_routing_strategy, default_owner_id, office_hours`

// teamRepo implements TeamRepository.
type teamRepo struct {
	db *DB
}

// NewTeamRepository creates a TeamRepository.
func NewTeamRepository(db *DB) TeamRepository {
	return &teamRepo{db: db}
}

func (r *teamRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	return scanTeam(r.db.querier(ctx).QueryRowContext(ctx,
		`SELECT `+teamColumns+` FROM teams WHERE id = $1`, id,
	))
}

func (r *teamRepo) GetTeamsWhereUserIsAgent(ctx context.Context, userID uuid.UUID) ([]models.Team, error) {
	rows, err := r.db.querier(ctx).QueryContext(ctx,
		`SELECT `+teamColumns+`
		 FROM teams t
		 JOIN team_members tm ON tm.team_id = t.id
		 WHERE tm.user_id = $1 AND tm.is_agent AND NOT t.inactive
		 ORDER BY t.name`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying teams for agent: %w", err)
	}
	defer rows.Close()
	return scanTeams(rows)
}

func (r *teamRepo) GetActiveTeams(ctx context.Context) ([]models.Team, error) {
	rows, err := r.db.querier(ctx).QueryContext(ctx,
		`SELECT `+teamColumns+` FROM teams WHERE NOT inactive ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying active teams: %w", err)
	}
	defer rows.Close()
	return scanTeams(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTeam(row rowScanner) (*models.Team, error) {
	var (
		team           models.Team
		ownerID        sql.NullString
		officeHoursRaw []byte
	)
	err := row.Scan(&team.ID, &team.Name, &team.DisplayName, &team.TimeZone,
		&team.Inactive, &team.CallQueueEnabled, &team.TimeToVoiceMail,
		&team.CallRoutingStrategy, &ownerID, &officeHoursRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning team: %w", err)
	}

	if ownerID.Valid {
		id, err := uuid.Parse(ownerID.String)
		if err != nil {
			return nil, fmt.Errorf("parsing team default owner: %w", err)
		}
		team.DefaultOwnerID = &id
	}

	hours, err := decodeOfficeHours(officeHoursRaw)
	if err != nil {
		return nil, err
	}
	team.OfficeHours = hours
	return &team, nil
}

func scanTeams(rows *sql.Rows) ([]models.Team, error) {
	var teams []models.Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, *team)
	}
	return teams, rows.Err()
}

// decodeOfficeHours decodes the JSON office-hours map keyed by weekday
// number (0 = Sunday), matching time.Weekday.
func decodeOfficeHours(raw []byte) (map[time.Weekday]models.OfficeHours, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var byDay map[string]models.OfficeHours
	if err := json.Unmarshal(raw, &byDay); err != nil {
		return nil, fmt.Errorf("decoding office hours: %w", err)
	}
	out := make(map[time.Weekday]models.OfficeHours, len(byDay))
	for k, v := range byDay {
		day, err := strconv.Atoi(k)
		if err != nil || day < 0 || day > 6 {
			return nil, fmt.Errorf("invalid office hours weekday %q", k)
		}
		out[time.Weekday(day)] = v
	}
	return out, nil
}
