package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database"
	"github.com/max-tl-2000/red-callqueue/internal/database/models"
)

// IsDuringOfficeHours reports whether t falls inside the team's open
// window for that weekday, evaluated in the team's time zone. A missing
// window or an unloadable time zone means closed.
func IsDuringOfficeHours(team *models.Team, t time.Time) bool {
	loc, err := time.LoadLocation(team.TimeZone)
	if err != nil {
		return false
	}
	local := t.In(loc)

	window, ok := team.OfficeHours[local.Weekday()]
	if !ok || window == (models.OfficeHours{}) {
		return false
	}

	minutes := local.Hour()*60 + local.Minute()
	return minutes >= window.StartMinutes && minutes < window.EndMinutes
}

// EndOfDayScanner watches for teams crossing the end of their office
// hours and publishes the end-of-day sweep for them. It runs from a
// recurring job, so each invocation compares against the previous run
// time to catch a closing that happened between ticks.
type EndOfDayScanner struct {
	teams  database.TeamRepository
	bus    Publisher
	logger *slog.Logger
	clock  func() time.Time
}

// NewEndOfDayScanner wires the scanner.
func NewEndOfDayScanner(teams database.TeamRepository, bus Publisher, logger *slog.Logger) *EndOfDayScanner {
	return &EndOfDayScanner{
		teams:  teams,
		bus:    bus,
		logger: logger.With("component", "end_of_day_scanner"),
		clock:  time.Now,
	}
}

// ClearCallQueueIfEndOfDay publishes the end-of-day sweep for every team
// whose office hours ended since lastRun. A nil lastRun treats every
// currently closed team as having just closed.
func (s *EndOfDayScanner) ClearCallQueueIfEndOfDay(ctx context.Context, lastRun *time.Time) error {
	teams, err := s.teams.GetActiveTeams(ctx)
	if err != nil {
		return fmt.Errorf("loading teams for end-of-day scan: %w", err)
	}
	now := s.clock()

	var closed []uuid.UUID
	for i := range teams {
		team := &teams[i]
		if !team.CallQueueEnabled {
			continue
		}
		wasOpen := true
		if lastRun != nil {
			wasOpen = IsDuringOfficeHours(team, *lastRun)
		}
		if wasOpen && !IsDuringOfficeHours(team, now) {
			closed = append(closed, team.ID)
		}
	}

	if len(closed) == 0 {
		return nil
	}
	s.logger.Info("teams have reached the end of office hours", "team_ids", closed)

	return s.bus.Publish(ctx, TopicEndOfDay, "", TeamsMessage{TeamIDs: closed})
}

// Run invokes the scan on the given interval until the context ends.
func (s *EndOfDayScanner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastRun *time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runAt := s.clock()
			if err := s.ClearCallQueueIfEndOfDay(ctx, lastRun); err != nil {
				s.logger.Error("end-of-day scan failed", "error", err)
			}
			lastRun = &runAt
		}
	}
}
