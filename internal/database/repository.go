package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database/models"
)

// TxRunner runs a function inside a single storage transaction. Repository
// calls made with the context passed to fn join that transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// MultiUserLock is the result of locking a call for a set of users: the call
// plus the partition of those users by whether they already declined it.
type MultiUserLock struct {
	Call                 *models.QueuedCall
	UsersThatDeclined    []uuid.UUID
	UsersThatCanBeCalled []uuid.UUID
}

// QueueStoreRepository exposes atomic operations over the queued_calls
// table. Locking selections use FOR UPDATE SKIP LOCKED, so a contended row
// yields a nil call rather than blocking; callers treat a nil result as
// "no call available", never as an error.
type QueueStoreRepository interface {
	AddCallToQueue(ctx context.Context, call *models.QueuedCall) error

	// RemoveCallFromQueue deletes the row for commID and returns it, or
	// nil when the call is no longer queued.
	RemoveCallFromQueue(ctx context.Context, commID uuid.UUID) (*models.QueuedCall, error)

	// RemoveCallUnlessLockedForDequeue is the timeout variant: it never
	// clobbers a row with an agent-connect attempt in flight.
	RemoveCallUnlessLockedForDequeue(ctx context.Context, commID uuid.UUID) (*models.QueuedCall, error)

	// DequeueCallsByTeamIDs bulk-removes every queued call for the given
	// teams (end-of-day and agents-offline sweeps).
	DequeueCallsByTeamIDs(ctx context.Context, teamIDs []uuid.UUID) ([]models.QueuedCall, error)

	// LockCallForDequeueForOneUser selects and locks the best candidate
	// row across the given teams for one user: rows the user has not
	// declined, excluding rows owned by other currently-available users
	// unless those users already declined them; a call whose owning
	// party belongs to userID sorts as if created earlier by the
	// configured priority offset.
	LockCallForDequeueForOneUser(ctx context.Context, teamIDs []uuid.UUID, userID uuid.UUID, otherAvailableUserIDs []uuid.UUID) (*models.QueuedCall, error)

	// LockCallForDequeueForMultipleUsers locks the team's oldest call not
	// yet declined by every given user and partitions the users by
	// whether they declined that particular call.
	LockCallForDequeueForMultipleUsers(ctx context.Context, teamID uuid.UUID, userIDs []uuid.UUID) (*MultiUserLock, error)

	// AddFiredCallsForUsers records provider call legs per agent. It
	// returns false when the row disappeared between the agent-call
	// attempt and this persist step.
	AddFiredCallsForUsers(ctx context.Context, commID uuid.UUID, calls map[uuid.UUID][]string) (bool, error)

	// TakeFiredCallsForUser atomically removes and returns one user's
	// fired call legs; remaining holds the legs still outstanding for
	// other users.
	TakeFiredCallsForUser(ctx context.Context, commID, userID uuid.UUID) (taken, remaining []string, err error)

	// TakeAllFiredCalls atomically removes and returns every fired call
	// leg for the queued call.
	TakeAllFiredCalls(ctx context.Context, commID uuid.UUID) ([]string, error)

	// SaveUserThatDeclinedCall appends the user to the call's decline
	// set; a duplicate decline is a no-op.
	SaveUserThatDeclinedCall(ctx context.Context, commID, userID uuid.UUID) error

	// UnlockCallForDequeue clears the dequeue lock, optionally appending
	// a decliner, and returns the row or nil when it is gone.
	UnlockCallForDequeue(ctx context.Context, commID uuid.UUID, declinedBy *uuid.UUID) (*models.QueuedCall, error)

	// GetTargetedTeamsSortedByCallTime returns teams with at least one
	// queued call, oldest call first.
	GetTargetedTeamsSortedByCallTime(ctx context.Context) ([]uuid.UUID, error)

	// GetBookedUsers returns agents with any fired call outstanding.
	GetBookedUsers(ctx context.Context) ([]uuid.UUID, error)

	GetQueuedCallByCommID(ctx context.Context, commID uuid.UUID) (*models.QueuedCall, error)
	GetQueuedCallsByTeamID(ctx context.Context, teamID uuid.UUID) ([]models.QueuedCall, error)

	// GetCallQueueCountByTeamIDs returns waiting-call counts for the
	// given teams, excluding inactive teams.
	GetCallQueueCountByTeamIDs(ctx context.Context, teamIDs []uuid.UUID) ([]models.TeamCallQueueCount, error)
}

// QueueStatsRepository manages queue_statistics rows.
type QueueStatsRepository interface {
	AddCallQueueStats(ctx context.Context, commID uuid.UUID, entryTime time.Time) error
	UpdateCallQueueStatsByCommID(ctx context.Context, commID uuid.UUID, delta models.StatsDelta) error
	GetCallQueueStatsByCommID(ctx context.Context, commID uuid.UUID) (*models.QueueStatistics, error)
}

// TeamRepository reads team configuration.
type TeamRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Team, error)
	GetTeamsWhereUserIsAgent(ctx context.Context, userID uuid.UUID) ([]models.Team, error)

	// GetActiveTeams returns every active team, used by the end-of-day
	// office-hours scan.
	GetActiveTeams(ctx context.Context) ([]models.Team, error)
}

// UserRepository manages agents and their routing state.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateStatusForUsers(ctx context.Context, userIDs []uuid.UUID, status models.UserStatus) error

	// LockAgentsForCallQueueRouting marks every available, not yet
	// locked agent of a call-queue-enabled team as locked for routing
	// and returns them sorted so the agent idle longest comes first.
	LockAgentsForCallQueueRouting(ctx context.Context) ([]models.User, error)
	UnlockAgentsForCallQueueRouting(ctx context.Context, userIDs []uuid.UUID) error

	// GetAgentsForPhoneCallsByTeamID returns the team's agents that are
	// not marked NOT_AVAILABLE. Presence filtering happens above the
	// repository.
	GetAgentsForPhoneCallsByTeamID(ctx context.Context, teamID uuid.UUID) ([]models.User, error)

	GetCallReceivingEndpointsByUsers(ctx context.Context, userIDs []uuid.UUID) ([]models.CallEndpoints, error)
}

// CommunicationRepository manages the external communication records the
// queue subsystem reads and stamps.
type CommunicationRepository interface {
	LoadByID(ctx context.Context, id uuid.UUID) (*models.Communication, error)
	Update(ctx context.Context, id uuid.UUID, delta models.CommDelta) (*models.Communication, error)
}

// PartyRepository manages the calling parties linked to communications.
type PartyRepository interface {
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Party, error)

	// AssignOwnerIfNone sets the party owner only when the party has no
	// owner yet; it reports whether an assignment happened.
	AssignOwnerIfNone(ctx context.Context, partyID, userID uuid.UUID) (bool, error)
}
