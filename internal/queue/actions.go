package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database"
	"github.com/max-tl-2000/red-callqueue/internal/database/models"
	"github.com/max-tl-2000/red-callqueue/internal/notify"
	"github.com/max-tl-2000/red-callqueue/internal/provider"
)

func notifyRoutingForComm(comm *models.Communication) notify.Routing {
	return notify.Routing{TeamIDs: comm.Teams}
}

// Actions are the single-call side effects shared by the handler's exit
// paths: marking a call missed, assigning a party owner, and transferring
// the caller leg to voicemail or an external number. Transfers talk to
// the provider and must not be invoked inside a storage transaction.
type Actions struct {
	comms    database.CommunicationRepository
	parties  database.PartyRepository
	teams    database.TeamRepository
	provider provider.Ops
	notifier Notifier
	urls     URLBuilder
	logger   *slog.Logger
}

// NewActions wires the action set.
func NewActions(
	comms database.CommunicationRepository,
	parties database.PartyRepository,
	teams database.TeamRepository,
	ops provider.Ops,
	notifier Notifier,
	urls URLBuilder,
	logger *slog.Logger,
) *Actions {
	return &Actions{
		comms:    comms,
		parties:  parties,
		teams:    teams,
		provider: ops,
		notifier: notifier,
		urls:     urls,
		logger:   logger.With("component", "queue_actions"),
	}
}

// MarkCallAsMissed stamps the communication as a missed call and flags it
// unread so every associated party sees the notification.
func (a *Actions) MarkCallAsMissed(ctx context.Context, commID uuid.UUID, reason models.MissedCallReason) (*models.Communication, error) {
	unread := true
	comm, err := a.comms.Update(ctx, commID, models.CommDelta{
		Unread: &unread,
		Message: map[string]any{
			"isMissed":         true,
			"missedCallReason": string(reason),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marking call %s as missed: %w", commID, err)
	}

	a.notifier.Notify(notify.EventMissedCall, map[string]any{
		"commId":   commID,
		"partyIds": comm.Parties,
		"reason":   reason,
	}, notifyRoutingForComm(comm))

	return comm, nil
}

// PartyAssignment is the result of resolving a call's party owner.
type PartyAssignment struct {
	PartyID uuid.UUID
	UserID  *uuid.UUID
}

// AssignCallPartyAccordingToRoutingStrategy gives the calling party the
// routing target's default owner, but only when the party has no owner
// yet. Calling it again for an owned party is a no-op.
func (a *Actions) AssignCallPartyAccordingToRoutingStrategy(ctx context.Context, commID uuid.UUID) (PartyAssignment, error) {
	comm, err := a.comms.LoadByID(ctx, commID)
	if err != nil {
		return PartyAssignment{}, fmt.Errorf("loading communication %s: %w", commID, err)
	}
	if len(comm.Parties) == 0 {
		return PartyAssignment{}, nil
	}

	parties, err := a.parties.GetByIDs(ctx, comm.Parties)
	if err != nil {
		return PartyAssignment{}, fmt.Errorf("loading parties for %s: %w", commID, err)
	}
	if len(parties) == 0 {
		return PartyAssignment{}, nil
	}
	party := parties[0]

	if party.OwnerID != nil {
		return PartyAssignment{PartyID: party.ID, UserID: party.OwnerID}, nil
	}

	if len(comm.Teams) == 0 {
		return PartyAssignment{PartyID: party.ID}, nil
	}
	team, err := a.teams.GetByID(ctx, comm.Teams[0])
	if err != nil {
		return PartyAssignment{}, fmt.Errorf("loading team for %s: %w", commID, err)
	}
	if team == nil || team.DefaultOwnerID == nil {
		return PartyAssignment{PartyID: party.ID}, nil
	}

	assigned, err := a.parties.AssignOwnerIfNone(ctx, party.ID, *team.DefaultOwnerID)
	if err != nil {
		return PartyAssignment{}, fmt.Errorf("assigning owner to party %s: %w", party.ID, err)
	}
	if !assigned {
		// Lost the race to another assignment, reload the winner.
		current, err := a.parties.GetByIDs(ctx, []uuid.UUID{party.ID})
		if err != nil || len(current) == 0 {
			return PartyAssignment{PartyID: party.ID}, err
		}
		return PartyAssignment{PartyID: party.ID, UserID: current[0].OwnerID}, nil
	}

	return PartyAssignment{PartyID: party.ID, UserID: team.DefaultOwnerID}, nil
}

// TransferCallToVoicemail redirects the caller leg to the voicemail flow.
// It returns false without side effects when the call already ended; true
// means the transfer was issued, not that a message was left.
func (a *Actions) TransferCallToVoicemail(ctx context.Context, commID uuid.UUID, messageType models.VoiceMessageType) (bool, error) {
	return a.transferCall(ctx, commID, func(c *models.Communication) string {
		return a.urls.Voicemail(commID, messageType)
	}, map[string]any{"transferredToVoiceMail": true})
}

// TransferCallToNumber redirects the caller leg to an external number.
func (a *Actions) TransferCallToNumber(ctx context.Context, commID uuid.UUID, number string) (bool, error) {
	return a.transferCall(ctx, commID, func(c *models.Communication) string {
		return a.urls.TransferToNumber(commID, number)
	}, map[string]any{"transferredToNumber": number})
}

func (a *Actions) transferCall(ctx context.Context, commID uuid.UUID, target func(*models.Communication) string, stamp map[string]any) (bool, error) {
	comm, err := a.comms.LoadByID(ctx, commID)
	if err != nil {
		return false, fmt.Errorf("loading communication %s: %w", commID, err)
	}

	live, err := a.provider.GetLiveCall(ctx, comm.MessageID)
	if err != nil {
		return false, fmt.Errorf("checking live call for %s: %w", commID, err)
	}
	if live == nil {
		a.logger.Info("call ended before transfer", "comm_id", commID)
		return false, nil
	}

	if err := a.provider.TransferCall(ctx, comm.MessageID, target(comm)); err != nil {
		a.logger.Warn("failed to transfer call, it might have just ended",
			"comm_id", commID, "error", err)
		return false, nil
	}

	if _, err := a.comms.Update(ctx, commID, models.CommDelta{Message: stamp}); err != nil {
		return true, fmt.Errorf("stamping communication %s after transfer: %w", commID, err)
	}
	return true, nil
}

// HandleCallbackRequest marks the communication with the caller's
// callback request. The caller leg ends on its own after the IVR ack.
func (a *Actions) HandleCallbackRequest(ctx context.Context, commID uuid.UUID) error {
	if _, err := a.comms.Update(ctx, commID, models.CommDelta{
		Message: map[string]any{"callBackRequested": true},
	}); err != nil {
		return fmt.Errorf("recording callback request for %s: %w", commID, err)
	}
	return nil
}

// HandleVoicemailRequest transfers the caller to voicemail on their own
// request.
func (a *Actions) HandleVoicemailRequest(ctx context.Context, commID uuid.UUID) (bool, error) {
	return a.TransferCallToVoicemail(ctx, commID, models.VoiceMessageVoicemail)
}

// HandleTransferToNumberRequest transfers the caller to an external
// number on their own request.
func (a *Actions) HandleTransferToNumberRequest(ctx context.Context, commID uuid.UUID, number string) (bool, error) {
	return a.TransferCallToNumber(ctx, commID, number)
}
