package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database"
	"github.com/max-tl-2000/red-callqueue/internal/database/models"
	"github.com/max-tl-2000/red-callqueue/internal/notify"
	"github.com/max-tl-2000/red-callqueue/internal/provider"
	"github.com/max-tl-2000/red-callqueue/internal/voice"
)

// MarkReadyForDequeueFunc publishes the ready-for-dequeue transition for
// a call. It is a field on the service so tests can intercept the
// dequeue trigger.
type MarkReadyForDequeueFunc func(ctx context.Context, commID uuid.UUID, declinedBy *uuid.UUID) error

// Service builds caller-facing wait responses and is the single entry
// point through which webhook handlers push queue work onto the bus.
// Request operations publish a message and return an immediate response
// that keeps the caller leg alive; the actual state change happens in
// the handler, off the webhook's response-time budget.
type Service struct {
	store    database.QueueStoreRepository
	stats    database.QueueStatsRepository
	users    database.UserRepository
	comms    database.CommunicationRepository
	provider provider.Ops
	actions  *Actions
	bus      Publisher
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	markReadyForDequeue MarkReadyForDequeueFunc
}

// NewService wires the queuing service. The ready-for-dequeue trigger
// defaults to publishing on the bus.
func NewService(
	store database.QueueStoreRepository,
	stats database.QueueStatsRepository,
	users database.UserRepository,
	comms database.CommunicationRepository,
	ops provider.Ops,
	actions *Actions,
	bus Publisher,
	notifier Notifier,
	cfg Config,
	logger *slog.Logger,
) *Service {
	s := &Service{
		store:    store,
		stats:    stats,
		users:    users,
		comms:    comms,
		provider: ops,
		actions:  actions,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "queue_service"),
	}
	s.markReadyForDequeue = func(ctx context.Context, commID uuid.UUID, declinedBy *uuid.UUID) error {
		return bus.Publish(ctx, TopicCallReadyForDequeue, commID.String(), ReadyForDequeueMessage{
			CommID:           commID,
			DeclinedByUserID: declinedBy,
		})
	}
	return s
}

// SetMarkReadyForDequeueFunc replaces the dequeue trigger.
func (s *Service) SetMarkReadyForDequeueFunc(fn MarkReadyForDequeueFunc) {
	s.markReadyForDequeue = fn
}

func (s *Service) queueParams(commID, teamID uuid.UUID) voice.QueueParams {
	return voice.QueueParams{
		DigitsURL:       s.cfg.URLs.DigitsPressed(commID, teamID),
		RedirectURL:     s.cfg.URLs.ReadyForDequeue(commID, teamID),
		HoldingMusicURL: s.cfg.URLs.HoldingMusic(s.cfg.HoldingMusicFile),
		WelcomeMessage:  s.cfg.WelcomeMessage,
	}
}

// SendCallToQueue stamps the communication with queue metadata, emits
// the enqueued message, and returns the greeting response for the
// caller.
func (s *Service) SendCallToQueue(ctx context.Context, commID uuid.UUID, team *models.Team, transferredFrom *uuid.UUID) (string, error) {
	s.logger.Info("routing incoming call to call queue",
		"comm_id", commID, "team", team.DisplayName, "transferred_from", transferredFrom)

	if _, err := s.comms.Update(ctx, commID, models.CommDelta{
		Message: map[string]any{
			"targetName":      team.DisplayName,
			"isCallFromQueue": true,
		},
	}); err != nil {
		return "", fmt.Errorf("stamping communication %s for queue: %w", commID, err)
	}

	response, err := voice.InitialResponse(s.queueParams(commID, team.ID))
	if err != nil {
		return "", err
	}

	if err := s.bus.Publish(ctx, TopicCallEnqueued, commID.String(), EnqueuedMessage{
		CommID:          commID,
		TeamID:          team.ID,
		TransferredFrom: transferredFrom,
	}); err != nil {
		return "", fmt.Errorf("publishing enqueued message for %s: %w", commID, err)
	}

	return response, nil
}

// ResponseForQueuedCalls builds the hold-loop response for a waiting
// caller.
func (s *Service) ResponseForQueuedCalls(ctx context.Context, commID, teamID uuid.UUID, playMessageFirst bool) (string, error) {
	return voice.HoldResponse(s.queueParams(commID, teamID), playMessageFirst)
}

// HandleCallReadyForDequeue marks the call ready for a dequeue attempt
// and returns the next hold response. The music plays before the
// announcement so the caller does not hear the greeting twice in a row.
func (s *Service) HandleCallReadyForDequeue(ctx context.Context, commID, teamID uuid.UUID) (string, error) {
	if err := s.MarkCallAsReadyForDequeue(ctx, commID, nil); err != nil {
		return "", err
	}
	return s.ResponseForQueuedCalls(ctx, commID, teamID, false)
}

// MarkCallAsReadyForDequeue triggers the next dequeue attempt for the
// call, optionally recording the agent who declined the previous one.
func (s *Service) MarkCallAsReadyForDequeue(ctx context.Context, commID uuid.UUID, declinedBy *uuid.UUID) error {
	s.logger.Debug("marking call as ready for dequeue", "comm_id", commID, "declined_by", declinedBy)
	return s.markReadyForDequeue(ctx, commID, declinedBy)
}

// SaveUserThatDeclinedCall records a decline with set semantics.
func (s *Service) SaveUserThatDeclinedCall(ctx context.Context, commID, userID uuid.UUID) error {
	return s.store.SaveUserThatDeclinedCall(ctx, commID, userID)
}

// RequestCallback publishes the callback request and returns the
// acknowledgment response.
func (s *Service) RequestCallback(ctx context.Context, commID uuid.UUID) (string, error) {
	if err := s.bus.Publish(ctx, TopicCallbackRequested, commID.String(), CallbackMessage{CommID: commID}); err != nil {
		return "", fmt.Errorf("publishing callback request for %s: %w", commID, err)
	}
	return voice.AckResponse(s.cfg.CallbackAckMessage)
}

// RequestVoicemail publishes the voicemail request. The returned wait
// response keeps the call alive until the asynchronous transfer lands.
func (s *Service) RequestVoicemail(ctx context.Context, commID, teamID uuid.UUID) (string, error) {
	if err := s.bus.Publish(ctx, TopicVoicemailRequested, commID.String(), VoicemailMessage{CommID: commID, TeamID: teamID}); err != nil {
		return "", fmt.Errorf("publishing voicemail request for %s: %w", commID, err)
	}
	return voice.WaitResponse()
}

// RequestTransferToNumber publishes the transfer request. The returned
// wait response keeps the call alive until the asynchronous transfer
// lands.
func (s *Service) RequestTransferToNumber(ctx context.Context, commID uuid.UUID, number string) (string, error) {
	if err := s.bus.Publish(ctx, TopicTransferToNumberRequested, commID.String(), TransferToNumberMessage{CommID: commID, Number: number}); err != nil {
		return "", fmt.Errorf("publishing transfer request for %s: %w", commID, err)
	}
	return voice.WaitResponse()
}

// HandleHangup publishes the caller-hangup transition.
func (s *Service) HandleHangup(ctx context.Context, commID uuid.UUID) error {
	return s.bus.Publish(ctx, TopicHangup, commID.String(), HangupMessage{CommID: commID})
}

// HangupCalls ends provider call legs one by one. Failures are logged
// and skipped; a leg that already ended is not an error worth acting on.
func (s *Service) HangupCalls(ctx context.Context, callIDs []string) {
	for _, id := range callIDs {
		if err := s.provider.HangupCall(ctx, id); err != nil {
			s.logger.Info("failed to hang up fired call, probably already ended",
				"call_id", id, "error", err)
			continue
		}
		s.logger.Debug("hung up call fired for queue", "call_id", id)
	}
}

// HangupCallsFiredForQueue atomically takes one user's (or everyone's)
// fired call legs and hangs up every leg except the one that answered.
func (s *Service) HangupCallsFiredForQueue(ctx context.Context, commID uuid.UUID, exceptCallID string, forUserID *uuid.UUID) (hungUp, remaining []string, err error) {
	var taken []string
	if forUserID != nil {
		taken, remaining, err = s.store.TakeFiredCallsForUser(ctx, commID, *forUserID)
	} else {
		taken, err = s.store.TakeAllFiredCalls(ctx, commID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("taking fired calls for %s: %w", commID, err)
	}

	var toEnd []string
	for _, id := range taken {
		if id != exceptCallID {
			toEnd = append(toEnd, id)
		}
	}
	s.HangupCalls(ctx, toEnd)
	return taken, remaining, nil
}

// CallAgentsForQueue fires one provider call per endpoint class of each
// candidate agent, the destinations within a class joined by '<' so
// they ring simultaneously: SIP endpoints with machine detection
// disabled, external ring phones with detection enabled so an answering
// machine drops the leg. Agents with at least one fired leg are marked
// busy. When no leg fires at all the call falls back to voicemail; when
// the queue row disappeared before the legs could be persisted, every
// fired leg is hung up and the agents restored to available.
func (s *Service) CallAgentsForQueue(ctx context.Context, userIDs []uuid.UUID, commID uuid.UUID) error {
	s.logger.Info("connecting agents for queued call", "comm_id", commID, "user_ids", userIDs)

	comm, err := s.comms.LoadByID(ctx, commID)
	if err != nil {
		return fmt.Errorf("loading communication %s: %w", commID, err)
	}

	endpointsByUser, err := s.users.GetCallReceivingEndpointsByUsers(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("resolving agent endpoints for %s: %w", commID, err)
	}

	from := comm.From()
	if !validCallerID(from) {
		from = RestrictedCallerIDReplacement
	}
	callerName := comm.CallerName()

	callsByAgent := make(map[uuid.UUID][]string)
	var calledUsers []uuid.UUID
	for _, eps := range endpointsByUser {
		answerURL := s.cfg.URLs.AgentCallForQueue(commID, eps.UserID)

		var fired []string
		if len(eps.SipEndpoints) > 0 {
			fired = append(fired, s.fireAgentLeg(ctx, provider.MakeCallParams{
				From:               from,
				To:                 strings.Join(eps.SipEndpoints, "<"),
				CallerName:         callerName,
				AnswerURL:          answerURL,
				RingTimeoutSeconds: s.cfg.RingTimeBeforeVoicemail,
			})...)
		}
		if len(eps.ExternalPhones) > 0 {
			fired = append(fired, s.fireAgentLeg(ctx, provider.MakeCallParams{
				From:                      from,
				To:                        strings.Join(eps.ExternalPhones, "<"),
				CallerName:                callerName,
				AnswerURL:                 answerURL,
				MachineDetection:          "hangup",
				MachineDetectionTimeoutMS: 3000,
				RingTimeoutSeconds:        s.cfg.RingTimeBeforeVoicemail,
			})...)
		}

		callsByAgent[eps.UserID] = fired
		if len(fired) > 0 {
			calledUsers = append(calledUsers, eps.UserID)
			if err := s.users.UpdateStatusForUsers(ctx, []uuid.UUID{eps.UserID}, models.UserStatusBusy); err != nil {
				return fmt.Errorf("marking agent %s busy: %w", eps.UserID, err)
			}
		}
	}

	if len(calledUsers) == 0 {
		s.logger.Error("unable to call any agent for queued call, sending to voicemail",
			"comm_id", commID, "user_ids", userIDs)
		return s.voicemailUnreachableCall(ctx, commID)
	}

	added, err := s.store.AddFiredCallsForUsers(ctx, commID, callsByAgent)
	if err != nil {
		return fmt.Errorf("persisting fired calls for %s: %w", commID, err)
	}
	if !added {
		s.logger.Info("call no longer queued, hanging up legs fired to agents", "comm_id", commID)
		var all []string
		for _, ids := range callsByAgent {
			all = append(all, ids...)
		}
		s.HangupCalls(ctx, all)
		if err := s.users.UpdateStatusForUsers(ctx, calledUsers, models.UserStatusAvailable); err != nil {
			return fmt.Errorf("restoring agent availability for %s: %w", commID, err)
		}
		return nil
	}

	s.logger.Info("calls fired to agent endpoints for queued call",
		"comm_id", commID, "calls_by_agent", len(callsByAgent))
	return nil
}

// fireAgentLeg places one leg, treating provider failures as zero calls
// fired for that endpoint.
func (s *Service) fireAgentLeg(ctx context.Context, params provider.MakeCallParams) []string {
	handle, err := s.provider.MakeCall(ctx, params)
	if err != nil {
		s.logger.Error("error while calling agent for queued call",
			"to", params.To, "error", err)
		return nil
	}
	return []string{handle.ID}
}

// voicemailUnreachableCall is the total-routing-failure fallback: no
// agent leg could be fired, so the caller goes to voicemail and the
// queue row is removed.
func (s *Service) voicemailUnreachableCall(ctx context.Context, commID uuid.UUID) error {
	transferred, err := s.actions.TransferCallToVoicemail(ctx, commID, models.VoiceMessageQueueUnavailable)
	if err != nil {
		return err
	}
	if !transferred {
		return nil
	}

	removed, err := s.store.RemoveCallFromQueue(ctx, commID)
	if err != nil {
		return fmt.Errorf("removing unreachable call %s from queue: %w", commID, err)
	}
	now := time.Now()
	if err := s.stats.UpdateCallQueueStatsByCommID(ctx, commID, models.StatsDelta{
		TransferredToVoiceMail: &transferred,
		ExitTime:               &now,
	}); err != nil {
		return fmt.Errorf("updating stats for %s: %w", commID, err)
	}
	if removed != nil {
		s.NotifyQueueCountChanged(ctx, []uuid.UUID{removed.TeamID})
	}
	return nil
}

// TransferQueuedCallToAgent bridges the waiting caller to the agent who
// answered. It reports false when the caller leg already ended, which
// leaves the race loser to clean up its own fired leg.
func (s *Service) TransferQueuedCallToAgent(ctx context.Context, commID uuid.UUID, userID uuid.UUID, agentCallID string) (bool, error) {
	s.logger.Info("transferring queued call to agent",
		"comm_id", commID, "user_id", userID, "agent_call_id", agentCallID)

	comm, err := s.comms.LoadByID(ctx, commID)
	if err != nil {
		return false, fmt.Errorf("loading communication %s: %w", commID, err)
	}

	live, err := s.provider.GetLiveCall(ctx, comm.MessageID)
	if err != nil {
		return false, fmt.Errorf("checking live call for %s: %w", commID, err)
	}
	if live == nil {
		s.logger.Info("queued call ended before transferring to agent", "comm_id", commID)
		return false, nil
	}

	if err := s.provider.TransferCall(ctx, comm.MessageID, s.cfg.URLs.TransferFromQueue(commID)); err != nil {
		s.logger.Warn("failed to transfer queued call to agent, it might have ended",
			"comm_id", commID, "error", err)
		return false, nil
	}

	if _, _, err := s.HangupCallsFiredForQueue(ctx, commID, agentCallID, nil); err != nil {
		return true, err
	}

	removed, err := s.store.RemoveCallFromQueue(ctx, commID)
	if err != nil {
		return true, fmt.Errorf("removing answered call %s from queue: %w", commID, err)
	}
	now := time.Now()
	if err := s.stats.UpdateCallQueueStatsByCommID(ctx, commID, models.StatsDelta{
		UserID:   &userID,
		ExitTime: &now,
	}); err != nil {
		return true, fmt.Errorf("updating stats for %s: %w", commID, err)
	}
	if removed != nil {
		s.NotifyQueueCountChanged(ctx, []uuid.UUID{removed.TeamID})
	}
	return true, nil
}

// GetLiveFiredCallsForQueuedCall filters the call's fired legs down to
// those still live at the provider.
func (s *Service) GetLiveFiredCallsForQueuedCall(ctx context.Context, commID uuid.UUID) (map[uuid.UUID][]string, error) {
	liveIDs, err := s.provider.GetLiveCalls(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing live calls: %w", err)
	}
	live := make(map[string]bool, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = true
	}

	call, err := s.store.GetQueuedCallByCommID(ctx, commID)
	if err != nil {
		return nil, err
	}

	out := make(map[uuid.UUID][]string)
	if call == nil {
		return out, nil
	}
	for userID, legs := range call.FiredCallsToAgents {
		var alive []string
		for _, id := range legs {
			if live[id] {
				alive = append(alive, id)
			}
		}
		out[userID] = alive
	}
	return out, nil
}

// NotifyQueueCountChanged pushes the current queue counts for the given
// teams to their connected agents.
func (s *Service) NotifyQueueCountChanged(ctx context.Context, teamIDs []uuid.UUID) {
	var valid []uuid.UUID
	for _, id := range teamIDs {
		if id != uuid.Nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		s.logger.Warn("queue count notification requested without team ids")
		return
	}

	counts, err := s.store.GetCallQueueCountByTeamIDs(ctx, valid)
	if err != nil {
		s.logger.Error("failed to load queue counts", "team_ids", valid, "error", err)
		return
	}
	if len(counts) == 0 {
		return
	}
	s.notifier.Notify(notify.EventTeamsCallQueueChanged, map[string]any{
		"teamsCallQueue": counts,
	}, notify.Routing{TeamIDs: valid})
}

// IsCallQueued reports whether the call ever entered the queue.
func (s *Service) IsCallQueued(ctx context.Context, commID uuid.UUID) (bool, error) {
	stats, err := s.stats.GetCallQueueStatsByCommID(ctx, commID)
	if err != nil {
		return false, err
	}
	return stats != nil, nil
}

// GetCallQueueCountByTeamIDs returns waiting-call counts for the teams.
func (s *Service) GetCallQueueCountByTeamIDs(ctx context.Context, teamIDs []uuid.UUID) ([]models.TeamCallQueueCount, error) {
	if len(teamIDs) == 0 {
		return nil, nil
	}
	return s.store.GetCallQueueCountByTeamIDs(ctx, teamIDs)
}
