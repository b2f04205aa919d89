package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/bus"
	"github.com/max-tl-2000/red-callqueue/internal/database"
	"github.com/max-tl-2000/red-callqueue/internal/database/models"
	"github.com/max-tl-2000/red-callqueue/internal/notify"
)

// ScheduleFunc runs fn after d. Injectable so tests fire timers
// synchronously.
type ScheduleFunc func(d time.Duration, fn func())

// Handler consumes the queue transition messages and drives a call from
// enqueued to one of its terminal states. Every handler tolerates
// duplicate and out-of-order delivery: a transition whose row is already
// gone is a benign no-op, never an error. Storage mutations run inside
// one transaction per transition; provider calls run after commit with
// compensating cleanup when a race is discovered.
type Handler struct {
	db       database.TxRunner
	store    database.QueueStoreRepository
	stats    database.QueueStatsRepository
	teams    database.TeamRepository
	users    database.UserRepository
	comms    database.CommunicationRepository
	service  *Service
	actions  *Actions
	bus      Publisher
	notifier Notifier
	presence Presence
	cfg      Config
	logger   *slog.Logger

	// schedule and armTimeout are swappable for tests.
	schedule   ScheduleFunc
	armTimeout func(commID, teamID uuid.UUID, after time.Duration)
	clock      func() time.Time
}

// NewHandler wires the state machine.
func NewHandler(
	db database.TxRunner,
	store database.QueueStoreRepository,
	stats database.QueueStatsRepository,
	teams database.TeamRepository,
	users database.UserRepository,
	comms database.CommunicationRepository,
	service *Service,
	actions *Actions,
	publisher Publisher,
	notifier Notifier,
	presence Presence,
	cfg Config,
	logger *slog.Logger,
) *Handler {
	h := &Handler{
		db:       db,
		store:    store,
		stats:    stats,
		teams:    teams,
		users:    users,
		comms:    comms,
		service:  service,
		actions:  actions,
		bus:      publisher,
		notifier: notifier,
		presence: presence,
		cfg:      cfg,
		logger:   logger.With("component", "queue_handler"),
		clock:    time.Now,
	}
	h.schedule = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	h.armTimeout = func(commID, teamID uuid.UUID, after time.Duration) {
		h.schedule(after, func() {
			if err := h.sendTimeoutMessage(context.Background(), commID, teamID); err != nil {
				h.logger.Error("failed to publish queue timeout", "comm_id", commID, "error", err)
			}
		})
	}
	return h
}

// SetScheduleFunc replaces the timer used for timeouts and availability
// debouncing.
func (h *Handler) SetScheduleFunc(fn ScheduleFunc) {
	h.schedule = fn
	h.armTimeout = func(commID, teamID uuid.UUID, after time.Duration) {
		fn(after, func() {
			if err := h.sendTimeoutMessage(context.Background(), commID, teamID); err != nil {
				h.logger.Error("failed to publish queue timeout", "comm_id", commID, "error", err)
			}
		})
	}
}

// Register subscribes every transition handler on the bus.
func (h *Handler) Register(sub bus.Subscriber) {
	sub.Subscribe(TopicCallEnqueued, decode(h.logger, h.CallEnqueued))
	sub.Subscribe(TopicCallReadyForDequeue, decode(h.logger, h.CallReadyForDequeue))
	sub.Subscribe(TopicCallQueueTimeout, decode(h.logger, h.CallQueueTimeExpired))
	sub.Subscribe(TopicCallbackRequested, decode(h.logger, h.CallbackRequested))
	sub.Subscribe(TopicVoicemailRequested, decode(h.logger, h.VoicemailRequested))
	sub.Subscribe(TopicTransferToNumberRequested, decode(h.logger, h.TransferToNumberRequested))
	sub.Subscribe(TopicHangup, decode(h.logger, h.CallHungUp))
	sub.Subscribe(TopicEndOfDay, decode(h.logger, h.HandleEndOfDay))
	sub.Subscribe(TopicAgentsOffline, decode(h.logger, h.HandleAllAgentsOffline))
	sub.Subscribe(TopicUserAvailable, decode(h.logger, h.HandleUserAvailable))
}

// decode unmarshals the payload and dispatches to a typed handler. A
// payload that cannot be decoded is a contract violation: redelivery
// cannot help, so the result is fatal and goes straight to the bus's
// dead-letter handling.
func decode[T any](logger *slog.Logger, fn func(ctx context.Context, msg T) bus.Result) bus.HandlerFunc {
	return func(ctx context.Context, payload []byte) bus.Result {
		var msg T
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Error("undecodable queue message", "error", err, "payload", string(payload))
			return bus.Result{Processed: false, Fatal: true}
		}
		return fn(ctx, msg)
	}
}

func (h *Handler) sendTimeoutMessage(ctx context.Context, commID, teamID uuid.UUID) error {
	return h.bus.Publish(ctx, TopicCallQueueTimeout, commID.String(), TimeoutMessage{
		CommID: commID,
		TeamID: teamID,
	})
}

// CallEnqueued inserts the queue row (locked, so the caller finishes the
// greeting before the first dequeue attempt) and its statistics row, then
// arms the voicemail timeout. Errors are logged and the message still
// acknowledged: redelivering an enqueue with a delay would desynchronize
// the caller-facing IVR state.
func (h *Handler) CallEnqueued(ctx context.Context, msg EnqueuedMessage) bus.Result {
	h.logger.Info("handling call enqueued",
		"comm_id", msg.CommID, "team_id", msg.TeamID, "transferred_from", msg.TransferredFrom)

	err := h.db.RunInTx(ctx, func(ctx context.Context) error {
		var declined []uuid.UUID
		if msg.TransferredFrom != nil {
			declined = []uuid.UUID{*msg.TransferredFrom}
		}
		if err := h.store.AddCallToQueue(ctx, &models.QueuedCall{
			CommID:            msg.CommID,
			TeamID:            msg.TeamID,
			LockedForDequeue:  true,
			DeclinedByUserIDs: declined,
		}); err != nil {
			return err
		}
		return h.stats.AddCallQueueStats(ctx, msg.CommID, h.clock())
	})
	if err != nil {
		h.logger.Error("failed to enqueue call", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: true}
	}

	h.service.NotifyQueueCountChanged(ctx, []uuid.UUID{msg.TeamID})

	team, err := h.teams.GetByID(ctx, msg.TeamID)
	if err != nil || team == nil {
		h.logger.Error("failed to load team for queue timeout", "team_id", msg.TeamID, "error", err)
		return bus.Result{Processed: true}
	}
	h.armTimeout(msg.CommID, msg.TeamID, time.Duration(team.TimeToVoiceMail)*time.Second)

	return bus.Result{Processed: true}
}

// CallReadyForDequeue unlocks the row for the next dequeue attempt. A
// missing row means the call was already handled elsewhere. An expired
// queue window turns into a timeout message; a call declined by every
// online agent goes straight to voicemail.
func (h *Handler) CallReadyForDequeue(ctx context.Context, msg ReadyForDequeueMessage) bus.Result {
	h.logger.Info("handling call ready for dequeue",
		"comm_id", msg.CommID, "declined_by", msg.DeclinedByUserID)

	var (
		shouldDequeue bool
		declinedByAll *models.QueuedCall
	)
	err := h.db.RunInTx(ctx, func(ctx context.Context) error {
		call, err := h.store.UnlockCallForDequeue(ctx, msg.CommID, msg.DeclinedByUserID)
		if err != nil {
			return err
		}
		if call == nil {
			h.logger.Info("call to unlock no longer in queue", "comm_id", msg.CommID)
			return nil
		}

		team, err := h.teams.GetByID(ctx, call.TeamID)
		if err != nil {
			return err
		}

		expiration := call.CreatedAt.Add(time.Duration(team.TimeToVoiceMail) * time.Second)
		if expiration.Before(h.clock()) {
			h.logger.Info("queue time expired for unlocked call", "comm_id", msg.CommID)
			return h.sendTimeoutMessage(ctx, call.CommID, call.TeamID)
		}

		agents, err := h.users.GetAgentsForPhoneCallsByTeamID(ctx, call.TeamID)
		if err != nil {
			return err
		}
		var remaining int
		for _, agent := range agents {
			if h.presence.IsUserOnline(agent.ID) && !call.HasDeclined(agent.ID) {
				remaining++
			}
		}
		if remaining == 0 {
			h.logger.Info("queued call was declined by all online agents, sending to voicemail",
				"comm_id", msg.CommID, "declined_by", call.DeclinedByUserIDs)
			declinedByAll, err = h.store.RemoveCallFromQueue(ctx, msg.CommID)
			return err
		}

		shouldDequeue = true
		return nil
	})
	if err != nil {
		h.logger.Error("failed to handle call ready for dequeue", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: false}
	}

	if declinedByAll != nil {
		if err := h.finishMissedCall(ctx, declinedByAll, models.MissedReasonDeclinedByAll, models.VoiceMessageQueueUnavailable); err != nil {
			h.logger.Error("failed to voicemail declined-by-all call", "comm_id", msg.CommID, "error", err)
			return bus.Result{Processed: false}
		}
	}
	if shouldDequeue {
		if err := h.dequeue(ctx, nil); err != nil {
			h.logger.Error("dequeue scan failed", "comm_id", msg.CommID, "error", err)
			return bus.Result{Processed: false}
		}
	}
	return bus.Result{Processed: true}
}

// finishMissedCall is the shared terminal path for a removed call that
// never reached an agent: hang up outstanding legs, mark missed, assign
// the party owner, attempt the voicemail transfer, and close the stats
// row.
func (h *Handler) finishMissedCall(ctx context.Context, removed *models.QueuedCall, reason models.MissedCallReason, messageType models.VoiceMessageType) error {
	h.service.HangupCalls(ctx, removed.AllFiredCalls())

	if _, err := h.actions.MarkCallAsMissed(ctx, removed.CommID, reason); err != nil {
		return err
	}
	if _, err := h.actions.AssignCallPartyAccordingToRoutingStrategy(ctx, removed.CommID); err != nil {
		return err
	}

	transferred, err := h.actions.TransferCallToVoicemail(ctx, removed.CommID, messageType)
	if err != nil {
		return err
	}

	now := h.clock()
	if err := h.stats.UpdateCallQueueStatsByCommID(ctx, removed.CommID, models.StatsDelta{
		TransferredToVoiceMail: &transferred,
		ExitTime:               &now,
	}); err != nil {
		return err
	}

	h.service.NotifyQueueCountChanged(ctx, []uuid.UUID{removed.TeamID})
	return nil
}

// dequeue locks the eligible agents, groups them by team, and routes the
// oldest waiting calls by each team's strategy. Locked agents are always
// unlocked on exit, whatever happened in between.
func (h *Handler) dequeue(ctx context.Context, userID *uuid.UUID) (err error) {
	h.logger.Info("entering call dequeue process", "user_id", userID)

	locked, err := h.users.LockAgentsForCallQueueRouting(ctx)
	if err != nil {
		return fmt.Errorf("locking agents for routing: %w", err)
	}
	defer func() {
		ids := make([]uuid.UUID, len(locked))
		for i, u := range locked {
			ids[i] = u.ID
		}
		if unlockErr := h.users.UnlockAgentsForCallQueueRouting(ctx, ids); unlockErr != nil {
			h.logger.Error("failed to unlock agents after dequeue", "user_ids", ids, "error", unlockErr)
			if err == nil {
				err = unlockErr
			}
		}
	}()

	var online []models.User
	for _, user := range locked {
		if user.Status == models.UserStatusAvailable && h.presence.IsUserOnline(user.ID) {
			online = append(online, user)
		}
	}
	if len(online) == 0 {
		h.logger.Info("no agents are available for taking queued calls")
		return nil
	}

	usersByTeam := make(map[uuid.UUID][]models.User)
	for _, user := range online {
		for _, teamID := range user.TeamIDs {
			usersByTeam[teamID] = append(usersByTeam[teamID], user)
		}
	}

	targetedTeams, err := h.store.GetTargetedTeamsSortedByCallTime(ctx)
	if err != nil {
		return fmt.Errorf("loading targeted teams: %w", err)
	}

	for _, teamID := range targetedTeams {
		teamUsers := usersByTeam[teamID]
		if len(teamUsers) == 0 {
			continue
		}

		team, err := h.teams.GetByID(ctx, teamID)
		if err != nil {
			return fmt.Errorf("loading team %s: %w", teamID, err)
		}

		booked, err := h.store.GetBookedUsers(ctx)
		if err != nil {
			return fmt.Errorf("loading booked users: %w", err)
		}
		bookedSet := make(map[uuid.UUID]bool, len(booked))
		for _, id := range booked {
			bookedSet[id] = true
		}

		var userIDs []uuid.UUID
		for _, user := range teamUsers {
			if !bookedSet[user.ID] {
				userIDs = append(userIDs, user.ID)
			}
		}
		if len(userIDs) == 0 {
			h.logger.Info("all available users for team are booked for other calls", "team_id", teamID)
			continue
		}

		if err := h.callAgentsByTeamStrategy(ctx, userIDs, teamID, team.CallRoutingStrategy); err != nil {
			return err
		}
	}
	return nil
}

// callAgentsByTeamStrategy routes one team's oldest waiting calls.
//
// EVERYBODY locks the single oldest call not declined by the whole
// candidate set and fires it at every non-declining candidate, then
// retries with the decliners in case an older call should go to them.
// The candidate set shrinks every round, bounding the loop.
//
// ROUND_ROBIN treats each candidate independently: the agent gets the
// oldest unlocked call across all their queue-enabled teams that they
// have not declined and that is not destined for another free agent.
func (h *Handler) callAgentsByTeamStrategy(ctx context.Context, userIDs []uuid.UUID, teamID uuid.UUID, strategy models.RoutingStrategy) error {
	h.logger.Info("calling agents for queued calls by strategy",
		"team_id", teamID, "strategy", strategy, "user_ids", userIDs)

	switch strategy {
	case models.RoutingEverybody:
		candidates := userIDs
		for len(candidates) > 0 {
			res, err := h.store.LockCallForDequeueForMultipleUsers(ctx, teamID, candidates)
			if err != nil {
				return fmt.Errorf("locking call for team %s: %w", teamID, err)
			}
			if res == nil || res.Call == nil {
				return nil
			}
			if len(res.UsersThatCanBeCalled) > 0 {
				if err := h.service.CallAgentsForQueue(ctx, res.UsersThatCanBeCalled, res.Call.CommID); err != nil {
					return err
				}
			}
			if len(res.UsersThatDeclined) == 0 || len(res.UsersThatDeclined) >= len(candidates) {
				return nil
			}
			candidates = res.UsersThatDeclined
		}
		return nil

	default: // ROUND_ROBIN
		for _, userID := range userIDs {
			var others []uuid.UUID
			for _, id := range userIDs {
				if id != userID {
					others = append(others, id)
				}
			}

			teams, err := h.teams.GetTeamsWhereUserIsAgent(ctx, userID)
			if err != nil {
				return fmt.Errorf("loading teams for user %s: %w", userID, err)
			}
			var teamIDs []uuid.UUID
			for _, t := range teams {
				if t.CallQueueEnabled {
					teamIDs = append(teamIDs, t.ID)
				}
			}
			if len(teamIDs) == 0 {
				continue
			}

			call, err := h.store.LockCallForDequeueForOneUser(ctx, teamIDs, userID, others)
			if err != nil {
				return fmt.Errorf("locking call for user %s: %w", userID, err)
			}
			if call == nil {
				continue
			}
			if err := h.service.CallAgentsForQueue(ctx, []uuid.UUID{userID}, call.CommID); err != nil {
				return err
			}
		}
		return nil
	}
}

// CallbackRequested removes the call from the queue and records the
// caller's callback request.
func (h *Handler) CallbackRequested(ctx context.Context, msg CallbackMessage) bus.Result {
	h.logger.Info("handling callback requested", "comm_id", msg.CommID)

	removed, res := h.removeQueuedCall(ctx, msg.CommID)
	if removed == nil {
		return res
	}

	h.service.HangupCalls(ctx, removed.AllFiredCalls())

	if err := h.actions.HandleCallbackRequest(ctx, msg.CommID); err != nil {
		h.logger.Error("failed to record callback request", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: false}
	}

	action := models.ActionCallBack
	now := h.clock()
	if err := h.stats.UpdateCallQueueStatsByCommID(ctx, msg.CommID, models.StatsDelta{
		CallerRequestedAction: &action,
		CallBackTime:          &now,
		ExitTime:              &now,
	}); err != nil {
		h.logger.Error("failed to update stats on callback request", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: false}
	}

	h.service.NotifyQueueCountChanged(ctx, []uuid.UUID{removed.TeamID})
	return bus.Result{Processed: true}
}

// VoicemailRequested removes the call from the queue and transfers the
// caller to voicemail.
func (h *Handler) VoicemailRequested(ctx context.Context, msg VoicemailMessage) bus.Result {
	h.logger.Info("handling voicemail requested", "comm_id", msg.CommID)

	removed, res := h.removeQueuedCall(ctx, msg.CommID)
	if removed == nil {
		return res
	}

	h.service.HangupCalls(ctx, removed.AllFiredCalls())

	transferred, err := h.actions.HandleVoicemailRequest(ctx, msg.CommID)
	if err != nil {
		h.logger.Error("failed to transfer to voicemail on request", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: false}
	}

	action := models.ActionVoicemail
	now := h.clock()
	if err := h.stats.UpdateCallQueueStatsByCommID(ctx, msg.CommID, models.StatsDelta{
		CallerRequestedAction:  &action,
		TransferredToVoiceMail: &transferred,
		ExitTime:               &now,
	}); err != nil {
		h.logger.Error("failed to update stats on voicemail request", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: false}
	}

	h.service.NotifyQueueCountChanged(ctx, []uuid.UUID{removed.TeamID})
	return bus.Result{Processed: true}
}

// TransferToNumberRequested removes the call from the queue and
// transfers the caller to the requested number.
func (h *Handler) TransferToNumberRequested(ctx context.Context, msg TransferToNumberMessage) bus.Result {
	h.logger.Info("handling transfer to number requested", "comm_id", msg.CommID, "number", msg.Number)

	removed, res := h.removeQueuedCall(ctx, msg.CommID)
	if removed == nil {
		return res
	}

	h.service.HangupCalls(ctx, removed.AllFiredCalls())

	transferred, err := h.actions.HandleTransferToNumberRequest(ctx, msg.CommID, msg.Number)
	if err != nil {
		h.logger.Error("failed to transfer to number on request", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: false}
	}
	if !transferred {
		return bus.Result{Processed: true}
	}

	action := models.ActionTransferToNumber
	now := h.clock()
	if err := h.stats.UpdateCallQueueStatsByCommID(ctx, msg.CommID, models.StatsDelta{
		CallerRequestedAction: &action,
		ExitTime:              &now,
		Metadata:              map[string]any{"transferToNumber": msg.Number},
	}); err != nil {
		h.logger.Error("failed to update stats on transfer request", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: false}
	}

	h.service.NotifyQueueCountChanged(ctx, []uuid.UUID{removed.TeamID})
	return bus.Result{Processed: true}
}

// removeQueuedCall removes the row inside a transaction. A nil call with
// Processed true means the row was already gone.
func (h *Handler) removeQueuedCall(ctx context.Context, commID uuid.UUID) (*models.QueuedCall, bus.Result) {
	var removed *models.QueuedCall
	err := h.db.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		removed, err = h.store.RemoveCallFromQueue(ctx, commID)
		return err
	})
	if err != nil {
		h.logger.Error("failed to remove call from queue", "comm_id", commID, "error", err)
		return nil, bus.Result{Processed: false}
	}
	return removed, bus.Result{Processed: true}
}

// CallHungUp handles the waiting caller giving up. When the row still
// exists the call is a missed call; when it is already gone a concurrent
// dequeue answered it, and only the completion event is emitted so
// downstream task logic still runs.
func (h *Handler) CallHungUp(ctx context.Context, msg HangupMessage) bus.Result {
	h.logger.Info("handling call that was hung up", "comm_id", msg.CommID)

	removed, res := h.removeQueuedCall(ctx, msg.CommID)
	if !res.Processed {
		return res
	}

	if removed == nil {
		comm, err := h.comms.LoadByID(ctx, msg.CommID)
		if err != nil {
			h.logger.Error("failed to load communication after hangup", "comm_id", msg.CommID, "error", err)
			return bus.Result{Processed: false}
		}
		h.notifier.Notify(notify.EventCommunicationCompleted, map[string]any{
			"commId":   comm.ID,
			"partyIds": comm.Parties,
			"userId":   comm.UserID,
		}, notifyRoutingForComm(comm))
		return bus.Result{Processed: true}
	}

	comm, err := h.actions.MarkCallAsMissed(ctx, msg.CommID, models.MissedReasonNormalQueue)
	if err != nil {
		h.logger.Error("failed to mark hung up call as missed", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: false}
	}

	h.service.HangupCalls(ctx, removed.AllFiredCalls())

	assignment, err := h.actions.AssignCallPartyAccordingToRoutingStrategy(ctx, msg.CommID)
	if err != nil {
		h.logger.Error("failed to assign party owner after hangup", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: false}
	}
	h.notifier.Notify(notify.EventCommunicationCompleted, map[string]any{
		"commId":  comm.ID,
		"partyId": assignment.PartyID,
		"userId":  assignment.UserID,
	}, notifyRoutingForComm(comm))

	hangUp := true
	now := h.clock()
	if err := h.stats.UpdateCallQueueStatsByCommID(ctx, msg.CommID, models.StatsDelta{
		HangUp:   &hangUp,
		ExitTime: &now,
	}); err != nil {
		h.logger.Error("failed to update stats after hangup", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: false}
	}

	h.service.NotifyQueueCountChanged(ctx, []uuid.UUID{removed.TeamID})
	return bus.Result{Processed: true}
}

// CallQueueTimeExpired removes the call unless a dequeue attempt is in
// flight; an in-flight connect always wins the timer race.
func (h *Handler) CallQueueTimeExpired(ctx context.Context, msg TimeoutMessage) bus.Result {
	h.logger.Info("handling queue time expired", "comm_id", msg.CommID)

	var removed *models.QueuedCall
	err := h.db.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		removed, err = h.store.RemoveCallUnlessLockedForDequeue(ctx, msg.CommID)
		return err
	})
	if err != nil {
		h.logger.Error("failed to remove call from queue on timeout", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: false}
	}
	if removed == nil {
		h.logger.Info("call already dequeued or locked for dequeue", "comm_id", msg.CommID)
		return bus.Result{Processed: true}
	}

	h.logger.Info("call removed from queue because configured time expired", "comm_id", msg.CommID)
	if err := h.finishMissedCall(ctx, removed, models.MissedReasonTimeExpired, models.VoiceMessageQueueUnavailable); err != nil {
		h.logger.Error("failed to voicemail expired call", "comm_id", msg.CommID, "error", err)
		return bus.Result{Processed: false}
	}
	return bus.Result{Processed: true}
}

// HandleEndOfDay sweeps every queued call for teams whose office hours
// ended, sending each caller to the closing voicemail.
func (h *Handler) HandleEndOfDay(ctx context.Context, msg TeamsMessage) bus.Result {
	return h.sweepTeams(ctx, msg.TeamIDs, models.MissedReasonEndOfDay, models.VoiceMessageQueueClosing)
}

// HandleAllAgentsOffline sweeps every queued call for teams whose last
// agent went offline.
func (h *Handler) HandleAllAgentsOffline(ctx context.Context, msg TeamsMessage) bus.Result {
	return h.sweepTeams(ctx, msg.TeamIDs, models.MissedReasonAgentsOffline, models.VoiceMessageQueueUnavailable)
}

func (h *Handler) sweepTeams(ctx context.Context, teamIDs []uuid.UUID, reason models.MissedCallReason, messageType models.VoiceMessageType) bus.Result {
	h.logger.Info("sweeping queued calls for teams", "team_ids", teamIDs, "reason", reason)

	var removed []models.QueuedCall
	err := h.db.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		removed, err = h.store.DequeueCallsByTeamIDs(ctx, teamIDs)
		return err
	})
	if err != nil {
		h.logger.Error("failed to dequeue calls for teams", "team_ids", teamIDs, "error", err)
		return bus.Result{Processed: false}
	}
	if len(removed) == 0 {
		h.logger.Info("no calls to dequeue for teams", "team_ids", teamIDs)
		return bus.Result{Processed: true}
	}

	for i := range removed {
		if err := h.finishMissedCall(ctx, &removed[i], reason, messageType); err != nil {
			h.logger.Error("failed to finish swept call",
				"comm_id", removed[i].CommID, "reason", reason, "error", err)
			return bus.Result{Processed: false}
		}
	}
	return bus.Result{Processed: true}
}

// HandleUserAvailable triggers a dequeue scan after a debounce delay so
// near-simultaneous availability events batch into one scan.
func (h *Handler) HandleUserAvailable(ctx context.Context, msg UserAvailableMessage) bus.Result {
	h.logger.Info("handling user available", "user_id", msg.UserID)

	userID := msg.UserID
	h.schedule(h.cfg.UserAvailabilityDelay, func() {
		if err := h.dequeue(context.Background(), &userID); err != nil {
			h.logger.Error("dequeue after user available failed", "user_id", userID, "error", err)
		}
	})
	return bus.Result{Processed: true}
}
