package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database"
	"github.com/max-tl-2000/red-callqueue/internal/database/models"
	"github.com/max-tl-2000/red-callqueue/internal/notify"
	"github.com/max-tl-2000/red-callqueue/internal/provider"
	"github.com/max-tl-2000/red-callqueue/internal/voice"
)

// fakeTx runs the function directly; the in-memory fakes have no
// transactions to join.
type fakeTx struct {
	err error
}

func (f *fakeTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(ctx)
}

// fakeStore keeps queued calls in memory keyed by comm id. The two
// locking selections are scripted because their ordering rules live in
// SQL; everything else follows the repository contract.
type fakeStore struct {
	calls map[uuid.UUID]*models.QueuedCall
	seq   time.Time

	addErr error

	// multiLocks is popped per LockCallForDequeueForMultipleUsers call.
	multiLocks     []*database.MultiUserLock
	multiLockCalls [][]uuid.UUID

	// oneUserLocks maps a user to the call their next lock attempt wins.
	oneUserLocks   map[uuid.UUID]*models.QueuedCall
	oneUserOthers  map[uuid.UUID][]uuid.UUID
	oneUserTeamIDs map[uuid.UUID][]uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		calls:          make(map[uuid.UUID]*models.QueuedCall),
		seq:            time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		oneUserLocks:   make(map[uuid.UUID]*models.QueuedCall),
		oneUserOthers:  make(map[uuid.UUID][]uuid.UUID),
		oneUserTeamIDs: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *fakeStore) AddCallToQueue(ctx context.Context, call *models.QueuedCall) error {
	if s.addErr != nil {
		return s.addErr
	}
	call.ID = uuid.New()
	s.seq = s.seq.Add(time.Second)
	call.CreatedAt = s.seq
	cp := *call
	s.calls[call.CommID] = &cp
	return nil
}

func (s *fakeStore) RemoveCallFromQueue(ctx context.Context, commID uuid.UUID) (*models.QueuedCall, error) {
	call, ok := s.calls[commID]
	if !ok {
		return nil, nil
	}
	delete(s.calls, commID)
	return call, nil
}

func (s *fakeStore) RemoveCallUnlessLockedForDequeue(ctx context.Context, commID uuid.UUID) (*models.QueuedCall, error) {
	call, ok := s.calls[commID]
	if !ok || call.LockedForDequeue {
		return nil, nil
	}
	delete(s.calls, commID)
	return call, nil
}

func (s *fakeStore) DequeueCallsByTeamIDs(ctx context.Context, teamIDs []uuid.UUID) ([]models.QueuedCall, error) {
	teams := make(map[uuid.UUID]bool, len(teamIDs))
	for _, id := range teamIDs {
		teams[id] = true
	}
	var removed []models.QueuedCall
	for commID, call := range s.calls {
		if teams[call.TeamID] {
			removed = append(removed, *call)
			delete(s.calls, commID)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].CreatedAt.Before(removed[j].CreatedAt) })
	return removed, nil
}

func (s *fakeStore) LockCallForDequeueForOneUser(ctx context.Context, teamIDs []uuid.UUID, userID uuid.UUID, otherAvailableUserIDs []uuid.UUID) (*models.QueuedCall, error) {
	s.oneUserOthers[userID] = otherAvailableUserIDs
	s.oneUserTeamIDs[userID] = teamIDs
	call := s.oneUserLocks[userID]
	if call == nil {
		return nil, nil
	}
	if stored, ok := s.calls[call.CommID]; ok {
		stored.LockedForDequeue = true
	}
	delete(s.oneUserLocks, userID)
	return call, nil
}

func (s *fakeStore) LockCallForDequeueForMultipleUsers(ctx context.Context, teamID uuid.UUID, userIDs []uuid.UUID) (*database.MultiUserLock, error) {
	s.multiLockCalls = append(s.multiLockCalls, userIDs)
	if len(s.multiLocks) == 0 {
		return nil, nil
	}
	res := s.multiLocks[0]
	s.multiLocks = s.multiLocks[1:]
	if res != nil && res.Call != nil {
		if stored, ok := s.calls[res.Call.CommID]; ok {
			stored.LockedForDequeue = true
		}
	}
	return res, nil
}

func (s *fakeStore) AddFiredCallsForUsers(ctx context.Context, commID uuid.UUID, firedCalls map[uuid.UUID][]string) (bool, error) {
	call, ok := s.calls[commID]
	if !ok {
		return false, nil
	}
	if call.FiredCallsToAgents == nil {
		call.FiredCallsToAgents = make(map[uuid.UUID][]string)
	}
	for userID, legs := range firedCalls {
		call.FiredCallsToAgents[userID] = append(call.FiredCallsToAgents[userID], legs...)
	}
	return true, nil
}

func (s *fakeStore) TakeFiredCallsForUser(ctx context.Context, commID, userID uuid.UUID) ([]string, []string, error) {
	call, ok := s.calls[commID]
	if !ok {
		return nil, nil, nil
	}
	taken := call.FiredCallsToAgents[userID]
	delete(call.FiredCallsToAgents, userID)
	var remaining []string
	for _, legs := range call.FiredCallsToAgents {
		remaining = append(remaining, legs...)
	}
	return taken, remaining, nil
}

func (s *fakeStore) TakeAllFiredCalls(ctx context.Context, commID uuid.UUID) ([]string, error) {
	call, ok := s.calls[commID]
	if !ok {
		return nil, nil
	}
	var all []string
	for _, legs := range call.FiredCallsToAgents {
		all = append(all, legs...)
	}
	call.FiredCallsToAgents = nil
	return all, nil
}

func (s *fakeStore) SaveUserThatDeclinedCall(ctx context.Context, commID, userID uuid.UUID) error {
	call, ok := s.calls[commID]
	if !ok {
		return nil
	}
	if !call.HasDeclined(userID) {
		call.DeclinedByUserIDs = append(call.DeclinedByUserIDs, userID)
	}
	return nil
}

func (s *fakeStore) UnlockCallForDequeue(ctx context.Context, commID uuid.UUID, declinedBy *uuid.UUID) (*models.QueuedCall, error) {
	call, ok := s.calls[commID]
	if !ok {
		return nil, nil
	}
	call.LockedForDequeue = false
	if declinedBy != nil && !call.HasDeclined(*declinedBy) {
		call.DeclinedByUserIDs = append(call.DeclinedByUserIDs, *declinedBy)
	}
	cp := *call
	return &cp, nil
}

func (s *fakeStore) GetTargetedTeamsSortedByCallTime(ctx context.Context) ([]uuid.UUID, error) {
	oldest := make(map[uuid.UUID]time.Time)
	for _, call := range s.calls {
		if t, ok := oldest[call.TeamID]; !ok || call.CreatedAt.Before(t) {
			oldest[call.TeamID] = call.CreatedAt
		}
	}
	teams := make([]uuid.UUID, 0, len(oldest))
	for id := range oldest {
		teams = append(teams, id)
	}
	sort.Slice(teams, func(i, j int) bool { return oldest[teams[i]].Before(oldest[teams[j]]) })
	return teams, nil
}

func (s *fakeStore) GetBookedUsers(ctx context.Context) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var booked []uuid.UUID
	for _, call := range s.calls {
		for userID, legs := range call.FiredCallsToAgents {
			if len(legs) > 0 && !seen[userID] {
				seen[userID] = true
				booked = append(booked, userID)
			}
		}
	}
	return booked, nil
}

func (s *fakeStore) GetQueuedCallByCommID(ctx context.Context, commID uuid.UUID) (*models.QueuedCall, error) {
	call, ok := s.calls[commID]
	if !ok {
		return nil, nil
	}
	cp := *call
	return &cp, nil
}

func (s *fakeStore) GetQueuedCallsByTeamID(ctx context.Context, teamID uuid.UUID) ([]models.QueuedCall, error) {
	var out []models.QueuedCall
	for _, call := range s.calls {
		if call.TeamID == teamID {
			out = append(out, *call)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) GetCallQueueCountByTeamIDs(ctx context.Context, teamIDs []uuid.UUID) ([]models.TeamCallQueueCount, error) {
	counts := make(map[uuid.UUID]int)
	for _, call := range s.calls {
		counts[call.TeamID]++
	}
	var out []models.TeamCallQueueCount
	for _, id := range teamIDs {
		if n, ok := counts[id]; ok {
			out = append(out, models.TeamCallQueueCount{TeamID: id, Count: n})
		}
	}
	return out, nil
}

// fakeStats stores statistics rows in memory.
type fakeStats struct {
	rows map[uuid.UUID]*models.QueueStatistics
}

func newFakeStats() *fakeStats {
	return &fakeStats{rows: make(map[uuid.UUID]*models.QueueStatistics)}
}

func (s *fakeStats) AddCallQueueStats(ctx context.Context, commID uuid.UUID, entryTime time.Time) error {
	s.rows[commID] = &models.QueueStatistics{
		ID:              uuid.New(),
		CommunicationID: commID,
		EntryTime:       entryTime,
	}
	return nil
}

func (s *fakeStats) UpdateCallQueueStatsByCommID(ctx context.Context, commID uuid.UUID, delta models.StatsDelta) error {
	row, ok := s.rows[commID]
	if !ok {
		return fmt.Errorf("no statistics row for %s", commID)
	}
	if delta.ExitTime != nil {
		row.ExitTime = delta.ExitTime
	}
	if delta.UserID != nil {
		row.UserID = delta.UserID
	}
	if delta.HangUp != nil {
		row.HangUp = *delta.HangUp
	}
	if delta.CallBackTime != nil {
		row.CallBackTime = delta.CallBackTime
	}
	if delta.TransferredToVoiceMail != nil {
		row.TransferredToVoiceMail = *delta.TransferredToVoiceMail
	}
	if delta.CallerRequestedAction != nil {
		row.CallerRequestedAction = delta.CallerRequestedAction
	}
	if len(delta.Metadata) > 0 {
		if row.Metadata == nil {
			row.Metadata = make(map[string]any)
		}
		for k, v := range delta.Metadata {
			row.Metadata[k] = v
		}
	}
	return nil
}

func (s *fakeStats) GetCallQueueStatsByCommID(ctx context.Context, commID uuid.UUID) (*models.QueueStatistics, error) {
	row, ok := s.rows[commID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

// fakeTeams serves team configuration from memory.
type fakeTeams struct {
	teams     map[uuid.UUID]*models.Team
	userTeams map[uuid.UUID][]models.Team
}

func newFakeTeams() *fakeTeams {
	return &fakeTeams{
		teams:     make(map[uuid.UUID]*models.Team),
		userTeams: make(map[uuid.UUID][]models.Team),
	}
}

func (f *fakeTeams) GetByID(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	team, ok := f.teams[id]
	if !ok {
		return nil, fmt.Errorf("no team %s", id)
	}
	return team, nil
}

func (f *fakeTeams) GetTeamsWhereUserIsAgent(ctx context.Context, userID uuid.UUID) ([]models.Team, error) {
	return f.userTeams[userID], nil
}

func (f *fakeTeams) GetActiveTeams(ctx context.Context) ([]models.Team, error) {
	var out []models.Team
	for _, team := range f.teams {
		if !team.Inactive {
			out = append(out, *team)
		}
	}
	return out, nil
}

// fakeUsers serves agents and records status changes.
type fakeUsers struct {
	users      map[uuid.UUID]*models.User
	agents     []models.User // returned by LockAgentsForCallQueueRouting
	teamAgents map[uuid.UUID][]models.User
	endpoints  map[uuid.UUID]models.CallEndpoints

	lockCalls     int
	unlockedIDs   [][]uuid.UUID
	statusChanges []statusChange
}

type statusChange struct {
	UserIDs []uuid.UUID
	Status  models.UserStatus
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		users:      make(map[uuid.UUID]*models.User),
		teamAgents: make(map[uuid.UUID][]models.User),
		endpoints:  make(map[uuid.UUID]models.CallEndpoints),
	}
}

func (f *fakeUsers) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("no user %s", id)
	}
	return user, nil
}

func (f *fakeUsers) UpdateStatusForUsers(ctx context.Context, userIDs []uuid.UUID, status models.UserStatus) error {
	f.statusChanges = append(f.statusChanges, statusChange{UserIDs: userIDs, Status: status})
	for _, id := range userIDs {
		if user, ok := f.users[id]; ok {
			user.Status = status
		}
	}
	return nil
}

func (f *fakeUsers) LockAgentsForCallQueueRouting(ctx context.Context) ([]models.User, error) {
	f.lockCalls++
	return f.agents, nil
}

func (f *fakeUsers) UnlockAgentsForCallQueueRouting(ctx context.Context, userIDs []uuid.UUID) error {
	f.unlockedIDs = append(f.unlockedIDs, userIDs)
	return nil
}

func (f *fakeUsers) GetAgentsForPhoneCallsByTeamID(ctx context.Context, teamID uuid.UUID) ([]models.User, error) {
	return f.teamAgents[teamID], nil
}

func (f *fakeUsers) GetCallReceivingEndpointsByUsers(ctx context.Context, userIDs []uuid.UUID) ([]models.CallEndpoints, error) {
	var out []models.CallEndpoints
	for _, id := range userIDs {
		if eps, ok := f.endpoints[id]; ok {
			out = append(out, eps)
		}
	}
	return out, nil
}

// fakeComms stores communication records and applies deltas.
type fakeComms struct {
	comms map[uuid.UUID]*models.Communication
}

func newFakeComms() *fakeComms {
	return &fakeComms{comms: make(map[uuid.UUID]*models.Communication)}
}

func (f *fakeComms) LoadByID(ctx context.Context, id uuid.UUID) (*models.Communication, error) {
	comm, ok := f.comms[id]
	if !ok {
		return nil, fmt.Errorf("no communication %s", id)
	}
	return comm, nil
}

func (f *fakeComms) Update(ctx context.Context, id uuid.UUID, delta models.CommDelta) (*models.Communication, error) {
	comm, ok := f.comms[id]
	if !ok {
		return nil, fmt.Errorf("no communication %s", id)
	}
	if delta.UserID != nil {
		comm.UserID = delta.UserID
	}
	if delta.Unread != nil {
		comm.Unread = *delta.Unread
	}
	if len(delta.Message) > 0 {
		if comm.Message == nil {
			comm.Message = make(map[string]any)
		}
		for k, v := range delta.Message {
			comm.Message[k] = v
		}
	}
	return comm, nil
}

// fakeParties stores parties and honors assign-if-none semantics.
type fakeParties struct {
	parties map[uuid.UUID]*models.Party
}

func newFakeParties() *fakeParties {
	return &fakeParties{parties: make(map[uuid.UUID]*models.Party)}
}

func (f *fakeParties) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Party, error) {
	var out []models.Party
	for _, id := range ids {
		if party, ok := f.parties[id]; ok {
			out = append(out, *party)
		}
	}
	return out, nil
}

func (f *fakeParties) AssignOwnerIfNone(ctx context.Context, partyID, userID uuid.UUID) (bool, error) {
	party, ok := f.parties[partyID]
	if !ok {
		return false, fmt.Errorf("no party %s", partyID)
	}
	if party.OwnerID != nil {
		return false, nil
	}
	party.OwnerID = &userID
	return true, nil
}

// fakeOps records every provider interaction. Live calls are tracked in
// the live set; MakeCall ids are sequential for deterministic asserts.
type fakeOps struct {
	nextCallID int
	failCalls  bool

	madeCalls []provider.MakeCallParams
	transfers []transferCall
	hungUp    []string
	live      map[string]bool
}

type transferCall struct {
	CallID    string
	AnswerURL string
}

func newFakeOps() *fakeOps {
	return &fakeOps{live: make(map[string]bool)}
}

func (f *fakeOps) MakeCall(ctx context.Context, params provider.MakeCallParams) (*provider.CallHandle, error) {
	if f.failCalls {
		return nil, fmt.Errorf("provider rejected call to %s", params.To)
	}
	f.nextCallID++
	id := fmt.Sprintf("call-%d", f.nextCallID)
	f.madeCalls = append(f.madeCalls, params)
	f.live[id] = true
	return &provider.CallHandle{ID: id}, nil
}

func (f *fakeOps) TransferCall(ctx context.Context, callID, answerURL string) error {
	f.transfers = append(f.transfers, transferCall{CallID: callID, AnswerURL: answerURL})
	return nil
}

func (f *fakeOps) HangupCall(ctx context.Context, callID string) error {
	f.hungUp = append(f.hungUp, callID)
	delete(f.live, callID)
	return nil
}

func (f *fakeOps) GetLiveCall(ctx context.Context, callID string) (*provider.LiveCall, error) {
	if !f.live[callID] {
		return nil, nil
	}
	return &provider.LiveCall{ID: callID, Status: "in-progress"}, nil
}

func (f *fakeOps) GetLiveCalls(ctx context.Context) ([]string, error) {
	var out []string
	for id := range f.live {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// fakeNotifier records notifications.
type fakeNotifier struct {
	events []notifiedEvent
}

type notifiedEvent struct {
	Event   string
	Data    any
	Routing notify.Routing
}

func (f *fakeNotifier) Notify(event string, data any, routing notify.Routing) {
	f.events = append(f.events, notifiedEvent{Event: event, Data: data, Routing: routing})
}

func (f *fakeNotifier) eventsNamed(event string) []notifiedEvent {
	var out []notifiedEvent
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// fakePresence marks every user in the online set as connected.
type fakePresence struct {
	online map[uuid.UUID]bool
}

func newFakePresence(userIDs ...uuid.UUID) *fakePresence {
	p := &fakePresence{online: make(map[uuid.UUID]bool)}
	for _, id := range userIDs {
		p.online[id] = true
	}
	return p
}

func (f *fakePresence) IsUserOnline(userID uuid.UUID) bool {
	return f.online[userID]
}

func (f *fakePresence) FilterOnline(userIDs []uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for _, id := range userIDs {
		if f.online[id] {
			out = append(out, id)
		}
	}
	return out
}

// fakePublisher records published messages instead of hitting kafka.
type fakePublisher struct {
	published []publishedMessage
}

type publishedMessage struct {
	Topic   string
	Key     string
	Message any
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, message any) error {
	f.published = append(f.published, publishedMessage{Topic: topic, Key: key, Message: message})
	return nil
}

func (f *fakePublisher) messagesOn(topic string) []publishedMessage {
	var out []publishedMessage
	for _, m := range f.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// scheduledCall is one captured timer from the injected schedule func.
type scheduledCall struct {
	After time.Duration
	Fn    func()
}

// env wires a handler and service over the in-memory fakes.
type env struct {
	store    *fakeStore
	stats    *fakeStats
	teams    *fakeTeams
	users    *fakeUsers
	comms    *fakeComms
	parties  *fakeParties
	ops      *fakeOps
	notifier *fakeNotifier
	presence *fakePresence
	bus      *fakePublisher

	actions *Actions
	service *Service
	handler *Handler

	now       time.Time
	scheduled []scheduledCall
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		store:    newFakeStore(),
		stats:    newFakeStats(),
		teams:    newFakeTeams(),
		users:    newFakeUsers(),
		comms:    newFakeComms(),
		parties:  newFakeParties(),
		ops:      newFakeOps(),
		notifier: &fakeNotifier{},
		presence: newFakePresence(),
		bus:      &fakePublisher{},
		now:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	logger := slog.New(slog.DiscardHandler)
	cfg := Config{
		URLs: URLBuilder{
			WebhookBase:     "https://voice.test/webhooks",
			AudioAssetsBase: "https://audio.test",
		},
		RingTimeBeforeVoicemail: 25,
		OwnerPriorityOffset:     120,
		UserAvailabilityDelay:   300 * time.Millisecond,
		HoldingMusicFile:        "hold.mp3",
		WelcomeMessage:          voice.Message{Text: "Please hold for the next available agent."},
		CallbackAckMessage:      voice.Message{Text: "We will call you back shortly."},
	}

	e.actions = NewActions(e.comms, e.parties, e.teams, e.ops, e.notifier, cfg.URLs, logger)
	e.service = NewService(e.store, e.stats, e.users, e.comms, e.ops, e.actions, e.bus, e.notifier, cfg, logger)
	e.handler = NewHandler(&fakeTx{}, e.store, e.stats, e.teams, e.users, e.comms, e.service, e.actions, e.bus, e.notifier, e.presence, cfg, logger)

	e.handler.clock = func() time.Time { return e.now }
	e.handler.SetScheduleFunc(func(d time.Duration, fn func()) {
		e.scheduled = append(e.scheduled, scheduledCall{After: d, Fn: fn})
	})

	return e
}

// addTeam registers a team with sensible queue defaults.
func (e *env) addTeam(strategy models.RoutingStrategy) *models.Team {
	team := &models.Team{
		ID:                  uuid.New(),
		Name:                "leasing",
		DisplayName:         "Leasing",
		TimeZone:            "UTC",
		CallQueueEnabled:    true,
		TimeToVoiceMail:     60,
		CallRoutingStrategy: strategy,
	}
	e.teams.teams[team.ID] = team
	return team
}

// addAgent registers an available, online agent of the given teams with
// one SIP endpoint.
func (e *env) addAgent(teams ...*models.Team) *models.User {
	user := &models.User{
		ID:       uuid.New(),
		FullName: "Agent",
		Status:   models.UserStatusAvailable,
	}
	for _, team := range teams {
		user.TeamIDs = append(user.TeamIDs, team.ID)
		e.teams.userTeams[user.ID] = append(e.teams.userTeams[user.ID], *team)
		e.users.teamAgents[team.ID] = append(e.users.teamAgents[team.ID], *user)
	}
	e.users.users[user.ID] = user
	e.users.agents = append(e.users.agents, *user)
	e.users.endpoints[user.ID] = models.CallEndpoints{
		UserID:       user.ID,
		SipEndpoints: []string{fmt.Sprintf("sip:%s@pbx.test", user.ID)},
	}
	e.presence.online[user.ID] = true
	return user
}

// addComm registers a communication with a live caller leg.
func (e *env) addComm(team *models.Team, from string) *models.Communication {
	partyID := uuid.New()
	e.parties.parties[partyID] = &models.Party{ID: partyID}
	comm := &models.Communication{
		ID:        uuid.New(),
		MessageID: "caller-" + uuid.NewString()[:8],
		Direction: "in",
		Parties:   []uuid.UUID{partyID},
		Teams:     []uuid.UUID{team.ID},
		Message:   map[string]any{"from": from, "to": "+15550001111"},
	}
	e.comms.comms[comm.ID] = comm
	e.ops.live[comm.MessageID] = true
	return comm
}

// enqueue inserts a queued call row directly.
func (e *env) enqueue(comm *models.Communication, team *models.Team) *models.QueuedCall {
	call := &models.QueuedCall{CommID: comm.ID, TeamID: team.ID}
	if err := e.store.AddCallToQueue(context.Background(), call); err != nil {
		panic(err)
	}
	if err := e.stats.AddCallQueueStats(context.Background(), comm.ID, call.CreatedAt); err != nil {
		panic(err)
	}
	return e.store.calls[comm.ID]
}

// runScheduled fires every captured timer once, in order.
func (e *env) runScheduled() {
	pending := e.scheduled
	e.scheduled = nil
	for _, s := range pending {
		s.Fn()
	}
}
