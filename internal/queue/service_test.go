package queue

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database/models"
	"github.com/max-tl-2000/red-callqueue/internal/notify"
)

func TestSendCallToQueueStampsAndPublishes(t *testing.T) {
	e := newEnv(t)
	team := e.addTeam(models.RoutingEverybody)
	comm := e.addComm(team, "+14155550100")

	response, err := e.service.SendCallToQueue(context.Background(), comm.ID, team, nil)
	if err != nil {
		t.Fatalf("SendCallToQueue: %v", err)
	}

	if comm.Message["targetName"] != team.DisplayName {
		t.Errorf("targetName = %v, want %s", comm.Message["targetName"], team.DisplayName)
	}
	if comm.Message["isCallFromQueue"] != true {
		t.Error("communication not stamped as a queue call")
	}

	if !strings.Contains(response, "<GetDigits") || !strings.Contains(response, "<Redirect>") {
		t.Errorf("greeting response missing digits menu or redirect:\n%s", response)
	}
	if !strings.Contains(response, "call-ready-for-dequeue") {
		t.Error("redirect must point at the ready-for-dequeue webhook")
	}

	published := e.bus.messagesOn(TopicCallEnqueued)
	if len(published) != 1 {
		t.Fatalf("enqueued messages = %d, want 1", len(published))
	}
	if published[0].Key != comm.ID.String() {
		t.Errorf("message key = %q, want the comm id for partition ordering", published[0].Key)
	}
}

func TestCallAgentsForQueueEndpointClasses(t *testing.T) {
	e := newEnv(t)
	team := e.addTeam(models.RoutingEverybody)
	agent := e.addAgent(team)
	e.users.endpoints[agent.ID] = models.CallEndpoints{
		UserID:         agent.ID,
		SipEndpoints:   []string{"sip:agent@pbx.test", "sip:agent-desk@pbx.test"},
		ExternalPhones: []string{"+15557654321", "+15550001111"},
	}
	comm := e.addComm(team, "+14155550100")
	e.enqueue(comm, team)

	if err := e.service.CallAgentsForQueue(context.Background(), []uuid.UUID{agent.ID}, comm.ID); err != nil {
		t.Fatalf("CallAgentsForQueue: %v", err)
	}

	if len(e.ops.madeCalls) != 2 {
		t.Fatalf("legs fired = %d, want one per endpoint class", len(e.ops.madeCalls))
	}
	var sip, external int
	for _, params := range e.ops.madeCalls {
		if params.From != "+14155550100" {
			t.Errorf("leg from = %q, want the caller number", params.From)
		}
		if params.RingTimeoutSeconds != 25 {
			t.Errorf("ring timeout = %d, want 25", params.RingTimeoutSeconds)
		}
		if !strings.Contains(params.AnswerURL, "agent-call-for-queue") {
			t.Errorf("answer url %q must point at the agent answer webhook", params.AnswerURL)
		}
		switch params.To {
		case "sip:agent@pbx.test<sip:agent-desk@pbx.test":
			sip++
			if params.MachineDetection != "" {
				t.Error("machine detection must stay off for sip endpoints")
			}
		case "+15557654321<+15550001111":
			external++
			if params.MachineDetection != "hangup" || params.MachineDetectionTimeoutMS != 3000 {
				t.Errorf("external leg detection = %q/%d, want hangup/3000",
					params.MachineDetection, params.MachineDetectionTimeoutMS)
			}
		default:
			t.Errorf("leg to = %q, destinations within a class must ring together", params.To)
		}
	}
	if sip != 1 || external != 1 {
		t.Errorf("fired sip=%d external=%d, want one leg per class", sip, external)
	}

	if e.users.users[agent.ID].Status != models.UserStatusBusy {
		t.Error("agent with fired legs must be marked busy")
	}
	if len(e.store.calls[comm.ID].FiredCallsToAgents[agent.ID]) != 2 {
		t.Error("both legs must be persisted on the queue row")
	}
}

func TestCallAgentsForQueueReplacesRestrictedCallerID(t *testing.T) {
	e := newEnv(t)
	team := e.addTeam(models.RoutingEverybody)
	agent := e.addAgent(team)
	comm := e.addComm(team, "anonymous")
	e.enqueue(comm, team)

	if err := e.service.CallAgentsForQueue(context.Background(), []uuid.UUID{agent.ID}, comm.ID); err != nil {
		t.Fatalf("CallAgentsForQueue: %v", err)
	}
	if got := e.ops.madeCalls[0].From; got != RestrictedCallerIDReplacement {
		t.Errorf("from = %q, want the restricted caller id replacement", got)
	}
}

func TestCallAgentsForQueueUnreachableGoesToVoicemail(t *testing.T) {
	e := newEnv(t)
	team := e.addTeam(models.RoutingEverybody)
	agent := e.addAgent(team)
	comm := e.addComm(team, "+14155550100")
	e.enqueue(comm, team)
	e.ops.failCalls = true

	if err := e.service.CallAgentsForQueue(context.Background(), []uuid.UUID{agent.ID}, comm.ID); err != nil {
		t.Fatalf("CallAgentsForQueue: %v", err)
	}

	if len(e.ops.transfers) != 1 {
		t.Fatalf("transfers = %d, want the voicemail fallback", len(e.ops.transfers))
	}
	if !strings.Contains(e.ops.transfers[0].AnswerURL, string(models.VoiceMessageQueueUnavailable)) {
		t.Errorf("transfer target %q does not select the unavailable prompt", e.ops.transfers[0].AnswerURL)
	}
	if _, ok := e.store.calls[comm.ID]; ok {
		t.Error("unreachable call must leave the queue")
	}
	row, _ := e.stats.GetCallQueueStatsByCommID(context.Background(), comm.ID)
	if !row.TransferredToVoiceMail {
		t.Error("statistics must record the voicemail transfer")
	}
}

func TestCallAgentsForQueueLostRaceCleansUp(t *testing.T) {
	e := newEnv(t)
	team := e.addTeam(models.RoutingEverybody)
	agent := e.addAgent(team)
	comm := e.addComm(team, "+14155550100")
	// No queue row: the call was answered or removed while the legs
	// were being fired.

	if err := e.service.CallAgentsForQueue(context.Background(), []uuid.UUID{agent.ID}, comm.ID); err != nil {
		t.Fatalf("CallAgentsForQueue: %v", err)
	}

	if len(e.ops.hungUp) != 1 {
		t.Errorf("fired legs hung up = %d, want 1", len(e.ops.hungUp))
	}
	if e.users.users[agent.ID].Status != models.UserStatusAvailable {
		t.Error("agent must be restored to available after the lost race")
	}
}

func TestTransferQueuedCallToAgentWins(t *testing.T) {
	e := newEnv(t)
	team := e.addTeam(models.RoutingEverybody)
	winner := e.addAgent(team)
	loser := e.addAgent(team)
	comm := e.addComm(team, "+14155550100")
	call := e.enqueue(comm, team)
	call.FiredCallsToAgents = map[uuid.UUID][]string{
		winner.ID: {"winner-leg"},
		loser.ID:  {"loser-leg"},
	}

	ok, err := e.service.TransferQueuedCallToAgent(context.Background(), comm.ID, winner.ID, "winner-leg")
	if err != nil {
		t.Fatalf("TransferQueuedCallToAgent: %v", err)
	}
	if !ok {
		t.Fatal("transfer must succeed while the caller is live")
	}

	if len(e.ops.transfers) != 1 {
		t.Fatalf("transfers = %d, want 1", len(e.ops.transfers))
	}
	if e.ops.transfers[0].CallID != comm.MessageID {
		t.Errorf("transferred leg = %q, want the caller leg %q", e.ops.transfers[0].CallID, comm.MessageID)
	}
	if !strings.Contains(e.ops.transfers[0].AnswerURL, "transfer-from-queue") {
		t.Errorf("transfer target %q must point at the bridge webhook", e.ops.transfers[0].AnswerURL)
	}

	if len(e.ops.hungUp) != 1 || e.ops.hungUp[0] != "loser-leg" {
		t.Errorf("hung up legs = %v, want only the losing leg", e.ops.hungUp)
	}
	if _, ok := e.store.calls[comm.ID]; ok {
		t.Error("answered call must leave the queue")
	}
	row, _ := e.stats.GetCallQueueStatsByCommID(context.Background(), comm.ID)
	if row.UserID == nil || *row.UserID != winner.ID {
		t.Error("statistics must record the answering agent")
	}
}

func TestTransferQueuedCallToAgentCallerGone(t *testing.T) {
	e := newEnv(t)
	team := e.addTeam(models.RoutingEverybody)
	agent := e.addAgent(team)
	comm := e.addComm(team, "+14155550100")
	e.enqueue(comm, team)
	delete(e.ops.live, comm.MessageID)

	ok, err := e.service.TransferQueuedCallToAgent(context.Background(), comm.ID, agent.ID, "agent-leg")
	if err != nil {
		t.Fatalf("TransferQueuedCallToAgent: %v", err)
	}
	if ok {
		t.Fatal("transfer must report the lost race when the caller already hung up")
	}
	if len(e.ops.transfers) != 0 {
		t.Error("no transfer expected for an ended caller leg")
	}
	if _, queued := e.store.calls[comm.ID]; !queued {
		t.Error("the queue row is cleaned up by the hangup transition, not the losing transfer")
	}
}

func TestHangupCallsFiredForQueueForOneUser(t *testing.T) {
	e := newEnv(t)
	team := e.addTeam(models.RoutingEverybody)
	u1 := e.addAgent(team)
	u2 := e.addAgent(team)
	comm := e.addComm(team, "+14155550100")
	call := e.enqueue(comm, team)
	call.FiredCallsToAgents = map[uuid.UUID][]string{
		u1.ID: {"a-1", "a-2"},
		u2.ID: {"b-1"},
	}

	taken, remaining, err := e.service.HangupCallsFiredForQueue(context.Background(), comm.ID, "a-1", &u1.ID)
	if err != nil {
		t.Fatalf("HangupCallsFiredForQueue: %v", err)
	}
	if len(taken) != 2 {
		t.Errorf("taken legs = %v, want both of the user's legs", taken)
	}
	if len(remaining) != 1 || remaining[0] != "b-1" {
		t.Errorf("remaining legs = %v, want the other agent's leg", remaining)
	}
	if len(e.ops.hungUp) != 1 || e.ops.hungUp[0] != "a-2" {
		t.Errorf("hung up legs = %v, want everything except the answered leg", e.ops.hungUp)
	}
}

func TestGetLiveFiredCallsFiltersEndedLegs(t *testing.T) {
	e := newEnv(t)
	team := e.addTeam(models.RoutingEverybody)
	agent := e.addAgent(team)
	comm := e.addComm(team, "+14155550100")
	call := e.enqueue(comm, team)
	call.FiredCallsToAgents = map[uuid.UUID][]string{agent.ID: {"live-leg", "dead-leg"}}
	e.ops.live["live-leg"] = true

	out, err := e.service.GetLiveFiredCallsForQueuedCall(context.Background(), comm.ID)
	if err != nil {
		t.Fatalf("GetLiveFiredCallsForQueuedCall: %v", err)
	}
	if got := out[agent.ID]; len(got) != 1 || got[0] != "live-leg" {
		t.Errorf("live legs = %v, want only the live one", got)
	}
}

func TestNotifyQueueCountChangedFiltersNilTeams(t *testing.T) {
	e := newEnv(t)
	team := e.addTeam(models.RoutingEverybody)
	comm := e.addComm(team, "+14155550100")
	e.enqueue(comm, team)

	e.service.NotifyQueueCountChanged(context.Background(), []uuid.UUID{uuid.Nil, team.ID})

	events := e.notifier.eventsNamed(notify.EventTeamsCallQueueChanged)
	if len(events) != 1 {
		t.Fatalf("queue count events = %d, want 1", len(events))
	}
	if got := events[0].Routing.TeamIDs; len(got) != 1 || got[0] != team.ID {
		t.Errorf("routing teams = %v, want only the real team", got)
	}
}

func TestRequestCallbackPublishesAndAcks(t *testing.T) {
	e := newEnv(t)
	commID := uuid.New()

	response, err := e.service.RequestCallback(context.Background(), commID)
	if err != nil {
		t.Fatalf("RequestCallback: %v", err)
	}
	if !strings.Contains(response, "call you back") {
		t.Errorf("ack response missing the callback message:\n%s", response)
	}
	if got := e.bus.messagesOn(TopicCallbackRequested); len(got) != 1 {
		t.Errorf("callback messages = %d, want 1", len(got))
	}
}

func TestRequestVoicemailKeepsCallerWaiting(t *testing.T) {
	e := newEnv(t)
	commID, teamID := uuid.New(), uuid.New()

	response, err := e.service.RequestVoicemail(context.Background(), commID, teamID)
	if err != nil {
		t.Fatalf("RequestVoicemail: %v", err)
	}
	if !strings.Contains(response, "<Wait") {
		t.Errorf("voicemail request must return a wait response:\n%s", response)
	}
	if got := e.bus.messagesOn(TopicVoicemailRequested); len(got) != 1 {
		t.Errorf("voicemail messages = %d, want 1", len(got))
	}
}

func TestIsCallQueued(t *testing.T) {
	e := newEnv(t)
	team := e.addTeam(models.RoutingEverybody)
	comm := e.addComm(team, "+14155550100")
	e.enqueue(comm, team)

	queued, err := e.service.IsCallQueued(context.Background(), comm.ID)
	if err != nil || !queued {
		t.Errorf("IsCallQueued = %v, %v; want true for a call with statistics", queued, err)
	}
	queued, err = e.service.IsCallQueued(context.Background(), uuid.New())
	if err != nil || queued {
		t.Errorf("IsCallQueued = %v, %v; want false for an unknown call", queued, err)
	}
}
