package notify

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.DiscardHandler))
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func connect(t *testing.T, h *Hub, userID uuid.UUID, teamIDs ...uuid.UUID) *Client {
	t.Helper()
	c := NewClient(h, nil, userID, teamIDs, slog.New(slog.DiscardHandler))
	h.register <- c
	return c
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d clients, want %d", h.ClientCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNotifyRoutesByTeam(t *testing.T) {
	h := testHub(t)
	teamA, teamB := uuid.New(), uuid.New()
	inTeamA := connect(t, h, uuid.New(), teamA)
	inTeamB := connect(t, h, uuid.New(), teamB)
	waitForClients(t, h, 2)

	h.Notify(EventTeamsCallQueueChanged, map[string]int{"count": 3}, Routing{TeamIDs: []uuid.UUID{teamA}})

	select {
	case payload := <-inTeamA.send:
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Event != EventTeamsCallQueueChanged {
			t.Errorf("event = %q", env.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("team A client did not receive the event")
	}

	select {
	case <-inTeamB.send:
		t.Fatal("team B client should not receive the event")
	default:
	}
}

func TestPresence(t *testing.T) {
	h := testHub(t)
	online, offline := uuid.New(), uuid.New()
	connect(t, h, online)
	waitForClients(t, h, 1)

	if !h.IsUserOnline(online) {
		t.Error("connected user should be online")
	}
	if h.IsUserOnline(offline) {
		t.Error("user without a connection should be offline")
	}

	got := h.FilterOnline([]uuid.UUID{offline, online})
	if len(got) != 1 || got[0] != online {
		t.Errorf("FilterOnline = %v, want [%s]", got, online)
	}
}
