package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// handleQueueCounts returns waiting-call counts for the teams given in
// the teamIds query parameter (comma separated).
func (s *Server) handleQueueCounts(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("teamIds")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "teamIds is required")
		return
	}

	var teamIDs []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid team id: "+part)
			return
		}
		teamIDs = append(teamIDs, id)
	}

	counts, err := s.service.GetCallQueueCountByTeamIDs(r.Context(), teamIDs)
	if err != nil {
		s.logger.Error("failed to load queue counts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// handleQueuedCallsByTeam lists the calls currently waiting for a team.
func (s *Server) handleQueuedCallsByTeam(w http.ResponseWriter, r *http.Request) {
	teamID, err := uuid.Parse(chi.URLParam(r, "teamID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}

	calls, err := s.store.GetQueuedCallsByTeamID(r.Context(), teamID)
	if err != nil {
		s.logger.Error("failed to load queued calls", "team_id", teamID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type queuedCall struct {
		CommID            uuid.UUID   `json:"commId"`
		LockedForDequeue  bool        `json:"lockedForDequeue"`
		DeclinedByUserIDs []uuid.UUID `json:"declinedByUserIds"`
		CreatedAt         string      `json:"createdAt"`
	}
	out := make([]queuedCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, queuedCall{
			CommID:            c.CommID,
			LockedForDequeue:  c.LockedForDequeue,
			DeclinedByUserIDs: c.DeclinedByUserIDs,
			CreatedAt:         c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLiveFiredCalls returns the call's fired agent legs still live at
// the provider.
func (s *Server) handleLiveFiredCalls(w http.ResponseWriter, r *http.Request) {
	commID, err := uuid.Parse(chi.URLParam(r, "commID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid comm id")
		return
	}

	live, err := s.service.GetLiveFiredCallsForQueuedCall(r.Context(), commID)
	if err != nil {
		s.logger.Error("failed to load live fired calls", "comm_id", commID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, live)
}
