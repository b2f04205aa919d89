package api

import (
	"net/http"

	"github.com/max-tl-2000/red-callqueue/internal/notify"
	"github.com/max-tl-2000/red-callqueue/internal/queue"
)

// handleWebSocket upgrades an agent frontend connection and registers it
// with the hub. A connecting agent counts as online for dequeue routing,
// so their availability event is published to trigger a scan.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.queryUUID(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid userId")
		return
	}

	user, err := s.users.GetByID(r.Context(), userID)
	if err != nil {
		s.logger.Error("failed to load user for websocket", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	notify.NewClient(s.hub, conn, user.ID, user.TeamIDs, s.logger).Start()

	if err := s.bus.Publish(r.Context(), queue.TopicUserAvailable, user.ID.String(), queue.UserAvailableMessage{UserID: user.ID}); err != nil {
		s.logger.Error("failed to publish user available", "user_id", userID, "error", err)
	}
}
