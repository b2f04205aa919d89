package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database/models"
	"github.com/max-tl-2000/red-callqueue/internal/voice"
)

// IVR digit choices offered to a waiting caller.
const (
	digitCallback         = "1"
	digitVoicemail        = "2"
	digitTransferToNumber = "3"
)

func (s *Server) queryUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.URL.Query().Get(name))
	if err != nil {
		s.logger.Warn("webhook with invalid id parameter",
			"param", name, "value", r.URL.Query().Get(name), "path", r.URL.Path)
		return uuid.Nil, false
	}
	return id, true
}

// handleDigitsPressed routes the caller's IVR choice. An unrecognized
// digit puts the caller back into the hold loop.
func (s *Server) handleDigitsPressed(w http.ResponseWriter, r *http.Request) {
	commID, ok := s.queryUUID(r, "commId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid commId")
		return
	}
	teamID, ok := s.queryUUID(r, "teamId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid teamId")
		return
	}

	digits := r.FormValue("Digits")
	s.logger.Info("caller pressed digits", "comm_id", commID, "digits", digits)

	var (
		response string
		err      error
	)
	switch digits {
	case digitCallback:
		response, err = s.service.RequestCallback(r.Context(), commID)
	case digitVoicemail:
		response, err = s.service.RequestVoicemail(r.Context(), commID, teamID)
	case digitTransferToNumber:
		number := r.FormValue("transferNumber")
		if number == "" {
			response, err = s.service.ResponseForQueuedCalls(r.Context(), commID, teamID, true)
			break
		}
		response, err = s.service.RequestTransferToNumber(r.Context(), commID, number)
	default:
		response, err = s.service.ResponseForQueuedCalls(r.Context(), commID, teamID, true)
	}
	if err != nil {
		s.logger.Error("failed to handle pressed digits", "comm_id", commID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeXML(w, response)
}

// handleCallReadyForDequeue fires when the greeting or a hold round
// finished: the call is marked ready for a dequeue attempt and the
// caller gets the next hold response.
func (s *Server) handleCallReadyForDequeue(w http.ResponseWriter, r *http.Request) {
	commID, ok := s.queryUUID(r, "commId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid commId")
		return
	}
	teamID, ok := s.queryUUID(r, "teamId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid teamId")
		return
	}

	response, err := s.service.HandleCallReadyForDequeue(r.Context(), commID, teamID)
	if err != nil {
		s.logger.Error("failed to handle call ready for dequeue", "comm_id", commID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeXML(w, response)
}

// handleAgentCallForQueue fires when an agent answered a fired leg. The
// winning leg bridges the caller; a leg that lost the race (the caller
// already hung up or another agent won) is hung up and the agent
// restored to available.
func (s *Server) handleAgentCallForQueue(w http.ResponseWriter, r *http.Request) {
	commID, ok := s.queryUUID(r, "commId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid commId")
		return
	}
	userID, ok := s.queryUUID(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid userId")
		return
	}
	agentCallID := r.FormValue("CallUUID")

	transferred, err := s.service.TransferQueuedCallToAgent(r.Context(), commID, userID, agentCallID)
	if err != nil {
		s.logger.Error("failed to transfer queued call to agent",
			"comm_id", commID, "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if !transferred {
		// The caller is gone. Release this agent's remaining legs and
		// availability, and end the answered leg with silence.
		if _, _, err := s.service.HangupCallsFiredForQueue(r.Context(), commID, agentCallID, &userID); err != nil {
			s.logger.Error("failed to clean up fired calls for losing leg",
				"comm_id", commID, "user_id", userID, "error", err)
		}
		if err := s.users.UpdateStatusForUsers(r.Context(), []uuid.UUID{userID}, models.UserStatusAvailable); err != nil {
			s.logger.Error("failed to restore agent availability",
				"user_id", userID, "error", err)
		}
		response, err := voice.WaitResponse()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeXML(w, response)
		return
	}

	response, err := voice.AckResponse(voice.Message{Text: "Connecting you now."})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeXML(w, response)
}

// handleAgentCallDeclined fires when every leg for one agent ended
// unanswered: the decline is recorded and the call released for the
// next dequeue attempt.
func (s *Server) handleAgentCallDeclined(w http.ResponseWriter, r *http.Request) {
	commID, ok := s.queryUUID(r, "commId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid commId")
		return
	}
	userID, ok := s.queryUUID(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid userId")
		return
	}

	if err := s.service.SaveUserThatDeclinedCall(r.Context(), commID, userID); err != nil {
		s.logger.Error("failed to record declined call", "comm_id", commID, "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if _, _, err := s.service.HangupCallsFiredForQueue(r.Context(), commID, "", &userID); err != nil {
		s.logger.Error("failed to hang up declined legs", "comm_id", commID, "user_id", userID, "error", err)
	}
	if err := s.users.UpdateStatusForUsers(r.Context(), []uuid.UUID{userID}, models.UserStatusAvailable); err != nil {
		s.logger.Error("failed to restore agent availability", "user_id", userID, "error", err)
	}
	if err := s.service.MarkCallAsReadyForDequeue(r.Context(), commID, &userID); err != nil {
		s.logger.Error("failed to mark declined call ready for dequeue", "comm_id", commID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTransferFromQueue builds the bridge response for the caller leg
// while it is redirected to the answering agent.
func (s *Server) handleTransferFromQueue(w http.ResponseWriter, r *http.Request) {
	commID, ok := s.queryUUID(r, "commId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid commId")
		return
	}
	s.logger.Info("bridging queued caller to agent", "comm_id", commID)

	response, err := voice.AckResponse(voice.Message{Text: "Connecting you to an agent."})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeXML(w, response)
}

// voicemailPrompts selects the announcement preceding the record beep
// for each voicemail transfer reason.
var voicemailPrompts = map[models.VoiceMessageType]voice.Message{
	models.VoiceMessageVoicemail:        {Text: "Please leave a message after the tone."},
	models.VoiceMessageQueueUnavailable: {Text: "No agents are available right now. Please leave a message after the tone."},
	models.VoiceMessageQueueClosing:     {Text: "Our office is now closed. Please leave a message after the tone."},
}

// handleVoicemail answers the transfer target of a voicemail exit: it
// plays the prompt matching the transfer reason and records the caller.
func (s *Server) handleVoicemail(w http.ResponseWriter, r *http.Request) {
	commID, ok := s.queryUUID(r, "commId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid commId")
		return
	}

	messageType := models.VoiceMessageType(r.URL.Query().Get("voiceMessageType"))
	prompt, ok := voicemailPrompts[messageType]
	if !ok {
		prompt = voicemailPrompts[models.VoiceMessageVoicemail]
	}
	s.logger.Info("playing voicemail prompt", "comm_id", commID, "voice_message_type", messageType)

	response, err := voice.VoicemailResponse(prompt)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeXML(w, response)
}

// handleTransferToNumber answers the transfer target of a caller-requested
// number transfer: it dials the requested number.
func (s *Server) handleTransferToNumber(w http.ResponseWriter, r *http.Request) {
	commID, ok := s.queryUUID(r, "commId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid commId")
		return
	}
	number := r.URL.Query().Get("number")
	if number == "" {
		writeError(w, http.StatusBadRequest, "missing number")
		return
	}
	s.logger.Info("dialing transfer number", "comm_id", commID, "number", number)

	response, err := voice.DialResponse(number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeXML(w, response)
}

// handleHangup fires when the waiting caller hung up.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	commID, ok := s.queryUUID(r, "commId")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid commId")
		return
	}

	if err := s.service.HandleHangup(r.Context(), commID); err != nil {
		s.logger.Error("failed to publish hangup", "comm_id", commID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
