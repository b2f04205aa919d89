// Package queue implements call queuing and agent dequeue orchestration:
// inbound calls wait in a per-team queue until they are connected to an
// agent, sent to voicemail, transferred, or expired. State transitions
// are driven by bus messages; correctness under concurrent consumers
// relies on row-level locking in the queue store, not on in-process
// mutual exclusion.
package queue

import "github.com/google/uuid"

// Bus topics consumed and produced by the queue subsystem. Messages are
// keyed by comm id so all transitions for one call stay ordered within
// a partition.
const (
	TopicCallEnqueued              = "callqueue.call-enqueued"
	TopicCallReadyForDequeue       = "callqueue.call-ready-for-dequeue"
	TopicCallQueueTimeout          = "callqueue.call-queue-timeout"
	TopicCallbackRequested         = "callqueue.callback-requested"
	TopicVoicemailRequested        = "callqueue.voicemail-requested"
	TopicTransferToNumberRequested = "callqueue.transfer-to-number-requested"
	TopicHangup                    = "callqueue.hangup"
	TopicEndOfDay                  = "callqueue.end-of-day"
	TopicAgentsOffline             = "callqueue.agents-offline"
	TopicUserAvailable             = "callqueue.user-available"
)

// EnqueuedMessage announces a call that was just routed to the queue.
// TransferredFrom carries the agent a transferred call came from, who is
// pre-recorded as a decliner so the call does not bounce back to them.
type EnqueuedMessage struct {
	CommID          uuid.UUID  `json:"commId"`
	TeamID          uuid.UUID  `json:"teamId"`
	TransferredFrom *uuid.UUID `json:"transferredFrom,omitempty"`
}

// ReadyForDequeueMessage unlocks a call for the next dequeue attempt,
// optionally recording the agent who declined the previous one.
type ReadyForDequeueMessage struct {
	CommID           uuid.UUID  `json:"commId"`
	DeclinedByUserID *uuid.UUID `json:"declinedByUserId,omitempty"`
}

// TimeoutMessage fires when a call's configured queue time elapsed.
type TimeoutMessage struct {
	CommID uuid.UUID `json:"commId"`
	TeamID uuid.UUID `json:"teamId"`
}

// CallbackMessage is the caller asking to be called back.
type CallbackMessage struct {
	CommID uuid.UUID `json:"commId"`
}

// VoicemailMessage is the caller asking to leave a voicemail.
type VoicemailMessage struct {
	CommID uuid.UUID `json:"commId"`
	TeamID uuid.UUID `json:"teamId"`
}

// TransferToNumberMessage is the caller asking to be transferred to an
// external number.
type TransferToNumberMessage struct {
	CommID uuid.UUID `json:"commId"`
	Number string    `json:"number"`
}

// HangupMessage announces that the waiting caller hung up.
type HangupMessage struct {
	CommID uuid.UUID `json:"commId"`
}

// TeamsMessage carries the teams targeted by a bulk sweep.
type TeamsMessage struct {
	TeamIDs []uuid.UUID `json:"teamIds"`
}

// UserAvailableMessage announces an agent becoming available.
type UserAvailableMessage struct {
	UserID uuid.UUID `json:"userId"`
}
