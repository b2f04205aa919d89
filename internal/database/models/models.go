// Package models contains the database entity types shared by repositories
// and services.
package models

import (
	"time"

	"github.com/google/uuid"
)

// UserStatus is the availability state of an agent.
type UserStatus string

const (
	UserStatusAvailable    UserStatus = "AVAILABLE"
	UserStatusBusy         UserStatus = "BUSY"
	UserStatusNotAvailable UserStatus = "NOT_AVAILABLE"
)

// RoutingStrategy is the per-team policy for how many agents are rung
// simultaneously for one queued call.
type RoutingStrategy string

const (
	// RoutingRoundRobin rings one agent at a time, preferring the agent
	// idle longest; each available agent is matched to a distinct call.
	RoutingRoundRobin RoutingStrategy = "ROUND_ROBIN"

	// RoutingEverybody rings every available agent for the team's oldest
	// queued call at once; the first leg to answer wins.
	RoutingEverybody RoutingStrategy = "EVERYBODY"
)

// MissedCallReason records why a queued call was never connected to an agent.
type MissedCallReason string

const (
	MissedReasonNormalQueue   MissedCallReason = "NORMAL_QUEUE"
	MissedReasonDeclinedByAll MissedCallReason = "QUEUE_DECLINED_BY_ALL"
	MissedReasonTimeExpired   MissedCallReason = "QUEUE_TIME_EXPIRED"
	MissedReasonEndOfDay      MissedCallReason = "QUEUE_END_OF_DAY"
	MissedReasonAgentsOffline MissedCallReason = "QUEUE_AGENTS_OFFLINE"
)

// CallerRequestedAction is the IVR action a waiting caller chose.
type CallerRequestedAction string

const (
	ActionCallBack         CallerRequestedAction = "CALL_BACK"
	ActionVoicemail        CallerRequestedAction = "VOICEMAIL"
	ActionTransferToNumber CallerRequestedAction = "TRANSFER_TO_NUMBER"
)

// VoiceMessageType selects which recorded prompt is played to the caller.
type VoiceMessageType string

const (
	VoiceMessageQueueWelcome     VoiceMessageType = "CALL_QUEUE_WELCOME"
	VoiceMessageQueueUnavailable VoiceMessageType = "CALL_QUEUE_UNAVAILABLE"
	VoiceMessageQueueClosing     VoiceMessageType = "CALL_QUEUE_CLOSING"
	VoiceMessageVoicemail        VoiceMessageType = "VOICEMAIL"
	VoiceMessageRecordingNotice  VoiceMessageType = "RECORDING_NOTICE"
)

// QueuedCall is one row in the wait queue. A row exists from enqueue until
// the call is answered, voicemailed, transferred, or expired; comm_id is
// unique so at most one row exists per communication at any time.
type QueuedCall struct {
	ID     uuid.UUID
	CommID uuid.UUID
	TeamID uuid.UUID

	// LockedForDequeue is true while an agent-connect attempt is in
	// flight. It is the sole synchronization primitive preventing two
	// dequeue attempts from firing agent calls for the same comm.
	LockedForDequeue bool

	// DeclinedByUserIDs is append-only with set semantics.
	DeclinedByUserIDs []uuid.UUID

	// FiredCallsToAgents maps an agent to the provider call legs that
	// were placed to their endpoints and have not been taken yet.
	FiredCallsToAgents map[uuid.UUID][]string

	CreatedAt time.Time
}

// AllFiredCalls flattens the per-agent fired call legs into one list.
func (q *QueuedCall) AllFiredCalls() []string {
	var ids []string
	for _, legs := range q.FiredCallsToAgents {
		ids = append(ids, legs...)
	}
	return ids
}

// HasDeclined reports whether the given user already declined this call.
func (q *QueuedCall) HasDeclined(userID uuid.UUID) bool {
	for _, id := range q.DeclinedByUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// QueueStatistics tracks a call's queue lifetime. It is created at enqueue
// and outlives the QueuedCall row; it is never deleted in normal operation.
type QueueStatistics struct {
	ID                     uuid.UUID
	CommunicationID        uuid.UUID
	EntryTime              time.Time
	ExitTime               *time.Time
	UserID                 *uuid.UUID
	HangUp                 bool
	CallBackTime           *time.Time
	TransferredToVoiceMail bool
	CallerRequestedAction  *CallerRequestedAction
	Metadata               map[string]any
}

// StatsDelta is a partial update to a QueueStatistics row. Scalars replace,
// Metadata is shallow-merged into the existing JSON bag. A nil pointer field
// leaves the column untouched.
type StatsDelta struct {
	ExitTime               *time.Time
	UserID                 *uuid.UUID
	HangUp                 *bool
	CallBackTime           *time.Time
	TransferredToVoiceMail *bool
	CallerRequestedAction  *CallerRequestedAction
	Metadata               map[string]any
}

// OfficeHours is a daily open/close window in the team's time zone.
// Start and End are minutes since midnight; a zero window means closed.
type OfficeHours struct {
	StartMinutes int `json:"startMinutes"`
	EndMinutes   int `json:"endMinutes"`
}

// Team is the subset of team configuration the queue subsystem reads.
type Team struct {
	ID                  uuid.UUID
	Name                string
	DisplayName         string
	TimeZone            string
	Inactive            bool
	CallQueueEnabled    bool
	TimeToVoiceMail     int // seconds a call may wait before voicemail
	CallRoutingStrategy RoutingStrategy
	DefaultOwnerID      *uuid.UUID
	OfficeHours         map[time.Weekday]OfficeHours
}

// User is an agent that can receive queued calls.
type User struct {
	ID                        uuid.UUID
	FullName                  string
	Status                    UserStatus
	SipEndpoints              []string
	ExternalPhones            []string
	LockedForCallQueueRouting bool
	LastCallTime              *time.Time
	TeamIDs                   []uuid.UUID
}

// CallEndpoints are the dialable endpoints for one agent, split by class:
// SIP endpoints are rung with machine detection disabled, external ring
// phones with machine detection enabled.
type CallEndpoints struct {
	UserID         uuid.UUID
	SipEndpoints   []string
	ExternalPhones []string
}

// Communication is the subset of the external communication record the
// queue subsystem reads and updates.
type Communication struct {
	ID        uuid.UUID
	MessageID string // provider call id of the caller leg
	Direction string
	UserID    *uuid.UUID
	Parties   []uuid.UUID
	Teams     []uuid.UUID
	Message   map[string]any // JSON bag: from, to, rawMessage, isMissed, ...
	Unread    bool
	CreatedAt time.Time
}

// From returns the caller number from the communication's message bag.
func (c *Communication) From() string {
	if v, ok := c.Message["from"].(string); ok {
		return v
	}
	return ""
}

// CallerName returns the caller display name, falling back to the number.
func (c *Communication) CallerName() string {
	if raw, ok := c.Message["rawMessage"].(map[string]any); ok {
		if v, ok := raw["CallerName"].(string); ok && v != "" {
			return v
		}
	}
	return c.From()
}

// CommDelta is a partial update to a communication record. Message is
// shallow-merged into the JSON bag; pointer scalars replace when non-nil.
type CommDelta struct {
	UserID  *uuid.UUID
	Unread  *bool
	Message map[string]any
}

// Party is the calling party a communication belongs to.
type Party struct {
	ID      uuid.UUID
	OwnerID *uuid.UUID
}

// TeamCallQueueCount is the number of waiting calls for one team, used for
// UI queue-count notifications.
type TeamCallQueueCount struct {
	TeamID uuid.UUID `json:"teamId"`
	Count  int       `json:"count"`
}
