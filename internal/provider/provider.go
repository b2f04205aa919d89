// Package provider wraps the telephony provider's REST API. All call
// control operations go through the Ops interface so services stay
// testable and so the HTTP client is never invoked inside a database
// transaction.
package provider

import "context"

// MakeCallParams describes one outbound call leg. To may carry several
// destinations joined by '<'; the provider rings them simultaneously
// and the first to answer wins.
type MakeCallParams struct {
	From       string `json:"from"`
	To         string `json:"to"`
	CallerName string `json:"caller_name,omitempty"`

	// MachineDetection is empty to disable detection or "hangup" to
	// drop the leg when a machine answers.
	MachineDetection          string `json:"machine_detection,omitempty"`
	MachineDetectionTimeoutMS int    `json:"machine_detection_time,omitempty"`

	AnswerURL string `json:"answer_url"`
	HangupURL string `json:"hangup_url,omitempty"`

	// RingTimeoutSeconds bounds how long the leg rings before the
	// provider gives up.
	RingTimeoutSeconds int `json:"ring_timeout,omitempty"`
}

// CallHandle identifies a call leg created by MakeCall.
type CallHandle struct {
	ID string `json:"call_id"`
}

// LiveCall is the provider's view of an in-progress call.
type LiveCall struct {
	ID       string `json:"call_id"`
	Status   string `json:"call_status"`
	From     string `json:"from"`
	To       string `json:"to"`
	Duration int    `json:"session_duration"`
}

// Ops is the set of call control operations the queue needs.
type Ops interface {
	// MakeCall places an outbound call leg.
	MakeCall(ctx context.Context, params MakeCallParams) (*CallHandle, error)

	// TransferCall redirects an answered call to a new answer URL.
	TransferCall(ctx context.Context, callID, answerURL string) error

	// HangupCall terminates a call leg. Hanging up a leg that already
	// ended is not an error.
	HangupCall(ctx context.Context, callID string) error

	// GetLiveCall returns nil when the call is no longer live.
	GetLiveCall(ctx context.Context, callID string) (*LiveCall, error)

	// GetLiveCalls lists the ids of all live calls on the account.
	GetLiveCalls(ctx context.Context) ([]string, error)
}
