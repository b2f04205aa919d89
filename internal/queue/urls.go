package queue

import (
	"net/url"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/database/models"
)

// URLBuilder assembles the webhook and asset URLs handed to the voice
// provider.
type URLBuilder struct {
	// WebhookBase is the externally reachable base of the webhook API,
	// e.g. https://voice.example.com/webhooks.
	WebhookBase string

	// AudioAssetsBase serves the holding music and recorded prompts.
	AudioAssetsBase string
}

func (b URLBuilder) build(path string, params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return b.WebhookBase + path + "?" + q.Encode()
}

// DigitsPressed receives the caller's IVR menu choice.
func (b URLBuilder) DigitsPressed(commID, teamID uuid.UUID) string {
	return b.build("/digits-pressed", map[string]string{
		"commId": commID.String(),
		"teamId": teamID.String(),
	})
}

// ReadyForDequeue is hit when a hold response finishes without input.
func (b URLBuilder) ReadyForDequeue(commID, teamID uuid.UUID) string {
	return b.build("/call-ready-for-dequeue", map[string]string{
		"commId": commID.String(),
		"teamId": teamID.String(),
	})
}

// AgentCallForQueue answers a call leg fired at an agent.
func (b URLBuilder) AgentCallForQueue(commID, userID uuid.UUID) string {
	return b.build("/agent-call-for-queue", map[string]string{
		"commId": commID.String(),
		"userId": userID.String(),
	})
}

// TransferFromQueue bridges the waiting caller to the answering agent.
func (b URLBuilder) TransferFromQueue(commID uuid.UUID) string {
	return b.build("/transfer-from-queue", map[string]string{
		"commId": commID.String(),
	})
}

// Voicemail plays the given prompt and records a message.
func (b URLBuilder) Voicemail(commID uuid.UUID, messageType models.VoiceMessageType) string {
	return b.build("/voicemail", map[string]string{
		"commId":           commID.String(),
		"voiceMessageType": string(messageType),
	})
}

// TransferToNumber dials out to an external number.
func (b URLBuilder) TransferToNumber(commID uuid.UUID, number string) string {
	return b.build("/transfer-to-number", map[string]string{
		"commId": commID.String(),
		"number": number,
	})
}

// HoldingMusic returns the hold audio asset URL.
func (b URLBuilder) HoldingMusic(file string) string {
	return b.AudioAssetsBase + "/" + file
}
