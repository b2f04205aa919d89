package queue

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/max-tl-2000/red-callqueue/internal/notify"
	"github.com/max-tl-2000/red-callqueue/internal/voice"
)

// Publisher sends messages onto the bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, message any) error
}

// Notifier broadcasts UI events, fire and forget.
type Notifier interface {
	Notify(event string, data any, routing notify.Routing)
}

// Presence answers whether agents have a live frontend connection.
// Agents without one never get calls fired at them.
type Presence interface {
	IsUserOnline(userID uuid.UUID) bool
	FilterOnline(userIDs []uuid.UUID) []uuid.UUID
}

// RestrictedCallerIDReplacement substitutes anonymous caller ids, which
// the provider rejects as a from number. The replacement does not affect
// routing or party association.
const RestrictedCallerIDReplacement = "1000000000"

var phonePattern = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// validCallerID reports whether the number can be used as a from field.
func validCallerID(number string) bool {
	return phonePattern.MatchString(number)
}

// Config is the queue subsystem's tunables.
type Config struct {
	URLs URLBuilder

	// RingTimeBeforeVoicemail bounds how long an agent leg rings.
	RingTimeBeforeVoicemail int

	// OwnerPriorityOffset is how many seconds earlier a call sorts for
	// the agent owning its party.
	OwnerPriorityOffset int

	// UserAvailabilityDelay debounces near-simultaneous availability
	// events before triggering a dequeue scan.
	UserAvailabilityDelay time.Duration

	// HoldingMusicFile is the hold audio asset name.
	HoldingMusicFile string

	// WelcomeMessage is played to callers entering the queue.
	WelcomeMessage voice.Message

	// CallbackAckMessage confirms a callback request before hangup.
	CallbackAckMessage voice.Message
}
