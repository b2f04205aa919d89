// Package bus provides the message transport the call-queue state machine
// runs on: at-least-once delivery with an explicit processed/not-processed
// acknowledgment, so a handler that hits a transient storage failure gets
// the whole transition redelivered.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Result is a handler's acknowledgment. Processed=false asks the transport
// to redeliver the message after a backoff; Fatal=true marks the failure
// as permanent (a malformed payload will not decode any better on the
// next attempt) so the transport dead-letters it without retrying.
type Result struct {
	Processed bool
	Fatal     bool
}

// HandlerFunc consumes one message payload. Implementations must tolerate
// duplicate and out-of-order delivery.
type HandlerFunc func(ctx context.Context, payload []byte) Result

// Publisher publishes messages to a topic. The key selects the partition,
// so messages sharing a key are delivered in order relative to each other.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, message any) error
}

// Subscriber registers a handler for a topic. All registrations must happen
// before the transport starts consuming.
type Subscriber interface {
	Subscribe(topic string, handler HandlerFunc)
}

// Bus is a full message transport.
type Bus interface {
	Publisher
	Subscriber
}

// Encode marshals a message payload for publishing.
func Encode(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encoding bus message: %w", err)
	}
	return payload, nil
}
