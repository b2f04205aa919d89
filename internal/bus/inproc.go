package bus

import (
	"context"
	"sync"
)

// InProc is a synchronous in-process Bus. Publish runs the subscribed
// handler inline and records messages that no handler accepted. Used by
// tests and by single-process deployments.
type InProc struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc

	// Published keeps every message in publish order, for inspection.
	Published []InProcMessage

	// Unprocessed collects messages whose handler returned Processed=false.
	Unprocessed []InProcMessage
}

// InProcMessage is one delivered message.
type InProcMessage struct {
	Topic   string
	Key     string
	Payload []byte
}

// NewInProc returns an empty in-process bus.
func NewInProc() *InProc {
	return &InProc{handlers: make(map[string]HandlerFunc)}
}

// Publish encodes the message and dispatches it synchronously.
func (b *InProc) Publish(ctx context.Context, topic, key string, message any) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}

	b.mu.Lock()
	handler := b.handlers[topic]
	msg := InProcMessage{Topic: topic, Key: key, Payload: payload}
	b.Published = append(b.Published, msg)
	b.mu.Unlock()

	if handler == nil {
		return nil
	}
	if res := handler(ctx, payload); !res.Processed {
		b.mu.Lock()
		b.Unprocessed = append(b.Unprocessed, msg)
		b.mu.Unlock()
	}
	return nil
}

// Subscribe registers a handler for a topic.
func (b *InProc) Subscribe(topic string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
}

// MessagesFor returns the published messages for one topic.
func (b *InProc) MessagesFor(topic string) []InProcMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []InProcMessage
	for _, m := range b.Published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
