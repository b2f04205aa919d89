package bus

import (
	"context"
	"encoding/json"
	"testing"
)

func TestInProcDispatchesToHandler(t *testing.T) {
	b := NewInProc()

	var got map[string]string
	b.Subscribe("calls.enqueued", func(ctx context.Context, payload []byte) Result {
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		return Result{Processed: true}
	})

	err := b.Publish(context.Background(), "calls.enqueued", "comm-1", map[string]string{"commId": "comm-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got["commId"] != "comm-1" {
		t.Errorf("handler got commId %q, want comm-1", got["commId"])
	}
	if len(b.Unprocessed) != 0 {
		t.Errorf("got %d unprocessed messages, want 0", len(b.Unprocessed))
	}
}

func TestInProcRecordsUnprocessed(t *testing.T) {
	b := NewInProc()
	b.Subscribe("calls.timeout", func(ctx context.Context, payload []byte) Result {
		return Result{Processed: false}
	})

	if err := b.Publish(context.Background(), "calls.timeout", "comm-2", struct{}{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(b.Unprocessed) != 1 {
		t.Fatalf("got %d unprocessed messages, want 1", len(b.Unprocessed))
	}
	if b.Unprocessed[0].Key != "comm-2" {
		t.Errorf("unprocessed key = %q, want comm-2", b.Unprocessed[0].Key)
	}
}

func TestInProcPublishWithoutHandler(t *testing.T) {
	b := NewInProc()

	if err := b.Publish(context.Background(), "calls.hangup", "comm-3", struct{}{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := len(b.MessagesFor("calls.hangup")); got != 1 {
		t.Errorf("got %d recorded messages, want 1", got)
	}
}
