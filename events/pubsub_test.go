package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestEventJSONShape(t *testing.T) {
	ev := New(TypeBatchStarted, map[string]any{"batch_id": "b-1", "attempt_count": 2})

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded["type"] != string(TypeBatchStarted) {
		t.Errorf("type = %v, want %s", decoded["type"], TypeBatchStarted)
	}
	data, ok := decoded["data"].(map[string]any)
	if !ok || data["batch_id"] != "b-1" {
		t.Errorf("data = %v, want batch_id b-1", decoded["data"])
	}
	if _, ok := decoded["timestamp"]; !ok {
		t.Error("timestamp missing from encoded event")
	}
}

func TestEventOmitsEmptyData(t *testing.T) {
	raw, err := json.Marshal(New(TypeConnected, nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := decoded["data"]; present {
		t.Error("empty data should be omitted from the payload")
	}
}

func TestPublishSwallowsBrokerFailure(t *testing.T) {
	// Nothing listens on this port; Publish must log and return, never
	// surface the failure to the batch transition that already committed.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	defer client.Close()

	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	pub := NewRedisPublisher(client, "callflow.pipeline", logger)
	pub.Publish(context.Background(), New(TypeBatchCompleted, map[string]any{"batch_id": "x"}))

	if !strings.Contains(buf.String(), "event publish failed") {
		t.Errorf("expected publish failure to be logged, got %q", buf.String())
	}
}

// TestRedisPubSubRoundTrip needs a live Redis via REDIS_URL.
func TestRedisPubSubRoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL is empty; set it to a live Redis to run pub/sub test")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	channel := "callflow.pipeline.test"

	ch, release, err := NewRedisSubscriber(client, channel, logger).Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer release()

	NewRedisPublisher(client, channel, logger).Publish(ctx, New(TypeBatchCompleted, map[string]any{"batch_id": "rt-1"}))

	select {
	case ev := <-ch:
		if ev.Type != TypeBatchCompleted {
			t.Errorf("received type %s, want %s", ev.Type, TypeBatchCompleted)
		}
		if ev.Data["batch_id"] != "rt-1" {
			t.Errorf("received data %v, want batch_id rt-1", ev.Data)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for published event")
	}
}
