package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/foreman/internal/config"
	"github.com/nugget/foreman/internal/events"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (r *recordingPublisher) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.msgs = append(r.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (r *recordingPublisher) published() []*paho.Publish {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*paho.Publish(nil), r.msgs...)
}

func testForwarder(prefix string) *Forwarder {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(config.MQTTConfig{Broker: "mqtt://localhost:1883", TopicPrefix: prefix}, "foreman-test", events.New(0), logger)
}

func TestEventTopic(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		event  events.Event
		want   string
	}{
		{"plain", "foreman", events.Event{Source: "chat", Kind: "request_start"}, "foreman/events/chat/request_start"},
		{"trailing slash", "site/foreman/", events.Event{Source: "workflow", Kind: "workflow_step"}, "site/foreman/events/workflow/workflow_step"},
		{"wildcards", "foreman", events.Event{Source: "a/b", Kind: "x#+"}, "foreman/events/a_b/x__"},
		{"empty", "foreman", events.Event{}, "foreman/events/unknown/unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EventTopic(tt.prefix, tt.event); got != tt.want {
				t.Errorf("EventTopic() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward_PublishesEvents(t *testing.T) {
	f := testForwarder("foreman")
	pub := &recordingPublisher{}
	ch := make(chan events.Event, 2)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ch <- events.Event{Timestamp: ts, Source: events.SourceChat, Kind: events.KindRequestStart, Data: map[string]any{"route": "orchestrator"}}
	ch <- events.Event{Timestamp: ts, Source: events.SourceTools, Kind: events.KindToolDone}
	close(ch)

	f.forward(context.Background(), pub, ch)

	msgs := pub.published()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	if msgs[0].Topic != "foreman/events/chat/request_start" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}
	if msgs[0].Retain || msgs[0].QoS != 0 {
		t.Errorf("event published with retain=%v qos=%d, want false/0", msgs[0].Retain, msgs[0].QoS)
	}

	var got events.Event
	if err := json.Unmarshal(msgs[0].Payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Kind != events.KindRequestStart || got.Data["route"] != "orchestrator" || !got.Timestamp.Equal(ts) {
		t.Errorf("payload = %+v", got)
	}

	if published, failed := f.Stats(); published != 2 || failed != 0 {
		t.Errorf("Stats() = %d, %d; want 2, 0", published, failed)
	}
}

func TestForward_CountsFailures(t *testing.T) {
	f := testForwarder("foreman")
	pub := &recordingPublisher{err: errors.New("connection down")}
	ch := make(chan events.Event, 1)
	ch <- events.Event{Source: "chat", Kind: "llm_call"}
	close(ch)

	f.forward(context.Background(), pub, ch)

	if published, failed := f.Stats(); published != 0 || failed != 1 {
		t.Errorf("Stats() = %d, %d; want 0, 1", published, failed)
	}
}

func TestForward_StopsOnCancel(t *testing.T) {
	f := testForwarder("foreman")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.forward(ctx, &recordingPublisher{}, make(chan events.Event))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not return after cancel")
	}
}

func TestPublishStatus(t *testing.T) {
	f := testForwarder("foreman")
	pub := &recordingPublisher{}
	f.publishStatus(context.Background(), pub, "online")

	msgs := pub.published()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Topic != "foreman/status" || string(m.Payload) != "online" || !m.Retain || m.QoS != 1 {
		t.Errorf("status message = %+v", m)
	}
}

func TestStop_NotStarted(t *testing.T) {
	if err := testForwarder("foreman").Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start = %v, want nil", err)
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q", second, first)
	}
}

func TestLoadOrCreateInstanceID_CreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	if _, err := LoadOrCreateInstanceID(dir); err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
}

func TestClientID(t *testing.T) {
	got, err := ClientID("custom", t.TempDir())
	if err != nil || got != "custom" {
		t.Errorf("ClientID(custom) = %q, %v", got, err)
	}

	dir := t.TempDir()
	derived, err := ClientID("", dir)
	if err != nil {
		t.Fatalf("ClientID() error = %v", err)
	}
	if !strings.HasPrefix(derived, "foreman-") || len(derived) != len("foreman-")+12 {
		t.Errorf("ClientID() = %q, want foreman-<12 hex>", derived)
	}
	again, _ := ClientID("", dir)
	if again != derived {
		t.Errorf("ClientID() not stable: %q then %q", derived, again)
	}
}
