package events

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceChat, Kind: KindRequestStart})
	b.Emit(SourceTools, KindToolCall, nil)
	if b.SubscriberCount() != 0 || b.Dropped() != 0 || b.Recent() != nil {
		t.Error("nil bus should report nothing")
	}
}

func TestFanOut(t *testing.T) {
	b := New(0)
	subs := []<-chan Event{b.Subscribe(4), b.Subscribe(4), b.Subscribe(4)}
	defer func() {
		for _, ch := range subs {
			b.Unsubscribe(ch)
		}
	}()

	b.Emit(SourceWorkflow, KindWorkflowStarted, map[string]any{"conversation_id": "c1", "entity_type": "task"})

	for i, ch := range subs {
		got := recv(t, ch)
		if got.Source != SourceWorkflow || got.Kind != KindWorkflowStarted || got.Data["entity_type"] != "task" {
			t.Errorf("subscriber %d got %+v", i, got)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	tests := []struct {
		name        string
		buffer      int
		publish     int
		wantKinds   string
		wantDropped int64
	}{
		{"room for all", 4, 3, "abc", 0},
		{"full buffer drops the rest", 1, 3, "a", 2},
		{"unbuffered subscriber misses everything", 0, 2, "", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(0)
			ch := b.Subscribe(tt.buffer)
			for i := range tt.publish {
				b.Emit(SourceChat, string(rune('a'+i)), nil)
			}
			b.Unsubscribe(ch)

			var got string
			for e := range ch {
				got += e.Kind
			}
			if got != tt.wantKinds {
				t.Errorf("delivered %q, want %q", got, tt.wantKinds)
			}
			if b.Dropped() != tt.wantDropped {
				t.Errorf("Dropped() = %d, want %d", b.Dropped(), tt.wantDropped)
			}
		})
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(0)
	ch1 := b.Subscribe(1)
	ch2 := b.Subscribe(1)
	if n := b.SubscriberCount(); n != 2 {
		t.Fatalf("SubscriberCount() = %d, want 2", n)
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if _, ok := <-ch1; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", n)
	}

	b.Emit(SourceTools, KindToolDone, nil)
	if e := recv(t, ch2); e.Kind != KindToolDone {
		t.Errorf("remaining subscriber got %+v", e)
	}
	b.Unsubscribe(ch2)
}

func TestEmitStampsTime(t *testing.T) {
	b := New(0)
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceTools, KindToolDone, map[string]any{"tool": "get_my_tasks"})
	if got := recv(t, ch); got.Timestamp.Before(before) {
		t.Errorf("Timestamp %v before %v", got.Timestamp, before)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New(16)
	ch := b.Subscribe(64)

	var received int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
			received++
		}
	}()

	var wg sync.WaitGroup
	for p := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				b.Emit(SourceChat, KindToolCall, map[string]any{"publisher": p, "seq": i})
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)
	<-done

	if int64(received)+b.Dropped() != 800 {
		t.Errorf("received %d + dropped %d, want 800", received, b.Dropped())
	}
	if n := len(b.Recent()); n != 16 {
		t.Errorf("history holds %d events, want 16", n)
	}
}

func TestRecent(t *testing.T) {
	tests := []struct {
		name    string
		history int
		emit    string
		want    string
	}{
		{"disabled", 0, "abc", ""},
		{"partial", 3, "ab", "ab"},
		{"exactly full", 3, "abc", "abc"},
		{"wrapped", 3, "abcde", "cde"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.history)
			for _, k := range tt.emit {
				b.Emit(SourceChat, string(k), nil)
			}
			var got string
			for _, e := range b.Recent() {
				got += e.Kind
			}
			if got != tt.want {
				t.Errorf("Recent() = %q, want %q", got, tt.want)
			}
		})
	}
}
