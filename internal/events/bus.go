// Package events is the in-process bus for operational events. The
// chat service, guided workflows, tool execution and the health
// watchers publish; the WebSocket feed and the MQTT forwarder
// subscribe. A nil *Bus accepts and discards events, so publishers
// never check for one.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceChat identifies events from the chat service.
	SourceChat = "chat"
	// SourceWorkflow identifies events from guided workflows.
	SourceWorkflow = "workflow"
	// SourceTools identifies events from tool execution.
	SourceTools = "tools"
	// SourceHealth identifies dependency health transitions.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a chat request.
	// Data: request_id, conversation_id, route.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of a model call.
	// Data: request_id, round, model, stream.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model call.
	// Data: request_id, round, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of a chat request.
	// Data: request_id, conversation_id, route, ok, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindWorkflowStarted signals a guided workflow was created.
	// Data: conversation_id, entity_type.
	KindWorkflowStarted = "workflow_started"
	// KindWorkflowStep signals a guided workflow advanced.
	// Data: conversation_id, entity_type, step.
	KindWorkflowStep = "workflow_step"
	// KindWorkflowCancelled signals the user abandoned a workflow.
	// Data: conversation_id, entity_type.
	KindWorkflowCancelled = "workflow_cancelled"
	// KindWorkflowCompleted signals a workflow's tool call succeeded.
	// Data: conversation_id, entity_type, tool.
	KindWorkflowCompleted = "workflow_completed"
	// KindWorkflowFailed signals a workflow's tool call failed.
	// Data: conversation_id, entity_type, tool, error.
	KindWorkflowFailed = "workflow_failed"

	// KindServiceReady signals a dependency became reachable.
	// Data: service.
	KindServiceReady = "service_ready"
	// KindServiceDown signals a dependency became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus fans events out to buffered subscriber channels. Publishing
// never blocks: a subscriber whose buffer is full misses the event and
// the miss is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]*subscription
	dropped atomic.Int64

	// history is a ring of the most recent events, replayed to new
	// WebSocket clients. Nil when disabled.
	history []Event
	head    int
	wrapped bool
}

type subscription struct {
	ch chan Event
}

// New returns a bus that keeps the last history events for Recent.
// Zero disables the history.
func New(history int) *Bus {
	b := &Bus{subs: make(map[<-chan Event]*subscription)}
	if history > 0 {
		b.history = make([]Event, history)
	}
	return b
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish delivers e to every subscriber with room for it. A nil bus
// discards everything.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remember(e)
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// remember appends e to the history ring. Callers hold b.mu.
func (b *Bus) remember(e Event) {
	if len(b.history) == 0 {
		return
	}
	b.history[b.head] = e
	b.head++
	if b.head == len(b.history) {
		b.head = 0
		b.wrapped = true
	}
}

// Subscribe registers a subscriber with a bufSize-event buffer. The
// channel stays open until Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	sub := &subscription{ch: make(chan Event, bufSize)}
	b.mu.Lock()
	b.subs[sub.ch] = sub
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes the subscription and closes its channel.
// Unknown or already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Recent returns the retained history, oldest first.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.wrapped {
		return append([]Event(nil), b.history[:b.head]...)
	}
	out := make([]Event, 0, len(b.history))
	out = append(out, b.history[b.head:]...)
	return append(out, b.history[:b.head]...)
}
