// Package notify publishes lifecycle events to external listeners.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"milapp/internal/domain"
)

// Event types.
const (
	EventProjectCreated  = "project.created"
	EventProjectUpdated  = "project.updated"
	EventProjectArchived = "project.archived"
	EventStageAdvanced   = "stage.advanced"
	EventStageReverted   = "stage.reverted"
	EventGateInitialized = "gate.initialized"
	EventGateDecision    = "gate.decision"
	EventGateEscalated   = "gate.escalated"
)

type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id"`
	GateID    string         `json:"gate_id,omitempty"`
	ActorID   string         `json:"actor_id"`
	From      domain.Stage   `json:"from,omitempty"`
	To        domain.Stage   `json:"to,omitempty"`
	Status    string         `json:"status,omitempty"`
	Timestamp time.Time      `json:"ts"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Notifier delivers an event. Callers treat failures as warnings.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory. Tests use it to assert deliveries.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
	Err    error
}

func (r *Recorder) Notify(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, evt)
	return r.Err
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}
