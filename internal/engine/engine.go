package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"milapp/internal/config"
	"milapp/internal/engine/auth"
	"milapp/internal/lifecycle"
	"milapp/internal/logging"
	"milapp/internal/notify"
	"milapp/internal/rules"
	"milapp/internal/store"
	"milapp/internal/telemetry"
)

var (
	// ErrConcurrentModification means another writer changed the project or
	// gate between load and save. Callers may retry.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrGateFinalized is returned when scores or approvals are sent to an
	// approved or rejected gate.
	ErrGateFinalized   = errors.New("gate is finalized")
	ErrProjectArchived = errors.New("project is archived")
)

// RejectedError carries the policy reasons a transition was refused.
type RejectedError struct {
	Reasons []lifecycle.Reason
}

func (e *RejectedError) Error() string {
	parts := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		parts[i] = r.String()
	}
	return "transition rejected: " + strings.Join(parts, "; ")
}

// systemActor signs gate updates the engine makes on its own.
const systemActor = "system"

type Engine struct {
	Store     store.Store
	Config    *config.Config
	Policy    lifecycle.Policy
	Auth      auth.Service
	Rules     *rules.Evaluator
	Notifier  notify.Notifier
	Log       *logging.Logger
	Telemetry telemetry.Instruments
	Now       func() time.Time
	NewID     func() string
}

// New wires an engine over st. A nil cfg uses the built-in configuration.
func New(st store.Store, cfg *config.Config, log *logging.Logger, n notify.Notifier) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	policy := cfg.Policy()
	if err := policy.Validate(); err != nil {
		return Engine{}, err
	}
	ev, err := rules.New()
	if err != nil {
		return Engine{}, err
	}
	for _, g := range cfg.Gates {
		for _, c := range g.Criteria {
			if c.Expr == "" {
				continue
			}
			if err := ev.Check(c.Expr); err != nil {
				return Engine{}, fmt.Errorf("gate %s criterion %s: %w", g.Type, c.Key, err)
			}
		}
	}
	if log == nil {
		log = logging.Nop()
	}
	if n == nil {
		n = notify.Nop{}
	}
	return Engine{
		Store:     st,
		Config:    cfg,
		Policy:    policy,
		Auth:      auth.Service{Roles: cfg.RoleCapabilities()},
		Rules:     ev,
		Notifier:  n,
		Log:       log,
		Telemetry: telemetry.NewInstruments(),
		Now:       time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log() *logging.Logger {
	if e.Log == nil {
		return logging.Nop()
	}
	return e.Log
}

func (e Engine) tracer() trace.Tracer {
	if e.Telemetry.Tracer != nil {
		return e.Telemetry.Tracer
	}
	return otel.Tracer("milapp/engine")
}

func (e Engine) actor(id, role string) lifecycle.Actor {
	return lifecycle.Actor{ID: id, Role: role, Capabilities: e.Auth.Capabilities(role)}
}

// publish delivers evt after commit. Failures become warnings.
func (e Engine) publish(ctx context.Context, evt notify.Event) []string {
	if e.Notifier == nil {
		return nil
	}
	if evt.ID == "" {
		evt.ID = e.newID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.now()
	}
	if err := e.Notifier.Notify(ctx, evt); err != nil {
		e.log().Warn("notification failed", "event", evt.Type, "project_id", evt.ProjectID, "error", err)
		return []string{fmt.Sprintf("notify %s: %v", evt.Type, err)}
	}
	return nil
}

func reasonStrings(rs []lifecycle.Reason) []string {
	if len(rs) == 0 {
		return nil
	}
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out
}

func conflictOrErr(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return ErrConcurrentModification
	}
	return err
}
