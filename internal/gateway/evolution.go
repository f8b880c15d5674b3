package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drostlabs/drost/pkg/control"
)

// Evolution error codes.
const (
	EvolutionDisabled       = "disabled"
	EvolutionBusy           = "busy"
	EvolutionInvalidRequest = "invalid_request"
	EvolutionFailed         = "failed"
)

// EvolutionError carries an evolution code.
type EvolutionError struct {
	Code    string
	Message string
}

func (e *EvolutionError) Error() string { return fmt.Sprintf("evolution: %s: %s", e.Code, e.Message) }

// Evolution is one open self-modification transaction.
type Evolution struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	StartedAt time.Time `json:"startedAt"`
}

// evolutions guards self-modification restarts: at most one transaction is
// open, and committing runs the restart path with intent self_mod.
type evolutions struct {
	enabled bool
	publish func(eventType string, attrs map[string]interface{}) control.RuntimeEvent
	restart func(ctx context.Context, req RestartRequest) RestartDecision

	mu     sync.Mutex
	active *Evolution
}

// Begin opens a transaction.
func (e *evolutions) Begin(reason string) (*Evolution, error) {
	if !e.enabled {
		return nil, &EvolutionError{Code: EvolutionDisabled, Message: "evolution is disabled"}
	}
	if reason == "" {
		return nil, &EvolutionError{Code: EvolutionInvalidRequest, Message: "reason is required"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, &EvolutionError{Code: EvolutionBusy, Message: "an evolution is already active: " + e.active.ID}
	}
	e.active = &Evolution{ID: uuid.NewString(), Reason: reason, StartedAt: time.Now().UTC()}
	e.publish(control.EventEvolutionStarted, map[string]interface{}{"id": e.active.ID, "reason": reason})
	return e.active, nil
}

// Commit executes the restart for the open transaction. Restart blocks map
// to EvolutionFailed; the transaction closes either way.
func (e *evolutions) Commit(ctx context.Context, id string) error {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if active == nil || active.ID != id {
		return &EvolutionError{Code: EvolutionInvalidRequest, Message: "no active evolution with id " + id}
	}

	decision := e.restart(ctx, RestartRequest{Intent: IntentSelfMod, Reason: active.Reason})
	e.mu.Lock()
	e.active = nil
	e.mu.Unlock()

	if !decision.OK {
		e.publish(control.EventEvolutionFailed, map[string]interface{}{"id": id, "code": decision.Code})
		return &EvolutionError{Code: EvolutionFailed, Message: decision.Code + ": " + decision.Reason}
	}
	e.publish(control.EventEvolutionCommitted, map[string]interface{}{"id": id})
	return nil
}

// Abort discards the open transaction.
func (e *evolutions) Abort(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil || e.active.ID != id {
		return &EvolutionError{Code: EvolutionInvalidRequest, Message: "no active evolution with id " + id}
	}
	e.active = nil
	e.publish(control.EventEvolutionAborted, map[string]interface{}{"id": id})
	return nil
}

// Active returns the open transaction, if any.
func (e *evolutions) Active() *Evolution {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	cp := *e.active
	return &cp
}
