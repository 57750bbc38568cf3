// Package txn models the two-tier write policy used for membership changes:
// a transactional attempt, then a single best-effort fallback write, then a
// terminal error. Each tier retries network failures through a Retryer.
package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/trybe-app/trybesync/pkg/logger"
)

type State int

const (
	StateIdle State = iota
	StateAttempting
	StateCommitted
	StateFallingBack
	StateApplied
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAttempting:
		return "Attempting"
	case StateCommitted:
		return "Committed"
	case StateFallingBack:
		return "FallingBack"
	case StateApplied:
		return "Applied"
	case StateFailed:
		return "Failed"
	default:
		return "InvalidState"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateApplied || s == StateFailed
}

func (s State) validateTransitionTo(next State) error {
	switch s {
	case StateIdle:
		if next == StateAttempting {
			return nil
		}
	case StateAttempting:
		switch next {
		case StateCommitted, StateFallingBack, StateFailed:
			return nil
		}
	case StateFallingBack:
		switch next {
		case StateApplied, StateFailed:
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %v to %v", s, next)
}

// Step is one tier of the policy.
type Step func(ctx context.Context) error

type Plan struct {
	Name     string
	Primary  Step
	Fallback Step
	// Retryer applies to each tier separately. Nil disables retries.
	Retryer Retryer
	// Retryable selects errors worth retrying within a tier. Defaults to
	// IsNetwork.
	Retryable func(error) bool
	// SkipFallback, when it returns true for the primary error, goes straight
	// to Failed.
	SkipFallback func(error) bool
}

type Outcome struct {
	State       State
	PrimaryErr  error
	FallbackErr error
	History     []State
}

// Err is nil when the plan committed or the fallback applied.
func (o Outcome) Err() error {
	if o.State != StateFailed {
		return nil
	}
	if o.FallbackErr == nil {
		return o.PrimaryErr
	}
	return errors.Join(o.PrimaryErr, o.FallbackErr)
}

type machine struct {
	outcome Outcome
	log     logger.Logger
	name    string
}

func (m *machine) transitionTo(next State) {
	if err := m.outcome.State.validateTransitionTo(next); err != nil {
		// Unreachable unless Run is changed.
		panic(err)
	}
	m.outcome.State = next
	m.outcome.History = append(m.outcome.History, next)
	m.log.Debug("txn state transitioned", "plan", m.name, "new_state", next)
}

// Run executes the plan and returns its terminal outcome.
func Run(ctx context.Context, plan Plan, log logger.Logger) Outcome {
	if log == nil {
		log = logger.Nop()
	}
	m := &machine{log: log, name: plan.Name, outcome: Outcome{History: []State{StateIdle}}}

	m.transitionTo(StateAttempting)
	err := Retry(ctx, plan.Retryer, plan.Retryable, plan.Primary)
	if err == nil {
		m.transitionTo(StateCommitted)
		return m.outcome
	}
	m.outcome.PrimaryErr = err
	log.Warn("transaction failed", "plan", plan.Name, "error", err)

	if plan.Fallback == nil || (plan.SkipFallback != nil && plan.SkipFallback(err)) {
		m.transitionTo(StateFailed)
		return m.outcome
	}

	m.transitionTo(StateFallingBack)
	if ferr := Retry(ctx, plan.Retryer, plan.Retryable, plan.Fallback); ferr != nil {
		m.outcome.FallbackErr = ferr
		log.Error("fallback write failed", "plan", plan.Name, "error", ferr)
		m.transitionTo(StateFailed)
		return m.outcome
	}
	m.transitionTo(StateApplied)
	return m.outcome
}
