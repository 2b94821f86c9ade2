// Package supervisor deploys the unit's subsystems in a fixed order.
//
// Start runs each step only after the previous one has succeeded. The first
// failure aborts the remaining steps and fails the start; steps that already
// started are left running. Stop marks the unit stopping at once, then tears
// down started steps in reverse order.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hyphae/apis-main/pkg/telemetry"
)

// State is the unit lifecycle state. Transitions only move forward.
type State uint8

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("supervisor already started")

	// ErrStopping aborts a start that raced a Stop.
	ErrStopping = errors.New("supervisor is stopping")
)

// Step is one subsystem deployment. Stop may be nil.
type Step struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// StartError reports which step failed.
type StartError struct {
	Step  string
	Index int
	Err   error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("startup step %d (%s) failed: %v", e.Index+1, e.Step, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Identity is the startup summary of the unit.
type Identity struct {
	UnitID       string
	UnitName     string
	SerialNumber string
	SystemType   string
}

// Supervisor drives the startup chain and owns the lifecycle state.
type Supervisor struct {
	identity Identity
	steps    []Step

	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	mu           sync.Mutex
	state        State
	started      int
	deploymentID string
	startDone    chan struct{}
}

// New creates a supervisor over steps, which run in slice order.
func New(identity Identity, tel *telemetry.Telemetry, steps ...Step) *Supervisor {
	if tel == nil {
		tel = telemetry.NewTestTelemetry()
	}
	return &Supervisor{
		identity: identity,
		steps:    steps,
		logger:   tel.Logger.NewComponentLogger("supervisor").WithUnitID(identity.UnitID),
		tracer:   tel.Tracer,
		metrics:  tel.Metrics,
		events:   tel.Events,
	}
}

// Start deploys every step in order. On success the unit is running and
// the startup summary has been logged.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.deploymentID = uuid.New().String()
	done := make(chan struct{})
	s.startDone = done
	s.mu.Unlock()
	defer close(done)
	s.advance(StateStarting)

	for i, step := range s.steps {
		if s.State() >= StateStopping {
			return &StartError{Step: step.Name, Index: i, Err: ErrStopping}
		}
		if err := s.deploy(ctx, i, step); err != nil {
			s.logger.Event(zerolog.ErrorLevel).
				Err(err).
				Str("step", step.Name).
				Int("index", i).
				Msg("startup failed")
			return &StartError{Step: step.Name, Index: i, Err: err}
		}

		// A Stop that arrived while this step was starting has already
		// read s.started, so the step is torn down here.
		s.mu.Lock()
		stopping := s.state >= StateStopping
		if !stopping {
			s.started = i + 1
		}
		s.mu.Unlock()
		if stopping {
			if step.Stop != nil {
				if err := step.Stop(context.WithoutCancel(ctx)); err != nil {
					s.logger.Event(zerolog.WarnLevel).Err(err).Str("step", step.Name).Msg("step stop failed")
				}
			}
			return &StartError{Step: step.Name, Index: i, Err: ErrStopping}
		}
	}

	if !s.advance(StateRunning) {
		return &StartError{Step: "running", Index: len(s.steps), Err: ErrStopping}
	}

	s.logger.Event(zerolog.InfoLevel).
		Str("unitId", s.identity.UnitID).
		Str("unitName", s.identity.UnitName).
		Str("serialNumber", s.identity.SerialNumber).
		Str("systemType", s.identity.SystemType).
		Str("deployment_id", s.DeploymentID()).
		Msg("unit started")
	_ = s.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeUnitStarted,
		Source:  "supervisor",
		UnitID:  s.identity.UnitID,
		Message: "unit started",
		Level:   telemetry.EventLevelInfo,
		Data: map[string]interface{}{
			"unitName":     s.identity.UnitName,
			"serialNumber": s.identity.SerialNumber,
			"systemType":   s.identity.SystemType,
			"steps":        len(s.steps),
		},
	})
	return nil
}

func (s *Supervisor) deploy(ctx context.Context, index int, step Step) error {
	ctx, span := s.tracer.StartStepSpan(ctx, step.Name, index)
	defer span.End()

	timer := telemetry.NewTimer()
	err := step.Start(ctx)
	s.metrics.RecordStartupStep(step.Name, err == nil, timer.Duration())
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	s.logger.Event(zerolog.DebugLevel).
		Str("step", step.Name).
		Dur("duration", timer.Duration()).
		Msg("step started")
	return nil
}

// Stop marks the unit stopping, whatever state it is in, then stops the
// started steps in reverse order. When Start is still in progress, Stop
// also waits for it to return. Teardown errors are joined.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.advance(StateStopping) {
		return nil
	}

	s.mu.Lock()
	started := s.started
	startDone := s.startDone
	s.mu.Unlock()

	var errs []error
	for i := started - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Stop == nil {
			continue
		}
		if err := step.Stop(ctx); err != nil {
			s.logger.Event(zerolog.WarnLevel).Err(err).Str("step", step.Name).Msg("step stop failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
		}
	}

	if startDone != nil {
		select {
		case <-startDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for startup to abort: %w", ctx.Err()))
		}
	}

	s.advance(StateStopped)
	return errors.Join(errs...)
}

// advance moves to next if that is forward of the current state.
func (s *Supervisor) advance(next State) bool {
	s.mu.Lock()
	prev := s.state
	if next <= prev {
		s.mu.Unlock()
		return false
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Info(next.String())
	s.metrics.SetLifecycleState(int(next))
	_ = s.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeLifecycleChanged,
		Source:  "supervisor",
		UnitID:  s.identity.UnitID,
		Message: fmt.Sprintf("%s -> %s", prev, next),
		Level:   telemetry.EventLevelInfo,
		Data:    map[string]interface{}{"from": prev.String(), "to": next.String()},
	})
	return true
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether startup completed and no stop was requested.
func (s *Supervisor) IsRunning() bool {
	return s.State() == StateRunning
}

// IsInOperation is IsRunning.
func (s *Supervisor) IsInOperation() bool {
	return s.IsRunning()
}

// DeploymentID identifies the current start, or "" before Start.
func (s *Supervisor) DeploymentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deploymentID
}

// Identity returns the unit identity given to New.
func (s *Supervisor) Identity() Identity {
	return s.identity
}
