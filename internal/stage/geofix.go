// Package stage implements the geo-fix operator: a single-input, single-output
// push stage that resolves coordinates for each profile and reports progress
// to a monitor.
//
// The operator is lifted onto a downstream Subscriber once per subscription.
// Each lifted GeoFixStage runs the state machine
//
//	Idle --OnNext--> Active --OnNext--> Active
//	Idle|Active --OnCompleted|OnError|failed OnNext--> Terminated
//
// Upstream must call it from one goroutine at a time. Calls that break this
// contract, or arrive after termination, fail with ErrContractViolation and
// reach neither the monitor nor downstream.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/couchcryptid/profile-geofix/internal/domain"
)

// ErrContractViolation is returned when upstream breaks the call protocol.
var ErrContractViolation = errors.New("stage contract violation")

// Subscriber is the push-stream contract between adjacent stages.
type Subscriber interface {
	OnNext(ctx context.Context, p *domain.Profile) error
	OnCompleted(ctx context.Context) error
	OnError(ctx context.Context, err error) error
}

// State is the lifecycle position of a GeoFixStage.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// GeoFixOperator holds the collaborators shared by every subscription.
type GeoFixOperator struct {
	resolver domain.Resolver
	monitor  domain.Monitor
	logger   *slog.Logger
}

// NewGeoFixOperator creates an operator that resolves coordinates with
// resolver and reports to monitor.
func NewGeoFixOperator(resolver domain.Resolver, monitor domain.Monitor, logger *slog.Logger) *GeoFixOperator {
	return &GeoFixOperator{
		resolver: resolver,
		monitor:  monitor,
		logger:   logger,
	}
}

// Lift subscribes the operator to downstream and returns the Subscriber
// upstream should push into.
func (o *GeoFixOperator) Lift(downstream Subscriber) *GeoFixStage {
	return &GeoFixStage{
		resolver:   o.resolver,
		monitor:    o.monitor,
		logger:     o.logger,
		downstream: downstream,
	}
}

// GeoFixStage is one subscription of a GeoFixOperator.
type GeoFixStage struct {
	resolver   domain.Resolver
	monitor    domain.Monitor
	logger     *slog.Logger
	downstream Subscriber

	state atomic.Int32
	busy  atomic.Bool
}

// State returns the current lifecycle state.
func (s *GeoFixStage) State() State {
	return State(s.state.Load())
}

// OnNext resolves coordinates for p, merges them, and forwards p downstream.
//
// A resolver error terminates the stage: the monitor is told the stage errored,
// downstream receives OnError with the same error, and OnNext returns it.
// ReportElementEnded is not sent for that element.
func (s *GeoFixStage) OnNext(ctx context.Context, p *domain.Profile) error {
	if err := s.enter("OnNext"); err != nil {
		return err
	}
	defer s.busy.Store(false)

	if p == nil {
		return s.violation("OnNext", "nil profile")
	}
	s.state.Store(int32(StateActive))

	s.monitor.ReportElementStarted(p.ID)
	coords, err := s.resolver.Resolve(ctx, p)
	if err != nil {
		s.logger.Error("coordinate lookup failed, terminating stream",
			"profile_id", p.ID,
			"error", err,
		)
		return s.fail(ctx, err)
	}
	if domain.ApplyFix(p, coords) {
		s.logger.Debug("profile geo-fixed", "profile_id", p.ID, "lat", coords[0], "lon", coords[1])
	}
	s.monitor.ReportElementEnded(p.ID)

	if err := s.downstream.OnNext(ctx, p); err != nil {
		s.logger.Error("downstream rejected profile, terminating stream",
			"profile_id", p.ID,
			"error", err,
		)
		return s.fail(ctx, err)
	}
	return nil
}

// OnCompleted ends the subscription normally.
func (s *GeoFixStage) OnCompleted(ctx context.Context) error {
	if err := s.enter("OnCompleted"); err != nil {
		return err
	}
	defer s.busy.Store(false)

	s.state.Store(int32(StateTerminated))
	s.monitor.ReportCompleted()
	return s.downstream.OnCompleted(ctx)
}

// OnError ends the subscription with an upstream error.
func (s *GeoFixStage) OnError(ctx context.Context, err error) error {
	if verr := s.enter("OnError"); verr != nil {
		return verr
	}
	defer s.busy.Store(false)

	s.state.Store(int32(StateTerminated))
	s.monitor.ReportErrored()
	return s.downstream.OnError(ctx, err)
}

// fail terminates the stage on behalf of upstream after OnNext failed.
func (s *GeoFixStage) fail(ctx context.Context, err error) error {
	s.state.Store(int32(StateTerminated))
	s.monitor.ReportErrored()
	if derr := s.downstream.OnError(ctx, err); derr != nil {
		s.logger.Warn("downstream error handler failed", "error", derr)
	}
	return err
}

// enter claims the stage for one call. It fails when another call is in
// flight (concurrent or re-entrant use) or the stage already terminated.
func (s *GeoFixStage) enter(op string) error {
	if !s.busy.CompareAndSwap(false, true) {
		return s.violation(op, "call overlaps another in-flight call")
	}
	if s.State() == StateTerminated {
		s.busy.Store(false)
		return s.violation(op, "stage already terminated")
	}
	return nil
}

func (s *GeoFixStage) violation(op, reason string) error {
	s.logger.Error("stage contract violation", "op", op, "reason", reason, "state", s.State().String())
	return fmt.Errorf("%s: %s: %w", op, reason, ErrContractViolation)
}
