// Package authz binds an HTTP caller to the module it claims to act for.
//
// A request is allowed when the process the transport reported is one of the
// processes the module runtime lists for the claimed module. Every other outcome
// is a denial, including a runtime that cannot be reached.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ruteri/edge-workload-api/interfaces"
	"github.com/ruteri/edge-workload-api/metrics"
	"github.com/ruteri/edge-workload-api/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Kind classifies an authorization failure.
type Kind int

const (
	// Unauthenticated means there is no caller process identity.
	Unauthenticated Kind = iota + 1
	// NotFound means the claimed module is unknown to the runtime.
	NotFound
	// Forbidden means the module exists but the caller is not one of its processes.
	Forbidden
	// Internal means the runtime could not be consulted.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is returned by Authorize for every denial.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Err == nil
}

// Sentinels usable with errors.Is.
var (
	ErrUnauthenticated = &Error{Kind: Unauthenticated}
	ErrNotFound        = &Error{Kind: NotFound}
	ErrForbidden       = &Error{Kind: Forbidden}
	ErrInternal        = &Error{Kind: Internal}
)

// KindOf returns the Kind of err, or 0 when err is not an authorization error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

type Authorizer struct {
	runtime interfaces.ModuleRuntime
	log     *slog.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
}

// NewAuthorizer creates an authorizer consulting rt. rec may be nil.
func NewAuthorizer(rt interfaces.ModuleRuntime, log *slog.Logger, rec *metrics.Recorder) *Authorizer {
	return &Authorizer{
		runtime: rt,
		log:     log,
		metrics: rec,
		tracer:  tracing.Tracer("github.com/ruteri/edge-workload-api/authz"),
	}
}

// Authorize checks that pid belongs to moduleID. The runtime is consulted
// exactly once; failures are never retried.
func (a *Authorizer) Authorize(ctx context.Context, moduleID string, pid int) (err error) {
	ctx, span := a.tracer.Start(ctx, "authz.Authorize", trace.WithAttributes(
		attribute.String("module.id", moduleID),
		attribute.Int("caller.pid", pid),
	))
	defer func() {
		outcome := "allowed"
		if err != nil {
			outcome = KindOf(err).String()
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(attribute.String("authz.outcome", outcome))
		span.End()
		a.metrics.AuthzDecision(outcome)
	}()

	pids, err := a.runtime.ResolveProcesses(ctx, moduleID)
	switch {
	case errors.Is(err, interfaces.ErrModuleNotFound):
		a.log.Warn("caller claims unknown module", "module", moduleID, "pid", pid)
		return &Error{Kind: NotFound, Err: err}
	case err != nil:
		a.log.Error("could not resolve module processes", "module", moduleID, "runtime", a.runtime.Name(), "err", err)
		return &Error{Kind: Internal, Err: err}
	}

	if !slices.Contains(pids, pid) {
		a.log.Warn("caller is not a process of the claimed module", "module", moduleID, "pid", pid)
		return &Error{Kind: Forbidden, Err: fmt.Errorf("pid %d is not a process of module %s", pid, moduleID)}
	}

	a.log.Debug("caller authorized", "module", moduleID, "pid", pid)
	return nil
}
