// Package issuance forwards validated certificate specs to the certificate
// service and translates the outcome into a response.
//
// Concurrent requests for the same spec share a single call to the service. The
// call runs detached from any one caller's cancellation; a caller that goes away
// stops waiting and its result is dropped. The call itself may outlive every
// caller and is bounded by the certificate service client's own timeouts.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/edge-workload-api/api"
	"github.com/ruteri/edge-workload-api/interfaces"
	"github.com/ruteri/edge-workload-api/metrics"
	"github.com/ruteri/edge-workload-api/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Kind classifies a dispatch failure.
type Kind int

const (
	// SigningFailed means the certificate service rejected the issuance.
	SigningFailed Kind = iota + 1
	// Unavailable means the certificate service could not be reached.
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case SigningFailed:
		return "signing failed"
	case Unavailable:
		return "certificate service unavailable"
	default:
		return "unknown"
	}
}

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

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Err == nil
}

var (
	ErrSigningFailed = &Error{Kind: SigningFailed}
	ErrUnavailable   = &Error{Kind: Unavailable}
)

type Dispatcher struct {
	certs   interfaces.CertificateService
	issuer  interfaces.EdgeCARef
	log     *slog.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer

	inflight singleflight.Group
}

// NewDispatcher creates a dispatcher issuing through certs with issuer as the
// signing CA. rec may be nil.
func NewDispatcher(certs interfaces.CertificateService, issuer interfaces.EdgeCARef, log *slog.Logger, rec *metrics.Recorder) *Dispatcher {
	return &Dispatcher{
		certs:   certs,
		issuer:  issuer,
		log:     log,
		metrics: rec,
		tracer:  tracing.Tracer("github.com/ruteri/edge-workload-api/issuance"),
	}
}

// Dispatch returns the certificate for spec, reusing the stored one when the
// certificate service considers it current. Failures are not retried.
//
// If ctx ends before the result is delivered, ctx.Err() is returned and the
// result is discarded, even when both are ready at once. The shared service call
// does not observe ctx: it keeps running after its last waiter leaves so that a
// certificate it signs is still stored. Its duration is bounded by the signer
// and store clients (the Vault client timeout, for example), not by ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, spec interfaces.CertificateSpec) (*api.CertificateResponse, error) {
	ctx, span := d.tracer.Start(ctx, "issuance.Dispatch", trace.WithAttributes(
		attribute.String("cert.alias", spec.Alias.String()),
		attribute.String("cert.class", spec.Class.String()),
	))
	defer span.End()

	req := interfaces.IssueRequest{Spec: spec, Issuer: d.issuer}
	ch := d.inflight.DoChan(flightKey(spec), func() (any, error) {
		return d.certs.GetOrIssue(context.WithoutCancel(ctx), req)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
	case res = <-ch:
	}
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "canceled")
		d.metrics.Dispatch(spec.Class.String(), "canceled")
		d.log.Debug("request ended before certificate dispatch completed", "alias", spec.Alias)
		return nil, err
	}

	if res.Shared {
		d.metrics.Coalesced()
	}

	if res.Err != nil {
		err := classify(res.Err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.metrics.Dispatch(spec.Class.String(), "failed")
		d.log.Error("certificate dispatch failed", "alias", spec.Alias, "err", res.Err)
		return nil, err
	}

	material, _ := res.Val.(*interfaces.CertificateMaterial)
	if material == nil || len(material.CertificatePEM) == 0 || len(material.PrivateKeyPEM) == 0 {
		d.metrics.Dispatch(spec.Class.String(), "failed")
		d.log.Error("certificate service returned no material", "alias", spec.Alias)
		return nil, &Error{Kind: SigningFailed, Err: errors.New("empty certificate material")}
	}

	d.metrics.Dispatch(spec.Class.String(), "ok")
	resp := api.NewCertificateResponse(material)
	return &resp, nil
}

func classify(err error) error {
	if errors.Is(err, interfaces.ErrServiceUnavailable) {
		return &Error{Kind: Unavailable, Err: err}
	}
	return &Error{Kind: SigningFailed, Err: err}
}

// flightKey identifies requests that may share one service call: only requests
// for the same alias asking for the same subject are coalesced.
func flightKey(spec interfaces.CertificateSpec) string {
	return strings.Join([]string{
		spec.Alias.String(),
		spec.CommonName,
		strings.Join(spec.SANs.DNS, ","),
		strings.Join(spec.SANs.IP, ","),
	}, "\x00")
}
