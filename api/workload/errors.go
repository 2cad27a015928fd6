package workload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ruteri/edge-workload-api/api"
	"github.com/ruteri/edge-workload-api/authz"
	"github.com/ruteri/edge-workload-api/certreq"
	"github.com/ruteri/edge-workload-api/issuance"
)

// RequestError carries the status and the caller-visible message of a failed
// request.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func newRequestError(status int, format string, args ...any) *RequestError {
	return &RequestError{StatusCode: status, Err: fmt.Errorf(format, args...)}
}

// authzRequestError maps an authorization failure. Unknown modules and foreign
// callers get the same status and message.
func authzRequestError(err error) *RequestError {
	switch authz.KindOf(err) {
	case authz.Unauthenticated:
		return newRequestError(http.StatusUnauthorized, "caller process identity not available")
	case authz.NotFound, authz.Forbidden:
		return newRequestError(http.StatusForbidden, "caller is not authorized for the requested module")
	default:
		return newRequestError(http.StatusInternalServerError, "could not authorize caller")
	}
}

func validationRequestError(err error) *RequestError {
	var verr *certreq.Error
	if errors.As(err, &verr) {
		return &RequestError{StatusCode: http.StatusBadRequest, Err: verr}
	}
	return newRequestError(http.StatusInternalServerError, "could not build certificate request")
}

func dispatchRequestError(class string, err error) *RequestError {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newRequestError(http.StatusInternalServerError, "request canceled")
	case errors.Is(err, issuance.ErrUnavailable):
		return newRequestError(http.StatusInternalServerError, "certificate service unavailable")
	default:
		return newRequestError(http.StatusInternalServerError, "could not get %s certificate", class)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, reqErr *RequestError) {
	_ = writeJSON(w, reqErr.StatusCode, api.ErrorResponse{Message: reqErr.Error()})
}

// writeRoutingError renders router failures: bad api-version, unknown route,
// wrong method.
func writeRoutingError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeError(w, &RequestError{StatusCode: status, Err: err})
}
