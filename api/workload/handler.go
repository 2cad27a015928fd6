package workload

import (
	"errors"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/ruteri/edge-workload-api/api"
	"github.com/ruteri/edge-workload-api/authz"
	"github.com/ruteri/edge-workload-api/certreq"
	"github.com/ruteri/edge-workload-api/interfaces"
	"github.com/ruteri/edge-workload-api/issuance"
	"github.com/ruteri/edge-workload-api/metrics"
	"github.com/ruteri/edge-workload-api/peercred"
	"github.com/ruteri/edge-workload-api/routing"
)

// maxBodySize bounds certificate request bodies.
const maxBodySize = 64 * 1024

// TrustBundles names the certificates served by the trust bundle endpoints.
type TrustBundles struct {
	TrustBundle         string
	ManifestTrustBundle string
}

// Handler serves the workload API.
type Handler struct {
	runtime    interfaces.ModuleRuntime
	certs      interfaces.CertificateService
	authorizer *authz.Authorizer
	validator  *certreq.Validator
	dispatcher *issuance.Dispatcher
	bundles    TrustBundles
	metrics    *metrics.Recorder
	log        *slog.Logger
}

// HandlerConfig holds the collaborators of a Handler. Metrics may be nil.
type HandlerConfig struct {
	Runtime      interfaces.ModuleRuntime
	Certificates interfaces.CertificateService
	EdgeCA       interfaces.EdgeCARef
	Namespace    string
	TrustBundles TrustBundles
	Metrics      *metrics.Recorder
	Log          *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		runtime:    cfg.Runtime,
		certs:      cfg.Certificates,
		authorizer: authz.NewAuthorizer(cfg.Runtime, cfg.Log, cfg.Metrics),
		validator:  certreq.NewValidator(cfg.Namespace),
		dispatcher: issuance.NewDispatcher(cfg.Certificates, cfg.EdgeCA, cfg.Log, cfg.Metrics),
		bundles:    cfg.TrustBundles,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
	}
}

// Router returns the versioned route table of the workload API:
//   - GET  /modules
//   - POST /modules/{moduleId}/genid/{genId}/certificate/server
//   - POST /modules/{moduleId}/genid/{genId}/certificate/identity
//   - GET  /trust-bundle
//   - GET  /manifest-trust-bundle
func (h *Handler) Router() *routing.Table {
	t := routing.NewTable(writeRoutingError)
	t.Handle(http.MethodGet, routing.MustParse("/modules"), api.V2018_06_28,
		h.metrics.Instrument("list_modules", http.HandlerFunc(h.HandleListModules)))
	t.Handle(http.MethodPost, routing.MustParse("/modules/{moduleId}/genid/{genId}/certificate/server"), api.V2018_06_28,
		h.metrics.Instrument("server_certificate", http.HandlerFunc(h.HandleServerCertificate)))
	t.Handle(http.MethodPost, routing.MustParse("/modules/{moduleId}/genid/{genId}/certificate/identity"), api.V2018_06_28,
		h.metrics.Instrument("identity_certificate", http.HandlerFunc(h.HandleIdentityCertificate)))
	t.Handle(http.MethodGet, routing.MustParse("/trust-bundle"), api.V2018_06_28,
		h.metrics.Instrument("trust_bundle", h.trustBundleHandler(h.bundles.TrustBundle)))
	t.Handle(http.MethodGet, routing.MustParse("/manifest-trust-bundle"), api.V2018_06_28,
		h.metrics.Instrument("manifest_trust_bundle", h.trustBundleHandler(h.bundles.ManifestTrustBundle)))
	return t
}

// callerContext combines the module captured from the URI with the process
// identity the transport attached to the connection.
func callerContext(r *http.Request) (interfaces.CallerContext, error) {
	caller := interfaces.CallerContext{
		ModuleID:     routing.URLParam(r, "moduleId"),
		GenerationID: routing.URLParam(r, "genId"),
	}
	id, err := peercred.FromRequest(r)
	if err != nil {
		return caller, &authz.Error{Kind: authz.Unauthenticated, Err: err}
	}
	caller.ProcessID = id.ProcessID
	return caller, nil
}

// authorize resolves and checks the caller. It runs before the body is read.
func (h *Handler) authorize(r *http.Request) (interfaces.CallerContext, *RequestError) {
	caller, err := callerContext(r)
	if err == nil {
		err = h.authorizer.Authorize(r.Context(), caller.ModuleID, caller.ProcessID)
	} else {
		h.log.Warn("rejecting request without caller identity", "module", caller.ModuleID)
		h.metrics.AuthzDecision(authz.Unauthenticated.String())
	}
	if err != nil {
		return caller, authzRequestError(err)
	}
	return caller, nil
}

// HandleServerCertificate issues or returns the server certificate of a module.
//
// URL format: POST /modules/{moduleId}/genid/{genId}/certificate/server?api-version=...
// Request body: {"commonName": "..."}
//
// Status codes:
//   - 200 OK: certificate returned
//   - 400 Bad Request: missing or malformed body, empty or invalid common name
//   - 401 Unauthorized: the connection carries no caller process identity
//   - 403 Forbidden: the caller is not a process of the module
//   - 500 Internal Server Error: runtime or certificate service failure
func (h *Handler) HandleServerCertificate(w http.ResponseWriter, r *http.Request) {
	caller, reqErr := h.authorize(r)
	if reqErr != nil {
		writeError(w, reqErr)
		return
	}

	body, err := certreq.ParseServerCertificateRequest(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, validationRequestError(err))
		return
	}

	spec, err := h.validator.ServerCertificate(caller.ModuleID, caller.GenerationID, body)
	if err != nil {
		h.log.Debug("invalid server certificate request", "module", caller.ModuleID, "err", err)
		writeError(w, validationRequestError(err))
		return
	}

	h.issue(w, r, spec)
}

// HandleIdentityCertificate issues or returns the client certificate that
// identifies a module. A body is optional; if present it must be valid JSON.
//
// URL format: POST /modules/{moduleId}/genid/{genId}/certificate/identity?api-version=...
func (h *Handler) HandleIdentityCertificate(w http.ResponseWriter, r *http.Request) {
	caller, reqErr := h.authorize(r)
	if reqErr != nil {
		writeError(w, reqErr)
		return
	}

	if _, err := certreq.ParseServerCertificateRequest(http.MaxBytesReader(w, r.Body, maxBodySize)); err != nil {
		writeError(w, validationRequestError(err))
		return
	}

	spec, err := h.validator.IdentityCertificate(caller.ModuleID, caller.GenerationID)
	if err != nil {
		writeError(w, validationRequestError(err))
		return
	}

	h.issue(w, r, spec)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, spec interfaces.CertificateSpec) {
	resp, err := h.dispatcher.Dispatch(r.Context(), spec)
	if err != nil {
		writeError(w, dispatchRequestError(spec.Class.String(), err))
		return
	}

	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleListModules lists the modules known to the runtime.
//
// URL format: GET /modules?api-version=...
func (h *Handler) HandleListModules(w http.ResponseWriter, r *http.Request) {
	modules, err := h.runtime.ListModules(r.Context())
	if err != nil {
		h.log.Error("Failed to list modules", "runtime", h.runtime.Name(), "err", err)
		writeError(w, newRequestError(http.StatusInternalServerError, "could not list modules"))
		return
	}

	if err := writeJSON(w, http.StatusOK, api.NewListModulesResponse(modules)); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) trustBundleHandler(certID string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.handleTrustBundle(w, r, certID)
	})
}

// handleTrustBundle returns a configured certificate. No caller identity is
// required.
func (h *Handler) handleTrustBundle(w http.ResponseWriter, r *http.Request, certID string) {
	pem, err := h.certs.GetCertificate(r.Context(), certID)
	switch {
	case errors.Is(err, interfaces.ErrServiceUnavailable):
		h.log.Error("Failed to get trust bundle", "cert", certID, "err", err)
		writeError(w, newRequestError(http.StatusInternalServerError, "certificate service unavailable"))
		return
	case err != nil:
		h.log.Warn("Trust bundle not found", "cert", certID, "err", err)
		writeError(w, newRequestError(http.StatusNotFound, "certificate %s not found", certID))
		return
	}

	if !utf8.Valid(pem) {
		writeError(w, newRequestError(http.StatusInternalServerError, "could not parse certificate %s", certID))
		return
	}

	if err := writeJSON(w, http.StatusOK, api.TrustBundleResponse{Certificate: string(pem)}); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
