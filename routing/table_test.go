package routing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ruteri/edge-workload-api/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestError(w http.ResponseWriter, r *http.Request, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Message: err.Error()})
}

func named(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", name)
		w.Write([]byte(URLParam(r, "moduleId")))
	})
}

func newTestTable() *Table {
	t := NewTable(writeTestError)
	t.Handle(http.MethodGet, MustParse("/modules"), api.V2018_06_28, named("list"))
	t.Handle(http.MethodPost, MustParse("/modules/{moduleId}/genid/{genId}/certificate/server"), api.V2018_06_28, named("server"))
	t.Handle(http.MethodPost, MustParse("/modules/{moduleId}/sign"), api.V2020_07_07, named("sign"))
	return t
}

func TestLookup(t *testing.T) {
	table := newTestTable()

	m, err := table.Lookup(http.MethodPost, "/modules/edgeHub/genid/1/certificate/server", api.V2018_06_28)
	require.NoError(t, err)
	assert.Equal(t, "edgeHub", m.Captures.Get("moduleId"))
	assert.Equal(t, "1", m.Captures.Get("genId"))

	_, err = table.Lookup(http.MethodGet, "/modules/edgeHub/genid/1/certificate/server", api.V2018_06_28)
	assert.ErrorIs(t, err, ErrMethodNotAllowed)

	_, err = table.Lookup(http.MethodGet, "/nope", api.V2018_06_28)
	assert.ErrorIs(t, err, ErrNotFound)

	// below the minimum version a route is indistinguishable from a missing one
	_, err = table.Lookup(http.MethodPost, "/modules/edgeHub/sign", api.V2019_01_30)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = table.Lookup(http.MethodGet, "/modules/edgeHub/sign", api.V2019_01_30)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = table.Lookup(http.MethodPost, "/modules/edgeHub/sign", api.V2022_08_03)
	assert.NoError(t, err)
}

func TestLookupFallsThroughOnDecodeFailure(t *testing.T) {
	table := NewTable(writeTestError)
	table.Handle(http.MethodGet, MustParse("/modules/{moduleId}"), api.V2018_06_28, named("decoded"))
	table.Handle(http.MethodGet, MustParse("/modules/%ff"), api.V2018_06_28, named("literal"))

	m, err := table.Lookup(http.MethodGet, "/modules/%ff", api.V2018_06_28)
	require.NoError(t, err)
	assert.Equal(t, "/modules/%ff", m.Route.Pattern.String())
}

func TestHandleMergesMethods(t *testing.T) {
	table := NewTable(writeTestError)
	table.Handle(http.MethodGet, MustParse("/modules"), api.V2018_06_28, named("get"))
	table.Handle(http.MethodPost, MustParse("/modules"), api.V2018_06_28, named("post"))
	require.Len(t, table.routes, 1)
	assert.Len(t, table.routes[0].Handlers, 2)
}

func TestServeHTTP(t *testing.T) {
	table := newTestTable()

	tests := []struct {
		name    string
		method  string
		target  string
		status  int
		handler string
		message string
	}{
		{name: "ok", method: http.MethodPost, target: "/modules/edge%48ub/genid/1/certificate/server?api-version=2018-06-28", status: 200, handler: "server"},
		{name: "missing version", method: http.MethodGet, target: "/modules", status: 400, message: "api-version not specified"},
		{name: "unknown version", method: http.MethodGet, target: "/modules?api-version=2000-01-01", status: 400},
		{name: "not found", method: http.MethodGet, target: "/unknown?api-version=2018-06-28", status: 404},
		{name: "method", method: http.MethodDelete, target: "/modules?api-version=2018-06-28", status: 405},
		{name: "too old", method: http.MethodPost, target: "/modules/a/sign?api-version=2018-06-28", status: 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			table.ServeHTTP(w, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.status, w.Code)
			if tt.handler != "" {
				assert.Equal(t, tt.handler, w.Header().Get("X-Handler"))
				assert.Equal(t, "edgeHub", w.Body.String())
			}
			if tt.message != "" {
				var resp api.ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.message, resp.Message)
			}
		})
	}
}

func TestVersionInContext(t *testing.T) {
	table := NewTable(writeTestError)
	var got api.ApiVersion
	table.Handle(http.MethodGet, MustParse("/v"), api.V2018_06_28, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = VersionFromContext(r.Context())
	}))
	table.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v?api-version=2021-12-07", nil))
	assert.True(t, got.Equal(api.V2021_12_07))
}
