package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/edge-workload-api/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEngineAPI = "1.47"

type fakeContainer struct {
	ID      string
	Name    string
	Image   string
	Labels  map[string]string
	Running bool
	PIDs    [][]string
}

// fakeEngine serves the subset of the Docker Engine API the runtime uses.
type fakeEngine struct {
	containers map[string]fakeContainer

	mu        sync.Mutex
	restarted []string
}

func (e *fakeEngine) restarts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.restarted...)
}

// find resolves ref like the engine does: by name, by full ID or by ID prefix.
func (e *fakeEngine) find(ref string) (fakeContainer, bool) {
	for _, c := range e.containers {
		if c.Name == ref || strings.HasPrefix(c.ID, ref) {
			return c, true
		}
	}
	return fakeContainer{}, false
}

func writeEngineJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (e *fakeEngine) router() http.Handler {
	r := chi.NewRouter()
	prefix := "/v" + testEngineAPI
	notFound := func(w http.ResponseWriter, ref string) {
		writeEngineJSON(w, http.StatusNotFound, map[string]string{"message": "No such container: " + ref})
	}

	r.Get(prefix+"/containers/json", func(w http.ResponseWriter, r *http.Request) {
		list := []map[string]any{}
		for _, c := range e.containers {
			state := "exited"
			if c.Running {
				state = "running"
			}
			list = append(list, map[string]any{
				"Id":      c.ID,
				"Names":   []string{"/" + c.Name},
				"Image":   c.Image,
				"ImageID": "sha256:" + c.ID,
				"Labels":  c.Labels,
				"State":   state,
			})
		}
		writeEngineJSON(w, http.StatusOK, list)
	})
	r.Get(prefix+"/containers/{id}/json", func(w http.ResponseWriter, r *http.Request) {
		c, ok := e.find(chi.URLParam(r, "id"))
		if !ok {
			notFound(w, chi.URLParam(r, "id"))
			return
		}
		state := map[string]any{
			"Status":     "exited",
			"Running":    false,
			"ExitCode":   2,
			"StartedAt":  "2024-05-01T10:00:00.123456789Z",
			"FinishedAt": "2024-05-01T11:00:00Z",
		}
		if c.Running {
			state = map[string]any{
				"Status":     "running",
				"Running":    true,
				"Pid":        4242,
				"StartedAt":  "2024-05-01T10:00:00Z",
				"FinishedAt": "0001-01-01T00:00:00Z",
			}
		}
		writeEngineJSON(w, http.StatusOK, map[string]any{
			"Id":     c.ID,
			"Name":   "/" + c.Name,
			"State":  state,
			"Config": map[string]any{"Labels": c.Labels, "Image": c.Image},
		})
	})
	r.Get(prefix+"/containers/{id}/top", func(w http.ResponseWriter, r *http.Request) {
		c, ok := e.find(chi.URLParam(r, "id"))
		if !ok {
			notFound(w, chi.URLParam(r, "id"))
			return
		}
		writeEngineJSON(w, http.StatusOK, map[string]any{
			"Titles":    []string{"UID", "PID", "PPID", "CMD"},
			"Processes": c.PIDs,
		})
	})
	r.Post(prefix+"/containers/{id}/restart", func(w http.ResponseWriter, r *http.Request) {
		c, ok := e.find(chi.URLParam(r, "id"))
		if !ok {
			notFound(w, chi.URLParam(r, "id"))
			return
		}
		e.mu.Lock()
		e.restarted = append(e.restarted, c.Name)
		e.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func newTestDockerRuntime(t *testing.T) (*DockerRuntime, *fakeEngine) {
	t.Helper()
	moduleLabels := map[string]string{"net.azure-devices.edge.owner": "Microsoft.Azure.Devices.Edge.Agent"}
	engine := &fakeEngine{containers: map[string]fakeContainer{
		"edgeHub": {ID: "aaa111", Name: "edgeHub", Image: "hub:1.4", Labels: moduleLabels, Running: true,
			PIDs: [][]string{{"root", "4242", "1", "dotnet"}, {"root", "4300", "4242", "sh"}}},
		"sensor": {ID: "bbb222", Name: "sensor", Image: "sensor:1", Labels: moduleLabels},
		"other":  {ID: "ccc333", Name: "other", Image: "nginx", Labels: map[string]string{}, Running: true},
	}}

	srv := httptest.NewServer(engine.router())
	t.Cleanup(srv.Close)

	rt, err := NewDockerRuntime(DockerConfig{Host: "tcp://" + srv.Listener.Addr().String(), APIVersion: testEngineAPI},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt, engine
}

func TestDockerResolveProcesses(t *testing.T) {
	rt, _ := newTestDockerRuntime(t)
	ctx := context.Background()

	pids, err := rt.ResolveProcesses(ctx, "edgeHub")
	require.NoError(t, err)
	assert.Equal(t, []int{4242, 4300}, pids)

	pids, err = rt.ResolveProcesses(ctx, "sensor")
	require.NoError(t, err)
	assert.Empty(t, pids)

	_, err = rt.ResolveProcesses(ctx, "ghost")
	assert.ErrorIs(t, err, interfaces.ErrModuleNotFound)

	// containers without the module label are not modules
	_, err = rt.ResolveProcesses(ctx, "other")
	assert.ErrorIs(t, err, interfaces.ErrModuleNotFound)
}

func TestDockerModulesAreResolvedByExactName(t *testing.T) {
	rt, engine := newTestDockerRuntime(t)
	ctx := context.Background()

	for _, ref := range []string{"aaa111", "aaa"} {
		_, err := rt.ResolveProcesses(ctx, ref)
		assert.ErrorIs(t, err, interfaces.ErrModuleNotFound, ref)
		assert.ErrorIs(t, rt.Restart(ctx, ref), interfaces.ErrModuleNotFound, ref)
	}
	assert.Empty(t, engine.restarts())
}

func TestDockerListModules(t *testing.T) {
	rt, _ := newTestDockerRuntime(t)

	modules, err := rt.ListModules(context.Background())
	require.NoError(t, err)
	byName := map[string]interfaces.Module{}
	for _, m := range modules {
		byName[m.Name] = m
	}

	hub := byName["edgeHub"]
	assert.Equal(t, interfaces.ModuleStatusRunning, hub.State.Status)
	assert.Equal(t, 4242, hub.State.ProcessID)
	require.NotNil(t, hub.State.StartedAt)
	assert.Nil(t, hub.State.FinishedAt)
	assert.Nil(t, hub.State.ExitCode)

	sensor := byName["sensor"]
	assert.Equal(t, interfaces.ModuleStatusStopped, sensor.State.Status)
	require.NotNil(t, sensor.State.ExitCode)
	assert.Equal(t, 2, *sensor.State.ExitCode)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), sensor.State.FinishedAt.UTC())
}

func TestDockerRestart(t *testing.T) {
	rt, engine := newTestDockerRuntime(t)

	require.NoError(t, rt.Restart(context.Background(), "edgeHub"))
	assert.Equal(t, []string{"edgeHub"}, engine.restarts())

	assert.ErrorIs(t, rt.Restart(context.Background(), "ghost"), interfaces.ErrModuleNotFound)
}

func TestDockerUnreachable(t *testing.T) {
	rt, err := NewDockerRuntime(DockerConfig{Host: "tcp://127.0.0.1:1", APIVersion: testEngineAPI},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.ResolveProcesses(context.Background(), "edgeHub")
	assert.ErrorIs(t, err, interfaces.ErrRuntimeUnavailable)
	assert.NotErrorIs(t, err, interfaces.ErrModuleNotFound)
}

func TestParseTopPIDs(t *testing.T) {
	pids, err := parseTopPIDs([]string{"PID", "CMD"}, [][]string{{"1", "init"}, {" 22 ", "sh"}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 22}, pids)

	_, err = parseTopPIDs([]string{"CMD"}, [][]string{{"init"}})
	assert.ErrorIs(t, err, interfaces.ErrRuntimeUnavailable)

	_, err = parseTopPIDs([]string{"PID"}, [][]string{{"abc"}})
	assert.Error(t, err)
}

func TestMatchesLabel(t *testing.T) {
	labels := map[string]string{"owner": "agent"}
	assert.True(t, matchesLabel(labels, "owner"))
	assert.True(t, matchesLabel(labels, "owner=agent"))
	assert.False(t, matchesLabel(labels, "owner=someone"))
	assert.False(t, matchesLabel(labels, "team"))
}
