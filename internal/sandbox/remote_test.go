package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rlm/internal/config"
)

// fakeInterpreterService mimics the remote execution API with a single
// in-memory session.
type fakeInterpreterService struct {
	t        *testing.T
	vars     map[string]any
	executed []string
	resets   int
	deleted  bool
	failNext bool
}

func (s *fakeInterpreterService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(remoteSessionResponse{SessionID: "sess-1"})
	})
	mux.HandleFunc("POST /v1/sessions/sess-1/execute", func(w http.ResponseWriter, r *http.Request) {
		if s.failNext {
			http.Error(w, `{"error":"interpreter crashed"}`, http.StatusInternalServerError)
			return
		}
		var req remoteExecRequest
		require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		s.executed = append(s.executed, req.Code)
		names := make([]string, 0, len(s.vars))
		for name := range s.vars {
			names = append(names, name)
		}
		json.NewEncoder(w).Encode(remoteExecResponse{Output: "ran: " + req.Code, VarNames: names})
	})
	mux.HandleFunc("POST /v1/sessions/sess-1/bind", func(w http.ResponseWriter, r *http.Request) {
		var req remoteBindRequest
		require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))
		s.vars[req.Name] = req.Value
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/sessions/sess-1/vars/{name}", func(w http.ResponseWriter, r *http.Request) {
		value, ok := s.vars[r.PathValue("name")]
		if !ok {
			http.Error(w, `{"error":"no such variable"}`, http.StatusNotFound)
			return
		}
		raw, _ := json.Marshal(value)
		json.NewEncoder(w).Encode(remoteReadResponse{Value: raw})
	})
	mux.HandleFunc("POST /v1/sessions/sess-1/reset", func(w http.ResponseWriter, r *http.Request) {
		s.resets++
		s.vars = map[string]any{}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /v1/sessions/sess-1", func(w http.ResponseWriter, r *http.Request) {
		s.deleted = true
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newRemoteEnv(t *testing.T) (*Remote, *fakeInterpreterService) {
	t.Helper()
	service := &fakeInterpreterService{t: t, vars: map[string]any{}}
	server := httptest.NewServer(service.handler())
	t.Cleanup(server.Close)
	return NewRemote(config.RemoteEnvConfig{BaseURL: server.URL}), service
}

func TestRemoteExecute(t *testing.T) {
	env, service := newRemoteEnv(t)

	result, err := env.Execute(context.Background(), `x := 1`)
	require.NoError(t, err)
	assert.Equal(t, "ran: x := 1", result.Output)
	assert.Equal(t, []string{"x := 1"}, service.executed)
}

func TestRemoteBindRead(t *testing.T) {
	env, _ := newRemoteEnv(t)

	require.NoError(t, env.Bind("context", "payload"))
	value, err := env.Read("context")
	require.NoError(t, err)
	assert.Equal(t, "payload", value)
}

func TestRemoteReadUnknown(t *testing.T) {
	env, _ := newRemoteEnv(t)
	require.NoError(t, env.Bind("a", "b")) // establishes the session
	_, err := env.Read("missing")
	require.ErrorIs(t, err, ErrNameNotFound)
}

func TestRemoteServerErrorIsFatal(t *testing.T) {
	env, service := newRemoteEnv(t)
	service.failNext = true

	_, err := env.Execute(context.Background(), `x := 1`)
	require.ErrorIs(t, err, ErrEnvironmentFatal)
	assert.Contains(t, err.Error(), "interpreter crashed")
}

func TestRemoteUnreachableIsFatal(t *testing.T) {
	env := NewRemote(config.RemoteEnvConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := env.Execute(context.Background(), `x := 1`)
	require.ErrorIs(t, err, ErrEnvironmentFatal)
}

func TestRemoteResetAndTeardown(t *testing.T) {
	env, service := newRemoteEnv(t)
	require.NoError(t, env.Bind("a", "b"))

	require.NoError(t, env.Reset())
	assert.Equal(t, 1, service.resets)

	require.NoError(t, env.Teardown())
	assert.True(t, service.deleted)

	_, err := env.Execute(context.Background(), `x := 1`)
	require.ErrorIs(t, err, ErrEnvironmentFatal)
	require.NoError(t, env.Teardown(), "teardown is idempotent")
}
