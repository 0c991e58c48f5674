package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/yardworks/duelyard/duelyard"
	"github.com/yardworks/duelyard/duelyard/mock"
	"github.com/yardworks/duelyard/duelyard/structs"
	"github.com/yardworks/duelyard/helper/testlog"
)

const (
	testUserToken   = "token-user"
	testAdminToken  = "token-admin"
	testWorkerToken = "secret-worker"
)

// testAgent is an agent plus its HTTP server on an ephemeral port.
type testAgent struct {
	agent *Agent
	srv   *HTTPServer
	logs  *mock.LogStore
	rated *mock.RatingStore
	url   string
}

func makeHTTPServer(t *testing.T, tweak func(*Config)) *testAgent {
	t.Helper()

	config := DefaultConfig()
	config.BindAddr = "127.0.0.1"
	config.Port = 0
	config.Tokens = map[string]*TokenConfig{
		testUserToken:  {ID: "player@example.com", Role: structs.RoleUser},
		testAdminToken: {ID: "ops@example.com", Role: structs.RoleAdmin},
	}
	config.Core.WorkerSharedSecret = testWorkerToken
	if tweak != nil {
		tweak(config)
	}

	rated := mock.NewRatingStore()
	logs := mock.NewLogStore()
	agent, err := NewAgent(config, testlog.HCLogger(t), duelyard.Deps{
		Decks:       mock.NewDeckStore(),
		Logs:        logs,
		Ratings:     mock.NewRatingEngine(rated),
		RatingStore: rated,
	})
	must.NoError(t, err)
	t.Cleanup(agent.Shutdown)

	srv, err := NewHTTPServer(agent, config)
	must.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	return &testAgent{
		agent: agent,
		srv:   srv,
		logs:  logs,
		rated: rated,
		url:   "http://" + srv.Addr,
	}
}

// request performs an HTTP call with the given token and optional JSON
// body, returning status code and raw response.
func (ta *testAgent) request(t *testing.T, method, path, token string, body interface{}) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		must.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, ta.url+path, reader)
	must.NoError(t, err)
	if token != "" {
		req.Header.Set(headerToken, token)
	}
	if token == testWorkerToken {
		req.Header.Set(headerWorkerID, "worker-1")
	}

	resp, err := http.DefaultClient.Do(req)
	must.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	must.NoError(t, err)
	return resp.StatusCode, raw
}

func (ta *testAgent) jsonRequest(t *testing.T, method, path, token string, body interface{}, out interface{}) int {
	t.Helper()
	code, raw := ta.request(t, method, path, token, body)
	if out != nil && len(raw) > 0 && code < 300 {
		must.NoError(t, json.Unmarshal(raw, out))
	}
	return code
}

func TestHTTPServer_Auth(t *testing.T) {
	ta := makeHTTPServer(t, nil)

	code, _ := ta.request(t, http.MethodGet, "/v1/jobs", "", nil)
	must.Eq(t, http.StatusUnauthorized, code)

	code, _ = ta.request(t, http.MethodGet, "/v1/jobs", "token-bogus", nil)
	must.Eq(t, http.StatusUnauthorized, code)

	code, _ = ta.request(t, http.MethodGet, "/v1/jobs", testUserToken, nil)
	must.Eq(t, http.StatusOK, code)

	// The worker shared secret authenticates as a worker.
	code, _ = ta.request(t, http.MethodGet, "/v1/jobs/next", testWorkerToken, nil)
	must.Eq(t, http.StatusNoContent, code)
}

func TestHTTPServer_Health(t *testing.T) {
	ta := makeHTTPServer(t, nil)

	// Health needs no token.
	var out map[string]bool
	code := ta.jsonRequest(t, http.MethodGet, "/v1/agent/health", "", nil, &out)
	must.Eq(t, http.StatusOK, code)
	must.True(t, out["ok"])
}

func TestHTTPServer_Metrics(t *testing.T) {
	ta := makeHTTPServer(t, nil)

	code, raw := ta.request(t, http.MethodGet, "/v1/metrics", "", nil)
	must.Eq(t, http.StatusOK, code)
	must.StrContains(t, string(raw), "Counters")
}

func TestHTTPServer_MethodNotAllowed(t *testing.T) {
	ta := makeHTTPServer(t, nil)

	code, _ := ta.request(t, http.MethodPut, "/v1/jobs", testUserToken, nil)
	must.Eq(t, http.StatusMethodNotAllowed, code)

	code, _ = ta.request(t, http.MethodDelete, "/v1/workers", testUserToken, nil)
	must.Eq(t, http.StatusMethodNotAllowed, code)
}

func TestHTTPServer_ErrCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{structs.ErrBadRequest, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", structs.ErrBadRequest), http.StatusBadRequest},
		{structs.ErrPermissionDenied, http.StatusForbidden},
		{structs.ErrJobNotFound, http.StatusNotFound},
		{structs.ErrSimNotFound, http.StatusNotFound},
		{structs.ErrWorkerNotFound, http.StatusNotFound},
		{structs.ErrInvalidTransition, http.StatusConflict},
		{structs.ErrJobTerminal, http.StatusConflict},
		{structs.ErrIdempotencyConflict, http.StatusConflict},
		{structs.ErrTooManyRequests, http.StatusTooManyRequests},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tcase := range cases {
		must.Eq(t, tcase.code, errCodeFor(tcase.err),
			must.Sprintf("wrong code for %v", tcase.err))
	}
}
