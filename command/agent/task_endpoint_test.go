package agent

import (
	"net/http"
	"testing"

	"github.com/shoenig/test/must"
)

func TestTaskEndpoint_DequeueAck(t *testing.T) {
	ta := makeHTTPServer(t, nil)

	// Empty queue: a bounded dequeue comes back with no content.
	code, _ := ta.request(t, http.MethodPost, "/v1/tasks/dequeue?timeoutMs=1", testWorkerToken, nil)
	must.Eq(t, http.StatusNoContent, code)

	var created struct {
		ID string `json:"id"`
	}
	ta.jsonRequest(t, http.MethodPost, "/v1/jobs", testUserToken, validCreateBody(), &created)

	var out struct {
		Task struct {
			JobID     string `json:"jobId"`
			SimID     string `json:"simId"`
			SimIndex  int    `json:"simIndex"`
			TotalSims int    `json:"totalSims"`
		} `json:"task"`
		Token string `json:"token"`
	}
	code = ta.jsonRequest(t, http.MethodPost, "/v1/tasks/dequeue", testWorkerToken, nil, &out)
	must.Eq(t, http.StatusOK, code)
	must.Eq(t, created.ID, out.Task.JobID)
	must.Eq(t, "sim_000", out.Task.SimID)
	must.Eq(t, 3, out.Task.TotalSims)
	must.NotEq(t, "", out.Token)

	// A stale token cannot ack the delivery.
	ackBody := map[string]string{
		"jobId": out.Task.JobID,
		"simId": out.Task.SimID,
		"token": "bogus",
	}
	code, _ = ta.request(t, http.MethodPost, "/v1/tasks/ack", testWorkerToken, ackBody)
	must.Eq(t, http.StatusConflict, code)

	ackBody["token"] = out.Token
	var acked struct {
		OK bool `json:"ok"`
	}
	code = ta.jsonRequest(t, http.MethodPost, "/v1/tasks/ack", testWorkerToken, ackBody, &acked)
	must.Eq(t, http.StatusOK, code)
	must.True(t, acked.OK)

	// The delivery is gone after the first ack.
	code, _ = ta.request(t, http.MethodPost, "/v1/tasks/ack", testWorkerToken, ackBody)
	must.Eq(t, http.StatusConflict, code)
}

func TestTaskEndpoint_NackRedelivers(t *testing.T) {
	ta := makeHTTPServer(t, nil)

	body := validCreateBody()
	body["simulations"] = 4
	var created struct {
		ID string `json:"id"`
	}
	ta.jsonRequest(t, http.MethodPost, "/v1/jobs", testUserToken, body, &created)

	var first struct {
		Task struct {
			SimID string `json:"simId"`
		} `json:"task"`
		Token string `json:"token"`
	}
	code := ta.jsonRequest(t, http.MethodPost, "/v1/tasks/dequeue", testWorkerToken, nil, &first)
	must.Eq(t, http.StatusOK, code)

	nackBody := map[string]string{
		"jobId": created.ID,
		"simId": first.Task.SimID,
		"token": first.Token,
	}
	var nacked struct {
		OK bool `json:"ok"`
	}
	code = ta.jsonRequest(t, http.MethodPost, "/v1/tasks/nack", testWorkerToken, nackBody, &nacked)
	must.Eq(t, http.StatusOK, code)
	must.True(t, nacked.OK)

	// The nacked task is immediately redeliverable under a fresh token.
	var second struct {
		Task struct {
			SimID string `json:"simId"`
		} `json:"task"`
		Token string `json:"token"`
	}
	code = ta.jsonRequest(t, http.MethodPost, "/v1/tasks/dequeue", testWorkerToken, nil, &second)
	must.Eq(t, http.StatusOK, code)
	must.Eq(t, first.Task.SimID, second.Task.SimID)
	must.NotEq(t, first.Token, second.Token)
}

func TestTaskEndpoint_Validation(t *testing.T) {
	ta := makeHTTPServer(t, nil)

	// Only workers talk to the task bus.
	code, _ := ta.request(t, http.MethodPost, "/v1/tasks/dequeue?timeoutMs=1", testUserToken, nil)
	must.Eq(t, http.StatusForbidden, code)

	code, _ = ta.request(t, http.MethodGet, "/v1/tasks/dequeue", testWorkerToken, nil)
	must.Eq(t, http.StatusMethodNotAllowed, code)

	code, _ = ta.request(t, http.MethodPost, "/v1/tasks/nope", testWorkerToken, nil)
	must.Eq(t, http.StatusNotFound, code)

	code, _ = ta.request(t, http.MethodPost, "/v1/tasks/dequeue?timeoutMs=abc", testWorkerToken, nil)
	must.Eq(t, http.StatusBadRequest, code)

	// Ack without a token is rejected before touching the broker.
	code, _ = ta.request(t, http.MethodPost, "/v1/tasks/ack", testWorkerToken,
		map[string]string{"jobId": "j", "simId": "sim_000"})
	must.Eq(t, http.StatusBadRequest, code)
}
