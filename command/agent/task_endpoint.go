package agent

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/yardworks/duelyard/duelyard/broker"
	"github.com/yardworks/duelyard/duelyard/structs"
)

// defaultDequeueWait is how long a dequeue blocks for a task when the
// worker does not ask for a specific long-poll duration.
const defaultDequeueWait = 5 * time.Second

type taskView struct {
	JobID     string `json:"jobId"`
	SimID     string `json:"simId"`
	SimIndex  int    `json:"simIndex"`
	TotalSims int    `json:"totalSims"`
}

// TasksRequest is the worker-facing side of the task broker: dequeue a
// simulation task with a delivery token, then ack or nack it by token.
func (s *HTTPServer) TasksRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	caller, err := s.resolveCaller(req)
	if err != nil {
		return nil, err
	}
	if !caller.IsWorker() {
		return nil, structs.ErrPermissionDenied
	}

	tail := pathTail(req, "/v1/tasks/")
	if len(tail) != 1 {
		return nil, CodedError(http.StatusNotFound, "not found")
	}
	switch tail[0] {
	case "dequeue":
		return s.taskDequeue(resp, req)
	case "ack":
		return s.taskAckNack(req, true)
	case "nack":
		return s.taskAckNack(req, false)
	default:
		return nil, CodedError(http.StatusNotFound, "not found")
	}
}

func (s *HTTPServer) taskDequeue(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	wait := defaultDequeueWait
	if raw := req.URL.Query().Get("timeoutMs"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return nil, CodedError(http.StatusBadRequest, "invalid timeoutMs")
		}
		wait = time.Duration(ms) * time.Millisecond
	}
	// A dequeue never outlives the request timeout; zero means poll once.
	if max := s.agent.server.Config().RequestTimeout; wait > max {
		wait = max
	}
	if wait == 0 {
		wait = time.Millisecond
	}

	task, token, err := s.agent.server.Tasks.Dequeue(wait)
	if err != nil {
		return nil, err
	}
	if task == nil {
		resp.WriteHeader(http.StatusNoContent)
		return nil, nil
	}
	return map[string]interface{}{
		"task": &taskView{
			JobID:     task.JobID,
			SimID:     task.SimID,
			SimIndex:  task.SimIndex,
			TotalSims: task.TotalSims,
		},
		"token": token,
	}, nil
}

func (s *HTTPServer) taskAckNack(req *http.Request, ack bool) (interface{}, error) {
	var body struct {
		JobID string `json:"jobId"`
		SimID string `json:"simId"`
		Token string `json:"token"`
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}
	if body.JobID == "" || body.SimID == "" || body.Token == "" {
		return nil, CodedError(http.StatusBadRequest, "jobId, simId and token are required")
	}

	task := &structs.SimulationTask{JobID: body.JobID, SimID: body.SimID}
	var err error
	if ack {
		err = s.agent.server.Tasks.Ack(task.Key(), body.Token)
	} else {
		err = s.agent.server.Tasks.Nack(task.Key(), body.Token)
	}
	if errors.Is(err, broker.ErrNotOutstanding) || errors.Is(err, broker.ErrTokenMismatch) {
		return nil, CodedError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}
