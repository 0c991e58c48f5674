package agent

import (
	"net/http"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// WorkersRequest returns the active fleet plus the broker queue depth.
func (s *HTTPServer) WorkersRequest(_ http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if _, err := s.resolveCaller(req); err != nil {
		return nil, err
	}

	workers, err := s.agent.server.Registry.ListActive()
	if err != nil {
		return nil, err
	}
	views := make([]*workerView, 0, len(workers))
	for _, worker := range workers {
		views = append(views, newWorkerView(worker))
	}
	return map[string]interface{}{
		"workers":    views,
		"queueDepth": s.agent.server.Tasks.QueueDepth(),
	}, nil
}

// WorkerHeartbeatRequest upserts the worker's registration and returns any
// override it should apply.
func (s *HTTPServer) WorkerHeartbeatRequest(_ http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	caller, err := s.resolveCaller(req)
	if err != nil {
		return nil, err
	}

	var body struct {
		ID                string `json:"id"`
		Name              string `json:"name"`
		Status            string `json:"status"`
		Capacity          int    `json:"capacity"`
		ActiveSimulations int    `json:"activeSimulations"`
		WorkerAPIURL      string `json:"workerApiUrl"`
		OwnerEmail        string `json:"ownerEmail"`
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}

	stored, err := s.agent.server.Registry.Heartbeat(req.Context(), &structs.WorkerInfo{
		ID:                body.ID,
		Name:              body.Name,
		Status:            body.Status,
		Capacity:          body.Capacity,
		ActiveSimulations: body.ActiveSimulations,
		WorkerAPIURL:      body.WorkerAPIURL,
		OwnerEmail:        body.OwnerEmail,
	}, caller)
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{"ok": true}
	if stored.MaxConcurrentOverride != nil {
		out["maxConcurrentOverride"] = *stored.MaxConcurrentOverride
	}
	return out, nil
}

// WorkerSpecificRequest handles PATCH /v1/workers/{id}: the override knob.
func (s *HTTPServer) WorkerSpecificRequest(_ http.ResponseWriter, req *http.Request) (interface{}, error) {
	tail := pathTail(req, "/v1/workers/")
	if len(tail) != 1 {
		return nil, CodedError(http.StatusNotFound, "not found")
	}
	if req.Method != http.MethodPatch {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	caller, err := s.resolveCaller(req)
	if err != nil {
		return nil, err
	}

	var body struct {
		MaxConcurrentOverride *int `json:"maxConcurrentOverride"`
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}

	worker, push, err := s.agent.server.Registry.SetMaxConcurrentOverride(
		req.Context(), tail[0], body.MaxConcurrentOverride, caller)
	if err != nil {
		return nil, err
	}

	pushView := map[string]interface{}{"pushed": push.Pushed}
	if push.Error != "" {
		pushView["error"] = push.Error
	}
	return map[string]interface{}{
		"ok":         true,
		"worker":     newWorkerView(worker),
		"pushResult": pushView,
	}, nil
}
