package agent

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/yardworks/duelyard/duelyard"
	"github.com/yardworks/duelyard/duelyard/stream"
	"github.com/yardworks/duelyard/duelyard/structs"
)

type jobCreateRequest struct {
	DeckIDs        []string `json:"deckIds"`
	Simulations    int      `json:"simulations"`
	Parallelism    int      `json:"parallelism"`
	IdempotencyKey string   `json:"idempotencyKey"`
}

type jobCreateResponse struct {
	ID            string   `json:"id"`
	DeckNames     []string `json:"deckNames"`
	TotalSimCount int      `json:"totalSimCount"`
	Status        string   `json:"status"`
}

func (s *HTTPServer) JobsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return s.jobsList(resp, req)
	case http.MethodPost:
		return s.jobCreate(resp, req)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func (s *HTTPServer) jobsList(_ http.ResponseWriter, req *http.Request) (interface{}, error) {
	caller, err := s.resolveCaller(req)
	if err != nil {
		return nil, err
	}

	stubs, err := s.agent.server.Scheduler.ListJobs(caller)
	if err != nil {
		return nil, err
	}
	views := make([]*jobStubView, 0, len(stubs))
	for _, stub := range stubs {
		views = append(views, newJobStubView(stub))
	}
	return map[string]interface{}{"jobs": views}, nil
}

func (s *HTTPServer) jobCreate(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	caller, err := s.resolveCaller(req)
	if err != nil {
		return nil, err
	}
	if caller.Role != structs.RoleUser && !caller.IsAdmin() {
		return nil, structs.ErrPermissionDenied
	}

	var body jobCreateRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}

	job, err := s.agent.server.Scheduler.CreateJob(req.Context(), &duelyard.JobCreateRequest{
		DeckIDs:        body.DeckIDs,
		Simulations:    body.Simulations,
		Parallelism:    body.Parallelism,
		IdempotencyKey: body.IdempotencyKey,
	}, caller)
	if err != nil {
		return nil, err
	}

	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(http.StatusCreated)
	return &jobCreateResponse{
		ID:            job.ID,
		DeckNames:     job.DeckNames(),
		TotalSimCount: job.TotalSimCount,
		Status:        job.Status,
	}, nil
}

// JobSpecificRequest dispatches everything under /v1/jobs/.
func (s *HTTPServer) JobSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	tail := pathTail(req, "/v1/jobs/")

	switch len(tail) {
	case 1:
		switch tail[0] {
		case "next":
			return s.jobClaimNext(resp, req)
		case "bulk-delete":
			return s.jobBulkDelete(resp, req)
		default:
			return s.jobCRUD(resp, req, tail[0])
		}
	case 2:
		jobID := tail[0]
		switch tail[1] {
		case "cancel":
			return s.jobCancel(resp, req, jobID)
		case "simulations":
			return s.jobSimulations(resp, req, jobID)
		case "recover":
			return s.jobRecover(resp, req, jobID)
		case "stream":
			return s.jobStream(resp, req, jobID)
		}
	case 3:
		if tail[1] == "simulations" {
			return s.simUpdate(resp, req, tail[0], tail[2])
		}
	}
	return nil, CodedError(http.StatusNotFound, "not found")
}

func (s *HTTPServer) jobCRUD(resp http.ResponseWriter, req *http.Request, jobID string) (interface{}, error) {
	caller, err := s.resolveCaller(req)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case http.MethodGet:
		job, err := s.agent.server.Scheduler.GetJob(jobID)
		if err != nil {
			return nil, err
		}
		return newJobView(job), nil

	case http.MethodPatch:
		var body struct {
			Status       string  `json:"status"`
			WorkerID     string  `json:"workerId"`
			WorkerName   string  `json:"workerName"`
			ErrorMessage string  `json:"errorMessage"`
			Durations    []int64 `json:"durations"`
		}
		if err := decodeBody(req, &body); err != nil {
			return nil, err
		}
		job, err := s.agent.server.Reporter.UpdateJobFromWorker(req.Context(), jobID,
			&duelyard.JobWorkerPatch{
				Status:       body.Status,
				WorkerID:     body.WorkerID,
				WorkerName:   body.WorkerName,
				ErrorMessage: body.ErrorMessage,
				DurationsMs:  body.Durations,
			}, caller)
		if err != nil {
			return nil, err
		}
		return newJobView(job), nil

	case http.MethodDelete:
		if err := s.agent.server.Scheduler.DeleteJob(jobID, caller); err != nil {
			return nil, err
		}
		resp.WriteHeader(http.StatusNoContent)
		return nil, nil

	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func (s *HTTPServer) jobClaimNext(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	caller, err := s.resolveCaller(req)
	if err != nil {
		return nil, err
	}

	job, err := s.agent.server.Scheduler.ClaimNextJob(caller,
		req.Header.Get(headerWorkerID), req.URL.Query().Get("workerName"))
	if errors.Is(err, structs.ErrNoQueuedJobs) {
		resp.WriteHeader(http.StatusNoContent)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return newJobView(job), nil
}

func (s *HTTPServer) jobBulkDelete(_ http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	caller, err := s.resolveCaller(req)
	if err != nil {
		return nil, err
	}

	var body struct {
		JobIDs []string `json:"jobIds"`
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}

	results, err := s.agent.server.Scheduler.BulkDeleteJobs(body.JobIDs, caller)
	if err != nil {
		return nil, err
	}

	type resultView struct {
		JobID   string `json:"jobId"`
		Deleted bool   `json:"deleted"`
		Error   string `json:"error,omitempty"`
	}
	deleted := 0
	views := make([]*resultView, 0, len(results))
	for _, res := range results {
		if res.Deleted {
			deleted++
		}
		views = append(views, &resultView{JobID: res.JobID, Deleted: res.Deleted, Error: res.Error})
	}
	return map[string]interface{}{"deletedCount": deleted, "results": views}, nil
}

func (s *HTTPServer) jobCancel(_ http.ResponseWriter, req *http.Request, jobID string) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	caller, err := s.resolveCaller(req)
	if err != nil {
		return nil, err
	}

	job, err := s.agent.server.Cancellation.CancelJob(req.Context(), jobID, caller)
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": job.ID, "status": job.Status}, nil
}

func (s *HTTPServer) jobSimulations(resp http.ResponseWriter, req *http.Request, jobID string) (interface{}, error) {
	caller, err := s.resolveCaller(req)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case http.MethodGet:
		if _, err := s.agent.server.State.GetJob(jobID); err != nil {
			return nil, err
		}
		sims, err := s.agent.server.State.SimulationsByJob(jobID)
		if err != nil {
			return nil, err
		}
		views := make([]*simView, 0, len(sims))
		for _, sim := range sims {
			views = append(views, newSimView(sim.Status()))
		}
		return map[string]interface{}{"simulations": views}, nil

	case http.MethodPost:
		if !caller.IsWorker() {
			return nil, structs.ErrPermissionDenied
		}
		var body struct {
			Count int `json:"count"`
		}
		if err := decodeBody(req, &body); err != nil {
			return nil, err
		}
		job, err := s.agent.server.State.GetJob(jobID)
		if err != nil {
			return nil, err
		}
		// An inflated count would mint sims the completion counter can
		// never account for.
		if body.Count != job.TotalSimCount {
			return nil, CodedError(http.StatusBadRequest,
				fmt.Sprintf("count %d does not match job total %d", body.Count, job.TotalSimCount))
		}
		initialized, err := s.agent.server.State.InitializeSimulations(jobID, body.Count)
		if err != nil {
			return nil, err
		}
		resp.Header().Set("Content-Type", "application/json")
		resp.WriteHeader(http.StatusCreated)
		return map[string]int{"initialized": initialized}, nil

	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func (s *HTTPServer) simUpdate(_ http.ResponseWriter, req *http.Request, jobID, simID string) (interface{}, error) {
	if req.Method != http.MethodPatch {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	caller, err := s.resolveCaller(req)
	if err != nil {
		return nil, err
	}

	var body struct {
		State        string   `json:"state"`
		WorkerID     string   `json:"workerId"`
		WorkerName   string   `json:"workerName"`
		DurationMs   *int64   `json:"durationMs"`
		ErrorMessage string   `json:"errorMessage"`
		Winners      []string `json:"winners"`
		WinningTurns []int    `json:"winningTurns"`
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}

	result, err := s.agent.server.Reporter.UpdateSim(req.Context(), jobID, simID,
		&structs.SimulationPatch{
			State:        body.State,
			WorkerID:     body.WorkerID,
			WorkerName:   body.WorkerName,
			DurationMs:   body.DurationMs,
			ErrorMessage: body.ErrorMessage,
			Winners:      body.Winners,
			WinningTurns: body.WinningTurns,
		}, caller)
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{
		"updated":    result.Updated,
		"simulation": newSimView(result.Simulation),
	}
	if result.Reason != "" {
		out["reason"] = result.Reason
	}
	return out, nil
}

func (s *HTTPServer) jobRecover(_ http.ResponseWriter, req *http.Request, jobID string) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	caller, err := s.resolveCaller(req)
	if err != nil {
		return nil, err
	}
	if !caller.IsWorker() && !caller.IsAdmin() {
		return nil, structs.ErrPermissionDenied
	}

	outcome, err := s.agent.server.Recovery.RunRecoveryCheck(req.Context(), jobID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      outcome.Status,
		"recovered":   outcome.Recovered,
		"stillActive": outcome.StillActive,
	}, nil
}

// terminalJobEvent reports whether an event carries a terminal job
// snapshot, which ends the stream.
func terminalJobEvent(event structs.Event) bool {
	if event.Topic != structs.TopicJob {
		return false
	}
	stub, ok := event.Payload.(*structs.JobListStub)
	return ok && structs.IsTerminalJobStatus(stub.Status)
}

// jobStream sends the current job and simulation snapshots, then follows
// the progress bus with newline-delimited JSON. The stream closes once a
// terminal job snapshot has been written or the client goes away.
func (s *HTTPServer) jobStream(resp http.ResponseWriter, req *http.Request, jobID string) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if _, err := s.resolveCaller(req); err != nil {
		return nil, err
	}

	job, err := s.agent.server.State.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	flusher, ok := resp.(http.Flusher)
	if !ok {
		return nil, CodedError(http.StatusInternalServerError, "streaming not supported")
	}

	// Subscribe before the snapshot so no update between snapshot and
	// subscription is lost.
	sub := s.agent.server.Progress.Subscribe(&stream.SubscribeRequest{
		Topics: map[structs.Topic][]string{structs.TopicAll: {jobID}},
	})
	defer sub.Unsubscribe()

	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(http.StatusOK)

	enc := codec.NewEncoder(resp, structs.JsonHandle)
	writeEvent := func(event structs.Event) error {
		if err := enc.Encode(newEventView(event)); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Catch-up snapshot from the store; live events follow.
	stub := job.Stub()
	if err := writeEvent(structs.Event{
		Topic: structs.TopicJob, Type: structs.TypeJobSnapshot,
		Key: jobID, Index: job.ModifyIndex, Payload: stub,
	}); err != nil {
		return nil, nil
	}
	sims, err := s.agent.server.State.SimulationsByJob(jobID)
	if err == nil {
		for _, sim := range sims {
			if err := writeEvent(structs.Event{
				Topic: structs.TopicSimulation, Type: structs.TypeSimulationSnapshot,
				Key: jobID, Index: sim.ModifyIndex, Payload: sim.Status(),
			}); err != nil {
				return nil, nil
			}
		}
	}
	if structs.IsTerminalJobStatus(stub.Status) {
		return nil, nil
	}

	ctx := req.Context()
	for {
		events, err := sub.Next(ctx)
		if err != nil {
			// Client disconnect or agent shutdown.
			return nil, nil
		}
		for _, event := range events.Events {
			if err := writeEvent(event); err != nil {
				return nil, nil
			}
			if terminalJobEvent(event) {
				return nil, nil
			}
		}
	}
}
