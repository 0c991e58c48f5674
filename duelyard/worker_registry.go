package duelyard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/yardworks/duelyard/duelyard/state"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// workerSecretHeader authenticates pushes from the core to a worker's
// local API.
const workerSecretHeader = "X-Duelyard-Worker-Secret"

// WorkerRegistry tracks the worker fleet through heartbeats and pushes
// config and cancellation notices back over each worker's HTTP API. Pushes
// are best-effort: failures are logged and aggregated, never fatal.
type WorkerRegistry struct {
	logger hclog.Logger
	config *Config
	state  *state.StateStore

	httpClient *http.Client
}

func NewWorkerRegistry(logger hclog.Logger, config *Config, store *state.StateStore) *WorkerRegistry {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = config.WorkerPushTimeout
	return &WorkerRegistry{
		logger:     logger.Named("worker_registry"),
		config:     config,
		state:      store,
		httpClient: client,
	}
}

// Heartbeat upserts the worker record and returns the stored registration,
// including any max-concurrent override the worker should apply.
func (w *WorkerRegistry) Heartbeat(_ context.Context, info *structs.WorkerInfo, caller *structs.Caller) (*structs.WorkerInfo, error) {
	if !caller.IsWorker() {
		return nil, structs.ErrPermissionDenied
	}
	if info.ID == "" {
		return nil, fmt.Errorf("%w: worker id is required", structs.ErrBadRequest)
	}

	hb := info.Copy()
	hb.LastHeartbeat = time.Now()
	if hb.Status == "" {
		hb.Status = structs.WorkerStatusIdle
	}
	return w.state.UpsertWorker(hb)
}

// ListActive returns workers whose last heartbeat is within the TTL.
func (w *WorkerRegistry) ListActive() ([]*structs.WorkerInfo, error) {
	workers, err := w.state.ListWorkers()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	active := workers[:0]
	for _, worker := range workers {
		if worker.Active(w.config.HeartbeatTTL, now) {
			active = append(active, worker)
		}
	}
	return active, nil
}

// ListAll returns every registration, active or not.
func (w *WorkerRegistry) ListAll() ([]*structs.WorkerInfo, error) {
	return w.state.ListWorkers()
}

// PushResult describes the best-effort push after an override update.
type PushResult struct {
	Pushed bool
	Error  string
}

// SetMaxConcurrentOverride persists an override (nil clears it) and pushes
// it to the worker's API. Only the worker's owner or an admin may do this.
func (w *WorkerRegistry) SetMaxConcurrentOverride(ctx context.Context, workerID string, override *int, caller *structs.Caller) (*structs.WorkerInfo, *PushResult, error) {
	worker, err := w.state.GetWorker(workerID)
	if err != nil {
		return nil, nil, err
	}
	if worker == nil {
		return nil, nil, structs.ErrWorkerNotFound
	}

	if !caller.IsAdmin() && !strings.EqualFold(caller.ID, worker.OwnerEmail) {
		return nil, nil, structs.ErrPermissionDenied
	}

	updated, err := w.state.SetWorkerOverride(workerID, override)
	if err != nil {
		return nil, nil, err
	}

	push := &PushResult{}
	if updated.WorkerAPIURL == "" {
		push.Error = "worker has no API URL registered"
	} else if err := w.PushToWorker(ctx, updated.WorkerAPIURL, "/config",
		map[string]interface{}{"maxConcurrentOverride": override}); err != nil {
		w.logger.Warn("override push failed", "worker_id", workerID, "error", err)
		push.Error = err.Error()
	} else {
		push.Pushed = true
	}
	return updated, push, nil
}

// PushToAll sends body to path on every active worker. Per-worker failures
// are collected and logged; the aggregate error is returned for visibility
// but callers treat it as best-effort.
func (w *WorkerRegistry) PushToAll(ctx context.Context, path string, body interface{}) error {
	workers, err := w.ListActive()
	if err != nil {
		return err
	}

	var mErr *multierror.Error
	for _, worker := range workers {
		if worker.WorkerAPIURL == "" {
			continue
		}
		if err := w.PushToWorker(ctx, worker.WorkerAPIURL, path, body); err != nil {
			w.logger.Warn("worker push failed", "worker_id", worker.ID,
				"path", path, "error", err)
			mErr = multierror.Append(mErr, fmt.Errorf("worker %s: %w", worker.ID, err))
		}
	}
	return mErr.ErrorOrNil()
}

// PushToWorker POSTs a JSON body to one worker with the shared secret
// header and the per-worker timeout.
func (w *WorkerRegistry) PushToWorker(ctx context.Context, baseURL, path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode push body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.config.WorkerPushTimeout)
	defer cancel()

	url := strings.TrimSuffix(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.config.WorkerSharedSecret != "" {
		req.Header.Set(workerSecretHeader, w.config.WorkerSharedSecret)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("worker returned status %d", resp.StatusCode)
	}
	return nil
}
