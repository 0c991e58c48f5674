package agent

import (
	"time"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// The view types fix the JSON field names of the external surface. Core
// structs stay tag-free; everything that crosses the API boundary goes
// through one of these.

type jobView struct {
	ID                   string     `json:"id"`
	DeckIDs              []string   `json:"deckIds"`
	DeckNames            []string   `json:"deckNames"`
	RequestedSims        int        `json:"requestedSims"`
	GamesPerContainer    int        `json:"gamesPerContainer"`
	TotalSimCount        int        `json:"totalSimCount"`
	CompletedSimCount    int        `json:"completedSimCount"`
	Status               string     `json:"status"`
	CreatedAt            time.Time  `json:"createdAt"`
	StartedAt            *time.Time `json:"startedAt,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	WorkerID             string     `json:"workerId,omitempty"`
	WorkerName           string     `json:"workerName,omitempty"`
	ErrorMessage         string     `json:"errorMessage,omitempty"`
	RetryCount           int        `json:"retryCount"`
	ContainerDurationsMs []int64    `json:"containerDurationsMs,omitempty"`
	CreatedBy            string     `json:"createdBy,omitempty"`
}

func newJobView(job *structs.Job) *jobView {
	return &jobView{
		ID:                   job.ID,
		DeckIDs:              job.DeckIDs,
		DeckNames:            job.DeckNames(),
		RequestedSims:        job.RequestedSims,
		GamesPerContainer:    job.GamesPerContainer,
		TotalSimCount:        job.TotalSimCount,
		CompletedSimCount:    job.CompletedSimCount,
		Status:               job.EffectiveStatus(),
		CreatedAt:            job.CreatedAt,
		StartedAt:            job.StartedAt,
		CompletedAt:          job.CompletedAt,
		WorkerID:             job.WorkerID,
		WorkerName:           job.WorkerName,
		ErrorMessage:         job.ErrorMessage,
		RetryCount:           job.RetryCount,
		ContainerDurationsMs: job.ContainerDurationsMs,
		CreatedBy:            job.CreatedBy,
	}
}

type jobStubView struct {
	ID                string     `json:"id"`
	DeckNames         []string   `json:"deckNames"`
	RequestedSims     int        `json:"requestedSims"`
	TotalSimCount     int        `json:"totalSimCount"`
	CompletedSimCount int        `json:"completedSimCount"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	WorkerName        string     `json:"workerName,omitempty"`
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	CreatedBy         string     `json:"createdBy,omitempty"`
}

func newJobStubView(stub *structs.JobListStub) *jobStubView {
	return &jobStubView{
		ID:                stub.ID,
		DeckNames:         stub.DeckNames,
		RequestedSims:     stub.RequestedSims,
		TotalSimCount:     stub.TotalSimCount,
		CompletedSimCount: stub.CompletedSimCount,
		Status:            stub.Status,
		CreatedAt:         stub.CreatedAt,
		CompletedAt:       stub.CompletedAt,
		WorkerName:        stub.WorkerName,
		ErrorMessage:      stub.ErrorMessage,
		CreatedBy:         stub.CreatedBy,
	}
}

type simView struct {
	ID           string     `json:"id"`
	Index        int        `json:"index"`
	State        string     `json:"state"`
	WorkerID     string     `json:"workerId,omitempty"`
	WorkerName   string     `json:"workerName,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	DurationMs   int64      `json:"durationMs,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Winners      []string   `json:"winners,omitempty"`
	WinningTurns []int      `json:"winningTurns,omitempty"`
}

func newSimView(status *structs.SimulationStatus) *simView {
	return &simView{
		ID:           status.ID,
		Index:        status.Index,
		State:        status.State,
		WorkerID:     status.WorkerID,
		WorkerName:   status.WorkerName,
		StartedAt:    status.StartedAt,
		CompletedAt:  status.CompletedAt,
		DurationMs:   status.DurationMs,
		ErrorMessage: status.ErrorMessage,
		Winners:      status.Winners,
		WinningTurns: status.WinningTurns,
	}
}

type workerView struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	Status                string    `json:"status"`
	Capacity              int       `json:"capacity"`
	ActiveSimulations     int       `json:"activeSimulations"`
	LastHeartbeat         time.Time `json:"lastHeartbeat"`
	WorkerAPIURL          string    `json:"workerApiUrl,omitempty"`
	MaxConcurrentOverride *int      `json:"maxConcurrentOverride,omitempty"`
	OwnerEmail            string    `json:"ownerEmail,omitempty"`
}

func newWorkerView(worker *structs.WorkerInfo) *workerView {
	return &workerView{
		ID:                    worker.ID,
		Name:                  worker.Name,
		Status:                worker.Status,
		Capacity:              worker.Capacity,
		ActiveSimulations:     worker.ActiveSimulations,
		LastHeartbeat:         worker.LastHeartbeat,
		WorkerAPIURL:          worker.WorkerAPIURL,
		MaxConcurrentOverride: worker.MaxConcurrentOverride,
		OwnerEmail:            worker.OwnerEmail,
	}
}

// eventView is one progress event on the stream endpoint.
type eventView struct {
	Topic   string      `json:"topic"`
	Type    string      `json:"type"`
	JobID   string      `json:"jobId"`
	Index   uint64      `json:"index"`
	Payload interface{} `json:"payload"`
}

func newEventView(event structs.Event) *eventView {
	view := &eventView{
		Topic: string(event.Topic),
		Type:  event.Type,
		JobID: event.Key,
		Index: event.Index,
	}
	switch payload := event.Payload.(type) {
	case *structs.JobListStub:
		view.Payload = newJobStubView(payload)
	case *structs.SimulationStatus:
		view.Payload = newSimView(payload)
	default:
		view.Payload = payload
	}
	return view
}
