package duelyard

import (
	"github.com/yardworks/duelyard/duelyard/stream"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// publishJob pushes a job snapshot onto the progress bus. Both topics key
// on the job ID so one subscription covers a whole job.
func publishJob(bus *stream.EventBroker, job *structs.Job) {
	if bus == nil || job == nil {
		return
	}
	bus.Publish(&structs.Events{Events: []structs.Event{{
		Topic:   structs.TopicJob,
		Type:    structs.TypeJobSnapshot,
		Key:     job.ID,
		Payload: job.Stub(),
	}}})
}

// publishSims pushes simulation snapshots onto the progress bus as a single
// event set.
func publishSims(bus *stream.EventBroker, jobID string, sims []*structs.Simulation) {
	if bus == nil || len(sims) == 0 {
		return
	}
	events := make([]structs.Event, 0, len(sims))
	for _, sim := range sims {
		events = append(events, structs.Event{
			Topic:   structs.TopicSimulation,
			Type:    structs.TypeSimulationSnapshot,
			Key:     jobID,
			Payload: sim.Status(),
		})
	}
	bus.Publish(&structs.Events{Events: events})
}
