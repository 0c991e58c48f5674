package structs

// Topic is an event stream topic.
type Topic string

const (
	TopicJob        Topic = "Job"
	TopicSimulation Topic = "Simulation"
	TopicAll        Topic = "*"
)

// Event types published on the progress stream.
const (
	TypeJobSnapshot        = "JobSnapshot"
	TypeSimulationSnapshot = "SimulationSnapshot"
)

// Event is a single progress event. Key is the job ID for both topics so a
// client can subscribe to everything about one job.
type Event struct {
	Topic      Topic
	Type       string
	Key        string
	FilterKeys []string
	Index      uint64
	Payload    interface{}
}

// Events is a set of events sharing a publish index.
type Events struct {
	Index  uint64
	Events []Event
}
