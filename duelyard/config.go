package duelyard

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/hashicorp/go-hclog"
)

// Config holds the tunables of the core. Zero values are filled in by
// DefaultConfig; environment variables override per deployment.
type Config struct {
	Logger hclog.Logger

	// GamesPerContainer is the batching factor G.
	GamesPerContainer int

	// SimMax caps requestedSims on job creation.
	SimMax int

	// ParallelismMax caps the requested parallelism hint.
	ParallelismMax int

	// SimBudgetPerMinute is the per-caller rate limit, counted in
	// requested sims.
	SimBudgetPerMinute int

	// HeartbeatTTL is how long a worker stays active after its last
	// heartbeat.
	HeartbeatTTL time.Duration

	// RecoveryInterval is the delay between job creation and the first
	// scheduled recovery check.
	RecoveryInterval time.Duration

	// RetryInterval is the delay before a recovery check is re-armed for
	// a still-active job.
	RetryInterval time.Duration

	// SimStaleAfter is how long a sim may sit in RUNNING before recovery
	// fails it for redelivery.
	SimStaleAfter time.Duration

	// MaxRetries is the per-job recovery retry cap.
	MaxRetries int

	// TaskNackTimeout is how long a dequeued task may go unacked before
	// the broker redelivers it.
	TaskNackTimeout time.Duration

	// RequestTimeout bounds foreground handler work.
	RequestTimeout time.Duration

	// AggregationTimeout bounds a background aggregation run.
	AggregationTimeout time.Duration

	// WorkerPushTimeout bounds each outbound HTTP push to a worker.
	WorkerPushTimeout time.Duration

	// WorkerSharedSecret authenticates pushes to workers and worker
	// callbacks.
	WorkerSharedSecret string

	// BackgroundWorkers sizes the bounded pool running fire-and-forget
	// tasks (aggregation dispatch, cancel pushes).
	BackgroundWorkers int

	// EventBufferSize is the progress stream retention, in event sets.
	EventBufferSize int64

	// StatePath, when non-empty, enables the durable bbolt backend.
	StatePath string
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() *Config {
	return &Config{
		GamesPerContainer:  4,
		SimMax:             100,
		ParallelismMax:     16,
		SimBudgetPerMinute: 300,
		HeartbeatTTL:       45 * time.Second,
		RecoveryInterval:   600 * time.Second,
		RetryInterval:      300 * time.Second,
		SimStaleAfter:      1800 * time.Second,
		MaxRetries:         3,
		TaskNackTimeout:    60 * time.Second,
		RequestTimeout:     30 * time.Second,
		AggregationTimeout: 120 * time.Second,
		WorkerPushTimeout:  5 * time.Second,
		BackgroundWorkers:  8,
		EventBufferSize:    256,
	}
}

// LoadEnv applies environment variable overrides from the process
// environment.
func (c *Config) LoadEnv() error {
	return c.loadEnv(os.Getenv)
}

// LoadEnvFile reads a KEY=value file and applies it as overrides. Used for
// deployments that ship config as an env file.
func (c *Config) LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open env file %q: %w", path, err)
	}
	defer f.Close()

	vars, err := envparse.Parse(f)
	if err != nil {
		return fmt.Errorf("failed to parse env file %q: %w", path, err)
	}
	return c.loadEnv(func(key string) string { return vars[key] })
}

func (c *Config) loadEnv(getenv func(string) string) error {
	intVars := []struct {
		name string
		dst  *int
	}{
		{"MAX_RETRIES", &c.MaxRetries},
		{"SIM_MAX", &c.SimMax},
		{"PAR_MAX", &c.ParallelismMax},
		{"GAMES_PER_CONTAINER", &c.GamesPerContainer},
		{"SIM_BUDGET_PER_MINUTE", &c.SimBudgetPerMinute},
	}
	for _, v := range intVars {
		raw := getenv(v.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", v.name, raw, err)
		}
		*v.dst = n
	}

	secVars := []struct {
		name string
		dst  *time.Duration
	}{
		{"HEARTBEAT_TTL_SEC", &c.HeartbeatTTL},
		{"T_RECOVERY_SEC", &c.RecoveryInterval},
		{"T_RETRY_SEC", &c.RetryInterval},
		{"T_SIM_STALE_SEC", &c.SimStaleAfter},
	}
	for _, v := range secVars {
		raw := getenv(v.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", v.name, raw, err)
		}
		*v.dst = time.Duration(n) * time.Second
	}

	if secret := getenv("WORKER_SHARED_SECRET"); secret != "" {
		c.WorkerSharedSecret = secret
	}
	if path := getenv("STATE_PATH"); path != "" {
		c.StatePath = path
	}
	return nil
}
