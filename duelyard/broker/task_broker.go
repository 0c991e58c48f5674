// Package broker provides the in-process task bus that fans simulation
// tasks out to workers. Delivery is at-least-once: a dequeued task that is
// not acked within the nack timeout is requeued, and duplicates are the
// consumer's problem to absorb.
package broker

import (
	"errors"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-uuid"

	"github.com/yardworks/duelyard/duelyard/structs"
)

var (
	// ErrNotOutstanding is returned if an ack/nack references a task that
	// is not currently dequeued.
	ErrNotOutstanding = errors.New("task is not outstanding")

	// ErrTokenMismatch is returned if an ack/nack carries a token from a
	// previous delivery of the task.
	ErrTokenMismatch = errors.New("token does not match outstanding task")
)

// TaskBroker is a competing-consumer queue of simulation tasks. It hands
// each task to at most one worker at a time, tracked by a delivery token;
// redelivery happens on explicit nack or nack timeout. Tasks that exceed
// the delivery limit are parked in the dead set for the recovery service to
// deal with.
type TaskBroker struct {
	nackTimeout   time.Duration
	deliveryLimit int

	enabled bool

	// ready is the FIFO of deliverable tasks. pending tracks every key
	// currently ready or outstanding so duplicate enqueues are no-ops.
	ready   []*structs.SimulationTask
	pending map[string]struct{}

	unack map[string]*unackedTask

	// attempts counts deliveries per task key. Cleared on ack.
	attempts map[string]int

	// dead holds tasks past the delivery limit.
	dead map[string]*structs.SimulationTask

	// waitCh is closed and replaced whenever a task becomes ready, waking
	// blocked Dequeue calls.
	waitCh chan struct{}

	l sync.RWMutex
}

// unackedTask tracks an in-flight delivery.
type unackedTask struct {
	task      *structs.SimulationTask
	token     string
	nackTimer *time.Timer
}

// BrokerStats is returned by Stats.
type BrokerStats struct {
	TotalReady    int
	TotalUnacked  int
	TotalDead     int
	TotalPending  int
	DeliveryLimit int
}

// NewTaskBroker creates a broker. Tasks unacked for nackTimeout are
// requeued; a task delivered more than deliveryLimit times is parked.
func NewTaskBroker(nackTimeout time.Duration, deliveryLimit int) *TaskBroker {
	return &TaskBroker{
		nackTimeout:   nackTimeout,
		deliveryLimit: deliveryLimit,
		pending:       make(map[string]struct{}),
		unack:         make(map[string]*unackedTask),
		attempts:      make(map[string]int),
		dead:          make(map[string]*structs.SimulationTask),
		waitCh:        make(chan struct{}),
	}
}

// Enabled reports whether the broker accepts enqueues.
func (b *TaskBroker) Enabled() bool {
	b.l.RLock()
	defer b.l.RUnlock()
	return b.enabled
}

// SetEnabled toggles the broker. Disabling flushes all queued state.
func (b *TaskBroker) SetEnabled(enabled bool) {
	b.l.Lock()
	defer b.l.Unlock()

	prev := b.enabled
	b.enabled = enabled
	if prev && !enabled {
		b.flushLocked()
	}
}

// Enqueue adds a task. Duplicate enqueues of a ready, outstanding or dead
// task are no-ops, which keeps recovery republishes idempotent.
func (b *TaskBroker) Enqueue(task *structs.SimulationTask) {
	b.l.Lock()
	defer b.l.Unlock()
	b.enqueueLocked(task)
}

// EnqueueAll adds a batch of tasks under a single lock acquisition.
func (b *TaskBroker) EnqueueAll(tasks []*structs.SimulationTask) {
	b.l.Lock()
	defer b.l.Unlock()
	for _, task := range tasks {
		b.enqueueLocked(task)
	}
}

func (b *TaskBroker) enqueueLocked(task *structs.SimulationTask) {
	if !b.enabled {
		return
	}

	key := task.Key()
	if _, ok := b.pending[key]; ok {
		return
	}
	if _, ok := b.dead[key]; ok {
		return
	}

	b.pending[key] = struct{}{}
	b.ready = append(b.ready, task)
	metrics.IncrCounter([]string{"duelyard", "task_broker", "enqueue"}, 1)

	// Wake any blocked Dequeue.
	close(b.waitCh)
	b.waitCh = make(chan struct{})
}

// Dequeue blocks up to timeout for a task and returns it with a delivery
// token. A zero timeout blocks forever; a nil task means the timeout
// elapsed.
func (b *TaskBroker) Dequeue(timeout time.Duration) (*structs.SimulationTask, string, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		b.l.Lock()
		if len(b.ready) > 0 {
			task, token, err := b.deliverLocked()
			b.l.Unlock()
			return task, token, err
		}
		waitCh := b.waitCh
		b.l.Unlock()

		select {
		case <-waitCh:
		case <-timeoutCh:
			return nil, "", nil
		}
	}
}

func (b *TaskBroker) deliverLocked() (*structs.SimulationTask, string, error) {
	task := b.ready[0]
	b.ready = b.ready[1:]

	token, err := uuid.GenerateUUID()
	if err != nil {
		// Put it back so the task isn't lost.
		b.ready = append([]*structs.SimulationTask{task}, b.ready...)
		return nil, "", err
	}

	key := task.Key()
	b.attempts[key]++
	unack := &unackedTask{task: task, token: token}
	if b.nackTimeout > 0 {
		unack.nackTimer = time.AfterFunc(b.nackTimeout, func() {
			b.requeueTimeout(key, token)
		})
	}
	b.unack[key] = unack

	metrics.IncrCounter([]string{"duelyard", "task_broker", "dequeue"}, 1)
	return task, token, nil
}

// requeueTimeout is fired by the nack timer. It only acts if the same
// delivery is still outstanding.
func (b *TaskBroker) requeueTimeout(key, token string) {
	b.l.Lock()
	defer b.l.Unlock()

	unack, ok := b.unack[key]
	if !ok || unack.token != token {
		return
	}
	metrics.IncrCounter([]string{"duelyard", "task_broker", "nack_timeout"}, 1)
	b.requeueLocked(unack)
}

func (b *TaskBroker) requeueLocked(unack *unackedTask) {
	key := unack.task.Key()
	delete(b.unack, key)

	if b.attempts[key] >= b.deliveryLimit {
		delete(b.pending, key)
		b.dead[key] = unack.task
		metrics.IncrCounter([]string{"duelyard", "task_broker", "dead"}, 1)
		return
	}

	b.ready = append(b.ready, unack.task)
	close(b.waitCh)
	b.waitCh = make(chan struct{})
}

// Ack confirms a delivered task is done and clears its delivery history.
func (b *TaskBroker) Ack(key, token string) error {
	b.l.Lock()
	defer b.l.Unlock()

	unack, ok := b.unack[key]
	if !ok {
		return ErrNotOutstanding
	}
	if unack.token != token {
		return ErrTokenMismatch
	}
	if unack.nackTimer != nil {
		unack.nackTimer.Stop()
	}

	delete(b.unack, key)
	delete(b.pending, key)
	delete(b.attempts, key)
	metrics.IncrCounter([]string{"duelyard", "task_broker", "ack"}, 1)
	return nil
}

// Nack returns a delivered task to the queue (or the dead set when the
// delivery limit is hit).
func (b *TaskBroker) Nack(key, token string) error {
	b.l.Lock()
	defer b.l.Unlock()

	unack, ok := b.unack[key]
	if !ok {
		return ErrNotOutstanding
	}
	if unack.token != token {
		return ErrTokenMismatch
	}
	if unack.nackTimer != nil {
		unack.nackTimer.Stop()
	}

	metrics.IncrCounter([]string{"duelyard", "task_broker", "nack"}, 1)
	b.requeueLocked(unack)
	return nil
}

// Outstanding returns the current delivery token of a task, if any.
func (b *TaskBroker) Outstanding(key string) (string, bool) {
	b.l.RLock()
	defer b.l.RUnlock()
	unack, ok := b.unack[key]
	if !ok {
		return "", false
	}
	return unack.token, true
}

// Resurrect moves a dead task back to ready, resetting its delivery
// history. The recovery service uses this when it republishes a job's
// failed work.
func (b *TaskBroker) Resurrect(key string) bool {
	b.l.Lock()
	defer b.l.Unlock()

	task, ok := b.dead[key]
	if !ok {
		return false
	}
	delete(b.dead, key)
	delete(b.attempts, key)
	b.pending[key] = struct{}{}
	b.ready = append(b.ready, task)
	close(b.waitCh)
	b.waitCh = make(chan struct{})
	return true
}

// CancelJob drops every ready or dead task belonging to a job. Outstanding
// deliveries are left alone; their terminal reports are absorbed by the
// state machine guards downstream.
func (b *TaskBroker) CancelJob(jobID string) int {
	b.l.Lock()
	defer b.l.Unlock()

	var dropped int
	filtered := b.ready[:0]
	for _, task := range b.ready {
		if task.JobID == jobID {
			delete(b.pending, task.Key())
			delete(b.attempts, task.Key())
			dropped++
			continue
		}
		filtered = append(filtered, task)
	}
	b.ready = filtered

	for key, task := range b.dead {
		if task.JobID == jobID {
			delete(b.dead, key)
			delete(b.attempts, key)
			dropped++
		}
	}
	return dropped
}

// Stats returns a snapshot of queue depths.
func (b *TaskBroker) Stats() *BrokerStats {
	b.l.RLock()
	defer b.l.RUnlock()
	return &BrokerStats{
		TotalReady:    len(b.ready),
		TotalUnacked:  len(b.unack),
		TotalDead:     len(b.dead),
		TotalPending:  len(b.pending),
		DeliveryLimit: b.deliveryLimit,
	}
}

// QueueDepth is the number of tasks not yet acked.
func (b *TaskBroker) QueueDepth() int {
	b.l.RLock()
	defer b.l.RUnlock()
	return len(b.ready) + len(b.unack)
}

// flushLocked drops all broker state and stops outstanding timers.
func (b *TaskBroker) flushLocked() {
	for _, unack := range b.unack {
		if unack.nackTimer != nil {
			unack.nackTimer.Stop()
		}
	}
	b.ready = nil
	b.pending = make(map[string]struct{})
	b.unack = make(map[string]*unackedTask)
	b.attempts = make(map[string]int)
	b.dead = make(map[string]*structs.SimulationTask)
}
