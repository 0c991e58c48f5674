package state

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
	bolt "go.etcd.io/bbolt"

	"github.com/yardworks/duelyard/duelyard/structs"
)

// RecordKind tags records streamed out of a Persister during restore.
type RecordKind string

const (
	RecordJob            RecordKind = "job"
	RecordSimulation     RecordKind = "simulation"
	RecordIdempotencyKey RecordKind = "idempotency_key"
	RecordWorker         RecordKind = "worker"
)

// Persister is the durable backend behind the in-memory state store. The
// store writes through on every mutation and replays the backend on boot.
// Implementations must be safe for concurrent use; the store calls them
// while holding its write transaction.
type Persister interface {
	PutJob(*structs.Job) error
	DeleteJob(jobID, idempotencyKey string) error
	PutSimulation(*structs.Simulation) error
	DeleteSimulations(jobID string) error
	PutIdempotencyRecord(*structs.IdempotencyRecord) error
	PutWorker(*structs.WorkerInfo) error

	// Restore streams every stored record through fn.
	Restore(fn func(kind RecordKind, raw interface{}) error) error

	Close() error
}

var (
	bucketJobs            = []byte("jobs")
	bucketSimulations     = []byte("simulations")
	bucketIdempotencyKeys = []byte("idempotency_keys")
	bucketWorkers         = []byte("workers")
)

// msgpackHandle is the codec configuration shared by all bolt records.
var msgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.MapType = nil
	return h
}()

// BoltPersister stores state store records in a single bbolt file. Keys are
// the record IDs; simulations are keyed "jobID/simID" so a job's records
// share a prefix and can be dropped with a cursor scan.
type BoltPersister struct {
	db *bolt.DB
}

// NewBoltPersister opens (creating if needed) the bolt file and ensures all
// buckets exist.
func NewBoltPersister(path string) (*BoltPersister, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open state file %q: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketJobs, bucketSimulations, bucketIdempotencyKeys, bucketWorkers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state file: %w", err)
	}

	return &BoltPersister{db: db}, nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, out interface{}) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(out)
}

func (p *BoltPersister) put(bucket []byte, key string, v interface{}) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (p *BoltPersister) PutJob(job *structs.Job) error {
	return p.put(bucketJobs, job.ID, job)
}

func (p *BoltPersister) DeleteJob(jobID, idempotencyKey string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketJobs).Delete([]byte(jobID)); err != nil {
			return err
		}
		if idempotencyKey != "" {
			if err := tx.Bucket(bucketIdempotencyKeys).Delete([]byte(idempotencyKey)); err != nil {
				return err
			}
		}
		return deleteSimulationsTx(tx, jobID)
	})
}

func (p *BoltPersister) PutSimulation(sim *structs.Simulation) error {
	return p.put(bucketSimulations, sim.JobID+"/"+sim.ID, sim)
}

func (p *BoltPersister) DeleteSimulations(jobID string) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		return deleteSimulationsTx(tx, jobID)
	})
}

func deleteSimulationsTx(tx *bolt.Tx, jobID string) error {
	prefix := []byte(jobID + "/")
	c := tx.Bucket(bucketSimulations).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func (p *BoltPersister) PutIdempotencyRecord(rec *structs.IdempotencyRecord) error {
	return p.put(bucketIdempotencyKeys, rec.Key, rec)
}

func (p *BoltPersister) PutWorker(worker *structs.WorkerInfo) error {
	return p.put(bucketWorkers, worker.ID, worker)
}

func (p *BoltPersister) Restore(fn func(kind RecordKind, raw interface{}) error) error {
	return p.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			job := new(structs.Job)
			if err := decode(v, job); err != nil {
				return fmt.Errorf("corrupt job record %q: %w", k, err)
			}
			return fn(RecordJob, job)
		})
		if err != nil {
			return err
		}

		err = tx.Bucket(bucketSimulations).ForEach(func(k, v []byte) error {
			sim := new(structs.Simulation)
			if err := decode(v, sim); err != nil {
				return fmt.Errorf("corrupt simulation record %q: %w", k, err)
			}
			return fn(RecordSimulation, sim)
		})
		if err != nil {
			return err
		}

		err = tx.Bucket(bucketIdempotencyKeys).ForEach(func(k, v []byte) error {
			rec := new(structs.IdempotencyRecord)
			if err := decode(v, rec); err != nil {
				return fmt.Errorf("corrupt idempotency record %q: %w", k, err)
			}
			return fn(RecordIdempotencyKey, rec)
		})
		if err != nil {
			return err
		}

		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			worker := new(structs.WorkerInfo)
			if err := decode(v, worker); err != nil {
				return fmt.Errorf("corrupt worker record %q: %w", k, err)
			}
			return fn(RecordWorker, worker)
		})
	})
}

func (p *BoltPersister) Close() error {
	return p.db.Close()
}
