package state

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"
)

const (
	TableJobs            = "jobs"
	TableSimulations     = "simulations"
	TableIdempotencyKeys = "idempotency_keys"
	TableWorkers         = "workers"

	indexID     = "id"
	indexStatus = "status"
	indexJob    = "job"
)

// stateStoreSchema returns the schema for the state store.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	schemas := []func() *memdb.TableSchema{
		jobTableSchema,
		simulationTableSchema,
		idempotencyKeyTableSchema,
		workerTableSchema,
	}
	for _, fn := range schemas {
		schema := fn()
		if _, ok := db.Tables[schema.Name]; ok {
			panic(fmt.Sprintf("duplicate table name: %s", schema.Name))
		}
		db.Tables[schema.Name] = schema
	}
	return db
}

// jobTableSchema returns the MemDB schema for the jobs table.
func jobTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableJobs,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},

			// Status index lets active-job scans and the pull-mode
			// claim skip terminal jobs.
			"status": {
				Name:         "status",
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Status",
				},
			},
		},
	}
}

// simulationTableSchema returns the MemDB schema for the simulations table.
// The primary key is the compound (JobID, ID) pair.
func simulationTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableSimulations,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "JobID"},
						&memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},

			"job": {
				Name:         "job",
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "JobID",
				},
			},
		},
	}
}

// idempotencyKeyTableSchema returns the MemDB schema for idempotency
// records.
func idempotencyKeyTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableIdempotencyKeys,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "Key",
				},
			},
		},
	}
}

// workerTableSchema returns the MemDB schema for worker registrations.
func workerTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableWorkers,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
		},
	}
}
