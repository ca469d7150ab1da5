// Package storage assembles the storage side of voxeld.
//
//	dispatcher ──▶ batch queue ──▶ storage workers ──▶ pool ──▶ backend
//	     │                                                     (duckdb,
//	     └──────▶ archive queue ──▶ archive writer ──▶ parquet  postgres,
//	                                                            memory)
//
// The Service owns the batch queue, the connection pool, the storage
// workers, the optional raw blob archive and the backpressure controller
// that watches the queue. Dispatchers only see Queue and Archive.
package storage
