/*
Package store provides the keyed blob store used to spill assembled output
chunks when a download is too large to hold in memory. Keys never overlap
across jobs: every chunk is keyed by its job id and ordinal.
*/
package store

import "fmt"

type BlobStore interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error

	// DeletePrefix removes every key with the given prefix; used to drop
	// all of a job's spill chunks in one call.
	DeletePrefix(prefix string) error

	Close() error
}

func ChunkKey(jobID string, ordinal int) string {
	return fmt.Sprintf("%s_chunk_%d", jobID, ordinal)
}

func ChunkPrefix(jobID string) string {
	return jobID + "_chunk_"
}
