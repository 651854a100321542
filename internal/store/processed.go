// Package store persists the set of source identifiers already carried
// through the pipeline, so later runs can skip re-extraction.
package store

import "context"

// ProcessedSet is the membership test and insert the pipeline consumes. It
// owns no storage format; backends decide that. Record keeps the generated
// filename alongside the identifier for later auditing.
type ProcessedSet interface {
	Contains(ctx context.Context, sourceID string) (bool, error)
	Record(ctx context.Context, sourceID, filename string) error
}
