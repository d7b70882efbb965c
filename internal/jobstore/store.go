// Package jobstore persists export job records. Every backend enforces the
// status lifecycle itself, so concurrent writers can never move a job backwards.
package jobstore

import (
	"context"
	"errors"

	"github.com/beatgen/api/internal/model"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job record not found")
	// ErrExists is returned by Create when the id is taken.
	ErrExists = errors.New("job record already exists")
)

// Store is the job record contract.
type Store interface {
	Create(ctx context.Context, job *model.ExportJob) error
	Get(ctx context.Context, id string) (*model.ExportJob, error)
	// Update applies u if the transition is allowed. It returns the record as
	// stored afterwards and whether u was applied.
	Update(ctx context.Context, id string, u model.JobUpdate) (*model.ExportJob, bool, error)
	Ping(ctx context.Context) error
	Close() error
}
