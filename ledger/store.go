package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a lookup for an unknown record identifier.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrFinalized indicates an attempt to finalize a record twice.
	ErrFinalized = errors.New("ledger: record already finalized")
)

// Filter narrows a List query. Zero values mean "no constraint".
type Filter struct {
	ToolName string
	Status   Status
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Store is the execution ledger. Append and Finalize are best-effort from
// the router's perspective: persistence failures are logged by the caller
// and never block an invocation.
type Store interface {
	// Append inserts a new RUNNING record.
	Append(ctx context.Context, rec Record) error

	// Finalize applies a terminal outcome to an existing record. Finalizing
	// a record that is already terminal is an error.
	Finalize(ctx context.Context, id string, out Outcome) error

	// Get returns one record by identifier.
	Get(ctx context.Context, id string) (Record, error)

	// List returns records matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]Record, error)
}
