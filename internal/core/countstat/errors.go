package countstat

import "errors"

// Sentinel errors shared across the rollup engine, storage adapters and the
// reconciliation toolkit. Callers match them with errors.Is.
var (
	// ErrUnknownProperty is returned for a property name that was never
	// registered. Bad configuration or CLI input; never retried.
	ErrUnknownProperty = errors.New("unknown count property")

	// ErrDuplicateKey is returned when a write would violate the identity-key
	// uniqueness of a count table. For pull stats this indicates a logic bug
	// in the rollup engine and aborts the whole bucket transaction.
	ErrDuplicateKey = errors.New("duplicate count row for identity key")

	// ErrStaleCursor is returned when a cursor reset would move the fill
	// cursor backward without the explicit force flag.
	ErrStaleCursor = errors.New("cursor reset moves backward without force")

	// ErrUnknownMergePolicy is returned when deduplication finds duplicates
	// for a property that declares no dedup policy. Reconciliation halts for
	// that property instead of guessing.
	ErrUnknownMergePolicy = errors.New("no dedup policy declared for property")

	// ErrBusy is returned when a rollup run is requested for a property whose
	// fill state is already marked busy by another run.
	ErrBusy = errors.New("fill state is busy")
)
