package freezer

import "errors"

var (
	// ErrClosed is returned if an operation attempts to read from or write to
	// the freezer after it has already been closed.
	ErrClosed = errors.New("freezer: closed")

	// ErrNotFound is returned if the requested item is beyond the number of
	// frozen items. The caller decides whether a fallback lookup is possible.
	ErrNotFound = errors.New("freezer: item not found")

	// ErrCorrupted is returned when stored content fails to decompress. The
	// affected table refuses all further reads until it is reopened.
	ErrCorrupted = errors.New("freezer: corrupted data")

	// ErrLocked is returned by Open when another process holds the freezer
	// directory.
	ErrLocked = errors.New("freezer: datadir already used by another process")

	// ErrOversized is returned when a single item cannot fit into an empty
	// data file. Nothing is written in that case.
	ErrOversized = errors.New("freezer: item exceeds maximum file size")

	// ErrOutOfRange is returned when a truncation target exceeds the number
	// of stored items.
	ErrOutOfRange = errors.New("freezer: truncation target out of range")

	// ErrUnknownTable is returned when the named table is not part of the
	// freezer's configuration.
	ErrUnknownTable = errors.New("freezer: unknown table")
)
