package engine

import (
	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/persistence"
)

// Error kinds returned by Database methods; match them with errors.Is.
var (
	ErrDimensionMismatch  = types.ErrDimensionMismatch
	ErrDuplicateID        = types.ErrDuplicateID
	ErrNotFound           = types.ErrNotFound
	ErrInvalidParameter   = types.ErrInvalidParameter
	ErrCorruptedIndexFile = types.ErrCorruptedIndexFile
	ErrIO                 = types.ErrIO
	ErrEmptyVector        = types.ErrEmptyVector
	ErrClosed             = types.ErrClosed

	// ErrLocked means another handle holds the data directory. It is an ErrIO.
	ErrLocked = persistence.ErrLocked
)
