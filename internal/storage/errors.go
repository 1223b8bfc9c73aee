package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidTransition is returned when an action state change is not
// permitted by the governance state machine.
var ErrInvalidTransition = errors.New("storage: invalid state transition")

// ErrEvidenceWithoutBinding is returned when a DRAFT assertion is promoted
// to FACT without at least one bound evidence row.
var ErrEvidenceWithoutBinding = errors.New("storage: evidence binding required for promotion")
