package store

import "errors"

var (
	ErrEntryNotFound    = errors.New("queue entry not found")
	ErrFacilityNotFound = errors.New("facility not found")
	ErrDuplicateActive  = errors.New("active queue entry already exists")
	ErrStaleEntry       = errors.New("queue entry modified concurrently")
	ErrUnavailable      = errors.New("queue store unavailable")
)
