package store

import "errors"

var (
	// ErrIntegrity marks checksum mismatches, torn writes and tick-index
	// corruption. Recovery truncates to the last good tick.
	ErrIntegrity = errors.New("store integrity violation")

	// ErrCapacity marks values exceeding the overflow chain limit.
	ErrCapacity = errors.New("store capacity exceeded")

	// ErrTickOutOfRange marks historical reads of ticks that were never
	// committed or were truncated away.
	ErrTickOutOfRange = errors.New("tick out of range")
)
