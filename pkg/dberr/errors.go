// Package dberr defines the error kinds surfaced by the store.
//
// Plain I/O failures are not given a sentinel; they are wrapped with the file
// and operation that produced them and surface as whatever the OS returned.
package dberr

import "errors"

var (
	// ErrCorrupt reports a structural violation in one of the store files:
	// a bad record type, an impossible length, a self-offset mismatch, or a
	// malformed journal header.
	ErrCorrupt = errors.New("corrupt store")

	// ErrNotFound reports a reference past the end of the data log or a page
	// index past the end of a file.
	ErrNotFound = errors.New("not found")

	// ErrWrongType reports a data reference that does not point at an
	// application record.
	ErrWrongType = errors.New("wrong record type")

	// ErrTooLarge reports a key over 255 bytes or a payload that does not fit
	// a record's 24-bit length.
	ErrTooLarge = errors.New("key or payload too large")

	// ErrLocked reports a store that is already open in another process.
	ErrLocked = errors.New("store is locked")
)
