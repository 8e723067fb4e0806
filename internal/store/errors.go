package store

import "errors"

// ErrNotFound is returned when an operation references a bullet ID that is
// unknown across every node in the tree (spec.md §4.A, §7 InputError).
var ErrNotFound = errors.New("bullet not found")

// ErrInvalidSlug is returned when a slug fails the node slug grammar.
var ErrInvalidSlug = errors.New("invalid slug")

// ErrWriterConflict is returned when another process already holds the
// per-node advisory lock (spec.md §7 WriterConflict).
var ErrWriterConflict = errors.New("writer conflict: node log is locked by another process")
