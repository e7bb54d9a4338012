package store

import "errors"

var (
	ErrNotFound        = errors.New("row not found")
	ErrUniqueViolation = errors.New("duplicate key value violates unique constraint")
	ErrUnknownTable    = errors.New("unknown table")
	ErrUnknownColumn   = errors.New("unknown column")
	ErrInvalidFilter   = errors.New("invalid filter")
	ErrEmptyRow        = errors.New("row has no columns")
)
