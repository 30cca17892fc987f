package store

import "errors"

var (
	ErrNotFound        = errors.New("document not found")
	ErrVersionConflict = errors.New("document version conflict")
	ErrUnavailable     = errors.New("document store unavailable")
)
