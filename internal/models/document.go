package models

import "time"

// Document is an opaque JSON body stored under (Collection, Key) with a monotonically
// increasing Version. Version 0 means the document does not exist yet.
type Document struct {
	Collection string
	Key        string
	Version    int64
	Data       []byte
	UpdatedAt  time.Time
}

// WriteCondition guards a write on the version the caller last read.
type WriteCondition struct {
	Check   bool
	Version int64
}

// IfVersion makes a write succeed only while the stored version equals v
// (v == 0 requires that the document does not exist).
func IfVersion(v int64) WriteCondition {
	return WriteCondition{Check: true, Version: v}
}

// Unconditional overwrites whatever is stored.
var Unconditional = WriteCondition{}
