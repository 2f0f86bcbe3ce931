package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a revision or session does not exist.
var ErrNotFound = errors.New("revision not found")

// Revision is one stored text state within an editing session.
//
// Seq is assigned by the store and totally orders the revisions of a
// session; the revision with the smallest Seq is the anchor.
type Revision struct {
	ID            string
	SessionID     string
	Seq           int64
	OriginalText  string
	CurrentText   string
	OwnerID       string
	SubjectRef    string
	IsAnchor      bool
	CreatedAt     time.Time
	LastChangedOn time.Time
}

// NewRevision carries the caller-supplied fields of an append.
type NewRevision struct {
	SessionID    string
	OriginalText string
	CurrentText  string
	OwnerID      string
	SubjectRef   string
}
