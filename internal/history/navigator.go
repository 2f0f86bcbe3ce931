// Package history computes undo/redo moves over the revisions of a session.
// It never writes to the store.
package history

import (
	"context"
	"errors"
	"fmt"

	"quill/internal/store"
)

// Direction is a navigation move requested by the caller.
type Direction string

const (
	DirectionPrev     Direction = "prev"
	DirectionNext     Direction = "next"
	DirectionOriginal Direction = "original"
)

// ParseDirection validates a direction coming from a request.
func ParseDirection(value string) (Direction, bool) {
	switch Direction(value) {
	case DirectionPrev, DirectionNext, DirectionOriginal:
		return Direction(value), true
	default:
		return "", false
	}
}

// Store is the read-only slice of the Revision Store the navigator needs.
type Store interface {
	GetByRevisionID(ctx context.Context, revisionID string) (store.Revision, error)
	FindAnchor(ctx context.Context, sessionID string) (store.Revision, error)
	Before(ctx context.Context, sessionID string, seq int64) (store.Revision, error)
	After(ctx context.Context, sessionID string, seq int64) (store.Revision, error)
}

// View is a revision together with the moves available from it.
type View struct {
	Revision  store.Revision
	Text      string
	CanGoPrev bool
	CanGoNext bool
}

type Navigator struct {
	store Store
}

func NewNavigator(s Store) *Navigator {
	return &Navigator{store: s}
}

// Prev returns the revision just before revisionID, or nil at the anchor.
// An unknown revisionID yields store.ErrNotFound.
func (n *Navigator) Prev(ctx context.Context, revisionID string) (*store.Revision, error) {
	current, err := n.store.GetByRevisionID(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	return n.before(ctx, current)
}

// Next returns the revision just after revisionID, or nil at the head.
func (n *Navigator) Next(ctx context.Context, revisionID string) (*store.Revision, error) {
	current, err := n.store.GetByRevisionID(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	return n.after(ctx, current)
}

func (n *Navigator) CanGoPrev(ctx context.Context, revisionID string) (bool, error) {
	prev, err := n.Prev(ctx, revisionID)
	return prev != nil, err
}

func (n *Navigator) CanGoNext(ctx context.Context, revisionID string) (bool, error) {
	next, err := n.Next(ctx, revisionID)
	return next != nil, err
}

// Original returns the anchor of a session and whether anything follows it.
func (n *Navigator) Original(ctx context.Context, sessionID string) (store.Revision, bool, error) {
	anchor, err := n.store.FindAnchor(ctx, sessionID)
	if err != nil {
		return store.Revision{}, false, err
	}
	next, err := n.after(ctx, anchor)
	if err != nil {
		return store.Revision{}, false, err
	}
	return anchor, next != nil, nil
}

// Step moves one position from revisionID. For DirectionOriginal the
// session of revisionID is used, or sessionID when revisionID is empty.
// A move past either end of the history yields store.ErrNotFound.
func (n *Navigator) Step(ctx context.Context, direction Direction, revisionID, sessionID string) (View, error) {
	switch direction {
	case DirectionOriginal:
		if revisionID != "" {
			current, err := n.store.GetByRevisionID(ctx, revisionID)
			if err != nil {
				return View{}, err
			}
			sessionID = current.SessionID
		}
		if sessionID == "" {
			return View{}, store.ErrNotFound
		}
		anchor, canGoNext, err := n.Original(ctx, sessionID)
		if err != nil {
			return View{}, err
		}
		return View{Revision: anchor, Text: anchor.OriginalText, CanGoPrev: false, CanGoNext: canGoNext}, nil
	case DirectionPrev, DirectionNext:
		current, err := n.store.GetByRevisionID(ctx, revisionID)
		if err != nil {
			return View{}, err
		}
		var target *store.Revision
		if direction == DirectionPrev {
			target, err = n.before(ctx, current)
		} else {
			target, err = n.after(ctx, current)
		}
		if err != nil {
			return View{}, err
		}
		if target == nil {
			return View{}, store.ErrNotFound
		}
		return n.view(ctx, *target)
	default:
		return View{}, fmt.Errorf("unknown direction %q", direction)
	}
}

// Describe reports a revision with its navigability flags.
func (n *Navigator) Describe(ctx context.Context, revisionID string) (View, error) {
	current, err := n.store.GetByRevisionID(ctx, revisionID)
	if err != nil {
		return View{}, err
	}
	return n.view(ctx, current)
}

func (n *Navigator) view(ctx context.Context, rev store.Revision) (View, error) {
	prev, err := n.before(ctx, rev)
	if err != nil {
		return View{}, err
	}
	next, err := n.after(ctx, rev)
	if err != nil {
		return View{}, err
	}
	return View{Revision: rev, Text: rev.CurrentText, CanGoPrev: prev != nil, CanGoNext: next != nil}, nil
}

func (n *Navigator) before(ctx context.Context, rev store.Revision) (*store.Revision, error) {
	return optional(n.store.Before(ctx, rev.SessionID, rev.Seq))
}

func (n *Navigator) after(ctx context.Context, rev store.Revision) (*store.Revision, error) {
	return optional(n.store.After(ctx, rev.SessionID, rev.Seq))
}

func optional(rev store.Revision, err error) (*store.Revision, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rev, nil
}
