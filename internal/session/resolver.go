// Package session maps callers onto editing sessions and recovers the
// session of a subject (an entity field) across page reloads.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"quill/internal/store"
	"quill/internal/util"
)

// RecoveryStore is the part of the Revision Store used for recovery.
type RecoveryStore interface {
	GetByRevisionID(ctx context.Context, revisionID string) (store.Revision, error)
	FindAnchor(ctx context.Context, sessionID string) (store.Revision, error)
	Latest(ctx context.Context, sessionID string) (store.Revision, error)
	FindLatestBySubject(ctx context.Context, subjectRef, ownerID string) (store.Revision, error)
}

// SubjectIndex is an optional cache in front of FindLatestBySubject.
type SubjectIndex interface {
	Remember(ctx context.Context, subjectRef, ownerID, sessionID string) error
	Lookup(ctx context.Context, subjectRef, ownerID string) (string, error)
	Forget(ctx context.Context, subjectRef, ownerID string) error
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	SessionID string
	Recovered bool
	// Head and the flags are set only for recovered sessions.
	Head      *store.Revision
	CanGoPrev bool
	CanGoNext bool
}

type Resolver struct {
	store  RecoveryStore
	index  SubjectIndex
	logger *slog.Logger
	newID  func() string
}

// NewResolver builds a resolver. index may be nil.
func NewResolver(s RecoveryStore, index SubjectIndex, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  s,
		index:  index,
		logger: logger,
		newID:  func() string { return util.NewID("sess") },
	}
}

// SubjectRef composes an explicit subject reference for a field of an entity.
func SubjectRef(entityID, field string) string {
	entityID = strings.TrimSpace(entityID)
	field = strings.TrimSpace(field)
	if entityID == "" || field == "" {
		return ""
	}
	return entityID + ":" + field
}

// Resolve picks the session a rewrite belongs to: the explicit id when
// given, else the owner's existing session for subjectRef, else a new one.
func (r *Resolver) Resolve(ctx context.Context, explicitSessionID, subjectRef, ownerID string) (Resolution, error) {
	if id := strings.TrimSpace(explicitSessionID); id != "" {
		return Resolution{SessionID: id}, nil
	}
	if subjectRef != "" {
		resolution, found, err := r.Recover(ctx, subjectRef, ownerID)
		if err != nil {
			return Resolution{}, err
		}
		if found {
			return resolution, nil
		}
	}
	return Resolution{SessionID: r.newID()}, nil
}

// Recover finds the owner's session for subjectRef together with its head
// revision.
func (r *Resolver) Recover(ctx context.Context, subjectRef, ownerID string) (Resolution, bool, error) {
	if subjectRef == "" {
		return Resolution{}, false, nil
	}

	sessionID, err := r.lookupIndexed(ctx, subjectRef, ownerID)
	if err != nil {
		return Resolution{}, false, err
	}
	if sessionID == "" {
		latest, err := r.store.FindLatestBySubject(ctx, subjectRef, ownerID)
		if errors.Is(err, store.ErrNotFound) {
			return Resolution{}, false, nil
		}
		if err != nil {
			return Resolution{}, false, fmt.Errorf("recover session: %w", err)
		}
		sessionID = latest.SessionID
		r.Remember(ctx, subjectRef, ownerID, sessionID)
	}

	head, err := r.store.Latest(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Resolution{}, false, nil
	}
	if err != nil {
		return Resolution{}, false, fmt.Errorf("recover session head: %w", err)
	}
	return Resolution{
		SessionID: sessionID,
		Recovered: true,
		Head:      &head,
		CanGoPrev: !head.IsAnchor,
		CanGoNext: false,
	}, true, nil
}

// lookupIndexed returns the indexed session when it still has an anchor
// owned by ownerID for the same subject; stale entries are dropped.
func (r *Resolver) lookupIndexed(ctx context.Context, subjectRef, ownerID string) (string, error) {
	if r.index == nil {
		return "", nil
	}
	sessionID, err := r.index.Lookup(ctx, subjectRef, ownerID)
	if errors.Is(err, ErrNotIndexed) {
		return "", nil
	}
	if err != nil {
		r.logger.Warn("subject index lookup failed", "subject_ref", subjectRef, "error", err)
		return "", nil
	}

	anchor, err := r.store.FindAnchor(ctx, sessionID)
	if err == nil && anchor.OwnerID == ownerID && anchor.SubjectRef == subjectRef {
		return sessionID, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("verify indexed session: %w", err)
	}
	r.Forget(ctx, subjectRef, ownerID)
	return "", nil
}

// Remember records sessionID for subjectRef in the index. Index failures
// are logged only; the store remains authoritative.
func (r *Resolver) Remember(ctx context.Context, subjectRef, ownerID, sessionID string) {
	if r.index == nil || subjectRef == "" {
		return
	}
	if err := r.index.Remember(ctx, subjectRef, ownerID, sessionID); err != nil {
		r.logger.Warn("subject index remember failed", "subject_ref", subjectRef, "session_id", sessionID, "error", err)
	}
}

func (r *Resolver) Forget(ctx context.Context, subjectRef, ownerID string) {
	if r.index == nil || subjectRef == "" {
		return
	}
	if err := r.index.Forget(ctx, subjectRef, ownerID); err != nil {
		r.logger.Warn("subject index forget failed", "subject_ref", subjectRef, "error", err)
	}
}

// SessionOf returns the session a revision belongs to.
func (r *Resolver) SessionOf(ctx context.Context, revisionID string) (string, error) {
	rev, err := r.store.GetByRevisionID(ctx, revisionID)
	if err != nil {
		return "", err
	}
	return rev.SessionID, nil
}
