package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quill/internal/util"
)

const revisionColumns = `revision_id, session_id, seq, original_text, improved_text, owner_id, subject_ref, is_anchor, created_at, last_changed_on`

// SQLStore is the Revision Store backed by PostgreSQL or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRevision(row scanner) (Revision, error) {
	var (
		item       Revision
		subjectRef sql.NullString
	)
	err := row.Scan(
		&item.ID,
		&item.SessionID,
		&item.Seq,
		&item.OriginalText,
		&item.CurrentText,
		&item.OwnerID,
		&subjectRef,
		&item.IsAnchor,
		&item.CreatedAt,
		&item.LastChangedOn,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Revision{}, ErrNotFound
	}
	if err != nil {
		return Revision{}, err
	}
	item.SubjectRef = subjectRef.String
	return item, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// AppendAnchor records the pristine text of a session. When the session
// already has an anchor the existing one is returned unchanged.
func (s *SQLStore) AppendAnchor(ctx context.Context, sessionID, text, ownerID, subjectRef string) (Revision, error) {
	tx, err := s.beginSessionTx(ctx, sessionID)
	if err != nil {
		return Revision{}, err
	}
	defer tx.Rollback()

	anchor, err := s.ensureAnchor(ctx, tx, NewRevision{
		SessionID:    sessionID,
		OriginalText: text,
		CurrentText:  text,
		OwnerID:      ownerID,
		SubjectRef:   subjectRef,
	})
	if err != nil {
		return Revision{}, err
	}
	if err := tx.Commit(); err != nil {
		return Revision{}, fmt.Errorf("commit anchor: %w", err)
	}
	return anchor, nil
}

// AppendRevision appends a revision after every existing revision of the
// session, creating the anchor from OriginalText first when it is missing.
func (s *SQLStore) AppendRevision(ctx context.Context, input NewRevision) (Revision, error) {
	tx, err := s.beginSessionTx(ctx, input.SessionID)
	if err != nil {
		return Revision{}, err
	}
	defer tx.Rollback()

	if _, err := s.ensureAnchor(ctx, tx, NewRevision{
		SessionID:    input.SessionID,
		OriginalText: input.OriginalText,
		CurrentText:  input.OriginalText,
		OwnerID:      input.OwnerID,
		SubjectRef:   input.SubjectRef,
	}); err != nil {
		return Revision{}, err
	}

	now := s.now()
	item := Revision{
		ID:            util.NewID("rev"),
		SessionID:     input.SessionID,
		OriginalText:  input.OriginalText,
		CurrentText:   input.CurrentText,
		OwnerID:       input.OwnerID,
		SubjectRef:    input.SubjectRef,
		CreatedAt:     now,
		LastChangedOn: now,
	}
	err = tx.QueryRowContext(ctx, s.q(`
		INSERT INTO ai_text_revisions (revision_id, session_id, original_text, improved_text, owner_id, subject_ref, is_anchor, created_at, last_changed_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`), item.ID, item.SessionID, item.OriginalText, item.CurrentText, item.OwnerID, nullable(item.SubjectRef), false, now, now).Scan(&item.Seq)
	if err != nil {
		return Revision{}, fmt.Errorf("insert revision: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Revision{}, fmt.Errorf("commit revision: %w", err)
	}
	return item, nil
}

// beginSessionTx opens a write transaction that excludes concurrent
// writers of the same session until it ends.
func (s *SQLStore) beginSessionTx(ctx context.Context, sessionID string) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session tx: %w", err)
	}
	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
		}
	}
	return tx, nil
}

func (s *SQLStore) ensureAnchor(ctx context.Context, tx *sql.Tx, input NewRevision) (Revision, error) {
	anchor, err := s.findAnchor(ctx, tx, input.SessionID)
	if err == nil {
		return anchor, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Revision{}, err
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO ai_text_revisions (revision_id, session_id, original_text, improved_text, owner_id, subject_ref, is_anchor, created_at, last_changed_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`), util.NewID("rev"), input.SessionID, input.OriginalText, input.OriginalText, input.OwnerID, nullable(input.SubjectRef), true, now, now); err != nil {
		return Revision{}, fmt.Errorf("insert anchor: %w", err)
	}
	return s.findAnchor(ctx, tx, input.SessionID)
}

func (s *SQLStore) findAnchor(ctx context.Context, q queryer, sessionID string) (Revision, error) {
	row := q.QueryRowContext(ctx, s.q(`
		SELECT `+revisionColumns+`
		FROM ai_text_revisions
		WHERE session_id = ?
		ORDER BY seq ASC
		LIMIT 1
	`), sessionID)
	item, err := scanRevision(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Revision{}, fmt.Errorf("find anchor: %w", err)
	}
	return item, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// FindAnchor returns the first revision of a session.
func (s *SQLStore) FindAnchor(ctx context.Context, sessionID string) (Revision, error) {
	return s.findAnchor(ctx, s.db, sessionID)
}

// UpdateRevisionText overwrites the current text of a revision in place.
// Ordering is not affected.
func (s *SQLStore) UpdateRevisionText(ctx context.Context, revisionID, text string) error {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE ai_text_revisions
		SET improved_text = ?, last_changed_on = ?
		WHERE revision_id = ?
	`), text, s.now(), revisionID)
	if err != nil {
		return fmt.Errorf("update revision text: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update revision text: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetByRevisionID(ctx context.Context, revisionID string) (Revision, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+revisionColumns+`
		FROM ai_text_revisions
		WHERE revision_id = ?
	`), revisionID)
	item, err := scanRevision(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Revision{}, fmt.Errorf("get revision: %w", err)
	}
	return item, err
}

// ListOrdered returns the revisions of a session, anchor first.
func (s *SQLStore) ListOrdered(ctx context.Context, sessionID string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+revisionColumns+`
		FROM ai_text_revisions
		WHERE session_id = ?
		ORDER BY seq ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		item, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

// Before returns the closest revision of the session ordered before seq.
func (s *SQLStore) Before(ctx context.Context, sessionID string, seq int64) (Revision, error) {
	return s.neighbor(ctx, `seq < ? ORDER BY seq DESC`, sessionID, seq)
}

// After returns the closest revision of the session ordered after seq.
func (s *SQLStore) After(ctx context.Context, sessionID string, seq int64) (Revision, error) {
	return s.neighbor(ctx, `seq > ? ORDER BY seq ASC`, sessionID, seq)
}

func (s *SQLStore) neighbor(ctx context.Context, clause, sessionID string, seq int64) (Revision, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+revisionColumns+`
		FROM ai_text_revisions
		WHERE session_id = ? AND `+clause+`
		LIMIT 1
	`), sessionID, seq)
	item, err := scanRevision(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Revision{}, fmt.Errorf("find neighbor revision: %w", err)
	}
	return item, err
}

// Latest returns the head revision of a session.
func (s *SQLStore) Latest(ctx context.Context, sessionID string) (Revision, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+revisionColumns+`
		FROM ai_text_revisions
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`), sessionID)
	item, err := scanRevision(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Revision{}, fmt.Errorf("latest revision: %w", err)
	}
	return item, err
}

// FindLatestBySubject returns the most recently changed revision that the
// owner recorded against subjectRef.
func (s *SQLStore) FindLatestBySubject(ctx context.Context, subjectRef, ownerID string) (Revision, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+revisionColumns+`
		FROM ai_text_revisions
		WHERE subject_ref = ? AND owner_id = ?
		ORDER BY last_changed_on DESC, seq DESC
		LIMIT 1
	`), subjectRef, ownerID)
	item, err := scanRevision(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Revision{}, fmt.Errorf("find revision by subject: %w", err)
	}
	return item, err
}

// DeleteSession removes every revision of a session in one statement.
func (s *SQLStore) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q(`DELETE FROM ai_text_revisions WHERE session_id = ?`), sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	return removed, nil
}

func (s *SQLStore) q(query string) string {
	return rebind(s.dialect, query)
}
