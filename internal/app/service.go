package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"quill/internal/config"
	"quill/internal/history"
	"quill/internal/provider"
	"quill/internal/session"
	"quill/internal/store"
)

// saveTimeout bounds persisting generated text once the provider has
// answered, even if the client has already left.
const saveTimeout = 10 * time.Second

type revisionStore interface {
	AppendAnchor(ctx context.Context, sessionID, text, ownerID, subjectRef string) (store.Revision, error)
	AppendRevision(ctx context.Context, input store.NewRevision) (store.Revision, error)
	UpdateRevisionText(ctx context.Context, revisionID, text string) error
	GetByRevisionID(ctx context.Context, revisionID string) (store.Revision, error)
	FindAnchor(ctx context.Context, sessionID string) (store.Revision, error)
	Before(ctx context.Context, sessionID string, seq int64) (store.Revision, error)
	After(ctx context.Context, sessionID string, seq int64) (store.Revision, error)
	Latest(ctx context.Context, sessionID string) (store.Revision, error)
	FindLatestBySubject(ctx context.Context, subjectRef, ownerID string) (store.Revision, error)
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
	Ping(ctx context.Context) error
}

// ProviderFactory builds the adapter for a provider name.
type ProviderFactory func(name string) (provider.Rewriter, error)

// NewProviderFactory builds adapters from settings sharing one HTTP client.
func NewProviderFactory(settings config.ProviderSettings, client *http.Client, timeout time.Duration) ProviderFactory {
	return func(name string) (provider.Rewriter, error) {
		return provider.New(name, settings, client, timeout)
	}
}

type RewriteInput struct {
	Text         string
	SessionID    string
	CustomPrompt string
	SubjectRef   string
	OwnerID      string
}

type RewriteResult struct {
	ImprovedText string
	VersionID    string
	SessionID    string
}

// PendingRewrite is a rewrite whose session is resolved and whose anchor is
// stored, waiting for the provider call.
type PendingRewrite struct {
	SessionID  string
	text       string
	prompt     string
	ownerID    string
	subjectRef string
	rewriter   provider.Rewriter
}

// VersionView is a revision as shown to the caller while navigating.
type VersionView struct {
	Text      string `json:"text"`
	VersionID string `json:"version_id"`
	CanGoPrev bool   `json:"can_go_prev"`
	CanGoNext bool   `json:"can_go_next"`
}

// SessionState describes a recovered session.
type SessionState struct {
	HasVersions bool   `json:"has_versions"`
	SessionID   string `json:"session_id,omitempty"`
	VersionID   string `json:"version_id,omitempty"`
	Text        string `json:"text,omitempty"`
	CanGoPrev   bool   `json:"can_go_prev"`
	CanGoNext   bool   `json:"can_go_next"`
}

type Service struct {
	settings  config.ProviderSettings
	store     revisionStore
	navigator *history.Navigator
	resolver  *session.Resolver
	providers ProviderFactory
	metrics   *Metrics
	logger    *slog.Logger
}

// New wires the orchestrator. index may be nil.
func New(settings config.ProviderSettings, revisions revisionStore, index session.SubjectIndex, providers ProviderFactory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		settings:  settings,
		store:     revisions,
		navigator: history.NewNavigator(revisions),
		resolver:  session.NewResolver(revisions, index, logger),
		providers: providers,
		metrics:   NewMetrics(),
		logger:    logger,
	}
}

func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Rewrite captures the anchor, calls the active provider and appends the
// generated text as a new revision.
func (s *Service) Rewrite(ctx context.Context, input RewriteInput) (RewriteResult, error) {
	pending, err := s.BeginRewrite(ctx, input)
	if err != nil {
		return RewriteResult{}, err
	}

	name := pending.rewriter.Name()
	started := time.Now()
	improved, err := pending.rewriter.Rewrite(ctx, pending.text, pending.prompt)
	s.metrics.observeProvider(name, started)
	if err != nil {
		s.metrics.rewrite(name, outcomeProvider)
		s.logger.Warn("provider call failed",
			"provider", name,
			"model", pending.rewriter.Model(),
			"session_id", pending.SessionID,
			"duration_ms", time.Since(started).Milliseconds(),
			"error", err,
		)
		return RewriteResult{}, providerError(err)
	}
	s.logger.Info("provider call succeeded",
		"provider", name,
		"model", pending.rewriter.Model(),
		"session_id", pending.SessionID,
		"duration_ms", time.Since(started).Milliseconds(),
		"text_length", len(improved),
	)
	if strings.TrimSpace(improved) == "" {
		s.metrics.rewrite(name, outcomeProvider)
		return RewriteResult{}, providerError(&provider.Error{Provider: name, Detail: "empty response"})
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	rev, err := s.appendRevision(saveCtx, pending, improved, "rewrite")
	if err != nil {
		s.metrics.rewrite(name, outcomeNotSaved)
		return RewriteResult{}, notSavedError(err, improved)
	}
	s.metrics.rewrite(name, outcomeSuccess)
	return RewriteResult{ImprovedText: improved, VersionID: rev.ID, SessionID: pending.SessionID}, nil
}

// BeginRewrite validates input, resolves the session and stores the anchor
// before any provider call, so a failed call still leaves an undo target.
func (s *Service) BeginRewrite(ctx context.Context, input RewriteInput) (*PendingRewrite, error) {
	text := input.Text
	if strings.TrimSpace(text) == "" {
		return nil, validationError("No text provided")
	}

	name := s.settings.Provider
	if err := provider.Validate(name, s.settings); err != nil {
		if errors.Is(err, provider.ErrUnknownProvider) {
			return nil, domainError(http.StatusBadRequest, codeUnknownProvider, fmt.Sprintf("Unknown provider: %s", name), nil)
		}
		return nil, domainError(http.StatusBadRequest, codeNotConfigured, configMessage(err), nil)
	}
	rewriter, err := s.providers(name)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, codeUnknownProvider, fmt.Sprintf("Unknown provider: %s", name), nil)
	}

	ownerID := input.OwnerID
	resolution, err := s.resolver.Resolve(ctx, input.SessionID, input.SubjectRef, ownerID)
	if err != nil {
		return nil, storeError(err)
	}

	anchor, err := s.store.AppendAnchor(ctx, resolution.SessionID, text, ownerID, strings.TrimSpace(input.SubjectRef))
	if err != nil {
		return nil, storeError(fmt.Errorf("append anchor: %w", err))
	}
	if anchor.OwnerID != ownerID {
		return nil, notFoundError("Session not found")
	}
	subjectRef := strings.TrimSpace(input.SubjectRef)
	if subjectRef == "" {
		subjectRef = anchor.SubjectRef
	}
	s.resolver.Remember(ctx, subjectRef, ownerID, anchor.SessionID)

	prompt := s.settings.SystemPrompt
	if custom := strings.TrimSpace(input.CustomPrompt); custom != "" {
		prompt = custom
	}

	return &PendingRewrite{
		SessionID:  resolution.SessionID,
		text:       text,
		prompt:     prompt,
		ownerID:    ownerID,
		subjectRef: subjectRef,
		rewriter:   rewriter,
	}, nil
}

// StreamRewrite runs pending through the provider's streaming call, handing
// each chunk to emit. The concatenation is appended once after the stream
// completes. A provider failure appends nothing and reports the streamed
// text in the error details. When the client goes away, whatever was
// already delivered is still stored.
func (s *Service) StreamRewrite(ctx context.Context, pending *PendingRewrite, emit func(chunk string) error) (RewriteResult, error) {
	name := pending.rewriter.Name()
	started := time.Now()

	var (
		text      strings.Builder
		streamErr error
		emitErr   error
	)
	for chunk, err := range pending.rewriter.RewriteStream(ctx, pending.text, pending.prompt) {
		if err != nil {
			streamErr = err
			break
		}
		if err := emit(chunk); err != nil {
			emitErr = err
			break
		}
		text.WriteString(chunk)
	}
	s.metrics.observeProvider(name, started)
	full := text.String()

	if ctx.Err() != nil || emitErr != nil {
		return s.savePartial(ctx, pending, full)
	}
	if streamErr != nil {
		s.metrics.rewrite(name, outcomeProvider)
		s.logger.Warn("provider stream failed",
			"provider", name,
			"model", pending.rewriter.Model(),
			"session_id", pending.SessionID,
			"duration_ms", time.Since(started).Milliseconds(),
			"streamed_length", len(full),
			"error", streamErr,
		)
		derr := providerError(streamErr)
		derr.Details = map[string]any{"partial_text": full}
		return RewriteResult{}, derr
	}

	improved := strings.TrimSpace(full)
	if improved == "" {
		s.metrics.rewrite(name, outcomeProvider)
		return RewriteResult{}, providerError(&provider.Error{Provider: name, Detail: "empty response"})
	}
	rev, err := s.appendRevision(ctx, pending, improved, "rewrite")
	if err != nil {
		s.metrics.rewrite(name, outcomeNotSaved)
		return RewriteResult{}, notSavedError(err, improved)
	}
	s.metrics.rewrite(name, outcomeSuccess)
	s.logger.Info("provider stream completed",
		"provider", name,
		"model", pending.rewriter.Model(),
		"session_id", pending.SessionID,
		"duration_ms", time.Since(started).Milliseconds(),
		"text_length", len(improved),
	)
	return RewriteResult{ImprovedText: improved, VersionID: rev.ID, SessionID: pending.SessionID}, nil
}

func (s *Service) savePartial(ctx context.Context, pending *PendingRewrite, streamed string) (RewriteResult, error) {
	name := pending.rewriter.Name()
	partial := strings.TrimSpace(streamed)
	if partial == "" {
		s.metrics.rewrite(name, outcomeCancelled)
		s.logger.Info("stream cancelled before any output", "provider", name, "session_id", pending.SessionID)
		return RewriteResult{}, context.Canceled
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	rev, err := s.appendRevision(saveCtx, pending, partial, "partial")
	if err != nil {
		s.metrics.rewrite(name, outcomeNotSaved)
		s.logger.Error("failed to store partial stream", "provider", name, "session_id", pending.SessionID, "error", err)
		return RewriteResult{}, notSavedError(err, partial)
	}
	s.metrics.rewrite(name, outcomePartial)
	s.logger.Info("stored partial stream after disconnect",
		"provider", name,
		"session_id", pending.SessionID,
		"version_id", rev.ID,
		"text_length", len(partial),
	)
	return RewriteResult{ImprovedText: partial, VersionID: rev.ID, SessionID: pending.SessionID}, context.Canceled
}

func (s *Service) appendRevision(ctx context.Context, pending *PendingRewrite, improved, kind string) (store.Revision, error) {
	rev, err := s.store.AppendRevision(ctx, store.NewRevision{
		SessionID:    pending.SessionID,
		OriginalText: pending.text,
		CurrentText:  improved,
		OwnerID:      pending.ownerID,
		SubjectRef:   pending.subjectRef,
	})
	if err != nil {
		s.logger.Error("failed to append revision", "session_id", pending.SessionID, "error", err)
		return store.Revision{}, err
	}
	s.metrics.appended(kind)
	return rev, nil
}

// SaveVersion records a manual edit of a generated revision in place.
func (s *Service) SaveVersion(ctx context.Context, versionID, text, ownerID string) error {
	versionID = strings.TrimSpace(versionID)
	if versionID == "" {
		return validationError("No version ID provided")
	}
	if _, err := s.ownedRevision(ctx, versionID, ownerID); err != nil {
		return err
	}
	if err := s.store.UpdateRevisionText(ctx, versionID, text); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundError("Version not found")
		}
		return storeError(err)
	}
	return nil
}

// GetVersion moves one step through the history of a session.
func (s *Service) GetVersion(ctx context.Context, versionID, direction, sessionID, ownerID string) (VersionView, error) {
	dir, ok := history.ParseDirection(direction)
	if !ok {
		return VersionView{}, validationError("Invalid direction")
	}
	versionID = strings.TrimSpace(versionID)
	sessionID = strings.TrimSpace(sessionID)

	switch {
	case versionID != "":
		if _, err := s.ownedRevision(ctx, versionID, ownerID); err != nil {
			return VersionView{}, err
		}
	case dir == history.DirectionOriginal && sessionID != "":
		anchor, err := s.store.FindAnchor(ctx, sessionID)
		if err != nil {
			return VersionView{}, s.lookupError(err)
		}
		if anchor.OwnerID != ownerID {
			return VersionView{}, notFoundError("Version not found")
		}
	default:
		return VersionView{}, validationError("No version ID provided")
	}

	view, err := s.navigator.Step(ctx, dir, versionID, sessionID)
	if err != nil {
		return VersionView{}, s.lookupError(err)
	}
	return VersionView{
		Text:      view.Text,
		VersionID: view.Revision.ID,
		CanGoPrev: view.CanGoPrev,
		CanGoNext: view.CanGoNext,
	}, nil
}

// ClearVersions deletes a session. Clearing an unknown session succeeds.
func (s *Service) ClearVersions(ctx context.Context, sessionID, ownerID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return validationError("No session ID provided")
	}
	anchor, err := s.store.FindAnchor(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeError(err)
	}
	if anchor.OwnerID != ownerID {
		return notFoundError("Session not found")
	}

	removed, err := s.store.DeleteSession(ctx, sessionID)
	if err != nil {
		return storeError(err)
	}
	s.resolver.Forget(ctx, anchor.SubjectRef, ownerID)
	s.logger.Info("session cleared", "session_id", sessionID, "removed", removed)
	return nil
}

// CheckVersions recovers the caller's session for subjectRef.
func (s *Service) CheckVersions(ctx context.Context, subjectRef, ownerID string) (SessionState, error) {
	subjectRef = strings.TrimSpace(subjectRef)
	if subjectRef == "" {
		return SessionState{}, validationError("No subject reference provided")
	}
	resolution, found, err := s.resolver.Recover(ctx, subjectRef, ownerID)
	if err != nil {
		return SessionState{}, storeError(err)
	}
	if !found || resolution.Head == nil {
		return SessionState{HasVersions: false}, nil
	}
	return SessionState{
		HasVersions: true,
		SessionID:   resolution.SessionID,
		VersionID:   resolution.Head.ID,
		Text:        resolution.Head.CurrentText,
		CanGoPrev:   resolution.CanGoPrev,
		CanGoNext:   resolution.CanGoNext,
	}, nil
}

// TestConnection probes name, or the active provider when name is empty.
// A provider without credentials reports failure instead of an error.
func (s *Service) TestConnection(ctx context.Context, name string) (provider.ConnectionResult, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = s.settings.Provider
	}
	if !provider.Known(name) {
		return provider.ConnectionResult{}, domainError(http.StatusBadRequest, codeUnknownProvider, fmt.Sprintf("Unknown provider: %s", name), nil)
	}
	if err := provider.Validate(name, s.settings); err != nil {
		return provider.ConnectionResult{
			Success: false,
			Error:   configMessage(err),
		}, nil
	}
	rewriter, err := s.providers(name)
	if err != nil {
		return provider.ConnectionResult{}, domainError(http.StatusBadRequest, codeUnknownProvider, fmt.Sprintf("Unknown provider: %s", name), nil)
	}

	started := time.Now()
	result := rewriter.TestConnection(ctx)
	s.logger.Info("provider connection test",
		"provider", name,
		"model", rewriter.Model(),
		"success", result.Success,
		"models", len(result.Models),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return result, nil
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ownedRevision(ctx context.Context, versionID, ownerID string) (store.Revision, error) {
	rev, err := s.store.GetByRevisionID(ctx, versionID)
	if err != nil {
		return store.Revision{}, s.lookupError(err)
	}
	if rev.OwnerID != ownerID {
		return store.Revision{}, notFoundError("Version not found")
	}
	return rev, nil
}

func (s *Service) lookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("Version not found")
	}
	return storeError(err)
}

// configMessage strips the sentinel prefix from a Validate error.
func configMessage(err error) string {
	return strings.TrimPrefix(err.Error(), provider.ErrNotConfigured.Error()+": ")
}
