package app

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"quill/internal/config"
	"quill/internal/provider"
	"quill/internal/store"
)

type fakeRewriter struct {
	name      string
	rewriteFn func(ctx context.Context, text, prompt string) (string, error)
	chunks    []string
	streamErr error
	// afterChunk runs once the chunk at that index was yielded.
	afterChunk map[int]func()
	connection provider.ConnectionResult

	mu      sync.Mutex
	prompts []string
}

func (f *fakeRewriter) Name() string {
	if f.name == "" {
		return provider.OllamaName
	}
	return f.name
}

func (f *fakeRewriter) Model() string { return "fake-model" }

func (f *fakeRewriter) Rewrite(ctx context.Context, text, prompt string) (string, error) {
	f.record(prompt)
	if f.rewriteFn != nil {
		return f.rewriteFn(ctx, text, prompt)
	}
	return strings.ReplaceAll(text, "wrold", "world"), nil
}

func (f *fakeRewriter) RewriteStream(ctx context.Context, text, prompt string) iter.Seq2[string, error] {
	f.record(prompt)
	return func(yield func(string, error) bool) {
		for i, chunk := range f.chunks {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			if !yield(chunk, nil) {
				return
			}
			if hook := f.afterChunk[i]; hook != nil {
				hook()
			}
		}
		if f.streamErr != nil {
			yield("", f.streamErr)
		}
	}
}

func (f *fakeRewriter) TestConnection(context.Context) provider.ConnectionResult {
	return f.connection
}

func (f *fakeRewriter) record(prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
}

// faultyStore wraps a real store and can fail revision appends.
type faultyStore struct {
	*store.SQLStore
	appendRevisionFn func(context.Context, store.NewRevision) (store.Revision, error)
	pingFn           func(context.Context) error
}

func (f *faultyStore) AppendRevision(ctx context.Context, input store.NewRevision) (store.Revision, error) {
	if f.appendRevisionFn != nil {
		return f.appendRevisionFn(ctx, input)
	}
	return f.SQLStore.AppendRevision(ctx, input)
}

func (f *faultyStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return f.SQLStore.Ping(ctx)
}

func newSQLiteStore(t *testing.T) *store.SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DialectSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	migrations, err := store.Migrations(store.DialectSQLite)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if err := store.ApplyMigrations(ctx, db, store.DialectSQLite, migrations); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store.NewSQLStore(db, store.DialectSQLite)
}

func testSettings() config.ProviderSettings {
	return config.ProviderSettings{
		Provider:     provider.OllamaName,
		SystemPrompt: "Fix the text.",
		Ollama:       config.OllamaSettings{URL: "http://ollama.invalid", Model: "fake-model"},
	}
}

func newTestService(t *testing.T, rewriter *fakeRewriter) (*Service, *faultyStore) {
	t.Helper()
	revisions := &faultyStore{SQLStore: newSQLiteStore(t)}
	factory := func(string) (provider.Rewriter, error) { return rewriter, nil }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(testSettings(), revisions, nil, factory, logger), revisions
}

func TestRewriteStoresAnchorAndRevision(t *testing.T) {
	svc, revisions := newTestService(t, &fakeRewriter{})
	ctx := context.Background()

	result, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello wrold", OwnerID: "user-1", SubjectRef: "issue:7:description"})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if result.ImprovedText != "Hello world" {
		t.Fatalf("expected improved text, got %q", result.ImprovedText)
	}
	if !strings.HasPrefix(result.SessionID, "sess_") {
		t.Fatalf("expected minted session id, got %q", result.SessionID)
	}

	items, err := revisions.ListOrdered(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("ListOrdered() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected anchor and one revision, got %d", len(items))
	}
	if !items[0].IsAnchor || items[0].CurrentText != "Hello wrold" || items[0].OriginalText != "Hello wrold" {
		t.Fatalf("unexpected anchor %+v", items[0])
	}
	if items[1].ID != result.VersionID || items[1].OriginalText != "Hello wrold" || items[1].CurrentText != "Hello world" {
		t.Fatalf("unexpected revision %+v", items[1])
	}

	view, err := svc.GetVersion(ctx, result.VersionID, "prev", "", "user-1")
	if err != nil {
		t.Fatalf("GetVersion(prev) error = %v", err)
	}
	if view.Text != "Hello wrold" || view.VersionID != items[0].ID || view.CanGoPrev || !view.CanGoNext {
		t.Fatalf("unexpected prev view %+v", view)
	}

	view, err = svc.GetVersion(ctx, view.VersionID, "next", "", "user-1")
	if err != nil {
		t.Fatalf("GetVersion(next) error = %v", err)
	}
	if view.VersionID != result.VersionID || !view.CanGoPrev || view.CanGoNext {
		t.Fatalf("unexpected next view %+v", view)
	}

	if _, err := svc.GetVersion(ctx, result.VersionID, "next", "", "user-1"); !isCode(err, codeNotFound) {
		t.Fatalf("expected NOT_FOUND past the head, got %v", err)
	}
}

func TestRewriteReusesSessionAndPrompt(t *testing.T) {
	rewriter := &fakeRewriter{}
	svc, revisions := newTestService(t, rewriter)
	ctx := context.Background()

	first, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello wrold", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("first Rewrite() error = %v", err)
	}
	second, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello world", SessionID: first.SessionID, OwnerID: "user-1", CustomPrompt: "  Be formal.  "})
	if err != nil {
		t.Fatalf("second Rewrite() error = %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("expected same session, got %q and %q", first.SessionID, second.SessionID)
	}

	items, _ := revisions.ListOrdered(ctx, first.SessionID)
	if len(items) != 3 {
		t.Fatalf("expected 3 revisions, got %d", len(items))
	}
	if items[0].OriginalText != "Hello wrold" {
		t.Fatalf("anchor must keep the first text, got %q", items[0].OriginalText)
	}
	if got := rewriter.prompts; len(got) != 2 || got[0] != "Fix the text." || got[1] != "Be formal." {
		t.Fatalf("unexpected prompts %q", got)
	}

	view, err := svc.GetVersion(ctx, second.VersionID, "original", "", "user-1")
	if err != nil {
		t.Fatalf("GetVersion(original) error = %v", err)
	}
	if view.Text != "Hello wrold" || view.CanGoPrev || !view.CanGoNext {
		t.Fatalf("unexpected original view %+v", view)
	}
}

func TestRewriteRecoversSessionBySubject(t *testing.T) {
	svc, _ := newTestService(t, &fakeRewriter{})
	ctx := context.Background()

	first, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello wrold", OwnerID: "user-1", SubjectRef: "issue:7:description"})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	again, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello world", OwnerID: "user-1", SubjectRef: "issue:7:description"})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if again.SessionID != first.SessionID {
		t.Fatalf("expected recovered session %q, got %q", first.SessionID, again.SessionID)
	}

	other, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello wrold", OwnerID: "user-2", SubjectRef: "issue:7:description"})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if other.SessionID == first.SessionID {
		t.Fatalf("another owner must not join the session")
	}

	state, err := svc.CheckVersions(ctx, "issue:7:description", "user-1")
	if err != nil {
		t.Fatalf("CheckVersions() error = %v", err)
	}
	if !state.HasVersions || state.SessionID != first.SessionID || state.VersionID != again.VersionID || !state.CanGoPrev || state.CanGoNext {
		t.Fatalf("unexpected state %+v", state)
	}

	state, err = svc.CheckVersions(ctx, "issue:8:description", "user-1")
	if err != nil {
		t.Fatalf("CheckVersions() error = %v", err)
	}
	if state.HasVersions {
		t.Fatalf("expected no versions, got %+v", state)
	}

	if _, err := svc.CheckVersions(ctx, " ", "user-1"); !isCode(err, codeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRewriteProviderFailureKeepsAnchorOnly(t *testing.T) {
	rewriter := &fakeRewriter{rewriteFn: func(context.Context, string, string) (string, error) {
		return "", &provider.Error{Provider: provider.OllamaName, Timeout: true, Err: context.DeadlineExceeded}
	}}
	svc, revisions := newTestService(t, rewriter)
	ctx := context.Background()

	_, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello wrold", SessionID: "s-timeout", OwnerID: "user-1"})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != codeProvider {
		t.Fatalf("expected provider error, got %v", err)
	}
	if derr.Message != "ollama request timed out" {
		t.Fatalf("unexpected message %q", derr.Message)
	}

	items, _ := revisions.ListOrdered(ctx, "s-timeout")
	if len(items) != 1 || !items[0].IsAnchor {
		t.Fatalf("expected only the anchor, got %+v", items)
	}
}

func TestRewriteNotSavedReturnsText(t *testing.T) {
	svc, revisions := newTestService(t, &fakeRewriter{})
	revisions.appendRevisionFn = func(context.Context, store.NewRevision) (store.Revision, error) {
		return store.Revision{}, errors.New("disk full")
	}

	_, err := svc.Rewrite(context.Background(), RewriteInput{Text: "Hello wrold", OwnerID: "user-1"})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != codeNotSaved {
		t.Fatalf("expected NOT_SAVED, got %v", err)
	}
	details, _ := derr.Details.(map[string]any)
	if details["improved_text"] != "Hello world" {
		t.Fatalf("expected improved text in details, got %v", derr.Details)
	}
}

func TestRewriteEmptyProviderResponseIsProviderError(t *testing.T) {
	rewriter := &fakeRewriter{rewriteFn: func(context.Context, string, string) (string, error) {
		return "  \n", nil
	}}
	svc, revisions := newTestService(t, rewriter)
	ctx := context.Background()

	_, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello wrold", SessionID: "s-empty", OwnerID: "user-1"})
	if !isCode(err, codeProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	items, _ := revisions.ListOrdered(ctx, "s-empty")
	if len(items) != 1 || !items[0].IsAnchor {
		t.Fatalf("expected only the anchor, got %+v", items)
	}
}

func TestRewriteStoresResultAfterClientLeaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rewriter := &fakeRewriter{rewriteFn: func(context.Context, string, string) (string, error) {
		cancel()
		return "Hello world", nil
	}}
	svc, revisions := newTestService(t, rewriter)

	result, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello wrold", SessionID: "s-left", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	items, _ := revisions.ListOrdered(context.Background(), "s-left")
	if len(items) != 2 || items[1].ID != result.VersionID || items[1].CurrentText != "Hello world" {
		t.Fatalf("expected the generated revision to be stored, got %+v", items)
	}
}

func TestRewriteValidation(t *testing.T) {
	svc, _ := newTestService(t, &fakeRewriter{})
	ctx := context.Background()

	if _, err := svc.Rewrite(ctx, RewriteInput{Text: "  \n", OwnerID: "user-1"}); !isCode(err, codeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	svc.settings.Provider = "mistral"
	if _, err := svc.Rewrite(ctx, RewriteInput{Text: "x", OwnerID: "user-1"}); !isCode(err, codeUnknownProvider) {
		t.Fatalf("expected unknown provider, got %v", err)
	}

	svc.settings.Provider = provider.ClaudeName
	_, err := svc.Rewrite(ctx, RewriteInput{Text: "x", OwnerID: "user-1"})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != codeNotConfigured || derr.Status != http.StatusBadRequest {
		t.Fatalf("expected not configured, got %v", err)
	}
	if derr.Message != "Claude API key is not configured" {
		t.Fatalf("unexpected message %q", derr.Message)
	}
}

func TestRewriteForeignSessionIsHidden(t *testing.T) {
	svc, revisions := newTestService(t, &fakeRewriter{})
	ctx := context.Background()

	first, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello wrold", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if _, err := svc.Rewrite(ctx, RewriteInput{Text: "Hi", SessionID: first.SessionID, OwnerID: "user-2"}); !isCode(err, codeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if _, err := svc.GetVersion(ctx, first.VersionID, "prev", "", "user-2"); !isCode(err, codeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if err := svc.SaveVersion(ctx, first.VersionID, "mine", "user-2"); !isCode(err, codeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if err := svc.ClearVersions(ctx, first.SessionID, "user-2"); !isCode(err, codeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	items, _ := revisions.ListOrdered(ctx, first.SessionID)
	if len(items) != 2 {
		t.Fatalf("foreign calls must not change the session, got %d revisions", len(items))
	}
}

func TestConcurrentRewritesShareOneAnchor(t *testing.T) {
	svc, revisions := newTestService(t, &fakeRewriter{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, text := range []string{"Hello wrold", "Goodbye wrold"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			_, err := svc.Rewrite(ctx, RewriteInput{Text: text, SessionID: "s-shared", OwnerID: "user-1"})
			errs <- err
		}(text)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Rewrite() error = %v", err)
		}
	}

	items, err := revisions.ListOrdered(ctx, "s-shared")
	if err != nil {
		t.Fatalf("ListOrdered() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected one anchor and two revisions, got %d", len(items))
	}
	anchors := 0
	for _, item := range items {
		if item.IsAnchor {
			anchors++
		}
	}
	if anchors != 1 || !items[0].IsAnchor {
		t.Fatalf("expected exactly one leading anchor, got %+v", items)
	}
	if items[1].Seq >= items[2].Seq {
		t.Fatalf("revisions must be strictly ordered")
	}
}

func TestSaveVersionEditsInPlace(t *testing.T) {
	svc, revisions := newTestService(t, &fakeRewriter{})
	ctx := context.Background()

	result, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello wrold", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if err := svc.SaveVersion(ctx, result.VersionID, "Hello, world!", "user-1"); err != nil {
		t.Fatalf("SaveVersion() error = %v", err)
	}
	rev, err := revisions.GetByRevisionID(ctx, result.VersionID)
	if err != nil {
		t.Fatalf("GetByRevisionID() error = %v", err)
	}
	if rev.CurrentText != "Hello, world!" || rev.OriginalText != "Hello wrold" {
		t.Fatalf("unexpected revision after save %+v", rev)
	}

	if err := svc.SaveVersion(ctx, "", "x", "user-1"); !isCode(err, codeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := svc.SaveVersion(ctx, "rev_missing", "x", "user-1"); !isCode(err, codeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestGetVersionValidation(t *testing.T) {
	svc, _ := newTestService(t, &fakeRewriter{})
	ctx := context.Background()

	result, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello wrold", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if _, err := svc.GetVersion(ctx, result.VersionID, "sideways", "", "user-1"); !isCode(err, codeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.GetVersion(ctx, "", "prev", "", "user-1"); !isCode(err, codeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.GetVersion(ctx, "rev_missing", "prev", "", "user-1"); !isCode(err, codeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	view, err := svc.GetVersion(ctx, "", "original", result.SessionID, "user-1")
	if err != nil {
		t.Fatalf("GetVersion(original by session) error = %v", err)
	}
	if view.Text != "Hello wrold" {
		t.Fatalf("unexpected original text %q", view.Text)
	}
	if _, err := svc.GetVersion(ctx, "", "original", "sess_missing", "user-1"); !isCode(err, codeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestClearVersions(t *testing.T) {
	svc, revisions := newTestService(t, &fakeRewriter{})
	ctx := context.Background()

	result, err := svc.Rewrite(ctx, RewriteInput{Text: "Hello wrold", OwnerID: "user-1", SubjectRef: "issue:7:description"})
	if err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if err := svc.ClearVersions(ctx, result.SessionID, "user-1"); err != nil {
		t.Fatalf("ClearVersions() error = %v", err)
	}
	items, _ := revisions.ListOrdered(ctx, result.SessionID)
	if len(items) != 0 {
		t.Fatalf("expected empty session, got %d revisions", len(items))
	}
	if _, err := svc.GetVersion(ctx, result.VersionID, "prev", "", "user-1"); !isCode(err, codeNotFound) {
		t.Fatalf("expected NOT_FOUND after clear, got %v", err)
	}
	state, err := svc.CheckVersions(ctx, "issue:7:description", "user-1")
	if err != nil || state.HasVersions {
		t.Fatalf("expected no versions after clear, got %+v, %v", state, err)
	}

	if err := svc.ClearVersions(ctx, result.SessionID, "user-1"); err != nil {
		t.Fatalf("clearing twice must succeed, got %v", err)
	}
	if err := svc.ClearVersions(ctx, "", "user-1"); !isCode(err, codeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStreamRewriteAppendsOnce(t *testing.T) {
	rewriter := &fakeRewriter{chunks: []string{"Hello", " world", "\n"}}
	svc, revisions := newTestService(t, rewriter)
	ctx := context.Background()

	pending, err := svc.BeginRewrite(ctx, RewriteInput{Text: "Hello wrold", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("BeginRewrite() error = %v", err)
	}
	var emitted []string
	result, err := svc.StreamRewrite(ctx, pending, func(chunk string) error {
		emitted = append(emitted, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamRewrite() error = %v", err)
	}
	if strings.Join(emitted, "") != "Hello world\n" {
		t.Fatalf("unexpected chunks %q", emitted)
	}
	if result.ImprovedText != "Hello world" {
		t.Fatalf("unexpected improved text %q", result.ImprovedText)
	}
	items, _ := revisions.ListOrdered(ctx, pending.SessionID)
	if len(items) != 2 || items[1].CurrentText != "Hello world" {
		t.Fatalf("expected one appended revision, got %+v", items)
	}
}

func TestStreamRewriteProviderFailureReportsPartial(t *testing.T) {
	rewriter := &fakeRewriter{
		chunks:    []string{"Hello"},
		streamErr: &provider.Error{Provider: provider.OllamaName, StatusCode: 502, Detail: "bad gateway"},
	}
	svc, revisions := newTestService(t, rewriter)
	ctx := context.Background()

	pending, err := svc.BeginRewrite(ctx, RewriteInput{Text: "Hello wrold", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("BeginRewrite() error = %v", err)
	}
	_, err = svc.StreamRewrite(ctx, pending, func(string) error { return nil })
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Code != codeProvider {
		t.Fatalf("expected provider error, got %v", err)
	}
	if derr.Message != "ollama API error: 502 - bad gateway" {
		t.Fatalf("unexpected message %q", derr.Message)
	}
	details, _ := derr.Details.(map[string]any)
	if details["partial_text"] != "Hello" {
		t.Fatalf("expected partial text in details, got %v", derr.Details)
	}
	items, _ := revisions.ListOrdered(ctx, pending.SessionID)
	if len(items) != 1 {
		t.Fatalf("expected anchor only, got %d revisions", len(items))
	}
}

func TestStreamRewriteDisconnectStoresPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rewriter := &fakeRewriter{
		chunks:     []string{"Hello", " wor", "ld"},
		afterChunk: map[int]func(){1: cancel},
	}
	svc, revisions := newTestService(t, rewriter)

	pending, err := svc.BeginRewrite(ctx, RewriteInput{Text: "Hello wrold", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("BeginRewrite() error = %v", err)
	}
	result, err := svc.StreamRewrite(ctx, pending, func(string) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.ImprovedText != "Hello wor" {
		t.Fatalf("unexpected partial %q", result.ImprovedText)
	}
	items, _ := revisions.ListOrdered(context.Background(), pending.SessionID)
	if len(items) != 2 || items[1].CurrentText != "Hello wor" {
		t.Fatalf("expected stored partial, got %+v", items)
	}
}

func TestStreamRewriteEmitFailureWithoutOutputStoresNothing(t *testing.T) {
	rewriter := &fakeRewriter{chunks: []string{"Hello"}}
	svc, revisions := newTestService(t, rewriter)
	ctx := context.Background()

	pending, err := svc.BeginRewrite(ctx, RewriteInput{Text: "Hello wrold", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("BeginRewrite() error = %v", err)
	}
	_, err = svc.StreamRewrite(ctx, pending, func(string) error { return io.ErrClosedPipe })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	items, _ := revisions.ListOrdered(ctx, pending.SessionID)
	if len(items) != 1 {
		t.Fatalf("expected anchor only, got %d revisions", len(items))
	}
}

func TestTestConnection(t *testing.T) {
	rewriter := &fakeRewriter{connection: provider.ConnectionResult{Success: true, Message: "ok", Models: []string{"llama2"}}}
	svc, _ := newTestService(t, rewriter)
	ctx := context.Background()

	result, err := svc.TestConnection(ctx, "")
	if err != nil {
		t.Fatalf("TestConnection() error = %v", err)
	}
	if !result.Success || len(result.Models) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	result, err = svc.TestConnection(ctx, "OpenAI")
	if err != nil {
		t.Fatalf("TestConnection(openai) error = %v", err)
	}
	if result.Success || result.Error != "OpenAI API key is not configured" {
		t.Fatalf("expected unconfigured result, got %+v", result)
	}

	if _, err := svc.TestConnection(ctx, "mistral"); !isCode(err, codeUnknownProvider) {
		t.Fatalf("expected unknown provider, got %v", err)
	}
}

func isCode(err error, code string) bool {
	var derr *DomainError
	return errors.As(err, &derr) && derr.Code == code
}
