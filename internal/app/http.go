package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quill/internal/auth"
	"quill/internal/provider"
	"quill/internal/session"
	"quill/internal/store"
)

const (
	routePrefix   = "/ai_rewrite/"
	maxFormMemory = 8 << 20
	// anonymousOwner is used when no identity header is present.
	anonymousOwner = "anonymous"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	// authSecret, when set, requires a signed owner token on every rewrite
	// route instead of trusting X-User-ID.
	authSecret []byte
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

// WithAuthSecret enables owner tokens signed with secret.
func (s *HTTPServer) WithAuthSecret(secret string) *HTTPServer {
	if secret != "" {
		s.authSecret = []byte(secret)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		// Check database connectivity
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			s.logger.Error("readiness check failed", "request_id", requestID(r.Context()), "error", err)
			checks["database"] = map[string]any{"status": "error"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		w.Header().Del("Content-Type")
		s.service.Metrics().Handler().ServeHTTP(w, r)
		return
	}

	if !strings.HasPrefix(r.URL.Path, routePrefix) {
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
		return
	}

	owner, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required", nil)
		return
	}
	r = r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner))

	action := strings.Trim(strings.TrimPrefix(r.URL.Path, routePrefix), "/")
	switch action {
	case "rewrite":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		s.handleRewrite(w, r)
	case "rewrite_stream":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		s.handleRewriteStream(w, r)
	case "save_version":
		if !allowMethod(w, r, http.MethodPost, http.MethodPut) {
			return
		}
		s.handleSaveVersion(w, r)
	case "get_version":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		s.handleGetVersion(w, r)
	case "clear_versions":
		if !allowMethod(w, r, http.MethodDelete, http.MethodPost) {
			return
		}
		s.handleClearVersions(w, r)
	case "check_versions":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		s.handleCheckVersions(w, r)
	case "test_connection":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		s.handleTestConnection(w, r)
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleRewrite(w http.ResponseWriter, r *http.Request) {
	params, ok := s.params(w, r)
	if !ok {
		return
	}
	result, err := s.service.Rewrite(r.Context(), rewriteInput(r, params))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"improved_text": result.ImprovedText,
		"version_id":    result.VersionID,
		"session_id":    result.SessionID,
	})
}

func (s *HTTPServer) handleRewriteStream(w http.ResponseWriter, r *http.Request) {
	params, ok := s.params(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming unsupported", nil)
		return
	}

	pending, err := s.service.BeginRewrite(r.Context(), rewriteInput(r, params))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emit := func(chunk string) error {
		if err := writeEvent(w, map[string]any{"text": chunk}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	result, err := s.service.StreamRewrite(r.Context(), pending, emit)
	if err != nil {
		if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
			return
		}
		_, code, message, details := mapError(err)
		frame := map[string]any{"error": message, "code": code}
		if values, ok := details.(map[string]any); ok {
			for key, value := range values {
				frame[key] = value
			}
		}
		s.logger.Warn("stream failed", "request_id", requestID(r.Context()), "code", code, "error", err)
		_ = writeEvent(w, frame)
		flusher.Flush()
		return
	}

	_ = writeEvent(w, map[string]any{
		"done":       true,
		"version_id": result.VersionID,
		"session_id": result.SessionID,
	})
	flusher.Flush()
}

func (s *HTTPServer) handleSaveVersion(w http.ResponseWriter, r *http.Request) {
	params, ok := s.params(w, r)
	if !ok {
		return
	}
	if err := s.service.SaveVersion(r.Context(), params.Get("version_id"), params.Get("text"), ownerID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	view, err := s.service.GetVersion(r.Context(), query.Get("version_id"), query.Get("direction"), query.Get("session_id"), ownerID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleClearVersions(w http.ResponseWriter, r *http.Request) {
	params, ok := s.params(w, r)
	if !ok {
		return
	}
	if err := s.service.ClearVersions(r.Context(), params.Get("session_id"), ownerID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *HTTPServer) handleCheckVersions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	subjectRef := query.Get("subject_ref")
	if subjectRef == "" {
		subjectRef = session.SubjectRef(query.Get("entity_id"), query.Get("field_type"))
	}
	state, err := s.service.CheckVersions(r.Context(), subjectRef, ownerID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	params, ok := s.params(w, r)
	if !ok {
		return
	}
	result, err := s.service.TestConnection(r.Context(), params.Get("provider"))
	if err != nil {
		status, _, message, _ := mapError(err)
		writeJSON(w, status, provider.ConnectionResult{Success: false, Error: message})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// params reads the request parameters, writing a 400 when the body is
// malformed.
func (s *HTTPServer) params(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	values, err := requestParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return nil, false
	}
	return values, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", requestID(r.Context()),
			"path", r.URL.Path,
			"code", code,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func rewriteInput(r *http.Request, params url.Values) RewriteInput {
	subjectRef := params.Get("subject_ref")
	if subjectRef == "" {
		subjectRef = session.SubjectRef(params.Get("entity_id"), params.Get("field_type"))
	}
	return RewriteInput{
		Text:         params.Get("text"),
		SessionID:    params.Get("session_id"),
		CustomPrompt: params.Get("custom_prompt"),
		SubjectRef:   subjectRef,
		OwnerID:      ownerID(r),
	}
}

// authenticate returns the owner of r: the subject of its bearer token when
// a secret is configured, else the X-User-ID header.
func (s *HTTPServer) authenticate(r *http.Request) (string, error) {
	if len(s.authSecret) == 0 {
		if owner := strings.TrimSpace(r.Header.Get("X-User-ID")); owner != "" {
			return owner, nil
		}
		return anonymousOwner, nil
	}
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return "", err
	}
	claims, err := auth.ParseToken(s.authSecret, token)
	if err != nil {
		return "", err
	}
	return claims.Sub, nil
}

type ownerKey struct{}

func ownerID(r *http.Request) string {
	if owner, ok := r.Context().Value(ownerKey{}).(string); ok && owner != "" {
		return owner
	}
	return anonymousOwner
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	return false
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// writeEvent writes one Server-Sent Events frame.
func writeEvent(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// requestParams merges the query string with a JSON, urlencoded or
// multipart body. Body values win.
func requestParams(r *http.Request) (url.Values, error) {
	values := url.Values{}
	for key, vals := range r.URL.Query() {
		values[key] = vals
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var body map[string]any
		if err := decodeBody(r, &body); err != nil {
			return nil, err
		}
		for key, value := range body {
			switch typed := value.(type) {
			case string:
				values.Set(key, typed)
			case float64, bool:
				values.Set(key, fmt.Sprint(typed))
			}
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			return nil, fmt.Errorf("invalid form body")
		}
		for key, vals := range r.MultipartForm.Value {
			values[key] = vals
		}
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("invalid form body")
		}
		for key, vals := range r.PostForm {
			values[key] = vals
		}
	}
	return values, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, codeNotFound, "Not found", nil
	}
	var providerErr *provider.Error
	if errors.As(err, &providerErr) {
		return http.StatusInternalServerError, codeProvider, providerErr.SafeMessage(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
