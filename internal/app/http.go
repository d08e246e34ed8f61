package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chronicle/collab/internal/export"
	"chronicle/collab/internal/prosemirror"
	"chronicle/collab/internal/rbac"
)

const maxSeedBytes = 16 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) forbid(w http.ResponseWriter, session Session, action rbac.Action) {
	log.Printf("app: denied %s to %s (%s)", action, session.UserID, session.Role)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
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
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		readiness := s.service.Readiness(ctx)
		status := http.StatusOK
		if !readiness.OK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, readiness)
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 2 && parts[0] == "collab" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleCollab(w, r, parts[1])
		return
	}

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "documents" {
		documentID := parts[2]
		session, ok := s.requireSession(w, r, documentID)
		if !ok {
			return
		}
		switch {
		case len(parts) == 4 && parts[3] == "content":
			s.handleContent(w, r, session, documentID)
		case len(parts) == 4 && parts[3] == "export" && r.Method == http.MethodGet:
			s.handleExport(w, r, session, documentID)
		case len(parts) == 4 && parts[3] == "presence" && r.Method == http.MethodGet:
			s.handlePresence(w, r, session, documentID)
		case len(parts) == 4 && parts[3] == "bindings" && r.Method == http.MethodGet:
			s.handleBindings(w, r, session, documentID)
		case len(parts) == 4 && parts[3] == "stats" && r.Method == http.MethodGet:
			s.handleStats(w, r, session, documentID)
		case len(parts) == 4 && parts[3] == "history" && r.Method == http.MethodGet:
			s.handleHistory(w, r, session, documentID)
		case len(parts) == 5 && parts[3] == "history" && r.Method == http.MethodGet:
			s.handleVersion(w, session, documentID, parts[4])
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleContent(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	switch r.Method {
	case http.MethodGet:
		if !s.service.Can(session.Role, rbac.ActionRead) {
			s.forbid(w, session, rbac.ActionRead)
			return
		}
		doc, err := s.service.Content(r.Context(), documentID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		switch format := r.URL.Query().Get("format"); format {
		case "", "json":
			writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "doc": doc})
		case "text":
			writeBody(w, "text/plain; charset=utf-8", prosemirror.PlainText(doc))
		case "html":
			writeBody(w, "text/html; charset=utf-8", prosemirror.ToHTML(doc))
		default:
			writeError(w, http.StatusBadRequest, "INVALID_FORMAT", fmt.Sprintf("unsupported format %q", format), nil)
		}

	case http.MethodPut:
		if !s.service.Can(session.Role, rbac.ActionWrite) {
			s.forbid(w, session, rbac.ActionWrite)
			return
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, maxSeedBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid body", nil)
			return
		}
		doc, err := prosemirror.Parse(data)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_DOCUMENT", err.Error(), nil)
			return
		}
		if err := s.service.Seed(r.Context(), session, documentID, doc); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	if !s.service.Can(session.Role, rbac.ActionRead) {
		s.forbid(w, session, rbac.ActionRead)
		return
	}
	query := r.URL.Query()
	result, err := s.service.Export(r.Context(), documentID, query.Get("version"), export.Format(query.Get("format")))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	if !s.service.Can(session.Role, rbac.ActionRead) {
		s.forbid(w, session, rbac.ActionRead)
		return
	}
	members, err := s.service.Presence(r.Context(), documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "members": members})
}

func (s *HTTPServer) handleBindings(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	if !s.service.Can(session.Role, rbac.ActionInspect) {
		s.forbid(w, session, rbac.ActionInspect)
		return
	}
	bindings, err := s.service.Bindings(r.Context(), documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	items := make(map[string]string, len(bindings))
	for replica, user := range bindings {
		items[strconv.FormatUint(replica, 10)] = user
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "bindings": items})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	if !s.service.Can(session.Role, rbac.ActionInspect) {
		s.forbid(w, session, rbac.ActionInspect)
		return
	}
	stats, err := s.service.Stats(r.Context(), documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	if !s.service.Can(session.Role, rbac.ActionInspect) {
		s.forbid(w, session, rbac.ActionInspect)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.service.History(documentID, limit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "items": items})
}

func (s *HTTPServer) handleVersion(w http.ResponseWriter, session Session, documentID, hash string) {
	if !s.service.Can(session.Role, rbac.ActionInspect) {
		s.forbid(w, session, rbac.ActionInspect)
		return
	}
	content, commit, err := s.service.Version(documentID, hash)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "commit": commit, "content": content})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request, documentID string) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.Authenticate(token, documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return Session{}, false
	}
	return session, true
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

		line, _ := json.Marshal(requestLog{
			RequestID:  requestID,
			Method:     r.Method,
			Path:       r.URL.Path,
			Document:   documentOf(r.URL.Path),
			Status:     writer.status,
			DurationMS: time.Since(started).Milliseconds(),
		})
		log.Print(string(line))
	})
}

// requestLog is one line of the access log. Websocket requests log once the
// connection ends, with status 101.
type requestLog struct {
	RequestID  string `json:"request_id"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Document   string `json:"document,omitempty"`
	Status     int    `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

func documentOf(path string) string {
	parts := splitPath(path)
	switch {
	case len(parts) == 2 && parts[0] == "collab":
		return parts[1]
	case len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents":
		return parts[2]
	}
	return ""
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,PUT,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBody(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
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

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
