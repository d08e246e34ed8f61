package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"chronicle/collab/internal/auth"
	"chronicle/collab/internal/config"
	"chronicle/collab/internal/crdt"
	"chronicle/collab/internal/export"
	"chronicle/collab/internal/gitrepo"
	"chronicle/collab/internal/presence"
	"chronicle/collab/internal/prosemirror"
	"chronicle/collab/internal/rbac"
	"chronicle/collab/internal/relay"
	"chronicle/collab/internal/store"
	"chronicle/collab/internal/syncchan"
	"chronicle/collab/internal/util"
)

// Session is the identity behind one request or relay connection.
type Session struct {
	UserID   string
	UserName string
	Role     rbac.Role
}

// DocumentStore is the durable side of a document beyond what rooms load.
type DocumentStore interface {
	Bindings(ctx context.Context, documentID string) (map[uint64]string, error)
	Stats(ctx context.Context, documentID string) (store.DocumentStats, error)
}

type PresenceDirectory interface {
	Members(ctx context.Context, documentID string) ([]presence.Member, error)
}

type History interface {
	History(documentID string, limit int) ([]gitrepo.CommitInfo, error)
	ContentAt(documentID, hash string) (gitrepo.Content, gitrepo.CommitInfo, error)
}

type Exporter interface {
	Export(ctx context.Context, doc export.Document, format export.Format) (*export.Result, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// Deps are the optional backends of the service. Nil members disable the
// endpoints that need them.
type Deps struct {
	Documents DocumentStore
	Presence  PresenceDirectory
	History   History
	Exporter  Exporter
	// Checks are pinged by the readiness endpoint, by name.
	Checks map[string]Pinger
}

type Service struct {
	cfg  config.Config
	hub  *relay.Hub
	deps Deps
}

func New(cfg config.Config, hub *relay.Hub, deps Deps) *Service {
	return &Service{cfg: cfg, hub: hub, deps: deps}
}

// Authenticate resolves a relay token for documentID.
func (s *Service) Authenticate(token, documentID string) (Session, error) {
	if strings.TrimSpace(token) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if documentID != "" {
		if err := claims.Allows(documentID); err != nil {
			return Session{}, err
		}
	}
	return Session{
		UserID:   claims.Subject,
		UserName: claims.DisplayName(),
		Role:     rbac.Normalize(claims.Role),
	}, nil
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

// Peer describes a new relay connection of session.
func (s *Service) Peer(session Session) relay.Peer {
	return relay.Peer{
		ConnectionID: util.NewID("conn"),
		UserID:       session.UserID,
		Name:         session.UserName,
		ReadOnly:     rbac.ReadOnly(session.Role),
	}
}

// Serve runs one relay connection until it ends.
func (s *Service) Serve(ctx context.Context, documentID string, session Session, conn syncchan.Conn) error {
	return s.hub.Serve(ctx, documentID, s.Peer(session), conn)
}

// Content returns the current document as ProseMirror JSON.
func (s *Service) Content(ctx context.Context, documentID string) (prosemirror.Node, error) {
	doc, err := s.hub.Document(ctx, documentID)
	if err != nil {
		return prosemirror.Node{}, fmt.Errorf("read document %s: %w", documentID, err)
	}
	return prosemirror.FromDocument(doc), nil
}

// Seed imports legacy ProseMirror content into an empty document.
func (s *Service) Seed(ctx context.Context, session Session, documentID string, doc prosemirror.Node) error {
	err := s.hub.Edit(ctx, documentID, session.UserID, func(st *crdt.Store) (crdt.Update, error) {
		return prosemirror.Seed(st, doc)
	})
	switch {
	case errors.Is(err, prosemirror.ErrNotEmpty):
		return domainError(http.StatusConflict, "DOCUMENT_NOT_EMPTY", "Document already has content", nil)
	case errors.Is(err, prosemirror.ErrInvalidDocument):
		return domainError(http.StatusBadRequest, "INVALID_DOCUMENT", err.Error(), nil)
	case err != nil:
		return fmt.Errorf("seed document %s: %w", documentID, err)
	}
	return nil
}

func (s *Service) Presence(ctx context.Context, documentID string) ([]presence.Member, error) {
	if s.deps.Presence == nil {
		return nil, unavailable("PRESENCE_UNAVAILABLE", "Presence directory")
	}
	members, err := s.deps.Presence.Members(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list presence of %s: %w", documentID, err)
	}
	return members, nil
}

// Bindings returns the replica to user bindings of a document. Bindings in
// the document win over the mirror table.
func (s *Service) Bindings(ctx context.Context, documentID string) (map[uint64]string, error) {
	doc, err := s.hub.Document(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", documentID, err)
	}
	bindings := make(map[uint64]string, len(doc.Bindings))
	for replica, user := range doc.Bindings {
		bindings[replica] = user
	}
	if s.deps.Documents != nil {
		mirrored, err := s.deps.Documents.Bindings(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("read bindings of %s: %w", documentID, err)
		}
		for replica, user := range mirrored {
			if _, ok := bindings[replica]; !ok {
				bindings[replica] = user
			}
		}
	}
	return bindings, nil
}

// DocumentStats combines the live room with the durable store.
type DocumentStats struct {
	Open    bool                 `json:"open"`
	Room    *relay.Stats         `json:"room,omitempty"`
	Storage *store.DocumentStats `json:"storage,omitempty"`
}

func (s *Service) Stats(ctx context.Context, documentID string) (DocumentStats, error) {
	var stats DocumentStats
	if room, ok := s.hub.Room(documentID); ok {
		roomStats := room.Stats()
		stats.Open = true
		stats.Room = &roomStats
	}
	if s.deps.Documents != nil {
		storage, err := s.deps.Documents.Stats(ctx, documentID)
		if err != nil {
			return DocumentStats{}, fmt.Errorf("read stats of %s: %w", documentID, err)
		}
		stats.Storage = &storage
	}
	return stats, nil
}

func (s *Service) History(documentID string, limit int) ([]gitrepo.CommitInfo, error) {
	if s.deps.History == nil {
		return nil, unavailable("HISTORY_UNAVAILABLE", "History")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.deps.History.History(documentID, limit)
}

func (s *Service) Version(documentID, hash string) (gitrepo.Content, gitrepo.CommitInfo, error) {
	if s.deps.History == nil {
		return gitrepo.Content{}, gitrepo.CommitInfo{}, unavailable("HISTORY_UNAVAILABLE", "History")
	}
	return s.deps.History.ContentAt(documentID, hash)
}

// Export renders the live document, or the checkpoint version when set.
func (s *Service) Export(ctx context.Context, documentID, version string, format export.Format) (*export.Result, error) {
	if s.deps.Exporter == nil {
		return nil, unavailable("EXPORT_UNAVAILABLE", "Export")
	}
	doc := export.Document{ID: documentID, Version: version, UpdatedAt: time.Now()}
	if version == "" {
		live, err := s.hub.Document(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("read document %s: %w", documentID, err)
		}
		doc.Content = prosemirror.FromDocument(live)
		doc.Authors = authorsOf(live.Bindings)
	} else {
		content, commit, err := s.Version(documentID, version)
		if err != nil {
			return nil, err
		}
		if doc.Content, err = prosemirror.Parse(content.Doc); err != nil {
			return nil, fmt.Errorf("parse version %s of %s: %w", version, documentID, err)
		}
		doc.Authors = authorsOf(content.Bindings)
		doc.Version = commit.Hash
		doc.UpdatedAt = commit.CreatedAt
	}

	result, err := s.deps.Exporter.Export(ctx, doc, format)
	switch {
	case errors.Is(err, export.ErrUnsupportedFormat):
		return nil, domainError(http.StatusBadRequest, "INVALID_FORMAT", err.Error(), nil)
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil)
	case err != nil:
		return nil, fmt.Errorf("export %s: %w", documentID, err)
	}
	return result, nil
}

func authorsOf(bindings map[uint64]string) []string {
	seen := map[string]bool{}
	var authors []string
	for _, user := range bindings {
		if user != "" && !seen[user] {
			seen[user] = true
			authors = append(authors, user)
		}
	}
	sort.Strings(authors)
	return authors
}

// CheckResult is the outcome of pinging one backend.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Readiness is the body of the readiness endpoint.
type Readiness struct {
	OK     bool                   `json:"ok"`
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Readiness pings every configured backend.
func (s *Service) Readiness(ctx context.Context) Readiness {
	readiness := Readiness{OK: true, Status: "ready", Checks: map[string]CheckResult{}}
	for name, check := range s.deps.Checks {
		if err := check.Ping(ctx); err != nil {
			readiness.OK = false
			readiness.Status = "not_ready"
			readiness.Checks[name] = CheckResult{Status: "error", Error: err.Error()}
			continue
		}
		readiness.Checks[name] = CheckResult{Status: "ok"}
	}
	return readiness
}
