// Package gitrepo keeps the checkpoint history of every document as commits
// of its ProseMirror JSON in a per-document git repository.
package gitrepo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"chronicle/collab/internal/prosemirror"
	"chronicle/collab/internal/relay"
)

const (
	contentFile = "content.json"
	mainBranch  = "main"
)

var (
	ErrNoHistory         = errors.New("document has no history")
	ErrInvalidDocumentID = errors.New("invalid document id")
)

// Content is what every commit stores.
type Content struct {
	Text     string            `json:"text"`
	Bindings map[uint64]string `json:"bindings,omitempty"`
	Doc      json.RawMessage   `json:"doc"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

var _ relay.Sink = (*Service)(nil)

func (s *Service) Name() string {
	return "git"
}

// Checkpoint commits the checkpointed document to main. A checkpoint whose
// content equals the head commit is not recorded again.
func (s *Service) Checkpoint(_ context.Context, cp relay.Checkpoint) error {
	path, err := s.repoPath(cp.DocumentID)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(prosemirror.FromDocument(cp.Document))
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	content := Content{Text: cp.Document.Text(), Bindings: cp.Document.Bindings, Doc: doc}

	lock := s.documentLock(cp.DocumentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := openOrInit(path)
	if err != nil {
		return err
	}
	if head, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true); err == nil {
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return fmt.Errorf("load head commit: %w", err)
		}
		previous, err := readContentFromCommit(commitObj)
		if err == nil && !HasChanges(previous, content) {
			return nil
		}
	}

	author := cp.Author
	if author == "" {
		author = "Chronicle"
	}
	at := cp.At
	if at.IsZero() {
		at = time.Now()
	}
	message := fmt.Sprintf("Checkpoint %s\n\nbytes=%d", cp.DocumentID, len(cp.Snapshot))
	if _, err := commit(repo, content, author, message, at); err != nil {
		return err
	}
	return nil
}

// History lists the commits of a document, newest first.
func (s *Service) History(documentID string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, ErrNoHistory
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt returns the content recorded by a commit, or by the head of main
// when hash is empty.
func (s *Service) ContentAt(documentID, hash string) (Content, CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Content{}, CommitInfo{}, err
	}
	var resolved plumbing.Hash
	if hash == "" {
		ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
		if err != nil {
			return Content{}, CommitInfo{}, ErrNoHistory
		}
		resolved = ref.Hash()
	} else if resolved, err = resolveHash(repo, hash); err != nil {
		return Content{}, CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Content{}, CommitInfo{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, CommitInfo{}, err
	}
	return content, toCommitInfo(commitObj), nil
}

func (s *Service) repoPath(documentID string) (string, error) {
	if documentID == "" || documentID == "." || documentID == ".." || strings.ContainsAny(documentID, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDocumentID, documentID)
	}
	return filepath.Join(s.baseDir, documentID), nil
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	path, err := s.repoPath(documentID)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func openOrInit(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(mainBranch)},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func commit(repo *git.Repository, content Content, author, message string, at time.Time) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.chronicle.dev", sanitizeEmail(author)),
			When:  at,
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}
	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

// HasChanges compares two contents ignoring JSON formatting.
func HasChanges(from, to Content) bool {
	if from.Text != to.Text || len(from.Bindings) != len(to.Bindings) {
		return true
	}
	for replica, user := range from.Bindings {
		if to.Bindings[replica] != user {
			return true
		}
	}
	return !bytes.Equal(normalizeDoc(from.Doc), normalizeDoc(to.Doc))
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func normalizeDoc(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
