// Package archive maintains a git-backed local mirror of the ingested file
// tree. Every cycle stages the downloaded bytes on disk and commits them,
// giving a browsable, versioned history of what was sent downstream. The
// mirror is an audit artifact; the metadata store stays the source of truth.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	// File and directory permissions.
	dirPerm  = 0750 // Directory permissions: rwxr-x---
	filePerm = 0600 // File permissions: rw-------
)

// Mirror is a git repository mirroring the synced tree.
type Mirror struct {
	rootPath     string
	repo         *git.Repository
	mu           sync.Mutex
	logger       *slog.Logger
	remoteConfig *RemoteConfig
}

// MirrorOption configures Mirror.
type MirrorOption func(*Mirror)

// WithLogger sets a custom logger for the mirror.
func WithLogger(l *slog.Logger) MirrorOption {
	return func(m *Mirror) {
		m.logger = l
	}
}

// WithRemoteConfig sets the remote git configuration.
func WithRemoteConfig(cfg *RemoteConfig) MirrorOption {
	return func(m *Mirror) {
		m.remoteConfig = cfg
	}
}

// NewMirror creates a mirror at the given path, cloning from the configured
// remote when the directory does not exist yet.
func NewMirror(path string, opts ...MirrorOption) (*Mirror, error) {
	mirror := &Mirror{
		rootPath: path,
		logger:   slog.Default(),
	}

	// Apply options first to get remote config
	for _, opt := range opts {
		opt(mirror)
	}

	repo, err := mirror.initializeRepository(path)
	if err != nil {
		return nil, err
	}

	mirror.repo = repo
	return mirror, nil
}

// RootPath returns the mirror's working directory.
func (m *Mirror) RootPath() string {
	return m.rootPath
}

// IsRemoteEnabled returns true if remote git operations are configured.
func (m *Mirror) IsRemoteEnabled() bool {
	return m.remoteConfig.IsEnabled()
}

// RemoteConfig returns the remote configuration.
func (m *Mirror) RemoteConfig() *RemoteConfig {
	return m.remoteConfig
}

// Stage writes one file's content into the mirror tree and returns the
// number of bytes written. The write goes through a temp file and rename so
// a crash never leaves a half-written file.
func (m *Mirror) Stage(ctx context.Context, path string, r io.Reader) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.DebugContext(ctx, "staging file", "path", path)

	fullPath := filepath.Join(m.rootPath, path)
	if err := os.MkdirAll(filepath.Dir(fullPath), dirPerm); err != nil {
		return 0, fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".staging-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("write file %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("rename into place %s: %w", path, err)
	}

	m.logger.DebugContext(ctx, "staging complete", "path", path, "size", written)
	return written, nil
}

// Unstage removes one file from the mirror tree. Removing an absent file is
// not an error.
func (m *Mirror) Unstage(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.DebugContext(ctx, "unstaging file", "path", path)

	fullPath := filepath.Join(m.rootPath, path)
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file %s: %w", path, err)
	}
	return nil
}

// CommitCycle stages everything in the worktree and commits it, then pushes
// if a remote is configured. A clean worktree commits nothing.
func (m *Mirror) CommitCycle(ctx context.Context, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	worktree, err := m.repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}

	// Stage all changes in the worktree (equivalent to git add -A)
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("git add: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	hasChanges := false
	for _, s := range status {
		if s.Staging != ' ' {
			hasChanges = true
			break
		}
	}
	if !hasChanges {
		m.logger.DebugContext(ctx, "mirror clean, nothing to commit")
		return nil
	}

	authorName := "difysync"
	authorEmail := "difysync@local"
	if m.remoteConfig != nil {
		authorName = m.remoteConfig.User
		authorEmail = m.remoteConfig.Email
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	m.logger.InfoContext(ctx, "mirror committed", "hash", hash.String()[:8], "message", message)

	if m.remoteConfig.IsEnabled() && m.remoteConfig.IsPushEnabled() {
		return m.push(ctx)
	}
	return nil
}

// Pull fetches and merges changes from the remote repository.
func (m *Mirror) Pull(ctx context.Context) error {
	if !m.IsRemoteEnabled() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	auth, err := m.remoteConfig.GetAuth()
	if err != nil {
		return fmt.Errorf("get auth: %w", err)
	}

	worktree, err := m.repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}

	m.logger.InfoContext(ctx, "pulling from remote", "url", m.remoteConfig.URL, "branch", m.remoteConfig.Branch)

	err = worktree.PullContext(ctx, &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(m.remoteConfig.Branch),
		Auth:          auth,
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			m.logger.InfoContext(ctx, "already up to date")
			return nil
		}
		// Handle empty remote repository
		if err.Error() == msgRemoteRepoEmpty {
			m.logger.InfoContext(ctx, msgRemoteRepoEmpty+", nothing to pull")
			return nil
		}
		return fmt.Errorf("pull: %w", err)
	}

	m.logger.InfoContext(ctx, "pull complete")
	return nil
}

// push pushes local commits to the remote repository. Caller holds m.mu.
func (m *Mirror) push(ctx context.Context) error {
	auth, err := m.remoteConfig.GetAuth()
	if err != nil {
		return fmt.Errorf("get auth: %w", err)
	}

	m.logger.InfoContext(ctx, "pushing to remote", "url", m.remoteConfig.URL, "branch", m.remoteConfig.Branch)

	err = m.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       auth,
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			m.logger.InfoContext(ctx, "nothing to push")
			return nil
		}
		return fmt.Errorf("push: %w", err)
	}

	m.logger.InfoContext(ctx, "push complete")
	return nil
}

// initializeRepository opens or creates the mirror's git repository, cloning
// from remote when enabled and the directory doesn't exist yet.
func (m *Mirror) initializeRepository(path string) (*git.Repository, error) {
	_, statErr := os.Stat(path)
	dirExists := statErr == nil

	if m.remoteConfig.IsEnabled() && !dirExists {
		return m.cloneFromRemote(path)
	}

	return m.openOrCreateLocalRepo(path)
}

// cloneFromRemote clones a repository from the remote URL.
func (m *Mirror) cloneFromRemote(path string) (*git.Repository, error) {
	m.logger.Info("cloning from remote", "url", m.remoteConfig.URL, "branch", m.remoteConfig.Branch)

	auth, err := m.remoteConfig.GetAuth()
	if err != nil {
		return nil, fmt.Errorf("get auth: %w", err)
	}

	repo, err := git.PlainClone(path, false, &git.CloneOptions{
		URL:           m.remoteConfig.URL,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(m.remoteConfig.Branch),
		SingleBranch:  true,
	})

	if err == nil {
		m.logger.Info("clone complete")
		return repo, nil
	}

	// Handle empty repository - init locally and add remote
	if err.Error() != msgRemoteRepoEmpty {
		return nil, fmt.Errorf("clone repository: %w", err)
	}

	m.logger.Info(msgRemoteRepoEmpty + ", initializing locally")

	if err := os.MkdirAll(path, dirPerm); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init git repo: %w", err)
	}

	if err := m.addRemoteToRepo(repo); err != nil {
		return nil, err
	}

	return repo, nil
}

// openOrCreateLocalRepo opens an existing repository or creates a new one.
func (m *Mirror) openOrCreateLocalRepo(path string) (*git.Repository, error) {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	repo, err := git.PlainOpen(path)
	if err == nil {
		return m.ensureRemoteConfigured(repo)
	}

	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open git repo: %w", err)
	}

	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init git repo: %w", err)
	}

	if m.remoteConfig.IsEnabled() {
		if err := m.addRemoteToRepo(repo); err != nil {
			return nil, err
		}
	}

	return repo, nil
}

// ensureRemoteConfigured ensures the remote is configured in an existing repository.
func (m *Mirror) ensureRemoteConfigured(repo *git.Repository) (*git.Repository, error) {
	if !m.remoteConfig.IsEnabled() {
		return repo, nil
	}

	if _, err := repo.Remote("origin"); err == nil {
		return repo, nil
	}

	m.logger.Info("adding remote origin to existing repo", "url", m.remoteConfig.URL)
	if err := m.addRemoteToRepo(repo); err != nil {
		return nil, err
	}

	return repo, nil
}

// addRemoteToRepo adds the origin remote to a repository.
func (m *Mirror) addRemoteToRepo(repo *git.Repository) error {
	_, err := repo.CreateRemote(&config.RemoteConfig{
		Name: "origin",
		URLs: []string{m.remoteConfig.URL},
	})
	if err != nil {
		return fmt.Errorf("add remote origin: %w", err)
	}
	return nil
}
