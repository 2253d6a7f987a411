package archive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5"

	"github.com/corentel/difysync/internal/apperrors"
)

func newTestMirror(t *testing.T) *Mirror {
	t.Helper()

	mirror, err := NewMirror(filepath.Join(t.TempDir(), "mirror"))
	if err != nil {
		t.Fatalf("failed to create mirror: %v", err)
	}
	return mirror
}

func TestMirror_Stage(t *testing.T) {
	t.Parallel()

	mirror := newTestMirror(t)
	ctx := context.Background()

	content := []byte("hello mirror")
	written, err := mirror.Stage(ctx, "docs/readme.md", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if written != int64(len(content)) {
		t.Errorf("expected %d bytes written, got %d", len(content), written)
	}

	data, err := os.ReadFile(filepath.Join(mirror.RootPath(), "docs/readme.md"))
	if err != nil {
		t.Fatalf("failed to read staged file: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("content mismatch: got %q, want %q", data, content)
	}

	// No leftover temp files from the atomic write
	entries, err := os.ReadDir(filepath.Join(mirror.RootPath(), "docs"))
	if err != nil {
		t.Fatalf("failed to list dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".staging-") {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestMirror_StageOverwrites(t *testing.T) {
	t.Parallel()

	mirror := newTestMirror(t)
	ctx := context.Background()

	if _, err := mirror.Stage(ctx, "a.txt", strings.NewReader("first")); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if _, err := mirror.Stage(ctx, "a.txt", strings.NewReader("second")); err != nil {
		t.Fatalf("second Stage failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(mirror.RootPath(), "a.txt"))
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("expected overwritten content, got %q", data)
	}
}

func TestMirror_Unstage(t *testing.T) {
	t.Parallel()

	mirror := newTestMirror(t)
	ctx := context.Background()

	if _, err := mirror.Stage(ctx, "a.txt", strings.NewReader("data")); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if err := mirror.Unstage(ctx, "a.txt"); err != nil {
		t.Fatalf("Unstage failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(mirror.RootPath(), "a.txt")); !os.IsNotExist(err) {
		t.Error("expected file removed")
	}

	// Unstaging an absent file is not an error
	if err := mirror.Unstage(ctx, "never-existed.txt"); err != nil {
		t.Errorf("Unstage of absent file failed: %v", err)
	}
}

func TestMirror_CommitCycle(t *testing.T) {
	t.Parallel()

	mirror := newTestMirror(t)
	ctx := context.Background()

	if _, err := mirror.Stage(ctx, "a.txt", strings.NewReader("data")); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if err := mirror.CommitCycle(ctx, "cycle: 1 added"); err != nil {
		t.Fatalf("CommitCycle failed: %v", err)
	}

	repo, err := git.PlainOpen(mirror.RootPath())
	if err != nil {
		t.Fatalf("failed to open repo: %v", err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatalf("failed to get HEAD: %v", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		t.Fatalf("failed to get commit: %v", err)
	}
	if commit.Message != "cycle: 1 added" {
		t.Errorf("unexpected commit message: %q", commit.Message)
	}
	if commit.Author.Name != "difysync" {
		t.Errorf("unexpected author: %q", commit.Author.Name)
	}
}

func TestMirror_CommitCycleCleanWorktree(t *testing.T) {
	t.Parallel()

	mirror := newTestMirror(t)
	ctx := context.Background()

	// Committing with nothing staged is a no-op, not an error
	if err := mirror.CommitCycle(ctx, "empty cycle"); err != nil {
		t.Fatalf("CommitCycle on clean worktree failed: %v", err)
	}

	repo, err := git.PlainOpen(mirror.RootPath())
	if err != nil {
		t.Fatalf("failed to open repo: %v", err)
	}
	if _, err := repo.Head(); err == nil {
		t.Error("expected no commits on clean worktree")
	}
}

func TestMirror_ReopensExistingRepo(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "mirror")
	ctx := context.Background()

	first, err := NewMirror(dir)
	if err != nil {
		t.Fatalf("failed to create mirror: %v", err)
	}
	if _, err := first.Stage(ctx, "a.txt", strings.NewReader("data")); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if err := first.CommitCycle(ctx, "initial"); err != nil {
		t.Fatalf("CommitCycle failed: %v", err)
	}

	second, err := NewMirror(dir)
	if err != nil {
		t.Fatalf("failed to reopen mirror: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(second.RootPath(), "a.txt"))
	if err != nil {
		t.Fatalf("staged file lost on reopen: %v", err)
	}
	if string(data) != "data" {
		t.Errorf("unexpected content after reopen: %q", data)
	}
}

func TestRemoteConfig_IsSSH(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want bool
	}{
		{"git@github.com:org/repo.git", true},
		{"ssh://git@github.com/org/repo.git", true},
		{"https://github.com/org/repo.git", false},
		{"", false},
	}

	for _, tt := range tests {
		cfg := &RemoteConfig{URL: tt.url}
		if got := cfg.IsSSH(); got != tt.want {
			t.Errorf("IsSSH(%q) = %t, want %t", tt.url, got, tt.want)
		}
	}
}

func TestRemoteConfig_GetAuthHTTPSRequiresPassword(t *testing.T) {
	t.Parallel()

	cfg := &RemoteConfig{URL: "https://github.com/org/repo.git"}
	if _, err := cfg.GetAuth(); !errors.Is(err, apperrors.ErrHTTPSPasswordRequired) {
		t.Errorf("expected ErrHTTPSPasswordRequired, got %v", err)
	}

	cfg.Password = "token"
	if _, err := cfg.GetAuth(); err != nil {
		t.Errorf("GetAuth with password failed: %v", err)
	}
}

func TestRemoteConfig_IsPushEnabled(t *testing.T) {
	t.Parallel()

	yes, no := true, false
	tests := []struct {
		name string
		cfg  *RemoteConfig
		want bool
	}{
		{"no url", &RemoteConfig{}, false},
		{"url set defaults to push", &RemoteConfig{URL: "https://x/y.git"}, true},
		{"explicit off", &RemoteConfig{URL: "https://x/y.git", Push: &no}, false},
		{"explicit on without url", &RemoteConfig{Push: &yes}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.cfg.IsPushEnabled(); got != tt.want {
				t.Errorf("IsPushEnabled() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestRemoteConfig_TestConnectionNotConfigured(t *testing.T) {
	t.Parallel()

	cfg := &RemoteConfig{}
	if err := cfg.TestConnection(context.Background()); !errors.Is(err, apperrors.ErrRemoteNotConfigured) {
		t.Errorf("expected ErrRemoteNotConfigured, got %v", err)
	}
}
