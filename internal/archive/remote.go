package archive

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/corentel/difysync/internal/apperrors"
)

const msgRemoteRepoEmpty = "remote repository is empty"

// RemoteConfig holds configuration for the mirror's remote git operations.
type RemoteConfig struct {
	URL      string // Remote git repository URL (DFY_GIT_URL)
	Password string // Password/token for HTTPS auth (DFY_GIT_PASS)
	Branch   string // Target branch (DFY_GIT_BRANCH)
	User     string // Commit author name (DFY_GIT_USER)
	Email    string // Commit author email (DFY_GIT_EMAIL)
	Push     *bool  // Push after commits (DFY_PUSH), nil means auto-detect
}

// LoadRemoteConfigFromEnv loads remote configuration from environment variables.
func LoadRemoteConfigFromEnv() *RemoteConfig {
	cfg := &RemoteConfig{
		URL:      os.Getenv("DFY_GIT_URL"),
		Password: os.Getenv("DFY_GIT_PASS"),
		Branch:   os.Getenv("DFY_GIT_BRANCH"),
		User:     os.Getenv("DFY_GIT_USER"),
		Email:    os.Getenv("DFY_GIT_EMAIL"),
	}

	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.User == "" {
		cfg.User = "difysync"
	}
	if cfg.Email == "" {
		cfg.Email = "difysync@local"
	}

	if pushStr := os.Getenv("DFY_PUSH"); pushStr != "" {
		push := parseBoolEnv(pushStr)
		cfg.Push = &push
	}

	return cfg
}

func parseBoolEnv(val string) bool {
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes"
}

// IsEnabled returns true if remote operations should be used.
func (c *RemoteConfig) IsEnabled() bool {
	return c != nil && c.URL != ""
}

// IsSSH returns true if the URL is an SSH URL.
func (c *RemoteConfig) IsSSH() bool {
	if c == nil || c.URL == "" {
		return false
	}
	return strings.HasPrefix(c.URL, "git@") || strings.HasPrefix(c.URL, "ssh://")
}

// IsPushEnabled returns true if push to remote is enabled.
// When DFY_PUSH is not explicitly set, defaults to true if DFY_GIT_URL is set.
func (c *RemoteConfig) IsPushEnabled() bool {
	if c == nil {
		return false
	}
	if c.Push != nil {
		return *c.Push
	}
	return c.URL != ""
}

// GetAuth returns the appropriate authentication method for the remote URL.
func (c *RemoteConfig) GetAuth() (transport.AuthMethod, error) {
	if c == nil || c.URL == "" {
		return nil, apperrors.ErrRemoteNotConfigured
	}

	if c.IsSSH() {
		auth, err := ssh.NewSSHAgentAuth("git")
		if err != nil {
			return nil, fmt.Errorf("create SSH agent auth: %w", err)
		}
		return auth, nil
	}

	// HTTPS auth
	if c.Password == "" {
		return nil, apperrors.ErrHTTPSPasswordRequired
	}

	return &http.BasicAuth{
		Username: "oauth2",
		Password: c.Password,
	}, nil
}

// TestConnection tests the connection to the remote repository.
func (c *RemoteConfig) TestConnection(ctx context.Context) error {
	if !c.IsEnabled() {
		return apperrors.ErrRemoteNotConfigured
	}

	auth, err := c.GetAuth()
	if err != nil {
		return fmt.Errorf("get auth: %w", err)
	}

	// Listing remote references verifies connectivity
	rem := git.NewRemote(nil, &config.RemoteConfig{
		Name: "origin",
		URLs: []string{c.URL},
	})

	_, err = rem.ListContext(ctx, &git.ListOptions{
		Auth: auth,
	})
	if err != nil {
		// Empty repository is a valid connection
		if err.Error() == msgRemoteRepoEmpty {
			return nil
		}
		return fmt.Errorf("list remote: %w", err)
	}

	return nil
}
