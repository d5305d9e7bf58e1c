// Package gitrepo maintains bare git stores under the repo directory and
// materializes working trees at fetched commits. It shells out to the git
// binary; credentials are injected per fetch and never written to disk.
package gitrepo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"kitops/internal/core"
)

// Gateway hands out one RepoHandle per (repo_dir, url) pair. Handles are
// created lazily and retained for the process lifetime.
type Gateway struct {
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*RepoHandle
	active  map[string]*checkout // worktree dir -> owning checkout
}

// RepoHandle is one on-disk bare store. Its mutex serializes fetches and
// worktree operations by the tasks sharing it.
type RepoHandle struct {
	dir string
	url string
	mu  sync.Mutex
}

type checkout struct {
	handle *RepoHandle
	parent string
}

var _ core.RepoGateway = (*Gateway)(nil)

// New constructs an empty gateway.
func New(logger *slog.Logger) *Gateway {
	return &Gateway{
		logger:  logger,
		handles: make(map[string]*RepoHandle),
		active:  make(map[string]*checkout),
	}
}

// Materialize ensures a bare store for the task's URL exists under the task's
// repo directory, fetches the branch, and checks the resolved commit out into
// a fresh worktree.
func (g *Gateway) Materialize(ctx context.Context, task *core.TaskDefinition) (*core.Workspace, error) {
	h := g.handleFor(task.RepoDir, task.GitURL)
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureStore(ctx); err != nil {
		return nil, err
	}

	fetchURL := task.GitURL
	if task.Auth != nil {
		authed, err := task.Auth.AuthURL(ctx, task.GitURL)
		if err != nil {
			return nil, core.Errorf(core.ErrAuth, "resolve credentials for %s: %w", task.GitURL, err)
		}
		fetchURL = authed
	}

	refspec := fmt.Sprintf("+refs/heads/%s:refs/heads/%s", task.Branch, task.Branch)
	if _, err := h.git(ctx, "fetch", "--prune", fetchURL, refspec); err != nil {
		return nil, err
	}

	sha, err := h.git(ctx, "rev-parse", "refs/heads/"+task.Branch)
	if err != nil {
		return nil, err
	}
	sha = strings.TrimSpace(sha)

	parent, err := os.MkdirTemp("", "kitops-run-")
	if err != nil {
		return nil, core.Errorf(core.ErrIO, "create worktree dir: %w", err)
	}
	dir := filepath.Join(parent, "tree")
	if _, err := h.git(ctx, "worktree", "add", "--force", "--detach", dir, sha); err != nil {
		os.RemoveAll(parent)
		return nil, err
	}

	ws := &core.Workspace{SHA: sha, Dir: dir}
	g.mu.Lock()
	g.active[dir] = &checkout{handle: h, parent: parent}
	g.mu.Unlock()
	return ws, nil
}

// Release tears down a worktree produced by Materialize.
func (g *Gateway) Release(ws *core.Workspace) error {
	g.mu.Lock()
	co, ok := g.active[ws.Dir]
	delete(g.active, ws.Dir)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown worktree %s", ws.Dir)
	}

	co.handle.mu.Lock()
	defer co.handle.mu.Unlock()
	_, removeErr := co.handle.git(context.Background(), "worktree", "remove", "--force", ws.Dir)
	if removeErr != nil {
		g.logger.Debug("worktree remove failed, deleting directly", "dir", ws.Dir, "err", removeErr)
	}
	if err := os.RemoveAll(co.parent); err != nil {
		return core.Errorf(core.ErrIO, "remove worktree: %w", err)
	}
	if removeErr != nil {
		// The tree is gone now, so prune drops the store's stale
		// registration of it.
		_, _ = co.handle.git(context.Background(), "worktree", "prune")
	}
	return nil
}

func (g *Gateway) handleFor(repoDir, url string) *RepoHandle {
	key := repoDir + "\x00" + url
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.handles[key]; ok {
		return h
	}
	h := &RepoHandle{
		dir: filepath.Join(repoDir, storeName(url)),
		url: url,
	}
	g.handles[key] = h
	return h
}

// ensureStore initializes the bare store when missing. Cloning is deferred to
// the first fetch so authentication is handled uniformly.
func (h *RepoHandle) ensureStore(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(h.dir, "HEAD")); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return core.Errorf(core.ErrIO, "stat repo store %s: %w", h.dir, err)
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return core.Errorf(core.ErrIO, "create repo store %s: %w", h.dir, err)
	}
	if _, err := h.git(ctx, "init", "--bare", "--quiet", h.dir); err != nil {
		return err
	}
	return nil
}

// git runs one git command against the store and returns its stdout.
func (h *RepoHandle) git(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"--git-dir", h.dir}, args...)
	// init creates the store; --git-dir would point into nothing.
	if args[0] == "init" {
		full = args
	}
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", classify(ctx, args[0], stderr.String(), err)
	}
	return stdout.String(), nil
}

// classify maps git's stderr onto the error kinds the scheduler reacts to.
// Credentials embedded in URLs are scrubbed before the text leaves this
// package.
func classify(ctx context.Context, op, stderr string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return core.Errorf(core.ErrTimeout, "git %s exceeded deadline", op)
		}
		return core.Errorf(core.ErrCanceled, "git %s canceled", op)
	}
	msg := Redact(strings.TrimSpace(stderr))
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower,
		"could not resolve host",
		"connection refused",
		"connection timed out",
		"failed to connect",
		"operation timed out",
		"early eof",
		"the remote end hung up"):
		return core.Errorf(core.ErrNetwork, "git %s: %s", op, msg)
	case containsAny(lower,
		"authentication failed",
		"permission denied",
		"could not read username",
		"could not read password",
		"invalid username or password",
		"support for password authentication was removed",
		"http 401",
		"http 403"):
		return core.Errorf(core.ErrAuth, "git %s: %s", op, msg)
	case containsAny(lower,
		"couldn't find remote ref",
		"remote ref does not exist",
		"unknown revision",
		"not a valid ref"):
		return core.Errorf(core.ErrGit, "git %s: ref not found: %s", op, msg)
	default:
		return core.Errorf(core.ErrGit, "git %s: %s: %v", op, msg, err)
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

var userinfoPattern = regexp.MustCompile(`(://)[^/@\s]+@`)

// Redact strips userinfo from URLs embedded in git output so installation
// tokens never reach logs.
func Redact(s string) string {
	return userinfoPattern.ReplaceAllString(s, "${1}***@")
}

// storeName derives the on-disk directory for a URL: a readable slug plus a
// hash so distinct URLs never collide.
func storeName(url string) string {
	sum := sha256.Sum256([]byte(url))
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, url)
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[len(slug)-40:]
	}
	return slug + "-" + hex.EncodeToString(sum[:6])
}
