package core

import (
	"fmt"
	"sort"
)

// ExecutionContext carries one run's identity and mutable environment through
// the action chain. It lives for a single run and is not shared between
// goroutines: the runner executes actions strictly in order.
type ExecutionContext struct {
	TaskID      string
	SHA         string
	PrevSHA     string
	Branch      string
	RepoURL     string
	WorktreeDir string

	env map[string]string
}

// NewExecutionContext seeds the environment every action observes.
func NewExecutionContext(task *TaskDefinition, sha, prevSHA, worktreeDir string) *ExecutionContext {
	ec := &ExecutionContext{
		TaskID:      task.ID,
		SHA:         sha,
		PrevSHA:     prevSHA,
		Branch:      task.Branch,
		RepoURL:     task.GitURL,
		WorktreeDir: worktreeDir,
		env:         make(map[string]string),
	}
	ec.env["KITOPS_SHA"] = sha
	ec.env["KITOPS_BRANCH"] = task.Branch
	ec.env["KITOPS_REPO_URL"] = task.GitURL
	ec.env["KITOPS_LAST_SUCCESSFUL_SHA"] = prevSHA
	return ec
}

// SetEnv records a key/value pair that subsequent actions of the same chain
// will observe.
func (ec *ExecutionContext) SetEnv(key, value string) {
	ec.env[key] = value
}

// Env returns the value propagated under key, if any.
func (ec *ExecutionContext) Env(key string) (string, bool) {
	v, ok := ec.env[key]
	return v, ok
}

// Environ renders the context environment as KEY=VALUE pairs in stable order.
func (ec *ExecutionContext) Environ() []string {
	keys := make([]string, 0, len(ec.env))
	for k := range ec.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, ec.env[k]))
	}
	return pairs
}
