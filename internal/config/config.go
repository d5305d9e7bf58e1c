// Package config normalizes CLI flags, environment variables and the YAML
// config file into validated task definitions.
// Priority: CLI flags > environment variables > .env file > defaults.
package config

import (
	"bytes"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"kitops/internal/core"
)

const (
	defaultStateFile = "./state.yaml"
	defaultRepoDir   = "./repos"
	defaultBranch    = "main"
	defaultLogLevel  = "info"
	defaultInterval  = 60 * time.Second
	defaultTimeout   = time.Hour
)

// Options is the flat result of CLI and environment parsing.
type Options struct {
	ConfigFile string
	StateFile  string
	RepoDir    string
	HistoryDB  string

	// Ad-hoc task definition
	URL     string
	Branch  string
	Actions []string
	Env     []string

	PollOnce bool
	Interval time.Duration
	Timeout  time.Duration

	GithubAppID          int64
	GithubPrivateKeyFile string
	GithubStatusContext  string

	LogLevel  string
	Addr      string
	AuthToken string
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// ParseArgs resolves options from args and the environment. A .env file in
// the working directory is loaded first; the real environment wins over it,
// flags win over both.
func ParseArgs(args []string) (*Options, error) {
	_ = godotenv.Load() // optional

	opts := &Options{
		StateFile: getEnvString("KITOPS_STATE_FILE", defaultStateFile),
		RepoDir:   getEnvString("KITOPS_REPO_DIR", defaultRepoDir),
		HistoryDB: getEnvString("KITOPS_HISTORY_DB", ""),
		LogLevel:  getEnvString("KITOPS_LOG_LEVEL", defaultLogLevel),
		Addr:      getEnvString("KITOPS_ADDR", ""),
		AuthToken: getEnvString("KITOPS_AUTH_TOKEN", ""),
	}

	fs := flag.NewFlagSet("kitops", flag.ContinueOnError)
	var actions, env stringList
	var appID string
	fs.StringVar(&opts.ConfigFile, "config-file", "", "YAML task configuration file")
	fs.StringVar(&opts.StateFile, "state-file", opts.StateFile, "Path where state is stored")
	fs.StringVar(&opts.RepoDir, "repo-dir", opts.RepoDir, "Directory to store git repos in")
	fs.StringVar(&opts.HistoryDB, "history-db", opts.HistoryDB, "Path to the run history database (defaults next to the state file)")
	fs.StringVar(&opts.URL, "url", "", "Git repository URL for an ad-hoc task")
	fs.StringVar(&opts.Branch, "branch", defaultBranch, "Branch to check out")
	fs.Var(&actions, "action", "Command to execute on change (repeatable, passed to /bin/sh)")
	fs.Var(&env, "env", "KEY=VALUE environment for ad-hoc actions (repeatable)")
	fs.BoolVar(&opts.PollOnce, "poll-once", false, "Examine every task once, run those that are due, then exit")
	fs.DurationVar(&opts.Interval, "interval", 0, "Check repos for changes at this interval (e.g. 1h, 30m, 10s)")
	fs.DurationVar(&opts.Timeout, "timeout", 0, "Max run time for repo fetch plus actions (e.g. 1h, 30m, 10s)")
	fs.StringVar(&appID, "github-app-id", "", "GitHub App ID for private repos and commit statuses")
	fs.StringVar(&opts.GithubPrivateKeyFile, "github-private-key-file", "", "GitHub App private key file")
	fs.StringVar(&opts.GithubStatusContext, "github-status-context", "", "Update GitHub commit statuses with this context")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.Addr, "addr", opts.Addr, "Listen address for the status API (empty disables it)")
	fs.StringVar(&opts.AuthToken, "auth-token", opts.AuthToken, "Bearer token guarding the status API")
	if err := fs.Parse(args); err != nil {
		return nil, core.Errorf(core.ErrConfig, "parse flags: %w", err)
	}
	opts.Actions = actions
	opts.Env = env
	if appID != "" {
		id, err := strconv.ParseInt(appID, 10, 64)
		if err != nil {
			return nil, core.Errorf(core.ErrConfig, "invalid --github-app-id %q", appID)
		}
		opts.GithubAppID = id
	}
	if opts.HistoryDB == "" {
		opts.HistoryDB = filepath.Join(filepath.Dir(opts.StateFile), "history.db")
	}
	return opts, nil
}

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// Duration is a YAML duration that only accepts human-readable strings such
// as 30s, 5m or 1h. Bare integers and structured forms are rejected.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode || value.Tag != "!!str" {
		return fmt.Errorf("duration must be a string like 30s, 5m or 1h")
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// File is the YAML configuration document.
type File struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec is one task entry in the config file.
type TaskSpec struct {
	Name     string       `yaml:"name"`
	Git      GitSpec      `yaml:"git"`
	Interval Duration     `yaml:"interval"`
	Schedule string       `yaml:"schedule"`
	Timeout  Duration     `yaml:"timeout"`
	Actions  []ActionSpec `yaml:"actions"`
	Notify   []NotifySpec `yaml:"notify"`
	Github   *GithubSpec  `yaml:"github"`
}

type GitSpec struct {
	URL    string `yaml:"url"`
	Branch string `yaml:"branch"`
}

type ActionSpec struct {
	Name       string            `yaml:"name"`
	Shell      string            `yaml:"shell"`
	WorkingDir string            `yaml:"working_dir"`
	Timeout    Duration          `yaml:"timeout"`
	InheritEnv bool              `yaml:"inherit_env"`
	Env        map[string]string `yaml:"env"`
}

// NotifySpec is a tagged variant: exactly one of the fields is set.
type NotifySpec struct {
	Log          *LogNotifySpec          `yaml:"log"`
	GithubStatus *GithubStatusNotifySpec `yaml:"github-status"`
	Shell        *ShellNotifySpec        `yaml:"shell"`
}

type LogNotifySpec struct{}

type GithubStatusNotifySpec struct {
	Context string `yaml:"context"`
}

type ShellNotifySpec struct {
	Command string `yaml:"command"`
}

type GithubSpec struct {
	AppID          int64  `yaml:"app_id"`
	PrivateKeyFile string `yaml:"private_key_file"`
	StatusContext  string `yaml:"status_context"`
}

// ResolvedTask couples a task definition with the notification and auth
// wiring the entry point still has to perform.
type ResolvedTask struct {
	Def    core.TaskDefinition
	Github *GithubSpec
	Notify []NotifySpec
}

// Load validates the option combination and produces the task set. Exactly
// one of the config file and the ad-hoc flags must be used.
func Load(opts *Options) ([]ResolvedTask, error) {
	haveAdhoc := opts.URL != "" || len(opts.Actions) > 0 || len(opts.Env) > 0
	switch {
	case opts.ConfigFile != "" && haveAdhoc:
		return nil, core.Errorf(core.ErrConfig, "provide --url and --action or --config-file, not both")
	case opts.ConfigFile == "" && (opts.URL == "" || len(opts.Actions) == 0):
		return nil, core.Errorf(core.ErrConfig, "provide --url and --action or --config-file")
	}
	if opts.PollOnce && opts.Interval != 0 {
		return nil, core.Errorf(core.ErrConfig, "provide --interval or --poll-once, not both")
	}

	var tasks []ResolvedTask
	var err error
	if opts.ConfigFile != "" {
		tasks, err = tasksFromFile(opts)
	} else {
		tasks, err = tasksFromOpts(opts)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]string)
	for i := range tasks {
		if err := validateTask(&tasks[i]); err != nil {
			return nil, err
		}
		if prev, dup := seen[tasks[i].Def.ID]; dup {
			return nil, core.Errorf(core.ErrConfig, "tasks %q and %q map to the same id %s", prev, tasks[i].Def.Name, tasks[i].Def.ID)
		}
		seen[tasks[i].Def.ID] = tasks[i].Def.Name
	}
	return tasks, nil
}

func tasksFromFile(opts *Options) ([]ResolvedTask, error) {
	data, err := os.ReadFile(opts.ConfigFile)
	if err != nil {
		return nil, core.Errorf(core.ErrConfig, "read config file: %w", err)
	}
	file, err := parseFile(data)
	if err != nil {
		return nil, err
	}
	if len(file.Tasks) == 0 {
		return nil, core.Errorf(core.ErrConfig, "config file defines no tasks")
	}
	tasks := make([]ResolvedTask, 0, len(file.Tasks))
	for _, spec := range file.Tasks {
		tasks = append(tasks, buildTask(spec, opts))
	}
	return tasks, nil
}

// parseFile decodes the YAML document, rejecting unknown fields.
func parseFile(data []byte) (*File, error) {
	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, core.Errorf(core.ErrConfig, "malformed configuration: %w", err)
	}
	return &file, nil
}

func tasksFromOpts(opts *Options) ([]ResolvedTask, error) {
	env := make(map[string]string, len(opts.Env))
	for _, pair := range opts.Env {
		key, val, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, core.Errorf(core.ErrConfig, "invalid --env %q, want KEY=VALUE", pair)
		}
		env[key] = val
	}
	spec := TaskSpec{
		Name: nameFromURL(opts.URL),
		Git:  GitSpec{URL: opts.URL, Branch: opts.Branch},
	}
	for _, command := range opts.Actions {
		spec.Actions = append(spec.Actions, ActionSpec{Shell: command, Env: env})
	}
	if opts.GithubStatusContext != "" {
		spec.Notify = append(spec.Notify, NotifySpec{
			GithubStatus: &GithubStatusNotifySpec{Context: opts.GithubStatusContext},
		})
	}
	return []ResolvedTask{buildTask(spec, opts)}, nil
}

func buildTask(spec TaskSpec, opts *Options) ResolvedTask {
	branch := spec.Git.Branch
	if branch == "" {
		branch = defaultBranch
	}
	interval := time.Duration(spec.Interval)
	if interval == 0 {
		interval = opts.Interval
	}
	if interval == 0 {
		interval = defaultInterval
	}
	timeout := time.Duration(spec.Timeout)
	if timeout == 0 {
		timeout = opts.Timeout
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}

	def := core.TaskDefinition{
		ID:       Slug(spec.Name),
		Name:     spec.Name,
		GitURL:   spec.Git.URL,
		Branch:   branch,
		RepoDir:  opts.RepoDir,
		Interval: interval,
		Schedule: spec.Schedule,
		Timeout:  timeout,
	}
	for _, a := range spec.Actions {
		def.Actions = append(def.Actions, core.Action{
			Name:          a.Name,
			Command:       a.Shell,
			WorkingSubdir: a.WorkingDir,
			Timeout:       time.Duration(a.Timeout),
			InheritEnv:    a.InheritEnv,
			Env:           a.Env,
		})
	}

	github := spec.Github
	if github == nil && opts.GithubAppID != 0 {
		github = &GithubSpec{
			AppID:          opts.GithubAppID,
			PrivateKeyFile: opts.GithubPrivateKeyFile,
			StatusContext:  opts.GithubStatusContext,
		}
	}
	return ResolvedTask{Def: def, Github: github, Notify: spec.Notify}
}

func validateTask(task *ResolvedTask) error {
	def := &task.Def
	if def.Name == "" {
		return core.Errorf(core.ErrConfig, "task with url %q has no name", def.GitURL)
	}
	if def.ID == "" {
		return core.Errorf(core.ErrConfig, "task name %q yields an empty id", def.Name)
	}
	if def.GitURL == "" {
		return core.Errorf(core.ErrConfig, "task %s: git url is required", def.Name)
	}
	if len(def.Actions) == 0 {
		return core.Errorf(core.ErrConfig, "task %s: at least one action is required", def.Name)
	}
	if def.Interval < time.Second {
		return core.Errorf(core.ErrConfig, "task %s: interval must be at least 1s", def.Name)
	}
	if def.Timeout < time.Second {
		return core.Errorf(core.ErrConfig, "task %s: timeout must be at least 1s", def.Name)
	}
	if def.Schedule != "" {
		if _, err := core.ParseCron(def.Schedule); err != nil {
			return core.Errorf(core.ErrConfig, "task %s: %w", def.Name, err)
		}
	}
	for i, a := range def.Actions {
		if a.Command == "" {
			return core.Errorf(core.ErrConfig, "task %s: action %d has no command", def.Name, i)
		}
		if a.WorkingSubdir != "" && (filepath.IsAbs(a.WorkingSubdir) || !filepath.IsLocal(a.WorkingSubdir)) {
			return core.Errorf(core.ErrConfig, "task %s: action %d working_dir %q escapes the worktree", def.Name, i, a.WorkingSubdir)
		}
		if a.Timeout != 0 && a.Timeout < time.Second {
			return core.Errorf(core.ErrConfig, "task %s: action %d timeout must be at least 1s", def.Name, i)
		}
	}
	for i, n := range task.Notify {
		count := 0
		if n.Log != nil {
			count++
		}
		if n.GithubStatus != nil {
			count++
		}
		if n.Shell != nil {
			count++
		}
		if count != 1 {
			return core.Errorf(core.ErrConfig, "task %s: notify entry %d must set exactly one of log, github-status, shell", def.Name, i)
		}
		if n.GithubStatus != nil && task.Github == nil {
			return core.Errorf(core.ErrConfig, "task %s: github-status notifier requires github app credentials", def.Name)
		}
		if n.Shell != nil && n.Shell.Command == "" {
			return core.Errorf(core.ErrConfig, "task %s: shell notifier has no command", def.Name)
		}
	}
	if task.Github != nil {
		if task.Github.AppID == 0 || task.Github.PrivateKeyFile == "" {
			return core.Errorf(core.ErrConfig, "task %s: github auth needs both app_id and private_key_file", def.Name)
		}
	}
	return nil
}

// Slug derives the stable task id from the human-given name.
func Slug(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// nameFromURL names the ad-hoc task after the repository path.
func nameFromURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	}
	return raw
}
