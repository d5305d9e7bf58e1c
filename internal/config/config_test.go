package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"kitops/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kitops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func baseOptions() *Options {
	return &Options{
		StateFile: "./state.yaml",
		RepoDir:   "./repos",
		Branch:    "main",
	}
}

func TestLoadRequiresUrlAndActionOrConfigFile(t *testing.T) {
	_, err := Load(baseOptions())
	require.Error(t, err)
	assert.Equal(t, core.ErrConfig, core.KindOf(err))

	opts := baseOptions()
	opts.URL = "file:///tmp/repo"
	_, err = Load(opts)
	require.Error(t, err, "url without action is incomplete")

	opts = baseOptions()
	opts.ConfigFile = "kitops.yaml"
	opts.URL = "file:///tmp/repo"
	opts.Actions = []string{"true"}
	_, err = Load(opts)
	require.Error(t, err, "config file and ad-hoc flags conflict")
}

func TestLoadRejectsPollOnceWithInterval(t *testing.T) {
	opts := baseOptions()
	opts.URL = "https://github.com/org/repo"
	opts.Actions = []string{"true"}
	opts.PollOnce = true
	opts.Interval = time.Minute
	_, err := Load(opts)
	require.Error(t, err)
	assert.Equal(t, core.ErrConfig, core.KindOf(err))
}

func TestLoadAdhocTask(t *testing.T) {
	opts := baseOptions()
	opts.URL = "https://github.com/org/repo.git"
	opts.Actions = []string{"./deploy.sh", "./verify.sh"}
	opts.Env = []string{"STAGE=prod"}

	tasks, err := Load(opts)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	def := tasks[0].Def
	assert.Equal(t, "org-repo", def.ID)
	assert.Equal(t, "main", def.Branch)
	assert.Equal(t, 60*time.Second, def.Interval)
	assert.Equal(t, time.Hour, def.Timeout)
	require.Len(t, def.Actions, 2)
	assert.Equal(t, "./deploy.sh", def.Actions[0].Command)
	assert.Equal(t, map[string]string{"STAGE": "prod"}, def.Actions[0].Env)
}

func TestLoadMinimumConfigFile(t *testing.T) {
	opts := baseOptions()
	opts.ConfigFile = writeConfig(t, `tasks:
  - name: testo
    git:
      url: https://github.com/org/repo
    actions:
      - shell: ls
`)
	tasks, err := Load(opts)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "testo", tasks[0].Def.ID)
	assert.Equal(t, "main", tasks[0].Def.Branch)
	assert.Equal(t, 60*time.Second, tasks[0].Def.Interval)
	assert.Equal(t, time.Hour, tasks[0].Def.Timeout)
}

func TestLoadFullConfigFile(t *testing.T) {
	opts := baseOptions()
	opts.ConfigFile = writeConfig(t, `tasks:
  - name: deploy-prod
    git:
      url: git@github.com:org/repo.git
      branch: release
    interval: 1m2s
    timeout: 10m
    actions:
      - name: deploy
        shell: "./deploy.sh"
        timeout: 5m
        working_dir: deploy
        inherit_env: true
        env:
          STAGE: prod
    github:
      app_id: 1234
      private_key_file: /etc/kitops/key.pem
    notify:
      - github-status:
          context: deploy/production
      - log: {}
`)
	tasks, err := Load(opts)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	def := tasks[0].Def
	assert.Equal(t, "deploy-prod", def.ID)
	assert.Equal(t, "release", def.Branch)
	assert.Equal(t, 62*time.Second, def.Interval)
	assert.Equal(t, 10*time.Minute, def.Timeout)
	require.Len(t, def.Actions, 1)
	assert.Equal(t, "deploy", def.Actions[0].Name)
	assert.Equal(t, 5*time.Minute, def.Actions[0].Timeout)
	assert.Equal(t, "deploy", def.Actions[0].WorkingSubdir)
	assert.True(t, def.Actions[0].InheritEnv)

	require.NotNil(t, tasks[0].Github)
	assert.Equal(t, int64(1234), tasks[0].Github.AppID)
	require.Len(t, tasks[0].Notify, 2)
	require.NotNil(t, tasks[0].Notify[0].GithubStatus)
	assert.Equal(t, "deploy/production", tasks[0].Notify[0].GithubStatus.Context)
	require.NotNil(t, tasks[0].Notify[1].Log)
}

func TestDurationRejectsBareIntegers(t *testing.T) {
	var d Duration
	require.Error(t, yaml.Unmarshal([]byte("30"), &d))
	require.Error(t, yaml.Unmarshal([]byte("{secs: 30, nanos: 0}"), &d))
	require.NoError(t, yaml.Unmarshal([]byte(`"30s"`), &d))
	assert.Equal(t, 30*time.Second, time.Duration(d))
	require.NoError(t, yaml.Unmarshal([]byte("5m"), &d))
	assert.Equal(t, 5*time.Minute, time.Duration(d))
}

func TestParseFileRejectsUnknownFields(t *testing.T) {
	_, err := parseFile([]byte(`tasks:
  - name: testo
    repo: wrong-key
`))
	require.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name   string
		config string
	}{
		{"no actions", `tasks:
  - name: testo
    git:
      url: https://example.com/org/repo
    actions: []
`},
		{"interval too short", `tasks:
  - name: testo
    git:
      url: https://example.com/org/repo
    interval: 500ms
    actions:
      - shell: ls
`},
		{"escaping working dir", `tasks:
  - name: testo
    git:
      url: https://example.com/org/repo
    actions:
      - shell: ls
        working_dir: ../../etc
`},
		{"status notifier without auth", `tasks:
  - name: testo
    git:
      url: https://example.com/org/repo
    actions:
      - shell: ls
    notify:
      - github-status:
          context: ci
`},
		{"ambiguous notifier", `tasks:
  - name: testo
    git:
      url: https://example.com/org/repo
    actions:
      - shell: ls
    notify:
      - log: {}
        shell:
          command: notify-send
`},
		{"github auth missing key file", `tasks:
  - name: testo
    git:
      url: https://example.com/org/repo
    actions:
      - shell: ls
    github:
      app_id: 1234
`},
		{"bad cron expression", `tasks:
  - name: testo
    git:
      url: https://example.com/org/repo
    schedule: "@hourly"
    actions:
      - shell: ls
`},
		{"duplicate ids", `tasks:
  - name: Deploy Prod
    git:
      url: https://example.com/org/repo
    actions:
      - shell: ls
  - name: deploy-prod
    git:
      url: https://example.com/org/other
    actions:
      - shell: ls
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := baseOptions()
			opts.ConfigFile = writeConfig(t, tc.config)
			_, err := Load(opts)
			require.Error(t, err)
			assert.Equal(t, core.ErrConfig, core.KindOf(err))
		})
	}
}

func TestGlobalGithubFlagsApplyAsFallback(t *testing.T) {
	opts := baseOptions()
	opts.GithubAppID = 99
	opts.GithubPrivateKeyFile = "/etc/kitops/key.pem"
	opts.ConfigFile = writeConfig(t, `tasks:
  - name: testo
    git:
      url: https://github.com/org/repo
    actions:
      - shell: ls
    notify:
      - github-status:
          context: ci
`)
	tasks, err := Load(opts)
	require.NoError(t, err)
	require.NotNil(t, tasks[0].Github)
	assert.Equal(t, int64(99), tasks[0].Github.AppID)
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"deploy-prod":    "deploy-prod",
		"Deploy Prod":    "deploy-prod",
		"org/repo":       "org-repo",
		"  padded  ":     "padded",
		"weird___chars!": "weird-chars",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), "slug of %q", in)
	}
}

func TestParseArgs(t *testing.T) {
	opts, err := ParseArgs([]string{
		"--url", "https://github.com/org/repo",
		"--action", "./deploy.sh",
		"--action", "./verify.sh",
		"--branch", "release",
		"--interval", "30s",
		"--timeout", "5m",
		"--poll-once",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/org/repo", opts.URL)
	assert.Equal(t, []string{"./deploy.sh", "./verify.sh"}, opts.Actions)
	assert.Equal(t, "release", opts.Branch)
	assert.Equal(t, 30*time.Second, opts.Interval)
	assert.Equal(t, 5*time.Minute, opts.Timeout)
	assert.True(t, opts.PollOnce)
	assert.Equal(t, filepath.Join(".", "history.db"), opts.HistoryDB)
}

func TestParseArgsRejectsBadDuration(t *testing.T) {
	_, err := ParseArgs([]string{"--interval", "30"})
	require.Error(t, err)
}
