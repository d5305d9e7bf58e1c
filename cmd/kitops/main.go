package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kitops/internal/api"
	"kitops/internal/config"
	"kitops/internal/core"
	"kitops/internal/gitrepo"
	"kitops/internal/github"
	"kitops/internal/logging"
	"kitops/internal/notify"
	"kitops/internal/state"
	"kitops/internal/store"
)

const shutdownGrace = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := config.ParseArgs(os.Args[1:])
	if err != nil {
		log.Printf("invalid invocation: %v", err)
		return 2
	}
	resolved, err := config.Load(opts)
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		return 2
	}

	logger := logging.New(opts.LogLevel)

	tasks, err := wireTasks(resolved, logger)
	if err != nil {
		logger.Error("wire tasks", "err", err)
		return 2
	}

	stateStore, err := state.Load(opts.StateFile)
	if err != nil {
		logger.Error("load state", "err", err)
		return 1
	}
	for _, id := range stateStore.Reconcile(tasks) {
		logger.Info("task configuration changed, state reset", "task", id)
	}

	baseCtx := context.Background()
	history, err := store.Open(baseCtx, opts.HistoryDB)
	if err != nil {
		logger.Error("open run history", "err", err)
		return 1
	}
	defer history.Close()

	gateway := gitrepo.New(logger)
	runner := core.NewRunner(logger)
	scheduler := core.NewScheduler(tasks, gateway, runner, stateStore, history, logger)

	ctx, stop := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.PollOnce {
		failed, err := scheduler.PollOnce(ctx)
		if err != nil {
			logger.Error("poll once", "err", err)
			return 1
		}
		if failed > 0 {
			logger.Error("tasks failed", "count", failed)
			return 1
		}
		return 0
	}

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("start scheduler", "err", err)
		return 2
	}

	serverErr := make(chan error, 1)
	var server *api.Server
	if opts.Addr != "" {
		server = api.NewServer(opts.Addr, opts.AuthToken, scheduler, history, logger)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-serverErr:
		logger.Error("status api server", "err", err)
		stop()
		exitCode = 1
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(baseCtx, shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("status api shutdown", "err", err)
		}
	}

	// Stop halts the firing loop, waits for runs to drain (they are
	// canceled through ctx) and flushes state.
	scheduler.Stop()
	logger.Info("shutdown complete")
	return exitCode
}

// wireTasks attaches auth providers and notifiers to the resolved tasks.
func wireTasks(resolved []config.ResolvedTask, logger *slog.Logger) ([]*core.TaskDefinition, error) {
	tasks := make([]*core.TaskDefinition, 0, len(resolved))
	for i := range resolved {
		rt := &resolved[i]
		def := rt.Def

		var auth *github.AppAuth
		if rt.Github != nil {
			a, err := github.NewAppAuth(rt.Github.AppID, rt.Github.PrivateKeyFile)
			if err != nil {
				return nil, err
			}
			auth = a
			def.Auth = a
		}

		for _, spec := range rt.Notify {
			switch {
			case spec.Log != nil:
				def.Notifiers = append(def.Notifiers, &notify.LogNotifier{Logger: logger})
			case spec.Shell != nil:
				def.Notifiers = append(def.Notifiers, &notify.ShellNotifier{Command: spec.Shell.Command, Logger: logger})
			case spec.GithubStatus != nil:
				slug, err := github.RepoSlug(def.GitURL)
				if err != nil {
					return nil, core.Errorf(core.ErrConfig, "task %s: github-status notifier: %w", def.ID, err)
				}
				statusContext := spec.GithubStatus.Context
				if statusContext == "" {
					statusContext = rt.Github.StatusContext
				}
				if statusContext == "" {
					statusContext = "kitops"
				}
				def.Notifiers = append(def.Notifiers, &notify.StatusNotifier{
					Auth:    auth,
					Slug:    slug,
					Context: statusContext,
				})
			}
		}
		tasks = append(tasks, &def)
	}
	return tasks, nil
}
