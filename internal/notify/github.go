package notify

import (
	"context"
	"fmt"

	"kitops/internal/core"
	"kitops/internal/github"
)

// StatusNotifier surfaces run outcomes as GitHub commit statuses under a
// configured context label.
type StatusNotifier struct {
	Auth    *github.AppAuth
	Slug    string
	Context string
}

func (n *StatusNotifier) Name() string {
	return "github-status"
}

func (n *StatusNotifier) Notify(ctx context.Context, event core.Event, reason string, ec *core.ExecutionContext) error {
	var state github.Status
	var description string
	switch event {
	case core.EventStarted:
		state = github.StatusPending
		if ec.PrevSHA == "" {
			description = fmt.Sprintf("running %s", ec.TaskID)
		} else {
			description = fmt.Sprintf("running %s [last success %s]", ec.TaskID, ec.PrevSHA)
		}
	case core.EventSucceeded:
		state = github.StatusSuccess
		description = fmt.Sprintf("%s succeeded", ec.TaskID)
	default:
		state = github.StatusFailure
		description = fmt.Sprintf("%s %s: %s", ec.TaskID, event, reason)
	}
	return n.Auth.PostCommitStatus(ctx, n.Slug, ec.SHA, state, n.Context, description)
}
