package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"kitops/internal/core"
)

// Status is a commit status state accepted by the GitHub statuses API.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// PostCommitStatus sets the status of a commit under the given context label.
func (a *AppAuth) PostCommitStatus(ctx context.Context, slug, sha string, status Status, statusContext, description string) error {
	token, err := a.Token(ctx, slug)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{
		"state":       string(status),
		"context":     statusContext,
		"description": truncateDescription(description),
	})
	if err != nil {
		return fmt.Errorf("marshal status payload: %w", err)
	}
	endpoint := fmt.Sprintf("%s/repos/%s/statuses/%s", a.baseURL, slug, sha)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	resp, err := a.client.Do(req)
	if err != nil {
		return core.Errorf(core.ErrNetwork, "post status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return core.Errorf(core.ErrAuth, "status api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// The statuses API rejects descriptions over 140 characters.
func truncateDescription(s string) string {
	if len(s) <= 140 {
		return s
	}
	return s[:137] + "..."
}
