package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-sync/internal/config"
)

// IssueUpdate is the partial update pushed to the remote tracker. Assignee
// distinguishes "set to this id", "clear the assignee" and "leave untouched":
// a nil pointer omits the field, a pointer to zero sends an explicit null.
type IssueUpdate struct {
	StatusID int
	Notes    string
	Assignee *int
}

func (u IssueUpdate) payload() map[string]any {
	issue := map[string]any{}
	if u.StatusID > 0 {
		issue["status_id"] = u.StatusID
	}
	if u.Notes != "" {
		issue["notes"] = u.Notes
	}
	if u.Assignee != nil {
		if *u.Assignee > 0 {
			issue["assigned_to_id"] = *u.Assignee
		} else {
			issue["assigned_to_id"] = nil
		}
	}
	return map[string]any{"issue": issue}
}

// Client talks to a Redmine-compatible issue tracker. Calls are best effort:
// they return a boolean and never an error, so the ticket lifecycle is not
// coupled to tracker availability.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(cfg config.TrackerConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout()},
		logger:  logger,
	}
}

// UpdateIssue PUTs the update to /issues/{id}.json, retrying with the
// family's fixed delay and attempt limit. A 404 counts as success: the
// remote issue is gone and there is nothing left to reconcile. A 422 is
// terminal and not retried.
func (c *Client) UpdateIssue(ctx context.Context, family *config.Family, issueID int64, update IssueUpdate) bool {
	if c.baseURL == "" {
		c.logger.Warn("tracker not configured", zap.String("family", family.Name))
		return false
	}

	body, err := json.Marshal(update.payload())
	if err != nil {
		c.logger.Error("encode tracker payload", zap.Error(err))
		return false
	}

	attempts := family.Tracker.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	operation := func() (bool, error) {
		ok, err := c.putIssue(ctx, issueID, body)
		if err != nil {
			c.logger.Warn("tracker update attempt failed",
				zap.String("family", family.Name),
				zap.Int64("issue", issueID),
				zap.Error(err))
			return false, err
		}
		return ok, nil
	}

	ok, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(family.Tracker.RetryDelay())),
		backoff.WithMaxTries(uint(attempts)))
	if err != nil {
		c.logger.Error("tracker update exhausted",
			zap.String("family", family.Name),
			zap.Int64("issue", issueID),
			zap.Error(err))
		return false
	}
	return ok
}

func (c *Client) putIssue(ctx context.Context, issueID int64, body []byte) (bool, error) {
	url := fmt.Sprintf("%s/issues/%d.json", c.baseURL, issueID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return false, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Redmine-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		c.logger.Info("tracker issue already gone", zap.Int64("issue", issueID))
		return true, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return false, backoff.Permanent(fmt.Errorf("tracker rejected update: status %d", resp.StatusCode))
	default:
		return false, fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}
}

// Ping checks tracker reachability for health reporting.
func (c *Client) Ping(ctx context.Context) bool {
	if c.baseURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/issues.json?limit=1", nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-Redmine-API-Key", c.apiKey)
	pc := &http.Client{Timeout: 5 * time.Second}
	resp, err := pc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
