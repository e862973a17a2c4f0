// Package notify posts best-effort JSON notifications to an external service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oxidizr/xagent/internal/config"
	"github.com/oxidizr/xagent/internal/core/constants"
	"github.com/oxidizr/xagent/internal/core/domain"
	"github.com/oxidizr/xagent/internal/logger"
	"github.com/oxidizr/xagent/internal/util"
)

const maxRetryInterval = 8 * time.Second

// Client retries transient failures with exponential backoff capped at 8s.
// The whole attempt train is bounded by the configured total timeout; a
// notify failure is recorded, never propagated as a job failure.
type Client struct {
	cfg    config.NotifyConfig
	http   *http.Client
	logger *logger.StyledLogger
}

func NewClient(cfg config.NotifyConfig, log *logger.StyledLogger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: log,
	}
}

// Enabled reports whether a notify endpoint is configured.
func (c *Client) Enabled() bool {
	return c.cfg.URL != ""
}

// NotifyIssued posts the issued-client payload. The returned info lands in
// the job result document verbatim.
func (c *Client) NotifyIssued(ctx context.Context, issued domain.IssuedClient) domain.NotifyInfo {
	if !c.Enabled() {
		return domain.NotifyInfo{Skipped: true, Reason: "notify url not configured"}
	}

	status, err := c.post(ctx, util.NormaliseBaseURL(c.cfg.URL), issued)
	if err != nil {
		c.logger.Warn("Notify delivery failed",
			"email", domain.MaskEmail(issued.Email), "error", err)
		return domain.NotifyInfo{StatusCode: status, Reason: err.Error()}
	}
	return domain.NotifyInfo{StatusCode: status}
}

// NotifyGuard posts a guard policy message (warn, ban, thanks).
func (c *Client) NotifyGuard(ctx context.Context, email, kind, text string) error {
	if !c.Enabled() {
		return nil
	}

	payload := map[string]string{
		"email": email,
		"kind":  kind,
		"text":  text,
	}
	_, err := c.post(ctx, util.NormaliseBaseURL(c.cfg.URL), payload)
	return err
}

func (c *Client) post(ctx context.Context, url string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal notify payload: %w", err)
	}

	totalCtx := ctx
	if c.cfg.TotalTimeout > 0 {
		var cancel context.CancelFunc
		totalCtx, cancel = context.WithTimeout(ctx, c.cfg.TotalTimeout)
		defer cancel()
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxRetryInterval

	retries := c.cfg.Retries
	if retries < 1 {
		retries = 1
	}

	var lastStatus int
	attempt := func() error {
		req, err := http.NewRequestWithContext(totalCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set(constants.HeaderContentType, constants.ContentTypeJSON)
		if c.cfg.APIKey != "" {
			req.Header.Set("X-API-Key", c.cfg.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
		}()

		lastStatus = resp.StatusCode
		if resp.StatusCode >= 500 {
			return fmt.Errorf("notify endpoint returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// Client errors won't heal on retry.
			return backoff.Permanent(fmt.Errorf("notify endpoint returned %d", resp.StatusCode))
		}
		return nil
	}

	err = backoff.Retry(attempt,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries-1)), totalCtx))
	return lastStatus, err
}
