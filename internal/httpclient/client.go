// Package httpclient wraps net/http with the conventions every Cloud call
// in this agent shares: bearer token injection, JSON marshaling, a default
// 30s timeout surfaced as buffet/deadline_exceeded, and the single-retry
// 401-retry-once rule.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"deviceagent/internal/agenterr"
	"deviceagent/internal/token"
)

// DefaultTimeout is the per-request timeout applied when the caller's
// context carries no earlier deadline.
const DefaultTimeout = 30 * time.Second

// Client performs authenticated JSON requests against Cloud endpoints.
type Client struct {
	http   *http.Client
	tokens *token.Manager
	logger *slog.Logger
}

// New builds a Client. tokens may be nil for unauthenticated calls (none
// exist in this agent's Cloud surface today, but the zero value is safe).
func New(httpClient *http.Client, tokens *token.Manager, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient, tokens: tokens, logger: logger}
}

// serverError is the shape Cloud endpoints use to report request failures.
type serverError struct {
	Error struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DoJSON issues method against url with body marshaled as the JSON request
// payload (nil for none), decodes a JSON response into out (nil to
// discard), and injects `Authorization: Bearer <access_token>`. A single
// retry is attempted after a 401 following a forced token refresh; a
// second 401 is surfaced as buffet/unauthorized.
func (c *Client) DoJSON(ctx context.Context, method, url string, body, out any) error {
	if c.tokens == nil {
		return c.doOnce(ctx, method, url, body, out, "")
	}

	accessToken, _, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		return err
	}

	err = c.doOnce(ctx, method, url, body, out, accessToken)
	if !isUnauthorized(err) {
		return err
	}

	c.tokens.Invalidate()
	accessToken, _, refreshErr := c.tokens.GetAccessToken(ctx)
	if refreshErr != nil {
		return refreshErr
	}

	err = c.doOnce(ctx, method, url, body, out, accessToken)
	if isUnauthorized(err) {
		return agenterr.New(agenterr.DomainBuffet, agenterr.CodeUnauthorized, "unauthorized after refresh+retry")
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, url string, body, out any, accessToken string) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return agenterr.Wrap(agenterr.DomainBuffet, "", "encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return agenterr.Wrap(agenterr.DomainNetwork, "", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return agenterr.Wrap(agenterr.DomainBuffet, agenterr.CodeDeadlineExceeded, method+" "+url+" timed out", err)
		}
		return agenterr.Wrap(agenterr.DomainNetwork, "", method+" "+url+" failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return agenterr.Wrap(agenterr.DomainNetwork, "", "read response body", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return agenterr.New(agenterr.DomainGCDServer, agenterr.CodeUnauthorized, "401 from "+url)
	}
	if resp.StatusCode >= 400 {
		return classifyServerError(resp.StatusCode, url, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return agenterr.Wrap(agenterr.DomainNetwork, "", "decode response body", err)
		}
	}
	return nil
}

func classifyServerError(status int, url string, data []byte) error {
	var se serverError
	_ = json.Unmarshal(data, &se)

	code := fmt.Sprintf("http_%d", status)
	if se.Error.Code != nil {
		code = fmt.Sprint(se.Error.Code)
	}
	message := se.Error.Message
	if message == "" {
		message = fmt.Sprintf("%d response from %s", status, url)
	}
	return agenterr.New(agenterr.DomainGCDServer, code, message)
}

func isUnauthorized(err error) bool {
	var e *agenterr.Error
	for err != nil {
		if v, ok := err.(*agenterr.Error); ok {
			e = v
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	if e == nil {
		return false
	}
	return e.Domain == agenterr.DomainGCDServer && e.Code == agenterr.CodeUnauthorized
}
