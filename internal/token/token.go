// Package token manages OAuth2 access tokens for Cloud calls: acquisition,
// transparent refresh, and classification of refresh failures.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"deviceagent/internal/agenterr"
)

// Credentials is the subset of Settings the token manager needs to perform
// a refresh_token grant.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// CredentialsSource returns the current credentials at refresh time, so the
// manager always uses the latest persisted values rather than a snapshot
// taken at construction.
type CredentialsSource func() (Credentials, error)

// refreshSkew is how far ahead of expiry GetAccessToken proactively refreshes.
const refreshSkew = 60 * time.Second

// Manager acquires and refreshes Cloud OAuth2 access tokens, coalescing
// concurrent callers into a single in-flight refresh request.
type Manager struct {
	oauthURL string
	source   CredentialsSource
	client   *http.Client

	mu      sync.Mutex
	token   string
	expiry  time.Time
	pending chan struct{}
	waitErr error
}

// New creates a Manager. oauthURL is the base OAuth2 endpoint (Settings'
// `oauth_url`); client performs the HTTP POST.
func New(oauthURL string, source CredentialsSource, client *http.Client) *Manager {
	return &Manager{
		oauthURL: oauthURL,
		source:   source,
		client:   client,
	}
}

// SetOAuthURL updates the base OAuth2 endpoint used by future refreshes,
// for when Settings' oauth_url is only known after construction (e.g. once
// loaded from the config store).
func (m *Manager) SetOAuthURL(oauthURL string) {
	m.mu.Lock()
	m.oauthURL = oauthURL
	m.mu.Unlock()
}

// GetAccessToken returns a valid access token, refreshing if the cached one
// is empty or within refreshSkew of expiry. Concurrent calls during a
// refresh await the single in-flight request rather than issuing their own.
func (m *Manager) GetAccessToken(ctx context.Context) (string, time.Time, error) {
	m.mu.Lock()
	if m.token != "" && time.Now().Add(refreshSkew).Before(m.expiry) {
		tok, exp := m.token, m.expiry
		m.mu.Unlock()
		return tok, exp, nil
	}
	if m.pending != nil {
		ch := m.pending
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return "", time.Time{}, agenterr.Wrap(agenterr.DomainBuffet, agenterr.CodeDeadlineExceeded, "waiting for token refresh", ctx.Err())
		}
		m.mu.Lock()
		tok, exp, err := m.token, m.expiry, m.waitErr
		m.mu.Unlock()
		if err != nil {
			return "", time.Time{}, err
		}
		return tok, exp, nil
	}

	ch := make(chan struct{})
	m.pending = ch
	m.mu.Unlock()

	tok, exp, err := m.refresh(ctx)

	m.mu.Lock()
	if err == nil {
		m.token, m.expiry = tok, exp
	}
	m.waitErr = err
	m.pending = nil
	m.mu.Unlock()
	close(ch)

	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

// Invalidate clears the cached access token, forcing the next
// GetAccessToken to refresh. Used after a second consecutive 401 or
// an explicit reset.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.expiry = time.Time{}
	m.mu.Unlock()
}

type oauthResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (m *Manager) refresh(ctx context.Context) (string, time.Time, error) {
	creds, err := m.source()
	if err != nil {
		return "", time.Time{}, agenterr.Wrap(agenterr.DomainBuffet, agenterr.CodeUnauthorized, "credentials unavailable", err)
	}
	if creds.RefreshToken == "" {
		return "", time.Time{}, agenterr.New(agenterr.DomainBuffet, agenterr.CodeUnauthorized, "refresh_token is empty")
	}

	body := EncodeWebParam([][2]string{
		{"grant_type", "refresh_token"},
		{"refresh_token", creds.RefreshToken},
		{"client_id", creds.ClientID},
		{"client_secret", creds.ClientSecret},
	})

	m.mu.Lock()
	oauthURL := m.oauthURL
	m.mu.Unlock()

	url := strings.TrimSuffix(oauthURL, "/") + "/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return "", time.Time{}, agenterr.Wrap(agenterr.DomainNetwork, "", "build refresh request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", time.Time{}, agenterr.Wrap(agenterr.DomainBuffet, agenterr.CodeDeadlineExceeded, "token refresh timed out", err)
		}
		return "", time.Time{}, agenterr.Wrap(agenterr.DomainNetwork, "", "token refresh request failed", err)
	}
	defer resp.Body.Close()

	var out oauthResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&out); decErr != nil {
		return "", time.Time{}, agenterr.Wrap(agenterr.DomainNetwork, "", "decode token response", decErr)
	}

	if out.Error != "" {
		return "", time.Time{}, agenterr.New(agenterr.DomainOAuth2, out.Error, out.ErrorDescription)
	}
	if resp.StatusCode >= 500 {
		return "", time.Time{}, agenterr.New(agenterr.DomainNetwork, fmt.Sprintf("http_%d", resp.StatusCode), "oauth server error")
	}
	if resp.StatusCode >= 400 {
		return "", time.Time{}, agenterr.New(agenterr.DomainOAuth2, fmt.Sprintf("http_%d", resp.StatusCode), "oauth request rejected")
	}
	if out.AccessToken == "" {
		return "", time.Time{}, agenterr.New(agenterr.DomainOAuth2, "", "empty access_token in response")
	}

	expiry := time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return out.AccessToken, expiry, nil
}

// Classification buckets a refresh failure for the controller's state
// machine.
type Classification int

const (
	// ClassTransient covers network errors, 5xx, deadline_exceeded, and any
	// unrecognized OAuth error code — the controller stays in `connecting`
	// and retries with backoff.
	ClassTransient Classification = iota
	// ClassInvalidCredentials covers OAuth errors that will never succeed
	// on retry — the controller moves to `invalid_credentials`.
	ClassInvalidCredentials
)

// Classify buckets err per the OAuth error-field classification table.
func Classify(err error) Classification {
	e, ok := asAgentError(err)
	if !ok || e.Domain != agenterr.DomainOAuth2 {
		return ClassTransient
	}
	switch e.Code {
	case agenterr.CodeInvalidGrant, agenterr.CodeInvalidClient, agenterr.CodeUnauthorizedClient, agenterr.CodeAccessDenied,
		agenterr.CodeInvalidRequest, agenterr.CodeUnsupportedGrant:
		return ClassInvalidCredentials
	default:
		return ClassTransient
	}
}

func asAgentError(err error) (*agenterr.Error, bool) {
	for err != nil {
		if e, ok := err.(*agenterr.Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
