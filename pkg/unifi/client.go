// Package unifi provides an authenticated client for the UDM controller's
// port-forward rule collection. It hides the session mechanics: cookie jar,
// CSRF token capture, single-flight login, and one automatic re-login when a
// session expires mid-request.
package unifi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
)

const (
	defaultTimeout = 15 * time.Second
	loginPath      = "/api/auth/login"
	csrfHeader     = "X-Csrf-Token"
	csrfCookie     = "csrf_token"
	maxErrorBody   = 512
)

// loginFlight coordinates concurrent callers waiting on a single login call.
type loginFlight struct {
	done chan struct{}
	err  error
}

// sessionJar is the http.Client's cookie jar for the whole client lifetime.
// The backing jar is swapped under a lock on login and invalidation, so
// requests in flight during a re-login never race on the Jar field itself.
type sessionJar struct {
	mu  sync.Mutex
	jar http.CookieJar
}

// reset replaces the backing jar with a fresh, empty one.
func (s *sessionJar) reset() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jar = jar
	s.mu.Unlock()
	return nil
}

// drop discards all cookies. Requests made before the next reset carry none.
func (s *sessionJar) drop() {
	s.mu.Lock()
	s.jar = nil
	s.mu.Unlock()
}

func (s *sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.mu.Lock()
	jar := s.jar
	s.mu.Unlock()
	if jar != nil {
		jar.SetCookies(u, cookies)
	}
}

func (s *sessionJar) Cookies(u *url.URL) []*http.Cookie {
	s.mu.Lock()
	jar := s.jar
	s.mu.Unlock()
	if jar == nil {
		return nil
	}
	return jar.Cookies(u)
}

// Client is an authenticated session wrapper around the controller's
// port-forward endpoint.
type Client struct {
	baseURL  string
	site     string
	username string
	password string
	http     *http.Client
	jar      *sessionJar
	logger   *zap.Logger

	mu        sync.Mutex
	csrfToken string
	inflight  *loginFlight
}

// NewClient creates a Client for the given controller. No login is performed
// until the first request.
func NewClient(baseURL, site, username, password string, allowSelfSigned bool, logger *zap.Logger) *Client {
	transport := http.DefaultTransport
	if allowSelfSigned {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	jar := &sessionJar{}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		site:     site,
		username: username,
		password: password,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: transport,
			Jar:       jar,
		},
		jar:    jar,
		logger: logger,
	}
}

// rulesPath returns the site-scoped port-forward collection path.
func (c *Client) rulesPath() string {
	return fmt.Sprintf("/proxy/network/api/s/%s/rest/portforward", c.site)
}

// ensureAuthenticated makes sure a CSRF token is held, performing at most one
// login at a time. Concurrent callers all await the same in-flight login.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	c.mu.Lock()
	if c.csrfToken != "" {
		c.mu.Unlock()
		return nil
	}

	if flight := c.inflight; flight != nil {
		c.mu.Unlock()
		select {
		case <-flight.done:
			return flight.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	flight := &loginFlight{done: make(chan struct{})}
	c.inflight = flight
	c.mu.Unlock()

	flight.err = c.login(ctx)

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	close(flight.done)

	return flight.err
}

// login clears any prior session and establishes a new one, capturing session
// cookies and the CSRF token from the response.
func (c *Client) login(ctx context.Context) error {
	if err := c.jar.reset(); err != nil {
		return fmt.Errorf("failed to create cookie jar: %w", err)
	}

	c.mu.Lock()
	c.csrfToken = ""
	c.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"username":   c.username,
		"password":   c.password,
		"rememberMe": false,
	})
	if err != nil {
		return fmt.Errorf("failed to encode login payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &AuthError{
			Reason: truncate(respBody),
			Status: resp.StatusCode,
		}
	}

	token := resp.Header.Get(csrfHeader)
	if token == "" {
		for _, cookie := range resp.Cookies() {
			if cookie.Name == csrfCookie {
				token = cookie.Value
				break
			}
		}
	}
	if token == "" {
		return &AuthError{Reason: "login response carried no CSRF token in header or cookie"}
	}

	c.mu.Lock()
	c.csrfToken = token
	c.mu.Unlock()

	c.logger.Debug("unifi session established")
	return nil
}

// invalidateSession drops the session entirely so the next request logs in
// from scratch.
func (c *Client) invalidateSession() {
	c.mu.Lock()
	c.csrfToken = ""
	c.mu.Unlock()
	c.jar.drop()
}

// token returns the current CSRF token.
func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.csrfToken
}

// do performs an authenticated request. A 401/403 on the first attempt
// invalidates the session and retries exactly once after a fresh login; any
// other failure propagates immediately.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var authErr error

	for attempt := 0; attempt < 2; attempt++ {
		if err := c.ensureAuthenticated(ctx); err != nil {
			return nil, err
		}

		var body io.Reader
		if payload != nil {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request payload: %w", err)
			}
			body = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set(csrfHeader, c.token())
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response for %s %s: %w", method, path, readErr)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			authErr = &AuthError{
				Reason: truncate(respBody),
				Status: resp.StatusCode,
			}
			c.invalidateSession()
			if attempt == 0 {
				c.logger.Debug("unifi session rejected, re-authenticating",
					zap.Int("status", resp.StatusCode),
					zap.String("path", path),
				)
				continue
			}
			return nil, authErr
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &APIError{
				Status: resp.StatusCode,
				Body:   truncate(respBody),
			}
		}

		return respBody, nil
	}

	return nil, authErr
}

// ListRules returns all port-forward rules for the configured site.
func (c *Client) ListRules(ctx context.Context) ([]Rule, error) {
	body, err := c.do(ctx, http.MethodGet, c.rulesPath(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return unwrapRules(body), nil
}

// CreateRule creates a new port-forward rule and returns the created record.
func (c *Client) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	payload := rule.payload()
	payload["site_id"] = c.site

	body, err := c.do(ctx, http.MethodPost, c.rulesPath(), payload)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to create rule %q: %w", rule.Name, err)
	}

	created, err := unwrapRule(body, "create")
	if err != nil {
		return Rule{}, err
	}
	return created, nil
}

// UpdateRule replaces the stored rule with the desired fields, preserving
// unmodeled fields from the existing record's raw payload.
func (c *Client) UpdateRule(ctx context.Context, existing Rule, desired Rule) (Rule, error) {
	merged := make(map[string]any, len(existing.Raw)+11)
	for key, value := range existing.Raw {
		merged[key] = value
	}
	for key, value := range desired.payload() {
		merged[key] = value
	}
	merged["site_id"] = c.site
	merged["_id"] = existing.ID

	body, err := c.do(ctx, http.MethodPut, c.rulesPath()+"/"+existing.ID, merged)
	if err != nil {
		return Rule{}, fmt.Errorf("failed to update rule %q: %w", existing.Name, err)
	}

	updated, err := unwrapRule(body, "update")
	if err != nil {
		return Rule{}, err
	}
	return updated, nil
}

// DeleteRule removes a rule by id.
func (c *Client) DeleteRule(ctx context.Context, id string) error {
	if _, err := c.do(ctx, http.MethodDelete, c.rulesPath()+"/"+id, nil); err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	return nil
}

// unwrapRules decodes a rule collection from either a wrapped data envelope
// or a bare array, defaulting to empty on an unrecognized shape.
func unwrapRules(body []byte) []Rule {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil
	}

	var entries []any
	switch v := decoded.(type) {
	case map[string]any:
		entries, _ = v["data"].([]any)
	case []any:
		entries = v
	}

	rules := make([]Rule, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		rules = append(rules, ruleFromRaw(raw))
	}
	return rules
}

// unwrapRule decodes a single rule record from a wrapped list, a wrapped
// object, or a bare object.
func unwrapRule(body []byte, op string) (Rule, error) {
	if len(body) == 0 {
		return Rule{}, &ResponseError{Op: op, Reason: "response carried no payload"}
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Rule{}, &ResponseError{Op: op, Reason: fmt.Sprintf("response is not valid JSON: %v", err)}
	}

	outer, ok := decoded.(map[string]any)
	if !ok {
		return Rule{}, &ResponseError{Op: op, Reason: "response is not an object"}
	}

	record := outer
	if wrapped, exists := outer["data"]; exists {
		switch v := wrapped.(type) {
		case []any:
			if len(v) == 0 {
				return Rule{}, &ResponseError{Op: op, Reason: "response data collection is empty"}
			}
			record, ok = v[0].(map[string]any)
			if !ok {
				return Rule{}, &ResponseError{Op: op, Reason: "response data entry is not an object"}
			}
		case map[string]any:
			record = v
		default:
			return Rule{}, &ResponseError{Op: op, Reason: "response data field has an unrecognized shape"}
		}
	}

	rule := ruleFromRaw(record)
	if rule.ID == "" {
		return Rule{}, &ResponseError{Op: op, Reason: "response record carries no _id"}
	}
	return rule, nil
}

// truncate caps an error body for inclusion in error messages.
func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
