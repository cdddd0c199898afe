// Package cloud provides communication with the irrigation API.
// Uses HTTPS REST for telemetry and schedule sync, and an optional WebSocket
// push channel for schedule change notifications.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agsys/irrigation-node/internal/metrics"
	"github.com/agsys/irrigation-node/internal/storage"
)

// Success codes per call class
const (
	codeLogin  = http.StatusOK
	codeSubmit = http.StatusCreated
	codeFetch  = http.StatusOK
)

// Config holds cloud client configuration
type Config struct {
	Freshness       time.Duration `yaml:"freshness"`        // Token lifetime before proactive re-login
	Backoff         time.Duration `yaml:"backoff"`          // Wait between failed attempts
	Budget          time.Duration `yaml:"budget"`           // Wall-clock limit per logical call
	AssociateBudget time.Duration `yaml:"associate_budget"` // Wall-clock limit for link re-association
	HTTPTimeout     time.Duration `yaml:"http_timeout"`     // Timeout for a single HTTP attempt

	PushURL      string        `yaml:"push_url"` // WebSocket URL; empty disables the push channel
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`

	// Push reconnection settings (exponential backoff)
	InitialRetryDelay time.Duration `yaml:"initial_retry_delay"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterPercent     float64       `yaml:"jitter_percent"`
}

// DefaultConfig returns default cloud client configuration
func DefaultConfig() Config {
	return Config{
		Freshness:         45 * time.Minute,
		Backoff:           1 * time.Second,
		Budget:            60 * time.Second,
		AssociateBudget:   30 * time.Second,
		HTTPTimeout:       10 * time.Second,
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// Account is the provisioned identity of the node: the API credential and
// the five endpoint URIs
type Account struct {
	Credentials storage.Credentials
	Endpoints   storage.Endpoints
}

// Client performs authenticated calls against the API. Calls are serialized:
// at most one is in flight at a time.
type Client struct {
	config     Config
	httpClient *http.Client
	link       Link
	clock      Clock
	session    *Session
	metrics    *metrics.Metrics

	callMu  sync.Mutex
	mu      sync.Mutex
	account Account
}

// Option customizes a Client
type Option func(*Client)

// WithClock replaces the wall clock
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics records call outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a new cloud client
func New(config Config, account Account, link Link, opts ...Option) *Client {
	if link == nil {
		link = StaticLink{}
	}
	c := &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		link:    link,
		clock:   SystemClock(),
		session: NewSession(config.Freshness),
		account: account,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the authentication state holder
func (c *Client) Session() *Session {
	return c.session
}

// SetAccount replaces the credential and endpoints and drops any token
// issued for the previous credential
func (c *Client) SetAccount(account Account) {
	c.mu.Lock()
	c.account = account
	c.mu.Unlock()
	c.session.Invalidate()
}

func (c *Client) currentAccount() Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// EnsureLink re-associates the link when it is down, within AssociateBudget
func (c *Client) EnsureLink(ctx context.Context) error {
	if c.link.Connected() {
		return nil
	}

	log.Println("Network link down, re-associating")
	actx, cancel := context.WithTimeout(ctx, c.config.AssociateBudget)
	defer cancel()

	if err := c.link.Associate(actx); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
	}
	return nil
}

// Token returns a fresh token, logging in first if needed. Used by the push
// channel to authenticate its handshake.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.EnsureLink(ctx); err != nil {
		return "", err
	}
	return c.authorize(ctx, c.clock.Now(), false)
}

// Post sends body and succeeds only on 201 Created
func (c *Client) Post(ctx context.Context, uri string, body []byte) error {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	_, err := c.call(ctx, http.MethodPost, uri, body, codeSubmit)
	return err
}

// Get fetches uri and succeeds only on 200 OK
func (c *Client) Get(ctx context.Context, uri string) ([]byte, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	return c.call(ctx, http.MethodGet, uri, nil, codeFetch)
}

// call runs the retry loop of one logical operation. It ends on success, on
// a definitive authentication rejection, on cancellation of ctx, or when
// Budget has elapsed since start. Token freshness is checked once, before
// the first attempt. An auth rejection drops the token and logs in again
// right away; a token that is rejected twice within one call is not retried
// further.
func (c *Client) call(ctx context.Context, method, uri string, body []byte, want int) ([]byte, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: empty endpoint", ErrNotConfigured)
	}
	if err := c.EnsureLink(ctx); err != nil {
		return nil, err
	}

	start := c.clock.Now()
	c.metrics.IncCounter(metrics.SyncRequests, 1)
	defer func() {
		c.metrics.ObserveLatency(metrics.SyncLatency, c.clock.Now().Sub(start).Seconds())
	}()

	token, err := c.authorize(ctx, start, false)
	if err != nil {
		c.metrics.IncCounter(metrics.SyncFailures, 1)
		return nil, err
	}

	forced := false
	for {
		if err := ctx.Err(); err != nil {
			c.metrics.IncCounter(metrics.SyncFailures, 1)
			return nil, fmt.Errorf("%s %s: %w", method, uri, err)
		}

		code, respBody, err := c.do(ctx, method, uri, body, token)
		switch {
		case err == nil && code == want:
			return respBody, nil

		case err == nil && (code == http.StatusUnauthorized || code == http.StatusForbidden):
			if forced {
				c.metrics.IncCounter(metrics.SyncFailures, 1)
				return nil, fmt.Errorf("%w: %s %s returned %d after re-login", ErrAuthRejected, method, uri, code)
			}
			log.Printf("%s %s: token rejected (%d), logging in again", method, uri, code)
			c.session.Invalidate()
			forced = true
			if token, err = c.authorize(ctx, start, true); err != nil {
				c.metrics.IncCounter(metrics.SyncFailures, 1)
				return nil, err
			}
			continue

		case err != nil:
			log.Printf("%s %s failed: %v", method, uri, err)

		default:
			log.Printf("%s %s: unexpected status %d", method, uri, code)
		}

		if c.clock.Now().Sub(start) >= c.config.Budget {
			c.metrics.IncCounter(metrics.SyncTimeouts, 1)
			c.metrics.IncCounter(metrics.SyncFailures, 1)
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, uri)
		}
		if err := ctx.Err(); err != nil {
			c.metrics.IncCounter(metrics.SyncFailures, 1)
			return nil, fmt.Errorf("%s %s: %w", method, uri, err)
		}
		c.metrics.IncCounter(metrics.SyncRetries, 1)
		c.clock.Sleep(c.config.Backoff)
	}
}

// authorize returns a usable token, logging in when the session is
// unauthenticated or its token has gone stale. The login shares the
// caller's deadline.
func (c *Client) authorize(ctx context.Context, start time.Time, forced bool) (string, error) {
	now := c.clock.Now()
	if token, ok := c.session.Token(now); ok {
		return token, nil
	}

	if c.session.Expired(now) || forced {
		c.metrics.IncCounter(metrics.Relogins, 1)
	}
	c.session.Invalidate()
	return c.login(ctx, start)
}

// login posts the API credential and captures the token from the
// Authorization response header
func (c *Client) login(ctx context.Context, start time.Time) (string, error) {
	account := c.currentAccount()
	if account.Endpoints.Authenticate == "" {
		return "", fmt.Errorf("%w: no authenticate endpoint", ErrNotConfigured)
	}

	payload, err := json.Marshal(map[string]string{
		"username": account.Credentials.Login,
		"password": account.Credentials.Password,
	})
	if err != nil {
		return "", fmt.Errorf("marshal login: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("login: %w", err)
		}

		code, header, err := c.doLogin(ctx, account.Endpoints.Authenticate, payload)
		switch {
		case err == nil && code == codeLogin:
			token := header.Get("Authorization")
			if token == "" {
				return "", fmt.Errorf("%w: login response carried no token", ErrAuthRejected)
			}
			c.session.Authenticate(token, c.clock.Now())
			c.metrics.IncCounter(metrics.Logins, 1)
			log.Println("API token acquired")
			return token, nil

		case err == nil && (code == http.StatusUnauthorized || code == http.StatusForbidden):
			return "", fmt.Errorf("%w: login returned %d", ErrAuthRejected, code)

		case err != nil:
			log.Printf("Login failed: %v", err)

		default:
			log.Printf("Login: unexpected status %d", code)
		}

		if c.clock.Now().Sub(start) >= c.config.Budget {
			c.metrics.IncCounter(metrics.SyncTimeouts, 1)
			return "", fmt.Errorf("%w: login", ErrTimeout)
		}
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("login: %w", err)
		}
		c.clock.Sleep(c.config.Backoff)
	}
}

func (c *Client) doLogin(ctx context.Context, uri string, payload []byte) (int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, resp.Header, nil
}

// do performs one HTTP attempt
func (c *Client) do(ctx context.Context, method, uri string, body []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
