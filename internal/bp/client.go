// Package bp is a client for the BreakingPoint appliance REST API.
package bp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hopboxdev/bpshell/internal/version"
)

// ErrUnauthorized is matched by an *APIError for a rejected session.
var ErrUnauthorized = errors.New("appliance rejected credentials")

// APIError is a non-2xx reply from the appliance.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("appliance %s %s: %d %s", e.Method, e.Path, e.StatusCode, body)
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match 401 and 403 replies.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// Options configures a Client.
type Options struct {
	Address     string // host[:port], or a full base URL
	User        string
	Password    string
	InsecureTLS bool
	Timeout     time.Duration
	Logger      *log.Logger
}

// Client talks to one appliance. It keeps the session cookie returned by
// Login and logs in again once when the appliance drops the session.
// *Client implements groupalloc.Appliance and testmodel.NetworkQuery.
type Client struct {
	base     string
	user     string
	password string
	http     *http.Client
	logger   *log.Logger

	mu       sync.Mutex
	loggedIn bool
}

// New creates a client. It does not contact the appliance.
func New(opts Options) (*Client, error) {
	if opts.Address == "" {
		return nil, errors.New("appliance address is required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(opts.Address, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // appliances ship self-signed certificates
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Client{
		base:     base + "/api/v1",
		user:     opts.User,
		password: opts.Password,
		http:     &http.Client{Jar: jar, Timeout: timeout, Transport: transport},
		logger:   logger.With("component", "bp"),
	}, nil
}

// Login opens an API session.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	body := map[string]string{"username": c.user, "password": c.password}
	if _, err := c.call(ctx, http.MethodPost, "/auth/session", jsonBody(body)); err != nil {
		c.loggedIn = false
		return fmt.Errorf("login: %w", err)
	}
	c.loggedIn = true
	c.logger.Debug("logged in", "user", c.user)
	return nil
}

// Logout closes the API session. It is a no-op when not logged in.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loggedIn {
		return nil
	}
	c.loggedIn = false
	if _, err := c.call(ctx, http.MethodDelete, "/auth/session", nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// body is a request payload and its content type.
type body struct {
	contentType string
	data        []byte
}

func jsonBody(v any) *body {
	data, err := json.Marshal(v)
	if err != nil {
		// Request payloads are plain structs and maps.
		panic(fmt.Sprintf("bp: marshal request: %v", err))
	}
	return &body{contentType: "application/json", data: data}
}

// do sends a JSON request and decodes the JSON reply into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var b *body
	if in != nil {
		b = jsonBody(in)
	}
	raw, err := c.callWithLogin(ctx, method, path, b)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// callWithLogin sends a request and, when the appliance rejects the session,
// logs in again and sends it once more.
func (c *Client) callWithLogin(ctx context.Context, method, path string, b *body) ([]byte, error) {
	raw, err := c.call(ctx, method, path, b)
	if !errors.Is(err, ErrUnauthorized) {
		return raw, err
	}
	c.mu.Lock()
	lerr := c.login(ctx)
	c.mu.Unlock()
	if lerr != nil {
		return nil, errors.Join(err, lerr)
	}
	return c.call(ctx, method, path, b)
}

func (c *Client) call(ctx context.Context, method, path string, b *body) ([]byte, error) {
	var r io.Reader
	if b != nil {
		r = bytes.NewReader(b.data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if b != nil {
		req.Header.Set("Content-Type", b.contentType)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("appliance %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("appliance %s %s: read body: %w", method, path, err)
	}
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
