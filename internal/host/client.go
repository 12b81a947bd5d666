// Package host is a client for the orchestration host that owns
// reservations: it lists the ports reserved for a reservation, decrypts
// stored passwords and attaches files to a reservation.
package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hopboxdev/bpshell/internal/chassis"
	"github.com/hopboxdev/bpshell/internal/version"
)

// APIError is a non-2xx reply from the host.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("host %s %s: %d %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(e.Body))
}

// Options configures a Client.
type Options struct {
	URL     string // e.g. http://cloudshell:9000
	Token   string
	Domain  string
	Timeout time.Duration
	Logger  *log.Logger
}

// Client talks to the host API.
type Client struct {
	base   string
	token  string
	domain string
	http   *http.Client
	logger *log.Logger

	mu   sync.Mutex
	auth string // Authorization header for the package API, set by login
}

// New creates a host client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("host url is required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("host url: %w", err)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	domain := opts.Domain
	if domain == "" {
		domain = "Global"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Client{
		base:   strings.TrimRight(opts.URL, "/"),
		token:  opts.Token,
		domain: domain,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With("component", "host"),
	}, nil
}

// ReservedPorts lists the port resources reserved for reservationID.
func (c *Client) ReservedPorts(ctx context.Context, reservationID string) ([]chassis.ReservedPort, error) {
	path := "/api/reservations/" + url.PathEscape(reservationID) + "/resources?family=Port"
	var resp struct {
		Resources []chassis.ReservedPort `json:"resources"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, c.bearer(), nil, &resp); err != nil {
		return nil, err
	}
	c.logger.Debug("reserved ports", "reservation", reservationID, "count", len(resp.Resources))
	return resp.Resources, nil
}

// DecryptPassword returns the clear text of a password stored encrypted on
// the host.
func (c *Client) DecryptPassword(ctx context.Context, encrypted string) (string, error) {
	var resp struct {
		Value string `json:"value"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/passwords/decrypt", c.bearer(), map[string]string{"value": encrypted}, &resp); err != nil {
		return "", fmt.Errorf("decrypt password: %w", err)
	}
	return resp.Value, nil
}

// Attachments lists the files attached to a reservation.
func (c *Client) Attachments(ctx context.Context, reservationID string) ([]string, error) {
	auth, err := c.packageAuth(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	path := "/API/Package/GetReservationAttachmentsDetails/" + url.PathEscape(reservationID)
	if err := c.doJSON(ctx, http.MethodGet, path, auth, nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// AttachFile attaches a file to the reservation, overwriting an attachment
// of the same name.
func (c *Client) AttachFile(ctx context.Context, reservationID, name string, data []byte) error {
	auth, err := c.packageAuth(ctx)
	if err != nil {
		return err
	}
	return c.attach(ctx, auth, reservationID, name, data)
}

// ReplaceAttachments removes the reservation's attachments for which stale
// returns true, then attaches the file. A nil stale removes them all.
func (c *Client) ReplaceAttachments(ctx context.Context, reservationID, name string, data []byte, stale func(name string) bool) error {
	auth, err := c.packageAuth(ctx)
	if err != nil {
		return err
	}
	existing, err := c.Attachments(ctx, reservationID)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}
	for _, old := range existing {
		if stale != nil && !stale(old) {
			continue
		}
		req := map[string]string{"reservationId": reservationID, "FileName": old}
		if err := c.doJSON(ctx, http.MethodPost, "/API/Package/DeleteFileFromReservation", auth, req, nil); err != nil {
			return fmt.Errorf("remove attachment %s: %w", old, err)
		}
	}
	return c.attach(ctx, auth, reservationID, name, data)
}

func (c *Client) attach(ctx context.Context, auth, reservationID, name string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("QualiPackage", name)
	if err != nil {
		return err
	}
	if _, err := fw.Write(data); err != nil {
		return err
	}
	for k, v := range map[string]string{
		"reservationId":     reservationID,
		"saveFileAs":        name,
		"overwriteIfExists": "true",
	} {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}
	if _, err := c.send(ctx, http.MethodPost, "/API/Package/AttachFileToReservation", auth, mw.FormDataContentType(), &buf); err != nil {
		return fmt.Errorf("attach %s: %w", name, err)
	}
	c.logger.Info("file attached", "reservation", reservationID, "name", name, "bytes", len(data))
	return nil
}

// packageAuth logs in to the package API once and returns the header value.
func (c *Client) packageAuth(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth != "" {
		return c.auth, nil
	}
	var token string
	req := map[string]string{"token": c.token, "domain": c.domain}
	if err := c.doJSON(ctx, http.MethodPut, "/API/Auth/Login", "", req, &token); err != nil {
		return "", fmt.Errorf("host login: %w", err)
	}
	c.auth = "Basic " + strings.Trim(token, `"`)
	return c.auth, nil
}

func (c *Client) bearer() string {
	if c.token == "" {
		return ""
	}
	return "Bearer " + c.token
}

func (c *Client) doJSON(ctx context.Context, method, path, auth string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	raw, err := c.send(ctx, method, path, auth, contentType, body)
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

func (c *Client) send(ctx context.Context, method, path, auth, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("host %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("host %s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
