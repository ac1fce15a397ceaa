// Package apiclient is the HTTP client for the controller API, shared by the
// node agent and the operator CLI.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tOgg1/scanfleet/internal/models"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 10 * time.Second

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the controller.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

// Client talks to one controller.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.http = client
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.http = &http.Client{Timeout: timeout}
		}
	}
}

// New creates a Client for baseURL, e.g. http://controller:8080.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid controller url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid controller url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(parsed.String(), "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the controller address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health succeeds when the controller answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Register registers this host under name and returns its node id.
func (c *Client) Register(ctx context.Context, name string, isLocal bool) (*models.RegisterResponse, error) {
	var resp models.RegisterResponse
	req := models.RegisterRequest{Name: name, IsLocal: isLocal}
	if err := c.do(ctx, http.MethodPost, "/api/workers/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Heartbeat reports one load sample for nodeID.
func (c *Client) Heartbeat(ctx context.Context, nodeID int64, req models.HeartbeatRequest) (*models.HeartbeatResponse, error) {
	var resp models.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, nodePath(nodeID)+"/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListNodes returns every node with its current state.
func (c *Client) ListNodes(ctx context.Context) ([]*models.Node, error) {
	var nodes []*models.Node
	if err := c.do(ctx, http.MethodGet, "/api/workers", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetNode returns one node.
func (c *Client) GetNode(ctx context.Context, id int64) (*models.Node, error) {
	var node models.Node
	if err := c.do(ctx, http.MethodGet, nodePath(id), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// AddNode creates a pending node.
func (c *Client) AddNode(ctx context.Context, req models.AddNodeRequest) (*models.Node, error) {
	var node models.Node
	if err := c.do(ctx, http.MethodPost, "/api/workers", req, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// RemoveNode deletes a node. Remote nodes are uninstalled in the background.
func (c *Client) RemoveNode(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, nodePath(id), nil, nil)
}

// SubmitJob queues a job and returns its id.
func (c *Client) SubmitJob(ctx context.Context, module string, args map[string]string) (string, error) {
	var resp models.SubmitJobResponse
	req := models.SubmitJobRequest{Module: module, Args: args}
	if err := c.do(ctx, http.MethodPost, "/api/jobs", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// BroadcastJob launches a job on every eligible node.
func (c *Client) BroadcastJob(ctx context.Context, module string, args map[string]string) (*models.BroadcastResponse, error) {
	var resp models.BroadcastResponse
	req := models.SubmitJobRequest{Module: module, Args: args}
	if err := c.do(ctx, http.MethodPost, "/api/jobs/broadcast", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NodeEvents returns up to limit events for a node, oldest first.
func (c *Client) NodeEvents(ctx context.Context, id int64, limit int) ([]*models.Event, error) {
	path := nodePath(id) + "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var list []*models.Event
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func nodePath(id int64) string {
	return "/api/workers/" + strconv.FormatInt(id, 10)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var apiErr models.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			statusErr.Message = apiErr.Error
		} else {
			statusErr.Message = strings.TrimSpace(string(data))
		}
		return statusErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
