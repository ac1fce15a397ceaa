package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Context is the operator CLI's saved connection to a controller.
type Context struct {
	// ControllerURL is the controller API base URL.
	ControllerURL string `yaml:"controller_url,omitempty"`
	// Token is the bearer token sent on operator routes.
	Token string `yaml:"token,omitempty"`
	// Subject is who the token was minted for (display only).
	Subject string `yaml:"subject,omitempty"`
	// UpdatedAt is when the context was last modified.
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// IsEmpty returns true if no controller is selected.
func (c *Context) IsEmpty() bool {
	return c.ControllerURL == "" && c.Token == ""
}

// SetController selects a controller; switching controllers drops the token.
func (c *Context) SetController(url string) {
	if c.ControllerURL != url {
		c.Token = ""
		c.Subject = ""
	}
	c.ControllerURL = url
	c.UpdatedAt = time.Now()
}

// SetToken stores a bearer token for the current controller.
func (c *Context) SetToken(token, subject string) {
	c.Token = token
	c.Subject = subject
	c.UpdatedAt = time.Now()
}

// String returns a human-readable representation of the context.
func (c *Context) String() string {
	if c.IsEmpty() {
		return "(no context set)"
	}
	out := fmt.Sprintf("controller:%s", c.ControllerURL)
	if c.Token != "" {
		subject := c.Subject
		if subject == "" {
			subject = "token"
		}
		out += " auth:" + subject
	}
	return out
}

// ContextStore manages loading and saving context.
type ContextStore struct {
	path string
	mu   sync.RWMutex
}

// NewContextStore creates a context store at path, or
// ~/.config/scanfleet/context.yaml when path is empty.
func NewContextStore(path string) *ContextStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "scanfleet", "context.yaml")
	}
	return &ContextStore{path: path}
}

// Path returns the context file path.
func (s *ContextStore) Path() string {
	return s.path
}

// Load reads the context from disk.
// Returns an empty context if the file doesn't exist.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := &Context{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}

	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context file: %w", err)
	}

	return ctx, nil
}

// Save writes the context to disk. The file holds a token, so it is
// written owner-readable only.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}

	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}

	return nil
}

// Clear removes the context file.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove context file: %w", err)
	}
	return nil
}
