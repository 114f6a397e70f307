package llm

import (
	"fmt"
	"sync"
)

// Client holds registered providers and routes by name. Decorators such as
// Paced wrap individual providers before registration.
type Client struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
	policy      RetryPolicy
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider.
func WithProvider(p Provider) ClientOption {
	return func(c *Client) {
		c.providers[p.Name()] = p
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultName = name
	}
}

// WithRetryPolicy sets the policy used by Client.Generate.
func WithRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *Client) {
		c.policy = policy
	}
}

// NewClient creates a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]Provider),
		policy:    DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultName == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultName = name
		}
	}
	return c
}

// Register adds a provider after construction.
func (c *Client) Register(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[p.Name()] = p
	if c.defaultName == "" {
		c.defaultName = p.Name()
	}
}

// Resolve returns the named provider, or the default when name is empty.
func (c *Client) Resolve(name string) (Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name == "" {
		name = c.defaultName
	}
	if name == "" {
		return nil, &ConfigError{Message: "no provider specified and no default configured"}
	}
	p, ok := c.providers[name]
	if !ok {
		return nil, &ConfigError{Message: fmt.Sprintf("provider %q is not registered", name)}
	}
	return p, nil
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, p := range c.providers {
		if closer, ok := p.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
