// Package subscription drives the push enrollment flow: register the worker,
// obtain a push subscription from the platform and hand it to the backend.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned when the environment offers no worker container
// or push manager.
var ErrUnsupported = errors.New("subscription: push notifications are not supported")

// Keys carries the client public key and auth secret, URL-safe base64.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is the platform-issued push subscription. It is forwarded to
// the backend verbatim and never persisted locally.
type Subscription struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime"`
	Keys           Keys   `json:"keys"`
}

// SubscribeOptions are passed to the push manager.
type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

// Container registers worker scripts.
type Container interface {
	Register(ctx context.Context, scriptURL, scope string) (Registration, error)
}

// Registration is a registered worker.
type Registration interface {
	Scope() string
	// PushManager returns nil when push is unavailable for the registration.
	PushManager() PushManager
}

// PushManager issues push subscriptions.
type PushManager interface {
	Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error)
}

// ClientConfig wires a Client.
type ClientConfig struct {
	Container            Container
	ScriptPath           string
	Scope                string
	ApplicationServerKey string
}

// Client is the page-side half of push enrollment.
type Client struct {
	container  Container
	scriptPath string
	scope      string
	key        string
}

func NewClient(cfg ClientConfig) *Client {
	scriptPath := strings.TrimSpace(cfg.ScriptPath)
	if scriptPath == "" {
		scriptPath = "/sw.js"
	}
	scope := strings.TrimSpace(cfg.Scope)
	if scope == "" {
		scope = "/"
	}
	return &Client{container: cfg.Container, scriptPath: scriptPath, scope: scope, key: cfg.ApplicationServerKey}
}

// Supported reports whether a worker container is available at all.
func (c *Client) Supported() bool {
	return c != nil && c.container != nil
}

// Subscribe registers the worker and requests a user-visible push
// subscription bound to the application server key.
func (c *Client) Subscribe(ctx context.Context) (Subscription, error) {
	if !c.Supported() {
		return Subscription{}, ErrUnsupported
	}
	key, err := DecodeApplicationServerKey(c.key)
	if err != nil {
		return Subscription{}, err
	}
	registration, err := c.container.Register(ctx, c.scriptPath, c.scope)
	if err != nil {
		return Subscription{}, fmt.Errorf("subscription: register %s: %w", c.scriptPath, err)
	}
	manager := registration.PushManager()
	if manager == nil {
		return Subscription{}, ErrUnsupported
	}
	sub, err := manager.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	if err != nil {
		return Subscription{}, fmt.Errorf("subscription: subscribe: %w", err)
	}
	return sub, nil
}

// Enroll subscribes and saves the subscription with the backend. When the
// backend rejects it the platform subscription is returned alongside the
// error and stays in place.
func Enroll(ctx context.Context, client *Client, backend *Backend, token string) (Subscription, error) {
	sub, err := client.Subscribe(ctx)
	if err != nil {
		return Subscription{}, err
	}
	if backend == nil {
		return sub, errors.New("subscription: backend not configured")
	}
	if err := backend.SaveSubscription(ctx, token, sub); err != nil {
		return sub, err
	}
	return sub, nil
}
