package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// BackendError reports a non-2xx answer from the REST backend.
type BackendError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("subscription: backend %s: status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("subscription: backend %s: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// HTTPDoer is the outbound client used for backend calls.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// BackendConfig wires a Backend.
type BackendConfig struct {
	APIURL  string
	Timeout time.Duration
	Client  HTTPDoer
	Logger  *slog.Logger
}

// Backend talks to the notification endpoints of the REST backend.
type Backend struct {
	base   *url.URL
	client HTTPDoer
	logger *slog.Logger
}

func NewBackend(cfg BackendConfig) (*Backend, error) {
	raw := strings.TrimSpace(cfg.APIURL)
	if raw == "" {
		return nil, errors.New("subscription: backend api url required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("subscription: parse backend api url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("subscription: backend api url must be absolute: %q", raw)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{base: base, client: client, logger: logger.With(slog.String("agent", "subscription_backend"))}, nil
}

// SaveSubscription posts the subscription to {API_URL}/notifications/subscribe.
func (b *Backend) SaveSubscription(ctx context.Context, token string, sub Subscription) error {
	body, err := json.Marshal(struct {
		Subscription Subscription `json:"subscription"`
	}{Subscription: sub})
	if err != nil {
		return fmt.Errorf("subscription: encode: %w", err)
	}
	return b.post(ctx, "subscribe", "notifications/subscribe", token, body)
}

// RequestTestNotification asks the backend to send a test push. It is fire and
// forget: failures are logged and never returned.
func (b *Backend) RequestTestNotification(ctx context.Context, token string) {
	if err := b.post(ctx, "test", "notifications/test", token, nil); err != nil {
		b.logger.Warn("test notification request failed", slog.Any("error", err))
	}
}

func (b *Backend) post(ctx context.Context, operation, path, token string, body []byte) error {
	target := b.base.ResolveReference(&url.URL{Path: path})
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), reader)
	if err != nil {
		return fmt.Errorf("subscription: backend %s request build: %w", operation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("subscription: backend %s request: %w", operation, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &BackendError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
}
