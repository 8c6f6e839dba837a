package platform

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/l0p7/campusworker/internal/runtime/push"
	"github.com/l0p7/campusworker/internal/subscription"
)

var (
	// ErrUnknownSubscription is returned when delivering to an endpoint that was never issued.
	ErrUnknownSubscription = errors.New("platform: unknown push subscription")
	// ErrVisibleOnly is returned for subscriptions that do not promise a visible notification per push.
	ErrVisibleOnly = errors.New("platform: only user-visible push subscriptions are supported")
	// ErrKeyMismatch is returned when re-subscribing with a different application server key.
	ErrKeyMismatch = errors.New("platform: subscription exists with a different application server key")
)

// PushHandler receives delivered push messages.
type PushHandler interface {
	HandlePush(ctx context.Context, raw []byte) (push.Notification, error)
}

// PushService issues push subscriptions and delivers messages sent to their
// endpoints.
type PushService struct {
	endpointBase *url.URL

	mu      sync.RWMutex
	handler PushHandler
	subs    map[string]issued
	current string
}

type issued struct {
	sub        subscription.Subscription
	serverKey  []byte
	privateKey *ecdh.PrivateKey
}

// NewPushService issues endpoints below endpointBase, e.g.
// https://events.example.edu/push/{id}.
func NewPushService(endpointBase string) (*PushService, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(endpointBase), "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("platform: parse push endpoint base: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("platform: push endpoint base must be absolute: %q", endpointBase)
	}
	return &PushService{endpointBase: base, subs: make(map[string]issued)}, nil
}

// Attach routes delivered messages to h.
func (p *PushService) Attach(h PushHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Subscribe issues a subscription, or returns the existing one when the same
// application server key is presented again.
func (p *PushService) Subscribe(ctx context.Context, opts subscription.SubscribeOptions) (subscription.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return subscription.Subscription{}, err
	}
	if !opts.UserVisibleOnly {
		return subscription.Subscription{}, ErrVisibleOnly
	}
	if _, err := ecdh.P256().NewPublicKey(opts.ApplicationServerKey); err != nil {
		return subscription.Subscription{}, fmt.Errorf("platform: invalid application server key: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.subs[p.current]; ok {
		if !bytes.Equal(existing.serverKey, opts.ApplicationServerKey) {
			return subscription.Subscription{}, ErrKeyMismatch
		}
		return existing.sub, nil
	}

	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return subscription.Subscription{}, fmt.Errorf("platform: generate client key: %w", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return subscription.Subscription{}, fmt.Errorf("platform: generate auth secret: %w", err)
	}
	id := uuid.NewString()
	sub := subscription.Subscription{
		Endpoint: p.endpointBase.ResolveReference(&url.URL{Path: id}).String(),
		Keys: subscription.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(private.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
	p.subs[id] = issued{
		sub:        sub,
		serverKey:  append([]byte(nil), opts.ApplicationServerKey...),
		privateKey: private,
	}
	p.current = id
	return sub, nil
}

// Unsubscribe revokes the subscription. It reports whether it existed.
func (p *PushService) Unsubscribe(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[id]; !ok {
		return false
	}
	delete(p.subs, id)
	if p.current == id {
		p.current = ""
	}
	return true
}

// Lookup returns the subscription issued under id.
func (p *PushService) Lookup(id string) (subscription.Subscription, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.subs[id]
	return entry.sub, ok
}

// Deliver hands raw to the attached worker as one push event.
func (p *PushService) Deliver(ctx context.Context, id string, raw []byte) (push.Notification, error) {
	p.mu.RLock()
	_, ok := p.subs[id]
	handler := p.handler
	p.mu.RUnlock()
	if !ok {
		return push.Notification{}, fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}
	if handler == nil {
		return push.Notification{}, errors.New("platform: no worker attached to the push service")
	}
	return handler.HandlePush(ctx, raw)
}
