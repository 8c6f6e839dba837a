// Package platform is the in-process stand-in for the browser services the
// worker talks to: the worker container, the push service and client windows.
package platform

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/l0p7/campusworker/internal/runtime/network"
	"github.com/l0p7/campusworker/internal/subscription"
)

// ErrScopeNotAllowed is returned when a registration scope lies outside the
// directory of its script.
var ErrScopeNotAllowed = errors.New("platform: scope is outside the script directory")

// Container registers worker scripts by scope.
type Container struct {
	origin *network.Origin
	push   *PushService

	mu            sync.Mutex
	registrations map[string]*Registration
}

func NewContainer(origin *network.Origin, push *PushService) *Container {
	return &Container{origin: origin, push: push, registrations: make(map[string]*Registration)}
}

// Registration is one registered worker scope.
type Registration struct {
	script string
	scope  string
	push   *PushService
}

func (r *Registration) Scope() string  { return r.scope }
func (r *Registration) Script() string { return r.script }

// PushManager returns the push service, or nil when none is wired.
func (r *Registration) PushManager() subscription.PushManager {
	if r.push == nil {
		return nil
	}
	return r.push
}

// Register records the script for scope. Registering the same scope again
// replaces the script and returns the same registration.
func (c *Container) Register(ctx context.Context, scriptURL, scope string) (subscription.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	script, err := c.sameOriginPath(scriptURL)
	if err != nil {
		return nil, err
	}
	scopePath, err := c.sameOriginPath(scope)
	if err != nil {
		return nil, err
	}
	dir := path.Dir(script)
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	if !strings.HasPrefix(scopePath, dir) {
		return nil, fmt.Errorf("%w: scope %s, script %s", ErrScopeNotAllowed, scopePath, script)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registrations[scopePath]
	if !ok {
		reg = &Registration{scope: scopePath, push: c.push}
		c.registrations[scopePath] = reg
	}
	reg.script = script
	return reg, nil
}

// Registrations returns the registered scopes.
func (c *Container) Registrations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.registrations))
	for scope := range c.registrations {
		out = append(out, scope)
	}
	return out
}

func (c *Container) sameOriginPath(ref string) (string, error) {
	u, err := c.origin.Resolve(ref)
	if err != nil {
		return "", fmt.Errorf("platform: %w", err)
	}
	if !c.origin.Contains(u) {
		return "", fmt.Errorf("platform: %s is not on origin %s", ref, c.origin)
	}
	if u.Path == "" {
		return "/", nil
	}
	return u.Path, nil
}
