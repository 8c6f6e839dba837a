package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/l0p7/campusworker/internal/metrics"
	"github.com/l0p7/campusworker/internal/runtime/event"
	"github.com/l0p7/campusworker/internal/runtime/network"
)

// ErrUnknownNotification is returned for clicks on IDs the tray cannot resolve.
var ErrUnknownNotification = errors.New("push: unknown notification")

// WindowOpener opens or focuses a client window at an absolute URL.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// Tray resolves and dismisses displayed notifications. *Center satisfies it.
type Tray interface {
	Lookup(id string) (Notification, bool)
	Close(id string) bool
}

// ClickConfig wires a ClickRouter.
type ClickConfig struct {
	Tray    Tray
	Opener  WindowOpener
	Origin  *network.Origin
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// ClickRouter handles notification clicks.
type ClickRouter struct {
	cfg    ClickConfig
	logger *slog.Logger
}

func NewClickRouter(cfg ClickConfig) (*ClickRouter, error) {
	if cfg.Tray == nil || cfg.Opener == nil || cfg.Origin == nil {
		return nil, errors.New("push: click router requires tray, opener and origin")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ClickRouter{cfg: cfg, logger: logger.With(slog.String("agent", "click_router"))}, nil
}

// Handle closes the clicked notification and opens exactly one window at its
// stored link. The open call is attached to ev.
func (c *ClickRouter) Handle(ev *event.Event, id string) error {
	n, ok := c.cfg.Tray.Lookup(id)
	if !ok {
		c.cfg.Metrics.ObserveClick(false)
		return fmt.Errorf("%w: %s", ErrUnknownNotification, id)
	}
	c.cfg.Tray.Close(id)

	target, err := c.cfg.Origin.Resolve(n.Data.URL)
	if err != nil {
		target, _ = c.cfg.Origin.Resolve("/")
	}
	link := target.String()
	ev.WaitUntil(func(ctx context.Context) error {
		if err := c.cfg.Opener.OpenWindow(ctx, link); err != nil {
			c.cfg.Metrics.ObserveClick(false)
			c.logger.Error("open window failed", slog.String("notification_id", id), slog.String("url", link), slog.Any("error", err))
			return err
		}
		c.cfg.Metrics.ObserveClick(true)
		return nil
	})
	return nil
}
