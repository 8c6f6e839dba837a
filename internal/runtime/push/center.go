package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// closedRetention bounds how many closed notifications stay resolvable.
const closedRetention = 256

// Data is the routing payload attached to a notification.
type Data struct {
	URL string `json:"url"`
}

// Notification is one displayed notification.
type Notification struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Icon    string    `json:"icon,omitempty"`
	Badge   string    `json:"badge,omitempty"`
	Tag     string    `json:"tag,omitempty"`
	Data    Data      `json:"data"`
	ShownAt time.Time `json:"shownAt"`
}

// Displayer presents notifications to the user.
type Displayer interface {
	Show(ctx context.Context, n Notification) error
}

// Center is the in-process notification tray. Open notifications are listed in
// display order; closed ones remain resolvable by ID so late clicks still route.
type Center struct {
	mu      sync.Mutex
	open    []string
	records map[string]*record
	closed  []string
	now     func() time.Time
}

type record struct {
	notification Notification
	closed       bool
}

func NewCenter() *Center {
	return &Center{records: make(map[string]*record), now: time.Now}
}

// Show displays n. A missing ID is assigned. A notification sharing a non-empty
// tag with an open one replaces it.
func (c *Center) Show(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.ShownAt.IsZero() {
		n.ShownAt = c.now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.records[n.ID]; ok && !existing.closed {
		return errors.New("push: notification already shown: " + n.ID)
	}
	if n.Tag != "" {
		for _, id := range c.open {
			if c.records[id].notification.Tag == n.Tag {
				c.closeLocked(id)
				break
			}
		}
	}
	c.records[n.ID] = &record{notification: n}
	c.open = append(c.open, n.ID)
	return nil
}

// List returns the open notifications, oldest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, 0, len(c.open))
	for _, id := range c.open {
		out = append(out, c.records[id].notification)
	}
	return out
}

// Lookup resolves an open or recently closed notification.
func (c *Center) Lookup(id string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return Notification{}, false
	}
	return rec.notification, true
}

// Close dismisses the notification. It reports whether it was open; closing an
// unknown or already closed notification does nothing.
func (c *Center) Close(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked(id)
}

func (c *Center) closeLocked(id string) bool {
	rec, ok := c.records[id]
	if !ok || rec.closed {
		return false
	}
	rec.closed = true
	for i, openID := range c.open {
		if openID == id {
			c.open = append(c.open[:i], c.open[i+1:]...)
			break
		}
	}
	c.closed = append(c.closed, id)
	if len(c.closed) > closedRetention {
		evict := c.closed[0]
		c.closed = c.closed[1:]
		if r, ok := c.records[evict]; ok && r.closed {
			delete(c.records, evict)
		}
	}
	return true
}
