package platform

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Window is a client window of the application.
type Window struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	Focused  bool      `json:"focused"`
	OpenedAt time.Time `json:"openedAt"`
}

// Windows tracks client windows. Opening a URL that is already open focuses
// that window instead of opening another one.
type Windows struct {
	mu      sync.Mutex
	windows []*Window
}

func NewWindows() *Windows { return &Windows{} }

func (w *Windows) OpenWindow(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var target *Window
	for _, win := range w.windows {
		win.Focused = false
		if win.URL == url && target == nil {
			target = win
		}
	}
	if target == nil {
		target = &Window{ID: uuid.NewString(), URL: url, OpenedAt: time.Now().UTC()}
		w.windows = append(w.windows, target)
	}
	target.Focused = true
	return nil
}

// List returns a snapshot of the open windows.
func (w *Windows) List() []Window {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Window, 0, len(w.windows))
	for _, win := range w.windows {
		out = append(out, *win)
	}
	return out
}
