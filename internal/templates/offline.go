package templates

import (
	"fmt"
	"strings"
	"time"
)

const defaultOfflinePage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{ .Title }}</title>
</head>
<body>
<main>
<h1>{{ .Title }}</h1>
<p>{{ default "This page is not available offline." .Message }}</p>
<p><a href="{{ .Path }}">Try again</a></p>
<small>{{ .Generation }} &middot; {{ .Time | date "2006-01-02 15:04 MST" }}</small>
</main>
</body>
</html>
`

// OfflineData is the context the offline page is rendered with.
type OfflineData struct {
	Title      string
	Message    string
	Path       string
	URL        string
	Generation string
	Time       time.Time
}

// OfflinePage renders the body returned when a navigation can be served
// neither from the network nor from the cache.
type OfflinePage struct {
	tmpl *Template
}

// NewOfflinePage compiles the template file at path through the renderer's
// sandbox, or the built-in page when path is empty.
func NewOfflinePage(renderer *Renderer, path string) (*OfflinePage, error) {
	if renderer == nil {
		renderer = NewRenderer(nil)
	}
	var (
		tmpl *Template
		err  error
	)
	if strings.TrimSpace(path) == "" {
		tmpl, err = renderer.CompileInline("offline", defaultOfflinePage)
	} else {
		tmpl, err = renderer.CompileFile(path)
	}
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("templates: offline page %q is empty", path)
	}
	return &OfflinePage{tmpl: tmpl}, nil
}

// Render produces the page. Title and Time are filled in when absent.
func (p *OfflinePage) Render(data OfflineData) ([]byte, error) {
	if data.Title == "" {
		data.Title = "You are offline"
	}
	if data.Time.IsZero() {
		data.Time = time.Now()
	}
	out, err := p.tmpl.Render(data)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}
