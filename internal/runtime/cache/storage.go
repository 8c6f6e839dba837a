package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrStoreNotFound is returned when a named store does not exist and the
// operation does not create it.
var ErrStoreNotFound = errors.New("cache: store not found")

// Entry is a stored response snapshot. Entries are replaced wholesale on every
// write; there is no partial update.
type Entry struct {
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"storedAt"`
}

// Store is a single generation's key to response mapping.
type Store interface {
	Name() string
	Match(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Storage is the store-of-stores: every cache generation lives under its own
// name and can be enumerated and deleted independently.
type Storage interface {
	// Open returns the named store, creating it when absent.
	Open(ctx context.Context, name string) (Store, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named store with all of its entries. It reports
	// whether a store existed.
	Delete(ctx context.Context, name string) (bool, error)
	Names(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}

// Key derives the request identity used for lookups: method plus absolute URL.
func Key(method, url string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return method + " " + url
}

// RequestKey derives the cache key for an inbound request.
func RequestKey(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	return Key(r.Method, r.URL.String())
}

// Successful reports whether the entry holds a complete 2xx response. A 206
// carries only part of the representation and never qualifies.
func (e Entry) Successful() bool {
	return e.Status >= 200 && e.Status < 300 && e.Status != http.StatusPartialContent
}

// Clone returns a deep copy so callers can never alias stored buffers.
func (e Entry) Clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// Response materializes a fresh *http.Response view over the entry. Every call
// returns an independent body reader, so the same entry can satisfy any number
// of consumers.
func (e Entry) Response(req *http.Request) *http.Response {
	header := cloneHeader(e.Header)
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Snapshot drains resp exactly once and returns the buffered entry. The
// response body is closed. The caller's response must not be read again;
// use Entry.Response to hand out views instead.
func Snapshot(req *http.Request, resp *http.Response) (Entry, error) {
	if resp == nil {
		return Entry{}, errors.New("cache: nil response")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	entry.Header.Del("Content-Length")
	if req != nil {
		entry.Method = req.Method
		if req.URL != nil {
			entry.URL = req.URL.String()
		}
	}
	return entry, nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
