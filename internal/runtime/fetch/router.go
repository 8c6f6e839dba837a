// Package fetch classifies intercepted requests and serves them network-first
// (documents), stale-while-revalidate (assets) or straight through (non-GET and
// bypassed requests).
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/campusworker/internal/expr"
	"github.com/l0p7/campusworker/internal/metrics"
	"github.com/l0p7/campusworker/internal/runtime/cache"
	"github.com/l0p7/campusworker/internal/runtime/event"
	"github.com/l0p7/campusworker/internal/runtime/network"
)

// ErrNoResponse is returned when a document request failed on the network and
// no cached copy exists.
var ErrNoResponse = errors.New("fetch: no response available")

// Strategy names the dispatch path chosen for a request.
type Strategy string

const (
	StrategyPassthrough          Strategy = "passthrough"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Source names where the returned response came from.
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourcePassthrough Source = "passthrough"
	// SourceNone marks a request that produced no response.
	SourceNone Source = "none"
)

// Decision describes how a request was routed.
type Decision struct {
	Strategy Strategy
	Source   Source
	Key      string
	// Rule holds the bypass expression that matched, if any.
	Rule string
}

// Config wires a Router.
type Config struct {
	Client  network.Client
	Bypass  *expr.RuleSet
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Router dispatches intercepted requests. It holds no cache state of its own:
// the generation store is passed to every Fetch call.
type Router struct {
	client  network.Client
	bypass  *expr.RuleSet
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewRouter constructs a router. A client is required.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.Client == nil {
		return nil, errors.New("fetch: network client required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		client:  cfg.Client,
		bypass:  cfg.Bypass,
		logger:  logger.With(slog.String("agent", "fetch_router")),
		metrics: cfg.Metrics,
	}, nil
}

// Classify picks the strategy for req without performing any I/O.
func (r *Router) Classify(req *http.Request) Decision {
	decision := Decision{Key: cache.RequestKey(req)}
	// Range responses cover part of the resource and would poison its key.
	if req.Method != http.MethodGet || req.Header.Get("Range") != "" {
		decision.Strategy = StrategyPassthrough
		return decision
	}
	if rule, matched, err := r.bypass.Match(req); matched {
		decision.Strategy = StrategyPassthrough
		decision.Rule = rule
		return decision
	} else if err != nil {
		r.logger.Warn("bypass rule evaluation failed", slog.String("url", req.URL.String()), slog.Any("error", err))
	}
	if IsDocument(req) {
		decision.Strategy = StrategyNetworkFirst
	} else {
		decision.Strategy = StrategyStaleWhileRevalidate
	}
	return decision
}

// Fetch serves req. Work that must outlive the caller (revalidation and its
// cache write) is attached to ev. A nil store behaves as an empty cache.
func (r *Router) Fetch(ev *event.Event, store cache.Store, req *http.Request) (resp *http.Response, decision Decision, err error) {
	if ev == nil {
		ev = event.New(req.Context(), event.KindFetch)
		defer ev.Settle()
	}
	start := time.Now()
	decision = r.Classify(req)
	defer func() {
		if err != nil {
			decision.Source = SourceNone
		}
		r.metrics.ObserveFetch(string(decision.Strategy), string(decision.Source), time.Since(start))
	}()

	switch decision.Strategy {
	case StrategyPassthrough:
		decision.Source = SourcePassthrough
		resp, err = r.client.Do(req)
		return resp, decision, err
	case StrategyNetworkFirst:
		return r.networkFirst(store, req, decision)
	default:
		return r.staleWhileRevalidate(ev, store, req, decision)
	}
}

func (r *Router) networkFirst(store cache.Store, req *http.Request, decision Decision) (*http.Response, Decision, error) {
	resp, netErr := r.client.Do(req)
	if netErr == nil {
		decision.Source = SourceNetwork
		return resp, decision, nil
	}
	if entry, ok := r.match(req.Context(), store, decision.Key); ok {
		decision.Source = SourceCache
		return entry.Response(req), decision, nil
	}
	return nil, decision, fmt.Errorf("%w: %w", ErrNoResponse, netErr)
}

type revalidation struct {
	entry cache.Entry
	err   error
}

func (r *Router) staleWhileRevalidate(ev *event.Event, store cache.Store, req *http.Request, decision Decision) (*http.Response, Decision, error) {
	results := make(chan revalidation, 1)
	outbound := req.Clone(ev.Context())
	ev.WaitUntil(func(ctx context.Context) error {
		entry, err := r.revalidate(outbound)
		results <- revalidation{entry: entry, err: err}
		if err != nil {
			r.logger.Debug("revalidation failed", slog.String("cache_key", decision.Key), slog.Any("error", err))
			return nil
		}
		r.store(ctx, store, decision.Key, entry)
		return nil
	})

	if entry, ok := r.match(req.Context(), store, decision.Key); ok {
		decision.Source = SourceCache
		return entry.Response(req), decision, nil
	}

	select {
	case result := <-results:
		if result.err != nil {
			return nil, decision, result.err
		}
		decision.Source = SourceNetwork
		return result.entry.Response(req), decision, nil
	case <-req.Context().Done():
		return nil, decision, req.Context().Err()
	}
}

// revalidate performs the network fetch and buffers the body exactly once.
func (r *Router) revalidate(req *http.Request) (cache.Entry, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return cache.Entry{}, err
	}
	return cache.Snapshot(req, resp)
}

func (r *Router) store(ctx context.Context, store cache.Store, key string, entry cache.Entry) {
	if store == nil {
		return
	}
	if !entry.Successful() {
		r.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheResultSkipped, 0)
		return
	}
	if !cache.Storable(entry.Header) {
		// The origin withdrew the resource from caching; the old copy must
		// not keep being served in place of it.
		r.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheResultSkipped, 0)
		if _, err := store.Delete(ctx, key); err != nil {
			r.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheResultError, 0)
			r.logger.Error("cache eviction failed",
				slog.String("generation", store.Name()),
				slog.String("cache_key", key),
				slog.Any("error", err),
			)
		}
		return
	}
	start := time.Now()
	if err := store.Put(ctx, key, entry); err != nil {
		r.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheResultError, time.Since(start))
		r.logger.Error("cache write failed",
			slog.String("generation", store.Name()),
			slog.String("cache_key", key),
			slog.Any("error", err),
		)
		return
	}
	r.metrics.ObserveCache(metrics.CacheOperationPut, metrics.CacheResultStored, time.Since(start))
}

func (r *Router) match(ctx context.Context, store cache.Store, key string) (cache.Entry, bool) {
	if store == nil {
		return cache.Entry{}, false
	}
	start := time.Now()
	entry, found, err := store.Match(ctx, key)
	switch {
	case err != nil:
		r.metrics.ObserveCache(metrics.CacheOperationMatch, metrics.CacheResultError, time.Since(start))
		r.logger.Warn("cache lookup failed", slog.String("cache_key", key), slog.Any("error", err))
		return cache.Entry{}, false
	case !found:
		r.metrics.ObserveCache(metrics.CacheOperationMatch, metrics.CacheResultMiss, time.Since(start))
		return cache.Entry{}, false
	}
	r.metrics.ObserveCache(metrics.CacheOperationMatch, metrics.CacheResultHit, time.Since(start))
	return entry, true
}

// IsDocument reports whether req is a page navigation: its declared
// destination is a document, or its Accept header admits text/html.
func IsDocument(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Dest"), "document") {
		return true
	}
	for _, accept := range req.Header.Values("Accept") {
		for _, part := range strings.Split(accept, ",") {
			mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil || mediaType != "text/html" {
				continue
			}
			if q, ok := params["q"]; ok && strings.Trim(q, "0.") == "" {
				continue
			}
			return true
		}
	}
	return false
}
