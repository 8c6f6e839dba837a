// Package lifecycle manages cache generations: precaching a generation on
// install and collecting every other generation on activate.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/campusworker/internal/config"
	"github.com/l0p7/campusworker/internal/metrics"
	"github.com/l0p7/campusworker/internal/runtime/cache"
	"github.com/l0p7/campusworker/internal/runtime/network"
)

// ErrNothingWaiting is returned by Activate when no installed generation awaits promotion.
var ErrNothingWaiting = errors.New("lifecycle: no installed generation waiting")

// InstallError reports the precache asset that failed an install.
type InstallError struct {
	Generation string
	Asset      string
	Err        error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("lifecycle: install %s: precache %s: %v", e.Generation, e.Asset, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// ActivationReport summarizes one activation. Failed deletions are recorded
// but never abort the activation.
type ActivationReport struct {
	Generation string
	Previous   string
	Deleted    []string
	Failed     map[string]error
	ListErr    error
}

// Err joins every failure recorded during stale generation collection.
func (r ActivationReport) Err() error {
	errs := make([]error, 0, len(r.Failed)+1)
	if r.ListErr != nil {
		errs = append(errs, r.ListErr)
	}
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		errs = append(errs, fmt.Errorf("delete %s: %w", name, r.Failed[name]))
	}
	return errors.Join(errs...)
}

// Options configures a Manager.
type Options struct {
	Storage     cache.Storage
	Client      network.Client
	Origin      *network.Origin
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
}

// Manager owns the current and waiting generation pointers. The current
// store handle is handed to fetch handlers explicitly through Current.
type Manager struct {
	storage     cache.Storage
	client      network.Client
	origin      *network.Origin
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Recorder

	mu           sync.Mutex
	current      string
	currentStore cache.Store
	waiting      string
	waitingStore cache.Store
	installing   map[string]int
}

// NewManager validates opts and returns a manager with no current generation.
func NewManager(opts Options) (*Manager, error) {
	if opts.Storage == nil {
		return nil, errors.New("lifecycle: storage required")
	}
	if opts.Client == nil {
		return nil, errors.New("lifecycle: network client required")
	}
	if opts.Origin == nil {
		return nil, errors.New("lifecycle: origin required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		storage:     opts.Storage,
		client:      opts.Client,
		origin:      opts.Origin,
		concurrency: concurrency,
		logger:      logger,
		metrics:     opts.Metrics,
		installing:  make(map[string]int),
	}, nil
}

// Install precaches every manifest asset into the generation's store. It is
// all-or-nothing: assets are fetched first, and only when every fetch returned
// a 2xx response is the store opened and filled. A store created by a failed
// install is deleted again. On success the generation becomes the waiting one.
func (m *Manager) Install(ctx context.Context, manifest config.Manifest) (err error) {
	if err := manifest.Validate(); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	name := manifest.Generation
	logger := m.logger.With(slog.String("generation", name))
	defer func() { m.metrics.ObserveLifecycle(metrics.LifecycleInstall, err == nil) }()

	m.beginInstall(name)
	defer m.endInstall(name)

	entries, err := m.precache(ctx, name, manifest.Assets)
	if err != nil {
		logger.Warn("install failed", slog.Any("error", err))
		return err
	}

	existed, err := m.storage.Has(ctx, name)
	if err != nil {
		return fmt.Errorf("lifecycle: install %s: %w", name, err)
	}
	store, err := m.storage.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("lifecycle: install %s: open store: %w", name, err)
	}
	for i, entry := range entries {
		key := cache.Key(http.MethodGet, entry.URL)
		if putErr := store.Put(ctx, key, entry); putErr != nil {
			err = &InstallError{Generation: name, Asset: manifest.Assets[i], Err: putErr}
			if !existed {
				if _, delErr := m.storage.Delete(ctx, name); delErr != nil {
					logger.Error("rollback of partial install failed", slog.Any("error", delErr))
				}
			}
			logger.Warn("install failed", slog.Any("error", err))
			return err
		}
	}

	m.mu.Lock()
	m.waiting = name
	m.waitingStore = store
	m.mu.Unlock()
	logger.Info("generation installed", slog.Int("assets", len(entries)), slog.Bool("refreshed", existed))
	return nil
}

func (m *Manager) precache(ctx context.Context, name string, assets []string) ([]cache.Entry, error) {
	entries := make([]cache.Entry, len(assets))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.concurrency)
	for i, asset := range assets {
		group.Go(func() error {
			entry, err := m.fetchAsset(groupCtx, asset)
			if err != nil {
				return &InstallError{Generation: name, Asset: asset, Err: err}
			}
			entries[i] = entry
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *Manager) fetchAsset(ctx context.Context, asset string) (cache.Entry, error) {
	target, err := m.origin.Resolve(asset)
	if err != nil {
		return cache.Entry{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return cache.Entry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := m.client.Do(req)
	if err != nil {
		return cache.Entry{}, err
	}
	entry, err := cache.Snapshot(req, resp)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("read body: %w", err)
	}
	if !entry.Successful() {
		return cache.Entry{}, fmt.Errorf("unexpected status %d", entry.Status)
	}
	return entry, nil
}

// Activate promotes the waiting generation to current and deletes every other
// stored generation. Deletion is best-effort per name; failures land in the
// report. Generations that are mid-install are left alone.
func (m *Manager) Activate(ctx context.Context) (ActivationReport, error) {
	m.mu.Lock()
	if m.waiting == "" {
		m.mu.Unlock()
		return ActivationReport{}, ErrNothingWaiting
	}
	name := m.waiting
	m.mu.Unlock()

	store, err := m.storage.Open(ctx, name)
	if err != nil {
		m.metrics.ObserveLifecycle(metrics.LifecycleActivate, false)
		return ActivationReport{}, fmt.Errorf("lifecycle: activate %s: %w", name, err)
	}

	m.mu.Lock()
	report := ActivationReport{Generation: name, Previous: m.current, Failed: map[string]error{}}
	m.current = name
	m.currentStore = store
	if m.waiting == name {
		m.waiting = ""
		m.waitingStore = nil
	}
	m.mu.Unlock()
	m.metrics.SetCurrentGeneration(name)

	logger := m.logger.With(slog.String("generation", name))
	names, err := m.storage.Names(ctx)
	if err != nil {
		report.ListErr = fmt.Errorf("lifecycle: list generations: %w", err)
		logger.Error("stale generation listing failed", slog.Any("error", err))
	}
	for _, stale := range names {
		if stale == name || m.protected(stale) {
			continue
		}
		if _, err := m.storage.Delete(ctx, stale); err != nil {
			report.Failed[stale] = err
			m.metrics.ObserveGenerationDeletion(false)
			logger.Warn("stale generation deletion failed", slog.String("stale", stale), slog.Any("error", err))
			continue
		}
		report.Deleted = append(report.Deleted, stale)
		m.metrics.ObserveGenerationDeletion(true)
	}
	m.metrics.ObserveLifecycle(metrics.LifecycleActivate, true)
	logger.Info("generation activated",
		slog.String("previous", report.Previous),
		slog.Any("deleted", report.Deleted),
		slog.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// Current returns the generation serving traffic and its store handle.
func (m *Manager) Current() (string, cache.Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == "" {
		return "", nil, false
	}
	return m.current, m.currentStore, true
}

// Next returns the installed generation awaiting activation with its store
// handle. Activation never deletes it.
func (m *Manager) Next() (string, cache.Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiting == "" {
		return "", nil, false
	}
	return m.waiting, m.waitingStore, true
}

// Waiting returns the installed generation awaiting activation.
func (m *Manager) Waiting() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting, m.waiting != ""
}

func (m *Manager) beginInstall(name string) {
	m.mu.Lock()
	m.installing[name]++
	m.mu.Unlock()
}

func (m *Manager) endInstall(name string) {
	m.mu.Lock()
	m.installing[name]--
	if m.installing[name] <= 0 {
		delete(m.installing, name)
	}
	m.mu.Unlock()
}

func (m *Manager) protected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == m.waiting || name == m.current {
		return true
	}
	_, busy := m.installing[name]
	return busy
}
