package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/campusworker/internal/config"
	"github.com/l0p7/campusworker/internal/runtime/cache"
	"github.com/l0p7/campusworker/internal/runtime/event"
	"github.com/l0p7/campusworker/internal/runtime/fetch"
	"github.com/l0p7/campusworker/internal/runtime/lifecycle"
	"github.com/l0p7/campusworker/internal/runtime/network"
	"github.com/l0p7/campusworker/internal/runtime/push"
	"github.com/l0p7/campusworker/internal/templates"
)

// SourceHeader names the response header carrying the fetch source.
const SourceHeader = "X-Campusworker"

// ErrShuttingDown is returned for events started after Shutdown.
var ErrShuttingDown = errors.New("runtime: worker is shutting down")

type WorkerOptions struct {
	Manager           *lifecycle.Manager
	Router            *fetch.Router
	Receiver          *push.Receiver
	Clicks            *push.ClickRouter
	Center            *push.Center
	Origin            *network.Origin
	Offline           *templates.OfflinePage
	CorrelationHeader string
}

// Worker hosts the background process: it turns page traffic, push messages
// and clicks into events, dispatches them to the components and keeps every
// event alive until its attached work completes.
type Worker struct {
	logger            *slog.Logger
	manager           *lifecycle.Manager
	router            *fetch.Router
	receiver          *push.Receiver
	clicks            *push.ClickRouter
	center            *push.Center
	origin            *network.Origin
	offline           *templates.OfflinePage
	correlationHeader string

	deployMu sync.Mutex

	mu       sync.Mutex
	closing  bool
	events   map[*event.Event]string
	inflight map[string]int
	// handoff, when set, is the installed generation new fetches use while the
	// previous generation drains.
	handoff *servingGeneration
}

type servingGeneration struct {
	name  string
	store cache.Store
}

func NewWorker(logger *slog.Logger, opts WorkerOptions) (*Worker, error) {
	if opts.Manager == nil || opts.Router == nil || opts.Origin == nil {
		return nil, errors.New("runtime: manager, router and origin are required")
	}
	if opts.Receiver == nil || opts.Clicks == nil || opts.Center == nil {
		return nil, errors.New("runtime: push receiver, click router and notification center are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	offline := opts.Offline
	if offline == nil {
		page, err := templates.NewOfflinePage(nil, "")
		if err != nil {
			return nil, fmt.Errorf("runtime: offline page: %w", err)
		}
		offline = page
	}
	return &Worker{
		logger:            logger.With(slog.String("agent", "worker")),
		manager:           opts.Manager,
		router:            opts.Router,
		receiver:          opts.Receiver,
		clicks:            opts.Clicks,
		center:            opts.Center,
		origin:            opts.Origin,
		offline:           offline,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		events:            make(map[*event.Event]string),
		inflight:          make(map[string]int),
	}, nil
}

// Deploy installs manifest, waits for fetches still served by the previous
// generation to finish, then activates. Fetches arriving during that wait are
// served from the installed generation. A failed install leaves the current
// generation serving untouched.
func (w *Worker) Deploy(ctx context.Context, manifest config.Manifest) (lifecycle.ActivationReport, error) {
	w.deployMu.Lock()
	defer w.deployMu.Unlock()

	logger := w.logger.With(slog.String("generation", manifest.Generation))
	install, err := w.begin(ctx, event.KindInstall, "")
	if err != nil {
		return lifecycle.ActivationReport{}, err
	}
	install.WaitUntil(func(ctx context.Context) error {
		return w.manager.Install(ctx, manifest)
	})
	if err := install.Wait(ctx); err != nil {
		return lifecycle.ActivationReport{}, err
	}

	if previous, _, ok := w.manager.Current(); ok && previous != manifest.Generation {
		next, store, _ := w.manager.Next()
		logger.Info("waiting for previous generation to drain", slog.String("previous", previous))
		pending := w.handOff(previous, servingGeneration{name: next, store: store})
		defer w.endHandoff()
		if err := waitAll(ctx, pending); err != nil {
			return lifecycle.ActivationReport{}, err
		}
	}

	activate, err := w.begin(ctx, event.KindActivate, "")
	if err != nil {
		return lifecycle.ActivationReport{}, err
	}
	var report lifecycle.ActivationReport
	activate.WaitUntil(func(ctx context.Context) error {
		var err error
		report, err = w.manager.Activate(ctx)
		return err
	})
	if err := activate.Wait(ctx); err != nil {
		return lifecycle.ActivationReport{}, err
	}
	if err := report.Err(); err != nil {
		logger.Warn("stale generations left behind", slog.Any("error", err))
	}
	return report, nil
}

// ServeHTTP intercepts one page request.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := w.requestCorrelationID(r)
	if w.correlationHeader != "" {
		rw.Header().Set(w.correlationHeader, correlationID)
	}
	reqLogger := w.logger.With(slog.String("correlation_id", correlationID))

	ev, generation, store, err := w.beginFetch(r.Context())
	if err != nil {
		w.WriteError(rw, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer ev.Settle()

	outbound := w.origin.Outbound(r)
	resp, decision, err := w.router.Fetch(ev, store, outbound)
	if err != nil {
		w.writeFailure(rw, r, outbound, decision, generation, err)
		reqLogger.Warn("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("strategy", string(decision.Strategy)),
			slog.Any("error", err),
		)
		return
	}
	defer resp.Body.Close()

	network.CopyHeaders(rw.Header(), resp.Header)
	rw.Header().Set(SourceHeader, string(decision.Source))
	ensureExposedHeader(rw.Header(), SourceHeader)
	if w.correlationHeader != "" {
		ensureExposedHeader(rw.Header(), w.correlationHeader)
	}
	rw.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(rw, resp.Body); err != nil {
		reqLogger.Debug("response copy interrupted", slog.Any("error", err))
	}

	reqLogger.Debug("request served",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("strategy", string(decision.Strategy)),
		slog.String("source", string(decision.Source)),
		slog.String("generation", generation),
		slog.Int("http_status", resp.StatusCode),
		slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
	)
}

func (w *Worker) writeFailure(rw http.ResponseWriter, r, outbound *http.Request, decision fetch.Decision, generation string, cause error) {
	if decision.Strategy != fetch.StrategyNetworkFirst {
		w.WriteError(rw, http.StatusBadGateway, "upstream unavailable")
		return
	}
	body, err := w.offline.Render(templates.OfflineData{
		Path:       r.URL.RequestURI(),
		URL:        outbound.URL.String(),
		Generation: generation,
	})
	if err != nil {
		w.logger.Error("offline page render failed", slog.Any("error", err), slog.Any("cause", cause))
		w.WriteError(rw, http.StatusGatewayTimeout, "offline")
		return
	}
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(http.StatusGatewayTimeout)
	if _, err := rw.Write(body); err != nil {
		w.logger.Debug("offline page write failed", slog.Any("error", err))
	}
}

// HandlePush runs one push event and waits until the notification is shown.
func (w *Worker) HandlePush(ctx context.Context, raw []byte) (push.Notification, error) {
	ev, err := w.begin(ctx, event.KindPush, "")
	if err != nil {
		return push.Notification{}, err
	}
	n := w.receiver.Handle(ev, raw)
	if err := ev.Wait(ctx); err != nil {
		return n, err
	}
	return n, nil
}

// Click runs one notification click event.
func (w *Worker) Click(ctx context.Context, id string) error {
	ev, err := w.begin(ctx, event.KindNotificationClick, "")
	if err != nil {
		return err
	}
	if err := w.clicks.Handle(ev, id); err != nil {
		ev.Settle()
		return err
	}
	return ev.Wait(ctx)
}

// Go runs fn as a tracked background event. It returns as soon as fn is
// scheduled; Shutdown waits for it to finish.
func (w *Worker) Go(ctx context.Context, fn func(ctx context.Context) error) error {
	ev, err := w.begin(ctx, event.KindTask, "")
	if err != nil {
		return err
	}
	ev.WaitUntil(fn)
	ev.Settle()
	return nil
}

// Notifications lists the open notifications.
func (w *Worker) Notifications() []push.Notification {
	return w.center.List()
}

// Status is the health snapshot of the worker.
type Status struct {
	Status     string    `json:"status"`
	Generation string    `json:"generation,omitempty"`
	Waiting    string    `json:"waiting,omitempty"`
	InFlight   int       `json:"inflight"`
	ObservedAt time.Time `json:"observedAt"`
}

func (w *Worker) Status() Status {
	status := Status{Status: "ok", ObservedAt: time.Now().UTC()}
	if name, _, ok := w.manager.Current(); ok {
		status.Generation = name
	} else {
		status.Status = "degraded"
	}
	status.Waiting, _ = w.manager.Waiting()
	w.mu.Lock()
	status.InFlight = len(w.events)
	if w.closing {
		status.Status = "stopping"
	}
	w.mu.Unlock()
	return status
}

// ServeHealth reports the worker status. It answers 503 while no generation is
// active.
func (w *Worker) ServeHealth(rw http.ResponseWriter, _ *http.Request) {
	status := w.Status()
	rw.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		rw.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(rw).Encode(status); err != nil {
		w.logger.Error("health encode failed", slog.Any("error", err))
	}
}

// WriteError emits a JSON error payload.
func (w *Worker) WriteError(rw http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(map[string]any{"error": message}); err != nil {
		w.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

// Shutdown refuses new events and waits for every tracked event to complete.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.closing = true
	pending := make([]*event.Event, 0, len(w.events))
	for ev := range w.events {
		pending = append(pending, ev)
	}
	w.mu.Unlock()
	return waitAll(ctx, pending)
}

func (w *Worker) begin(ctx context.Context, kind event.Kind, generation string) (*event.Event, error) {
	ev := event.New(ctx, kind)
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return nil, ErrShuttingDown
	}
	w.track(ev, generation)
	w.mu.Unlock()
	ev.OnDone(func(error) { w.finish(ev) })
	return ev, nil
}

// track registers ev; w.mu must be held.
func (w *Worker) track(ev *event.Event, generation string) {
	w.events[ev] = generation
	if generation != "" {
		w.inflight[generation]++
	}
}

func (w *Worker) finish(ev *event.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	generation, ok := w.events[ev]
	if !ok {
		return
	}
	delete(w.events, ev)
	if generation == "" {
		return
	}
	w.inflight[generation]--
	if w.inflight[generation] <= 0 {
		delete(w.inflight, generation)
	}
}

// beginFetch picks the serving generation and registers the fetch event in
// one critical section, so a drain snapshot either sees the event or the
// event already uses the handed-off generation.
func (w *Worker) beginFetch(ctx context.Context) (*event.Event, string, cache.Store, error) {
	ev := event.New(ctx, event.KindFetch)
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return nil, "", nil, ErrShuttingDown
	}
	var (
		generation string
		store      cache.Store
	)
	if w.handoff != nil {
		generation, store = w.handoff.name, w.handoff.store
	} else {
		generation, store, _ = w.manager.Current()
	}
	w.track(ev, generation)
	w.mu.Unlock()
	ev.OnDone(func(error) { w.finish(ev) })
	return ev, generation, store, nil
}

// handOff routes new fetches to next and returns the fetch events still
// running against previous. Events started afterwards are not waited for.
func (w *Worker) handOff(previous string, next servingGeneration) []*event.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handoff = &next
	pending := make([]*event.Event, 0, w.inflight[previous])
	for ev, gen := range w.events {
		if gen == previous && ev.Kind() == event.KindFetch {
			pending = append(pending, ev)
		}
	}
	return pending
}

func (w *Worker) endHandoff() {
	w.mu.Lock()
	w.handoff = nil
	w.mu.Unlock()
}

func waitAll(ctx context.Context, events []*event.Event) error {
	for _, ev := range events {
		select {
		case <-ev.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *Worker) requestCorrelationID(r *http.Request) string {
	if r != nil && w.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(w.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
