package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/l0p7/campusworker/internal/platform"
	"github.com/l0p7/campusworker/internal/runtime/push"
	"github.com/l0p7/campusworker/internal/subscription"
)

// maxPushPayload mirrors the payload ceiling push services enforce.
const maxPushPayload = 4096

// WorkerHTTP is the surface of the worker host the router dispatches to.
type WorkerHTTP interface {
	ServeHTTP(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
	Click(ctx context.Context, id string) error
	Notifications() []push.Notification
	Go(ctx context.Context, fn func(ctx context.Context) error) error
}

// PushEndpoint delivers messages posted to subscription endpoints.
type PushEndpoint interface {
	Deliver(ctx context.Context, id string, raw []byte) (push.Notification, error)
}

// WindowLister exposes the client windows opened by notification clicks.
type WindowLister interface {
	List() []platform.Window
}

// Routes collects the collaborators behind the HTTP surface. Subscriber,
// Backend, Windows and Metrics are optional.
type Routes struct {
	Worker     WorkerHTTP
	Push       PushEndpoint
	Subscriber *subscription.Client
	Backend    *subscription.Backend
	Windows    WindowLister
	Metrics    http.Handler
	Logger     *slog.Logger
}

// NewHandler mounts the control endpoints and hands every other request to
// the worker for interception.
func NewHandler(routes Routes) http.Handler {
	if routes.Worker == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "worker unavailable", http.StatusServiceUnavailable)
		})
	}
	logger := routes.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{Routes: routes, logger: logger.With(slog.String("agent", "router"))}

	mux := http.NewServeMux()
	if routes.Metrics != nil {
		mux.Handle("GET /metrics", routes.Metrics)
	}
	mux.HandleFunc("GET /healthz", routes.Worker.ServeHealth)
	mux.HandleFunc("POST /push/{id}", h.deliverPush)
	mux.HandleFunc("GET /_worker/notifications", h.listNotifications)
	mux.HandleFunc("POST /_worker/notifications/{id}/click", h.clickNotification)
	mux.HandleFunc("GET /_worker/windows", h.listWindows)
	mux.HandleFunc("POST /_worker/subscribe", h.subscribe)
	mux.HandleFunc("POST /_worker/test-notification", h.testNotification)
	mux.Handle("/", routes.Worker)
	return mux
}

type handler struct {
	Routes
	logger *slog.Logger
}

func (h *handler) deliverPush(w http.ResponseWriter, r *http.Request) {
	if h.Push == nil {
		h.Worker.WriteError(w, http.StatusServiceUnavailable, "push service unavailable")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload+1))
	if err != nil {
		h.Worker.WriteError(w, http.StatusBadRequest, "unreadable payload")
		return
	}
	if len(raw) > maxPushPayload {
		h.Worker.WriteError(w, http.StatusRequestEntityTooLarge, "payload exceeds 4096 bytes")
		return
	}
	n, err := h.Push.Deliver(r.Context(), r.PathValue("id"), raw)
	switch {
	case errors.Is(err, platform.ErrUnknownSubscription):
		h.Worker.WriteError(w, http.StatusGone, "subscription not found")
		return
	case err != nil:
		h.logger.Error("push delivery failed", slog.Any("error", err))
		h.Worker.WriteError(w, http.StatusInternalServerError, "push delivery failed")
		return
	}
	h.writeJSON(w, http.StatusCreated, n)
}

func (h *handler) listNotifications(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"notifications": h.Worker.Notifications()})
}

func (h *handler) clickNotification(w http.ResponseWriter, r *http.Request) {
	err := h.Worker.Click(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, push.ErrUnknownNotification):
		h.Worker.WriteError(w, http.StatusNotFound, "notification not found")
	case err != nil:
		h.logger.Warn("notification click failed", slog.Any("error", err))
		h.Worker.WriteError(w, http.StatusBadGateway, "window could not be opened")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handler) listWindows(w http.ResponseWriter, _ *http.Request) {
	windows := []platform.Window{}
	if h.Windows != nil {
		windows = h.Windows.List()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"windows": windows})
}

func (h *handler) subscribe(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		h.Worker.WriteError(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	if !h.Subscriber.Supported() {
		h.Worker.WriteError(w, http.StatusServiceUnavailable, subscription.ErrUnsupported.Error())
		return
	}
	if h.Backend == nil {
		h.Worker.WriteError(w, http.StatusServiceUnavailable, "notification backend not configured")
		return
	}
	sub, err := subscription.Enroll(r.Context(), h.Subscriber, h.Backend, token)
	var backendErr *subscription.BackendError
	switch {
	case errors.As(err, &backendErr):
		h.logger.Warn("backend rejected subscription", slog.Int("status", backendErr.StatusCode))
		h.writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":        backendErr.Error(),
			"subscription": sub,
		})
	case errors.Is(err, subscription.ErrUnsupported):
		h.Worker.WriteError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		h.logger.Warn("subscription failed", slog.Any("error", err))
		h.Worker.WriteError(w, http.StatusBadGateway, err.Error())
	default:
		h.writeJSON(w, http.StatusCreated, sub)
	}
}

func (h *handler) testNotification(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		h.Worker.WriteError(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	if h.Backend == nil {
		h.Worker.WriteError(w, http.StatusServiceUnavailable, "notification backend not configured")
		return
	}
	err := h.Worker.Go(r.Context(), func(ctx context.Context) error {
		h.Backend.RequestTestNotification(ctx, token)
		return nil
	})
	if err != nil {
		h.Worker.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func bearerToken(r *http.Request) (string, bool) {
	value := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
