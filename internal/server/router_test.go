package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/campusworker/internal/config"
	"github.com/l0p7/campusworker/internal/metrics"
	"github.com/l0p7/campusworker/internal/platform"
	"github.com/l0p7/campusworker/internal/runtime"
	"github.com/l0p7/campusworker/internal/runtime/cache"
	"github.com/l0p7/campusworker/internal/runtime/fetch"
	"github.com/l0p7/campusworker/internal/runtime/lifecycle"
	"github.com/l0p7/campusworker/internal/runtime/network"
	"github.com/l0p7/campusworker/internal/runtime/push"
	"github.com/l0p7/campusworker/internal/subscription"
)

const applicationServerKey = "BEl62iUYgUivxIkv69yViEuiBIa-Ib9-SkvMeAtA3LFgDzkrxZJjSgSnfckjBJuBkr3qBUYIHBQFLXYp5Nksh8U"

type stack struct {
	expect      *httpexpect.Expect
	worker      *runtime.Worker
	pushService *platform.PushService
	windows     *platform.Windows
	originUp    *atomic.Bool
	backendHits chan string
}

func newStack(t *testing.T) *stack {
	t.Helper()
	up := &atomic.Bool{}
	up.Store(true)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
		case strings.HasSuffix(r.URL.Path, ".css"):
			w.Header().Set("Content-Type", "text/css")
			_, _ = io.WriteString(w, "body{}")
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, "<h1>"+r.URL.Path+"</h1>")
		}
	}))
	t.Cleanup(origin.Close)

	hits := make(chan string, 8)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.URL.Path
		if r.Header.Get("Authorization") == "Bearer expired" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(backend.Close)

	originURL, err := network.ParseOrigin(origin.URL)
	require.NoError(t, err)
	client := network.NewClient(0)
	rec := metrics.NewRecorder(prometheus.NewRegistry())

	manager, err := lifecycle.NewManager(lifecycle.Options{Storage: cache.NewMemory(), Client: client, Origin: originURL, Metrics: rec})
	require.NoError(t, err)
	router, err := fetch.NewRouter(fetch.Config{Client: client, Metrics: rec})
	require.NoError(t, err)
	center := push.NewCenter()
	receiver, err := push.NewReceiver(push.ReceiverConfig{Displayer: center, Origin: originURL, Metrics: rec})
	require.NoError(t, err)
	windows := platform.NewWindows()
	clicks, err := push.NewClickRouter(push.ClickConfig{Tray: center, Opener: windows, Origin: originURL, Metrics: rec})
	require.NoError(t, err)
	worker, err := runtime.NewWorker(nil, runtime.WorkerOptions{
		Manager:  manager,
		Router:   router,
		Receiver: receiver,
		Clicks:   clicks,
		Center:   center,
		Origin:   originURL,
	})
	require.NoError(t, err)

	pushService, err := platform.NewPushService(origin.URL + "/push")
	require.NoError(t, err)
	pushService.Attach(worker)
	subscriber := subscription.NewClient(subscription.ClientConfig{
		Container:            platform.NewContainer(originURL, pushService),
		ApplicationServerKey: applicationServerKey,
	})
	notifications, err := subscription.NewBackend(subscription.BackendConfig{APIURL: backend.URL})
	require.NoError(t, err)

	handler := NewHandler(Routes{
		Worker:     worker,
		Push:       pushService,
		Subscriber: subscriber,
		Backend:    notifications,
		Windows:    windows,
		Metrics:    rec.Handler(),
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	_, err = worker.Deploy(context.Background(), config.Manifest{Generation: "campus-v1", Assets: []string{"/app.css"}})
	require.NoError(t, err)

	return &stack{
		expect: httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  srv.URL,
			Reporter: httpexpect.NewRequireReporter(t),
			Client:   &http.Client{Timeout: 5 * time.Second},
		}),
		worker:      worker,
		pushService: pushService,
		windows:     windows,
		originUp:    up,
		backendHits: hits,
	}
}

func (s *stack) subscribe(t *testing.T) string {
	t.Helper()
	sub := s.expect.POST("/_worker/subscribe").
		WithHeader("Authorization", "Bearer token-123").
		Expect().
		Status(http.StatusCreated).
		JSON().Object()
	endpoint := sub.Value("endpoint").String().Raw()
	_, id, ok := strings.Cut(endpoint, "/push/")
	require.True(t, ok)
	require.Equal(t, "/notifications/subscribe", <-s.backendHits)
	return id
}

func TestHealthReportsActiveGeneration(t *testing.T) {
	s := newStack(t)
	obj := s.expect.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	obj.Value("status").IsEqual("ok")
	obj.Value("generation").IsEqual("campus-v1")
}

func TestInterceptsPageTraffic(t *testing.T) {
	s := newStack(t)

	s.expect.GET("/app.css").Expect().
		Status(http.StatusOK).
		Header(runtime.SourceHeader).IsEqual("cache")

	s.expect.GET("/events").WithHeader("Sec-Fetch-Dest", "document").Expect().
		Status(http.StatusOK).
		Body().IsEqual("<h1>/events</h1>")

	s.expect.POST("/rsvp").WithText("{}").Expect().
		Status(http.StatusAccepted).
		Header(runtime.SourceHeader).IsEqual("passthrough")
}

func TestOfflineNavigationRendersOfflinePage(t *testing.T) {
	s := newStack(t)
	s.originUp.Store(false)

	resp := s.expect.GET("/events/<script>").WithHeader("Sec-Fetch-Dest", "document").Expect()
	resp.Status(http.StatusGatewayTimeout)
	resp.Header("Content-Type").Contains("text/html")
	body := resp.Body()
	body.Contains("You are offline")
	body.NotContains("<script>")

	s.expect.GET("/app.css").Expect().Status(http.StatusOK).Body().IsEqual("body{}")
	s.expect.GET("/missing.js").Expect().Status(http.StatusBadGateway)
}

func TestPushDeliveryAndClick(t *testing.T) {
	s := newStack(t)
	id := s.subscribe(t)

	n := s.expect.POST("/push/" + id).
		WithText(`{"title":"Hackathon","body":"Starts at 9","url":"/events/42"}`).
		Expect().
		Status(http.StatusCreated).
		JSON().Object()
	n.Value("title").IsEqual("Hackathon")
	n.Value("data").Object().Value("url").IsEqual("/events/42")
	notificationID := n.Value("id").String().Raw()

	s.expect.GET("/_worker/notifications").Expect().
		Status(http.StatusOK).
		JSON().Object().Value("notifications").Array().Length().IsEqual(1)

	s.expect.POST("/_worker/notifications/" + notificationID + "/click").Expect().
		Status(http.StatusNoContent)

	s.expect.GET("/_worker/notifications").Expect().
		JSON().Object().Value("notifications").Array().IsEmpty()

	windows := s.expect.GET("/_worker/windows").Expect().
		Status(http.StatusOK).
		JSON().Object().Value("windows").Array()
	windows.Length().IsEqual(1)
	windows.Value(0).Object().Value("url").String().HasSuffix("/events/42")

	s.expect.POST("/_worker/notifications/unknown/click").Expect().Status(http.StatusNotFound)
}

func TestPushRejectsUnknownAndOversized(t *testing.T) {
	s := newStack(t)
	s.expect.POST("/push/does-not-exist").WithText("hi").Expect().Status(http.StatusGone)

	id := s.subscribe(t)
	s.expect.POST("/push/" + id).WithText(strings.Repeat("x", maxPushPayload+1)).Expect().
		Status(http.StatusRequestEntityTooLarge)
	s.expect.POST("/push/" + id).WithText("plain text").Expect().
		Status(http.StatusCreated).
		JSON().Object().Value("title").IsEqual(push.DefaultTitle)
}

func TestSubscribeRequiresBearer(t *testing.T) {
	s := newStack(t)
	s.expect.POST("/_worker/subscribe").Expect().Status(http.StatusUnauthorized)
	s.expect.POST("/_worker/subscribe").WithHeader("Authorization", "Basic abc").Expect().Status(http.StatusUnauthorized)
}

func TestSubscribeBackendRejection(t *testing.T) {
	s := newStack(t)
	obj := s.expect.POST("/_worker/subscribe").
		WithHeader("Authorization", "Bearer expired").
		Expect().
		Status(http.StatusBadGateway).
		JSON().Object()
	obj.Value("error").String().Contains("status 401")
	obj.Value("subscription").Object().Value("endpoint").String().NotEmpty()
}

func TestTestNotificationIsFireAndForget(t *testing.T) {
	s := newStack(t)
	s.expect.POST("/_worker/test-notification").Expect().Status(http.StatusUnauthorized)
	s.expect.POST("/_worker/test-notification").
		WithHeader("Authorization", "Bearer expired").
		Expect().
		Status(http.StatusAccepted)

	// Shutdown drains the request, so the backend has seen it once it returns.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.worker.Shutdown(ctx))
	select {
	case path := <-s.backendHits:
		require.Equal(t, "/notifications/test", path)
	default:
		t.Fatal("shutdown returned before the test notification request completed")
	}

	s.expect.POST("/_worker/test-notification").
		WithHeader("Authorization", "Bearer late").
		Expect().
		Status(http.StatusServiceUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newStack(t)
	s.expect.GET("/app.css").Expect().Status(http.StatusOK)
	s.expect.GET("/metrics").Expect().
		Status(http.StatusOK).
		Body().Contains("campusworker_fetch_requests_total")
}

func TestNilWorkerIsUnavailable(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(Routes{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	_, ok := bearerToken(req)
	require.False(t, ok)
	req.Header.Set("Authorization", "bearer  abc ")
	token, ok := bearerToken(req)
	require.True(t, ok)
	require.Equal(t, "abc", token)
}
