package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/s6ptember/tasks-managment-system/internal/cache"
	"github.com/s6ptember/tasks-managment-system/internal/config"
	"github.com/s6ptember/tasks-managment-system/internal/notify"
	"github.com/s6ptember/tasks-managment-system/internal/runtime"
	"github.com/s6ptember/tasks-managment-system/internal/syncqueue"
)

// recordingHost 记录 worker 对宿主能力的调用。
type recordingHost struct {
	mu           sync.Mutex
	skipCalls    int
	claimCalls   int
	focusedPaths []string
}

func (h *recordingHost) SkipWaiting(ctx context.Context) error {
	h.mu.Lock()
	h.skipCalls++
	h.mu.Unlock()
	return nil
}

func (h *recordingHost) ClaimClients() {
	h.mu.Lock()
	h.claimCalls++
	h.mu.Unlock()
}

func (h *recordingHost) FocusOrOpen(path string) *runtime.Client {
	h.mu.Lock()
	h.focusedPaths = append(h.focusedPaths, path)
	h.mu.Unlock()
	return &runtime.Client{ID: "client-1", Path: path, Focused: true, Controlled: true}
}

// upstreamStub 统计每条路径被上游收到的请求次数。
type upstreamStub struct {
	server *httptest.Server

	mu     sync.Mutex
	hits   map[string]int
	status map[string]int
	bodies map[string]string
	down   bool
}

func newUpstreamStub() *upstreamStub {
	stub := &upstreamStub{
		hits:   make(map[string]int),
		status: make(map[string]int),
		bodies: make(map[string]string),
	}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.handle))
	return stub
}

func (s *upstreamStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	status, ok := s.status[r.URL.Path]
	if !ok {
		status = http.StatusOK
	}
	body, ok := s.bodies[r.URL.Path]
	if !ok {
		body = "upstream:" + r.URL.Path
	}
	s.mu.Unlock()

	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		io.WriteString(w, body)
	}
}

func (s *upstreamStub) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *upstreamStub) SetStatus(path string, status int) {
	s.mu.Lock()
	s.status[path] = status
	s.mu.Unlock()
}

func (s *upstreamStub) SetBody(path, body string) {
	s.mu.Lock()
	s.bodies[path] = body
	s.mu.Unlock()
}

func (s *upstreamStub) Close() { s.server.Close() }

func testWorkerConfig(upstreamURL string) config.WorkerConfig {
	return config.WorkerConfig{
		Scope:          "/",
		Upstream:       upstreamURL,
		StaticVersion:  "v3",
		DynamicVersion: "v1",
		Precache: []string{
			"/",
			"/static/css/style.css",
			"/static/js/htmx.min.js",
			"/users/login/",
		},
		BypassPrefixes:  []string{"/admin/", "/api/", "/health/"},
		StaticPrefixes:  []string{"/static/", "/media/"},
		AssetExtensions: []string{".css", ".js", ".png", ".ico", ".woff2"},
		OfflineFallback: "/",
		SyncTag:         "sync-tasks",
	}
}

func testPushConfig() config.PushConfig {
	return config.PushConfig{
		Title:       "Task Manager",
		DefaultBody: "You have pending tasks",
		Icon:        "/static/icons/icon-192x192.png",
		Badge:       "/static/icons/icon-192x192.png",
		Vibration:   []int{200, 100, 200},
		Tag:         "task-notification",
	}
}

type testEnv struct {
	worker   *Worker
	store    cache.Store
	queue    *syncqueue.Queue
	center   *notify.Center
	host     *recordingHost
	upstream *upstreamStub
	app      *fiber.App
}

func newTestEnv(t *testing.T, mutate func(*config.WorkerConfig)) *testEnv {
	t.Helper()

	upstream := newUpstreamStub()
	t.Cleanup(upstream.Close)

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	queue, err := syncqueue.Open(t.TempDir() + "/sync-queue.json")
	if err != nil {
		t.Fatalf("queue error: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	center := notify.NewCenter(logger)

	cfg := testWorkerConfig(upstream.server.URL)
	if mutate != nil {
		mutate(&cfg)
	}

	w, err := New(Options{
		Config:   cfg,
		Push:     testPushConfig(),
		Client:   upstream.server.Client(),
		Store:    store,
		Queue:    queue,
		Notifier: center,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("worker error: %v", err)
	}

	host := &recordingHost{}
	w.Bind(host)

	app := fiber.New()
	app.All("/*", w.HandleFetch)

	return &testEnv{
		worker:   w,
		store:    store,
		queue:    queue,
		center:   center,
		host:     host,
		upstream: upstream,
		app:      app,
	}
}

func (e *testEnv) fetch(t *testing.T, method, target string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

// install 驱动一次完整的 install 事件并等待异步工作结束。
func (e *testEnv) install(t *testing.T) error {
	t.Helper()
	evt := runtime.NewEvent("install")
	if err := e.worker.HandleInstall(t.Context(), evt); err != nil {
		return err
	}
	return evt.Wait()
}

func (e *testEnv) activate(t *testing.T) error {
	t.Helper()
	evt := runtime.NewEvent("activate")
	if err := e.worker.HandleActivate(t.Context(), evt); err != nil {
		return err
	}
	return evt.Wait()
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error: %v", err)
	}
	return string(body)
}
