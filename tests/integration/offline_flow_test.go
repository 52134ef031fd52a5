package integration

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/s6ptember/tasks-managment-system/internal/bridge"
	"github.com/s6ptember/tasks-managment-system/internal/cache"
	"github.com/s6ptember/tasks-managment-system/internal/config"
	"github.com/s6ptember/tasks-managment-system/internal/controller"
	"github.com/s6ptember/tasks-managment-system/internal/notify"
	"github.com/s6ptember/tasks-managment-system/internal/runtime"
	"github.com/s6ptember/tasks-managment-system/internal/server"
	"github.com/s6ptember/tasks-managment-system/internal/syncqueue"
	"github.com/s6ptember/tasks-managment-system/internal/worker"
)

// appStub 模拟上游任务应用，统计每条路径的命中次数。
type appStub struct {
	server *httptest.Server

	mu   sync.Mutex
	hits map[string]int
}

func newAppStub() *appStub {
	stub := &appStub{hits: make(map[string]int)}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.hits[r.URL.Path]++
		stub.mu.Unlock()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "app:"+r.URL.Path)
	}))
	return stub
}

func (s *appStub) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

type gateway struct {
	app      *fiber.App
	runtime  *runtime.Runtime
	store    cache.Store
	queue    *syncqueue.Queue
	center   *notify.Center
	bus      *bridge.Bus
	ctrl     *controller.Controller
	upstream *appStub
	cfg      *config.Config
}

// newGateway 按 main 的启动顺序组装整个网关，但不真正监听端口。
func newGateway(t *testing.T) *gateway {
	t.Helper()

	upstream := newAppStub()
	t.Cleanup(upstream.server.Close)

	storage := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "config.toml")
	body := `
ListenPort = 8100
LogLevel = "error"
StoragePath = "` + storage + `"
InitialBackoff = "10ms"

[Worker]
Upstream = "` + upstream.server.URL + `"
StaticVersion = "v3"
DynamicVersion = "v1"
`
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	queue, err := syncqueue.Open(cfg.Worker.QueuePath)
	if err != nil {
		t.Fatalf("queue error: %v", err)
	}

	client := server.NewUpstreamClient(cfg)
	center := notify.NewCenter(logger)
	bus := bridge.NewBus()
	t.Cleanup(bus.Close)

	rt := runtime.New(logger, runtime.Options{
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	})

	factory := func() (runtime.Worker, error) {
		return worker.New(worker.Options{
			Config:   cfg.Worker,
			Push:     cfg.Push,
			Client:   client,
			Store:    store,
			Queue:    queue,
			Notifier: center,
			Logger:   logger,
		})
	}

	ctrl, err := controller.New(controller.Options{
		Runtime:        rt,
		Bus:            bus,
		Factory:        factory,
		Notifier:       center,
		Logger:         logger,
		UpdateInterval: time.Hour,
		SyncTag:        cfg.Worker.SyncTag,
	})
	if err != nil {
		t.Fatalf("controller error: %v", err)
	}

	active := func(c fiber.Ctx) error {
		w := rt.Active()
		if w == nil {
			return c.SendStatus(fiber.StatusServiceUnavailable)
		}
		return w.(server.FetchHandler).HandleFetch(c)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Fetch:      fetchFunc(active),
		Runtime:    rt,
		Bus:        bus,
		Store:      store,
		Center:     center,
		Controller: ctrl,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	return &gateway{
		app:      app,
		runtime:  rt,
		store:    store,
		queue:    queue,
		center:   center,
		bus:      bus,
		ctrl:     ctrl,
		upstream: upstream,
		cfg:      cfg,
	}
}

type fetchFunc func(fiber.Ctx) error

func (f fetchFunc) HandleFetch(c fiber.Ctx) error { return f(c) }

func (g *gateway) start(t *testing.T, ctx context.Context) {
	t.Helper()
	if err := g.ctrl.Start(ctx); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
}

func (g *gateway) request(t *testing.T, method, target, body string, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := g.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

func TestInstallThenOfflineNavigation(t *testing.T) {
	g := newGateway(t)
	g.start(t, t.Context())

	if got := g.runtime.ActiveVersion(); got != "v3+v1" {
		t.Fatalf("expected active v3+v1, got %q", got)
	}

	// 预缓存资源直接命中，不再触网。
	before := g.upstream.Hits("/static/css/style.css")
	resp := g.request(t, "GET", "/static/css/style.css", "", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Offline-Cache") != "hit" {
		t.Fatalf("expected precached hit, got %d/%s", resp.StatusCode, resp.Header.Get("X-Offline-Cache"))
	}
	resp.Body.Close()
	if g.upstream.Hits("/static/css/style.css") != before {
		t.Fatal("预缓存命中不应触网")
	}

	// 断网后 HTML 导航回退到预缓存的根文档。
	g.upstream.server.Close()
	resp = g.request(t, "GET", "/tasks/today/", "", map[string]string{"Accept": "text/html"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected offline fallback 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "app:/" {
		t.Fatalf("expected precached root document, got %q", body)
	}
}

func TestClearCacheMessageLeavesNoPartitions(t *testing.T) {
	g := newGateway(t)
	g.start(t, t.Context())

	names, _ := g.store.Names(t.Context())
	if len(names) == 0 {
		t.Fatal("安装完成后应存在分区")
	}

	resp := g.request(t, "POST", "/-/sw/message", `{"op":"clear-cache"}`,
		map[string]string{"Content-Type": "application/json"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	waitFor(t, "clear-cache 清空全部分区", func() bool {
		names, err := g.store.Names(context.Background())
		return err == nil && len(names) == 0
	})
}

func TestPushInjectionShowsNotification(t *testing.T) {
	g := newGateway(t)
	g.start(t, t.Context())

	resp := g.request(t, "POST", "/-/sw/push", "Task #12 is overdue", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	shown, ok := g.center.ByTag(g.cfg.Push.Tag)
	if !ok {
		t.Fatal("push 后应出现通知")
	}
	if shown.Body != "Task #12 is overdue" {
		t.Fatalf("unexpected body %q", shown.Body)
	}

	// 空载荷使用默认正文。
	resp = g.request(t, "POST", "/-/sw/push", "", nil)
	resp.Body.Close()
	shown, _ = g.center.ByTag(g.cfg.Push.Tag)
	if shown.Body != g.cfg.Push.DefaultBody {
		t.Fatalf("expected default body, got %q", shown.Body)
	}
}

func TestSyncEndpointDrainsQueue(t *testing.T) {
	g := newGateway(t)
	g.start(t, t.Context())

	for _, path := range []string{"/tasks/create/", "/tasks/9/complete/"} {
		if _, err := g.queue.Enqueue(syncqueue.Item{Method: "POST", Path: path}); err != nil {
			t.Fatalf("enqueue error: %v", err)
		}
	}

	resp := g.request(t, "POST", "/-/sw/sync/"+g.cfg.Worker.SyncTag, "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	waitFor(t, "同步队列排空", func() bool { return g.queue.Len() == 0 })
	if g.upstream.Hits("/tasks/create/") != 1 || g.upstream.Hits("/tasks/9/complete/") != 1 {
		t.Fatal("排队变更应各重放一次")
	}
}

func TestStatusEndpointReflectsLifecycle(t *testing.T) {
	g := newGateway(t)
	g.start(t, t.Context())

	resp := g.request(t, "GET", "/-/sw/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	defer resp.Body.Close()

	var status struct {
		ActiveVersion string   `json:"active_version"`
		Partitions    []string `json:"partitions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if status.ActiveVersion != "v3+v1" {
		t.Fatalf("unexpected active version %q", status.ActiveVersion)
	}

	found := false
	for _, name := range status.Partitions {
		if name == "static-v3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("status 应列出静态分区, got %v", status.Partitions)
	}
}

func TestOfflineMutationQueuedAndReplayedOnReconnect(t *testing.T) {
	g := newGateway(t)
	g.start(t, t.Context())

	// 断网：上游下线，观察器转为离线。
	addr := g.upstream.server.Listener.Addr().String()
	g.upstream.server.Close()
	resp := g.request(t, "POST", "/-/sw/network", `{"online":false}`,
		map[string]string{"Content-Type": "application/json"})
	resp.Body.Close()

	resp = g.request(t, "POST", "/tasks/create/", `{"title":"offline task"}`,
		map[string]string{"Content-Type": "application/json"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("断网写请求应排队确认, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	if g.queue.Len() != 1 {
		t.Fatalf("expected one queued mutation, got %d", g.queue.Len())
	}

	// 在原地址重启上游，恢复联网后 sync-tasks 必须重放排队的变更。
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("重绑上游地址失败: %v", err)
	}
	var replayMu sync.Mutex
	replayed := make(map[string]string)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		replayMu.Lock()
		replayed[r.URL.Path] = string(body)
		replayMu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { _ = srv.Close() })

	resp = g.request(t, "POST", "/-/sw/network", `{"online":true}`,
		map[string]string{"Content-Type": "application/json"})
	resp.Body.Close()

	waitFor(t, "排队变更重放", func() bool { return g.queue.Len() == 0 })

	replayMu.Lock()
	body := replayed["/tasks/create/"]
	replayMu.Unlock()
	if body != `{"title":"offline task"}` {
		t.Fatalf("unexpected replayed body %q", body)
	}
}
