package worker

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/s6ptember/tasks-managment-system/internal/cache"
)

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.SetBody("/static/css/style.css", "body{margin:0}")

	if err := env.install(t); err != nil {
		t.Fatalf("install error: %v", err)
	}
	installHits := env.upstream.Hits("/static/css/style.css")

	resp := env.fetch(t, http.MethodGet, "/static/css/style.css", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Offline-Cache"); got != "hit" {
		t.Fatalf("expected cache hit, got %q", got)
	}
	if got := resp.Header.Get("X-Offline-Strategy"); got != "cache-first" {
		t.Fatalf("expected cache-first strategy, got %q", got)
	}
	if got := resp.Header.Get("X-Offline-Partition"); got != "static-v3" {
		t.Fatalf("expected static partition, got %q", got)
	}
	if body := readBody(t, resp); body != "body{margin:0}" {
		t.Fatalf("unexpected body %q", body)
	}
	if got := env.upstream.Hits("/static/css/style.css"); got != installHits {
		t.Fatalf("缓存命中不应触网: install=%d now=%d", installHits, got)
	}
}

func TestCacheFirstMissFetchesThenStores(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.SetBody("/static/js/app.js", "console.log(1)")

	first := env.fetch(t, http.MethodGet, "/static/js/app.js", nil)
	if first.Header.Get("X-Offline-Cache") != "miss" {
		t.Fatal("expected first request to miss")
	}
	if body := readBody(t, first); body != "console.log(1)" {
		t.Fatalf("unexpected body %q", body)
	}

	second := env.fetch(t, http.MethodGet, "/static/js/app.js", nil)
	if second.Header.Get("X-Offline-Cache") != "hit" {
		t.Fatal("expected second request to hit")
	}
	readBody(t, second)

	if hits := env.upstream.Hits("/static/js/app.js"); hits != 1 {
		t.Fatalf("expected single upstream fetch, got %d", hits)
	}
}

func TestNetworkFirstStoresAndRecoversOffline(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.SetBody("/tasks", "<li>task</li>")

	online := env.fetch(t, http.MethodGet, "/tasks/", nil)
	if online.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", online.StatusCode)
	}
	if online.Header.Get("X-Offline-Strategy") != "network-first" {
		t.Fatalf("expected network-first, got %q", online.Header.Get("X-Offline-Strategy"))
	}
	if body := readBody(t, online); body != "<li>task</li>" {
		t.Fatalf("unexpected body %q", body)
	}

	// 断网后同一路径应从动态分区回放最近一次成功响应。
	env.upstream.Close()

	offline := env.fetch(t, http.MethodGet, "/tasks/", nil)
	if offline.StatusCode != http.StatusOK {
		t.Fatalf("expected cached 200, got %d", offline.StatusCode)
	}
	if offline.Header.Get("X-Offline-Cache") != "hit" {
		t.Fatal("expected cache hit while offline")
	}
	if offline.Header.Get("X-Offline-Partition") != "dynamic-v1" {
		t.Fatalf("expected dynamic partition, got %q", offline.Header.Get("X-Offline-Partition"))
	}
	if body := readBody(t, offline); body != "<li>task</li>" {
		t.Fatalf("unexpected offline body %q", body)
	}
}

func TestNetworkFirstEvictsDeletedEntry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.SetBody("/tasks/7", "<li>stale task</li>")

	first := env.fetch(t, http.MethodGet, "/tasks/7/", nil)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.StatusCode)
	}
	readBody(t, first)

	// 上游删除资源后，404 必须同时驱逐动态分区里的旧条目。
	env.upstream.SetStatus("/tasks/7", http.StatusNotFound)
	gone := env.fetch(t, http.MethodGet, "/tasks/7/", nil)
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", gone.StatusCode)
	}
	readBody(t, gone)

	key := cache.Key{Path: "/tasks/7", Method: http.MethodGet}
	if _, err := env.store.Lookup(t.Context(), key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("已删除的资源不应留在缓存里, err=%v", err)
	}

	// 断网后也不能复活被驱逐的条目。
	env.upstream.Close()
	offline := env.fetch(t, http.MethodGet, "/tasks/7/", nil)
	readBody(t, offline)
	if offline.StatusCode != http.StatusBadGateway {
		t.Fatalf("evicted entry must not be replayed, got %d", offline.StatusCode)
	}
}

func TestOfflineFallbackForNavigation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.SetBody("/", "<html>offline shell</html>")

	if err := env.install(t); err != nil {
		t.Fatalf("install error: %v", err)
	}
	env.upstream.Close()

	resp := env.fetch(t, http.MethodGet, "/reports/weekly/", map[string]string{
		"Accept": "text/html,application/xhtml+xml",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected fallback 200, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "<html>offline shell</html>" {
		t.Fatalf("expected offline shell, got %q", body)
	}
}

func TestOfflineWithoutFallbackReturnsBadGateway(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.Close()

	resp := env.fetch(t, http.MethodGet, "/tasks/42/", map[string]string{
		"Accept": "application/json",
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected upstream_failed error body, got %q", body)
	}
}

func TestBypassNeverTouchesCache(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 2; i++ {
		resp := env.fetch(t, http.MethodGet, "/admin/login/", nil)
		if resp.Header.Get("X-Offline-Strategy") != "bypass" {
			t.Fatalf("expected bypass strategy, got %q", resp.Header.Get("X-Offline-Strategy"))
		}
		readBody(t, resp)
	}
	if hits := env.upstream.Hits("/admin/login"); hits != 2 {
		t.Fatalf("expected every admin request upstream, got %d", hits)
	}

	post := env.fetch(t, http.MethodPost, "/tasks/create/", nil)
	if post.Header.Get("X-Offline-Strategy") != "bypass" {
		t.Fatal("写方法必须绕过缓存")
	}
	readBody(t, post)

	key := cache.NewKey(http.MethodPost, "/tasks/create", nil)
	if _, err := env.store.Lookup(t.Context(), key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("bypass request must not be cached, got %v", err)
	}
}

func TestErrorResponsesAreNotStored(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.SetStatus("/tasks/missing", http.StatusNotFound)

	resp := env.fetch(t, http.MethodGet, "/tasks/missing/", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected relayed 404, got %d", resp.StatusCode)
	}
	readBody(t, resp)

	key := cache.NewKey(http.MethodGet, "/tasks/missing", nil)
	if _, err := env.store.Lookup(t.Context(), key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("error response must not be cached, got %v", err)
	}
}

func TestQueryStringsCacheSeparately(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upstream.SetBody("/tasks", "all")

	pageOne := env.fetch(t, http.MethodGet, "/tasks/?page=1", nil)
	readBody(t, pageOne)
	pageTwo := env.fetch(t, http.MethodGet, "/tasks/?page=2", nil)
	readBody(t, pageTwo)

	if hits := env.upstream.Hits("/tasks"); hits != 2 {
		t.Fatalf("distinct queries must fetch separately, got %d hits", hits)
	}

	keyOne := cache.NewKey(http.MethodGet, "/tasks", []byte("page=1"))
	keyTwo := cache.NewKey(http.MethodGet, "/tasks", []byte("page=2"))
	for _, key := range []cache.Key{keyOne, keyTwo} {
		result, err := env.store.Lookup(t.Context(), key)
		if err != nil {
			t.Fatalf("expected cached entry for %s: %v", key.Path, err)
		}
		result.Reader.Close()
	}
}
