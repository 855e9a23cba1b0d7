package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"quickpaste/svc/cache"
	"quickpaste/svc/db"
	"quickpaste/svc/ident"
	"quickpaste/svc/lim"
	"quickpaste/svc/svc"
	"quickpaste/svc/upload"
)

func setupSQLiteServer(t *testing.T, limits lim.Options) (*httptest.Server, *db.SQLite) {
	t.Helper()
	c := testConfig()
	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "e2e.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	lru, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	p := svc.NewPaste(store, lru, ident.New(store.Exists, c.IDStartLength, c.IDMaxLength), upload.NewCoordinator(stubIssuer{}), c)
	l := lim.New(limits, nil)
	t.Cleanup(l.Stop)
	ts := httptest.NewServer(NewServer(c, p, l, nil))
	t.Cleanup(ts.Close)
	return ts, store
}

func createVia(t *testing.T, base, content string) (string, int) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"content": content})
	resp, err := http.Post(base+"/paste", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	var out CreateResp
	json.NewDecoder(resp.Body).Decode(&out)
	return out.ID, resp.StatusCode
}

func fetchVia(t *testing.T, base, id string) (GetResp, int) {
	t.Helper()
	resp, err := http.Get(base + "/paste/" + id)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	var out GetResp
	json.NewDecoder(resp.Body).Decode(&out)
	return out, resp.StatusCode
}

func TestHostileContentStoredVerbatim(t *testing.T) {
	ts, _ := setupSQLiteServer(t, defaultLimits())
	payloads := []string{
		"'; DROP TABLE pastes; --",
		"' OR '1'='1",
		"<script>alert('xss')</script>",
		"$(rm -rf /)",
		"line one\r\nline two\ttabbed",
		"é vs é",
	}
	for i, payload := range payloads {
		t.Run(fmt.Sprintf("payload_%d", i), func(t *testing.T) {
			id, status := createVia(t, ts.URL, payload)
			if status != http.StatusCreated {
				t.Fatalf("create status = %d", status)
			}
			got, status := fetchVia(t, ts.URL, id)
			if status != http.StatusOK {
				t.Fatalf("get status = %d", status)
			}
			if got.Content != payload {
				t.Errorf("content changed: %q != %q", got.Content, payload)
			}
		})
	}
}

func TestConcurrentCreateAndRead(t *testing.T) {
	ts, _ := setupSQLiteServer(t, defaultLimits())
	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := map[string]string{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := fmt.Sprintf("worker %d", i)
			id, status := createVia(t, ts.URL, content)
			if status != http.StatusCreated {
				t.Errorf("create status = %d", status)
				return
			}
			mu.Lock()
			if _, dup := ids[id]; dup {
				t.Errorf("duplicate id %s", id)
			}
			ids[id] = content
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	for id, content := range ids {
		wg.Add(1)
		go func(id, content string) {
			defer wg.Done()
			got, status := fetchVia(t, ts.URL, id)
			if status != http.StatusOK || got.Content != content {
				t.Errorf("get %s = %d %q", id, status, got.Content)
			}
		}(id, content)
	}
	wg.Wait()
}

func TestStoreFailureIsGeneric500(t *testing.T) {
	ts, store := setupSQLiteServer(t, defaultLimits())
	store.Close()
	resp, err := http.Post(ts.URL+"/paste", "application/json", strings.NewReader(`{"content":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "sql") || !strings.Contains(string(body), "internal server error") {
		t.Errorf("body leaks internals: %s", body)
	}

	if _, status := fetchVia(t, ts.URL, "abc"); status != http.StatusInternalServerError {
		t.Errorf("get status = %d, want 500", status)
	}

	ready, err := http.Get(ts.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	ready.Body.Close()
	if ready.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready = %d, want 503", ready.StatusCode)
	}
}

func TestSpoofedForwardedForIgnored(t *testing.T) {
	ts, _ := setupSQLiteServer(t, lim.Options{PerIPRPM: 60, PerIPBurst: 1})
	for i, spoof := range []string{"1.1.1.1", "2.2.2.2"} {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/paste/abc", nil)
		req.Header.Set("X-Forwarded-For", spoof)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		want := http.StatusNotFound
		if i > 0 {
			want = http.StatusTooManyRequests
		}
		if resp.StatusCode != want {
			t.Errorf("request %d with XFF %s = %d, want %d", i, spoof, resp.StatusCode, want)
		}
	}
}
