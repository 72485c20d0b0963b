package identify

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const identifyBody = `{
	"status": {"msg": "Success", "code": 0, "version": "1.0"},
	"metadata": {"music": [
		{"title": "Low Song", "artists": [{"name": "Someone"}], "score": 40, "acrid": "low"},
		{"title": "Test Song", "artists": [{"name": "Test Artist"}],
		 "album": {"name": "Test Album"},
		 "external_ids": {"isrc": "GHXXX2500001", "iswc": "T-123456789-0"},
		 "label": "Test Label", "release_date": "2024-01-01",
		 "duration_ms": 180000, "score": 92, "acrid": "abc123"}
	]}
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:      srv.URL,
		AccessKey:    "test-key",
		AccessSecret: "test-secret",
		MaxRetries:   3,
		Timeout:      5 * time.Second,
		Limiter:      NewRateLimiter(1000, 100000, time.Second, nil),
	})
	// Skip real backoff sleeps.
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c, srv
}

func TestIdentifySuccessPicksBestScore(t *testing.T) {
	var gotSignature, gotTimestamp string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("Expected multipart form: %v", err)
		}
		gotSignature = r.FormValue("signature")
		gotTimestamp = r.FormValue("timestamp")
		if r.FormValue("access_key") != "test-key" {
			t.Errorf("Wrong access key: %s", r.FormValue("access_key"))
		}
		w.Write([]byte(identifyBody))
	})

	ident, err := c.Identify(context.Background(), []byte("audio-bytes"), "hash-1")
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}

	if ident.Title != "Test Song" {
		t.Errorf("Expected best-score entry, got %q", ident.Title)
	}
	if ident.Artist != "Test Artist" || ident.ISRC != "GHXXX2500001" {
		t.Errorf("Unexpected identification: %+v", ident)
	}
	if ident.Confidence != 0.92 {
		t.Errorf("Expected confidence 0.92, got %f", ident.Confidence)
	}

	// The signature must verify against the documented signing string.
	payload := "POST\n" + identifyURI + "\ntest-key\naudio\n1\n" + gotTimestamp
	mac := hmac.New(sha1.New, []byte("test-secret"))
	mac.Write([]byte(payload))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if gotSignature != want {
		t.Errorf("Signature mismatch: got %s want %s", gotSignature, want)
	}
}

func TestIdentifyNoResult(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": {"msg": "No result", "code": 1001}}`))
	})

	_, err := c.Identify(context.Background(), []byte("audio"), "hash-2")
	if !errors.Is(err, ErrNoResult) {
		t.Errorf("Expected ErrNoResult, got %v", err)
	}
}

func TestIdentifyRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(identifyBody))
	})

	ident, err := c.Identify(context.Background(), []byte("audio"), "hash-3")
	if err != nil {
		t.Fatalf("Expected retry to recover, got %v", err)
	}
	if ident.Title != "Test Song" {
		t.Errorf("Unexpected result: %+v", ident)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestIdentifyRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Identify(context.Background(), []byte("audio"), "hash-4")
	if err == nil {
		t.Fatal("Expected error after exhausted retries")
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestIdentifyRetriesTakeLimiterSlots(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:      srv.URL,
		AccessKey:    "test-key",
		AccessSecret: "test-secret",
		MaxRetries:   3,
		Timeout:      5 * time.Second,
		Limiter:      NewRateLimiter(1, 100000, 10*time.Millisecond, nil),
	})
	c.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := c.Identify(context.Background(), []byte("audio"), "hash-6")
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("Expected rate limit rejection on retry, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 request under a 1/minute ceiling, got %d", calls.Load())
	}
}

func TestIdentifyTerminalStatus(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	if _, err := c.Identify(context.Background(), []byte("audio"), "hash-5"); err == nil {
		t.Fatal("Expected error for 401")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected no retries on 401, got %d attempts", calls.Load())
	}
}

func TestIdentifyCacheHit(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(identifyBody))
	})

	for i := 0; i < 3; i++ {
		if _, err := c.Identify(context.Background(), []byte("audio"), "same-hash"); err != nil {
			t.Fatalf("Identify failed: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 upstream call with cache hits, got %d", calls.Load())
	}
}

func TestMetadataByISRC(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("isrc") != "GHXXX2500001" {
			t.Errorf("Wrong ISRC param: %s", r.URL.Query().Get("isrc"))
		}
		w.Write([]byte(`{
			"status": {"code": 0},
			"work": {
				"isrc": "GHXXX2500001", "iswc": "T-123456789-0",
				"work_id": "W-1", "territory": "GH", "label": "Test Label",
				"publishers": [{"name": "Ghana Music Publishing", "territory": "GH"}],
				"writers": [{"name": "K. Mensah", "role": "composer", "affiliation": "GHAMRO"}]
			}
		}`))
	})

	work, err := c.MetadataByISRC(context.Background(), "GHXXX2500001")
	if err != nil {
		t.Fatalf("MetadataByISRC failed: %v", err)
	}
	if work.Territory != "GH" || len(work.Publishers) != 1 || len(work.Writers) != 1 {
		t.Errorf("Unexpected work metadata: %+v", work)
	}

	// Second lookup is served from the 24h cache.
	if _, err := c.MetadataByISRC(context.Background(), "GHXXX2500001"); err != nil {
		t.Fatalf("Cached MetadataByISRC failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 upstream call, got %d", calls.Load())
	}
}

func TestMetadataEmptyISRC(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	if _, err := c.MetadataByISRC(context.Background(), ""); err == nil {
		t.Error("Expected error for empty ISRC")
	}
}

func TestTTLCacheExpiry(t *testing.T) {
	cache := newTTLCache[string](time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.set("k", "v")
	if v, ok := cache.get("k"); !ok || v != "v" {
		t.Fatalf("Expected cache hit, got ok=%v v=%q", ok, v)
	}

	now = now.Add(2 * time.Hour)
	if _, ok := cache.get("k"); ok {
		t.Error("Expected expired entry to miss")
	}
	if cache.len() != 0 {
		t.Error("Expected expired entry to be evicted on access")
	}
}
