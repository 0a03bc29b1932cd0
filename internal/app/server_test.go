package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/photogate/internal/config"
	"github.com/hitoshi/photogate/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newFakeUpstream はログインに必要な認証・profilesエンドポイントだけを持つ上流を返す。
func newFakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			w.Write([]byte(`{"access_token":"x","user":{"id":"u1","email":"bride@example.com"}}`))
		case "/rest/v1/profiles":
			w.Write([]byte(`[{"role":"admin"}]`))
		case "/rest/v1/photos":
			w.Write([]byte(`[]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		SupabaseURL:        upstreamURL,
		SupabaseAnonKey:    "anon",
		SupabaseServiceKey: "service",
		StorageBucket:      "wedding-photos",
		UpstreamTimeout:    5 * time.Second,
		JWTSecret:          testSecret,
		JWTExpiration:      time.Hour,
		UploadMaxBytes:     1 << 20,
		PhotoDeleteRoles:   []string{"admin"},
		RateLimitLogin:     10,
		RateLimitGeneral:   120,
		RateLimitUpload:    30,
		ServerPort:         "0",
		MetricsPort:        "0",
		CORSAllowedOrigin:  "http://localhost:3000",
		LogLevel:           "info",
	}
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return ln
}

func TestNewServer_InvalidSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		ttl    time.Duration
	}{
		{"空の署名鍵", "", time.Hour},
		{"短い署名鍵", "short", time.Hour},
		{"有効期間が0", testSecret, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("http://127.0.0.1:1")
			cfg.JWTSecret = tt.secret
			cfg.JWTExpiration = tt.ttl

			_, err := NewServer(cfg, discardLogger())
			if !errors.Is(err, model.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	upstream := newFakeUpstream(t)

	srv, err := NewServer(testConfig(upstream.URL), discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	apiLn, metricsLn := listen(t), listen(t)
	apiURL := "http://" + apiLn.Addr().String()
	metricsURL := "http://" + metricsLn.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, apiLn, metricsLn) }()

	client := &http.Client{Timeout: 5 * time.Second}

	// ヘルスチェック
	resp, err := client.Get(apiURL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d, want 200", resp.StatusCode)
	}

	// ログイン → 写真一覧
	resp, err = client.Post(apiURL+"/api/auth/login", "application/json",
		strings.NewReader(`{"email":"bride@example.com","password":"pw"}`))
	if err != nil {
		t.Fatalf("POST /api/auth/login: %v", err)
	}
	var login struct {
		Token string `json:"token"`
	}
	json.NewDecoder(resp.Body).Decode(&login)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || login.Token == "" {
		t.Fatalf("login status = %d, token = %q", resp.StatusCode, login.Token)
	}

	req, _ := http.NewRequest(http.MethodGet, apiURL+"/api/photos", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("GET /api/photos: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/api/photos status = %d, want 200", resp.StatusCode)
	}

	// メトリクス
	resp, err = client.Get(metricsURL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{"photogate_logins_total", "photogate_upstream_requests_total", "go_goroutines"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("/metrics does not contain %s", name)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServer_ServeReturnsListenerError(t *testing.T) {
	srv, err := NewServer(testConfig("http://127.0.0.1:1"), discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	apiLn := listen(t)
	metricsLn := listen(t)
	// 閉じたリスナーではServeが即座に失敗する
	metricsLn.Close()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), apiLn, metricsLn) }()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error from closed listener")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after listener failure")
	}
}
