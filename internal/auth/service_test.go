package auth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/photogate/internal/metrics"
	"github.com/hitoshi/photogate/internal/model"
	"github.com/hitoshi/photogate/internal/supabase"
	"github.com/hitoshi/photogate/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// --- モック定義 ---

type mockIdentityProvider struct {
	signInFn func(ctx context.Context, email, password string) (*supabase.AuthUser, error)
}

func (m *mockIdentityProvider) SignInWithPassword(ctx context.Context, email, password string) (*supabase.AuthUser, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return &supabase.AuthUser{ID: "u1", Email: email}, nil
}

type mockProfileFinder struct {
	findFn func(ctx context.Context, userID string) ([]model.Profile, error)
	calls  int
}

func (m *mockProfileFinder) FindProfiles(ctx context.Context, userID string) ([]model.Profile, error) {
	m.calls++
	if m.findFn != nil {
		return m.findFn(ctx, userID)
	}
	return nil, nil
}

type mockTokenIssuer struct {
	issueFn func(p model.Principal, ttl time.Duration) (string, error)
}

func (m *mockTokenIssuer) Issue(p model.Principal, ttl time.Duration) (string, error) {
	if m.issueFn != nil {
		return m.issueFn(p, ttl)
	}
	return "token", nil
}

func (m *mockTokenIssuer) TTL() time.Duration { return time.Hour }

type countingMetrics struct {
	metrics.Nop
	logins    map[string]int
	fallbacks int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{logins: map[string]int{}}
}

func (m *countingMetrics) RecordLogin(outcome string) { m.logins[outcome]++ }
func (m *countingMetrics) RecordRoleFallback()        { m.fallbacks++ }

// --- compile-time interface checks ---
var _ IdentityProvider = (*mockIdentityProvider)(nil)
var _ ProfileFinder = (*mockProfileFinder)(nil)
var _ TokenIssuer = (*mockTokenIssuer)(nil)
var _ IdentityProvider = (*supabase.Client)(nil)
var _ ProfileFinder = (*supabase.Client)(nil)
var _ TokenIssuer = (*token.Codec)(nil)

func newTestCodec(t *testing.T) *token.Codec {
	t.Helper()
	codec, err := token.NewCodec(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewCodec がエラーを返した: %v", err)
	}
	return codec
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

// --- テスト ---

func TestLogin_IssuesTokenWithProfileRole(t *testing.T) {
	codec := newTestCodec(t)
	profiles := &mockProfileFinder{
		findFn: func(_ context.Context, userID string) ([]model.Profile, error) {
			if userID != "u1" {
				t.Errorf("userID = %q, want u1", userID)
			}
			return []model.Profile{{UserID: "u1", Role: "admin"}}, nil
		},
	}
	m := newCountingMetrics()
	svc := NewService(&mockIdentityProvider{}, profiles, codec, m, discardLogger())

	raw, err := svc.Login(context.Background(), "bride@example.com", "pw")
	if err != nil {
		t.Fatalf("Login がエラーを返した: %v", err)
	}

	p, err := codec.Validate(raw, "bride@example.com")
	if err != nil {
		t.Fatalf("発行されたトークンの検証に失敗: %v", err)
	}
	want := model.Principal{Subject: "bride@example.com", Role: "admin", UserID: "u1"}
	if p != want {
		t.Errorf("principal = %+v, want %+v", p, want)
	}
	if m.logins[metrics.OutcomeSuccess] != 1 {
		t.Errorf("success logins = %d, want 1", m.logins[metrics.OutcomeSuccess])
	}
}

func TestLogin_RoleFallsBackToGuest(t *testing.T) {
	tests := []struct {
		name   string
		findFn func(ctx context.Context, userID string) ([]model.Profile, error)
	}{
		{
			name: "プロフィール行なし",
			findFn: func(context.Context, string) ([]model.Profile, error) {
				return []model.Profile{}, nil
			},
		},
		{
			name: "ロールが空",
			findFn: func(context.Context, string) ([]model.Profile, error) {
				return []model.Profile{{UserID: "u1", Role: ""}}, nil
			},
		},
		{
			name: "検索失敗",
			findFn: func(context.Context, string) ([]model.Profile, error) {
				return nil, &model.UpstreamError{Operation: supabase.OpProfilesSelect, StatusCode: 500}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var issued model.Principal
			issuer := &mockTokenIssuer{
				issueFn: func(p model.Principal, _ time.Duration) (string, error) {
					issued = p
					return "token", nil
				},
			}
			m := newCountingMetrics()
			svc := NewService(&mockIdentityProvider{}, &mockProfileFinder{findFn: tt.findFn}, issuer, m, discardLogger())

			if _, err := svc.Login(context.Background(), "guest@example.com", "pw"); err != nil {
				t.Fatalf("ロール解決の失敗でログインを失敗させてはならない: %v", err)
			}
			if issued.Role != model.RoleGuest {
				t.Errorf("role = %q, want %q", issued.Role, model.RoleGuest)
			}
			if m.fallbacks != 1 {
				t.Errorf("fallbacks = %d, want 1", m.fallbacks)
			}
		})
	}
}

func TestLogin_PassesConfiguredTTL(t *testing.T) {
	var gotTTL time.Duration
	issuer := &mockTokenIssuer{
		issueFn: func(_ model.Principal, ttl time.Duration) (string, error) {
			gotTTL = ttl
			return "token", nil
		},
	}
	svc := NewService(&mockIdentityProvider{}, &mockProfileFinder{}, issuer, nil, discardLogger())

	if _, err := svc.Login(context.Background(), "a@example.com", "pw"); err != nil {
		t.Fatalf("Login がエラーを返した: %v", err)
	}
	if gotTTL != time.Hour {
		t.Errorf("ttl = %v, want 1h", gotTTL)
	}
}

// TestLogin_FailuresAreIndistinguishable は上流の拒否と通信エラーなど、
// すべての失敗が同一のエラーとして返ることを検証する。
func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	tests := []struct {
		name     string
		signInFn func(ctx context.Context, email, password string) (*supabase.AuthUser, error)
		issueFn  func(p model.Principal, ttl time.Duration) (string, error)
	}{
		{
			name: "上流が400を返す",
			signInFn: func(context.Context, string, string) (*supabase.AuthUser, error) {
				return nil, &model.UpstreamError{Operation: supabase.OpPasswordGrant, StatusCode: 400}
			},
		},
		{
			name: "通信エラー",
			signInFn: func(context.Context, string, string) (*supabase.AuthUser, error) {
				return nil, errors.New("dial tcp: connection refused")
			},
		},
		{
			name: "ユーザーなし",
			signInFn: func(context.Context, string, string) (*supabase.AuthUser, error) {
				return nil, nil
			},
		},
		{
			name: "トークン発行失敗",
			issueFn: func(model.Principal, time.Duration) (string, error) {
				return "", model.ErrConfig
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newCountingMetrics()
			svc := NewService(
				&mockIdentityProvider{signInFn: tt.signInFn},
				&mockProfileFinder{},
				&mockTokenIssuer{issueFn: tt.issueFn},
				m,
				discardLogger(),
			)

			tok, err := svc.Login(context.Background(), "bride@example.com", "pw")
			if err != model.ErrInvalidCredentials {
				t.Errorf("err = %v, want exactly ErrInvalidCredentials", err)
			}
			if tok != "" {
				t.Errorf("token = %q, want empty", tok)
			}
			if m.logins[metrics.OutcomeFailure] != 1 {
				t.Errorf("failure logins = %d, want 1", m.logins[metrics.OutcomeFailure])
			}
		})
	}
}

func TestLogin_RejectedCredentialsSkipRoleLookup(t *testing.T) {
	profiles := &mockProfileFinder{}
	svc := NewService(&mockIdentityProvider{
		signInFn: func(context.Context, string, string) (*supabase.AuthUser, error) {
			return nil, &model.UpstreamError{Operation: supabase.OpPasswordGrant, StatusCode: 400}
		},
	}, profiles, &mockTokenIssuer{}, nil, discardLogger())

	_, _ = svc.Login(context.Background(), "a@example.com", "wrong")

	if profiles.calls != 0 {
		t.Errorf("profile lookups = %d, want 0", profiles.calls)
	}
}

func TestLogin_CauseIsLoggedServerSide(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := NewService(&mockIdentityProvider{
		signInFn: func(context.Context, string, string) (*supabase.AuthUser, error) {
			return nil, &model.UpstreamError{Operation: supabase.OpPasswordGrant, StatusCode: 400}
		},
	}, &mockProfileFinder{}, &mockTokenIssuer{}, nil, logger)

	_, _ = svc.Login(context.Background(), "a@example.com", "wrong")

	out := buf.String()
	if !strings.Contains(out, `"upstream_status":400`) {
		t.Errorf("ログに上流ステータスが含まれていない: %s", out)
	}
	if strings.Contains(out, "wrong") {
		t.Errorf("ログにパスワードを含めてはならない: %s", out)
	}
}

// TestLogin_AgainstFakeUpstream は上流クライアントとトークンコーデックを組み合わせた
// ログインの一連の流れを検証する。
func TestLogin_AgainstFakeUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			w.Write([]byte(`{"access_token":"x","user":{"id":"u1"}}`))
		case "/rest/v1/profiles":
			w.Write([]byte(`[{"role":"admin"}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := supabase.NewClient(server.Client(), supabase.Config{
		BaseURL:    server.URL,
		AnonKey:    "anon",
		ServiceKey: "service",
		Bucket:     "wedding-photos",
	}, discardLogger(), nil)
	codec := newTestCodec(t)
	svc := NewService(client, client, codec, nil, discardLogger())

	raw, err := svc.Login(context.Background(), "bride@example.com", "pw")
	if err != nil {
		t.Fatalf("Login がエラーを返した: %v", err)
	}
	subject, err := codec.ExtractSubject(raw)
	if err != nil {
		t.Fatalf("ExtractSubject がエラーを返した: %v", err)
	}
	p, err := codec.Validate(raw, subject)
	if err != nil {
		t.Fatalf("Validate がエラーを返した: %v", err)
	}
	if p.Subject != "bride@example.com" || p.Role != "admin" || p.UserID != "u1" {
		t.Errorf("principal = %+v", p)
	}
}
