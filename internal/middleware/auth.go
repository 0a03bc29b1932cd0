// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/hitoshi/photogate/internal/model"
)

const bearerPrefix = "Bearer "

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに認証済みPrincipalを格納するためのキー。
var principalContextKey = contextKey("principal")

// TokenValidator はセッショントークンの検証に必要なインターフェース。
// token.Codecの部分集合として定義する。
type TokenValidator interface {
	ExtractSubject(raw string) (string, error)
	Validate(raw, expectedSubject string) (model.Principal, error)
}

// NewAuthGuardMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 有効な場合にPrincipalをリクエストコンテキストに注入するミドルウェアを返す。
//
// このミドルウェアはレスポンスを書き込まない。トークンが無い、または無効な場合は
// 未認証のまま次のハンドラーへ渡す。アクセス可否はRequireAuth/RequireRoleで判定する。
// 既にPrincipalが注入されているリクエストは再検証しない。
func NewAuthGuardMiddleware(validator TokenValidator, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := PrincipalFromContext(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}

			raw, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			subject, err := validator.ExtractSubject(raw)
			if err != nil {
				logger.Debug("bearer token rejected",
					slog.String("stage", "extract"),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			principal, err := validator.Validate(raw, subject)
			if err != nil {
				logger.Debug("bearer token rejected",
					slog.String("stage", "validate"),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireAuth は認証済みでないリクエストに401を返すミドルウェア。
// NewAuthGuardMiddlewareの後に配置する。
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole は指定ロールのいずれかを持たないリクエストを拒否するミドルウェアを返す。
// 未認証の場合は401、ロールが一致しない場合は403を返す。拒否はloggerに記録する。
func RequireRole(logger *slog.Logger, roles ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !slices.Contains(roles, p.Role) {
				logger.Warn("role not permitted",
					slog.String("user_id", p.UserID),
					slog.String("role", p.Role),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext はリクエストコンテキストから認証済みPrincipalを取得する。
func PrincipalFromContext(ctx context.Context) (model.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(model.Principal)
	return p, ok
}

// ContextWithPrincipal はコンテキストにPrincipalを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// UserIDFromContext はリクエストコンテキストから認証済みユーザーのIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return p.UserID, nil
}

// bearerToken はAuthorizationヘッダーから "Bearer <token>" 形式のトークンを取り出す。
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, bearerPrefix) {
		return "", false
	}
	raw := strings.TrimSpace(h[len(bearerPrefix):])
	return raw, raw != ""
}
