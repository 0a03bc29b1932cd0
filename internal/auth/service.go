// Package auth はパスワード認証とセッショントークンの発行を提供する。
//
// 資格情報の検証は上流IdPに委譲し、ロールはprofilesテーブルから解決する。
// ローカルにはユーザーもセッションも保持しない。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/photogate/internal/metrics"
	"github.com/hitoshi/photogate/internal/model"
	"github.com/hitoshi/photogate/internal/supabase"
)

// IdentityProvider は上流IdPでのパスワード認証のインターフェース。
type IdentityProvider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*supabase.AuthUser, error)
}

// ProfileFinder はユーザーIDでプロフィールを検索するインターフェース。
type ProfileFinder interface {
	FindProfiles(ctx context.Context, userID string) ([]model.Profile, error)
}

// TokenIssuer はセッショントークンを発行するインターフェース。
type TokenIssuer interface {
	Issue(p model.Principal, ttl time.Duration) (string, error)
	TTL() time.Duration
}

// Service はログイン処理のビジネスロジックを提供する。
type Service struct {
	idp      IdentityProvider
	profiles ProfileFinder
	tokens   TokenIssuer
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewService はServiceを生成する。
func NewService(
	idp IdentityProvider,
	profiles ProfileFinder,
	tokens TokenIssuer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		idp:      idp,
		profiles: profiles,
		tokens:   tokens,
		metrics:  collector,
		logger:   logger,
	}
}

// Login はメールアドレスとパスワードを検証し、セッショントークンを返す。
//
// 失敗はすべてmodel.ErrInvalidCredentialsとして返す。上流の拒否、通信エラー、
// レスポンスの不備、トークン発行の失敗を呼び出し元から区別できないようにしている。
// 原因はサーバー側のログにのみ残す。
// ロールを解決できない場合はguestで発行し、ログインは失敗させない。
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.idp.SignInWithPassword(ctx, email, password)
	if err != nil {
		return "", s.fail("password grant failed", err)
	}
	if user == nil || user.ID == "" {
		return "", s.fail("password grant returned no user", errors.New("missing user id"))
	}

	role := s.resolveRole(ctx, user.ID)

	token, err := s.tokens.Issue(model.Principal{
		Subject: email,
		Role:    role,
		UserID:  user.ID,
	}, s.tokens.TTL())
	if err != nil {
		return "", s.fail("token issue failed", err)
	}

	s.metrics.RecordLogin(metrics.OutcomeSuccess)
	s.logger.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("role", role),
	)
	return token, nil
}

// resolveRole はprofilesテーブルからロールを取得する。
// 行が無い、ロールが空、または検索に失敗した場合はguestを返す。
func (s *Service) resolveRole(ctx context.Context, userID string) string {
	profiles, err := s.profiles.FindProfiles(ctx, userID)
	if err != nil {
		s.metrics.RecordRoleFallback()
		s.logger.Warn("role lookup failed, falling back to guest",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return model.RoleGuest
	}
	if len(profiles) == 0 || profiles[0].Role == "" {
		s.metrics.RecordRoleFallback()
		s.logger.Info("no role on profile, falling back to guest",
			slog.String("user_id", userID),
		)
		return model.RoleGuest
	}
	return profiles[0].Role
}

// fail は失敗を記録し、原因を伏せたErrInvalidCredentialsを返す。
func (s *Service) fail(msg string, cause error) error {
	s.metrics.RecordLogin(metrics.OutcomeFailure)

	attrs := []any{slog.String("error", cause.Error())}
	var upErr *model.UpstreamError
	if errors.As(cause, &upErr) {
		attrs = append(attrs, slog.Int("upstream_status", upErr.StatusCode))
	}
	s.logger.Warn("login "+msg, attrs...)

	return model.ErrInvalidCredentials
}
