// Package token はセッショントークン（HS256署名のJWT）の発行と検証を提供する。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/photogate/internal/model"
)

// MinSecretLength はHS256の署名鍵として受け付ける最小バイト数。
const MinSecretLength = 32

// sessionClaims は署名・パース用の内部クレーム型。
type sessionClaims struct {
	Role   string `json:"role"`
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Codec はセッショントークンの発行・検証を行う。
// 構築後は不変であり、複数のgoroutineから安全に使用できる。
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time // テスト用に差し替え可能
}

// NewCodec はCodecを生成する。
// 署名鍵が空または短すぎる場合、ttlが正でない場合はmodel.ErrConfigを返す。
func NewCodec(secret string, ttl time.Duration) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: signing secret is not set", model.ErrConfig)
	}
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: signing secret must be at least %d bytes", model.ErrConfig, MinSecretLength)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: token ttl must be positive", model.ErrConfig)
	}
	return &Codec{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// TTL は設定済みのトークン有効期間を返す。
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Issue はPrincipalを埋め込んだトークンを発行する。
// iatは現在時刻、expは現在時刻+ttlを秒単位に切り上げた時刻となる。
// NumericDateは秒単位で符号化されるため、切り捨てるとttlより早く失効してしまう。
func (c *Codec) Issue(p model.Principal, ttl time.Duration) (string, error) {
	if len(c.secret) == 0 {
		return "", fmt.Errorf("%w: signing secret is not set", model.ErrConfig)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: token ttl must be positive", model.ErrConfig)
	}

	now := c.now()
	cl := sessionClaims{
		Role:   p.Role,
		UserID: p.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(ceilToPrecision(now.Add(ttl))),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate は署名と有効期限を検証し、subjectが期待値と一致する場合にPrincipalを返す。
//
// 呼び出し元（AuthGuard）は同じトークンから取り出したsubjectを渡すため、
// subjectの一致確認は実質的に署名検証を超える保護にはならない。互換性のために残している。
func (c *Codec) Validate(raw, expectedSubject string) (model.Principal, error) {
	cl, err := c.parse(raw, true)
	if err != nil {
		return model.Principal{}, err
	}
	if cl.Subject != expectedSubject {
		return model.Principal{}, model.ErrSubjectMismatch
	}
	return cl.Principal(), nil
}

// ExtractClaims は署名のみを検証してクレームを返す。有効期限は確認しない。
func (c *Codec) ExtractClaims(raw string) (model.Claims, error) {
	return c.parse(raw, false)
}

// ExtractSubject は署名のみを検証してsubjectを返す。
func (c *Codec) ExtractSubject(raw string) (string, error) {
	cl, err := c.parse(raw, false)
	if err != nil {
		return "", err
	}
	return cl.Subject, nil
}

// parse はトークンをパースして型付きクレームに変換する。
// 署名はクレーム検証より先に確認される。必須クレームが欠けている場合は
// 空値を返さずにErrInvalidSignatureとして扱う。
func (c *Codec) parse(raw string, validateClaims bool) (model.Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	}
	if !validateClaims {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	var out sessionClaims
	tkn, err := jwt.ParseWithClaims(raw, &out, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Claims{}, model.ErrExpired
		}
		return model.Claims{}, fmt.Errorf("%w: %w", model.ErrInvalidSignature, err)
	}
	if !tkn.Valid {
		return model.Claims{}, model.ErrInvalidSignature
	}

	if out.Subject == "" || out.Role == "" || out.UserID == "" || out.IssuedAt == nil || out.ExpiresAt == nil {
		return model.Claims{}, fmt.Errorf("%w: missing required claims", model.ErrInvalidSignature)
	}

	return model.Claims{
		Subject:   out.Subject,
		Role:      out.Role,
		UserID:    out.UserID,
		TokenID:   out.ID,
		IssuedAt:  out.IssuedAt.Time,
		ExpiresAt: out.ExpiresAt.Time,
	}, nil
}

// ceilToPrecision はtをjwt.TimePrecision（既定は1秒）単位に切り上げる。
func ceilToPrecision(t time.Time) time.Time {
	truncated := t.Truncate(jwt.TimePrecision)
	if truncated.Equal(t) {
		return t
	}
	return truncated.Add(jwt.TimePrecision)
}
