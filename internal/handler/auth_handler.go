// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"

	"github.com/hitoshi/photogate/internal/middleware"
	"github.com/hitoshi/photogate/internal/model"
)

// maxLoginBodyBytes はログインリクエストボディの最大サイズ。
const maxLoginBodyBytes = 1 << 16

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password string) (string, error)
}

// AuthHandler はログインと現在のユーザー情報のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse はログインレスポンスのボディ。
type loginResponse struct {
	Token string `json:"token"`
}

// meResponse は現在のPrincipalを表すレスポンス。
type meResponse struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
	UserID  string `json:"user_id"`
}

// Login はメールアドレスとパスワードでログインし、セッショントークンを返す。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBodyBytes)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	if reason, ok := validateLogin(req); !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
		return
	}

	token, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, model.ErrInvalidCredentials) {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
			return
		}
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// Me は現在の認証済みPrincipalを返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, meResponse{
		Subject: p.Subject,
		Role:    p.Role,
		UserID:  p.UserID,
	})
}

// validateLogin はログインリクエストの形式を検証する。
func validateLogin(req loginRequest) (string, bool) {
	if req.Email == "" {
		return "メールアドレスは必須です", false
	}
	addr, err := mail.ParseAddress(req.Email)
	if err != nil || addr.Address != req.Email {
		return "メールアドレスの形式が正しくありません", false
	}
	if req.Password == "" {
		return "パスワードは必須です", false
	}
	return "", true
}
