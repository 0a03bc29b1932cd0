package model

import "time"

// RoleGuest はプロフィールからロールを解決できなかった場合の既定ロール。
const RoleGuest = "guest"

// Principal は認証済みの呼び出し元を表す。
// 署名付きトークンに全情報が埋め込まれ、ローカルには永続化しない。
type Principal struct {
	Subject string // メールアドレス
	Role    string
	UserID  string // 上流IdPのユーザーID
}

// Claims はセッショントークンに含まれるクレームの型付き表現。
type Claims struct {
	Subject   string
	Role      string
	UserID    string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Principal はクレームからPrincipalを取り出す。
func (c Claims) Principal() Principal {
	return Principal{Subject: c.Subject, Role: c.Role, UserID: c.UserID}
}

// Profile は上流のprofilesテーブルの行を表す。ログイン時のロール解決にのみ使用する。
type Profile struct {
	UserID string `json:"id"`
	Role   string `json:"role"`
}
