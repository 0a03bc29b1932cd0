// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ドメインエラー。サービス層は原因を %w でラップしてこれらを返し、
// ハンドラー層は errors.Is で判定してHTTPステータスに変換する。
var (
	// ErrInvalidCredentials はログイン失敗を表す。
	// 上流の失敗理由（パスワード誤り、ネットワーク障害、ロール取得失敗など）は区別しない。
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidSignature はトークンの署名検証失敗、または構造不正を表す。
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrExpired はトークンの有効期限切れを表す。
	ErrExpired = errors.New("token expired")
	// ErrSubjectMismatch はトークンのsubjectが期待値と一致しないことを表す。
	ErrSubjectMismatch = errors.New("token subject mismatch")

	// ErrEmptyFile は空ファイルのアップロードを表す。
	ErrEmptyFile = errors.New("empty file")
	// ErrInvalidUpload はファイル名や所有者が欠けたアップロードを表す。
	ErrInvalidUpload = errors.New("invalid upload")
	// ErrStorageWriteFailed はオブジェクトストレージへの書き込み失敗を表す。
	ErrStorageWriteFailed = errors.New("storage write failed")
	// ErrMetadataWriteFailed はメタデータテーブルへの書き込み失敗を表す。
	ErrMetadataWriteFailed = errors.New("metadata write failed")
	// ErrNotFound は削除対象の写真が存在しないことを表す。
	ErrNotFound = errors.New("photo not found")

	// ErrConfig は署名鍵などの必須設定の欠落を表す。起動時に致命的エラーとして扱う。
	ErrConfig = errors.New("configuration error")
)

// UpstreamError は上流API（認証・テーブル・ストレージ）が非2xxを返したことを表す。
type UpstreamError struct {
	Operation  string // 例: "storage.upload", "rest.photos.insert"
	StatusCode int
	Body       string // ログ用。クライアントには返さない
}

// Error はerrorインターフェースを実装する。
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.Operation, e.StatusCode)
}

// UpstreamStatus はエラーチェーン中のUpstreamErrorからステータスコードを取り出す。
// 見つからない場合は0を返す。
func UpstreamStatus(err error) int {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.StatusCode
	}
	return 0
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, photo, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeEmptyFile           = "EMPTY_FILE"
	ErrCodeInvalidUpload       = "INVALID_UPLOAD"
	ErrCodeFileTooLarge        = "FILE_TOO_LARGE"
	ErrCodeStorageWriteFailed  = "STORAGE_WRITE_FAILED"
	ErrCodeMetadataWriteFailed = "METADATA_WRITE_FAILED"
	ErrCodePhotoNotFound       = "PHOTO_NOT_FOUND"
	ErrCodeInvalidPhotoID      = "INVALID_PHOTO_ID"
	ErrCodeUpstreamFailed      = "UPSTREAM_FAILED"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidCredentialsError は認証失敗エラーを生成する。
// 失敗理由は意図的に含めない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者に権限を確認してください。",
	}
}

// NewEmptyFileError は空ファイルエラーを生成する。
func NewEmptyFileError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyFile,
		Message:  "ファイルが空です。",
		Category: "validation",
		Action:   "写真ファイルを選択してから再度アップロードしてください。",
	}
}

// NewInvalidUploadError はアップロード内容の不備エラーを生成する。
func NewInvalidUploadError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUpload,
		Message:  fmt.Sprintf("アップロード内容が不正です: %s", reason),
		Category: "validation",
		Action:   "multipartの file フィールドに写真を指定してください。",
	}
}

// NewFileTooLargeError はアップロードサイズ超過エラーを生成する。
func NewFileTooLargeError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodeFileTooLarge,
		Message:  fmt.Sprintf("ファイルサイズが上限（%dバイト）を超えています。", limit),
		Category: "validation",
		Action:   "サイズを小さくしてから再度アップロードしてください。",
	}
}

// NewStorageWriteFailedError はストレージ書き込み失敗エラーを生成する。
func NewStorageWriteFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeStorageWriteFailed,
		Message:  "ファイルのストレージへの保存に失敗しました。",
		Category: "photo",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewMetadataWriteFailedError はメタデータ保存失敗エラーを生成する。
func NewMetadataWriteFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeMetadataWriteFailed,
		Message:  "写真情報の保存に失敗しました。",
		Category: "photo",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewPhotoNotFoundError は写真未検出エラーを生成する。
func NewPhotoNotFoundError(photoID int64) *APIError {
	return &APIError{
		Code:     ErrCodePhotoNotFound,
		Message:  fmt.Sprintf("指定された写真が見つかりません: %d", photoID),
		Category: "photo",
		Action:   "写真IDを確認してください。",
	}
}

// NewInvalidPhotoIDError は写真IDの形式エラーを生成する。
func NewInvalidPhotoIDError(raw string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPhotoID,
		Message:  fmt.Sprintf("無効な写真IDです: %s", raw),
		Category: "validation",
		Action:   "写真IDには整数を指定してください。",
	}
}

// NewUpstreamFailedError は上流サービス呼び出し失敗エラーを生成する。
func NewUpstreamFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  "外部サービスの呼び出しに失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
