package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/photogate/internal/middleware"
	"github.com/hitoshi/photogate/internal/model"
	"github.com/hitoshi/photogate/internal/photo"
)

const (
	// uploadFieldName はmultipartでファイルを受け取るフィールド名。
	uploadFieldName = "file"

	// multipartOverheadBytes はファイル本体以外のmultipartヘッダー分の余裕。
	multipartOverheadBytes = 1 << 20

	// multipartMemoryBytes はParseMultipartFormでメモリに保持する上限。超えた分は一時ファイルになる。
	multipartMemoryBytes = 8 << 20
)

// PhotoServiceInterface は写真ハンドラーが必要とするサービスインターフェース。
type PhotoServiceInterface interface {
	List(ctx context.Context) ([]model.PhotoRecord, error)
	Upload(ctx context.Context, in photo.UploadInput) (*model.PhotoRecord, error)
	Delete(ctx context.Context, id int64) error
}

// PhotoHandler は写真の一覧・アップロード・削除のHTTPハンドラー。
type PhotoHandler struct {
	service  PhotoServiceInterface
	maxBytes int64
}

// NewPhotoHandler はPhotoHandlerを生成する。maxBytesはアップロードファイルの最大サイズ。
func NewPhotoHandler(service PhotoServiceInterface, maxBytes int64) *PhotoHandler {
	return &PhotoHandler{
		service:  service,
		maxBytes: maxBytes,
	}
}

// List は全写真の一覧を返す。
// GET /api/photos
func (h *PhotoHandler) List(w http.ResponseWriter, r *http.Request) {
	photos, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, photos)
}

// Upload はmultipartのfileフィールドで受け取った写真を保存する。
// 所有者は認証済みPrincipalのユーザーIDとする。
// POST /api/photos/upload
func (h *PhotoHandler) Upload(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverheadBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		h.writeUploadParseError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadFieldName)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidUploadError("fileフィールドがありません"))
		return
	}
	defer file.Close()

	if header.Size > h.maxBytes {
		middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewFileTooLargeError(h.maxBytes))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	rec, err := h.service.Upload(r.Context(), photo.UploadInput{
		Data:         data,
		ContentType:  header.Header.Get("Content-Type"),
		OriginalName: baseName(header.Filename),
		OwnerUserID:  p.UserID,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// Delete は写真を削除する。
// DELETE /api/photos/{id}
func (h *PhotoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPhotoIDError(raw))
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewPhotoNotFoundError(id))
			return
		}
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeUploadParseError はmultipartの解析失敗をレスポンスに変換する。
func (h *PhotoHandler) writeUploadParseError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewFileTooLargeError(h.maxBytes))
		return
	}
	middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidUploadError("multipart/form-dataとして解析できません"))
}

// baseName はクライアントが送ったファイル名からディレクトリ部分を取り除く。
func baseName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}
