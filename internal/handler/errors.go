package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/photogate/internal/middleware"
	"github.com/hitoshi/photogate/internal/model"
)

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
// 上流の失敗を含む書き込みエラーは、上流が4xx/5xxを返していればそのステータスを、
// それ以外（通信エラー等）は500を返す。原因はログにのみ記録する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	statusCode := http.StatusInternalServerError

	switch {
	case errors.As(err, &apiErr):
		statusCode = mapAPIErrorToHTTPStatus(apiErr)
	case errors.Is(err, model.ErrInvalidCredentials):
		statusCode, apiErr = http.StatusUnauthorized, model.NewInvalidCredentialsError()
	case errors.Is(err, model.ErrEmptyFile):
		statusCode, apiErr = http.StatusBadRequest, model.NewEmptyFileError()
	case errors.Is(err, model.ErrInvalidUpload):
		statusCode, apiErr = http.StatusBadRequest, model.NewInvalidUploadError("ファイル名または所有者が指定されていません")
	case errors.Is(err, model.ErrStorageWriteFailed):
		statusCode, apiErr = upstreamStatusOr500(err), model.NewStorageWriteFailedError()
	case errors.Is(err, model.ErrMetadataWriteFailed):
		statusCode, apiErr = upstreamStatusOr500(err), model.NewMetadataWriteFailedError()
	case model.UpstreamStatus(err) != 0:
		statusCode, apiErr = upstreamStatusOr500(err), model.NewUpstreamFailedError()
	default:
		apiErr = model.NewInternalError()
	}

	level := slog.LevelWarn
	if statusCode >= 500 {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "request failed",
		slog.String("path", r.URL.Path),
		slog.String("code", apiErr.Code),
		slog.Int("status", statusCode),
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		slog.String("error", err.Error()),
	)

	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeEmptyFile, model.ErrCodeInvalidUpload, model.ErrCodeInvalidPhotoID:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodePhotoNotFound:
		return http.StatusNotFound
	case model.ErrCodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeUpstreamFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// upstreamStatusOr500 はエラーチェーン中の上流ステータスが400以上ならそれを、そうでなければ500を返す。
func upstreamStatusOr500(err error) int {
	if status := model.UpstreamStatus(err); status >= http.StatusBadRequest {
		return status
	}
	return http.StatusInternalServerError
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
