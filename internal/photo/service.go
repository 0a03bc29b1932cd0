// Package photo は写真の一覧・アップロード・削除の手順を提供する。
//
// 実体はオブジェクトストレージに、メタデータはphotosテーブルに保存する。
// 両者をまたぐトランザクションは無いため、途中で失敗すると片側だけが残る。
// その場合はログとメトリクスに記録し、補償処理は行わない。
package photo

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hitoshi/photogate/internal/metrics"
	"github.com/hitoshi/photogate/internal/model"
)

// defaultContentType はContent-Typeが指定されない場合に使用する。
const defaultContentType = "application/octet-stream"

// Store は写真の保存先（テーブルとオブジェクトストレージ）のインターフェース。
type Store interface {
	ListPhotos(ctx context.Context) ([]model.PhotoRecord, error)
	FindPhoto(ctx context.Context, id int64) (*model.PhotoRecord, error)
	InsertPhoto(ctx context.Context, row model.NewPhoto) (*model.PhotoRecord, error)
	DeletePhotoRow(ctx context.Context, id int64) error
	UploadObject(ctx context.Context, objectPath, contentType string, data []byte) error
	DeleteObject(ctx context.Context, objectPath string) error
	PublicURL(objectPath string) string
}

// UploadInput はアップロード1件分の入力。
type UploadInput struct {
	Data         []byte
	ContentType  string
	OriginalName string
	OwnerUserID  string
}

// Service は写真操作のビジネスロジックを提供する。
type Service struct {
	store   Store
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
}

// NewService はServiceを生成する。
func NewService(store Store, collector metrics.MetricsCollector, logger *slog.Logger) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		metrics: collector,
		logger:  logger,
		now:     time.Now,
	}
}

// List は全写真を上流の返却順で返す。各レコードには公開URLを付与する。
func (s *Service) List(ctx context.Context) ([]model.PhotoRecord, error) {
	photos, err := s.store.ListPhotos(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list photos: %w", err)
	}
	for i := range photos {
		photos[i].URL = s.store.PublicURL(photos[i].StoragePath)
	}
	return photos, nil
}

// Upload はオブジェクトを書き込んでからメタデータ行を挿入する。
//
// オブジェクトの書き込みに失敗した場合は行を挿入しない。
// 行の挿入に失敗した場合、書き込み済みのオブジェクトは残る。
// 書き込みを開始した後はリクエストのキャンセルを伝播させない。
func (s *Service) Upload(ctx context.Context, in UploadInput) (*model.PhotoRecord, error) {
	if len(in.Data) == 0 {
		s.metrics.RecordUpload(metrics.OutcomeFailure)
		return nil, model.ErrEmptyFile
	}
	if in.OriginalName == "" {
		s.metrics.RecordUpload(metrics.OutcomeFailure)
		return nil, fmt.Errorf("%w: file name is required", model.ErrInvalidUpload)
	}
	if in.OwnerUserID == "" {
		s.metrics.RecordUpload(metrics.OutcomeFailure)
		return nil, fmt.Errorf("%w: owner is required", model.ErrInvalidUpload)
	}

	contentType := in.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	objectPath := s.objectPath(in.OwnerUserID, in.OriginalName)

	writeCtx := context.WithoutCancel(ctx)

	if err := s.store.UploadObject(writeCtx, objectPath, contentType, in.Data); err != nil {
		s.metrics.RecordUpload(metrics.OutcomeFailure)
		return nil, fmt.Errorf("%w: %w", model.ErrStorageWriteFailed, err)
	}

	rec, err := s.store.InsertPhoto(writeCtx, model.NewPhoto{
		OwnerUserID: in.OwnerUserID,
		StoragePath: objectPath,
	})
	if err != nil {
		s.metrics.RecordUpload(metrics.OutcomeFailure)
		s.metrics.RecordOrphan(metrics.OrphanObject)
		s.logger.Error("photo metadata insert failed, object left without row",
			slog.String("storage_path", objectPath),
			slog.String("user_id", in.OwnerUserID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", model.ErrMetadataWriteFailed, err)
	}

	rec.URL = s.store.PublicURL(rec.StoragePath)
	s.metrics.RecordUpload(metrics.OutcomeSuccess)
	s.logger.Info("photo uploaded",
		slog.Int64("photo_id", rec.ID),
		slog.String("storage_path", rec.StoragePath),
		slog.Int("size", len(in.Data)),
	)
	return rec, nil
}

// Delete はオブジェクトを削除してからメタデータ行を削除する。
//
// 行が存在しない、または保存パスが空の場合はmodel.ErrNotFoundを返し、何も変更しない。
// オブジェクトの削除失敗は記録のみ行い、行の削除は続行する。
func (s *Service) Delete(ctx context.Context, id int64) error {
	rec, err := s.store.FindPhoto(ctx, id)
	if err != nil {
		s.metrics.RecordDelete(metrics.OutcomeFailure)
		return fmt.Errorf("failed to find photo: %w", err)
	}
	if rec == nil || rec.StoragePath == "" {
		s.metrics.RecordDelete(metrics.OutcomeFailure)
		return fmt.Errorf("%w: id %d", model.ErrNotFound, id)
	}

	writeCtx := context.WithoutCancel(ctx)

	if err := s.store.DeleteObject(writeCtx, rec.StoragePath); err != nil {
		s.metrics.RecordOrphan(metrics.OrphanObject)
		s.logger.Warn("photo object delete failed, continuing with row delete",
			slog.Int64("photo_id", id),
			slog.String("storage_path", rec.StoragePath),
			slog.String("error", err.Error()),
		)
	}

	if err := s.store.DeletePhotoRow(writeCtx, id); err != nil {
		s.metrics.RecordDelete(metrics.OutcomeFailure)
		s.metrics.RecordOrphan(metrics.OrphanRow)
		s.logger.Error("photo row delete failed after object delete",
			slog.Int64("photo_id", id),
			slog.String("storage_path", rec.StoragePath),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", model.ErrMetadataWriteFailed, err)
	}

	s.metrics.RecordDelete(metrics.OutcomeSuccess)
	s.logger.Info("photo deleted",
		slog.Int64("photo_id", id),
		slog.String("storage_path", rec.StoragePath),
	)
	return nil
}

// objectPath は "所有者ID/エポックミリ秒_元ファイル名" 形式の保存パスを返す。
// 同一ミリ秒・同一ファイル名の衝突は許容する。
func (s *Service) objectPath(owner, name string) string {
	return owner + "/" + strconv.FormatInt(s.now().UnixMilli(), 10) + "_" + name
}
