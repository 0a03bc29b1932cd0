package handler

import (
	"context"

	"github.com/hitoshi/photogate/internal/model"
	"github.com/hitoshi/photogate/internal/photo"
)

// --- モック定義 ---

type mockAuthService struct {
	loginFn func(ctx context.Context, email, password string) (string, error)
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) (string, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password)
	}
	return "token", nil
}

type mockPhotoService struct {
	listFn   func(ctx context.Context) ([]model.PhotoRecord, error)
	uploadFn func(ctx context.Context, in photo.UploadInput) (*model.PhotoRecord, error)
	deleteFn func(ctx context.Context, id int64) error
}

func (m *mockPhotoService) List(ctx context.Context) ([]model.PhotoRecord, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return []model.PhotoRecord{}, nil
}

func (m *mockPhotoService) Upload(ctx context.Context, in photo.UploadInput) (*model.PhotoRecord, error) {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, in)
	}
	return &model.PhotoRecord{ID: 1, OwnerUserID: in.OwnerUserID}, nil
}

func (m *mockPhotoService) Delete(ctx context.Context, id int64) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

// --- compile-time interface checks ---
var _ AuthServiceInterface = (*mockAuthService)(nil)
var _ PhotoServiceInterface = (*mockPhotoService)(nil)
var _ PhotoServiceInterface = (*photo.Service)(nil)
