package testutil

import (
	"context"

	"smallbiznis-billing/pkg/db/option"
	"smallbiznis-billing/pkg/repository"

	"gorm.io/gorm"
)

// RepoMock is a func-field repository.Repository for unit tests. Unset
// functions return zero values.
type RepoMock[T any] struct {
	WithTrxFn     func(tx *gorm.DB) repository.Repository[T]
	FindFn        func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOneFn     func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	CreateFn      func(ctx context.Context, resource *T) error
	UpdateFn      func(ctx context.Context, resourceID string, resource any) error
	BatchCreateFn func(ctx context.Context, resources []*T) error
	BatchUpdateFn func(ctx context.Context, resources []*T) error
	CountFn       func(ctx context.Context, query *T) (int64, error)
}

func (m *RepoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	if m.WithTrxFn != nil {
		return m.WithTrxFn(tx)
	}
	return m
}

func (m *RepoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.FindFn != nil {
		return m.FindFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *RepoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.FindOneFn != nil {
		return m.FindOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *RepoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, resource)
	}
	return nil
}

func (m *RepoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if m.UpdateFn != nil {
		return m.UpdateFn(ctx, resourceID, resource)
	}
	return nil
}

func (m *RepoMock[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if m.BatchCreateFn != nil {
		return m.BatchCreateFn(ctx, resources)
	}
	return nil
}

func (m *RepoMock[T]) BatchUpdate(ctx context.Context, resources []*T) error {
	if m.BatchUpdateFn != nil {
		return m.BatchUpdateFn(ctx, resources)
	}
	return nil
}

func (m *RepoMock[T]) Count(ctx context.Context, query *T) (int64, error) {
	if m.CountFn != nil {
		return m.CountFn(ctx, query)
	}
	return 0, nil
}
