// Package repository provides a generic store for append-only tables.
// Rows are inserted and read; there is no update or delete path.
package repository

import (
	"context"

	"github.com/smallbiznis/revshare/pkg/db/option"
	"gorm.io/gorm"
)

type AppendOnly[T any] interface {
	WithTrx(tx *gorm.DB) AppendOnly[T]
	Append(ctx context.Context, row *T) error
	AppendBatch(ctx context.Context, rows []*T) error
	// AppendIgnoringConflicts inserts rows and silently skips those that collide with a unique key.
	AppendIgnoringConflicts(ctx context.Context, rows []*T) (int64, error)
	Find(ctx context.Context, filter *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, filter *T, opts ...option.QueryOption) (*T, error)
	Count(ctx context.Context, filter *T, opts ...option.QueryOption) (int64, error)
}
