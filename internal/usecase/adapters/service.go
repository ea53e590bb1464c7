package adapters

import (
	"context"

	"github.com/konitan-oss/mercari-price-tool/internal/entity"
)

type SessionService interface {
	Launch(ctx context.Context) error
	Close(ctx context.Context) error
	IsReady() bool
}

type BatchService interface {
	Run(ctx context.Context, startRow, endRow int, progress func(string)) (*entity.BatchSummary, error)
	Fetch(ctx context.Context, startRow, endRow int, progress func(string)) ([]entity.ListingItem, error)
	LastFetched() []entity.ListingItem
	ItemState(ctx context.Context, itemID string) (*entity.ItemState, error)
	ResetItem(ctx context.Context, itemID string) (bool, error)
	ClearSkip(ctx context.Context, itemID string) (bool, error)
	IsRunning() bool
}
