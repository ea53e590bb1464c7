package ports

import (
	"context"

	"github.com/konitan-oss/mercari-price-tool/internal/entity"
)

// AutomationSession drives the single logged-in browser page. It is never
// accessed concurrently; the orchestrator owns the timeline.
type AutomationSession interface {
	Launch(ctx context.Context) error
	Close(ctx context.Context) error
	FetchListings(ctx context.Context, startRow, endRow int, progress func(string)) ([]entity.ListingItem, error)
	RunPriceUpdateCycle(ctx context.Context, itemURL string, newPrice, basePrice int, opts entity.PriceUpdateOptions, retryCount, retryWaitSec int, progress func(string)) (*entity.PriceUpdateResult, error)
	SaveEvidence(ctx context.Context, baseName string) (string, error)
	IsReady() bool
}

// ItemStore is the durable per-item pricing ledger.
type ItemStore interface {
	GetByItemID(ctx context.Context, itemID string) (*entity.ItemState, error)
	Upsert(ctx context.Context, item *entity.ItemState) error
	ResetItem(ctx context.Context, itemID string, resetRunCount int) (bool, error)
	ClearLastRunDate(ctx context.Context, itemID string) (bool, error)
}

// RunStateStore persists batch progress so an interrupted run can resume.
type RunStateStore interface {
	Load() (*entity.RunState, error)
	Save(state *entity.RunState) error
}

// RunLog receives one line per finished item of a batch.
type RunLog interface {
	Append(outcome entity.ItemOutcome) error
	Close() error
}
