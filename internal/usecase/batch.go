package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/konitan-oss/mercari-price-tool/internal/config"
	"github.com/konitan-oss/mercari-price-tool/internal/entity"
	"github.com/konitan-oss/mercari-price-tool/internal/ports"
	"github.com/konitan-oss/mercari-price-tool/internal/pricing"
	"github.com/konitan-oss/mercari-price-tool/internal/report"
	"github.com/konitan-oss/mercari-price-tool/internal/storage"
	"github.com/konitan-oss/mercari-price-tool/pkg/apperr"
	"github.com/konitan-oss/mercari-price-tool/pkg/logg"
	"github.com/konitan-oss/mercari-price-tool/pkg/tracing"
)

const (
	batchServiceName = "BatchService"
	batchTracer      = "usecase.batch"

	dateLayout    = "2006-01-02"
	stampLayout   = "20060102-1504"
	shortCooldown = 10
)

// BatchService owns the daily price-update batch: one pause/lower/resume
// cycle per listing, gated to once per item per day, resumable after an
// interruption. Browser work is strictly serial: a batch and a fetch never
// overlap.
type BatchService struct {
	config    *config.Config
	logger    *zap.Logger
	session   ports.AutomationSession
	store     ports.ItemStore
	runStates ports.RunStateStore
	paths     *storage.Paths
	tracer    trace.Tracer

	busy        atomic.Bool
	newRunLog   func(path string) (ports.RunLog, error)
	now         func() time.Time
	cooldownSec int

	mu          sync.Mutex
	lastFetched []entity.ListingItem
}

type BatchServiceParams struct {
	fx.In

	Config    *config.Config
	Logger    *zap.Logger
	Session   ports.AutomationSession
	Store     ports.ItemStore
	RunStates ports.RunStateStore
	Paths     *storage.Paths
}

func NewBatchService(params BatchServiceParams) *BatchService {
	return &BatchService{
		config:    params.Config,
		logger:    params.Logger.With(zap.String(logg.Layer, batchServiceName)),
		session:   params.Session,
		store:     params.Store,
		runStates: params.RunStates,
		paths:     params.Paths,
		tracer:    otel.Tracer(batchTracer),
		newRunLog:   report.NewOutcomeLog,
		now:         time.Now,
		cooldownSec: shortCooldown,
	}
}

func (s *BatchService) IsRunning() bool {
	return s.busy.Load()
}

// Fetch scans the listings page and refreshes the ledger rows of items the
// tool has already cycled. A stored base price of zero is filled from the
// scraped price; a non-zero one is never overwritten by a fetch.
func (s *BatchService) Fetch(ctx context.Context, startRow, endRow int, progress func(string)) (items []entity.ListingItem, err error) {
	const op = "Fetch"
	logger := s.logger.With(zap.String(logg.Operation, op))

	ctx, span := tracing.StartSpan(ctx, s.tracer, logger, op,
		attribute.Int("start_row", startRow), attribute.Int("end_row", endRow))
	defer func() {
		span.End(err)
	}()

	if !s.busy.CompareAndSwap(false, true) {
		return nil, apperr.WrapErrorWithReason(op, apperr.CodeBusy, "another_operation_running")
	}
	defer s.busy.Store(false)

	items, err = s.session.FetchListings(ctx, startRow, endRow, progress)
	if err != nil {
		return nil, err
	}

	for i := range items {
		if refreshErr := s.refreshLedger(ctx, &items[i]); refreshErr != nil {
			logger.Warn("Ledger refresh failed",
				zap.String(logg.ItemID, items[i].ItemID), zap.Error(refreshErr))
		}
	}

	s.mu.Lock()
	s.lastFetched = items
	s.mu.Unlock()

	logger.Info("Fetch finished", zap.Int("count", len(items)))

	return items, nil
}

func (s *BatchService) refreshLedger(ctx context.Context, item *entity.ListingItem) error {
	stored, err := s.store.GetByItemID(ctx, item.ItemID)
	if err != nil {
		return err
	}

	// Rows are seeded by an item's first cycle, not by a fetch.
	if stored == nil {
		return nil
	}

	stored.ItemURL = item.ItemURL
	stored.Title = item.Title

	if stored.BasePrice == 0 && item.Price > 0 {
		stored.BasePrice = item.Price
	}

	return s.store.Upsert(ctx, stored)
}

// LastFetched returns the result of the most recent fetch, newest first
// ordering preserved from the page.
func (s *BatchService) LastFetched() []entity.ListingItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entity.ListingItem, len(s.lastFetched))
	copy(out, s.lastFetched)

	return out
}

// Run executes the batch over rows startRow..endRow (1-based) of the last
// fetch, or over everything fetched when both are zero. Without a cached
// fetch the configured row range is scanned first. An interrupted run leaves
// its state on disk and the next Run picks up the unresolved items.
func (s *BatchService) Run(ctx context.Context, startRow, endRow int, progress func(string)) (summary *entity.BatchSummary, err error) {
	const op = "Run"
	logger := s.logger.With(zap.String(logg.Operation, op))

	ctx, span := tracing.StartSpan(ctx, s.tracer, logger, op,
		attribute.Int("start_row", startRow), attribute.Int("end_row", endRow))
	defer func() {
		span.End(err)
	}()

	if !s.busy.CompareAndSwap(false, true) {
		return nil, apperr.WrapErrorWithReason(op, apperr.CodeBusy, "another_operation_running")
	}
	defer s.busy.Store(false)

	pricingConf := s.config.PricingConfig

	fetched := s.LastFetched()
	if len(fetched) == 0 {
		fetched, err = s.session.FetchListings(ctx, pricingConf.StartRow, pricingConf.EndRow, progress)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.lastFetched = fetched
		s.mu.Unlock()
	}

	items := s.selectRunnable(fetched, startRow, endRow, progress)

	if len(items) == 0 {
		s.report(progress, "no listings to process")

		return &entity.BatchSummary{}, nil
	}

	state, resumed, err := s.loadOrCreateRunState(items)
	if err != nil {
		return nil, err
	}

	if resumed {
		s.report(progress, "resuming run %s (%d items)", state.SessionID, len(items))
	} else {
		s.report(progress, "starting run %s (%d items)", state.SessionID, len(items))
	}

	logger = logger.With(zap.String(logg.SessionID, state.SessionID))

	runLog, err := s.openRunLog()
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := runLog.Close(); closeErr != nil {
			logger.Warn("Run log close failed", zap.Error(closeErr))
		}
	}()

	summary = &entity.BatchSummary{Total: len(items)}
	canceled := false

	for i, item := range items {
		entry := state.Item(item.ItemID, item.Title)

		// A stop landing before an item starts resolves that item as
		// canceled so a resumed run does not retry it.
		if ctx.Err() != nil {
			canceled = true

			if !entry.Status.Resolved() {
				s.report(progress, "[%d/%d] %s canceled before start", i+1, len(items), item.ItemID)

				outcome := entity.ItemOutcome{
					ItemID:     item.ItemID,
					Title:      item.Title,
					ItemURL:    item.ItemURL,
					Status:     entity.RunItemCanceled,
					Message:    "stopped by operator",
					ExecutedAt: s.now().Format(time.RFC3339),
				}

				entry.Status = outcome.Status
				entry.Message = outcome.Message
				entry.ExecutedAt = outcome.ExecutedAt
				s.countStatus(summary, outcome.Status)

				if logErr := runLog.Append(outcome); logErr != nil {
					logger.Warn("Run log append failed", zap.Error(logErr))
				}

				if saveErr := s.runStates.Save(state); saveErr != nil {
					logger.Warn("Run state save failed", zap.Error(saveErr))
				}
			}

			break
		}

		if entry.Status.Resolved() {
			s.report(progress, "[%d/%d] %s already resolved (%s), skipping", i+1, len(items), item.ItemID, entry.Status)
			s.countStatus(summary, entry.Status)

			continue
		}

		s.report(progress, "[%d/%d] processing %s (%s)", i+1, len(items), item.ItemID, item.Title)

		outcome := s.processItem(ctx, item, progress)

		entry.Status = outcome.Status
		entry.Message = outcome.Message
		entry.ExecutedAt = outcome.ExecutedAt
		state.CurrentIndex = i + 1
		s.countStatus(summary, outcome.Status)

		if logErr := runLog.Append(outcome); logErr != nil {
			logger.Warn("Run log append failed", zap.Error(logErr))
		}

		if saveErr := s.runStates.Save(state); saveErr != nil {
			logger.Warn("Run state save failed", zap.Error(saveErr))
		}

		if outcome.Status == entity.RunItemCanceled {
			canceled = true

			continue
		}

		// Success mid-batch gets the full pacing gap; everything else,
		// including the final item, gets the short fixed cooldown.
		hold := pricingConf.ItemGapSec
		label := "WaitBetweenItems"

		if i == len(items)-1 || outcome.Status != entity.RunItemSuccess {
			hold = s.cooldownSec
			label = "Cooldown"
		}

		if holdErr := s.holdSeconds(ctx, hold, label, progress); holdErr != nil {
			continue
		}
	}

	if !canceled {
		state.IsCompleted = true
	}

	if saveErr := s.runStates.Save(state); saveErr != nil {
		logger.Warn("Run state save failed", zap.Error(saveErr))
	}

	s.report(progress, "run finished: %d success, %d failed, %d skipped, %d canceled of %d",
		summary.Success, summary.Failed, summary.Skipped, summary.Canceled, summary.Total)

	return summary, nil
}

// processItem runs the full cycle for one listing and reports its outcome.
// An unseen item is seeded into the ledger before the cycle; after that the
// counter only advances on success, so a failed cycle leaves the item
// eligible for the next run.
func (s *BatchService) processItem(ctx context.Context, item entity.ListingItem, progress func(string)) entity.ItemOutcome {
	logger := s.logger.With(zap.String(logg.ItemID, item.ItemID))

	outcome := entity.ItemOutcome{
		ItemID:     item.ItemID,
		Title:      item.Title,
		ItemURL:    item.ItemURL,
		ExecutedAt: s.now().Format(time.RFC3339),
	}

	stored, err := s.store.GetByItemID(ctx, item.ItemID)
	if err != nil {
		outcome.Status = entity.RunItemFailed
		outcome.Message = fmt.Sprintf("ledger read failed: %v", err)

		return outcome
	}

	today := s.now().Format(dateLayout)

	if stored != nil && stored.LastRunDate == today {
		s.report(progress, "[%s] already ran today, skipping", item.ItemID)
		outcome.Status = entity.RunItemSkipped
		outcome.Message = "already ran today"
		outcome.BasePrice = stored.BasePrice

		return outcome
	}

	// First sight seeds the ledger: the observed price becomes the base and
	// the run counter starts at one, so the first cycle already applies one
	// daily step.
	if stored == nil {
		if item.Price <= 0 {
			outcome.Status = entity.RunItemFailed
			outcome.Message = "no base price available"

			return outcome
		}

		stored = &entity.ItemState{
			ItemID:    item.ItemID,
			ItemURL:   item.ItemURL,
			Title:     item.Title,
			BasePrice: item.Price,
			RunCount:  1,
		}

		if err := s.store.Upsert(ctx, stored); err != nil {
			outcome.Status = entity.RunItemFailed
			outcome.Message = fmt.Sprintf("ledger seed failed: %v", err)

			return outcome
		}

		s.report(progress, "[%s] first sight, base price %d recorded", item.ItemID, item.Price)
	}

	basePrice := stored.BasePrice
	if basePrice == 0 && item.Price > 0 {
		basePrice = item.Price
	}

	if basePrice <= 0 {
		outcome.Status = entity.RunItemFailed
		outcome.Message = "no base price available"

		return outcome
	}

	runCount := stored.RunCount

	quote := pricing.Compute(basePrice, s.config.PricingConfig.RatePercent, s.config.PricingConfig.DailyDownYen, runCount)
	outcome.BasePrice = basePrice
	outcome.NewPrice = quote.NewPrice

	s.report(progress, "[%s] base %d -> new %d (drop %d)", item.ItemID, basePrice, quote.NewPrice, quote.AppliedDrop)

	opts := entity.PriceUpdateOptions{
		WaitAfterPauseSec:  s.config.PricingConfig.WaitAfterPauseSec,
		WaitAfterResumeSec: s.config.PricingConfig.WaitAfterResumeSec,
	}

	result, err := s.session.RunPriceUpdateCycle(ctx, item.ItemURL, quote.NewPrice, basePrice,
		opts, s.config.PricingConfig.RetryCount, s.config.PricingConfig.RetryWaitSec, progress)

	if result != nil {
		outcome.Step = result.LastStep
		outcome.RetryUsed = result.RetryUsed
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			outcome.Status = entity.RunItemCanceled
			outcome.Message = "stopped by operator"

			return outcome
		}

		logger.Error("Price update cycle failed", zap.Error(err))
		outcome.Status = entity.RunItemFailed
		outcome.Message = err.Error()
		outcome.EvidencePath = s.captureFailureEvidence(item.ItemID, outcome.Step)

		return outcome
	}

	if err := s.recordSuccess(ctx, stored, item, basePrice, runCount, quote, today); err != nil {
		logger.Error("Ledger update failed after successful cycle", zap.Error(err))
		outcome.Status = entity.RunItemFailed
		outcome.Message = fmt.Sprintf("cycle succeeded but ledger update failed: %v", err)

		return outcome
	}

	outcome.Status = entity.RunItemSuccess
	outcome.Message = fmt.Sprintf("price %d -> %d", basePrice, quote.NewPrice)

	return outcome
}

func (s *BatchService) recordSuccess(ctx context.Context, stored *entity.ItemState, item entity.ListingItem, basePrice, runCount int, quote pricing.Quote, today string) error {
	rate := s.config.PricingConfig.RatePercent
	daily := s.config.PricingConfig.DailyDownYen
	runIndex := runCount

	stored.ItemURL = item.ItemURL
	stored.Title = item.Title
	stored.BasePrice = basePrice
	stored.RunCount = runCount + 1
	stored.LastRunDate = today
	stored.LastDownAmount = quote.AppliedDrop
	stored.LastDownAt = s.now().Format(time.RFC3339)
	stored.LastDownRatePercent = &rate
	stored.LastDownDailyDownYen = &daily
	stored.LastDownRunIndex = &runIndex

	return s.store.Upsert(ctx, stored)
}

// ResetItem clears an item's discount history so the next cycle starts from
// run zero again. Rejected while a batch or fetch is driving the browser.
func (s *BatchService) ResetItem(ctx context.Context, itemID string) (found bool, err error) {
	const op = "ResetItem"
	logger := s.logger.With(zap.String(logg.Operation, op), zap.String(logg.ItemID, itemID))

	ctx, span := tracing.StartSpan(ctx, s.tracer, logger, op, attribute.String("item_id", itemID))
	defer func() {
		span.End(err)
	}()

	if itemID == "" {
		return false, apperr.InvalidReqError(op, "item_id", errors.New("item id cannot be empty"))
	}

	if s.busy.Load() {
		return false, apperr.WrapErrorWithReason(op, apperr.CodeBusy, "another_operation_running")
	}

	found, err = s.store.ResetItem(ctx, itemID, 0)
	if err != nil {
		return false, err
	}

	if found {
		logger.Info("Item reset")
	}

	return found, nil
}

// ClearSkip removes the once-per-day gate for an item so it can run again
// today.
func (s *BatchService) ClearSkip(ctx context.Context, itemID string) (found bool, err error) {
	const op = "ClearSkip"
	logger := s.logger.With(zap.String(logg.Operation, op), zap.String(logg.ItemID, itemID))

	ctx, span := tracing.StartSpan(ctx, s.tracer, logger, op, attribute.String("item_id", itemID))
	defer func() {
		span.End(err)
	}()

	if itemID == "" {
		return false, apperr.InvalidReqError(op, "item_id", errors.New("item id cannot be empty"))
	}

	if s.busy.Load() {
		return false, apperr.WrapErrorWithReason(op, apperr.CodeBusy, "another_operation_running")
	}

	found, err = s.store.ClearLastRunDate(ctx, itemID)
	if err != nil {
		return false, err
	}

	if found {
		logger.Info("Daily skip cleared")
	}

	return found, nil
}

// ItemState exposes one ledger row for display.
func (s *BatchService) ItemState(ctx context.Context, itemID string) (*entity.ItemState, error) {
	return s.store.GetByItemID(ctx, itemID)
}

func (s *BatchService) loadOrCreateRunState(items []entity.ListingItem) (*entity.RunState, bool, error) {
	state, err := s.runStates.Load()
	if err != nil {
		return nil, false, err
	}

	if state != nil && !state.IsCompleted {
		return state, true, nil
	}

	state = &entity.RunState{
		SessionID:   uuid.New().String(),
		StartedAt:   s.now().Format(time.RFC3339),
		TargetCount: len(items),
		Items:       make([]entity.RunItemState, 0, len(items)),
	}

	for _, item := range items {
		state.Items = append(state.Items, entity.RunItemState{
			ItemID: item.ItemID,
			Title:  item.Title,
			Status: entity.RunItemNotRun,
		})
	}

	if err := s.runStates.Save(state); err != nil {
		return nil, false, err
	}

	return state, false, nil
}

func (s *BatchService) openRunLog() (ports.RunLog, error) {
	dir, err := s.paths.LogsDir()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, s.now().Format(stampLayout)+"_price-run.csv")

	return s.newRunLog(path)
}

func (s *BatchService) captureFailureEvidence(itemID, step string) string {
	if step == "" {
		step = "Unknown"
	}

	baseName := fmt.Sprintf("%s_%s_%s", s.now().Format(stampLayout), itemID, step)

	path, err := s.session.SaveEvidence(context.Background(), baseName)
	if err != nil {
		s.logger.Warn("Failure evidence capture failed", zap.Error(err))

		return ""
	}

	return path
}

func (s *BatchService) countStatus(summary *entity.BatchSummary, status entity.RunItemStatus) {
	switch status {
	case entity.RunItemSuccess:
		summary.Success++
	case entity.RunItemFailed:
		summary.Failed++
	case entity.RunItemSkipped:
		summary.Skipped++
	case entity.RunItemCanceled:
		summary.Canceled++
	}
}

// selectRunnable cuts the fetched listings down to the requested 1-based row
// range and drops paused listings, which cannot go through a pause cycle.
func (s *BatchService) selectRunnable(fetched []entity.ListingItem, startRow, endRow int, progress func(string)) []entity.ListingItem {
	if len(fetched) == 0 {
		return nil
	}

	if startRow < 1 {
		startRow = 1
	}

	if endRow < 1 || endRow > len(fetched) {
		endRow = len(fetched)
	}

	if startRow > len(fetched) || startRow > endRow {
		return nil
	}

	selected := fetched[startRow-1 : endRow]
	runnable := make([]entity.ListingItem, 0, len(selected))
	paused := 0

	for _, item := range selected {
		if item.IsPaused {
			paused++

			continue
		}

		runnable = append(runnable, item)
	}

	if paused > 0 {
		s.report(progress, "excluding %d paused listings", paused)
	}

	return runnable
}

func (s *BatchService) holdSeconds(ctx context.Context, seconds int, label string, progress func(string)) error {
	if seconds <= 0 {
		return nil
	}

	s.report(progress, "[%s] waiting %d s", label, seconds)

	for i := 0; i < seconds; i++ {
		timer := time.NewTimer(time.Second)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}

	return nil
}

func (s *BatchService) report(progress func(string), format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Info(msg)

	if progress != nil {
		progress(msg)
	}
}
