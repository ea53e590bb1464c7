package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/konitan-oss/mercari-price-tool/internal/config"
	"github.com/konitan-oss/mercari-price-tool/internal/entity"
	"github.com/konitan-oss/mercari-price-tool/internal/ports"
	"github.com/konitan-oss/mercari-price-tool/internal/storage"
	"github.com/konitan-oss/mercari-price-tool/pkg/apperr"
)

type fakeSession struct {
	listings []entity.ListingItem
	cycle    func(call int, itemURL string, newPrice, basePrice int) (*entity.PriceUpdateResult, error)

	fetchCalls int
	cycleCalls []string
	prices     []int
}

func (f *fakeSession) Launch(ctx context.Context) error { return nil }
func (f *fakeSession) Close(ctx context.Context) error  { return nil }
func (f *fakeSession) IsReady() bool                    { return true }

func (f *fakeSession) FetchListings(ctx context.Context, startRow, endRow int, progress func(string)) ([]entity.ListingItem, error) {
	f.fetchCalls++

	return f.listings, nil
}

func (f *fakeSession) RunPriceUpdateCycle(ctx context.Context, itemURL string, newPrice, basePrice int, opts entity.PriceUpdateOptions, retryCount, retryWaitSec int, progress func(string)) (*entity.PriceUpdateResult, error) {
	f.cycleCalls = append(f.cycleCalls, itemURL)
	f.prices = append(f.prices, newPrice)

	if f.cycle != nil {
		return f.cycle(len(f.cycleCalls), itemURL, newPrice, basePrice)
	}

	return &entity.PriceUpdateResult{LastStep: "WaitAfterResume"}, nil
}

func (f *fakeSession) SaveEvidence(ctx context.Context, baseName string) (string, error) {
	return baseName + ".png;" + baseName + ".html", nil
}

type fakeStore struct {
	items map[string]*entity.ItemState
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[string]*entity.ItemState)}
}

func (f *fakeStore) GetByItemID(ctx context.Context, itemID string) (*entity.ItemState, error) {
	item, ok := f.items[itemID]
	if !ok {
		return nil, nil
	}

	clone := *item

	return &clone, nil
}

func (f *fakeStore) Upsert(ctx context.Context, item *entity.ItemState) error {
	clone := *item
	f.items[item.ItemID] = &clone

	return nil
}

func (f *fakeStore) ResetItem(ctx context.Context, itemID string, resetRunCount int) (bool, error) {
	item, ok := f.items[itemID]
	if !ok {
		return false, nil
	}

	item.RunCount = resetRunCount
	item.LastRunDate = ""
	item.LastDownAmount = 0

	return true, nil
}

func (f *fakeStore) ClearLastRunDate(ctx context.Context, itemID string) (bool, error) {
	item, ok := f.items[itemID]
	if !ok {
		return false, nil
	}

	item.LastRunDate = ""

	return true, nil
}

type fakeRunStates struct {
	state *entity.RunState
	saves int
}

func (f *fakeRunStates) Load() (*entity.RunState, error) {
	return f.state, nil
}

func (f *fakeRunStates) Save(state *entity.RunState) error {
	f.state = state
	f.saves++

	return nil
}

type fakeRunLog struct {
	outcomes []entity.ItemOutcome
	closed   bool
}

func (f *fakeRunLog) Append(outcome entity.ItemOutcome) error {
	f.outcomes = append(f.outcomes, outcome)

	return nil
}

func (f *fakeRunLog) Close() error {
	f.closed = true

	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		AppConfig:     &config.AppConfig{},
		BrowserConfig: &config.BrowserConfig{},
		PricingConfig: &config.PricingConfig{
			RatePercent:  10,
			DailyDownYen: 100,
			RetryCount:   2,
			RetryWaitSec: 1,
			StartRow:     1,
			EndRow:       500,
		},
		StorageConfig: &config.StorageConfig{},
	}
}

func newTestBatch(t *testing.T, session *fakeSession, store ports.ItemStore, runStates *fakeRunStates) (*BatchService, *fakeRunLog) {
	t.Helper()

	paths, err := storage.NewPaths(t.TempDir())
	if err != nil {
		t.Fatalf("NewPaths: %v", err)
	}

	svc := NewBatchService(BatchServiceParams{
		Config:    testConfig(),
		Logger:    zap.NewNop(),
		Session:   session,
		Store:     store,
		RunStates: runStates,
		Paths:     paths,
	})

	runLog := &fakeRunLog{}
	svc.newRunLog = func(path string) (ports.RunLog, error) { return runLog, nil }
	svc.now = func() time.Time { return time.Date(2026, 8, 28, 9, 30, 0, 0, time.UTC) }
	svc.cooldownSec = 0

	return svc, runLog
}

func listing(id string, price int) entity.ListingItem {
	return entity.ListingItem{
		ItemID:  id,
		Title:   "item " + id,
		Price:   price,
		ItemURL: "https://jp.mercari.com/item/" + id,
	}
}

func TestRunFirstSightSeedsLedgerAndAppliesDailyStep(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{listing("m1", 1000)}}
	store := newFakeStore()
	runStates := &fakeRunStates{}
	svc, runLog := newTestBatch(t, session, store, runStates)

	summary, err := svc.Run(context.Background(), 0, 0, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Success != 1 || summary.Total != 1 {
		t.Fatalf("summary = %+v, want 1 success of 1", summary)
	}

	// base 1000, 10% = 100, daily 100 * seeded count 1 = 100 -> 800.
	if len(session.prices) != 1 || session.prices[0] != 800 {
		t.Fatalf("cycle prices = %v, want [800]", session.prices)
	}

	stored := store.items["m1"]
	if stored == nil {
		t.Fatal("ledger row missing after success")
	}

	if stored.RunCount != 2 || stored.BasePrice != 1000 || stored.LastRunDate != "2026-08-28" {
		t.Fatalf("ledger = %+v, want RunCount=2 BasePrice=1000 LastRunDate=2026-08-28", stored)
	}

	if !runStates.state.IsCompleted {
		t.Fatal("run state not marked completed")
	}

	if len(runLog.outcomes) != 1 || runLog.outcomes[0].Status != entity.RunItemSuccess {
		t.Fatalf("run log outcomes = %+v", runLog.outcomes)
	}

	if !runLog.closed {
		t.Fatal("run log not closed")
	}
}

func TestRunFirstSightFailureStillSeedsLedger(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{listing("m1", 1000)}}
	session.cycle = func(call int, itemURL string, newPrice, basePrice int) (*entity.PriceUpdateResult, error) {
		return &entity.PriceUpdateResult{LastStep: "Pause"},
			apperr.StepFailed("Pause", 2, errors.New("pause control missing"))
	}

	store := newFakeStore()
	svc, _ := newTestBatch(t, session, store, &fakeRunStates{})

	if _, err := svc.Run(context.Background(), 0, 0, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stored := store.items["m1"]
	if stored == nil {
		t.Fatal("first sight must seed the ledger even when the cycle fails")
	}

	if stored.RunCount != 1 || stored.BasePrice != 1000 || stored.LastRunDate != "" {
		t.Fatalf("seeded ledger = %+v, want RunCount=1 BasePrice=1000 and no run date", stored)
	}
}

func TestRunUsesStoredRunCountForDailyDrop(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{listing("m1", 480)}}
	store := newFakeStore()
	store.items["m1"] = &entity.ItemState{
		ItemID:      "m1",
		BasePrice:   500,
		RunCount:    2,
		LastRunDate: "2026-08-27",
	}
	runStates := &fakeRunStates{}
	svc, _ := newTestBatch(t, session, store, runStates)

	if _, err := svc.Run(context.Background(), 0, 0, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// base 500, 10% = 50, daily 100*2 = 200 -> 250; count advances after.
	if session.prices[0] != 250 {
		t.Fatalf("new price = %d, want 250", session.prices[0])
	}

	if got := store.items["m1"].RunCount; got != 3 {
		t.Fatalf("RunCount = %d, want 3", got)
	}

	if got := store.items["m1"].BasePrice; got != 500 {
		t.Fatalf("BasePrice = %d, want the stored 500 kept", got)
	}
}

func TestRunSkipsItemAlreadyRunToday(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{listing("m1", 1000)}}
	store := newFakeStore()
	store.items["m1"] = &entity.ItemState{
		ItemID:      "m1",
		BasePrice:   1000,
		RunCount:    1,
		LastRunDate: "2026-08-28",
	}
	runStates := &fakeRunStates{}
	svc, runLog := newTestBatch(t, session, store, runStates)

	summary, err := svc.Run(context.Background(), 0, 0, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Skipped != 1 {
		t.Fatalf("summary = %+v, want 1 skipped", summary)
	}

	if len(session.cycleCalls) != 0 {
		t.Fatalf("browser cycle ran %d times for a skipped item", len(session.cycleCalls))
	}

	if store.items["m1"].RunCount != 1 {
		t.Fatal("skip must not advance the ledger")
	}

	if runLog.outcomes[0].Status != entity.RunItemSkipped {
		t.Fatalf("outcome = %+v, want skipped", runLog.outcomes[0])
	}

	if !runStates.state.IsCompleted {
		t.Fatal("skipped-only run should still complete")
	}
}

func TestRunResumesUnresolvedItemsOnly(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{
		listing("mA", 1000), listing("mB", 1000), listing("mC", 1000),
	}}
	store := newFakeStore()
	runStates := &fakeRunStates{state: &entity.RunState{
		SessionID:   "prior-run",
		StartedAt:   "2026-08-28T08:00:00Z",
		TargetCount: 3,
		Items: []entity.RunItemState{
			{ItemID: "mA", Status: entity.RunItemSuccess},
			{ItemID: "mB", Status: entity.RunItemNotRun},
			{ItemID: "mC", Status: entity.RunItemFailed},
		},
	}}
	svc, _ := newTestBatch(t, session, store, runStates)

	summary, err := svc.Run(context.Background(), 0, 0, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(session.cycleCalls) != 1 || session.cycleCalls[0] != "https://jp.mercari.com/item/mB" {
		t.Fatalf("cycle calls = %v, want only mB", session.cycleCalls)
	}

	if runStates.state.SessionID != "prior-run" {
		t.Fatal("resume must keep the prior session id")
	}

	// The prior success and failure count into the summary unchanged.
	if summary.Success != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 2 success 1 failed", summary)
	}

	if !runStates.state.IsCompleted {
		t.Fatal("resumed run should complete")
	}
}

func TestRunCancellationResolvesInterruptedItems(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{
		listing("m1", 1000), listing("m2", 1000), listing("m3", 1000),
		listing("m4", 1000), listing("m5", 1000),
	}}

	ctx, cancel := context.WithCancel(context.Background())

	session.cycle = func(call int, itemURL string, newPrice, basePrice int) (*entity.PriceUpdateResult, error) {
		if call == 2 {
			cancel()

			return &entity.PriceUpdateResult{LastStep: "Pause"}, ctx.Err()
		}

		return &entity.PriceUpdateResult{LastStep: "WaitAfterResume"}, nil
	}

	store := newFakeStore()
	runStates := &fakeRunStates{}
	svc, runLog := newTestBatch(t, session, store, runStates)

	summary, err := svc.Run(ctx, 0, 0, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(session.cycleCalls) != 2 {
		t.Fatalf("cycle ran %d times after cancel, want 2", len(session.cycleCalls))
	}

	// Item 2 was interrupted mid-cycle; item 3 is where the stop landed.
	// Both resolve as canceled so a resumed run does not retry them.
	if summary.Success != 1 || summary.Canceled != 2 {
		t.Fatalf("summary = %+v, want 1 success 2 canceled", summary)
	}

	if runStates.state.IsCompleted {
		t.Fatal("canceled run must not be marked completed")
	}

	for _, id := range []string{"m2", "m3"} {
		entry := runStates.state.Item(id, "")
		if entry.Status != entity.RunItemCanceled {
			t.Fatalf("item %s status = %s, want canceled", id, entry.Status)
		}
	}

	for _, id := range []string{"m4", "m5"} {
		entry := runStates.state.Item(id, "")
		if entry.Status != entity.RunItemNotRun {
			t.Fatalf("item %s status = %s, want not_run", id, entry.Status)
		}
	}

	if len(runLog.outcomes) != 3 {
		t.Fatalf("run log has %d lines, want 3 (success, canceled, canceled)", len(runLog.outcomes))
	}

	if runLog.outcomes[2].ItemID != "m3" || runLog.outcomes[2].Status != entity.RunItemCanceled {
		t.Fatalf("pre-start cancellation not logged: %+v", runLog.outcomes[2])
	}

	if store.items["m2"].RunCount != 1 {
		t.Fatal("canceled cycle must not advance past the seed count")
	}
}

func TestRunCancelDuringHoldResolvesNextItem(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{
		listing("m1", 1000), listing("m2", 1000),
	}}

	ctx, cancel := context.WithCancel(context.Background())

	session.cycle = func(call int, itemURL string, newPrice, basePrice int) (*entity.PriceUpdateResult, error) {
		cancel()

		return &entity.PriceUpdateResult{LastStep: "WaitAfterResume"}, nil
	}

	store := newFakeStore()
	runStates := &fakeRunStates{}
	svc, _ := newTestBatch(t, session, store, runStates)
	svc.config.PricingConfig.ItemGapSec = 60

	summary, err := svc.Run(ctx, 0, 0, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(session.cycleCalls) != 1 {
		t.Fatalf("cycle ran %d times, want 1", len(session.cycleCalls))
	}

	if summary.Success != 1 || summary.Canceled != 1 {
		t.Fatalf("summary = %+v, want 1 success 1 canceled", summary)
	}

	if got := runStates.state.Item("m2", "").Status; got != entity.RunItemCanceled {
		t.Fatalf("item m2 status = %s, want canceled", got)
	}

	if runStates.state.IsCompleted {
		t.Fatal("canceled run must not be marked completed")
	}
}

func TestRunPacingGapOnlyBetweenSuccesses(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{
		listing("m1", 1000), listing("m2", 1000), listing("m3", 1000),
	}}
	store := newFakeStore()
	store.items["m2"] = &entity.ItemState{
		ItemID:      "m2",
		BasePrice:   1000,
		RunCount:    1,
		LastRunDate: "2026-08-28",
	}
	svc, _ := newTestBatch(t, session, store, &fakeRunStates{})
	svc.config.PricingConfig.ItemGapSec = 1
	svc.cooldownSec = 1

	var holds []string

	progress := func(msg string) {
		if strings.Contains(msg, "waiting") {
			holds = append(holds, msg)
		}
	}

	if _, err := svc.Run(context.Background(), 0, 0, progress); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// m1 success mid-batch gets the gap; the m2 skip and the final m3
	// success both get the short cooldown.
	want := []string{
		"[WaitBetweenItems] waiting 1 s",
		"[Cooldown] waiting 1 s",
		"[Cooldown] waiting 1 s",
	}

	if len(holds) != len(want) {
		t.Fatalf("holds = %v, want %v", holds, want)
	}

	for i := range want {
		if holds[i] != want[i] {
			t.Fatalf("hold %d = %q, want %q", i, holds[i], want[i])
		}
	}
}

func TestRunFailureLeavesLedgerAloneAndCapturesEvidence(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{listing("m1", 1000)}}
	session.cycle = func(call int, itemURL string, newPrice, basePrice int) (*entity.PriceUpdateResult, error) {
		return &entity.PriceUpdateResult{LastStep: "EditClick", RetryUsed: 2},
			apperr.StepFailed("EditClick", 2, errors.New("button never appeared"))
	}

	store := newFakeStore()
	store.items["m1"] = &entity.ItemState{ItemID: "m1", BasePrice: 1000, RunCount: 4, LastRunDate: "2026-08-27"}
	runStates := &fakeRunStates{}
	svc, runLog := newTestBatch(t, session, store, runStates)

	summary, err := svc.Run(context.Background(), 0, 0, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 1 failed", summary)
	}

	stored := store.items["m1"]
	if stored.RunCount != 4 || stored.LastRunDate != "2026-08-27" {
		t.Fatalf("failure mutated the ledger: %+v", stored)
	}

	outcome := runLog.outcomes[0]
	if outcome.Status != entity.RunItemFailed || outcome.Step != "EditClick" || outcome.RetryUsed != 2 {
		t.Fatalf("outcome = %+v", outcome)
	}

	if outcome.EvidencePath == "" {
		t.Fatal("failure must capture evidence")
	}
}

func TestRunExcludesPausedListings(t *testing.T) {
	paused := listing("m2", 800)
	paused.IsPaused = true

	session := &fakeSession{listings: []entity.ListingItem{listing("m1", 1000), paused}}
	store := newFakeStore()
	runStates := &fakeRunStates{}
	svc, _ := newTestBatch(t, session, store, runStates)

	summary, err := svc.Run(context.Background(), 0, 0, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(session.cycleCalls) != 1 || session.cycleCalls[0] != "https://jp.mercari.com/item/m1" {
		t.Fatalf("cycle calls = %v, want only m1", session.cycleCalls)
	}

	if summary.Total != 1 {
		t.Fatalf("summary.Total = %d, want paused listings excluded", summary.Total)
	}

	if store.items["m2"] != nil {
		t.Fatal("paused listing must not be seeded into the ledger")
	}
}

func TestRunSelectionOverCachedFetch(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{
		listing("m1", 1000), listing("m2", 1000), listing("m3", 1000), listing("m4", 1000),
	}}
	store := newFakeStore()
	svc, _ := newTestBatch(t, session, store, &fakeRunStates{})

	if _, err := svc.Fetch(context.Background(), 1, 10, nil); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	summary, err := svc.Run(context.Background(), 2, 3, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if session.fetchCalls != 1 {
		t.Fatalf("listings fetched %d times, want 1 (run reuses the cache)", session.fetchCalls)
	}

	want := []string{"https://jp.mercari.com/item/m2", "https://jp.mercari.com/item/m3"}
	if len(session.cycleCalls) != 2 || session.cycleCalls[0] != want[0] || session.cycleCalls[1] != want[1] {
		t.Fatalf("cycle calls = %v, want %v", session.cycleCalls, want)
	}

	if summary.Total != 2 || summary.Success != 2 {
		t.Fatalf("summary = %+v, want 2 success of 2", summary)
	}
}

func TestRunWithoutCacheFetchesConfiguredRange(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{listing("m1", 1000)}}
	svc, _ := newTestBatch(t, session, newFakeStore(), &fakeRunStates{})

	if _, err := svc.Run(context.Background(), 0, 0, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if session.fetchCalls != 1 {
		t.Fatalf("listings fetched %d times, want 1", session.fetchCalls)
	}

	if got := svc.LastFetched(); len(got) != 1 {
		t.Fatalf("run did not cache its fetch, LastFetched = %d items", len(got))
	}
}

func TestRunRejectsConcurrentOperation(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{listing("m1", 1000)}}
	svc, _ := newTestBatch(t, session, newFakeStore(), &fakeRunStates{})

	svc.busy.Store(true)

	if _, err := svc.Run(context.Background(), 0, 0, nil); err == nil {
		t.Fatal("expected busy rejection")
	}

	if _, err := svc.Fetch(context.Background(), 1, 10, nil); err == nil {
		t.Fatal("expected busy rejection for fetch")
	}
}

func TestFetchBackfillsZeroBasePriceOnly(t *testing.T) {
	session := &fakeSession{listings: []entity.ListingItem{
		listing("new", 1200),
		listing("known", 800),
		listing("zero", 950),
	}}
	store := newFakeStore()
	store.items["known"] = &entity.ItemState{ItemID: "known", BasePrice: 1500, RunCount: 2}
	store.items["zero"] = &entity.ItemState{ItemID: "zero", BasePrice: 0, RunCount: 1}
	svc, _ := newTestBatch(t, session, store, &fakeRunStates{})

	items, err := svc.Fetch(context.Background(), 1, 10, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}

	if store.items["new"] != nil {
		t.Fatal("fetch must not create ledger rows, seeding happens on the first cycle")
	}

	if store.items["known"].BasePrice != 1500 {
		t.Fatalf("fetch overwrote a stored base price: %d", store.items["known"].BasePrice)
	}

	if store.items["zero"].BasePrice != 950 {
		t.Fatalf("fetch did not backfill a zero base price: %d", store.items["zero"].BasePrice)
	}

	if got := svc.LastFetched(); len(got) != 3 {
		t.Fatalf("LastFetched = %d items, want 3", len(got))
	}
}

func TestMaintenanceRejectedWhileRunning(t *testing.T) {
	svc, _ := newTestBatch(t, &fakeSession{}, newFakeStore(), &fakeRunStates{})
	svc.busy.Store(true)

	if _, err := svc.ResetItem(context.Background(), "m1"); err == nil {
		t.Fatal("expected busy rejection for reset")
	}

	if _, err := svc.ClearSkip(context.Background(), "m1"); err == nil {
		t.Fatal("expected busy rejection for clearskip")
	}
}

func TestResetAndClearSkip(t *testing.T) {
	store := newFakeStore()
	store.items["m1"] = &entity.ItemState{ItemID: "m1", BasePrice: 900, RunCount: 5, LastRunDate: "2026-08-28"}
	svc, _ := newTestBatch(t, &fakeSession{}, store, &fakeRunStates{})

	found, err := svc.ClearSkip(context.Background(), "m1")
	if err != nil || !found {
		t.Fatalf("ClearSkip = (%v, %v), want (true, nil)", found, err)
	}

	if store.items["m1"].LastRunDate != "" {
		t.Fatal("ClearSkip did not clear the run date")
	}

	found, err = svc.ResetItem(context.Background(), "m1")
	if err != nil || !found {
		t.Fatalf("ResetItem = (%v, %v), want (true, nil)", found, err)
	}

	if store.items["m1"].RunCount != 0 {
		t.Fatal("ResetItem did not clear the run count")
	}

	if found, _ := svc.ResetItem(context.Background(), "missing"); found {
		t.Fatal("ResetItem reported a missing item as found")
	}

	if _, err := svc.ResetItem(context.Background(), ""); err == nil {
		t.Fatal("empty item id must be rejected")
	}
}
