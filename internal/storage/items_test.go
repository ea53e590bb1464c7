package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/konitan-oss/mercari-price-tool/internal/entity"
)

func newItemStore(t *testing.T) *ItemStore {
	t.Helper()

	store, err := NewItemStore(filepath.Join(t.TempDir(), "app.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewItemStore: %v", err)
	}

	t.Cleanup(func() { store.Close() })

	return store
}

func intPtr(v int) *int { return &v }

func TestItemStoreUpsertAndGet(t *testing.T) {
	store := newItemStore(t)
	ctx := context.Background()

	missing, err := store.GetByItemID(ctx, "m0")
	if err != nil {
		t.Fatalf("GetByItemID on empty db: %v", err)
	}

	if missing != nil {
		t.Fatalf("expected nil for unknown item, got %+v", missing)
	}

	item := &entity.ItemState{
		ItemID:               "m12345",
		ItemURL:              "https://jp.mercari.com/item/m12345",
		Title:                "camera",
		BasePrice:            1000,
		RunCount:             1,
		LastRunDate:          "2026-08-28",
		LastDownAmount:       100,
		LastDownAt:           "2026-08-28 09:00",
		LastDownRatePercent:  intPtr(10),
		LastDownDailyDownYen: intPtr(100),
		LastDownRunIndex:     intPtr(0),
	}

	if err := store.Upsert(ctx, item); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.GetByItemID(ctx, "m12345")
	if err != nil {
		t.Fatalf("GetByItemID: %v", err)
	}

	if got == nil {
		t.Fatal("GetByItemID returned nil after Upsert")
	}

	if got.BasePrice != 1000 || got.RunCount != 1 || got.LastRunDate != "2026-08-28" {
		t.Fatalf("core fields mismatch: %+v", got)
	}

	if got.LastDownRatePercent == nil || *got.LastDownRatePercent != 10 {
		t.Fatalf("nullable rate not preserved: %+v", got.LastDownRatePercent)
	}

	if got.UpdatedAt == "" {
		t.Fatal("UpdatedAt should be stamped on upsert")
	}

	// Second upsert overwrites all fields.
	item.RunCount = 2
	item.LastRunDate = "2026-08-29"
	if err := store.Upsert(ctx, item); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err = store.GetByItemID(ctx, "m12345")
	if err != nil {
		t.Fatal(err)
	}

	if got.RunCount != 2 || got.LastRunDate != "2026-08-29" {
		t.Fatalf("upsert did not overwrite: %+v", got)
	}
}

func TestItemStoreResetItem(t *testing.T) {
	store := newItemStore(t)
	ctx := context.Background()

	seed := &entity.ItemState{
		ItemID:              "m1",
		ItemURL:             "https://jp.mercari.com/item/m1",
		BasePrice:           500,
		RunCount:            4,
		LastRunDate:         "2026-08-28",
		LastDownAmount:      250,
		LastDownAt:          "2026-08-28 09:00",
		LastDownRatePercent: intPtr(10),
	}
	if err := store.Upsert(ctx, seed); err != nil {
		t.Fatal(err)
	}

	ok, err := store.ResetItem(ctx, "m1", 0)
	if err != nil || !ok {
		t.Fatalf("ResetItem = (%v, %v), want (true, nil)", ok, err)
	}

	got, err := store.GetByItemID(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}

	if got.RunCount != 0 || got.LastRunDate != "" || got.LastDownAmount != 0 || got.LastDownRatePercent != nil {
		t.Fatalf("reset left history behind: %+v", got)
	}

	if got.BasePrice != 500 {
		t.Fatalf("reset must keep the base price, got %d", got.BasePrice)
	}

	ok, err = store.ResetItem(ctx, "missing", 0)
	if err != nil {
		t.Fatal(err)
	}

	if ok {
		t.Fatal("ResetItem on unknown item should report false")
	}
}

func TestItemStoreClearLastRunDate(t *testing.T) {
	store := newItemStore(t)
	ctx := context.Background()

	seed := &entity.ItemState{
		ItemID:      "m2",
		ItemURL:     "https://jp.mercari.com/item/m2",
		BasePrice:   800,
		RunCount:    3,
		LastRunDate: "2026-08-28",
	}
	if err := store.Upsert(ctx, seed); err != nil {
		t.Fatal(err)
	}

	ok, err := store.ClearLastRunDate(ctx, "m2")
	if err != nil || !ok {
		t.Fatalf("ClearLastRunDate = (%v, %v)", ok, err)
	}

	got, err := store.GetByItemID(ctx, "m2")
	if err != nil {
		t.Fatal(err)
	}

	if got.LastRunDate != "" {
		t.Fatalf("LastRunDate not cleared: %q", got.LastRunDate)
	}

	if got.RunCount != 3 {
		t.Fatalf("RunCount must be kept, got %d", got.RunCount)
	}
}

func TestItemStoreMigratesOldSchema(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "app.db")

	// Simulate a database created before the last-down columns existed.
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}

	_, err = db.Exec(`
CREATE TABLE Items (
    ItemId TEXT PRIMARY KEY,
    ItemUrl TEXT NOT NULL,
    Title TEXT,
    BasePrice INTEGER NOT NULL,
    RunCount INTEGER NOT NULL,
    LastRunDate TEXT,
    UpdatedAt TEXT
);`)
	if err != nil {
		t.Fatal(err)
	}

	_, err = db.Exec(`
INSERT INTO Items (ItemId, ItemUrl, Title, BasePrice, RunCount, LastRunDate)
VALUES ('legacy', 'https://jp.mercari.com/item/legacy', 'old row', 1200, 5, '2026-01-01');`)
	if err != nil {
		t.Fatal(err)
	}

	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	store, err := NewItemStore(dbPath, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	got, err := store.GetByItemID(context.Background(), "legacy")
	if err != nil {
		t.Fatalf("GetByItemID after migration: %v", err)
	}

	if got == nil || got.BasePrice != 1200 || got.RunCount != 5 {
		t.Fatalf("legacy row lost in migration: %+v", got)
	}

	if got.LastDownAmount != 0 || got.LastDownRatePercent != nil {
		t.Fatalf("migrated columns should default to empty: %+v", got)
	}
}
