package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/konitan-oss/mercari-price-tool/internal/entity"
	"github.com/konitan-oss/mercari-price-tool/pkg/logg"
)

// ItemStore persists the per-item pricing ledger in an embedded sqlite
// database. The schema only ever grows: missing columns are added with
// ALTER TABLE so an old database file keeps its rows.
type ItemStore struct {
	db     *sql.DB
	logger *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

func NewItemStore(dbPath string, logger *zap.Logger) (*ItemStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open item database %s: %w", dbPath, err)
	}

	// Single-writer by design; one connection avoids sqlite busy errors.
	db.SetMaxOpenConns(1)

	return &ItemStore{
		db:     db,
		logger: logger.With(zap.String(logg.Layer, "ItemStore")),
	}, nil
}

func (s *ItemStore) Close() error {
	return s.db.Close()
}

const createItemsTable = `
CREATE TABLE IF NOT EXISTS Items (
    ItemId TEXT PRIMARY KEY,
    ItemUrl TEXT NOT NULL,
    Title TEXT,
    BasePrice INTEGER NOT NULL,
    RunCount INTEGER NOT NULL,
    LastRunDate TEXT,
    UpdatedAt TEXT,
    LastDownAmount INTEGER NOT NULL DEFAULT 0,
    LastDownAt TEXT,
    LastDownRatePercent INTEGER,
    LastDownDailyDownYen INTEGER,
    LastDownRunIndex INTEGER
);`

// additiveColumns were introduced after the first release; databases created
// before them are migrated in place.
var additiveColumns = []struct {
	name string
	ddl  string
}{
	{"LastDownAmount", "ALTER TABLE Items ADD COLUMN LastDownAmount INTEGER NOT NULL DEFAULT 0"},
	{"LastDownAt", "ALTER TABLE Items ADD COLUMN LastDownAt TEXT"},
	{"LastDownRatePercent", "ALTER TABLE Items ADD COLUMN LastDownRatePercent INTEGER"},
	{"LastDownDailyDownYen", "ALTER TABLE Items ADD COLUMN LastDownDailyDownYen INTEGER"},
	{"LastDownRunIndex", "ALTER TABLE Items ADD COLUMN LastDownRunIndex INTEGER"},
}

func (s *ItemStore) ensureSchema(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		if _, err := s.db.ExecContext(ctx, createItemsTable); err != nil {
			s.ensureErr = fmt.Errorf("create Items table: %w", err)

			return
		}

		existing, err := s.tableColumns(ctx)
		if err != nil {
			s.ensureErr = err

			return
		}

		for _, col := range additiveColumns {
			if existing[col.name] {
				continue
			}

			if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
				s.logger.Warn("Schema migration warning",
					zap.String("column", col.name), zap.Error(err))
			}
		}
	})

	return s.ensureErr
}

func (s *ItemStore) tableColumns(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(Items)")
	if err != nil {
		return nil, fmt.Errorf("read Items schema: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)

		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("scan Items schema row: %w", err)
		}

		columns[name] = true
	}

	return columns, rows.Err()
}

const selectItemByID = `
SELECT ItemId, ItemUrl, Title, BasePrice, RunCount, LastRunDate, UpdatedAt,
       LastDownAmount, LastDownAt, LastDownRatePercent, LastDownDailyDownYen, LastDownRunIndex
FROM Items
WHERE ItemId = ?;`

func (s *ItemStore) GetByItemID(ctx context.Context, itemID string) (*entity.ItemState, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, selectItemByID, itemID)

	var (
		item        entity.ItemState
		title       sql.NullString
		lastRunDate sql.NullString
		updatedAt   sql.NullString
		lastDownAt  sql.NullString
		ratePct     sql.NullInt64
		dailyYen    sql.NullInt64
		runIndex    sql.NullInt64
	)

	err := row.Scan(&item.ItemID, &item.ItemURL, &title, &item.BasePrice, &item.RunCount,
		&lastRunDate, &updatedAt, &item.LastDownAmount, &lastDownAt, &ratePct, &dailyYen, &runIndex)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", itemID, err)
	}

	item.Title = title.String
	item.LastRunDate = lastRunDate.String
	item.UpdatedAt = updatedAt.String
	item.LastDownAt = lastDownAt.String
	item.LastDownRatePercent = nullableInt(ratePct)
	item.LastDownDailyDownYen = nullableInt(dailyYen)
	item.LastDownRunIndex = nullableInt(runIndex)

	return &item, nil
}

const upsertItem = `
INSERT INTO Items (ItemId, ItemUrl, Title, BasePrice, RunCount, LastRunDate, UpdatedAt,
                   LastDownAmount, LastDownAt, LastDownRatePercent, LastDownDailyDownYen, LastDownRunIndex)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(ItemId) DO UPDATE SET
    ItemUrl = excluded.ItemUrl,
    Title = excluded.Title,
    BasePrice = excluded.BasePrice,
    RunCount = excluded.RunCount,
    LastRunDate = excluded.LastRunDate,
    UpdatedAt = excluded.UpdatedAt,
    LastDownAmount = excluded.LastDownAmount,
    LastDownAt = excluded.LastDownAt,
    LastDownRatePercent = excluded.LastDownRatePercent,
    LastDownDailyDownYen = excluded.LastDownDailyDownYen,
    LastDownRunIndex = excluded.LastDownRunIndex;`

func (s *ItemStore) Upsert(ctx context.Context, item *entity.ItemState) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, upsertItem,
		item.ItemID,
		item.ItemURL,
		nullString(item.Title),
		item.BasePrice,
		item.RunCount,
		nullString(item.LastRunDate),
		time.Now().UTC().Format(time.RFC3339),
		item.LastDownAmount,
		nullString(item.LastDownAt),
		nullIntValue(item.LastDownRatePercent),
		nullIntValue(item.LastDownDailyDownYen),
		nullIntValue(item.LastDownRunIndex),
	)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", item.ItemID, err)
	}

	return nil
}

// ResetItem returns the item to its first-run state: run count forced to
// resetRunCount, dates and last-discount history cleared.
func (s *ItemStore) ResetItem(ctx context.Context, itemID string, resetRunCount int) (bool, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE Items
SET RunCount = ?,
    LastRunDate = NULL,
    UpdatedAt = ?,
    LastDownAmount = 0,
    LastDownAt = NULL,
    LastDownRatePercent = NULL,
    LastDownDailyDownYen = NULL,
    LastDownRunIndex = NULL
WHERE ItemId = ?;`,
		resetRunCount, time.Now().UTC().Format(time.RFC3339), itemID)
	if err != nil {
		return false, fmt.Errorf("reset item %s: %w", itemID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// ClearLastRunDate reopens today's once-per-day gate while keeping RunCount.
func (s *ItemStore) ClearLastRunDate(ctx context.Context, itemID string) (bool, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE Items SET LastRunDate = NULL WHERE ItemId = ?;", itemID)
	if err != nil {
		return false, fmt.Errorf("clear last run date for %s: %w", itemID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}

	return v
}

func nullIntValue(v *int) any {
	if v == nil {
		return nil
	}

	return *v
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}

	n := int(v.Int64)

	return &n
}
