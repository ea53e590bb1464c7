package report

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunLogWritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "price-run.csv")

	log, err := NewRunLog(path)
	if err != nil {
		t.Fatalf("NewRunLog: %v", err)
	}

	err = log.Append(Entry{
		ItemID:     "m1",
		Title:      `vintage "rare" lens`,
		ItemURL:    "https://jp.mercari.com/item/m1",
		BasePrice:  1000,
		NewPrice:   900,
		Result:     "success",
		Message:    "completed",
		ExecutedAt: "2026-08-28 10:00:00",
		Step:       "WaitAfterResume",
		RetryUsed:  1,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	err = log.Append(Entry{
		ItemID:       "m2",
		Title:        "broken,\nmultiline",
		Result:       "failed",
		Message:      "Pause failed:\ntimeout",
		Step:         "Pause",
		EvidencePath: "a.png;a.html",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read back run log: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d records", len(records))
	}

	if records[0][0] != "ItemId" || records[0][10] != "EvidencePath" {
		t.Fatalf("header mismatch: %v", records[0])
	}

	if records[1][1] != `vintage "rare" lens` {
		t.Fatalf("quotes not preserved: %q", records[1][1])
	}

	if strings.Contains(records[2][6], "\n") {
		t.Fatalf("newlines must be flattened, got %q", records[2][6])
	}

	if records[2][10] != "a.png;a.html" {
		t.Fatalf("evidence pair mismatch: %q", records[2][10])
	}
}
