package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Header is the fixed column set of a price-run log, one CSV line per item
// outcome.
var Header = []string{
	"ItemId", "Title", "ItemUrl", "BasePrice", "NewPrice",
	"Result", "Message", "ExecutedAt", "Step", "RetryUsed", "EvidencePath",
}

// Entry mirrors one row of the run log.
type Entry struct {
	ItemID       string
	Title        string
	ItemURL      string
	BasePrice    int
	NewPrice     int
	Result       string
	Message      string
	ExecutedAt   string
	Step         string
	RetryUsed    int
	EvidencePath string
}

// RunLog writes one CSV file per batch run.
type RunLog struct {
	file   *os.File
	writer *csv.Writer
}

// NewRunLog creates the file and writes the header row.
func NewRunLog(path string) (*RunLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create run log %s: %w", path, err)
	}

	writer := csv.NewWriter(f)

	if err := writer.Write(Header); err != nil {
		f.Close()

		return nil, fmt.Errorf("write run log header: %w", err)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()

		return nil, fmt.Errorf("flush run log header: %w", err)
	}

	return &RunLog{file: f, writer: writer}, nil
}

// Append writes one outcome line and flushes, so a crash mid-batch loses at
// most the in-flight item.
func (l *RunLog) Append(e Entry) error {
	record := []string{
		e.ItemID,
		flatten(e.Title),
		e.ItemURL,
		strconv.Itoa(e.BasePrice),
		strconv.Itoa(e.NewPrice),
		e.Result,
		flatten(e.Message),
		e.ExecutedAt,
		e.Step,
		strconv.Itoa(e.RetryUsed),
		e.EvidencePath,
	}

	if err := l.writer.Write(record); err != nil {
		return fmt.Errorf("write run log record: %w", err)
	}

	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return fmt.Errorf("flush run log record: %w", err)
	}

	return nil
}

func (l *RunLog) Close() error {
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		l.file.Close()

		return fmt.Errorf("flush run log: %w", err)
	}

	return l.file.Close()
}

// flatten keeps failure messages on one log line.
func flatten(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")

	return strings.ReplaceAll(v, "\n", " ")
}
