package entity

// ListingItem is one row scraped from the seller's listings page. Transient;
// price may stay 0 until enrichment fills it.
type ListingItem struct {
	ItemID     string
	Title      string
	Price      int
	ItemURL    string
	StatusText string
	IsPaused   bool
	RawText    string
}

// ItemState is the durable per-item pricing ledger. BasePrice is the floor
// percentage drops are computed from; it is set once and overwritten only when
// a previously stored value is zero. RunCount counts completed cycles and
// only grows outside an explicit reset.
type ItemState struct {
	ItemID    string
	ItemURL   string
	Title     string
	BasePrice int
	RunCount  int

	// LastRunDate gates the once-per-day rule, formatted 2006-01-02.
	LastRunDate string
	UpdatedAt   string

	// Last-discount metadata, display only.
	LastDownAmount       int
	LastDownAt           string
	LastDownRatePercent  *int
	LastDownDailyDownYen *int
	LastDownRunIndex     *int
}

// RunItemStatus is the per-item state within a batch run.
type RunItemStatus string

const (
	RunItemNotRun   RunItemStatus = "not_run"
	RunItemSuccess  RunItemStatus = "success"
	RunItemFailed   RunItemStatus = "failed"
	RunItemSkipped  RunItemStatus = "skipped"
	RunItemCanceled RunItemStatus = "canceled"
)

// Resolved reports whether the item needs no further processing within the
// same run. Anything but not_run is terminal for resume purposes.
func (s RunItemStatus) Resolved() bool {
	return s != "" && s != RunItemNotRun
}

type RunItemState struct {
	ItemID     string        `json:"itemId"`
	Title      string        `json:"title"`
	Status     RunItemStatus `json:"status"`
	Message    string        `json:"message,omitempty"`
	ExecutedAt string        `json:"executedAt,omitempty"`
}

// RunState is the durable record of one batch execution. Once IsCompleted is
// true the run is terminal and a new batch starts a fresh document.
type RunState struct {
	SessionID    string         `json:"sessionId"`
	StartedAt    string         `json:"startedAt"`
	TargetCount  int            `json:"targetCount"`
	CurrentIndex int            `json:"currentIndex"`
	IsCompleted  bool           `json:"isCompleted"`
	Items        []RunItemState `json:"items"`
}

// Item returns the entry for itemID, appending a fresh not_run entry when the
// document predates the item.
func (r *RunState) Item(itemID, title string) *RunItemState {
	for i := range r.Items {
		if r.Items[i].ItemID == itemID {
			return &r.Items[i]
		}
	}

	r.Items = append(r.Items, RunItemState{
		ItemID: itemID,
		Title:  title,
		Status: RunItemNotRun,
	})

	return &r.Items[len(r.Items)-1]
}

// PriceUpdateOptions configures the holds inside one pause/resume cycle.
type PriceUpdateOptions struct {
	WaitAfterPauseSec  int
	WaitAfterResumeSec int
}

// PriceUpdateResult reports how far a cycle got and what it cost.
type PriceUpdateResult struct {
	LastStep     string
	RetryUsed    int
	EvidencePath string
}

// ItemOutcome is one finished line of a batch: what happened to one item,
// written to the run log and mirrored into the run state.
type ItemOutcome struct {
	ItemID       string
	Title        string
	ItemURL      string
	BasePrice    int
	NewPrice     int
	Status       RunItemStatus
	Message      string
	ExecutedAt   string
	Step         string
	RetryUsed    int
	EvidencePath string
}

// BatchSummary aggregates a finished (or interrupted) batch.
type BatchSummary struct {
	Total    int
	Success  int
	Failed   int
	Skipped  int
	Canceled int
}
