package report

import (
	"github.com/konitan-oss/mercari-price-tool/internal/entity"
	"github.com/konitan-oss/mercari-price-tool/internal/ports"
)

type outcomeLog struct {
	log *RunLog
}

// NewOutcomeLog opens a run log at path behind the ports.RunLog port.
func NewOutcomeLog(path string) (ports.RunLog, error) {
	log, err := NewRunLog(path)
	if err != nil {
		return nil, err
	}

	return &outcomeLog{log: log}, nil
}

func (l *outcomeLog) Append(outcome entity.ItemOutcome) error {
	return l.log.Append(Entry{
		ItemID:       outcome.ItemID,
		Title:        outcome.Title,
		ItemURL:      outcome.ItemURL,
		BasePrice:    outcome.BasePrice,
		NewPrice:     outcome.NewPrice,
		Result:       string(outcome.Status),
		Message:      outcome.Message,
		ExecutedAt:   outcome.ExecutedAt,
		Step:         outcome.Step,
		RetryUsed:    outcome.RetryUsed,
		EvidencePath: outcome.EvidencePath,
	})
}

func (l *outcomeLog) Close() error {
	return l.log.Close()
}
