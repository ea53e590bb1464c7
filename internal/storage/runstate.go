package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/konitan-oss/mercari-price-tool/internal/entity"
	"github.com/konitan-oss/mercari-price-tool/pkg/logg"
)

// RunStateStore keeps the batch progress document on disk. The document is
// replaced whole on every save via temp-file + rename so a concurrent reader
// never observes a half-written record.
type RunStateStore struct {
	path   string
	logger *zap.Logger
}

func NewRunStateStore(path string, logger *zap.Logger) *RunStateStore {
	return &RunStateStore{
		path:   path,
		logger: logger.With(zap.String(logg.Layer, "RunStateStore")),
	}
}

// Load returns nil without error when no usable document exists; an absent or
// corrupt run state means "start fresh", not failure.
func (s *RunStateStore) Load() (*entity.RunState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		s.logger.Warn("Run state unreadable, starting fresh", zap.Error(err))

		return nil, nil
	}

	var state entity.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("Run state corrupt, starting fresh", zap.Error(err))

		return nil, nil
	}

	return &state, nil
}

func (s *RunStateStore) Save(state *entity.RunState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".runstate-*.json")
	if err != nil {
		return fmt.Errorf("create run state temp file: %w", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("write run state: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("close run state temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)

		return fmt.Errorf("replace run state: %w", err)
	}

	return nil
}
