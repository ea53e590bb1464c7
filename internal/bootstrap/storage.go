package bootstrap

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/konitan-oss/mercari-price-tool/internal/config"
	"github.com/konitan-oss/mercari-price-tool/internal/selectors"
	"github.com/konitan-oss/mercari-price-tool/internal/storage"
)

func newPaths(config *config.Config) (*storage.Paths, error) {
	return storage.NewPaths(config.StorageConfig.DataDir)
}

func newSelectors(paths *storage.Paths, logger *zap.Logger) *selectors.Set {
	return selectors.Load(paths.Selectors(), logger)
}

func newItemStore(lc fx.Lifecycle, paths *storage.Paths, logger *zap.Logger) (*storage.ItemStore, error) {
	store, err := storage.NewItemStore(paths.Database(), logger)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})

	return store, nil
}

func newRunStateStore(paths *storage.Paths, logger *zap.Logger) *storage.RunStateStore {
	return storage.NewRunStateStore(paths.RunState(), logger)
}
