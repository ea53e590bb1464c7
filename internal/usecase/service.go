package usecase

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/konitan-oss/mercari-price-tool/internal/config"
	"github.com/konitan-oss/mercari-price-tool/internal/ports"
	"github.com/konitan-oss/mercari-price-tool/internal/storage"
	"github.com/konitan-oss/mercari-price-tool/internal/usecase/adapters"
)

type Service struct {
	Batch   adapters.BatchService
	Session adapters.SessionService
}

type Params struct {
	fx.In

	Logger    *zap.Logger
	Config    *config.Config
	Session   ports.AutomationSession
	Store     ports.ItemStore
	RunStates ports.RunStateStore
	Paths     *storage.Paths
}

func NewUsecase(params Params) *Service {
	factory := newServiceFactory(params)

	return &Service{
		Batch:   factory.CreateBatchService(),
		Session: factory.CreateSessionService(),
	}
}
