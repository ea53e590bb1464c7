package usecase

import (
	"github.com/konitan-oss/mercari-price-tool/internal/usecase/adapters"
)

type serviceFactory struct {
	deps Params
}

func newServiceFactory(deps Params) *serviceFactory {
	return &serviceFactory{
		deps: deps,
	}
}

func (f *serviceFactory) CreateBatchService() adapters.BatchService {
	return NewBatchService(BatchServiceParams{
		Config:    f.deps.Config,
		Logger:    f.deps.Logger,
		Session:   f.deps.Session,
		Store:     f.deps.Store,
		RunStates: f.deps.RunStates,
		Paths:     f.deps.Paths,
	})
}

func (f *serviceFactory) CreateSessionService() adapters.SessionService {
	return f.deps.Session
}
