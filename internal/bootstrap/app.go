package bootstrap

import (
	"time"

	"go.uber.org/fx"

	"github.com/konitan-oss/mercari-price-tool/internal/browser"
	"github.com/konitan-oss/mercari-price-tool/internal/config"
	"github.com/konitan-oss/mercari-price-tool/internal/console"
	"github.com/konitan-oss/mercari-price-tool/internal/ports"
	"github.com/konitan-oss/mercari-price-tool/internal/usecase"
)

func NewApp() *fx.App {
	return fx.New(
		fx.Provide(
			config.GetConfig,
			newLogger,
			newTraceProvider,
			newPaths,
			newSelectors,

			fx.Annotate(browser.NewSession, fx.As(new(ports.AutomationSession))),
			fx.Annotate(newItemStore, fx.As(new(ports.ItemStore))),
			fx.Annotate(newRunStateStore, fx.As(new(ports.RunStateStore))),

			usecase.NewUsecase,

			console.NewInterface,
		),

		fx.Invoke(
			runConsole,
		),

		// Startup covers the manual login walkthrough on first run.
		fx.StartTimeout(15*time.Minute),
	)
}
