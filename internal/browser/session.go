package browser

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/konitan-oss/mercari-price-tool/internal/config"
	"github.com/konitan-oss/mercari-price-tool/internal/selectors"
	"github.com/konitan-oss/mercari-price-tool/internal/storage"
	"github.com/konitan-oss/mercari-price-tool/pkg/apperr"
	"github.com/konitan-oss/mercari-price-tool/pkg/logg"
	"github.com/konitan-oss/mercari-price-tool/pkg/tracing"
)

const (
	sessionName   = "AutomationSession"
	sessionTracer = "browser.session"

	navigateTimeout  = 90000
	readyTimeout     = 30000
	visibleTimeout   = 30000
	clickTimeout     = 8000
	popupWaitTimeout = 1000
	popupClickT      = 2000
	statePollEvery   = 500 * time.Millisecond
	stateTimeout     = 30 * time.Second
)

// Session owns the single Playwright page used for every automated action.
// It is never driven from more than one goroutine at a time.
type Session struct {
	config    *config.Config
	logger    *zap.Logger
	tracer    trace.Tracer
	paths     *storage.Paths
	selectors *selectors.Set

	playwright     *playwright.Playwright
	browser        playwright.Browser
	browserContext playwright.BrowserContext
	page           playwright.Page
	ready          bool
}

type Params struct {
	fx.In

	Config    *config.Config
	Logger    *zap.Logger
	Paths     *storage.Paths
	Selectors *selectors.Set
}

func NewSession(params Params) *Session {
	return &Session{
		config:    params.Config,
		logger:    params.Logger.With(zap.String(logg.Layer, sessionName)),
		tracer:    otel.Tracer(sessionTracer),
		paths:     params.Paths,
		selectors: params.Selectors,
		ready:     false,
	}
}

// Launch starts Chromium, restores the saved login when one exists and
// otherwise walks the operator through a manual login before capturing the
// storage state for the next start.
func (s *Session) Launch(ctx context.Context) (err error) {
	const op = "Launch"
	logger := s.logger.With(zap.String(logg.Operation, op))

	ctx, step := tracing.StartSpan(ctx, s.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	if s.ready {
		return nil
	}

	logger.Info("Launching browser...")
	step.AddEvent("installing playwright")

	if err = playwright.Install(); err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "playwright_install_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}

	step.AddEvent("starting playwright")

	pw, err := playwright.Run()
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "playwright_start_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	s.playwright = pw

	browser, err := s.playwright.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(s.config.BrowserConfig.Headless),
		SlowMo:   playwright.Float(float64(s.config.BrowserConfig.SlowMo)),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
		},
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "browser_launch_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	s.browser = browser

	storageStatePath := s.paths.StorageState()
	hasState := fileExists(storageStatePath)

	contextOptions := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1280, Height: 900},
	}

	if hasState {
		logger.Info("Restoring saved login", zap.String(logg.Path, storageStatePath))
		contextOptions.StorageStatePath = playwright.String(storageStatePath)
	}

	browserContext, err := browser.NewContext(contextOptions)
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "context_create_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	s.browserContext = browserContext

	page, err := browserContext.NewPage()
	if err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "page_create_failed",
			apperr.MetaStage:  apperr.StageBrowser,
		})
	}
	s.page = page

	step.AddEvent("opening listings page")

	_, err = page.Goto(s.config.BrowserConfig.ListingsURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(s.config.BrowserConfig.Timeout)),
	})
	if err != nil {
		return apperr.Wrap(op, apperr.CodeActionFailed, err, map[string]any{
			apperr.MetaReason: "goto_failed",
			apperr.MetaStage:  apperr.StageNavigation,
			apperr.MetaURL:    s.config.BrowserConfig.ListingsURL,
		})
	}

	if !hasState {
		if err = s.captureLoginState(ctx, storageStatePath); err != nil {
			return err
		}
	}

	s.ready = true
	logger.Info("Browser launched successfully")

	return nil
}

func (s *Session) captureLoginState(ctx context.Context, path string) error {
	const op = "captureLoginState"
	logger := s.logger.With(zap.String(logg.Operation, op))

	logger.Info("No saved login found, waiting for manual login")
	fmt.Println("\nLog in to the marketplace in the opened browser window,")
	fmt.Println("then press Enter here to continue...")

	reader := bufio.NewReader(os.Stdin)
	if _, err := reader.ReadString('\n'); err != nil {
		logger.Warn("Login prompt read failed, continuing", zap.Error(err))
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.browserContext.StorageState(path); err != nil {
		return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "storage_state_save_failed",
			apperr.MetaStage:  apperr.StageBrowser,
			apperr.MetaPath:   path,
		})
	}

	logger.Info("Login state saved", zap.String(logg.Path, path))

	return nil
}

func (s *Session) Close(ctx context.Context) (err error) {
	const op = "Close"
	logger := s.logger.With(zap.String(logg.Operation, op))

	_, step := tracing.StartSpan(ctx, s.tracer, logger, op)
	defer func() {
		step.End(err)
	}()

	logger.Info("Closing browser...")

	if s.browserContext != nil {
		if err := s.browserContext.Close(); err != nil {
			logger.Warn("Failed to close context", zap.Error(err))
		}
	}

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			logger.Warn("Failed to close browser", zap.Error(err))
		}
	}

	if s.playwright != nil {
		if err := s.playwright.Stop(); err != nil {
			return apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
				apperr.MetaReason: "playwright_stop_failed",
			})
		}
	}

	s.ready = false
	logger.Info("Browser closed")

	return nil
}

func (s *Session) IsReady() bool {
	return s.ready
}

func (s *Session) ensurePageActive() error {
	if s.browserContext == nil {
		return fmt.Errorf("browser context is nil")
	}

	if s.page != nil && !s.page.IsClosed() {
		return nil
	}

	s.logger.Info("Page closed, reconnecting to active page...")

	for _, p := range s.browserContext.Pages() {
		if !p.IsClosed() {
			s.page = p
			s.logger.Info("Reconnected to existing page")

			return nil
		}
	}

	page, err := s.browserContext.NewPage()
	if err != nil {
		return fmt.Errorf("failed to create new page: %w", err)
	}

	s.page = page
	s.logger.Info("Created new page")

	return nil
}

// SaveEvidence snapshots the page as a full-page screenshot plus its markup,
// named by baseName, and returns the two paths joined by a semicolon.
func (s *Session) SaveEvidence(ctx context.Context, baseName string) (paths string, err error) {
	const op = "SaveEvidence"
	logger := s.logger.With(zap.String(logg.Operation, op))

	_, step := tracing.StartSpan(ctx, s.tracer, logger, op, attribute.String("base_name", baseName))
	defer func() {
		step.End(err)
	}()

	if s.page == nil {
		return "", apperr.WrapErrorWithReason(op, apperr.CodeBrowserNotReady, "page_not_initialized")
	}

	dir, err := s.paths.EvidenceDir()
	if err != nil {
		return "", apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "evidence_dir_failed",
			apperr.MetaStage:  apperr.StageEvidence,
		})
	}

	pngPath := filepath.Join(dir, baseName+".png")
	htmlPath := filepath.Join(dir, baseName+".html")

	if _, err = s.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(pngPath),
		FullPage: playwright.Bool(true),
	}); err != nil {
		return "", apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "screenshot_failed",
			apperr.MetaStage:  apperr.StageEvidence,
		})
	}

	html, err := s.page.Content()
	if err != nil {
		return "", apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "content_failed",
			apperr.MetaStage:  apperr.StageEvidence,
		})
	}

	if err = os.WriteFile(htmlPath, []byte(html), 0o644); err != nil {
		return "", apperr.Wrap(op, apperr.CodeInternal, err, map[string]any{
			apperr.MetaReason: "write_markup_failed",
			apperr.MetaStage:  apperr.StageEvidence,
			apperr.MetaPath:   htmlPath,
		})
	}

	logger.Info("Evidence saved", zap.String(logg.Path, pngPath))

	return pngPath + ";" + htmlPath, nil
}

// saveCanceledEvidence is best effort: a stop request must never fail because
// the snapshot did.
func (s *Session) saveCanceledEvidence(stepName string) {
	baseName := fmt.Sprintf("%s_Canceled_%s", time.Now().Format("20060102-1504"), stepName)

	if _, err := s.SaveEvidence(context.Background(), baseName); err != nil {
		s.logger.Warn("Canceled evidence capture failed", zap.Error(err))
	}
}

func (s *Session) report(progress func(string), format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.logger.Debug(msg)

	if progress != nil {
		progress(msg)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
