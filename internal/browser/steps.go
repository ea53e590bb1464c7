package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/konitan-oss/mercari-price-tool/internal/entity"
	"github.com/konitan-oss/mercari-price-tool/pkg/apperr"
	"github.com/konitan-oss/mercari-price-tool/pkg/logg"
	"github.com/konitan-oss/mercari-price-tool/pkg/tracing"
)

// runStep executes one logical action with a bounded retry budget. It returns
// the number of retries consumed. Cancellation propagates immediately and is
// never wrapped into a step failure; exhaustion wraps the last cause into
// *apperr.StepError.
func runStep(ctx context.Context, stepName string, maxRetries int, retryWait time.Duration, progress func(string), action func() error) (int, error) {
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		if attempt > 0 && progress != nil {
			progress(fmt.Sprintf("[%s] retry %d/%d", stepName, attempt, maxRetries))
		}

		err := action()
		if err == nil {
			return attempt, nil
		}

		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		if attempt >= maxRetries {
			return attempt, apperr.StepFailed(stepName, attempt, err)
		}

		attempt++

		if progress != nil {
			progress(fmt.Sprintf("[%s] failed: %v -> retrying %d/%d", stepName, err, attempt, maxRetries))
		}

		if err := sleepCtx(ctx, retryWait); err != nil {
			return attempt, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// waitSeconds holds for the given number of seconds, re-checking the
// cancellation signal every second so stop requests bite quickly.
func waitSeconds(ctx context.Context, seconds int, label string, progress func(string)) error {
	if seconds <= 0 {
		return nil
	}

	if progress != nil {
		progress(fmt.Sprintf("%s: waiting %d s", label, seconds))
	}

	for i := 0; i < seconds; i++ {
		if err := sleepCtx(ctx, time.Second); err != nil {
			return err
		}
	}

	return nil
}

// obstructionPhrases mark click failures caused by overlays, occlusion or a
// re-rendered DOM rather than a genuinely missing control.
var obstructionPhrases = []string{
	"not visible",
	"intercept",
	"other element would receive the click",
	"element is detached",
	"not attached",
}

func isObstructionLike(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())

	for _, phrase := range obstructionPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}

	return false
}

// clickWithRecovery attempts a direct click and escalates: dismiss whatever
// is in the way and click again, then force the click through the DOM when
// the normal path keeps failing.
func (s *Session) clickWithRecovery(ctx context.Context, locator playwright.Locator, label string, progress func(string)) error {
	if err := locator.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(10000),
	}); err != nil {
		return err
	}

	err := locator.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(clickTimeout)})
	if err == nil {
		s.report(progress, "[%s] click ok (normal)", label)

		return nil
	}

	if isObstructionLike(err) {
		s.report(progress, "[%s] click intercepted -> dismiss then retry", label)
		s.dismissObstructions(ctx, progress)
	} else {
		s.report(progress, "[%s] click failed (%v) -> retry", label, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	err = locator.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(clickTimeout)})
	if err == nil {
		s.report(progress, "[%s] click ok (retry)", label)

		return nil
	}

	s.report(progress, "[%s] click retry failed (%v) -> JS click", label, err)

	if _, err := locator.Evaluate("el => el.click()", nil); err != nil {
		return err
	}

	s.report(progress, "[%s] click ok (js)", label)

	return nil
}

// dismissObstructions tries each known popup-close control, falling back to
// the Escape key when none of them is present.
func (s *Session) dismissObstructions(ctx context.Context, progress func(string)) {
	s.report(progress, "[PopupDismiss] start")

	for _, selector := range s.selectors.PopupClose {
		if ctx.Err() != nil {
			return
		}

		s.report(progress, "[PopupDismiss] try: %s", selector)

		locator := s.page.Locator(selector).First()

		if err := locator.WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(popupWaitTimeout),
		}); err != nil {
			continue
		}

		if err := locator.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(popupClickT)}); err != nil {
			s.report(progress, "[PopupDismiss] fail: %s (%v)", selector, err)

			continue
		}

		waitForDisappear(locator)
		s.report(progress, "[PopupDismiss] closed: %s", selector)

		return
	}

	s.report(progress, "[PopupDismiss] try: Escape")

	if err := s.page.Keyboard().Press("Escape"); err != nil {
		s.report(progress, "[PopupDismiss] escape fail: %v", err)
	}

	_ = sleepCtx(ctx, 300*time.Millisecond)
	s.report(progress, "[PopupDismiss] done")
}

func waitForDisappear(locator playwright.Locator) {
	if err := locator.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateDetached,
		Timeout: playwright.Float(5000),
	}); err == nil {
		return
	}

	_ = locator.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateHidden,
		Timeout: playwright.Float(5000),
	})
}

// clickFirstMatching walks the ordered selector candidates; the first one
// whose recovered click succeeds wins. Each candidate attempt carries its own
// retry budget; candidate failure moves on rather than aborting the action.
func (s *Session) clickFirstMatching(ctx context.Context, candidates []string, label string, maxRetries int, retryWait time.Duration, progress func(string), result *entity.PriceUpdateResult) error {
	for _, selector := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.report(progress, "[%s] trying selector: %s", label, selector)

		locator := s.page.Locator(selector).First()

		attempts, err := runStep(ctx, label, maxRetries, retryWait, progress, func() error {
			if err := locator.WaitFor(playwright.LocatorWaitForOptions{
				State:   playwright.WaitForSelectorStateVisible,
				Timeout: playwright.Float(visibleTimeout),
			}); err != nil {
				return err
			}

			return s.clickWithRecovery(ctx, locator, label, progress)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			s.report(progress, "[%s] failed: %v (selector: %s)", label, err, selector)

			continue
		}

		s.report(progress, "[%s] success: %s (retries %d)", label, selector, attempts)
		result.LastStep = label
		result.RetryUsed += attempts
		_ = sleepCtx(ctx, 300*time.Millisecond)

		return nil
	}

	return apperr.StepFailed(label, 0, fmt.Errorf("no selector succeeded for %s", label))
}

// fillPrice writes the integer price into the first usable price input,
// iterating candidates the same way clickFirstMatching does.
func (s *Session) fillPrice(ctx context.Context, price int, label string, maxRetries int, retryWait time.Duration, progress func(string), result *entity.PriceUpdateResult) error {
	for _, selector := range s.selectors.PriceInput {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.report(progress, "[%s] trying selector: %s", label, selector)

		locator := s.page.Locator(selector).First()

		attempts, err := runStep(ctx, label, maxRetries, retryWait, progress, func() error {
			if err := locator.WaitFor(playwright.LocatorWaitForOptions{
				State:   playwright.WaitForSelectorStateVisible,
				Timeout: playwright.Float(visibleTimeout),
			}); err != nil {
				return err
			}

			if err := s.clickWithRecovery(ctx, locator, label+"/Focus", progress); err != nil {
				return err
			}

			return locator.Fill(strconv.Itoa(price))
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			s.report(progress, "[%s] failed: %v (selector: %s)", label, err, selector)

			continue
		}

		s.report(progress, "[%s] success: %s (retries %d)", label, selector, attempts)
		result.LastStep = label
		result.RetryUsed += attempts
		_ = sleepCtx(ctx, 200*time.Millisecond)

		return nil
	}

	return apperr.StepFailed(label, 0, errors.New("no usable price input found"))
}

// awaitItemState polls the page until one of the independent success signals
// confirms the expected state: the URL is back on an item page, a success
// text is visible, or an edit control reappeared.
func (s *Session) awaitItemState(ctx context.Context, successTexts []string, progress func(string)) error {
	deadline := time.Now().Add(stateTimeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		if strings.Contains(strings.ToLower(s.page.URL()), "/item/") {
			s.report(progress, "[StateCheck] item page URL confirmed")

			return nil
		}

		for _, text := range successTexts {
			visible, err := s.page.GetByText(text, playwright.PageGetByTextOptions{
				Exact: playwright.Bool(false),
			}).First().IsVisible()
			if err == nil && visible {
				s.report(progress, "[StateCheck] success text detected")

				return nil
			}
		}

		for _, selector := range s.selectors.EditButton {
			visible, err := s.page.Locator(selector).First().IsVisible()
			if err == nil && visible {
				s.report(progress, "[StateCheck] edit control visible again")

				return nil
			}
		}

		if err := sleepCtx(ctx, statePollEvery); err != nil {
			return err
		}
	}

	return apperr.StepFailed("StateCheck", 0, errors.New("state transition not confirmed before timeout"))
}

// RunPriceUpdateCycle drives the full pause/lower/resume cycle for one item.
// The returned result always reports the last step reached, even on failure.
func (s *Session) RunPriceUpdateCycle(ctx context.Context, itemURL string, newPrice, basePrice int, opts entity.PriceUpdateOptions, retryCount, retryWaitSec int, progress func(string)) (result *entity.PriceUpdateResult, err error) {
	const op = "RunPriceUpdateCycle"
	logger := s.logger.With(zap.String(logg.Operation, op), zap.String(logg.URL, itemURL))

	ctx, span := tracing.StartSpan(ctx, s.tracer, logger, op,
		attribute.String("url", itemURL),
		attribute.Int("new_price", newPrice))
	defer func() {
		span.End(err)
	}()

	result = &entity.PriceUpdateResult{}

	if !s.ready {
		return result, apperr.WrapErrorWithReason(op, apperr.CodeBrowserNotReady, "browser_not_ready")
	}

	if err = s.ensurePageActive(); err != nil {
		return result, apperr.WrapWithReason(op, apperr.CodeBrowserNotReady, err, "page_not_active")
	}

	if retryWaitSec < 1 {
		retryWaitSec = 1
	}
	retryWait := time.Duration(retryWaitSec) * time.Second

	currentStep := "Init"
	defer func() {
		if err != nil && errors.Is(err, context.Canceled) {
			s.saveCanceledEvidence(currentStep)
		}
	}()

	navigate := func(stepName string) error {
		currentStep = stepName

		_, stepErr := runStep(ctx, stepName, retryCount, retryWait, progress, func() error {
			s.report(progress, "[%s] navigating: %s", stepName, itemURL)

			if _, err := s.page.Goto(itemURL, playwright.PageGotoOptions{
				WaitUntil: playwright.WaitUntilStateDomcontentloaded,
				Timeout:   playwright.Float(navigateTimeout),
			}); err != nil {
				return err
			}

			if _, err := s.page.WaitForSelector("main#main", playwright.PageWaitForSelectorOptions{
				Timeout: playwright.Float(readyTimeout),
			}); err != nil {
				return err
			}

			s.dismissObstructions(ctx, progress)

			return nil
		})
		if stepErr != nil {
			return stepErr
		}

		result.LastStep = stepName

		return nil
	}

	// Discount phase: pause the listing at the lowered price.
	if err = navigate("NavigateItem"); err != nil {
		return result, err
	}

	currentStep = "EditClick"
	if err = s.clickFirstMatching(ctx, s.selectors.EditButton, "EditClick", retryCount, retryWait, progress, result); err != nil {
		return result, err
	}

	currentStep = "PriceInput"
	if err = s.fillPrice(ctx, newPrice, "PriceInput", retryCount, retryWait, progress, result); err != nil {
		return result, err
	}

	currentStep = "Pause"
	if err = s.clickFirstMatching(ctx, s.selectors.Pause, "Pause", retryCount, retryWait, progress, result); err != nil {
		return result, err
	}

	s.report(progress, "[Pause] waiting for paused state")
	if err = s.awaitItemState(ctx, s.selectors.PausedText, progress); err != nil {
		return result, err
	}

	if err = waitSeconds(ctx, opts.WaitAfterPauseSec, "WaitAfterPause", progress); err != nil {
		return result, err
	}
	result.LastStep = "WaitAfterPause"

	// Restore phase: put the base price back and resume the listing.
	if err = navigate("NavigateItemResume"); err != nil {
		return result, err
	}

	currentStep = "EditBeforeResume"
	if err = s.clickFirstMatching(ctx, s.selectors.EditButton, "EditBeforeResume", retryCount, retryWait, progress, result); err != nil {
		return result, err
	}

	currentStep = "PriceInputRestore"
	if err = s.fillPrice(ctx, basePrice, "PriceInputRestore", retryCount, retryWait, progress, result); err != nil {
		return result, err
	}

	currentStep = "Resume"
	if err = s.clickFirstMatching(ctx, s.selectors.Resume, "Resume", retryCount, retryWait, progress, result); err != nil {
		return result, err
	}

	s.report(progress, "[Resume] waiting for resumed state")
	if err = s.awaitItemState(ctx, nil, progress); err != nil {
		return result, err
	}

	if err = waitSeconds(ctx, opts.WaitAfterResumeSec, "WaitAfterResume", progress); err != nil {
		return result, err
	}
	result.LastStep = "WaitAfterResume"

	s.report(progress, "price update cycle completed")

	return result, nil
}
