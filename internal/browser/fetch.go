package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
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

// listingCardSelectors are tried most-specific first; the first selector that
// matches anything on the listings page is used for the whole fetch.
var listingCardSelectors = []string{
	`[data-testid='mypage-item-card']`,
	`[data-testid='mypage-item']`,
	`li[data-testid='mypage-item']`,
	`section a[href*='/item/']`,
	`a[href*='/item/']`,
}

const (
	itemLinkTimeout = 5000
	maxScrolls        = 20
	scrollSettle      = 800 * time.Millisecond
	maxPriceFallback  = 10
)

var (
	priceRe  = regexp.MustCompile(`[¥￥]\s*([0-9]{1,3}(?:,[0-9]{3})*|[0-9]+)`)
	ldJSONRe = regexp.MustCompile(`(?s)<script[^>]*type="application/ld\+json"[^>]*>(.*?)</script>`)
)

// FetchListings collects the operator's own listings between startRow and
// endRow (1-based, inclusive), scrolling the page until enough cards are
// loaded. A page that never shows any item link reports empty rather than
// failing, with evidence saved for diagnosis.
func (s *Session) FetchListings(ctx context.Context, startRow, endRow int, progress func(string)) (items []entity.ListingItem, err error) {
	const op = "FetchListings"
	logger := s.logger.With(zap.String(logg.Operation, op))

	ctx, span := tracing.StartSpan(ctx, s.tracer, logger, op,
		attribute.Int("start_row", startRow),
		attribute.Int("end_row", endRow))
	defer func() {
		span.End(err)
	}()

	if !s.ready {
		return nil, apperr.WrapErrorWithReason(op, apperr.CodeBrowserNotReady, "browser_not_ready")
	}

	if err = s.ensurePageActive(); err != nil {
		return nil, apperr.WrapWithReason(op, apperr.CodeBrowserNotReady, err, "page_not_active")
	}

	if startRow < 1 {
		startRow = 1
	}
	if endRow < startRow {
		endRow = startRow
	}

	listingsURL := s.config.BrowserConfig.ListingsURL
	s.report(progress, "opening listings page: %s", listingsURL)

	if _, err = s.page.Goto(listingsURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(navigateTimeout),
	}); err != nil {
		s.saveFetchEvidence(ctx, "Error", logger)

		return nil, apperr.Wrap(op, apperr.CodeActionFailed, err, map[string]any{
			apperr.MetaReason: "goto_failed",
			apperr.MetaStage:  apperr.StageNavigation,
			apperr.MetaURL:    listingsURL,
		})
	}

	if _, err := s.page.WaitForSelector("main#main", playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(readyTimeout),
	}); err != nil {
		logger.Warn("Listings page main region not confirmed", zap.Error(err))
	}

	s.dismissObstructions(ctx, progress)

	// No item link at all usually means a logged-out or empty account page.
	if _, linkErr := s.page.WaitForSelector(`a[href*="/item/"]`, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(itemLinkTimeout),
	}); linkErr != nil {
		s.report(progress, "no listings detected on the page")
		s.saveFetchEvidence(ctx, "NotReady", logger)

		return []entity.ListingItem{}, nil
	}

	cardSelector, handles, err := s.collectCards(ctx, endRow, progress)
	if err != nil {
		s.saveFetchEvidence(ctx, "Error", logger)

		return nil, apperr.WrapWithReason(op, apperr.CodeActionFailed, err, "card_scan_failed")
	}

	if len(handles) < startRow {
		return nil, apperr.Wrap(op, apperr.CodeNotFound,
			fmt.Errorf("only %d listings found, start row is %d", len(handles), startRow),
			map[string]any{apperr.MetaReason: "start_row_out_of_range"})
	}

	last := endRow
	if last > len(handles) {
		last = len(handles)
	}

	s.report(progress, "parsing rows %d-%d of %d (selector: %s)", startRow, last, len(handles), cardSelector)

	for i := startRow; i <= last; i++ {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		item, parseErr := s.parseCard(handles[i-1])
		if parseErr != nil {
			logger.Warn("Skipping unparsable card", zap.Int("row", i), zap.Error(parseErr))

			continue
		}

		items = append(items, item)
	}

	items = s.fillMissingPrices(ctx, items, listingsURL, progress, logger)

	zeros := 0
	for _, it := range items {
		if it.Price == 0 {
			zeros++
		}
	}

	if zeros >= 3 {
		logger.Warn("Multiple listings without a readable price", zap.Int("count", zeros))
		s.saveFetchEvidence(ctx, "ZeroPrice", logger)
	}

	s.report(progress, "fetched %d listings", len(items))

	return items, nil
}

// collectCards scrolls the listings page until the wanted row count is
// reachable or the count stops growing, then returns the card handles.
func (s *Session) collectCards(ctx context.Context, endRow int, progress func(string)) (string, []playwright.ElementHandle, error) {
	cardSelector := ""
	var handles []playwright.ElementHandle

	for _, candidate := range listingCardSelectors {
		found, err := s.page.QuerySelectorAll(candidate)
		if err != nil {
			continue
		}

		if len(found) > 0 {
			cardSelector = candidate
			handles = found

			break
		}
	}

	if cardSelector == "" {
		return "", nil, fmt.Errorf("no listing card selector matched")
	}

	for scroll := 0; scroll < maxScrolls && len(handles) < endRow; scroll++ {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}

		before := len(handles)
		s.report(progress, "loaded %d cards, scrolling for more", before)

		if _, err := s.page.Evaluate(`() => window.scrollTo(0, document.body.scrollHeight)`); err != nil {
			return "", nil, err
		}

		if err := sleepCtx(ctx, scrollSettle); err != nil {
			return "", nil, err
		}

		found, err := s.page.QuerySelectorAll(cardSelector)
		if err != nil {
			return "", nil, err
		}
		handles = found

		if len(handles) == before {
			break
		}
	}

	return cardSelector, handles, nil
}

func (s *Session) parseCard(handle playwright.ElementHandle) (entity.ListingItem, error) {
	raw, err := handle.Evaluate(listingScript, s.selectors.PausedText)
	if err != nil {
		return entity.ListingItem{}, err
	}

	fields, ok := raw.(map[string]any)
	if !ok {
		return entity.ListingItem{}, fmt.Errorf("unexpected card payload %T", raw)
	}

	href := getString(fields, "href")
	itemID := itemIDFromHref(href)
	if itemID == "" {
		return entity.ListingItem{}, fmt.Errorf("no item link in card")
	}

	itemURL := href
	if strings.HasPrefix(itemURL, "/") {
		itemURL = "https://jp.mercari.com" + itemURL
	}

	item := entity.ListingItem{
		ItemID:     itemID,
		Title:      getString(fields, "title"),
		ItemURL:    itemURL,
		StatusText: getString(fields, "statusText"),
		IsPaused:   getBool(fields, "isPaused"),
		RawText:    getString(fields, "rawText"),
	}

	item.Price = parsePriceText(getString(fields, "priceText"))
	if item.Price == 0 {
		item.Price = parsePriceText(item.RawText)
	}

	if item.Title == "" {
		item.Title = itemID
	}

	return item, nil
}

// fillMissingPrices visits each zero-price item page and reads the price from
// the embedded page data. Skipped entirely when too many items need it, to
// keep the fetch bounded.
func (s *Session) fillMissingPrices(ctx context.Context, items []entity.ListingItem, returnURL string, progress func(string), logger *zap.Logger) []entity.ListingItem {
	var missing []int
	for i, it := range items {
		if it.Price == 0 {
			missing = append(missing, i)
		}
	}

	if len(missing) == 0 || len(missing) > maxPriceFallback {
		return items
	}

	s.report(progress, "resolving price for %d listings from item pages", len(missing))

	for _, i := range missing {
		if ctx.Err() != nil {
			break
		}

		price, err := s.priceFromItemPage(items[i].ItemURL, items[i].ItemID)
		if err != nil {
			logger.Warn("Price fallback failed",
				zap.String(logg.ItemID, items[i].ItemID), zap.Error(err))

			continue
		}

		items[i].Price = price
	}

	if _, err := s.page.Goto(returnURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(navigateTimeout),
	}); err != nil {
		logger.Warn("Failed to return to listings page", zap.Error(err))
	}

	return items
}

func (s *Session) priceFromItemPage(itemURL, itemID string) (int, error) {
	if _, err := s.page.Goto(itemURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(navigateTimeout),
	}); err != nil {
		return 0, err
	}

	html, err := s.page.Content()
	if err != nil {
		return 0, err
	}

	// The hydration payload keys the price by the item id.
	idRe := regexp.MustCompile(fmt.Sprintf(`"%s"[^{}]*?"price":(\d+)`, regexp.QuoteMeta(itemID)))
	if m := idRe.FindStringSubmatch(html); len(m) == 2 {
		if price, err := strconv.Atoi(m[1]); err == nil && price > 0 {
			return price, nil
		}
	}

	if price := priceFromStructuredData(html); price > 0 {
		return price, nil
	}

	return 0, fmt.Errorf("no price found on item page")
}

func priceFromStructuredData(html string) int {
	for _, m := range ldJSONRe.FindAllStringSubmatch(html, -1) {
		var doc map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &doc); err != nil {
			continue
		}

		offers, ok := doc["offers"].(map[string]any)
		if !ok {
			continue
		}

		switch price := offers["price"].(type) {
		case float64:
			if price > 0 {
				return int(price)
			}
		case string:
			if n, err := strconv.Atoi(price); err == nil && n > 0 {
				return n
			}
		}
	}

	return 0
}

func (s *Session) saveFetchEvidence(ctx context.Context, kind string, logger *zap.Logger) {
	baseName := fmt.Sprintf("FetchListings_%s_%s", kind, time.Now().Format("20060102-150405"))

	if _, err := s.SaveEvidence(ctx, baseName); err != nil {
		logger.Warn("Fetch evidence capture failed", zap.Error(err))
	}
}

func parsePriceText(text string) int {
	m := priceRe.FindStringSubmatch(text)
	if len(m) != 2 {
		return 0
	}

	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return 0
	}

	return n
}

func itemIDFromHref(href string) string {
	idx := strings.Index(href, "/item/")
	if idx < 0 {
		return ""
	}

	id := href[idx+len("/item/"):]
	if cut := strings.IndexAny(id, "?#/"); cut >= 0 {
		id = id[:cut]
	}

	return id
}

func getString(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}

	return ""
}

func getBool(fields map[string]any, key string) bool {
	if v, ok := fields[key].(bool); ok {
		return v
	}

	return false
}
