package browser

// listingScript runs inside one listing card. It receives the paused-state
// text candidates and returns the card's link, title, price text, status text
// and full text so parsing stays on the Go side.
const listingScript = `(el, pausedTexts) => {
	const anchor = el.matches('a[href*="/item/"]') ? el : el.querySelector('a[href*="/item/"]');
	const href = anchor ? anchor.getAttribute('href') : '';

	let title = '';
	const titleEl = el.querySelector('[data-testid="thumbnail-item-name"], [data-testid="item-name"], img[alt]');
	if (titleEl) {
		title = titleEl.getAttribute && titleEl.getAttribute('alt')
			? titleEl.getAttribute('alt')
			: (titleEl.textContent || '');
	}

	let priceText = '';
	const priceEl = el.querySelector('[data-testid="price"], .merPrice, [class*="price"]');
	if (priceEl) {
		priceText = priceEl.textContent || '';
	}

	const rawText = el.textContent || '';

	let statusText = '';
	let isPaused = false;
	for (const t of pausedTexts || []) {
		if (t && rawText.includes(t)) {
			statusText = t;
			isPaused = true;
			break;
		}
	}

	return {
		href: href,
		title: title.trim(),
		priceText: priceText.trim(),
		statusText: statusText,
		rawText: rawText,
		isPaused: isPaused,
	};
}`
