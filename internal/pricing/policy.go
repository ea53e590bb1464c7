package pricing

// Quote is one day's computed price change for an item.
type Quote struct {
	NewPrice    int
	RateDown    int
	DailyDown   int
	AppliedDrop int
}

// Compute derives the day's price from the ledger floor. runCount is the
// number of cycles already completed BEFORE this one; the caller increments
// it only after the cycle fully succeeds. The price never drops below 1.
func Compute(basePrice, ratePercent, dailyDownYen, runCount int) Quote {
	rateDown := basePrice * ratePercent / 100
	dailyDown := dailyDownYen * runCount

	newPrice := basePrice - (rateDown + dailyDown)
	if newPrice < 1 {
		newPrice = 1
	}

	return Quote{
		NewPrice:    newPrice,
		RateDown:    rateDown,
		DailyDown:   dailyDown,
		AppliedDrop: basePrice - newPrice,
	}
}
