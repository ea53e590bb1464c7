package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppConfig     *AppConfig
	BrowserConfig *BrowserConfig
	PricingConfig *PricingConfig
	StorageConfig *StorageConfig
}

type AppConfig struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
}

type BrowserConfig struct {
	Headless    bool   `envconfig:"BROWSER_HEADLESS" default:"false"`
	SlowMo      int    `envconfig:"BROWSER_SLOW_MO" default:"0"`
	Timeout     int    `envconfig:"BROWSER_TIMEOUT" default:"60000"`
	ListingsURL string `envconfig:"LISTINGS_URL" default:"https://jp.mercari.com/mypage/listings"`
}

// PricingConfig carries the discount policy and the run pacing. Defaults
// mirror the tool's historical settings.
type PricingConfig struct {
	RatePercent        int `envconfig:"PRICE_RATE_PERCENT" default:"10"`
	DailyDownYen       int `envconfig:"PRICE_DAILY_DOWN_YEN" default:"100"`
	WaitAfterPauseSec  int `envconfig:"WAIT_AFTER_PAUSE_SEC" default:"30"`
	WaitAfterResumeSec int `envconfig:"WAIT_AFTER_RESUME_SEC" default:"10"`
	ItemGapSec         int `envconfig:"ITEM_GAP_SEC" default:"250"`
	RetryCount         int `envconfig:"RETRY_COUNT" default:"2"`
	RetryWaitSec       int `envconfig:"RETRY_WAIT_SEC" default:"2"`
	StartRow           int `envconfig:"FETCH_START_ROW" default:"1"`
	EndRow             int `envconfig:"FETCH_END_ROW" default:"500"`
}

type StorageConfig struct {
	DataDir string `envconfig:"DATA_DIR" default:".local"`
}

func GetConfig() (*Config, error) {
	_ = godotenv.Load()

	var conf Config

	if err := envconfig.Process("", &conf); err != nil {
		return nil, fmt.Errorf("read config from env vars: %w", err)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}

	return &conf, nil
}

func (c *Config) validate() error {
	p := c.PricingConfig

	if p.RatePercent < 0 || p.RatePercent > 100 {
		return fmt.Errorf("PRICE_RATE_PERCENT must be within 0..100, got %d", p.RatePercent)
	}

	if p.DailyDownYen < 0 {
		return fmt.Errorf("PRICE_DAILY_DOWN_YEN must be >= 0, got %d", p.DailyDownYen)
	}

	if p.RetryCount < 0 {
		return fmt.Errorf("RETRY_COUNT must be >= 0, got %d", p.RetryCount)
	}

	if p.StartRow < 1 {
		p.StartRow = 1
	}

	if p.EndRow < p.StartRow {
		p.EndRow = p.StartRow
	}

	return nil
}
