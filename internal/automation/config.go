package automation

import (
	"fmt"
	"time"
)

// SelectorPolicy decides what happens when a configured selector no longer
// matches the portal's form.
type SelectorPolicy string

const (
	// PolicyStrict fails the task with a FieldNotFoundError.
	PolicyStrict SelectorPolicy = "strict"
	// PolicyFuzzy looks for a control whose label closely matches the field's
	// configured label before failing.
	PolicyFuzzy SelectorPolicy = "fuzzy"
)

type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
}

type Config struct {
	MaxConcurrentBrowsers int            `json:"max_concurrent_browsers"`
	BrowserTimeout        time.Duration  `json:"browser_timeout"`
	SessionTimeout        time.Duration  `json:"session_timeout"`
	SelectorPolicy        SelectorPolicy `json:"selector_policy"`
	FuzzyThreshold        float64        `json:"fuzzy_threshold"`
	Retry                 RetryConfig    `json:"retry"`
	// ActionsPerSecond paces page actions for portals that do not set their own.
	ActionsPerSecond float64 `json:"actions_per_second"`
}

// WithDefaults fills every zero field.
func (c Config) WithDefaults() Config {
	if c.MaxConcurrentBrowsers <= 0 {
		c.MaxConcurrentBrowsers = 2
	}
	if c.BrowserTimeout <= 0 {
		c.BrowserTimeout = 30 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Minute
	}
	if c.SelectorPolicy == "" {
		c.SelectorPolicy = PolicyStrict
	}
	if c.FuzzyThreshold <= 0 {
		c.FuzzyThreshold = 0.9
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = 500 * time.Millisecond
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = 5 * time.Second
	}
	if c.ActionsPerSecond <= 0 {
		c.ActionsPerSecond = 4
	}
	return c
}

func (c Config) Validate() error {
	switch c.SelectorPolicy {
	case PolicyStrict, PolicyFuzzy:
	default:
		return fmt.Errorf("selector_policy must be %q or %q, got %q", PolicyStrict, PolicyFuzzy, c.SelectorPolicy)
	}
	if c.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy_threshold must be at most 1, got %v", c.FuzzyThreshold)
	}
	return nil
}
