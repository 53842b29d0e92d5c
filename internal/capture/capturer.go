// Package capture produces the normalized page observations fed to the
// model: URL, bounded markup, recent console lines and an optional
// screenshot. Capture failures populate the observation's Error field
// instead of faulting so callers can tell "empty page" from "capture
// failed".
package capture

import (
	"context"
	"fmt"
	"strings"

	"scriptnerd/internal/config"
	"scriptnerd/internal/log"
)

// PageReader is the slice of the browser gateway the capturer needs.
type PageReader interface {
	PageURL(ctx context.Context, targetID string) (string, error)
	PageHTML(ctx context.Context, targetID string) (string, error)
	Screenshot(ctx context.Context, targetID string) (string, error)
	ConsoleTail(targetID string, n int) []string
}

// Observation is a normalized snapshot of one target surface.
type Observation struct {
	URL        string `json:"url"`
	Markup     string `json:"markup"`
	ConsoleLog string `json:"console_log"`
	Screenshot string `json:"screenshot,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Config configures a Capturer.
type Config struct {
	Pages   PageReader
	Capture config.CaptureConfig
	Logger  log.Logger
}

func (c *Config) defaults() error {
	if c.Pages == nil {
		return fmt.Errorf("page reader is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "capture.Capturer"})
	return nil
}

// Capturer gathers observations from live targets.
type Capturer struct {
	pages  PageReader
	cfg    config.CaptureConfig
	logger log.Logger
}

// New creates a Capturer.
func New(cfg Config) (*Capturer, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Capturer{
		pages:  cfg.Pages,
		cfg:    cfg.Capture,
		logger: cfg.Logger,
	}, nil
}

// Capture snapshots one target. Partial failures degrade the observation
// rather than abort it: a page whose screenshot fails still yields markup.
func (c *Capturer) Capture(ctx context.Context, targetID string, includeScreenshot bool) Observation {
	obs := Observation{}

	url, err := c.pages.PageURL(ctx, targetID)
	if err != nil {
		obs.Error = fmt.Sprintf("page unreachable: %v", err)
		c.logger.Warningf("Capture failed for target %s: %v", targetID, err)
		return obs
	}
	obs.URL = url

	markup, err := c.pages.PageHTML(ctx, targetID)
	if err != nil {
		obs.Error = fmt.Sprintf("markup capture failed: %v", err)
	} else {
		obs.Markup = c.boundMarkup(markup)
	}

	tail := c.pages.ConsoleTail(targetID, c.cfg.GetConsoleTailLines())
	obs.ConsoleLog = strings.Join(tail, "\n")

	if includeScreenshot {
		shot, err := c.pages.Screenshot(ctx, targetID)
		if err != nil {
			c.logger.Warningf("Screenshot failed for target %s: %v", targetID, err)
			if obs.Error == "" {
				obs.Error = fmt.Sprintf("screenshot failed: %v", err)
			}
		} else {
			obs.Screenshot = shot
		}
	}

	return obs
}

// boundMarkup scrubs high-entropy runs, then falls back to the structural
// summary when the scrubbed markup still exceeds the character budget.
func (c *Capturer) boundMarkup(markup string) string {
	scrubbed := Scrub(markup)
	budget := c.cfg.GetMarkupCharBudget()
	if len(scrubbed) <= budget {
		return scrubbed
	}
	c.logger.Debugf("Markup of %d chars over budget %d, summarizing", len(scrubbed), budget)
	return StructuralSummary(scrubbed, summaryOptions{
		maxDepth:         c.cfg.GetSummaryMaxDepth(),
		interactiveDepth: c.cfg.GetSummaryInteractiveDepth(),
		textLimit:        c.cfg.GetSummaryTextLimit(),
		charBudget:       budget,
	})
}
