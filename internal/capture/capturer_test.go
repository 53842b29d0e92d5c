package capture

import (
	"context"
	"errors"
	"strings"
	"testing"

	"scriptnerd/internal/config"
)

type fakePages struct {
	url     string
	urlErr  error
	html    string
	htmlErr error
	shot    string
	shotErr error
	console []string
}

func (f *fakePages) PageURL(ctx context.Context, targetID string) (string, error) {
	return f.url, f.urlErr
}

func (f *fakePages) PageHTML(ctx context.Context, targetID string) (string, error) {
	return f.html, f.htmlErr
}

func (f *fakePages) Screenshot(ctx context.Context, targetID string) (string, error) {
	return f.shot, f.shotErr
}

func (f *fakePages) ConsoleTail(targetID string, n int) []string {
	return f.console
}

func newTestCapturer(t *testing.T, pages PageReader) *Capturer {
	t.Helper()
	c, err := New(Config{Pages: pages, Capture: config.DefaultConfig().Capture})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestScrubDataURI(t *testing.T) {
	payload := strings.Repeat("A", 300)
	markup := `<body><img src="data:image/png;base64,` + payload + `" alt="logo"></body>`

	got := Scrub(markup)

	want := `<body><img src="` + scrubPlaceholder + `" alt="logo"></body>`
	if got != want {
		t.Errorf("surrounding markup altered:\n got %q\nwant %q", got, want)
	}
	if strings.Contains(got, "AAAA") {
		t.Error("base64 payload leaked through scrub")
	}
}

func TestScrubBareBase64Run(t *testing.T) {
	run := strings.Repeat("Qx7z", 40) // 160 chars
	markup := `<div data-blob="` + run + `">text</div>`

	got := Scrub(markup)
	if strings.Contains(got, run) {
		t.Error("long base64 run survived scrub")
	}
	if !strings.Contains(got, scrubPlaceholder) {
		t.Error("placeholder missing")
	}
}

func TestScrubLeavesShortTokens(t *testing.T) {
	markup := `<div id="abc123DEF456" class="hash-9f8e7d6c">ok</div>`
	if got := Scrub(markup); got != markup {
		t.Errorf("short tokens must survive untouched, got %q", got)
	}
}

func TestStructuralSummaryForOversizedMarkup(t *testing.T) {
	// ~500k chars of repeated list rows inside a body.
	row := `<li class="row"><span>item text that repeats</span></li>`
	markup := `<html><head><title>big</title></head><body><ul id="list">` +
		strings.Repeat(row, 500000/len(row)) +
		`</ul></body></html>`
	if len(markup) < 400000 {
		t.Fatalf("test markup too small: %d", len(markup))
	}

	cfg := config.DefaultConfig().Capture
	got := StructuralSummary(markup, summaryOptions{
		maxDepth:         cfg.GetSummaryMaxDepth(),
		interactiveDepth: cfg.GetSummaryInteractiveDepth(),
		textLimit:        cfg.GetSummaryTextLimit(),
		charBudget:       cfg.GetMarkupCharBudget(),
	})

	if !strings.HasPrefix(got, "<body") {
		t.Errorf("summary must begin with the body tag, got %q", got[:min(40, len(got))])
	}
	if len(got) > cfg.GetMarkupCharBudget() {
		t.Errorf("summary of %d chars exceeds budget %d", len(got), cfg.GetMarkupCharBudget())
	}
	if !strings.Contains(got, `id="list"`) {
		t.Error("allow-listed id attribute missing from summary")
	}
}

func TestStructuralSummaryDepthAndSkips(t *testing.T) {
	markup := `<body>
		<script>var secret = 1;</script>
		<div><div><div><div><div><div><div>deep text</div></div></div></div></div></div></div>
		<button aria-label="save" onclick="evil()">Save</button>
	</body>`

	got := StructuralSummary(markup, summaryOptions{
		maxDepth:         3,
		interactiveDepth: 6,
		textLimit:        40,
		charBudget:       10000,
	})

	if strings.Contains(got, "secret") {
		t.Error("script contents must be skipped")
	}
	if strings.Contains(got, "deep text") {
		t.Error("text beyond the generic depth cap must be elided")
	}
	if !strings.Contains(got, "…") {
		t.Error("elided children need an ellipsis marker")
	}
	if !strings.Contains(got, `aria-label="save"`) {
		t.Error("allow-listed attribute dropped")
	}
	if strings.Contains(got, "onclick") {
		t.Error("non-allow-listed attribute leaked")
	}
}

func TestCaptureHappyPath(t *testing.T) {
	pages := &fakePages{
		url:     "https://example.com/app",
		html:    "<body><p>hello</p></body>",
		shot:    "aW1hZ2U=",
		console: []string{"[log] ready", "[error] boom"},
	}
	c := newTestCapturer(t, pages)

	obs := c.Capture(context.Background(), "t1", true)
	if obs.Error != "" {
		t.Fatalf("unexpected error: %q", obs.Error)
	}
	if obs.URL != pages.url {
		t.Errorf("url = %q", obs.URL)
	}
	if obs.Markup != pages.html {
		t.Errorf("small markup must pass through unchanged, got %q", obs.Markup)
	}
	if obs.ConsoleLog != "[log] ready\n[error] boom" {
		t.Errorf("console log = %q", obs.ConsoleLog)
	}
	if obs.Screenshot != pages.shot {
		t.Errorf("screenshot = %q", obs.Screenshot)
	}
}

func TestCaptureWithoutScreenshot(t *testing.T) {
	pages := &fakePages{url: "https://example.com", html: "<body></body>", shotErr: errors.New("should not be called")}
	c := newTestCapturer(t, pages)

	obs := c.Capture(context.Background(), "t1", false)
	if obs.Error != "" {
		t.Fatalf("unexpected error: %q", obs.Error)
	}
	if obs.Screenshot != "" {
		t.Error("screenshot captured despite includeScreenshot=false")
	}
}

func TestCaptureUnreachablePage(t *testing.T) {
	pages := &fakePages{urlErr: errors.New("target not found: t9")}
	c := newTestCapturer(t, pages)

	obs := c.Capture(context.Background(), "t9", true)
	if obs.Error == "" {
		t.Fatal("expected populated error")
	}
	if !strings.Contains(obs.Error, "page unreachable") {
		t.Errorf("error = %q", obs.Error)
	}
	if obs.Markup != "" || obs.Screenshot != "" {
		t.Error("failed capture must not carry partial payloads")
	}
}

func TestCaptureDegradesOnScreenshotFailure(t *testing.T) {
	pages := &fakePages{
		url:     "https://example.com",
		html:    "<body>ok</body>",
		shotErr: errors.New("restricted page"),
	}
	c := newTestCapturer(t, pages)

	obs := c.Capture(context.Background(), "t1", true)
	if obs.Markup == "" {
		t.Error("markup must survive a screenshot failure")
	}
	if !strings.Contains(obs.Error, "screenshot failed") {
		t.Errorf("error = %q", obs.Error)
	}
}
