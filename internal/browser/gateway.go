// Package browser is the page execution gateway: it owns the Chrome
// connection (via Rod over CDP), tracks open targets, executes arbitrary
// JavaScript against them, captures console output, takes screenshots and
// reports page-load lifecycle events.
package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/oklog/ulid/v2"

	"scriptnerd/internal/config"
	"scriptnerd/internal/log"
)

// Target describes the public metadata for a tracked page.
type Target struct {
	ID         string    `json:"id"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
	LastActive time.Time `json:"last_active"`
}

type targetRecord struct {
	meta    Target
	page    *rod.Page
	console *consoleBuffer
}

// LoadEvent signals that a target finished loading a page. The script
// registry consumes these to trigger auto-runs.
type LoadEvent struct {
	TargetID string
	URL      string
	At       time.Time
}

// ExecRequest asks the gateway to run a script against one target.
type ExecRequest struct {
	TargetID  string
	JSScript  string
	RequestID string
}

// ExecResult carries the outcome of one execution. Result aggregates the
// console lines captured during the run (plus the completion value when
// present); Error is the stringified thrown exception, if any.
type ExecResult struct {
	RequestID string `json:"request_id"`
	Result    string `json:"result"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// GatewayConfig configures the gateway.
type GatewayConfig struct {
	Browser config.BrowserConfig
	Capture config.CaptureConfig
	Logger  log.Logger
}

func (c *GatewayConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "browser.Gateway"})
	return nil
}

// Gateway owns the Chrome connection and tracks open targets.
type Gateway struct {
	cfg     config.BrowserConfig
	capture config.CaptureConfig
	logger  log.Logger

	startMu sync.Mutex

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	targets    map[string]*targetRecord

	subMu     sync.Mutex
	loadSubs  map[int]chan LoadEvent
	nextSubID int
}

// NewGateway creates a gateway; call Start before using it.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Gateway{
		cfg:      cfg.Browser,
		capture:  cfg.Capture,
		logger:   cfg.Logger,
		targets:  make(map[string]*targetRecord),
		loadSubs: make(map[int]chan LoadEvent),
	}, nil
}

// Start connects to an existing Chrome or launches a new one using Rod's
// launcher. Safe to call again: a healthy connection is reused, a stale one
// is torn down and rebuilt.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.RLock()
	existing := g.browser
	g.mu.RUnlock()
	if existing != nil {
		if _, err := existing.Version(); err == nil {
			return nil
		}
		g.logger.Warningf("Stale browser connection detected, reconnecting")
		_ = existing.Close()
		g.mu.Lock()
		g.browser = nil
		g.controlURL = ""
		g.targets = make(map[string]*targetRecord)
		g.mu.Unlock()
	}

	controlURL := g.cfg.DebuggerURL
	if controlURL == "" && len(g.cfg.Launch) > 0 {
		bin := g.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(g.cfg.IsHeadless())
		for _, rawFlag := range g.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Fallback: let Rod pick the port and defaults.
			fallback := launcher.New().Bin(bin).Headless(g.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			controlURL = alt
		} else {
			controlURL = url
		}
	}
	if controlURL == "" {
		lnch := launcher.New().Headless(g.cfg.IsHeadless())
		url, err := lnch.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	g.mu.Lock()
	g.browser = browser
	g.controlURL = controlURL
	g.mu.Unlock()
	g.logger.Infof("Browser connected at %s", controlURL)
	return nil
}

// ensureStarted connects the browser if nothing did yet. Serialized so
// concurrent first opens launch exactly one Chrome.
func (g *Gateway) ensureStarted(ctx context.Context) error {
	g.startMu.Lock()
	defer g.startMu.Unlock()
	if g.IsConnected() {
		return nil
	}
	return g.Start(ctx)
}

// IsConnected reports whether the browser is currently connected.
func (g *Gateway) IsConnected() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.browser != nil
}

// Shutdown closes tracked pages and the underlying browser.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id, rec := range g.targets {
		if rec.page != nil {
			_ = rec.page.Close()
		}
		delete(g.targets, id)
	}

	var err error
	if g.browser != nil {
		err = g.browser.Close()
		g.browser = nil
	}
	g.controlURL = ""
	g.logger.Infof("Browser shutdown complete")
	return err
}

// ListTargets returns lightweight metadata for all tracked targets.
func (g *Gateway) ListTargets() []Target {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Target, 0, len(g.targets))
	for _, rec := range g.targets {
		out = append(out, rec.meta)
	}
	return out
}

// GetTarget returns the current target metadata when available.
func (g *Gateway) GetTarget(targetID string) (Target, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.targets[targetID]
	if !ok {
		return Target{}, false
	}
	return rec.meta, true
}

// OpenTarget opens a new page, starts its event stream and tracks it. With
// auto-start disabled the first open connects the browser on demand.
func (g *Gateway) OpenTarget(ctx context.Context, pageURL string) (Target, error) {
	g.mu.RLock()
	browser := g.browser
	g.mu.RUnlock()
	if browser == nil {
		if err := g.ensureStarted(ctx); err != nil {
			return Target{}, fmt.Errorf("start browser: %w", err)
		}
		g.mu.RLock()
		browser = g.browser
		g.mu.RUnlock()
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: pageURL})
	if err != nil {
		return Target{}, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             g.cfg.GetViewportWidth(),
		Height:            g.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		g.logger.Warningf("Failed to set viewport: %v", err)
	}

	// Best-effort load; the load event stream reports completion.
	_ = page.Timeout(g.cfg.NavigationTimeout()).WaitLoad()

	meta := Target{
		ID:         ulid.Make().String(),
		URL:        pageURL,
		OpenedAt:   time.Now(),
		LastActive: time.Now(),
	}
	rec := &targetRecord{
		meta:    meta,
		page:    page,
		console: newConsoleBuffer(g.cfg.GetConsoleBufferSize()),
	}

	g.mu.Lock()
	g.targets[meta.ID] = rec
	g.mu.Unlock()

	g.startEventStream(ctx, meta.ID, rec)
	return meta, nil
}

// ResolveTarget re-binds a conversation to a live page: exact URL match
// first, then same host, then reopening the wanted URL.
func (g *Gateway) ResolveTarget(ctx context.Context, wantURL string) (Target, error) {
	host := hostOf(wantURL)

	g.mu.RLock()
	var exact, sameHost *Target
	for _, rec := range g.targets {
		if rec.page == nil {
			continue
		}
		if rec.meta.URL == wantURL && exact == nil {
			m := rec.meta
			exact = &m
		}
		if host != "" && hostOf(rec.meta.URL) == host && sameHost == nil {
			m := rec.meta
			sameHost = &m
		}
	}
	g.mu.RUnlock()

	if exact != nil {
		return *exact, nil
	}
	if sameHost != nil {
		return *sameHost, nil
	}
	if wantURL == "" {
		return Target{}, errors.New("no reachable target")
	}
	return g.OpenTarget(ctx, wantURL)
}

// Execute runs a script against one target. Thrown exceptions come back in
// the result's Error field; only infrastructure problems (unknown target)
// are reported there too, since the caller treats both as one error surface.
// Execution is not cancellable: once started it runs to completion or throws.
func (g *Gateway) Execute(ctx context.Context, req ExecRequest) ExecResult {
	if req.RequestID == "" {
		req.RequestID = ulid.Make().String()
	}
	out := ExecResult{RequestID: req.RequestID}

	g.mu.RLock()
	rec, ok := g.targets[req.TargetID]
	g.mu.RUnlock()
	if !ok || rec.page == nil {
		out.Error = fmt.Sprintf("target not found: %s", req.TargetID)
		out.ErrorType = "target"
		return out
	}

	timeout := g.cfg.ExecutionTimeout()
	if timeout < 100*time.Millisecond {
		timeout = 100 * time.Millisecond
	}
	if timeout > 5*time.Minute {
		timeout = 5 * time.Minute
	}

	mark := rec.console.Mark()
	res, err := rec.page.Context(ctx).Timeout(timeout).Eval(wrapScript(req.JSScript))

	g.touchTarget(req.TargetID)

	if err != nil {
		out.Error = formatJSError(err)
		out.ErrorType = classifyJSError(err)
		return out
	}

	lines := make([]string, 0, 8)
	for _, e := range rec.console.Since(mark) {
		lines = append(lines, e.String())
	}
	if res != nil && !res.Value.Nil() {
		if v := strings.TrimSpace(res.Value.String()); v != "" && v != "undefined" && v != "null" {
			lines = append(lines, "=> "+v)
		}
	}
	out.Result = strings.Join(lines, "\n")
	return out
}

// PageURL returns the current URL of a target.
func (g *Gateway) PageURL(ctx context.Context, targetID string) (string, error) {
	rec, err := g.record(targetID)
	if err != nil {
		return "", err
	}
	info, err := rec.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

// PageHTML returns the serialized markup of a target's document.
func (g *Gateway) PageHTML(ctx context.Context, targetID string) (string, error) {
	rec, err := g.record(targetID)
	if err != nil {
		return "", err
	}
	html, err := rec.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("serialize markup: %w", err)
	}
	return html, nil
}

// Screenshot takes a viewport screenshot and returns it base64 encoded.
func (g *Gateway) Screenshot(ctx context.Context, targetID string) (string, error) {
	rec, err := g.record(targetID)
	if err != nil {
		return "", err
	}

	format := proto.PageCaptureScreenshotFormatPng
	var quality *int
	if g.capture.GetScreenshotFormat() == "jpeg" {
		format = proto.PageCaptureScreenshotFormatJpeg
		q := g.capture.ScreenshotQuality
		quality = &q
	}
	data, err := rec.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  format,
		Quality: quality,
	})
	if err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// GrabElement returns the outer markup and a screenshot of one element,
// used for user-supplied element excerpts attached as model context.
func (g *Gateway) GrabElement(ctx context.Context, targetID, selector string) (markup, screenshot string, err error) {
	rec, err := g.record(targetID)
	if err != nil {
		return "", "", err
	}

	el, err := rec.page.Context(ctx).Timeout(2 * time.Second).Element(selector)
	if err != nil {
		return "", "", fmt.Errorf("element not found: %s", selector)
	}
	markup, err = el.HTML()
	if err != nil {
		return "", "", fmt.Errorf("element markup: %w", err)
	}
	shot, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		// Markup alone is still useful context.
		g.logger.Warningf("Element screenshot failed for %s: %v", selector, err)
		return markup, "", nil
	}
	return markup, base64.StdEncoding.EncodeToString(shot), nil
}

// ConsoleTail returns the newest n console lines of a target, formatted.
func (g *Gateway) ConsoleTail(targetID string, n int) []string {
	g.mu.RLock()
	rec, ok := g.targets[targetID]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	entries := rec.console.Tail(n)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.String())
	}
	return out
}

// SubscribeLoads returns a channel of page-load-completed events and a
// cancel function. Events are dropped, not blocked on, when the subscriber
// falls behind.
func (g *Gateway) SubscribeLoads() (<-chan LoadEvent, func()) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	id := g.nextSubID
	g.nextSubID++
	ch := make(chan LoadEvent, 16)
	g.loadSubs[id] = ch
	return ch, func() {
		g.subMu.Lock()
		defer g.subMu.Unlock()
		if sub, ok := g.loadSubs[id]; ok {
			delete(g.loadSubs, id)
			close(sub)
		}
	}
}

func (g *Gateway) publishLoad(ev LoadEvent) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	for _, ch := range g.loadSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// startEventStream wires CDP events for one target: console lines into the
// ring buffer, navigation into target metadata, load-completed into the
// subscriber channels.
func (g *Gateway) startEventStream(ctx context.Context, targetID string, rec *targetRecord) {
	page := rec.page
	go page.Context(ctx).EachEvent(
		func(ev *proto.RuntimeConsoleAPICalled) {
			rec.console.Append(classifyConsoleLevel(ev.Type), stringifyConsoleArgs(ev.Args))
		},
		func(ev *proto.PageFrameNavigated) {
			g.updateTarget(targetID, func(t Target) Target {
				t.URL = ev.Frame.URL
				t.LastActive = time.Now()
				return t
			})
		},
		func(ev *proto.PageLoadEventFired) {
			meta, ok := g.GetTarget(targetID)
			if !ok {
				return
			}
			url := meta.URL
			if info, err := page.Info(); err == nil && info != nil && info.URL != "" {
				url = info.URL
			}
			g.updateTarget(targetID, func(t Target) Target {
				t.URL = url
				t.LastActive = time.Now()
				return t
			})
			g.publishLoad(LoadEvent{TargetID: targetID, URL: url, At: time.Now()})
		},
	)()
}

func (g *Gateway) updateTarget(targetID string, updater func(Target) Target) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.targets[targetID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

func (g *Gateway) touchTarget(targetID string) {
	g.updateTarget(targetID, func(t Target) Target {
		t.LastActive = time.Now()
		return t
	})
}

func (g *Gateway) record(targetID string) (*targetRecord, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.targets[targetID]
	if !ok || rec.page == nil {
		return nil, fmt.Errorf("target not found: %s", targetID)
	}
	return rec, nil
}

// wrapScript normalizes a userscript (a sequence of statements) into a
// callable so Rod evaluates it as-is. Scripts that already are functions
// pass through untouched.
func wrapScript(js string) string {
	trimmed := strings.TrimSpace(js)
	if strings.HasPrefix(trimmed, "() =>") ||
		strings.HasPrefix(trimmed, "async ") ||
		strings.HasPrefix(trimmed, "function") ||
		strings.HasPrefix(trimmed, "(") {
		return trimmed
	}
	return "() => {\n" + js + "\n}"
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
