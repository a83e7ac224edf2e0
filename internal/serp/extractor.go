// Package serp drives a browser through a search engine result page and
// extracts organic results with a cascade of progressively looser
// strategies.
package serp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tomyan/serpcap/internal/chrome"
)

// Browser is the subset of *chrome.Client the extractor drives.
type Browser interface {
	Open(ctx context.Context, url string) error
	WaitForLoad(ctx context.Context, timeout time.Duration) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) ([]chrome.Handle, error)
	QuerySelectorAll(ctx context.Context, selector string) ([]chrome.Handle, error)
	QuerySelectorIn(ctx context.Context, scope chrome.Handle, selector string) (chrome.Handle, bool, error)
	Attributes(ctx context.Context, h chrome.Handle) (map[string]string, error)
	OuterHTML(ctx context.Context, h chrome.Handle) (string, error)
	Click(ctx context.Context, selector string) error
	ClickAt(ctx context.Context, x, y float64) error
	Type(ctx context.Context, selector, text string, opts chrome.TypeOptions) error
	PressKey(ctx context.Context, key string) error
	CallFunction(ctx context.Context, fn string, v any, args ...any) error
	CurrentURL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, path string) error
	Disconnect() error
}

var _ Browser = (*chrome.Client)(nil)

// Dialer opens a browser session for one run.
type Dialer func(ctx context.Context) (Browser, error)

// ChromeDialer connects to a running Chrome with opts.
func ChromeDialer(opts chrome.Options) Dialer {
	return func(ctx context.Context) (Browser, error) {
		c, err := chrome.Connect(ctx, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Mode selects how the result page is reached.
type Mode string

const (
	// ModeURL opens the engine's search URL directly.
	ModeURL Mode = "url"
	// ModeSearchBox types the query into the engine's home page.
	ModeSearchBox Mode = "searchbox"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeURL, ModeSearchBox:
		return m, nil
	case "":
		return ModeURL, nil
	}
	return "", fmt.Errorf("unknown mode %q (want %q or %q)", s, ModeURL, ModeSearchBox)
}

// State is a step of a run.
type State int

const (
	StateInit State = iota
	StateConnected
	StateNavigated
	StateConsentHandled
	StateResultsReady
	StateExtracted
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateInit:           "INIT",
	StateConnected:      "CONNECTED",
	StateNavigated:      "NAVIGATED",
	StateConsentHandled: "CONSENT_HANDLED",
	StateResultsReady:   "RESULTS_READY",
	StateExtracted:      "EXTRACTED",
	StateDone:           "DONE",
	StateFailed:         "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Defaults for Options.
const (
	DefaultLoadTimeout    = 30 * time.Second
	DefaultConsentTimeout = 2 * time.Second
	DefaultResultsTimeout = 5 * time.Second
	DefaultPollInterval   = 250 * time.Millisecond
)

// DefaultResultsSelectors are the containers whose appearance marks the
// result page as rendered.
func DefaultResultsSelectors() []string {
	return []string{"#search", "#rso", "#links", "ol#b_results", "main"}
}

// Options configures an Extractor. Zero values take defaults.
type Options struct {
	Engine Engine
	Mode   Mode

	Consent        []ConsentStrategy
	ConsentTimeout time.Duration

	// ResultsSelectors are waited for in order, each up to ResultsTimeout.
	ResultsSelectors []string
	ResultsTimeout   time.Duration

	LoadTimeout time.Duration

	SelectorSets []SelectorSet
	BlockedText  []string
	MinTitle     int
	MaxTitle     int

	// ScreenshotPath, when set, receives a PNG of the page after extraction.
	ScreenshotPath string

	// PollInterval paces the search-box mode wait for the URL to change.
	PollInterval time.Duration

	Logger       *zap.Logger
	OnTransition func(from, to State)
	Now          func() time.Time
}

func (o *Options) setDefaults() {
	if o.Engine.BaseURL == "" {
		o.Engine = DefaultEngine()
	}
	if o.Mode == "" {
		o.Mode = ModeURL
	}
	if o.Consent == nil {
		o.Consent = DefaultConsent()
	}
	if o.ConsentTimeout <= 0 {
		o.ConsentTimeout = DefaultConsentTimeout
	}
	if o.ResultsSelectors == nil {
		o.ResultsSelectors = DefaultResultsSelectors()
	}
	if o.ResultsTimeout <= 0 {
		o.ResultsTimeout = DefaultResultsTimeout
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = DefaultLoadTimeout
	}
	if o.SelectorSets == nil {
		o.SelectorSets = DefaultSelectorSets()
	}
	if o.BlockedText == nil {
		o.BlockedText = DefaultBlockedText()
	}
	if o.MinTitle <= 0 {
		o.MinTitle = DefaultMinTitle
	}
	if o.MaxTitle <= 0 {
		o.MaxTitle = DefaultMaxTitle
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Extractor runs searches. It holds no per-run state and may be reused.
type Extractor struct {
	dial Dialer
	opts Options
	log  *zap.Logger
}

// New returns an Extractor that opens browsers with dial.
func New(dial Dialer, opts Options) *Extractor {
	opts.setDefaults()
	return &Extractor{dial: dial, opts: opts, log: opts.Logger}
}

// machine tracks the state of one run.
type machine struct {
	state State
	e     *Extractor
}

func (m *machine) to(next State) {
	prev := m.state
	m.state = next
	m.e.log.Debug("state transition", zap.Stringer("from", prev), zap.Stringer("to", next))
	if m.e.opts.OnTransition != nil {
		m.e.opts.OnTransition(prev, next)
	}
}

// Run searches for query and returns up to maxResults organic results. The
// browser session is closed before Run returns, whatever the outcome.
func (e *Extractor) Run(ctx context.Context, query string, maxResults int) (out *Output, err error) {
	m := &machine{state: StateInit, e: e}

	if strings.TrimSpace(query) == "" {
		m.to(StateFailed)
		return nil, errors.New("empty query")
	}
	if maxResults <= 0 {
		m.to(StateFailed)
		return nil, fmt.Errorf("max results must be positive, got %d", maxResults)
	}
	if e.dial == nil {
		m.to(StateFailed)
		return nil, errors.New("no browser dialer configured")
	}

	b, err := e.dial(ctx)
	if err != nil {
		m.to(StateFailed)
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	m.to(StateConnected)

	defer func() {
		if derr := b.Disconnect(); derr != nil {
			e.log.Debug("disconnect", zap.Error(derr))
		}
		if err != nil {
			m.to(StateFailed)
			return
		}
		m.to(StateDone)
	}()

	searchURL, err := e.opts.Engine.SearchURL(query, maxResults)
	if err != nil {
		return nil, err
	}

	if err := e.navigate(ctx, b, query, searchURL); err != nil {
		return nil, err
	}
	m.to(StateNavigated)

	e.dismissConsent(ctx, b)
	m.to(StateConsentHandled)

	if err := e.waitForResults(ctx, b); err != nil {
		return nil, err
	}
	m.to(StateResultsReady)

	pageURL, err := b.CurrentURL(ctx)
	if err != nil {
		if errors.Is(err, chrome.ErrConnectionLost) {
			return nil, fmt.Errorf("reading page URL: %w", err)
		}
		e.log.Debug("reading page URL failed, using search URL", zap.Error(err))
		pageURL = searchURL
	}

	results, err := e.extract(ctx, b, pageURL, maxResults)
	if err != nil {
		return nil, err
	}
	m.to(StateExtracted)

	if e.opts.ScreenshotPath != "" {
		if err := b.Screenshot(ctx, e.opts.ScreenshotPath); err != nil {
			e.log.Warn("screenshot failed", zap.String("path", e.opts.ScreenshotPath), zap.Error(err))
		} else {
			e.log.Info("screenshot saved", zap.String("path", e.opts.ScreenshotPath))
		}
	}

	return NewOutput(query, results, e.opts.Now()), nil
}

func (e *Extractor) navigate(ctx context.Context, b Browser, query, searchURL string) error {
	if e.opts.Mode == ModeSearchBox {
		return e.searchFromHome(ctx, b, query)
	}

	e.log.Info("opening search page", zap.String("url", searchURL))
	if err := b.Open(ctx, searchURL); err != nil {
		return fmt.Errorf("opening %s: %w", searchURL, err)
	}
	if err := b.WaitForLoad(ctx, e.opts.LoadTimeout); err != nil {
		return fmt.Errorf("loading %s: %w", searchURL, err)
	}
	return nil
}

func (e *Extractor) searchFromHome(ctx context.Context, b Browser, query string) error {
	home := e.opts.Engine.HomeURL
	e.log.Info("opening search home page", zap.String("url", home))
	if err := b.Open(ctx, home); err != nil {
		return fmt.Errorf("opening %s: %w", home, err)
	}
	if err := b.WaitForLoad(ctx, e.opts.LoadTimeout); err != nil {
		return fmt.Errorf("loading %s: %w", home, err)
	}

	// The overlay covers the search box until dismissed.
	e.dismissConsent(ctx, b)

	input, err := e.findSearchInput(ctx, b)
	if err != nil {
		return err
	}
	if err := b.Type(ctx, input, query, chrome.TypeOptions{ClearFirst: true}); err != nil {
		return fmt.Errorf("typing query: %w", err)
	}

	before, err := b.CurrentURL(ctx)
	if err != nil {
		return fmt.Errorf("reading page URL: %w", err)
	}
	if err := b.PressKey(ctx, "Enter"); err != nil {
		return fmt.Errorf("submitting query: %w", err)
	}
	if err := e.waitForURLChange(ctx, b, before); err != nil {
		return err
	}
	if err := b.WaitForLoad(ctx, e.opts.LoadTimeout); err != nil {
		return fmt.Errorf("loading results: %w", err)
	}
	return nil
}

func (e *Extractor) findSearchInput(ctx context.Context, b Browser) (string, error) {
	for _, sel := range e.opts.Engine.SearchInputs {
		handles, err := b.QuerySelectorAll(ctx, sel)
		if err != nil {
			if errors.Is(err, chrome.ErrConnectionLost) {
				return "", err
			}
			continue
		}
		if len(handles) > 0 {
			return sel, nil
		}
	}
	return "", fmt.Errorf("finding search input: %w",
		&chrome.NotFoundError{Selector: strings.Join(e.opts.Engine.SearchInputs, ", ")})
}

func (e *Extractor) waitForURLChange(ctx context.Context, b Browser, from string) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.LoadTimeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		cur, err := b.CurrentURL(ctx)
		if err == nil && cur != from {
			return nil
		}
		if err != nil && errors.Is(err, chrome.ErrConnectionLost) {
			return fmt.Errorf("waiting for results page: %w", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for results page: %w",
				&chrome.TimeoutError{Op: "search submit", After: e.opts.LoadTimeout})
		case <-ticker.C:
		}
	}
}

// waitForResults gives each container selector its own short budget. A page
// that shows none of them is still worth extracting from.
func (e *Extractor) waitForResults(ctx context.Context, b Browser) error {
	for _, sel := range e.opts.ResultsSelectors {
		_, err := b.WaitForSelector(ctx, sel, e.opts.ResultsTimeout)
		if err == nil {
			e.log.Debug("results container ready", zap.String("selector", sel))
			return nil
		}
		if errors.Is(err, chrome.ErrConnectionLost) {
			return fmt.Errorf("waiting for results: %w", err)
		}
		e.log.Debug("results container not found", zap.String("selector", sel), zap.Error(err))
	}
	e.log.Warn("no results container appeared, extracting anyway")
	return nil
}

// extract runs the cascade and stops at the first strategy with results.
func (e *Extractor) extract(ctx context.Context, b Browser, pageURL string, max int) ([]SearchResult, error) {
	hosts := append([]string(nil), e.opts.Engine.InternalDomains...)
	if u, err := url.Parse(pageURL); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}

	var lastErr error
	for _, s := range e.strategies() {
		c := newCollector(max, pageURL, hosts)
		err := s.run(ctx, b, c)
		if errors.Is(err, chrome.ErrConnectionLost) {
			return nil, fmt.Errorf("%s extraction: %w", s.name, err)
		}
		if len(c.results) > 0 {
			if err != nil {
				e.log.Warn("extraction strategy failed after partial results", zap.String("strategy", s.name), zap.Error(err))
			}
			e.log.Info("extracted results", zap.String("strategy", s.name), zap.Int("count", len(c.results)))
			return c.results, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s extraction: %w", s.name, ctx.Err())
		}

		lastErr = nil
		if err != nil {
			e.log.Warn("extraction strategy failed", zap.String("strategy", s.name), zap.Error(err))
			lastErr = fmt.Errorf("%s extraction: %w", s.name, err)
			continue
		}
		e.log.Debug("strategy found nothing", zap.String("strategy", s.name))
	}

	// A timeout only falls through to the next strategy. Once nothing is
	// left it is the cause, not an empty page.
	if errors.Is(lastErr, chrome.ErrTimeout) {
		return nil, lastErr
	}
	return nil, ErrExtractionEmpty
}
