package serp_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tomyan/serpcap/internal/chrome"
	"github.com/tomyan/serpcap/internal/serp"
	"github.com/tomyan/serpcap/internal/testutil"
)

const searchPrefix = "https://www.google.com/search"

// resultsPage renders n organic results in the main layout, followed by
// links the extractor has to skip.
func resultsPage(n int) string {
	var b strings.Builder
	b.WriteString(`<html><head><title>golang - Search</title></head><body>
<div id="search"><div id="rso">`)
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, `
  <div class="g">
    <div><a href="/url?q=https://site%d.example/page&amp;sa=U"><h3>Result number %d</h3><cite>site%d.example</cite></a></div>
    <div class="VwiC3b">Snippet <b>for</b>
      result %d</div>
  </div>`, i, i, i, i)
	}
	b.WriteString(`
  <div class="g"><a href="https://www.google.com/preferences"><h3>Search settings</h3></a></div>
  <div class="g"><a href="https://site1.example/page"><h3>Duplicate of the first</h3></a></div>
  <div class="g"><a href="javascript:void(0)"><h3>Script link</h3></a></div>
</div></div>
</body></html>`)
	return b.String()
}

const emptyPage = `<html><head><title>golang - Search</title></head><body><div id="search"></div></body></html>`

type recorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *recorder) record(from, to serp.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

// countingBrowser counts Disconnect calls.
type countingBrowser struct {
	serp.Browser
	disconnects *atomic.Int32
}

func (b countingBrowser) Disconnect() error {
	b.disconnects.Add(1)
	return b.Browser.Disconnect()
}

type harness struct {
	fb          *testutil.FakeBrowser
	rec         *recorder
	disconnects *atomic.Int32
	extractor   *serp.Extractor

	// wrap, when set, decorates every dialed browser.
	wrap func(serp.Browser) serp.Browser
}

func newHarness(t *testing.T, opts serp.Options) *harness {
	t.Helper()

	h := &harness{
		fb:          testutil.NewFakeBrowser(t),
		rec:         &recorder{},
		disconnects: &atomic.Int32{},
	}
	log := zaptest.NewLogger(t)

	dial := serp.ChromeDialer(chrome.Options{
		Host:         h.fb.Host(),
		Port:         h.fb.Port(),
		PollInterval: 20 * time.Millisecond,
		Logger:       log,
	})
	counted := func(ctx context.Context) (serp.Browser, error) {
		b, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		var wrapped serp.Browser = countingBrowser{Browser: b, disconnects: h.disconnects}
		if h.wrap != nil {
			wrapped = h.wrap(wrapped)
		}
		return wrapped, nil
	}

	opts.Logger = log
	opts.OnTransition = h.rec.record
	if opts.ResultsTimeout == 0 {
		opts.ResultsTimeout = 100 * time.Millisecond
	}
	if opts.ConsentTimeout == 0 {
		opts.ConsentTimeout = 500 * time.Millisecond
	}
	if opts.LoadTimeout == 0 {
		opts.LoadTimeout = 2 * time.Second
	}
	opts.PollInterval = 20 * time.Millisecond
	opts.Now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	h.extractor = serp.New(counted, opts)
	return h
}

func (h *harness) run(t *testing.T, query string, max int) (*serp.Output, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.extractor.Run(ctx, query, max)
}

var successPath = []string{
	"INIT->CONNECTED",
	"CONNECTED->NAVIGATED",
	"NAVIGATED->CONSENT_HANDLED",
	"CONSENT_HANDLED->RESULTS_READY",
	"RESULTS_READY->EXTRACTED",
	"EXTRACTED->DONE",
}

func TestExtractor_StructuredResults(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, resultsPage(3))

	var fallbacks atomic.Int32
	h.fb.HandleEvaluate(func(_ *testutil.Page, expr string) (any, error) {
		if strings.Contains(expr, "function collectCandidates") || strings.Contains(expr, "function harvestAnchors") {
			fallbacks.Add(1)
		}
		return nil, testutil.ErrNotHandled
	})

	out, err := h.run(t, "golang", 10)
	require.NoError(t, err)

	assert.Equal(t, "golang", out.Query)
	assert.Equal(t, "2024-01-02T03:04:05.000Z", out.Timestamp)
	require.Equal(t, 3, out.ResultsCount)
	assert.Equal(t, serp.SearchResult{
		Position: 1,
		Title:    "Result number 1",
		URL:      "https://site1.example/page",
		Snippet:  "Snippet for result 1",
	}, out.Results[0])
	for i, r := range out.Results {
		assert.Equal(t, i+1, r.Position)
	}

	assert.Equal(t, "https://www.google.com/search?hl=en&num=10&q=golang", h.fb.URL())
	assert.Equal(t, successPath, h.rec.states())
	assert.EqualValues(t, 1, h.disconnects.Load())
	assert.Zero(t, fallbacks.Load(), "structured extraction should not need the in-page fallbacks")
}

func TestExtractor_CapsAtMaxResults(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, resultsPage(12))

	out, err := h.run(t, "golang", 10)
	require.NoError(t, err)
	require.Len(t, out.Results, 10)
	assert.Equal(t, 10, out.ResultsCount)

	seen := make(map[string]bool)
	for i, r := range out.Results {
		assert.Equal(t, i+1, r.Position)
		assert.False(t, seen[r.URL], "duplicate %s", r.URL)
		seen[r.URL] = true
		assert.NotContains(t, r.URL, "google.com")
	}
	assert.Equal(t, "https://site10.example/page", out.Results[9].URL)
}

func TestExtractor_EvaluateFallback(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, emptyPage)

	var (
		mu      sync.Mutex
		exprs   []string
		harvest int
	)
	h.fb.HandleEvaluate(func(_ *testutil.Page, expr string) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case strings.Contains(expr, "function collectCandidates"):
			exprs = append(exprs, expr)
			return []map[string]string{
				{"href": "https://www.google.com/url?q=https://go.dev/&sa=U", "title": "The Go Programming Language", "snippet": "Go is an open source\n language."},
				{"href": "https://maps.google.com/place", "title": "Maps result"},
				{"href": "https://go.dev/doc/", "title": "  Documentation \n"},
				{"href": "https://go.dev/", "title": "Go again"},
				{"href": "https://pkg.go.dev/", "title": ""},
			}, nil
		case strings.Contains(expr, "function harvestAnchors"):
			harvest++
			return []map[string]string{}, nil
		}
		return nil, testutil.ErrNotHandled
	})

	out, err := h.run(t, "golang", 5)
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.Equal(t, serp.SearchResult{Position: 1, Title: "The Go Programming Language", URL: "https://go.dev/", Snippet: "Go is an open source language."}, out.Results[0])
	assert.Equal(t, serp.SearchResult{Position: 2, Title: "Documentation", URL: "https://go.dev/doc/"}, out.Results[1])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, exprs, 1)
	assert.Contains(t, exprs[0], `"limit":15`)
	assert.Contains(t, exprs[0], `#rso div.g`)
	assert.Zero(t, harvest, "harvesting runs only when the fallback finds nothing")
}

func TestExtractor_HarvestAfterEvaluationError(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, emptyPage)

	h.fb.HandleEvaluate(func(_ *testutil.Page, expr string) (any, error) {
		switch {
		case strings.Contains(expr, "function collectCandidates"):
			return nil, &testutil.Exception{Description: "TypeError: boom\n    at collectCandidates (<anonymous>:3:9)"}
		case strings.Contains(expr, "function harvestAnchors"):
			return []map[string]string{
				{"href": "https://accounts.google.com/signin", "title": "Sign in"},
				{"href": "https://example.org/settings", "title": "Settings"},
				{"href": "https://example.org/short", "title": "Hi"},
				{"href": "https://example.org/long", "title": strings.Repeat("x", 200)},
				{"href": "https://example.org/article", "title": "An interesting article"},
				{"href": "https://www.google.com/search?q=more", "title": "More results here"},
				{"href": "/url?q=https://example.net/post", "title": "Another good\n post"},
				{"href": "https://example.org/article#:~:text=foo", "title": "The same article again"},
			}, nil
		}
		return nil, testutil.ErrNotHandled
	})

	out, err := h.run(t, "golang", 10)
	require.NoError(t, err)
	assert.Equal(t, []serp.SearchResult{
		{Position: 1, Title: "An interesting article", URL: "https://example.org/article"},
		{Position: 2, Title: "Another good post", URL: "https://example.net/post"},
	}, out.Results)
}

func TestExtractor_HarvestRespectsMaxResults(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, emptyPage)

	h.fb.HandleEvaluate(func(_ *testutil.Page, expr string) (any, error) {
		switch {
		case strings.Contains(expr, "function collectCandidates"):
			return []map[string]string{}, nil
		case strings.Contains(expr, "function harvestAnchors"):
			anchors := make([]map[string]string, 0, 12)
			for i := 1; i <= 12; i++ {
				anchors = append(anchors, map[string]string{
					"href":  fmt.Sprintf("https://example.org/post/%d", i),
					"title": fmt.Sprintf("Harvested post %d", i),
				})
			}
			return anchors, nil
		}
		return nil, testutil.ErrNotHandled
	})

	out, err := h.run(t, "golang", 3)
	require.NoError(t, err)
	require.Len(t, out.Results, 3)
	assert.Equal(t, 3, out.ResultsCount)
	for i, r := range out.Results {
		assert.Equal(t, i+1, r.Position)
		assert.Equal(t, fmt.Sprintf("https://example.org/post/%d", i+1), r.URL)
	}
}

// stalledCalls fails in-page calls whose source contains marker the way a
// command that outlived its budget does.
type stalledCalls struct {
	serp.Browser
	marker string
	calls  *atomic.Int32
}

func (b stalledCalls) CallFunction(ctx context.Context, fn string, v any, args ...any) error {
	if strings.Contains(fn, b.marker) {
		b.calls.Add(1)
		return &chrome.TimeoutError{Op: "Runtime.evaluate", After: time.Second}
	}
	return b.Browser.CallFunction(ctx, fn, v, args...)
}

func TestExtractor_TimeoutInLastStrategyIsReported(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, emptyPage)
	calls := &atomic.Int32{}
	h.wrap = func(b serp.Browser) serp.Browser {
		return stalledCalls{Browser: b, marker: "function harvestAnchors", calls: calls}
	}

	out, err := h.run(t, "golang", 10)
	assert.Nil(t, out)
	require.Error(t, err)
	assert.ErrorIs(t, err, chrome.ErrTimeout)
	assert.NotErrorIs(t, err, serp.ErrExtractionEmpty)
	assert.EqualValues(t, 1, calls.Load())

	states := h.rec.states()
	require.NotEmpty(t, states)
	assert.Equal(t, "RESULTS_READY->FAILED", states[len(states)-1])
	assert.EqualValues(t, 1, h.disconnects.Load())
}

func TestExtractor_TimeoutFallsThroughToNextStrategy(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, emptyPage)
	calls := &atomic.Int32{}
	h.wrap = func(b serp.Browser) serp.Browser {
		return stalledCalls{Browser: b, marker: "function collectCandidates", calls: calls}
	}
	h.fb.HandleEvaluate(func(_ *testutil.Page, expr string) (any, error) {
		if strings.Contains(expr, "function harvestAnchors") {
			return []map[string]string{
				{"href": "https://example.org/article", "title": "An interesting article"},
			}, nil
		}
		return nil, testutil.ErrNotHandled
	})

	out, err := h.run(t, "golang", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, []serp.SearchResult{
		{Position: 1, Title: "An interesting article", URL: "https://example.org/article"},
	}, out.Results)
}

// cancelOnCall cancels the run as soon as the first in-page call is made.
type cancelOnCall struct {
	serp.Browser
	cancel context.CancelFunc
}

func (b cancelOnCall) CallFunction(ctx context.Context, fn string, v any, args ...any) error {
	b.cancel()
	return b.Browser.CallFunction(ctx, fn, v, args...)
}

func TestExtractor_CancelledRunIsNotReportedAsEmpty(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, emptyPage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.wrap = func(b serp.Browser) serp.Browser {
		return cancelOnCall{Browser: b, cancel: cancel}
	}

	out, err := h.extractor.Run(ctx, "golang", 10)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, serp.ErrExtractionEmpty)
	assert.EqualValues(t, 1, h.disconnects.Load())
}

func TestExtractor_NoResultsFails(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, emptyPage)

	out, err := h.run(t, "golang", 10)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, serp.ErrExtractionEmpty)

	states := h.rec.states()
	require.NotEmpty(t, states)
	assert.Equal(t, "RESULTS_READY->FAILED", states[len(states)-1])
	assert.EqualValues(t, 1, h.disconnects.Load())
}

func TestExtractor_DismissesConsentBySelector(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, strings.Replace(resultsPage(2), `<body>`, `<body>
<div id="consent"><button id="L2AGLb" aria-label="Accept all" data-fake-remove="#consent">Accept all</button></div>`, 1))

	out, err := h.run(t, "golang", 10)
	require.NoError(t, err)
	assert.Len(t, out.Results, 2)

	assert.Equal(t, []string{"L2AGLb"}, h.fb.Clicked())
	assert.False(t, h.fb.Has("#consent"))
	assert.Equal(t, successPath, h.rec.states())
}

func TestExtractor_DismissesConsentByText(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, strings.Replace(resultsPage(1), `<body>`, `<body>
<div id="consent"><span role="button" id="agree" data-fake-remove="#consent">Tout accepter</span></div>`, 1))

	h.fb.HandleEvaluate(func(p *testutil.Page, expr string) (any, error) {
		if !strings.Contains(expr, "function locateByText") {
			return nil, testutil.ErrNotHandled
		}
		if !strings.Contains(expr, `"Tout accepter"`) {
			return nil, nil
		}
		x, y, ok := p.CenterOf("#agree")
		if !ok {
			return nil, nil
		}
		return map[string]float64{"x": x, "y": y}, nil
	})

	out, err := h.run(t, "golang", 10)
	require.NoError(t, err)
	assert.Len(t, out.Results, 1)
	assert.Equal(t, []string{"agree"}, h.fb.Clicked())
	assert.False(t, h.fb.Has("#consent"))
}

func TestExtractor_NoConsentOverlayIsFine(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, resultsPage(1))

	_, err := h.run(t, "golang", 10)
	require.NoError(t, err)
	assert.Empty(t, h.fb.Clicked())
	assert.Contains(t, h.rec.states(), "NAVIGATED->CONSENT_HANDLED")
}

func TestExtractor_ConnectionLostMidRun(t *testing.T) {
	h := newHarness(t, serp.Options{})
	h.fb.Route(searchPrefix, resultsPage(3))
	h.fb.CloseOn("DOM.getOuterHTML")

	out, err := h.run(t, "golang", 10)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, chrome.ErrConnectionLost)

	states := h.rec.states()
	require.NotEmpty(t, states)
	assert.Equal(t, "RESULTS_READY->FAILED", states[len(states)-1])
	assert.EqualValues(t, 1, h.disconnects.Load())
}

func TestExtractor_NavigationFailure(t *testing.T) {
	h := newHarness(t, serp.Options{})

	_, err := h.run(t, "golang", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "net::ERR_NAME_NOT_RESOLVED")
	assert.Equal(t, []string{"INIT->CONNECTED", "CONNECTED->FAILED"}, h.rec.states())
	assert.EqualValues(t, 1, h.disconnects.Load())
}

func TestExtractor_DialFailure(t *testing.T) {
	rec := &recorder{}
	dialErr := &chrome.ConnectionError{Endpoint: "127.0.0.1:1", Err: fmt.Errorf("refused")}
	e := serp.New(func(context.Context) (serp.Browser, error) { return nil, dialErr }, serp.Options{
		Logger:       zaptest.NewLogger(t),
		OnTransition: rec.record,
	})

	_, err := e.Run(context.Background(), "golang", 10)
	assert.ErrorIs(t, err, chrome.ErrConnection)
	assert.Equal(t, []string{"INIT->FAILED"}, rec.states())
}

func TestExtractor_RejectsBadArguments(t *testing.T) {
	h := newHarness(t, serp.Options{})

	_, err := h.run(t, "  ", 10)
	assert.Error(t, err)
	_, err = h.run(t, "golang", 0)
	assert.Error(t, err)
	assert.Zero(t, h.disconnects.Load())
}

func TestExtractor_SearchBoxMode(t *testing.T) {
	h := newHarness(t, serp.Options{Mode: serp.ModeSearchBox})
	h.fb.Route("https://www.google.com/", `<html><head><title>Google</title></head><body>
<form action="/search"><textarea name="q" value="stale"></textarea></form>
</body></html>`)
	h.fb.Route(searchPrefix, resultsPage(2))

	out, err := h.run(t, "golang generics", 10)
	require.NoError(t, err)
	assert.Len(t, out.Results, 2)

	assert.Equal(t, "https://www.google.com/search?q=golang+generics", h.fb.URL())
	assert.Equal(t, []string{"Enter"}, h.fb.Keys())
	assert.Equal(t, successPath, h.rec.states())
}

func TestExtractor_Screenshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serp.png")
	h := newHarness(t, serp.Options{ScreenshotPath: path})
	h.fb.Route(searchPrefix, resultsPage(1))

	_, err := h.run(t, "golang", 10)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(data[:4]))
}

func TestExtractor_ScreenshotFailureIsNotFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "serp.png")
	h := newHarness(t, serp.Options{ScreenshotPath: path})
	h.fb.Route(searchPrefix, resultsPage(1))

	out, err := h.run(t, "golang", 10)
	require.NoError(t, err)
	assert.Len(t, out.Results, 1)
}
