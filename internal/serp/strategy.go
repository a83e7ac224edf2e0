package serp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/tomyan/serpcap/internal/chrome"
)

// SelectorSet locates results in one page layout. Link and Snippets are
// scoped to each Container match.
type SelectorSet struct {
	Name      string   `mapstructure:"name"`
	Container string   `mapstructure:"container"`
	Link      string   `mapstructure:"link"`
	Snippets  []string `mapstructure:"snippets"`
}

// DefaultSelectorSets are ordered from the most specific layout to the most
// permissive.
func DefaultSelectorSets() []SelectorSet {
	snippets := []string{
		"div[data-sncf]",
		"div.VwiC3b",
		"span.aCOpRe",
		`div[style*="-webkit-line-clamp"]`,
	}
	return []SelectorSet{
		{
			Name:      "result-blocks",
			Container: "#rso div.g",
			Link:      "a[href]:has(h3)",
			Snippets:  snippets,
		},
		{
			Name:      "hveid-blocks",
			Container: "#search div[data-hveid]",
			Link:      "a[href]:has(h3)",
			Snippets:  snippets,
		},
		{
			Name:      "generic-results",
			Container: ".result, li.b_algo, article[data-testid=\"result\"]",
			Link:      "a[href]",
			Snippets:  []string{".result__snippet", ".b_caption p", "[data-result=\"snippet\"]", "p"},
		},
	}
}

// DefaultBlockedText are labels of search page chrome that harvesting skips.
func DefaultBlockedText() []string {
	return []string{
		"Sign in", "Settings", "Privacy", "Terms", "Feedback", "Send feedback",
		"Help", "Images", "Videos", "News", "Maps", "Shopping", "Books",
		"Flights", "Finance", "More", "Tools", "All", "Next", "Previous",
		"Cached", "Similar", "Learn more", "Accept all", "Reject all",
	}
}

// Title length bounds used by harvesting, in characters: [min, max).
const (
	DefaultMinTitle = 5
	DefaultMaxTitle = 200
)

// candidate is an unvalidated result.
type candidate struct {
	Href    string `json:"href"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// collector validates candidates and keeps the first max distinct ones.
type collector struct {
	max     int
	base    string
	hosts   []string
	seen    map[string]bool
	results []SearchResult
}

func newCollector(max int, base string, hosts []string) *collector {
	return &collector{max: max, base: base, hosts: hosts, seen: make(map[string]bool)}
}

func (c *collector) full() bool {
	return len(c.results) >= c.max
}

// add validates and records one candidate. It reports whether it was kept.
func (c *collector) add(cand candidate) bool {
	if c.full() {
		return false
	}
	title := cleanText(cand.Title)
	if title == "" {
		return false
	}
	u, ok := NormalizeURL(cand.Href, c.base)
	if !ok || isInternal(u, c.hosts) || c.seen[u] {
		return false
	}
	c.seen[u] = true
	c.results = append(c.results, SearchResult{
		Position: len(c.results) + 1,
		Title:    title,
		URL:      u,
		Snippet:  cleanText(cand.Snippet),
	})
	return true
}

// cleanText collapses runs of whitespace.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// strategy is one step of the extraction cascade.
type strategy struct {
	name string
	run  func(ctx context.Context, b Browser, c *collector) error
}

func (e *Extractor) strategies() []strategy {
	return []strategy{
		{name: "structured", run: e.extractStructured},
		{name: "evaluate", run: e.extractEvaluate},
		{name: "harvest", run: e.extractHarvest},
	}
}

// extractStructured walks each selector set with DOM queries and stops at
// the first set that yields a result.
func (e *Extractor) extractStructured(ctx context.Context, b Browser, c *collector) error {
	for _, set := range e.opts.SelectorSets {
		containers, err := b.QuerySelectorAll(ctx, set.Container)
		if err != nil {
			if errors.Is(err, chrome.ErrConnectionLost) {
				return err
			}
			e.log.Debug("container query failed", zap.String("set", set.Name), zap.Error(err))
			continue
		}

		for _, container := range containers {
			if c.full() {
				break
			}
			cand, err := e.readContainer(ctx, b, set, container)
			if err != nil {
				if errors.Is(err, chrome.ErrConnectionLost) {
					return err
				}
				e.log.Debug("skipping result container", zap.String("set", set.Name), zap.Error(err))
				continue
			}
			c.add(cand)
		}

		if len(c.results) > 0 {
			e.log.Debug("selector set matched", zap.String("set", set.Name), zap.Int("results", len(c.results)))
			return nil
		}
	}
	return nil
}

func (e *Extractor) readContainer(ctx context.Context, b Browser, set SelectorSet, container chrome.Handle) (candidate, error) {
	link, ok, err := b.QuerySelectorIn(ctx, container, set.Link)
	if err != nil {
		return candidate{}, err
	}
	if !ok {
		return candidate{}, &chrome.NotFoundError{Selector: set.Link}
	}

	attrs, err := b.Attributes(ctx, link)
	if err != nil {
		return candidate{}, err
	}
	markup, err := b.OuterHTML(ctx, link)
	if err != nil {
		return candidate{}, err
	}
	title, err := titleFromHTML(markup)
	if err != nil {
		return candidate{}, err
	}

	return candidate{
		Href:    attrs["href"],
		Title:   title,
		Snippet: e.snippetFor(ctx, b, set, container),
	}, nil
}

// snippetFor returns the text of the first snippet selector matching inside
// container. Lookup failures only cost the snippet.
func (e *Extractor) snippetFor(ctx context.Context, b Browser, set SelectorSet, container chrome.Handle) string {
	for _, sel := range set.Snippets {
		h, ok, err := b.QuerySelectorIn(ctx, container, sel)
		if err != nil {
			e.log.Debug("snippet lookup failed", zap.String("selector", sel), zap.Error(err))
			return ""
		}
		if !ok {
			continue
		}
		markup, err := b.OuterHTML(ctx, h)
		if err != nil {
			e.log.Debug("snippet markup failed", zap.String("selector", sel), zap.Error(err))
			return ""
		}
		if text := textFromHTML(markup); text != "" {
			return text
		}
	}
	return ""
}

// titleFromHTML prefers a heading nested in the link over the link's own
// text, which often includes breadcrumbs.
func titleFromHTML(markup string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parsing title markup: %w", err)
	}
	if heading := doc.Find(`h3, h2, [role="heading"]`).First(); heading.Length() > 0 {
		if t := cleanText(heading.Text()); t != "" {
			return t, nil
		}
	}
	return cleanText(doc.Find("body").Text()), nil
}

func textFromHTML(markup string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return ""
	}
	doc.Find("script, style").Remove()
	return cleanText(doc.Find("body").Text())
}

// collectCandidatesFunction gathers result links matching a selector union
// together with their nearest container's snippet.
const collectCandidatesFunction = `function collectCandidates(opts) {
	const text = (el) => (el ? (el.innerText || el.textContent || '').trim() : '');
	const out = [];
	const seen = new Set();
	for (const link of document.querySelectorAll(opts.links)) {
		if (!link.href || seen.has(link.href)) {
			continue;
		}
		seen.add(link.href);
		const heading = link.querySelector('h3, h2, [role="heading"]');
		const container = link.closest(opts.containers) || link.parentElement;
		let snippet = '';
		for (const sel of opts.snippets) {
			const el = container ? container.querySelector(sel) : null;
			if (el && text(el)) {
				snippet = text(el);
				break;
			}
		}
		out.push({href: link.href, title: text(heading) || text(link), snippet: snippet});
		if (out.length >= opts.limit) {
			break;
		}
	}
	return out;
}`

type collectOptions struct {
	Links      string   `json:"links"`
	Containers string   `json:"containers"`
	Snippets   []string `json:"snippets"`
	Limit      int      `json:"limit"`
}

// fallbackLinks widen the structured link selectors.
var fallbackLinks = []string{
	"a[href]:has(h3)",
	"a[href]:has(h2)",
	`a[href]:has([role="heading"])`,
	"h3 > a[href]",
	"h2 > a[href]",
}

// extractEvaluate runs one in-page script over a broader selector union and
// validates its candidates in Go.
func (e *Extractor) extractEvaluate(ctx context.Context, b Browser, c *collector) error {
	opts := collectOptions{Limit: c.max * 3}

	var links, containers []string
	seen := make(map[string]bool)
	for _, set := range e.opts.SelectorSets {
		containers = appendUnique(containers, seen, set.Container)
		opts.Snippets = appendUnique(opts.Snippets, seen, set.Snippets...)
	}
	links = appendUnique(links, make(map[string]bool), fallbackLinks...)
	opts.Links = strings.Join(links, ", ")
	opts.Containers = strings.Join(containers, ", ")

	var cands []candidate
	if err := b.CallFunction(ctx, collectCandidatesFunction, &cands, opts); err != nil {
		return err
	}
	for _, cand := range cands {
		c.add(cand)
	}
	return nil
}

func appendUnique(dst []string, seen map[string]bool, values ...string) []string {
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		dst = append(dst, v)
	}
	return dst
}

// harvestAnchorsFunction returns every anchor on the page.
const harvestAnchorsFunction = `function harvestAnchors(limit) {
	const out = [];
	for (const a of document.querySelectorAll('a[href]')) {
		out.push({href: a.href, title: (a.innerText || a.textContent || '').trim()});
		if (out.length >= limit) {
			break;
		}
	}
	return out;
}`

// harvestLimit bounds how many anchors a page may hand back.
const harvestLimit = 1000

// extractHarvest is the last resort: every anchor, filtered for navigation
// chrome and implausible titles.
func (e *Extractor) extractHarvest(ctx context.Context, b Browser, c *collector) error {
	var cands []candidate
	if err := b.CallFunction(ctx, harvestAnchorsFunction, &cands, harvestLimit); err != nil {
		return err
	}

	blocked := make(map[string]bool, len(e.opts.BlockedText))
	for _, s := range e.opts.BlockedText {
		blocked[strings.ToLower(cleanText(s))] = true
	}

	for _, cand := range cands {
		title := cleanText(cand.Title)
		n := utf8.RuneCountInString(title)
		if n < e.opts.MinTitle || n >= e.opts.MaxTitle {
			continue
		}
		if blocked[strings.ToLower(title)] {
			continue
		}
		cand.Title = title
		cand.Snippet = ""
		c.add(cand)
	}
	return nil
}
