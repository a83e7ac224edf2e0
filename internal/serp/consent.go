package serp

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tomyan/serpcap/internal/chrome"
)

// ConsentKind selects how a ConsentStrategy finds its button.
type ConsentKind string

const (
	// ConsentSelector clicks the first element matching a CSS selector.
	ConsentSelector ConsentKind = "selector"
	// ConsentText clicks a button or link whose visible text matches.
	ConsentText ConsentKind = "text"
)

// ConsentStrategy is one way of dismissing a cookie or privacy overlay.
type ConsentStrategy struct {
	Kind     ConsentKind `mapstructure:"kind"`
	Selector string      `mapstructure:"selector"`
	Text     string      `mapstructure:"text"`
}

func (s ConsentStrategy) String() string {
	switch s.Kind {
	case ConsentSelector:
		return "selector " + s.Selector
	case ConsentText:
		return fmt.Sprintf("text %q", s.Text)
	}
	return string(s.Kind)
}

// DefaultConsent lists the overlay buttons seen on common engines.
func DefaultConsent() []ConsentStrategy {
	return []ConsentStrategy{
		{Kind: ConsentSelector, Selector: `button[aria-label="Accept all"]`},
		{Kind: ConsentSelector, Selector: `button[aria-label="I agree"]`},
		{Kind: ConsentSelector, Selector: `button[aria-label="Alles akzeptieren"]`},
		{Kind: ConsentSelector, Selector: `#L2AGLb`},
		{Kind: ConsentSelector, Selector: `form[action*="consent"] button`},
		{Kind: ConsentText, Text: "Accept all"},
		{Kind: ConsentText, Text: "I agree"},
		{Kind: ConsentText, Text: "Alle akzeptieren"},
		{Kind: ConsentText, Text: "Tout accepter"},
	}
}

// locateByTextFunction returns the viewport center of the first visible
// button-like element whose label equals text (case-insensitive), or null.
const locateByTextFunction = `function locateByText(text) {
	const want = String(text).trim().toLowerCase();
	const candidates = document.querySelectorAll('button, [role="button"], a, input[type="submit"], input[type="button"]');
	for (const el of candidates) {
		const label = (el.innerText || el.value || el.getAttribute('aria-label') || '').trim().toLowerCase();
		if (label !== want) {
			continue;
		}
		el.scrollIntoView({block: 'center', inline: 'center'});
		const r = el.getBoundingClientRect();
		if (r.width === 0 || r.height === 0) {
			continue;
		}
		return {x: r.left + r.width / 2, y: r.top + r.height / 2};
	}
	return null;
}`

type point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// dismissConsent tries each strategy in order and stops at the first click.
// It never fails the run: an absent overlay is normal.
func (e *Extractor) dismissConsent(ctx context.Context, b Browser) {
	for _, s := range e.opts.Consent {
		err := e.applyConsent(ctx, b, s)
		if err == nil {
			e.log.Info("dismissed consent overlay", zap.Stringer("strategy", s))
			return
		}
		if errors.Is(err, chrome.ErrConnectionLost) {
			e.log.Warn("consent handling aborted", zap.Error(err))
			return
		}
		if !errors.Is(err, chrome.ErrNotFound) {
			e.log.Debug("consent strategy failed", zap.Stringer("strategy", s), zap.Error(err))
		}
	}
	e.log.Debug("no consent overlay found")
}

func (e *Extractor) applyConsent(ctx context.Context, b Browser, s ConsentStrategy) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ConsentTimeout)
	defer cancel()

	switch s.Kind {
	case ConsentSelector:
		return b.Click(ctx, s.Selector)
	case ConsentText:
		var at *point
		if err := b.CallFunction(ctx, locateByTextFunction, &at, s.Text); err != nil {
			return err
		}
		if at == nil {
			return &chrome.NotFoundError{Selector: s.String()}
		}
		return b.ClickAt(ctx, at.X, at.Y)
	}
	return fmt.Errorf("unknown consent strategy kind %q", s.Kind)
}
