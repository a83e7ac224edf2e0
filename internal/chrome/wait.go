package chrome

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/cdproto"
	"go.uber.org/zap"
)

// WaitForLoad waits until Page.loadEventFired has been observed since the
// last Open or main-frame navigation, or returns a TimeoutError.
func (c *Client) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	// Subscribe before checking the counter so a load in between is not missed.
	loadCh := c.subscribeEvent(cdproto.EventPageLoadEventFired)
	defer c.unsubscribeEvent(cdproto.EventPageLoadEventFired, loadCh)

	if c.loads.Load() > c.loadMark.Load() {
		return nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-loadCh:
		return nil
	case <-c.closeCh:
		return ErrConnectionLost
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Op: "page load", After: timeout}
	}
}

// WaitForSelector polls every PollInterval until selector matches at least
// one element and returns the matches, or returns a NotFoundError once
// timeout has elapsed.
func (c *Client) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) ([]Handle, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		handles, err := c.QuerySelectorAll(timeoutCtx, selector)
		switch {
		case err == nil && len(handles) > 0:
			return handles, nil
		case errors.Is(err, ErrConnectionLost):
			return nil, err
		case err != nil && timeoutCtx.Err() == nil:
			// The document may be swapping out under us; try again next tick.
			c.log.Debug("selector lookup failed, retrying", zap.String("selector", selector), zap.Error(err))
		}

		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &NotFoundError{Selector: selector, After: timeout}
		case <-c.closeCh:
			return nil, ErrConnectionLost
		case <-ticker.C:
		}
	}
}
