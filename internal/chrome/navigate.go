package chrome

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/page"
	"go.uber.org/zap"
)

// Open navigates the page to url. It does not wait for the load to finish;
// use WaitForLoad for that. Handles obtained before Open become invalid.
func (c *Client) Open(ctx context.Context, url string) error {
	c.invalidate("open")
	c.loadMark.Store(c.loads.Load())

	_, _, errorText, err := page.Navigate(url).Do(c.executor(ctx))
	if err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	if errorText != "" {
		return fmt.Errorf("navigating to %s: page load error %s", url, errorText)
	}

	c.log.Debug("navigated", zap.String("url", url))
	return nil
}

// Title returns the document title.
func (c *Client) Title(ctx context.Context) (string, error) {
	var title string
	if err := c.Evaluate(ctx, "document.title", &title); err != nil {
		return "", fmt.Errorf("getting title: %w", err)
	}
	return title, nil
}

// CurrentURL returns the page's current location.
func (c *Client) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := c.Evaluate(ctx, "window.location.href", &url); err != nil {
		return "", fmt.Errorf("getting URL: %w", err)
	}
	return url, nil
}
