package chrome

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/dom"
)

// QuerySelector finds the first element matching selector in the current
// document. ok is false when nothing matches.
func (c *Client) QuerySelector(ctx context.Context, selector string) (h Handle, ok bool, err error) {
	root, err := c.document(ctx)
	if err != nil {
		return Handle{}, false, err
	}
	return c.QuerySelectorIn(ctx, root, selector)
}

// QuerySelectorAll finds every element matching selector in the current
// document. An empty slice is not an error.
func (c *Client) QuerySelectorAll(ctx context.Context, selector string) ([]Handle, error) {
	root, err := c.document(ctx)
	if err != nil {
		return nil, err
	}
	return c.QuerySelectorAllIn(ctx, root, selector)
}

// QuerySelectorIn finds the first element matching selector below scope.
func (c *Client) QuerySelectorIn(ctx context.Context, scope Handle, selector string) (Handle, bool, error) {
	if err := c.check(scope); err != nil {
		return Handle{}, false, err
	}

	nodeID, err := dom.QuerySelector(scope.NodeID, selector).Do(c.executor(ctx))
	if err != nil {
		return Handle{}, false, fmt.Errorf("querying selector %q: %w", selector, nodeError(scope, err))
	}
	if nodeID == 0 {
		return Handle{}, false, nil
	}
	return Handle{NodeID: nodeID, gen: scope.gen}, true, nil
}

// QuerySelectorAllIn finds every element matching selector below scope.
func (c *Client) QuerySelectorAllIn(ctx context.Context, scope Handle, selector string) ([]Handle, error) {
	if err := c.check(scope); err != nil {
		return nil, err
	}

	nodeIDs, err := dom.QuerySelectorAll(scope.NodeID, selector).Do(c.executor(ctx))
	if err != nil {
		return nil, fmt.Errorf("querying selector %q: %w", selector, nodeError(scope, err))
	}

	handles := make([]Handle, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if id != 0 {
			handles = append(handles, Handle{NodeID: id, gen: scope.gen})
		}
	}
	return handles, nil
}

// Attributes returns the element's attributes as a map.
func (c *Client) Attributes(ctx context.Context, h Handle) (map[string]string, error) {
	if err := c.check(h); err != nil {
		return nil, err
	}

	flat, err := dom.GetAttributes(h.NodeID).Do(c.executor(ctx))
	if err != nil {
		return nil, fmt.Errorf("getting attributes: %w", nodeError(h, err))
	}

	// Chrome returns a flat array: [name, value, name, value, ...]
	attrs := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		attrs[flat[i]] = flat[i+1]
	}
	return attrs, nil
}

// OuterHTML returns the markup of the element and its subtree.
func (c *Client) OuterHTML(ctx context.Context, h Handle) (string, error) {
	if err := c.check(h); err != nil {
		return "", err
	}

	html, err := dom.GetOuterHTML().WithNodeID(h.NodeID).Do(c.executor(ctx))
	if err != nil {
		return "", fmt.Errorf("getting outer HTML: %w", nodeError(h, err))
	}
	return html, nil
}
