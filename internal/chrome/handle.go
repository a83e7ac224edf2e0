package chrome

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
)

// Handle references a DOM node within one page snapshot. It becomes invalid
// once the page navigates or its document is replaced.
type Handle struct {
	NodeID cdp.NodeID
	gen    uint64
}

// IsZero reports whether h refers to no node.
func (h Handle) IsZero() bool {
	return h.NodeID == 0
}

// Valid reports whether h still belongs to the client's current snapshot.
func (c *Client) Valid(h Handle) bool {
	return !h.IsZero() && h.gen == c.generation.Load()
}

func (c *Client) check(h Handle) error {
	if h.IsZero() {
		return fmt.Errorf("%w: zero handle", ErrInvalidHandle)
	}
	if cur := c.generation.Load(); h.gen != cur {
		return fmt.Errorf("%w: node %d is from generation %d, page is at %d", ErrInvalidHandle, h.NodeID, h.gen, cur)
	}
	return nil
}

// document returns the root node of the current snapshot, fetching it once
// per generation.
func (c *Client) document(ctx context.Context) (Handle, error) {
	gen := c.generation.Load()

	c.rootMu.Lock()
	root := c.root
	c.rootMu.Unlock()
	if root.gen == gen && !root.IsZero() {
		return root, nil
	}

	node, err := dom.GetDocument().WithDepth(0).Do(c.executor(ctx))
	if err != nil {
		return Handle{}, fmt.Errorf("getting document: %w", err)
	}
	root = Handle{NodeID: node.NodeID, gen: gen}

	c.rootMu.Lock()
	if c.generation.Load() == gen {
		c.root = root
	}
	c.rootMu.Unlock()
	return root, nil
}

// nodeError maps the browser's report of a node that no longer exists to
// ErrInvalidHandle.
func nodeError(h Handle, err error) error {
	var perr *ProtocolError
	if errors.As(err, &perr) && strings.Contains(perr.Message, "find node") {
		return fmt.Errorf("%w: node %d: %s", ErrInvalidHandle, h.NodeID, perr.Message)
	}
	return err
}
