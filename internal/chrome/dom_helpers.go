package chrome

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"
)

// resolveSelector finds the first element matching selector or returns a
// NotFoundError.
func (c *Client) resolveSelector(ctx context.Context, selector string) (Handle, error) {
	h, ok, err := c.QuerySelector(ctx, selector)
	if err != nil {
		return Handle{}, err
	}
	if !ok {
		return Handle{}, &NotFoundError{Selector: selector}
	}
	return h, nil
}

// nodeCenter returns the center of the node's content quad.
func (c *Client) nodeCenter(ctx context.Context, h Handle) (x, y float64, err error) {
	if err := c.check(h); err != nil {
		return 0, 0, err
	}

	model, err := dom.GetBoxModel().WithNodeID(h.NodeID).Do(c.executor(ctx))
	if err != nil {
		return 0, 0, fmt.Errorf("getting box model: %w", nodeError(h, err))
	}

	content := model.Content
	if len(content) < 8 {
		return 0, 0, fmt.Errorf("invalid box model")
	}

	x = (content[0] + content[2] + content[4] + content[6]) / 4
	y = (content[1] + content[3] + content[5] + content[7]) / 4
	return x, y, nil
}

// withObject resolves h to a remote object, runs fn with its id and releases
// the object before returning.
func (c *Client) withObject(ctx context.Context, h Handle, fn func(obj *runtime.RemoteObject) error) error {
	if err := c.check(h); err != nil {
		return err
	}

	ectx := c.executor(ctx)
	obj, err := dom.ResolveNode().WithNodeID(h.NodeID).Do(ectx)
	if err != nil {
		return fmt.Errorf("resolving node: %w", nodeError(h, err))
	}
	defer func() {
		if err := runtime.ReleaseObject(obj.ObjectID).Do(ectx); err != nil {
			c.log.Debug("releasing remote object", zap.Error(err))
		}
	}()

	return fn(obj)
}

// dispatchMouseClick dispatches mouseMoved, mousePressed, and mouseReleased events.
func (c *Client) dispatchMouseClick(ctx context.Context, x, y float64) error {
	ectx := c.executor(ctx)

	if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(ectx); err != nil {
		return fmt.Errorf("dispatching mouseMoved: %w", err)
	}

	if err := input.DispatchMouseEvent(input.MousePressed, x, y).
		WithButton(input.Left).
		WithClickCount(1).
		Do(ectx); err != nil {
		return fmt.Errorf("dispatching mousePressed: %w", err)
	}

	if err := input.DispatchMouseEvent(input.MouseReleased, x, y).
		WithButton(input.Left).
		WithClickCount(1).
		Do(ectx); err != nil {
		return fmt.Errorf("dispatching mouseReleased: %w", err)
	}

	return nil
}
