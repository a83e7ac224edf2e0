package chrome

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"
)

// clearValueFunction empties a form control (or editable element) and lets
// the page's input listeners know about it.
const clearValueFunction = `function clearValue() {
	if ('value' in this) {
		this.value = '';
	} else if (this.isContentEditable) {
		this.textContent = '';
	}
	this.dispatchEvent(new Event('input', {bubbles: true}));
	return true;
}`

// Click clicks the first element matching selector at the center of its box.
func (c *Client) Click(ctx context.Context, selector string) error {
	h, err := c.resolveSelector(ctx, selector)
	if err != nil {
		return err
	}
	return c.ClickHandle(ctx, h)
}

// ClickHandle clicks at the center of the element referenced by h.
func (c *Client) ClickHandle(ctx context.Context, h Handle) error {
	if err := c.check(h); err != nil {
		return err
	}

	// Off-screen elements have no usable box until scrolled to.
	if err := dom.ScrollIntoViewIfNeeded().WithNodeID(h.NodeID).Do(c.executor(ctx)); err != nil {
		c.log.Debug("scrolling into view", zap.Int64("node", int64(h.NodeID)), zap.Error(err))
	}

	x, y, err := c.nodeCenter(ctx, h)
	if err != nil {
		return err
	}
	return c.dispatchMouseClick(ctx, x, y)
}

// ClickAt clicks at the given viewport coordinates.
func (c *Client) ClickAt(ctx context.Context, x, y float64) error {
	return c.dispatchMouseClick(ctx, x, y)
}

// Type focuses the first element matching selector and inserts text as if
// typed, so the page's own listeners observe the change.
func (c *Client) Type(ctx context.Context, selector, text string, opts TypeOptions) error {
	h, err := c.resolveSelector(ctx, selector)
	if err != nil {
		return err
	}

	ectx := c.executor(ctx)
	if err := dom.Focus().WithNodeID(h.NodeID).Do(ectx); err != nil {
		return fmt.Errorf("focusing element: %w", nodeError(h, err))
	}

	if opts.ClearFirst {
		err := c.withObject(ctx, h, func(obj *runtime.RemoteObject) error {
			_, exc, err := runtime.CallFunctionOn(clearValueFunction).
				WithObjectID(obj.ObjectID).
				WithReturnByValue(true).
				Do(ectx)
			if err != nil {
				return err
			}
			if exc != nil {
				return newEvaluationError(exc)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("clearing value: %w", err)
		}
	}

	if err := input.InsertText(text).Do(ectx); err != nil {
		return fmt.Errorf("inserting text: %w", err)
	}
	return nil
}

// PressKey presses and releases a key such as Enter, Tab or Escape. Single
// characters are sent as text.
func (c *Client) PressKey(ctx context.Context, key string) error {
	down := input.DispatchKeyEvent(input.KeyDown).WithKey(key)
	up := input.DispatchKeyEvent(input.KeyUp).WithKey(key)

	if keyCode, ok := keyCodeMap[key]; ok {
		down = down.WithCode(key).WithWindowsVirtualKeyCode(keyCode).WithNativeVirtualKeyCode(keyCode)
		up = up.WithCode(key).WithWindowsVirtualKeyCode(keyCode).WithNativeVirtualKeyCode(keyCode)
		if key == "Enter" {
			// Without text the keypress never reaches form submission.
			down = down.WithText("\r")
		}
	} else if utf8.RuneCountInString(key) == 1 {
		down = down.WithText(key)
	} else {
		return fmt.Errorf("unsupported key %q", key)
	}

	ectx := c.executor(ctx)
	if err := down.Do(ectx); err != nil {
		return fmt.Errorf("keyDown for %q: %w", key, err)
	}
	if err := up.Do(ectx); err != nil {
		return fmt.Errorf("keyUp for %q: %w", key, err)
	}
	return nil
}
