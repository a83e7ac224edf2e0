package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
)

// Evaluate runs expression in the page and decodes its JSON value into v.
// A nil v discards the value. Promises are awaited. An exception thrown in
// the page is returned as *EvaluationError.
func (c *Client) Evaluate(ctx context.Context, expression string, v any) error {
	res, exc, err := runtime.Evaluate(expression).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		Do(c.executor(ctx))
	if err != nil {
		return fmt.Errorf("evaluating expression: %w", err)
	}
	if exc != nil {
		return newEvaluationError(exc)
	}
	if v == nil || res == nil || res.Type == runtime.TypeUndefined || len(res.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Value, v); err != nil {
		return fmt.Errorf("decoding %s result: %w", res.Type, err)
	}
	return nil
}

// CallFunction invokes the JavaScript function declaration fn with args and
// decodes its result into v. Arguments are JSON-encoded, so callers never
// build script source from untrusted strings.
func (c *Client) CallFunction(ctx context.Context, fn string, v any, args ...any) error {
	encoded := make([]string, len(args))
	for i, arg := range args {
		buf, err := json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("encoding argument %d: %w", i, err)
		}
		encoded[i] = string(buf)
	}
	expression := fmt.Sprintf("(%s)(%s)", fn, strings.Join(encoded, ", "))
	return c.Evaluate(ctx, expression, v)
}

// Screenshot captures the viewport as PNG and writes it to path.
func (c *Client) Screenshot(ctx context.Context, path string) error {
	buf, err := page.CaptureScreenshot().
		WithFormat(page.CaptureScreenshotFormatPng).
		Do(c.executor(ctx))
	if err != nil {
		return fmt.Errorf("capturing screenshot: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("writing screenshot: %w", err)
	}
	return nil
}
