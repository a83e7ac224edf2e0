package chrome

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
)

// --- Errors ---

// Errors
var (
	ErrConnection     = errors.New("connection error")
	ErrConnectionLost = errors.New("connection lost")
	ErrTimeout        = errors.New("timeout")
	ErrNotFound       = errors.New("not found")
	ErrEvaluation     = errors.New("evaluation error")
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrProtocolError  = errors.New("protocol error")
)

// ConnectionError reports a failure to reach a debuggable target.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connecting to %s: no debuggable target", e.Endpoint)
	}
	return fmt.Sprintf("connecting to %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnection}
	}
	return []error{ErrConnection, e.Err}
}

// ProtocolError represents an error returned by the Chrome DevTools Protocol.
type ProtocolError struct {
	Method  string `json:"method,omitempty"`
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("protocol error %d in %s: %s", e.Code, e.Method, e.Message)
	}
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocolError
}

// TimeoutError reports a bounded wait that exceeded its budget.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s waiting for %s", e.After, e.Op)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// NotFoundError reports a selector that never matched within its timeout.
type NotFoundError struct {
	Selector string
	After    time.Duration
}

func (e *NotFoundError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("element not found after %s: %s", e.After, e.Selector)
	}
	return fmt.Sprintf("element not found: %s", e.Selector)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// EvaluationError is an exception thrown by a script in the page.
type EvaluationError struct {
	Text   string
	Stack  string
	Line   int64
	Column int64
}

func (e *EvaluationError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("JS exception: %s\n%s", e.Text, e.Stack)
	}
	return fmt.Sprintf("JS exception: %s", e.Text)
}

func (e *EvaluationError) Unwrap() error {
	return ErrEvaluation
}

// newEvaluationError converts exception details from Runtime.evaluate or
// Runtime.callFunctionOn.
func newEvaluationError(d *runtime.ExceptionDetails) *EvaluationError {
	e := &EvaluationError{
		Text:   d.Text,
		Line:   d.LineNumber,
		Column: d.ColumnNumber,
	}
	if d.Exception != nil && d.Exception.Description != "" {
		// V8 puts "Error: message\n    at ..." in the description
		desc := d.Exception.Description
		if i := strings.IndexByte(desc, '\n'); i >= 0 {
			e.Text = strings.TrimSpace(desc[:i])
			e.Stack = strings.TrimSpace(desc[i+1:])
		} else {
			e.Text = desc
		}
	}
	if e.Stack == "" && d.StackTrace != nil {
		var b strings.Builder
		for _, f := range d.StackTrace.CallFrames {
			name := f.FunctionName
			if name == "" {
				name = "<anonymous>"
			}
			fmt.Fprintf(&b, "at %s (%s:%d:%d)\n", name, f.URL, f.LineNumber+1, f.ColumnNumber+1)
		}
		e.Stack = strings.TrimSpace(b.String())
	}
	return e
}

// --- Browser & Page Info ---

// TargetInfo contains information about a browser target (tab/page).
type TargetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// --- Input ---

// TypeOptions configures Type.
type TypeOptions struct {
	// ClearFirst empties the element's current value before inserting text.
	ClearFirst bool
}

var keyCodeMap = map[string]int64{
	"Enter":     13,
	"Tab":       9,
	"Escape":    27,
	"Backspace": 8,
}
