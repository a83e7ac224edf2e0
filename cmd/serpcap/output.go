package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tomyan/serpcap/internal/serp"
)

// writeOutput encodes out in full before writing, so stdout gets one complete
// payload or nothing.
func writeOutput(w io.Writer, out *serp.Output, indent bool) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
