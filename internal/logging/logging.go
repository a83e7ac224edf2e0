// Package logging builds the zap loggers used by serpcap.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Log formats.
const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config selects level and encoding.
type Config struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	colorRed    = "\x1b[31m"
	colorYellow = "\x1b[33m"
	colorBlue   = "\x1b[34m"
	colorCyan   = "\x1b[36m"
	colorReset  = "\x1b[0m"
)

// Validate checks that level and format are known.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("logger.level: %w", err)
	}
	switch strings.ToLower(c.Format) {
	case "", FormatAuto, FormatConsole, FormatJSON:
		return nil
	}
	return fmt.Errorf("logger.format must be %q, %q or %q, got %q", FormatAuto, FormatConsole, FormatJSON, c.Format)
}

// New returns a logger writing to w. In auto format, w gets colorized
// console output when it is a terminal and JSON otherwise.
func New(cfg Config, w zapcore.WriteSyncer) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := zapcore.ParseLevel(cfg.Level)

	tty := IsTerminal(w)
	format := strings.ToLower(cfg.Format)
	if format == "" || format == FormatAuto {
		format = FormatJSON
		if tty {
			format = FormatConsole
		}
	}

	core := zapcore.NewCore(encoder(format, tty), w, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddStacktrace(zap.ErrorLevel)), nil
}

func encoder(format string, color bool) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	if format == FormatConsole {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
		if color {
			ec.EncodeLevel = colorLevelEncoder
		}
		return zapcore.NewConsoleEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

func colorLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var color string
	switch level {
	case zapcore.DebugLevel:
		color = colorCyan
	case zapcore.InfoLevel:
		color = colorBlue
	case zapcore.WarnLevel:
		color = colorYellow
	default:
		color = colorRed
	}
	enc.AppendString(color + level.CapitalString() + colorReset)
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
