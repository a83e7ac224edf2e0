// Command serpcap drives a running Chrome through a search engine result
// page and prints the organic results as JSON.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// reportedError has already been written to the log.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(stderr, "error: %v\n", err)
		}
		return ExitError
	}
	return ExitSuccess
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts globalOptions

	root := &cobra.Command{
		Use:           "serpcap",
		Short:         "Extract search engine results through the Chrome DevTools Protocol",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stderr)
	root.SetErr(stderr)
	root.SetVersionTemplate("{{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file (default .serpcap.yaml in the working or home directory)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: auto, console, json")

	root.AddCommand(newRunCmd(&opts, stdout, stderr))
	return root
}

// globalOptions are the persistent flags that are not config keys.
type globalOptions struct {
	configPath string
}
