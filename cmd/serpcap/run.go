package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tomyan/serpcap/internal/config"
	"github.com/tomyan/serpcap/internal/logging"
	"github.com/tomyan/serpcap/internal/serp"
)

// flagKeys maps flag names onto config keys.
var flagKeys = map[string]string{
	"host":       "browser.host",
	"port":       "browser.port",
	"ws-url":     "browser.ws_url",
	"timeout":    "search.timeout",
	"mode":       "search.mode",
	"screenshot": "output.screenshot",
	"log-level":  "logger.level",
	"log-format": "logger.format",
}

func newRunCmd(global *globalOptions, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <query> [maxResults]",
		Short: "Search for query and print the results as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, global, args, stdout, stderr)
		},
	}

	f := cmd.Flags()
	f.String("host", "", "Chrome debug host (env: SERPCAP_BROWSER_HOST)")
	f.Int("port", 0, "Chrome debug port (env: SERPCAP_BROWSER_PORT)")
	f.String("ws-url", "", "page WebSocket URL, skips target discovery")
	f.Duration("timeout", 0, "overall run timeout, e.g. 60s")
	f.String("mode", "", "how to reach the results: url or searchbox")
	f.String("screenshot", "", "write a PNG of the result page to this path")
	return cmd
}

// bindFlags lets explicitly set flags override every other source.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

func runSearch(cmd *cobra.Command, global *globalOptions, args []string, stdout, stderr io.Writer) error {
	v, err := config.New(global.configPath)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	query := args[0]
	maxResults := cfg.Search.MaxResults
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("maxResults must be a positive integer, got %q", args[1])
		}
		maxResults = n
	}

	log, err := logging.New(cfg.Logger, zapcore.AddSync(stderr))
	if err != nil {
		return err
	}
	defer log.Sync()
	log = log.With(zap.String("run_id", uuid.NewString()))

	log.Info("starting search",
		zap.String("query", query),
		zap.Int("max_results", maxResults),
		zap.String("mode", cfg.Search.Mode),
		zap.Duration("timeout", cfg.Search.Timeout),
	)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Search.Timeout)
	defer cancel()

	chromeOpts := cfg.ChromeOptions()
	chromeOpts.Logger = log.Named("chrome")
	extractOpts := cfg.ExtractorOptions()
	extractOpts.Logger = log.Named("serp")

	out, err := serp.New(serp.ChromeDialer(chromeOpts), extractOpts).Run(ctx, query, maxResults)
	if err != nil {
		log.Error("search failed", zap.Error(err))
		return reportedError{err}
	}

	if err := writeOutput(stdout, out, cfg.Output.Indent); err != nil {
		log.Error("writing output", zap.Error(err))
		return reportedError{err}
	}
	log.Info("search complete", zap.Int("results", out.ResultsCount))
	return nil
}
