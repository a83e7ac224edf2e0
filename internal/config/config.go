// Package config loads serpcap settings from defaults, an optional YAML file,
// SERPCAP_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tomyan/serpcap/internal/chrome"
	"github.com/tomyan/serpcap/internal/logging"
	"github.com/tomyan/serpcap/internal/serp"
)

// EnvPrefix prefixes every environment variable, e.g. SERPCAP_BROWSER_PORT.
const EnvPrefix = "SERPCAP"

// FileName is the config file looked up in the working directory, then the
// home directory, when no explicit path is given.
const FileName = ".serpcap"

// Config is the complete serpcap configuration.
type Config struct {
	Browser BrowserConfig  `mapstructure:"browser"`
	Search  SearchConfig   `mapstructure:"search"`
	Logger  logging.Config `mapstructure:"logger"`
	Output  OutputConfig   `mapstructure:"output"`
}

// BrowserConfig locates the debuggable browser and paces the session.
type BrowserConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	WebSocketURL       string        `mapstructure:"ws_url"`
	DiscoveryTimeout   time.Duration `mapstructure:"discovery_timeout"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout"`
	MinCommandInterval time.Duration `mapstructure:"min_command_interval"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
}

// SearchConfig drives the extractor.
type SearchConfig struct {
	MaxResults int    `mapstructure:"max_results"`
	Mode       string `mapstructure:"mode"`
	// Timeout bounds a whole run.
	Timeout        time.Duration `mapstructure:"timeout"`
	LoadTimeout    time.Duration `mapstructure:"load_timeout"`
	ConsentTimeout time.Duration `mapstructure:"consent_timeout"`
	ResultsTimeout time.Duration `mapstructure:"results_timeout"`

	Engine           serp.Engine            `mapstructure:"engine"`
	Consent          []serp.ConsentStrategy `mapstructure:"consent"`
	ResultsSelectors []string               `mapstructure:"results_selectors"`
	SelectorSets     []serp.SelectorSet     `mapstructure:"selector_sets"`
	BlockedText      []string               `mapstructure:"blocked_text"`
	MinTitle         int                    `mapstructure:"min_title"`
	MaxTitle         int                    `mapstructure:"max_title"`
}

// OutputConfig controls what a run writes besides the log.
type OutputConfig struct {
	Screenshot string `mapstructure:"screenshot"`
	Indent     bool   `mapstructure:"indent"`
}

// SetDefaults registers the default of every scalar key. Registering a key
// is also what lets AutomaticEnv find its variable during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("browser.host", chrome.DefaultHost)
	v.SetDefault("browser.port", chrome.DefaultPort)
	v.SetDefault("browser.ws_url", "")
	v.SetDefault("browser.discovery_timeout", chrome.DefaultDiscoveryTimeout)
	v.SetDefault("browser.command_timeout", chrome.DefaultCommandTimeout)
	v.SetDefault("browser.min_command_interval", "0s")
	v.SetDefault("browser.poll_interval", chrome.DefaultPollInterval)

	v.SetDefault("search.max_results", 10)
	v.SetDefault("search.mode", string(serp.ModeURL))
	v.SetDefault("search.timeout", "60s")
	v.SetDefault("search.load_timeout", serp.DefaultLoadTimeout)
	v.SetDefault("search.consent_timeout", serp.DefaultConsentTimeout)
	v.SetDefault("search.results_timeout", serp.DefaultResultsTimeout)
	v.SetDefault("search.min_title", serp.DefaultMinTitle)
	v.SetDefault("search.max_title", serp.DefaultMaxTitle)

	e := serp.DefaultEngine()
	v.SetDefault("search.engine.base_url", e.BaseURL)
	v.SetDefault("search.engine.query_param", e.QueryParam)
	v.SetDefault("search.engine.count_param", e.CountParam)
	v.SetDefault("search.engine.params", e.Params)
	v.SetDefault("search.engine.home_url", e.HomeURL)
	v.SetDefault("search.engine.search_inputs", e.SearchInputs)
	v.SetDefault("search.engine.internal_domains", e.InternalDomains)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", logging.FormatAuto)

	v.SetDefault("output.screenshot", "")
	v.SetDefault("output.indent", true)
}

// New returns a viper instance with defaults and environment binding in
// place, and the config file read. path selects the file explicitly; when
// empty, .serpcap.yaml is looked up in the working directory and then the
// home directory, and its absence is not an error.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error

	if c.Browser.WebSocketURL == "" {
		if c.Browser.Host == "" {
			errs = append(errs, errors.New("browser.host must not be empty"))
		}
		if c.Browser.Port < 1 || c.Browser.Port > 65535 {
			errs = append(errs, fmt.Errorf("browser.port must be between 1 and 65535, got %d", c.Browser.Port))
		}
	} else if !strings.HasPrefix(c.Browser.WebSocketURL, "ws://") && !strings.HasPrefix(c.Browser.WebSocketURL, "wss://") {
		errs = append(errs, fmt.Errorf("browser.ws_url must be a ws:// or wss:// URL, got %q", c.Browser.WebSocketURL))
	}
	if c.Browser.MinCommandInterval < 0 {
		errs = append(errs, errors.New("browser.min_command_interval must not be negative"))
	}
	errs = append(errs,
		positive("browser.discovery_timeout", c.Browser.DiscoveryTimeout),
		positive("browser.command_timeout", c.Browser.CommandTimeout),
		positive("browser.poll_interval", c.Browser.PollInterval),
		positive("search.timeout", c.Search.Timeout),
		positive("search.load_timeout", c.Search.LoadTimeout),
		positive("search.consent_timeout", c.Search.ConsentTimeout),
		positive("search.results_timeout", c.Search.ResultsTimeout),
	)

	if c.Search.MaxResults <= 0 {
		errs = append(errs, fmt.Errorf("search.max_results must be a positive integer, got %d", c.Search.MaxResults))
	}
	if _, err := serp.ParseMode(c.Search.Mode); err != nil {
		errs = append(errs, fmt.Errorf("search.mode: %w", err))
	}
	if _, err := c.Search.Engine.SearchURL("probe", 1); err != nil {
		errs = append(errs, fmt.Errorf("search.engine: %w", err))
	}
	if c.Search.MinTitle <= 0 || c.Search.MaxTitle <= c.Search.MinTitle {
		errs = append(errs, fmt.Errorf("search.min_title and search.max_title must satisfy 0 < min < max, got %d and %d",
			c.Search.MinTitle, c.Search.MaxTitle))
	}
	for i, s := range c.Search.Consent {
		if err := validConsent(s); err != nil {
			errs = append(errs, fmt.Errorf("search.consent[%d]: %w", i, err))
		}
	}
	for i, s := range c.Search.SelectorSets {
		if s.Container == "" || s.Link == "" {
			errs = append(errs, fmt.Errorf("search.selector_sets[%d]: container and link are required", i))
		}
	}

	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func positive(key string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be a positive duration, got %s", key, d)
	}
	return nil
}

func validConsent(s serp.ConsentStrategy) error {
	switch s.Kind {
	case serp.ConsentSelector:
		if s.Selector == "" {
			return errors.New("selector strategy needs a selector")
		}
	case serp.ConsentText:
		if s.Text == "" {
			return errors.New("text strategy needs a text")
		}
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	return nil
}

// ChromeOptions maps the browser section onto client options.
func (c *Config) ChromeOptions() chrome.Options {
	return chrome.Options{
		Host:               c.Browser.Host,
		Port:               c.Browser.Port,
		WebSocketURL:       c.Browser.WebSocketURL,
		DiscoveryTimeout:   c.Browser.DiscoveryTimeout,
		CommandTimeout:     c.Browser.CommandTimeout,
		MinCommandInterval: c.Browser.MinCommandInterval,
		PollInterval:       c.Browser.PollInterval,
	}
}

// ExtractorOptions maps the search and output sections onto extractor
// options. Empty lists fall back to the extractor's built-in defaults.
func (c *Config) ExtractorOptions() serp.Options {
	mode, _ := serp.ParseMode(c.Search.Mode)
	return serp.Options{
		Engine:           c.Search.Engine,
		Mode:             mode,
		Consent:          nilIfEmpty(c.Search.Consent),
		ConsentTimeout:   c.Search.ConsentTimeout,
		ResultsSelectors: nilIfEmpty(c.Search.ResultsSelectors),
		ResultsTimeout:   c.Search.ResultsTimeout,
		LoadTimeout:      c.Search.LoadTimeout,
		SelectorSets:     nilIfEmpty(c.Search.SelectorSets),
		BlockedText:      nilIfEmpty(c.Search.BlockedText),
		MinTitle:         c.Search.MinTitle,
		MaxTitle:         c.Search.MaxTitle,
		ScreenshotPath:   c.Output.Screenshot,
		PollInterval:     c.Browser.PollInterval,
	}
}

func nilIfEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}
