package serp

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// Engine describes how to reach a search engine's result page.
type Engine struct {
	// BaseURL is the results endpoint, e.g. https://www.google.com/search.
	BaseURL string `mapstructure:"base_url"`
	// QueryParam carries the query.
	QueryParam string `mapstructure:"query_param"`
	// CountParam, when set, requests this many results per page.
	CountParam string `mapstructure:"count_param"`
	// Params are added to every search URL.
	Params map[string]string `mapstructure:"params"`

	// HomeURL is opened in search-box mode.
	HomeURL string `mapstructure:"home_url"`
	// SearchInputs are tried in order to find the search box.
	SearchInputs []string `mapstructure:"search_inputs"`

	// InternalDomains are treated as the engine's own site in addition to
	// the result page's host.
	InternalDomains []string `mapstructure:"internal_domains"`
}

// DefaultEngine targets Google web search.
func DefaultEngine() Engine {
	return Engine{
		BaseURL:    "https://www.google.com/search",
		QueryParam: "q",
		CountParam: "num",
		Params:     map[string]string{"hl": "en"},
		HomeURL:    "https://www.google.com/",
		SearchInputs: []string{
			`textarea[name="q"]`,
			`input[name="q"]`,
			`input[type="search"]`,
		},
		InternalDomains: []string{
			"google.com",
			"googleusercontent.com",
			"gstatic.com",
			"googleadservices.com",
		},
	}
}

// SearchURL builds the result page URL for query asking for count results.
func (e Engine) SearchURL(query string, count int) (string, error) {
	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing engine base URL: %w", err)
	}
	if !isHTTP(u) {
		return "", fmt.Errorf("engine base URL %q is not an absolute http(s) URL", e.BaseURL)
	}
	if e.QueryParam == "" {
		return "", fmt.Errorf("engine has no query parameter")
	}

	q := u.Query()
	keys := make([]string, 0, len(e.Params))
	for k := range e.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, e.Params[k])
	}
	q.Set(e.QueryParam, query)
	if e.CountParam != "" && count > 0 {
		q.Set(e.CountParam, strconv.Itoa(count))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
