package serp

import (
	"errors"
	"time"
)

// ErrExtractionEmpty means the page was reachable but no strategy found any
// usable result.
var ErrExtractionEmpty = errors.New("no results extracted")

// TimestampFormat is ISO-8601 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// SearchResult is one organic result.
type SearchResult struct {
	Position int    `json:"position"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Snippet  string `json:"snippet"`
}

// Output is the payload printed by the CLI.
type Output struct {
	Query        string         `json:"query"`
	Timestamp    string         `json:"timestamp"`
	ResultsCount int            `json:"resultsCount"`
	Results      []SearchResult `json:"results"`
}

// NewOutput builds the payload for results extracted at now.
func NewOutput(query string, results []SearchResult, now time.Time) *Output {
	if results == nil {
		results = []SearchResult{}
	}
	return &Output{
		Query:        query,
		Timestamp:    now.UTC().Format(TimestampFormat),
		ResultsCount: len(results),
		Results:      results,
	}
}
