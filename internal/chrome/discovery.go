package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// discoveryPollInterval is how often /json/list is retried while no page
// target is available.
const discoveryPollInterval = 100 * time.Millisecond

// ListTargets fetches the debuggable targets advertised by the browser at
// host:port.
func ListTargets(ctx context.Context, httpClient *http.Client, host string, port int) ([]TargetInfo, error) {
	url := fmt.Sprintf("http://%s/json/list", net.JoinHostPort(host, strconv.Itoa(port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser not reachable at %s: %w", net.JoinHostPort(host, strconv.Itoa(port)), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var targets []TargetInfo
	if err := json.Unmarshal(body, &targets); err != nil {
		return nil, fmt.Errorf("parsing target list: %w", err)
	}
	return targets, nil
}

// discoverTarget polls the debugging endpoint until a page target with a
// WebSocket URL appears or DiscoveryTimeout elapses.
func discoverTarget(ctx context.Context, opts Options) (*TargetInfo, error) {
	endpoint := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	log := opts.Logger.Named("discovery")

	ctx, cancel := context.WithTimeout(ctx, opts.DiscoveryTimeout)
	defer cancel()

	ticker := time.NewTicker(discoveryPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		targets, err := ListTargets(ctx, opts.HTTPClient, opts.Host, opts.Port)
		if err != nil {
			// A poll cut short by the deadline says nothing about the browser.
			if ctx.Err() == nil {
				lastErr = err
			}
		} else {
			for i := range targets {
				if targets[i].Type == "page" && targets[i].WebSocketDebuggerURL != "" {
					log.Debug("found page target",
						zap.String("id", targets[i].ID),
						zap.String("url", targets[i].URL))
					return &targets[i], nil
				}
			}
			lastErr = nil
		}

		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = fmt.Errorf("no page target within %s", opts.DiscoveryTimeout)
			}
			return nil, &ConnectionError{Endpoint: endpoint, Err: lastErr}
		case <-ticker.C:
		}
	}
}
