// Package testutil provides a fake CDP browser for unit tests and a headless
// Chrome starter for integration tests.
package testutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"testing"
	"time"
)

// ChromeInstance is a headless Chrome started for a test.
type ChromeInstance struct {
	cmd     *exec.Cmd
	Host    string
	Port    int
	dataDir string
}

// StartChrome starts headless Chrome with remote debugging on a free port.
// The test is skipped in -short mode or when no Chrome binary is installed.
// The browser is stopped when the test finishes.
func StartChrome(t testing.TB) *ChromeInstance {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Chrome integration test in short mode")
	}
	chromePath := FindChrome(os.Getenv("SERPCAP_CHROME_PATH"))
	if chromePath == "" {
		t.Skip("Chrome not found")
	}

	port, err := freePort()
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}

	dataDir, err := os.MkdirTemp("", "serpcap-test-chrome-*")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}

	args := []string{
		"--headless",
		"--disable-gpu",
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-extensions",
		"--disable-background-networking",
		"--disable-sync",
		"--disable-translate",
		"--mute-audio",
		"--no-first-run",
		"--disable-default-apps",
		fmt.Sprintf("--remote-debugging-port=%d", port),
		fmt.Sprintf("--user-data-dir=%s", dataDir),
		"about:blank",
	}

	cmd := exec.Command(chromePath, args...)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		t.Fatalf("starting Chrome: %v", err)
	}

	inst := &ChromeInstance{
		cmd:     cmd,
		Host:    "127.0.0.1",
		Port:    port,
		dataDir: dataDir,
	}
	t.Cleanup(inst.Stop)

	if err := waitForPort(inst.Host, port, 15*time.Second); err != nil {
		t.Fatalf("Chrome failed to start: %v", err)
	}
	return inst
}

// Stop terminates the Chrome instance and removes its profile directory.
func (c *ChromeInstance) Stop() {
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
		c.cmd.Wait()
		c.cmd = nil
	}
	if c.dataDir != "" {
		os.RemoveAll(c.dataDir)
		c.dataDir = ""
	}
}

// FindChrome locates Chrome on the system. If chromePath is non-empty and
// exists, it is returned directly. Otherwise, searches PATH and known install
// locations.
func FindChrome(chromePath string) string {
	if chromePath != "" {
		if _, err := os.Stat(chromePath); err == nil {
			return chromePath
		}
		return ""
	}

	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "linux":
		paths = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
		}
	case "windows":
		paths = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitForPort waits for a TCP port to accept connections.
func waitForPort(host string, port int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %s", addr)
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
			if err == nil {
				conn.Close()
				return nil
			}
		}
	}
}
