// Package testutil provides shared helpers for tests that run the CLI or
// the fake agent backend.
package testutil

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// FindProjectRoot finds the project root by looking for go.mod
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (go.mod)")
		}
		dir = parent
	}
}

// ScenarioDir returns the directory of the fake backend's scenario files.
func ScenarioDir() (string, error) {
	root, err := FindProjectRoot()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, "tests", "fixtures", "scenarios")
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("scenario directory not found at %s", dir)
	}
	return dir, nil
}

// CreateTestDir creates a data directory holding an empty rc file, so the
// CLI never reads the user's own configuration.
func CreateTestDir(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".agentchatrc"), nil, 0o644); err != nil {
		t.Fatalf("failed to write rc file: %v", err)
	}
	return dir
}

// TestEnv points the CLI at testDir for the rest of the test.
func TestEnv(t testing.TB, testDir string) {
	t.Helper()
	t.Setenv("AGENTCHAT_DIR", testDir)
	t.Setenv("AGENTCHATRC", filepath.Join(testDir, ".agentchatrc"))
}

// WaitForServer waits for an HTTP server to answer with a status below 500.
func WaitForServer(url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for server at %s", url)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
