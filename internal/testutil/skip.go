package testutil

import (
	"os"
	"testing"
)

// SkipIfNoNetwork skips the test if FLEET_TEST_SKIP_NETWORK is set.
// Use this for tests that bind loopback listeners, which may not be
// available in sandboxed environments.
func SkipIfNoNetwork(t *testing.T) {
	t.Helper()
	if os.Getenv("FLEET_TEST_SKIP_NETWORK") != "" {
		t.Skip("skipping network test: FLEET_TEST_SKIP_NETWORK is set")
	}
}
