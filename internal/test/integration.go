package test

import (
	"os"
	"testing"
)

// EnvIntegration enables tests that download and run a real distribution.
const EnvIntegration = "ESCLUSTER_INTEGRATION"

// Integration skips t unless integration tests are enabled.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv(EnvIntegration) == "" {
		t.Skipf("skipping integration test, set %s to run it", EnvIntegration)
	}
}
