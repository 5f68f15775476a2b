// Package testutil starts throwaway backing services for integration tests.
// Containers are shared per test binary and skipped under -short.
package testutil

import (
	"testing"
	"time"
)

// startupTimeout is generous because CI hosts pull images cold.
const startupTimeout = 3 * time.Minute

// SkipIfShort skips container-backed tests when running with -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}

func skipOnError(t *testing.T, what string, err error) {
	t.Helper()
	if err != nil {
		t.Skipf("%s container unavailable: %v", what, err)
	}
}
