// Package tutil holds helpers shared by tests across the gateway packages.
package tutil

import (
	"os"
	"strings"
	"testing"
)

// IsIntegrationTest reports whether FILEGATE_TEST=integration is set. Integration tests
// need external services such as a MySQL server.
func IsIntegrationTest() bool {
	return strings.ToLower(os.Getenv("FILEGATE_TEST")) == "integration"
}

// RequireEnv skips t unless integration tests are enabled and every key is set. The
// values are returned in order.
func RequireEnv(t *testing.T, keys ...string) []string {
	t.Helper()

	if !IsIntegrationTest() {
		t.Skip("set FILEGATE_TEST=integration to run")
	}

	values := make([]string, 0, len(keys))
	for _, key := range keys {
		v := os.Getenv(key)
		if v == "" {
			t.Skipf("%s is not set", key)
		}
		values = append(values, v)
	}

	return values
}
