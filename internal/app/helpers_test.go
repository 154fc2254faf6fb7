package app

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/stagegrid/internal/testutil"
)

// setupAppTest creates an App with debug logging into a buffer and a
// temporary state directory unless cfg names one.
func setupAppTest(t *testing.T, cfg Config, opts ...Option) (*App, *testutil.SafeBuffer) {
	t.Helper()

	if cfg.StateDir == "" {
		cfg.StateDir = t.TempDir()
	}
	cfg.LogLevel = "debug"
	appConfig, err := NewConfig(cfg)
	require.NoError(t, err)

	logBuffer := &testutil.SafeBuffer{}
	testApp := NewApp(logBuffer, appConfig, opts...)

	t.Cleanup(func() {
		if os.Getenv("STAGEGRID_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
		}
	})
	return testApp, logBuffer
}
