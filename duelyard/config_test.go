package duelyard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestConfig_Defaults(t *testing.T) {
	c := DefaultConfig()
	must.Eq(t, 4, c.GamesPerContainer)
	must.Eq(t, 45*time.Second, c.HeartbeatTTL)
	must.Eq(t, 600*time.Second, c.RecoveryInterval)
	must.Eq(t, 300*time.Second, c.RetryInterval)
	must.Eq(t, 1800*time.Second, c.SimStaleAfter)
	must.Eq(t, 3, c.MaxRetries)
}

func TestConfig_LoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duelyard.env")
	content := `# deployment overrides
MAX_RETRIES=5
SIM_MAX=200
T_SIM_STALE_SEC=900
HEARTBEAT_TTL_SEC=30
WORKER_SHARED_SECRET=hunter2
STATE_PATH=/var/lib/duelyard/state.db
`
	must.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c := DefaultConfig()
	must.NoError(t, c.LoadEnvFile(path))

	must.Eq(t, 5, c.MaxRetries)
	must.Eq(t, 200, c.SimMax)
	must.Eq(t, 900*time.Second, c.SimStaleAfter)
	must.Eq(t, 30*time.Second, c.HeartbeatTTL)
	must.Eq(t, "hunter2", c.WorkerSharedSecret)
	must.Eq(t, "/var/lib/duelyard/state.db", c.StatePath)

	// Untouched values keep their defaults.
	must.Eq(t, 300*time.Second, c.RetryInterval)
}

func TestConfig_LoadEnvFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "duelyard.env")
	must.NoError(t, os.WriteFile(path, []byte("MAX_RETRIES=lots\n"), 0o600))

	c := DefaultConfig()
	must.Error(t, c.LoadEnvFile(path))

	must.Error(t, c.LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
