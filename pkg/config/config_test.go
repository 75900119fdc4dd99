package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8402", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 600, cfg.Limits.RPM)
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settld.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  read_timeout: 5s
storage:
  backend: redis
  redis_addr: "localhost:6379"
ops:
  token_issuer: "settld-test"
federation:
  coordinator_id: "coord_alpha"
  peers:
    coord_beta: "https://beta.settld.example"
`), 0o600))

	t.Setenv("SETTLD_OPS_TOKEN_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "coord_alpha", cfg.Federation.CoordinatorID)
	assert.Equal(t, map[string]string{"coord_beta": "https://beta.settld.example"}, cfg.Federation.Peers)
	assert.Equal(t, "from-env", cfg.Ops.TokenSecret)
	// Absent sections keep their defaults.
	assert.Equal(t, 16, cfg.Limits.MaxConcurrent)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "sql"
	err := cfg.Validate()
	require.Error(t, err)

	cfg.Storage.DatabaseURL = "postgres://settld@localhost:5432/settld"
	require.NoError(t, cfg.Validate())

	cfg.Storage.Backend = "etcd"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Observability.SampleRate = 2.0
	assert.Error(t, cfg.Validate())
}
