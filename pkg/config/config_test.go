package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, RepositoryPostgres, cfg.Repository)
	assert.Equal(t, []string{"SHA-256", "SHA-1", "MD5"}, cfg.Evidence.HashAlgorithms)
	assert.Equal(t, 15*time.Minute, cfg.Evidence.SignedURLTTL)
	assert.Equal(t, 2, cfg.Exports.WorkerConcurrency)
	assert.Equal(t, "audit:evidence", cfg.Audit.StreamKey)
}

func TestLoadFromEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("REPOSITORY_DRIVER", "MEMORY")
	t.Setenv("HASH_ALGORITHMS", "SHA-256, BLAKE3 ,")
	t.Setenv("EVIDENCE_SIGNED_URL_TTL", "not-a-duration")
	t.Setenv("PACKAGE_AGE_RECIPIENTS", "age1abc,age1def")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, RepositoryMemory, cfg.Repository)
	assert.Equal(t, []string{"SHA-256", "BLAKE3"}, cfg.Evidence.HashAlgorithms)
	assert.Equal(t, 15*time.Minute, cfg.Evidence.SignedURLTTL)
	assert.Len(t, cfg.Packages.AgeRecipients, 2)
}

// chdir changes the working directory for the duration of the test
// (equivalent to testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
