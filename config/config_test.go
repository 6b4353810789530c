package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := load(viper.New(), ".")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ServerPort)
	assert.Equal(t, "memory", cfg.Snapshot.Backend)
	assert.Equal(t, 60*time.Minute, cfg.Exam.Duration)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "kz", cfg.DefaultLocale)
	assert.Equal(t, 5*time.Minute, cfg.JWT.IdentityTTL)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, 3*time.Hour, cfg.Session.ActiveTTL)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	yaml := []byte("BACKEND_URL: http://upstream:9000\nSNAPSHOT:\n  BACKEND: file\n  DIR: /var/lib/examprep\nEXAM:\n  DURATION: 90m\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("EXAMPREP_SECRET_LOCAL_TOKEN", "s3cret")
	t.Setenv("EXAMPREP_SNAPSHOT_BACKEND", "sqlite")

	cfg, err := load(viper.New(), dir)
	require.NoError(t, err)
	assert.Equal(t, "http://upstream:9000", cfg.BackendURL)
	assert.Equal(t, "s3cret", cfg.SecretLocalToken)
	assert.Equal(t, "sqlite", cfg.Snapshot.Backend)
	assert.Equal(t, "/var/lib/examprep", cfg.Snapshot.Dir)
	assert.Equal(t, 90*time.Minute, cfg.Exam.Duration)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := Config{BackendURL: "http://x", DefaultLocale: "kz", Exam: ExamConfig{Duration: time.Minute}, Snapshot: SnapshotConfig{Backend: "etcd"}}
	require.ErrorContains(t, cfg.Validate(), "unknown snapshot backend")

	cfg.Snapshot.Backend = "redis"
	cfg.DefaultLocale = "en"
	require.ErrorContains(t, cfg.Validate(), "unsupported default locale")
}

func TestValidateSessionEviction(t *testing.T) {
	cfg := Config{BackendURL: "http://x", DefaultLocale: "kz", Exam: ExamConfig{Duration: time.Minute}, Snapshot: SnapshotConfig{Backend: "memory"},
		Session: SessionConfig{IdleTTL: time.Hour, ActiveTTL: time.Minute, SweepInterval: time.Minute}}
	require.ErrorContains(t, cfg.Validate(), "shorter than idle ttl")

	cfg.Session.ActiveTTL = 2 * time.Hour
	require.NoError(t, cfg.Validate())
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
