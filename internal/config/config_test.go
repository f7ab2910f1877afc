package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadLayeredOverride(t *testing.T) {
	dir := t.TempDir()
	system := filepath.Join(dir, "system.yaml")
	user := filepath.Join(dir, "user.yaml")

	require.NoError(t, os.WriteFile(system, []byte(`
default:
  poll_interval: 5s
resource:
  cluster:
    type: slurm
    enabled: true
    max_cores: 64
`), 0o644))

	require.NoError(t, os.WriteFile(user, []byte(`
resource:
  cluster:
    max_cores: 128
  workstation:
    type: shellcmd
    enabled: true
    max_cores: 4
auth:
  cluster-login:
    type: ssh
    username: alice
    port: 2222
`), 0o644))

	cfg, err := Load(system, user)
	require.NoError(t, err)

	require.Equal(t, "slurm", cfg.Resource["cluster"].Type)
	require.Equal(t, 128, cfg.Resource["cluster"].MaxCores)
	require.Equal(t, "shellcmd", cfg.Resource["workstation"].Type)

	require.Equal(t, AuthSSH, cfg.Auth["cluster-login"].Type)
	require.Equal(t, "alice", cfg.Auth["cluster-login"].Username)
	require.Equal(t, 2222, cfg.Auth["cluster-login"].Port)
}

func TestAuthConfigResolveEC2Fallback(t *testing.T) {
	t.Setenv("EC2_ACCESS_KEY", "env-access")
	t.Setenv("EC2_SECRET_KEY", "env-secret")

	a := AuthConfig{Type: AuthEC2}
	resolved := a.Resolve()
	require.Equal(t, "env-access", resolved.AccessKey)
	require.Equal(t, "env-secret", resolved.SecretKey)

	explicit := AuthConfig{Type: AuthEC2, AccessKey: "explicit"}
	require.Equal(t, "explicit", explicit.Resolve().AccessKey)

	ssh := AuthConfig{Type: AuthSSH}
	require.Equal(t, "", ssh.Resolve().AccessKey)
}

func TestLoadStagingSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
staging:
  s3_endpoint: minio.internal:9000
  s3_access_key: key
  s3_secret_key: secret
  s3_use_ssl: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "minio.internal:9000", cfg.Staging.S3Endpoint)
	require.Equal(t, "key", cfg.Staging.S3AccessKey)
	require.True(t, cfg.Staging.S3UseSSL)
}

func TestLoadMissingFileSkipped(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Resource)
	require.NotNil(t, cfg.Auth)
}
