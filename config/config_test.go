package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[Sync]
source = /data/local
destination = /data/peer

[Connection]
host = sync.example.org
port = 50007

[KeyAuth]
hostkey = /keys/server_rsa_key.pub
userkey = /keys/user_rsa_key

[Logging]
logfile = /var/log/migbox.log
loglevel = DEBUG

[Mount]
mountpath = /mnt/migbox
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migbox.cfg")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/local", cfg.Sync.Source)
	assert.Equal(t, "/data/peer", cfg.Sync.Destination)
	assert.Equal(t, "sync.example.org", cfg.Connection.Host)
	assert.Equal(t, 50007, cfg.Connection.Port)
	assert.Equal(t, "/keys/server_rsa_key.pub", cfg.KeyAuth.Hostkey)
	assert.Equal(t, "/keys/user_rsa_key", cfg.KeyAuth.Userkey)
	assert.Equal(t, "/var/log/migbox.log", cfg.Logging.Logfile)
	assert.True(t, cfg.LogLevelDebug())
	assert.Equal(t, "/mnt/migbox", cfg.Mount.Mountpath)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.cfg"))
	require.NoError(t, err)
	assert.Equal(t, 50007, cfg.Connection.Port)
	assert.Equal(t, "INFO", cfg.Logging.Loglevel)
	assert.False(t, cfg.LogLevelDebug())
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cfg")
	require.NoError(t, os.WriteFile(path, []byte("[Sync\nsource"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateLocal(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateLocal())

	cfg.Sync.Source = t.TempDir()
	cfg.Sync.Destination = t.TempDir()
	assert.NoError(t, cfg.ValidateLocal())

	cfg.Sync.Destination = filepath.Join(cfg.Sync.Source, "missing")
	assert.Error(t, cfg.ValidateLocal())
}

func TestValidateRemote(t *testing.T) {
	dir := t.TempDir()
	hostkey := filepath.Join(dir, "host.pub")
	userkey := filepath.Join(dir, "user")
	require.NoError(t, os.WriteFile(hostkey, []byte("k"), 0o600))
	require.NoError(t, os.WriteFile(userkey, []byte("k"), 0o600))

	cfg := Default()
	cfg.Sync.Source = dir
	cfg.Connection.Host = "example.org"
	cfg.KeyAuth.Hostkey = hostkey
	cfg.KeyAuth.Userkey = userkey
	assert.NoError(t, cfg.ValidateRemote())

	cfg.Connection.Port = 0
	assert.Error(t, cfg.ValidateRemote())
	cfg.Connection.Port = 50007

	cfg.KeyAuth.Userkey = filepath.Join(dir, "missing")
	assert.Error(t, cfg.ValidateRemote())
}

func TestHomeFallsBackToWorkingDirectory(t *testing.T) {
	t.Setenv(HomeEnv, "")
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, Home())

	t.Setenv(HomeEnv, "/opt/migbox")
	assert.Equal(t, "/opt/migbox", Home())
	assert.Equal(t, filepath.Join("/opt/migbox", "config", "migbox.cfg"), DefaultPath())
}
