package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchplacebreak/ppb-server/internal/domain"
	domainerrors "github.com/patchplacebreak/ppb-server/internal/errors"
	"github.com/patchplacebreak/ppb-server/internal/logger"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Normalize())

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DataSourceSQLite, cfg.DataSource.Type)
	assert.Equal(t, "patch_place_break_tag", cfg.DataSource.Table)
	assert.Equal(t, 3306, cfg.DataSource.DBMSServer.Host.Port)
	assert.True(t, cfg.DataSource.DBMSServer.Host.SSLEnabled)
	assert.Equal(t, "database", cfg.DataSource.DBMSServer.Database)
	assert.Equal(t, 3*time.Second, cfg.Service.EphemeralTagDuration)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "config.yml", `
log_level: warn
data_dir: `+dir+`
data_source:
  type: mysql
  table: tags_from_file
  dbms_server:
    host:
      hostname: db.internal
      port: 3307
  connection_pool:
    connection_timeout: 5s
    pool_size: 4
restricted_blocks:
  materials: [stone, "diamond block"]
  restriction_mode: blacklist
`)
	t.Setenv("PPB_DATA_SOURCE_TABLE", "tags_from_env")
	t.Setenv("PPB_LOG_LEVEL", "debug")

	cfg, err := Load([]string{"-config", file, "-env-file", filepath.Join(dir, "missing.env"), "-log-level", "error"})
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.LogLevel, "flag beats env")
	assert.Equal(t, "tags_from_env", cfg.DataSource.Table, "env beats file")
	assert.Equal(t, DataSourceMySQL, cfg.DataSource.Type, "file value normalized")
	assert.Equal(t, "db.internal", cfg.DataSource.DBMSServer.Host.Hostname)
	assert.Equal(t, 3307, cfg.DataSource.DBMSServer.Host.Port)
	assert.True(t, cfg.DataSource.DBMSServer.Host.SSLEnabled, "unset file value keeps default")
	assert.Equal(t, 5*time.Second, cfg.DataSource.ConnectionPool.ConnectionTimeout)
	assert.Equal(t, []string{"STONE", "DIAMOND_BLOCK"}, cfg.RestrictedBlocks.Materials)
	assert.True(t, cfg.Restrictions().IsRestricted("STONE"))
	assert.Equal(t, domain.RestrictionBlacklist, cfg.Restrictions().Mode())
	assert.Equal(t, file, cfg.File)
}

func TestLoad_MissingDefaultFileIsFine(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load([]string{"-data-source", "IN_MEMORY"})
	require.NoError(t, err)

	assert.Equal(t, DataSourceInMemory, cfg.DataSource.Type)
	assert.Empty(t, cfg.File)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load([]string{"-config", filepath.Join(t.TempDir(), "nope.yml")})
	assert.Error(t, err)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	envFile := writeFile(t, dir, "test.env", "# comment\nPPB_SERVICE_WORKERS=3\nPPB_RESTRICTED_BLOCKS_MATERIALS='sand,gravel'\n")
	t.Cleanup(func() {
		os.Unsetenv("PPB_SERVICE_WORKERS")
		os.Unsetenv("PPB_RESTRICTED_BLOCKS_MATERIALS")
	})

	cfg, err := Load([]string{"-env-file", envFile})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Service.Workers)
	assert.Equal(t, []string{"SAND", "GRAVEL"}, cfg.RestrictedBlocks.Materials)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown type", func(c *Config) { c.DataSource.Type = "MONGO" }},
		{"port zero", func(c *Config) { c.DataSource.DBMSServer.Host.Port = 0 }},
		{"port too large", func(c *Config) { c.DataSource.DBMSServer.Host.Port = 70000 }},
		{"bad table", func(c *Config) { c.DataSource.Table = "drop table;" }},
		{"pool size zero", func(c *Config) { c.DataSource.ConnectionPool.PoolSize = 0 }},
		{"zero timeout", func(c *Config) { c.DataSource.ConnectionPool.ConnectionTimeout = 0 }},
		{"bad mode", func(c *Config) { c.RestrictedBlocks.Mode = "SOMETIMES" }},
		{"bad environment", func(c *Config) { c.Environment = "test" }},
		{"bad listen", func(c *Config) { c.Server.Listen = "nowhere" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, domainerrors.ErrValidation)
		})
	}
}

func TestConfig_URL(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/srv/ppb"

	assert.Equal(t, "sqlite:/srv/ppb/sqlite-data.db", cfg.URL())

	cfg.DataSource.Type = DataSourceMySQL
	assert.Equal(t, "mysql://localhost:3306/database?serverTimezone=UTC&useSSL=true", cfg.URL())

	cfg.DataSource.SQLite.File = "/abs/tags.db"
	cfg.DataSource.Type = DataSourceSQLite
	assert.Equal(t, "sqlite:/abs/tags.db", cfg.URL())
}

func TestDataSourceType_Durable(t *testing.T) {
	assert.False(t, DataSourceInMemory.Durable())
	assert.True(t, DataSourceSQLite.Durable())
	assert.True(t, DataSourceRedis.Durable())
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "config.yml", "data_dir: "+dir+"\nrestricted_blocks:\n  restriction_mode: DISABLED\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, file, logger.Discard().Logger, func(c *Config) {
			select {
			case changes <- c:
			default:
			}
		})
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.yml", "data_dir: "+dir+"\nrestricted_blocks:\n  materials: [tnt]\n  restriction_mode: BLACKLIST\n")

	select {
	case c := <-changes:
		assert.True(t, c.Restrictions().IsRestricted("TNT"))
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	assert.NoError(t, <-done)
}
