package mysql_test

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/patchplacebreak/ppb-server/internal/config"
	"github.com/patchplacebreak/ppb-server/internal/logger"
	"github.com/patchplacebreak/ppb-server/internal/store"
	"github.com/patchplacebreak/ppb-server/internal/store/mysql"
	"github.com/patchplacebreak/ppb-server/internal/store/storetest"
)

// testConfig reads PPB_TEST_MYSQL_DSN (driver DSN format, e.g.
// "root:secret@tcp(127.0.0.1:3306)/ppb_test") and gives every test its own table.
func testConfig(t *testing.T) config.DataSourceConfig {
	t.Helper()
	dsn := os.Getenv("PPB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("PPB_TEST_MYSQL_DSN not set")
	}
	parsed, err := gomysql.ParseDSN(dsn)
	require.NoError(t, err)

	host, portStr, err := net.SplitHostPort(parsed.Addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.Default().DataSource
	cfg.Type = config.DataSourceMySQL
	cfg.Table = "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	cfg.DBMSServer.Host = config.HostConfig{Hostname: host, Port: port}
	cfg.DBMSServer.Credentials = config.CredentialsConfig{Username: parsed.User, Password: parsed.Passwd}
	cfg.DBMSServer.Database = parsed.DBName
	cfg.ConnectionPool.ConnectionTimeout = 10 * time.Second
	return cfg
}

func newStore(t *testing.T) storetest.Store {
	t.Helper()
	return openStore(t, testConfig(t))
}

func openStore(t *testing.T, cfg config.DataSourceConfig) *mysql.Store {
	t.Helper()
	ctx := context.Background()
	s := mysql.New(cfg, logger.Discard().Logger)
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, store.InitializeSchema(ctx, s, logger.Discard().Logger))
	t.Cleanup(func() {
		_ = s.Exec(ctx, "DROP TABLE IF EXISTS "+s.Table())
		s.Disconnect()
	})
	return s
}

func TestStore_Contract(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestStore_Lifecycle(t *testing.T) {
	storetest.RunLifecycle(t, func(t *testing.T) storetest.Store {
		return mysql.New(testConfig(t), nil)
	})
}

func TestSchema_TableExists(t *testing.T) {
	ctx := context.Background()
	s := newStore(t).(*mysql.Store)

	exists, err := s.DatabaseExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.TableExists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_SurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	storetest.RunRestart(t, func(t *testing.T) storetest.Store {
		return openStore(t, cfg)
	})
}

func TestStore_ConcurrentPutsDoNotDeadlock(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.ConnectionPool.PoolSize = 16
	s := openStore(t, cfg)

	const writers, perWriter = 16, 25
	g, gctx := errgroup.WithContext(ctx)
	for w := range writers {
		g.Go(func() error {
			for i := range perWriter {
				// Neighbouring, absent locations share index gaps.
				if err := s.Put(gctx, storetest.NewTag("world", i*writers+w, 64, 0, false)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	count := 0
	for _, err := range s.All(ctx) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, writers*perWriter, count)
}

func TestDSN_TLS(t *testing.T) {
	cfg := config.Default().DataSource
	cfg.DBMSServer.Host = config.HostConfig{Hostname: "db.example", Port: 3306, SSLEnabled: true}

	parsed, err := gomysql.ParseDSN(mysql.DSN(cfg))
	require.NoError(t, err)
	assert.Equal(t, "true", parsed.TLSConfig)

	cfg.DBMSServer.Host.SSLEnabled = false
	parsed, err = gomysql.ParseDSN(mysql.DSN(cfg))
	require.NoError(t, err)
	assert.Equal(t, "false", parsed.TLSConfig)
}

func TestDSN(t *testing.T) {
	cfg := config.Default().DataSource
	cfg.DBMSServer.Host = config.HostConfig{Hostname: "db.example", Port: 3307, SSLEnabled: false}
	cfg.DBMSServer.Credentials = config.CredentialsConfig{Username: "ppb", Password: "p@ss:word"}

	parsed, err := gomysql.ParseDSN(mysql.DSN(cfg))
	require.NoError(t, err)

	assert.Equal(t, "db.example:3307", parsed.Addr)
	assert.Equal(t, "ppb", parsed.User)
	assert.Equal(t, "p@ss:word", parsed.Passwd)
	assert.Empty(t, parsed.DBName)
	assert.Equal(t, time.UTC, parsed.Loc)
}
