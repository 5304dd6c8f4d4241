package stor

import (
	"context"
	"testing"
	"time"

	"github.com/materials-commons/filegate/pkg/config"
	"github.com/materials-commons/filegate/pkg/gwdb"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwerr"
	"github.com/materials-commons/filegate/pkg/tutil"
	"github.com/stretchr/testify/require"
)

// Runs against a scratch MySQL database, for example
// FILEGATE_TEST_MYSQL_DSN="filegate:pw@tcp(127.0.0.1:3306)/filegate_test?parseTime=true".
func TestMysqlStors(t *testing.T) {
	dsn := tutil.RequireEnv(t, "FILEGATE_TEST_MYSQL_DSN")[0]

	db, err := gwdb.Open(config.DatabaseConfig{Type: "mysql", DSN: dsn})
	require.NoErrorf(t, err, "Failed opening mysql db: %s", err)
	require.NoError(t, gwdb.RunMigrations(db))

	stors := NewGormStors(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	uri := "filegate://integration/" + now.Format("20060102150405")

	lock := &gwmodel.Lock{URI: uri, Owner: "u1", Token: "T1", Scope: gwmodel.ScopeShared,
		Timeout: 60, CreatedAt: now, Expires: now.Add(time.Minute)}
	require.NoError(t, stors.LockStor.UpsertLock(ctx, lock))

	lock = &gwmodel.Lock{URI: uri, Owner: "u1", Token: "T1", Scope: gwmodel.ScopeExclusive,
		Timeout: 120, CreatedAt: now, Expires: now.Add(2 * time.Minute)}
	require.NoError(t, stors.LockStor.UpsertLock(ctx, lock))

	locks, err := stors.LockStor.ListLocksForURI(ctx, uri, now)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	require.Equal(t, gwmodel.ScopeExclusive, locks[0].Scope)

	require.NoError(t, stors.LockStor.DeleteLock(ctx, uri, "T1"))
	_, err = stors.LockStor.GetLock(ctx, uri, "T1")
	require.True(t, gwerr.Is(err, gwerr.NotFound))
}
