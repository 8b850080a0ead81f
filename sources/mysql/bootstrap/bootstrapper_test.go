package bootstrap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/artie-labs/binlogd/config"
	"github.com/artie-labs/binlogd/lib/rdbms/scan"
	"github.com/artie-labs/binlogd/sources/mysql/position"
	"github.com/artie-labs/binlogd/sources/mysql/row"
	"github.com/artie-labs/binlogd/sources/mysql/schema"
)

type fakePusher struct {
	mu      sync.Mutex
	changes []row.Change
}

func (f *fakePusher) Push(_ context.Context, change row.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change)
	return nil
}

func (f *fakePusher) types() []row.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []row.Type
	for _, change := range f.changes {
		types = append(types, change.Type)
	}
	return types
}

func shopSchema() *schema.Schema {
	s := schema.New("utf8mb4", schema.CaseSensitive)
	s.AddDatabase("shop", "utf8mb4").AddTable(&schema.Table{
		Name:    "orders",
		Charset: "latin1",
		PKs:     []string{"id"},
		Columns: []*schema.Column{
			{Name: "id", Type: "int", Signed: true},
			{Name: "status", Type: "varchar", Charset: "latin1"},
		},
	})
	return s
}

var controlPosition = position.New("mysql-bin.000001", 400, "", 0)

func controlInsert(id int64) row.Change {
	return row.Change{Type: row.Insert, Database: "binlogd", Table: "bootstrap", Data: controlFields(id, "binlogd", 0), Position: controlPosition}
}

func controlCompletion(id int64) row.Change {
	return row.Change{
		Type:     row.Update,
		Database: "binlogd",
		Table:    "bootstrap",
		Data:     controlFields(id, "binlogd", 1),
		OldData:  row.Fields{{Name: "is_complete", Value: int64(0)}},
	}
}

func liveInsert(id int64) row.Change {
	return row.Change{Type: row.Insert, Database: "shop", Table: "orders", Data: row.Fields{{Name: "id", Value: id}, {Name: "status", Value: "live"}}}
}

func expectScan(mock sqlmock.Sqlmock, id int64) {
	mock.ExpectQuery("SELECT TABLE_ROWS FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?").
		WithArgs("shop", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_ROWS"}).AddRow(int64(2)))
	mock.ExpectExec("UPDATE `bootstrap` SET started_at = NOW(), inserted_rows = 0, total_rows = ?, binlog_file = ?, binlog_position = ? WHERE id = ?").
		WithArgs(2, "mysql-bin.000001", 400, id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT `id` FROM `shop`.`orders` ORDER BY `id` LIMIT 1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT `id` FROM `shop`.`orders` ORDER BY `id` DESC LIMIT 1").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectQuery("SELECT `id`,`status` FROM `shop`.`orders` WHERE (`id`) >= (?) AND (`id`) <= (?) ORDER BY `id` LIMIT 10").
		WithArgs(1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(int64(1), []byte("new")).AddRow(int64(2), []byte("café")))
	mock.ExpectQuery("SELECT `id`,`status` FROM `shop`.`orders` WHERE (`id`) > (?) AND (`id`) <= (?) ORDER BY `id` LIMIT 10").
		WithArgs(2, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
	mock.ExpectExec("UPDATE `bootstrap` SET is_complete = 1, inserted_rows = ?, completed_at = NOW() WHERE id = ?").
		WithArgs(2, id).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func newTestRunner(t *testing.T) (*Store, *Runner, sqlmock.Sqlmock) {
	db, mock := newMockDB(t)
	store := NewStore(db, "binlogd")
	runner := NewRunner(db, store, scan.ScannerConfig{BatchSize: 10, ErrorRetries: 1}, 7)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	runner.now = func() time.Time { return now }
	return store, runner, mock
}

func testConfig(t *testing.T) Config {
	return Config{ClientID: "binlogd", StoreDatabase: "binlogd", SpillDir: t.TempDir()}
}

func TestSyncBootstrapper(t *testing.T) {
	ctx := context.Background()
	store, runner, mock := newTestRunner(t)
	pusher := &fakePusher{}
	bootstrapper := NewSyncBootstrapper(testConfig(t), store, runner, pusher, shopSchema)
	defer bootstrapper.Close()

	assert.True(t, bootstrapper.IsControlRow(controlInsert(3)))
	assert.False(t, bootstrapper.IsControlRow(liveInsert(1)))

	mock.ExpectQuery("SELECT is_complete FROM `bootstrap` WHERE id = ?").WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"is_complete"}).AddRow(int64(0)))
	expectScan(mock, 3)
	assert.NoError(t, bootstrapper.HandleControlRow(ctx, controlInsert(3)))
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, []row.Type{row.BootstrapStart, row.BootstrapInsert, row.BootstrapInsert, row.BootstrapComplete}, pusher.types())
	first := pusher.changes[1]
	assert.Equal(t, row.Fields{{Name: "id", Value: int64(1)}, {Name: "status", Value: "new"}}, first.Data)
	assert.Equal(t, "café", pusher.changes[2].Data[1].Value)
	assert.Equal(t, controlPosition, first.Position)
	assert.Equal(t, []string{"id"}, first.PKColumns)
	assert.Equal(t, uint32(7), first.ServerID)
	assert.Equal(t, int64(1704067200000), first.TimestampMillis)
	assert.False(t, first.IsResumable())
	assert.True(t, pusher.changes[3].IsResumable())

	// Rows in between the scan and the completion event are held back and replayed in order.
	for _, id := range []int64{10, 11} {
		skip, err := bootstrapper.ShouldSkip(liveInsert(id))
		assert.NoError(t, err)
		assert.True(t, skip)
	}
	{
		// Other tables and heartbeats flow through
		skip, err := bootstrapper.ShouldSkip(row.Change{Type: row.Insert, Database: "shop", Table: "refunds"})
		assert.NoError(t, err)
		assert.False(t, skip)
		skip, err = bootstrapper.ShouldSkip(row.Change{Type: row.Heartbeat, Database: "shop", Table: "orders"})
		assert.NoError(t, err)
		assert.False(t, skip)
	}

	assert.NoError(t, bootstrapper.HandleControlRow(ctx, controlCompletion(3)))
	assert.Len(t, pusher.changes, 6)
	assert.Equal(t, int64(10), pusher.changes[4].Data[0].Value)
	assert.Equal(t, int64(11), pusher.changes[5].Data[0].Value)

	skip, err := bootstrapper.ShouldSkip(liveInsert(12))
	assert.NoError(t, err)
	assert.False(t, skip)
}

func TestSyncBootstrapper_Ignored(t *testing.T) {
	ctx := context.Background()
	store, runner, mock := newTestRunner(t)
	pusher := &fakePusher{}
	bootstrapper := NewSyncBootstrapper(testConfig(t), store, runner, pusher, shopSchema)
	{
		// Another client's request
		change := controlInsert(3)
		change.Data.Set("client_id", "other")
		assert.NoError(t, bootstrapper.HandleControlRow(ctx, change))
	}
	{
		// Already complete, read again after a restart
		mock.ExpectQuery("SELECT is_complete FROM `bootstrap` WHERE id = ?").WithArgs(3).
			WillReturnRows(sqlmock.NewRows([]string{"is_complete"}).AddRow(int64(1)))
		assert.NoError(t, bootstrapper.HandleControlRow(ctx, controlInsert(3)))
	}
	{
		// Missing table
		change := controlInsert(4)
		change.Data.Set("table_name", "ghosts")
		mock.ExpectQuery("SELECT is_complete FROM `bootstrap` WHERE id = ?").WithArgs(4).
			WillReturnRows(sqlmock.NewRows([]string{"is_complete"}).AddRow(int64(0)))
		mock.ExpectExec("UPDATE `bootstrap` SET is_complete = 1, inserted_rows = ?, completed_at = NOW() WHERE id = ?").
			WithArgs(0, 4).
			WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, bootstrapper.HandleControlRow(ctx, change))
	}
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, pusher.types())
	assert.NoError(t, bootstrapper.Run(ctx))
}

func TestAsyncBootstrapper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, runner, mock := newTestRunner(t)
	pusher := &fakePusher{}
	bootstrapper := NewAsyncBootstrapper(testConfig(t), store, runner, pusher, shopSchema)
	defer bootstrapper.Close()

	mock.ExpectQuery("SELECT is_complete FROM `bootstrap` WHERE id = ?").WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"is_complete"}).AddRow(int64(0)))
	assert.NoError(t, bootstrapper.HandleControlRow(ctx, controlInsert(3)))
	assert.Equal(t, 1, bootstrapper.Queued())

	// The live stream carries on while the table waits for the worker, its rows are held back.
	skip, err := bootstrapper.ShouldSkip(liveInsert(10))
	assert.NoError(t, err)
	assert.True(t, skip)
	assert.Empty(t, pusher.types())

	expectScan(mock, 3)
	done := make(chan error, 1)
	go func() { done <- bootstrapper.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(pusher.types()) == 4 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 0, bootstrapper.Queued())

	assert.NoError(t, bootstrapper.HandleControlRow(context.Background(), controlCompletion(3)))
	assert.Equal(t, []row.Type{row.BootstrapStart, row.BootstrapInsert, row.BootstrapInsert, row.BootstrapComplete, row.Insert}, pusher.types())
}

func TestAsyncBootstrapper_Resume(t *testing.T) {
	store, runner, mock := newTestRunner(t)
	bootstrapper := NewAsyncBootstrapper(testConfig(t), store, runner, &fakePusher{}, shopSchema)
	defer bootstrapper.Close()

	mock.ExpectExec("UPDATE `bootstrap` SET started_at = NULL WHERE is_complete = 0 AND started_at IS NOT NULL AND client_id = ?").
		WithArgs("binlogd").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, database_name, table_name, where_clause, client_id, comment, binlog_file, binlog_position FROM `bootstrap` "+
		"WHERE is_complete = 0 AND client_id = ? ORDER BY id").
		WithArgs("binlogd").
		WillReturnRows(sqlmock.NewRows([]string{"id", "database_name", "table_name", "where_clause", "client_id", "comment", "binlog_file", "binlog_position"}).
			AddRow(int64(5), "shop", "orders", nil, "binlogd", nil, "mysql-bin.000001", int64(400)))

	assert.NoError(t, bootstrapper.Resume(context.Background()))
	assert.Equal(t, 1, bootstrapper.Queued())
	assert.NoError(t, mock.ExpectationsWereMet())

	// The request itself may show up again in the binlog
	mock.ExpectQuery("SELECT is_complete FROM `bootstrap` WHERE id = ?").WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"is_complete"}).AddRow(int64(0)))
	assert.NoError(t, bootstrapper.HandleControlRow(context.Background(), controlInsert(5)))
	assert.Equal(t, 1, bootstrapper.Queued())
}

func TestCoordinator_ShouldSkip_DefaultSpillDir(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	store, runner, _ := newTestRunner(t)
	cfg := Config{ClientID: "binlogd", StoreDatabase: "binlogd", SpillDir: (&config.Replication{}).GetSpillDir()}
	c := newCoordinator(cfg, store, runner, &fakePusher{}, shopSchema)
	defer c.Close()

	c.skips[3] = &skipBuffer{database: "shop", table: "orders"}
	skip, err := c.ShouldSkip(liveInsert(10))
	assert.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, 1, c.skips[3].queue.Len())
}
