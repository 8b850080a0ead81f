package replication

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/artie-labs/binlogd/sources/mysql/filter"
	"github.com/artie-labs/binlogd/sources/mysql/position"
	"github.com/artie-labs/binlogd/sources/mysql/row"
	"github.com/artie-labs/binlogd/sources/mysql/schema"
	"github.com/artie-labs/binlogd/sources/mysql/schema/ddl"
)

const (
	testFile      = "mysql-bin.000001"
	testTimestamp = 1700000000
	testServerID  = 7
)

type sourceStep struct {
	event *replication.BinlogEvent
	err   error
}

// fakeSource hands out one batch of steps per Start call and ErrNoEvent once a batch is used up.
type fakeSource struct {
	batches  [][]sourceStep
	current  []sourceStep
	starts   []position.Position
	startErr error
	closed   int
}

func (f *fakeSource) Start(_ context.Context, pos position.Position) error {
	f.starts = append(f.starts, pos)
	if f.startErr != nil {
		return f.startErr
	}
	f.current = nil
	if len(f.batches) > 0 {
		f.current, f.batches = f.batches[0], f.batches[1:]
	}
	return nil
}

func (f *fakeSource) Next(_ context.Context) (*replication.BinlogEvent, error) {
	if len(f.current) == 0 {
		return nil, ErrNoEvent
	}
	step := f.current[0]
	f.current = f.current[1:]
	return step.event, step.err
}

func (f *fakeSource) Close() {
	f.closed++
}

type fakeStore struct {
	schema   *schema.Schema
	resolver *ddl.Resolver
	ddls     []string
}

func (f *fakeStore) GetSchema() *schema.Schema {
	return f.schema
}

func (f *fakeStore) ProcessDDL(_ context.Context, sql string, database string, _ position.Position) ([]ddl.Change, error) {
	changes, err := f.resolver.Resolve(sql, database, f.schema)
	if err != nil {
		return nil, err
	}
	for _, change := range changes {
		if err = change.Apply(f.schema); err != nil {
			return nil, err
		}
	}
	f.ddls = append(f.ddls, sql)
	return changes, nil
}

func newFakeStore() *fakeStore {
	s := schema.New("utf8mb4", schema.CaseSensitive)
	shop := s.AddDatabase("shop", "utf8mb4")
	shop.AddTable(&schema.Table{
		Name:    "orders",
		Charset: "utf8mb4",
		PKs:     []string{"id"},
		Columns: []*schema.Column{
			{Name: "id", Type: "int", Signed: true},
			{Name: "status", Type: "varchar", Charset: "utf8mb4"},
		},
	})
	store := s.AddDatabase("binlogd", "utf8mb4")
	store.AddTable(&schema.Table{
		Name:    "heartbeats",
		Charset: "latin1",
		PKs:     []string{"server_id", "client_id"},
		Columns: []*schema.Column{
			{Name: "server_id", Type: "int"},
			{Name: "client_id", Type: "varchar", Charset: "latin1"},
			{Name: "heartbeat", Type: "bigint", Signed: true},
		},
	})
	return &fakeStore{schema: s, resolver: ddl.NewResolver(nil)}
}

func header(eventType replication.EventType, logPos uint32) *replication.EventHeader {
	return &replication.EventHeader{EventType: eventType, LogPos: logPos, Timestamp: testTimestamp, ServerID: testServerID}
}

func queryEvent(logPos uint32, sql string) sourceStep {
	return sourceStep{event: &replication.BinlogEvent{
		Header: header(replication.QUERY_EVENT, logPos),
		Event:  &replication.QueryEvent{Query: []byte(sql), Schema: []byte("shop"), SlaveProxyID: 99},
	}}
}

func rowsEvent(eventType replication.EventType, logPos uint32, tableID uint64, database, table string, rows ...[]any) sourceStep {
	return sourceStep{event: &replication.BinlogEvent{
		Header: header(eventType, logPos),
		Event: &replication.RowsEvent{
			TableID: tableID,
			Table:   &replication.TableMapEvent{TableID: tableID, Schema: []byte(database), Table: []byte(table)},
			Rows:    rows,
		},
	}}
}

func xidEvent(logPos uint32, xid uint64) sourceStep {
	return sourceStep{event: &replication.BinlogEvent{
		Header: header(replication.XID_EVENT, logPos),
		Event:  &replication.XIDEvent{XID: xid},
	}}
}

func rotateEvent(file string, pos uint64) sourceStep {
	return sourceStep{event: &replication.BinlogEvent{
		Header: header(replication.ROTATE_EVENT, 0),
		Event:  &replication.RotateEvent{NextLogName: []byte(file), Position: pos},
	}}
}

func newTestAssembler(t *testing.T, cfg Config, source *fakeSource, store *fakeStore, f *filter.Filter) *Assembler {
	cfg.ClientID = "binlogd"
	cfg.StoreDatabase = "binlogd"
	assembler := NewAssembler(cfg, source, store, f)
	assembler.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	assert.NoError(t, assembler.Start(context.Background(), position.New(testFile, 4, "", 0)))
	return assembler
}

func drain(t *testing.T, result Result) []row.Change {
	assert.Equal(t, ResultRows, result.Kind, result.Err)
	var changes []row.Change
	for {
		change, ok, err := result.Rows.Next()
		assert.NoError(t, err)
		if !ok {
			break
		}
		changes = append(changes, change)
	}
	assert.NoError(t, result.Rows.Close())
	return changes
}

func TestAssembler_Transaction(t *testing.T) {
	source := &fakeSource{batches: [][]sourceStep{{
		queryEvent(200, "BEGIN"),
		rowsEvent(replication.WRITE_ROWS_EVENTv2, 300, 10, "shop", "orders", []any{int32(1), "new"}),
		rowsEvent(replication.UPDATE_ROWS_EVENTv2, 400, 10, "shop", "orders", []any{int32(1), "new"}, []any{int32(1), "paid"}),
		xidEvent(431, 42),
	}}}
	assembler := newTestAssembler(t, Config{}, source, newFakeStore(), nil)

	changes := drain(t, assembler.Poll(context.Background()))
	assert.Len(t, changes, 2)

	insert := changes[0]
	assert.Equal(t, row.Insert, insert.Type)
	assert.Equal(t, row.Fields{{Name: "id", Value: int64(1)}, {Name: "status", Value: "new"}}, insert.Data)
	assert.Equal(t, []string{"id"}, insert.PKColumns)
	assert.Equal(t, int64(testTimestamp*1000), insert.TimestampMillis)
	assert.Equal(t, uint32(99), insert.ThreadID)
	assert.Equal(t, uint32(testServerID), insert.ServerID)
	assert.Equal(t, uint64(42), *insert.XID)
	assert.Equal(t, int64(0), insert.XOffset)
	assert.False(t, insert.IsCommit)
	assert.False(t, insert.IsResumable())

	update := changes[1]
	assert.Equal(t, row.Update, update.Type)
	assert.Equal(t, row.Fields{{Name: "id", Value: int64(1)}, {Name: "status", Value: "paid"}}, update.Data)
	assert.Equal(t, row.Fields{{Name: "status", Value: "new"}}, update.OldData)
	assert.Equal(t, int64(1), update.XOffset)
	assert.True(t, update.IsCommit)
	assert.True(t, update.IsResumable())
	assert.Equal(t, position.New(testFile, 431, "", 0), update.Position)

	assert.Equal(t, position.New(testFile, 431, "", 0), assembler.Position())
	assert.Equal(t, ResultEmpty, assembler.Poll(context.Background()).Kind)
}

func TestAssembler_CommitQuery(t *testing.T) {
	source := &fakeSource{batches: [][]sourceStep{{
		queryEvent(200, "BEGIN"),
		rowsEvent(replication.DELETE_ROWS_EVENTv1, 300, 10, "shop", "orders", []any{int32(1), "new"}),
		queryEvent(360, "COMMIT"),
	}}}
	assembler := newTestAssembler(t, Config{}, source, newFakeStore(), nil)

	changes := drain(t, assembler.Poll(context.Background()))
	assert.Len(t, changes, 1)
	assert.Equal(t, row.Delete, changes[0].Type)
	assert.Nil(t, changes[0].XID)
	assert.True(t, changes[0].IsCommit)
	assert.Equal(t, uint64(360), changes[0].Position.Offset)
}

func rowsQueryEvent(logPos uint32, sql string) sourceStep {
	return sourceStep{event: &replication.BinlogEvent{
		Header: header(replication.ROWS_QUERY_EVENT, logPos),
		Event:  &replication.RowsQueryEvent{Query: []byte(sql)},
	}}
}

func TestAssembler_RowQuery(t *testing.T) {
	source := &fakeSource{batches: [][]sourceStep{{
		queryEvent(200, "BEGIN"),
		rowsQueryEvent(250, "INSERT INTO orders VALUES (1, 'new'), (2, 'new')"),
		rowsEvent(replication.WRITE_ROWS_EVENTv2, 300, 10, "shop", "orders", []any{int32(1), "new"}, []any{int32(2), "new"}),
		sourceStep{event: &replication.BinlogEvent{
			Header: header(replication.MARIADB_ANNOTATE_ROWS_EVENT, 350),
			Event:  &replication.MariadbAnnotateRowsEvent{Query: []byte("DELETE FROM orders WHERE id = 1")},
		}},
		rowsEvent(replication.DELETE_ROWS_EVENTv2, 400, 10, "shop", "orders", []any{int32(1), "new"}),
		xidEvent(431, 42),
		queryEvent(500, "BEGIN"),
		rowsEvent(replication.WRITE_ROWS_EVENTv2, 600, 10, "shop", "orders", []any{int32(3), "new"}),
		xidEvent(631, 43),
	}}}
	assembler := newTestAssembler(t, Config{}, source, newFakeStore(), nil)

	changes := drain(t, assembler.Poll(context.Background()))
	assert.Len(t, changes, 3)
	assert.Equal(t, "INSERT INTO orders VALUES (1, 'new'), (2, 'new')", changes[0].RowQuery)
	assert.Equal(t, "INSERT INTO orders VALUES (1, 'new'), (2, 'new')", changes[1].RowQuery)
	assert.Equal(t, "DELETE FROM orders WHERE id = 1", changes[2].RowQuery)

	// The statement does not leak into the next transaction
	changes = drain(t, assembler.Poll(context.Background()))
	assert.Len(t, changes, 1)
	assert.Empty(t, changes[0].RowQuery)
}

func TestAssembler_SchemaChange(t *testing.T) {
	source := &fakeSource{batches: [][]sourceStep{{
		queryEvent(200, "ALTER TABLE orders ADD COLUMN z INT"),
		queryEvent(300, "BEGIN"),
		rowsEvent(replication.WRITE_ROWS_EVENTv2, 400, 11, "shop", "orders", []any{int32(2), "new", int32(5)}),
		xidEvent(431, 43),
	}}}
	store := newFakeStore()
	{
		// Schema changes are not emitted unless asked for
		assembler := newTestAssembler(t, Config{}, source, store, nil)
		changes := drain(t, assembler.Poll(context.Background()))
		assert.Len(t, changes, 1)
		assert.Equal(t, row.Fields{{Name: "id", Value: int64(2)}, {Name: "status", Value: "new"}, {Name: "z", Value: int64(5)}}, changes[0].Data)
		assert.Equal(t, []string{"ALTER TABLE orders ADD COLUMN z INT"}, store.ddls)
	}
	{
		source.batches = [][]sourceStep{{queryEvent(200, "CREATE TABLE shop.refunds (id INT PRIMARY KEY)")}}
		assembler := newTestAssembler(t, Config{OutputDDL: true}, source, store, nil)
		changes := drain(t, assembler.Poll(context.Background()))
		assert.Len(t, changes, 1)
		assert.Equal(t, row.DDL, changes[0].Type)
		assert.Equal(t, "refunds", changes[0].Table)
		assert.Equal(t, ddl.TypeTableCreate, changes[0].Schema.Type)
		assert.Equal(t, "CREATE TABLE shop.refunds (id INT PRIMARY KEY)", changes[0].SQL)
		assert.True(t, changes[0].IsResumable())
		assert.Equal(t, uint64(200), assembler.Position().Offset)
	}
	{
		// Unparseable DDL is fatal by default
		source.batches = [][]sourceStep{{queryEvent(200, "ALTER TABLE missing ADD COLUMN z INT")}}
		assembler := newTestAssembler(t, Config{}, source, store, nil)
		result := assembler.Poll(context.Background())
		assert.Equal(t, ResultFatal, result.Kind)
		assert.ErrorContains(t, result.Err, "failed to process schema change")
	}
	{
		source.batches = [][]sourceStep{{queryEvent(200, "ALTER TABLE missing ADD COLUMN z INT")}}
		assembler := newTestAssembler(t, Config{IgnoreDDLErrors: true}, source, store, nil)
		assert.Equal(t, ResultEmpty, assembler.Poll(context.Background()).Kind)
		assert.Equal(t, uint64(4), assembler.Position().Offset)
	}
}

func TestAssembler_Rollback(t *testing.T) {
	source := &fakeSource{batches: [][]sourceStep{{
		queryEvent(200, "BEGIN"),
		rowsEvent(replication.WRITE_ROWS_EVENTv2, 300, 10, "shop", "orders", []any{int32(1), "new"}),
		queryEvent(350, "ROLLBACK"),
	}}}
	assembler := newTestAssembler(t, Config{}, source, newFakeStore(), nil)
	assert.Equal(t, ResultEmpty, assembler.Poll(context.Background()).Kind)
	assert.Nil(t, assembler.buffer)
	assert.Equal(t, uint64(350), assembler.Position().Offset)
}

func TestAssembler_RowsOutsideTransaction(t *testing.T) {
	source := &fakeSource{batches: [][]sourceStep{{
		rowsEvent(replication.WRITE_ROWS_EVENTv2, 300, 10, "shop", "orders", []any{int32(1), "new"}),
		xidEvent(331, 7),
	}}}
	assembler := newTestAssembler(t, Config{}, source, newFakeStore(), nil)
	changes := drain(t, assembler.Poll(context.Background()))
	assert.Len(t, changes, 1)
	assert.Equal(t, uint32(0), changes[0].ThreadID)
	assert.True(t, changes[0].IsCommit)
}

func TestAssembler_Heartbeat(t *testing.T) {
	source := &fakeSource{batches: [][]sourceStep{{
		queryEvent(200, "BEGIN"),
		rowsEvent(replication.UPDATE_ROWS_EVENTv2, 300, 20, "binlogd", "heartbeats",
			[]any{int32(1), "binlogd", int64(1000)}, []any{int32(1), "binlogd", int64(2000)},
		),
		// Another client's heartbeat is dropped.
		rowsEvent(replication.UPDATE_ROWS_EVENTv2, 320, 20, "binlogd", "heartbeats",
			[]any{int32(1), "other", int64(1000)}, []any{int32(1), "other", int64(2000)},
		),
		xidEvent(351, 8),
	}}}
	assembler := newTestAssembler(t, Config{}, source, newFakeStore(), nil)
	changes := drain(t, assembler.Poll(context.Background()))
	assert.Len(t, changes, 1)
	assert.Equal(t, row.Heartbeat, changes[0].Type)
	assert.False(t, changes[0].IsDeliverable())
	assert.True(t, changes[0].IsResumable())
	assert.Equal(t, position.New(testFile, 351, "", 2000), changes[0].Position)
	assert.Equal(t, int64(2000), assembler.Position().LastHeartbeatRead)
}

func TestAssembler_Filter(t *testing.T) {
	f, err := filter.New("exclude: shop.orders, include: shop.orders.status=paid", "binlogd")
	assert.NoError(t, err)

	source := &fakeSource{batches: [][]sourceStep{{
		queryEvent(200, "BEGIN"),
		rowsEvent(replication.WRITE_ROWS_EVENTv2, 300, 10, "shop", "orders", []any{int32(1), "new"}, []any{int32(2), "paid"}),
		xidEvent(331, 9),
		queryEvent(400, "BEGIN"),
		rowsEvent(replication.WRITE_ROWS_EVENTv2, 500, 10, "shop", "orders", []any{int32(3), "new"}),
		xidEvent(531, 10),
	}}}
	assembler := newTestAssembler(t, Config{}, source, newFakeStore(), f)

	changes := drain(t, assembler.Poll(context.Background()))
	assert.Len(t, changes, 1)
	assert.Equal(t, row.Fields{{Name: "id", Value: int64(2)}, {Name: "status", Value: "paid"}}, changes[0].Data)

	// Nothing survives the filter, the boundary still moves.
	assert.Equal(t, ResultEmpty, assembler.Poll(context.Background()).Kind)
	assert.Equal(t, uint64(531), assembler.Position().Offset)
}

func TestAssembler_UnknownTable(t *testing.T) {
	source := &fakeSource{batches: [][]sourceStep{{
		queryEvent(200, "BEGIN"),
		rowsEvent(replication.WRITE_ROWS_EVENTv2, 300, 10, "shop", "ghosts", []any{int32(1)}),
	}}}
	assembler := newTestAssembler(t, Config{}, source, newFakeStore(), nil)
	result := assembler.Poll(context.Background())
	assert.Equal(t, ResultFatal, result.Kind)
	assert.ErrorIs(t, result.Err, ErrSchemaResolution)
	assert.Nil(t, assembler.buffer)
}

func TestAssembler_Restart(t *testing.T) {
	source := &fakeSource{batches: [][]sourceStep{
		{
			queryEvent(200, "BEGIN"),
			rowsEvent(replication.WRITE_ROWS_EVENTv2, 300, 10, "shop", "orders", []any{int32(1), "new"}),
			xidEvent(331, 1),
			queryEvent(400, "BEGIN"),
			rowsEvent(replication.WRITE_ROWS_EVENTv2, 500, 10, "shop", "orders", []any{int32(2), "new"}),
			{err: fmt.Errorf("connection reset by peer")},
		},
		{
			queryEvent(400, "BEGIN"),
			rowsEvent(replication.WRITE_ROWS_EVENTv2, 500, 10, "shop", "orders", []any{int32(2), "new"}),
			xidEvent(531, 2),
		},
	}}
	assembler := newTestAssembler(t, Config{}, source, newFakeStore(), nil)

	assert.Len(t, drain(t, assembler.Poll(context.Background())), 1)

	result := assembler.Poll(context.Background())
	assert.Equal(t, ResultRecoverable, result.Kind)
	assert.ErrorContains(t, result.Err, "connection reset by peer")
	assert.Equal(t, 1, source.closed)
	assert.Equal(t, []position.Position{position.New(testFile, 4, "", 0), position.New(testFile, 331, "", 0)}, source.starts)
	assert.Equal(t, 0, assembler.tables.Len())

	changes := drain(t, assembler.Poll(context.Background()))
	assert.Len(t, changes, 1)
	assert.Equal(t, row.Fields{{Name: "id", Value: int64(2)}, {Name: "status", Value: "new"}}, changes[0].Data)
	assert.Equal(t, uint64(531), changes[0].Position.Offset)
}

func TestAssembler_RestartCanceled(t *testing.T) {
	source := &fakeSource{batches: [][]sourceStep{{{err: fmt.Errorf("connection reset by peer")}}}}
	assembler := newTestAssembler(t, Config{}, source, newFakeStore(), nil)
	assembler.newBackOff = func() backoff.BackOff { return &backoff.StopBackOff{} }
	source.startErr = fmt.Errorf("connection refused")

	result := assembler.Poll(context.Background())
	assert.Equal(t, ResultFatal, result.Kind)
	assert.ErrorContains(t, result.Err, "failed to restart binlog stream: connection refused")
}

func TestAssembler_Stall(t *testing.T) {
	source := &fakeSource{}
	assembler := newTestAssembler(t, Config{StallTimeout: time.Minute}, source, newFakeStore(), nil)

	now := time.Now()
	assembler.now = func() time.Time { return now }
	assembler.lastEventAt = now
	assert.Equal(t, ResultEmpty, assembler.Poll(context.Background()).Kind)

	now = now.Add(2 * time.Minute)
	result := assembler.Poll(context.Background())
	assert.Equal(t, ResultRecoverable, result.Kind)
	assert.ErrorContains(t, result.Err, "no binlog events received for 2m0s")
	assert.Len(t, source.starts, 2)
	assert.Equal(t, now, assembler.lastEventAt)
}

func TestAssembler_EndOfStream(t *testing.T) {
	source := &fakeSource{batches: [][]sourceStep{{
		queryEvent(200, "BEGIN"),
		rowsEvent(replication.WRITE_ROWS_EVENTv2, 300, 10, "shop", "orders", []any{int32(1), "new"}),
		{err: io.EOF},
	}}}
	assembler := newTestAssembler(t, Config{}, source, newFakeStore(), nil)
	result := assembler.Poll(context.Background())
	assert.Equal(t, ResultFatal, result.Kind)
	assert.ErrorIs(t, result.Err, io.EOF)
	assert.Nil(t, assembler.buffer)
}

func TestAssembler_Rotate(t *testing.T) {
	source := &fakeSource{batches: [][]sourceStep{{
		rotateEvent("mysql-bin.000002", 4),
		queryEvent(200, "BEGIN"),
		rowsEvent(replication.WRITE_ROWS_EVENTv2, 300, 10, "shop", "orders", []any{int32(1), "new"}),
		xidEvent(331, 1),
	}}}
	assembler := newTestAssembler(t, Config{}, source, newFakeStore(), nil)
	changes := drain(t, assembler.Poll(context.Background()))
	assert.Len(t, changes, 1)
	assert.Equal(t, position.New("mysql-bin.000002", 331, "", 0), changes[0].Position)
}

func TestAssembler_GTID(t *testing.T) {
	sid := uuid.MustParse("3e11fa47-71ca-11e1-9e33-c80aa9429562")
	gtidEvent := sourceStep{event: &replication.BinlogEvent{
		Header: header(replication.GTID_EVENT, 150),
		Event:  &replication.GTIDEvent{SID: sid[:], GNO: 6},
	}}

	source := &fakeSource{batches: [][]sourceStep{{
		gtidEvent,
		queryEvent(200, "BEGIN"),
		rowsEvent(replication.WRITE_ROWS_EVENTv2, 300, 10, "shop", "orders", []any{int32(1), "new"}),
		xidEvent(331, 1),
	}}}
	assembler := NewAssembler(Config{StoreDatabase: "binlogd"}, source, newFakeStore(), nil)
	assert.NoError(t, assembler.Start(context.Background(), position.New(testFile, 4, "3e11fa47-71ca-11e1-9e33-c80aa9429562:1-5", 0)))

	changes := drain(t, assembler.Poll(context.Background()))
	assert.Len(t, changes, 1)
	assert.Equal(t, "3e11fa47-71ca-11e1-9e33-c80aa9429562:6", changes[0].GTID)
	assert.Equal(t, "3e11fa47-71ca-11e1-9e33-c80aa9429562:1-6", changes[0].Position.GTIDSet)
	assert.Equal(t, "3e11fa47-71ca-11e1-9e33-c80aa9429562:1-6", assembler.Position().GTIDSet)
}
