package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/artie-labs/transfer/lib/typing"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"

	"github.com/artie-labs/binlogd/sources/mysql/filter"
	"github.com/artie-labs/binlogd/sources/mysql/position"
	"github.com/artie-labs/binlogd/sources/mysql/row"
	"github.com/artie-labs/binlogd/sources/mysql/schema"
	"github.com/artie-labs/binlogd/sources/mysql/schema/ddl"
)

type SchemaStore interface {
	GetSchema() *schema.Schema
	ProcessDDL(ctx context.Context, sql string, database string, pos position.Position) ([]ddl.Change, error)
}

type Config struct {
	ClientID      string
	StoreDatabase string
	// OutputDDL emits a [row.DDL] change for every resolved schema change.
	OutputDDL bool
	// IgnoreDDLErrors logs DDL that fails to resolve instead of stopping.
	IgnoreDDLErrors bool
	MaxBufferMemory int64
	SpillDir        string
	// StallTimeout restarts the source when not a single event (server heartbeats included) arrived for this
	// long. Zero disables it.
	StallTimeout time.Duration
}

// Assembler turns binlog events into transactions of row changes. It tracks the position after every event and
// the last transaction boundary, which is where the source restarts from after a failure.
type Assembler struct {
	cfg    Config
	source EventSource
	store  SchemaStore
	filter *filter.Filter
	tables *TableCache

	newBackOff func() backoff.BackOff
	now        func() time.Time

	position    position.Position
	boundary    position.Position
	gtidSet     mysql.GTIDSet
	pendingGTID string

	buffer      *row.Buffer
	threadID    uint32
	rowQuery    string
	lastEventAt time.Time
}

func NewAssembler(cfg Config, source EventSource, store SchemaStore, f *filter.Filter) *Assembler {
	return &Assembler{
		cfg:    cfg,
		source: source,
		store:  store,
		filter: f,
		tables: NewTableCache(f),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
		now: time.Now,
	}
}

func (a *Assembler) Start(ctx context.Context, pos position.Position) error {
	a.position = pos
	a.boundary = pos
	if err := a.resetGTIDSet(pos); err != nil {
		return err
	}
	a.lastEventAt = a.now()
	return a.source.Start(ctx, pos)
}

// Position is the last transaction boundary.
func (a *Assembler) Position() position.Position {
	return a.boundary
}

func (a *Assembler) Close() {
	a.discardTransaction()
	a.source.Close()
}

// Poll reads events until a transaction commits, a schema change produces rows or the source has nothing more
// to offer for now.
func (a *Assembler) Poll(ctx context.Context) Result {
	for {
		event, err := a.source.Next(ctx)
		switch {
		case errors.Is(err, ErrNoEvent):
			if a.cfg.StallTimeout > 0 {
				if idle := a.now().Sub(a.lastEventAt); idle > a.cfg.StallTimeout {
					return a.restart(ctx, fmt.Errorf("no binlog events received for %s", idle))
				}
			}
			return emptyResult()
		case errors.Is(err, io.EOF):
			a.discardTransaction()
			return fatalResult(io.EOF)
		case ctx.Err() != nil:
			return fatalResult(ctx.Err())
		case err != nil:
			return a.restart(ctx, err)
		}

		a.lastEventAt = a.now()
		rows, err := a.handleEvent(ctx, event)
		if err != nil {
			a.discardTransaction()
			return fatalResult(err)
		}
		if rows != nil {
			return rowsResult(rows)
		}
	}
}

func (a *Assembler) restart(ctx context.Context, cause error) Result {
	slog.Warn("Binlog stream failed, restarting from the last transaction boundary",
		slog.Any("err", cause),
		slog.String("position", a.boundary.String()),
	)

	a.discardTransaction()
	a.source.Close()
	a.tables.Invalidate()
	a.position = a.boundary
	if err := a.resetGTIDSet(a.boundary); err != nil {
		return fatalResult(err)
	}

	err := backoff.RetryNotify(
		func() error { return a.source.Start(ctx, a.boundary) },
		backoff.WithContext(a.newBackOff(), ctx),
		func(err error, wait time.Duration) {
			slog.Warn("Failed to restart binlog stream, retrying", slog.Any("err", err), slog.Duration("wait", wait))
		},
	)
	if err != nil {
		return fatalResult(fmt.Errorf("failed to restart binlog stream: %w", err))
	}

	a.lastEventAt = a.now()
	return recoverableResult(cause)
}

func (a *Assembler) resetGTIDSet(pos position.Position) error {
	a.pendingGTID = ""
	if pos.GTIDSet == "" {
		a.gtidSet = nil
		return nil
	}

	set, err := pos.ToGTIDSet()
	if err != nil {
		return err
	}
	a.gtidSet = set
	return nil
}

func (a *Assembler) handleEvent(ctx context.Context, event *replication.BinlogEvent) (RowIterator, error) {
	switch event.Header.EventType {
	case replication.ROTATE_EVENT:
		rotate, err := typing.AssertType[*replication.RotateEvent](event.Event)
		if err != nil {
			return nil, err
		}
		a.position.File = string(rotate.NextLogName)
		a.position.Offset = rotate.Position
		if a.buffer == nil {
			a.boundary = a.position
		}
		return nil, nil
	case replication.HEARTBEAT_EVENT, replication.FORMAT_DESCRIPTION_EVENT:
		return nil, nil
	}

	if logPos := uint64(event.Header.LogPos); logPos > a.position.Offset {
		a.position.Offset = logPos
	}

	switch event.Header.EventType {
	case replication.GTID_EVENT:
		gtidEvent, err := typing.AssertType[*replication.GTIDEvent](event.Event)
		if err != nil {
			return nil, err
		}
		sid, err := uuid.FromBytes(gtidEvent.SID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GTID source id: %w", err)
		}
		a.pendingGTID = fmt.Sprintf("%s:%d", sid.String(), gtidEvent.GNO)
	case replication.QUERY_EVENT:
		return a.handleQuery(ctx, event)
	case replication.ROWS_QUERY_EVENT:
		rowsQuery, err := typing.AssertType[*replication.RowsQueryEvent](event.Event)
		if err != nil {
			return nil, err
		}
		a.rowQuery = string(rowsQuery.Query)
	case replication.MARIADB_ANNOTATE_ROWS_EVENT:
		annotate, err := typing.AssertType[*replication.MariadbAnnotateRowsEvent](event.Event)
		if err != nil {
			return nil, err
		}
		a.rowQuery = string(annotate.Query)
	case replication.XID_EVENT:
		xidEvent, err := typing.AssertType[*replication.XIDEvent](event.Event)
		if err != nil {
			return nil, err
		}
		xid := xidEvent.XID
		return a.commit(&xid)
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return nil, a.handleRows(event, row.Insert)
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return nil, a.handleRows(event, row.Update)
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return nil, a.handleRows(event, row.Delete)
	}
	return nil, nil
}

func (a *Assembler) handleQuery(ctx context.Context, event *replication.BinlogEvent) (RowIterator, error) {
	queryEvent, err := typing.AssertType[*replication.QueryEvent](event.Event)
	if err != nil {
		return nil, err
	}

	sql := strings.TrimSpace(string(queryEvent.Query))
	upper := strings.ToUpper(sql)
	switch {
	case upper == "BEGIN":
		if a.buffer != nil {
			slog.Warn("Transaction started inside another one, discarding the open transaction", slog.String("position", a.position.String()))
			a.closeBuffer()
		}
		a.beginTransaction(queryEvent.SlaveProxyID)
		return nil, nil
	case upper == "COMMIT":
		return a.commit(nil)
	case upper == "ROLLBACK":
		a.discardTransaction()
		a.boundary = a.position
		return nil, nil
	case strings.HasPrefix(upper, "SAVEPOINT"), strings.HasPrefix(upper, "ROLLBACK TO"), strings.HasPrefix(upper, "RELEASE SAVEPOINT"):
		return nil, nil
	case ddl.IsSchemaChange(sql):
		return a.handleDDL(ctx, event, queryEvent, sql)
	}
	return nil, nil
}

func (a *Assembler) handleDDL(ctx context.Context, event *replication.BinlogEvent, queryEvent *replication.QueryEvent, sql string) (RowIterator, error) {
	gtid := a.pendingGTID
	if err := a.mergeGTID(); err != nil {
		return nil, err
	}

	changes, err := a.store.ProcessDDL(ctx, sql, string(queryEvent.Schema), a.position)
	if err != nil {
		if a.cfg.IgnoreDDLErrors {
			slog.Warn("Ignoring schema change that could not be processed", slog.String("sql", sql), slog.Any("err", err))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to process schema change: %w", err)
	}

	a.tables.Invalidate()
	if a.buffer == nil {
		a.boundary = a.position
	}

	if !a.cfg.OutputDDL {
		return nil, nil
	}

	var changeRows []row.Change
	for _, change := range changes {
		if change.DatabaseName() == a.cfg.StoreDatabase || !a.filter.Includes(change.DatabaseName(), change.TableName()) {
			continue
		}

		envelope, err := ddl.NewEnvelope(change)
		if err != nil {
			return nil, err
		}
		changeRows = append(changeRows, row.Change{
			Type:            row.DDL,
			Database:        change.DatabaseName(),
			Table:           change.TableName(),
			TimestampMillis: int64(event.Header.Timestamp) * 1000,
			Position:        a.position,
			GTID:            gtid,
			ServerID:        event.Header.ServerID,
			ThreadID:        queryEvent.SlaveProxyID,
			SQL:             sql,
			Schema:          &envelope,
		})
	}

	if len(changeRows) == 0 {
		return nil, nil
	}
	return newSliceRows(changeRows), nil
}

func (a *Assembler) handleRows(event *replication.BinlogEvent, kind row.Type) error {
	rowsEvent, err := typing.AssertType[*replication.RowsEvent](event.Event)
	if err != nil {
		return err
	}

	database, table := string(rowsEvent.Table.Schema), string(rowsEvent.Table.Table)
	if a.buffer == nil {
		slog.Warn("Received rows outside of a transaction, starting one",
			slog.String("database", database),
			slog.String("table", table),
			slog.String("position", a.position.String()),
		)
		a.beginTransaction(0)
	}

	def, err := a.tables.Resolve(a.store.GetSchema(), rowsEvent.TableID, database, table)
	if err != nil {
		return err
	} else if def == nil {
		return nil
	}

	changes, err := row.FromRowsImages(kind, def, rowsEvent.Rows, rowsEvent.SkippedColumns)
	if err != nil {
		return fmt.Errorf("failed to decode rows of %q.%q: %w", database, table, err)
	}

	for _, change := range changes {
		if !a.keep(&change) {
			continue
		}

		change.TimestampMillis = int64(event.Header.Timestamp) * 1000
		change.Position = a.position
		change.GTID = a.pendingGTID
		change.ServerID = event.Header.ServerID
		change.ThreadID = a.threadID
		change.RowQuery = a.rowQuery
		if err = a.buffer.Add(change); err != nil {
			return fmt.Errorf("failed to buffer row: %w", err)
		}
	}
	return nil
}

// keep applies the filter. Rows of our own control tables bypass it: our heartbeats become [row.Heartbeat]
// changes and bootstrap requests are passed along for the bootstrapper, everything else there is dropped.
func (a *Assembler) keep(change *row.Change) bool {
	if change.Database != a.cfg.StoreDatabase {
		return a.filter.IncludesRow(change.Database, change.Table, change.Data)
	}

	switch change.Table {
	case "bootstrap":
		return true
	case "heartbeats":
		if change.Type == row.Delete {
			return false
		}
		if clientID, _ := change.Data.Get("client_id"); clientID != a.cfg.ClientID {
			return false
		}
		value, _ := change.Data.Get("heartbeat")
		heartbeat, ok := value.(int64)
		if !ok {
			slog.Warn("Unexpected heartbeat value", slog.Any("value", value))
			return false
		}
		a.position.LastHeartbeatRead = heartbeat
		change.Type = row.Heartbeat
		return true
	default:
		return false
	}
}

func (a *Assembler) beginTransaction(threadID uint32) {
	a.buffer = row.NewBuffer(a.cfg.MaxBufferMemory, a.cfg.SpillDir)
	a.threadID = threadID
	a.rowQuery = ""
}

// commit closes the open transaction at the current position. Empty transactions only move the boundary.
func (a *Assembler) commit(xid *uint64) (RowIterator, error) {
	if err := a.mergeGTID(); err != nil {
		return nil, err
	}

	buffer := a.buffer
	a.buffer = nil
	a.rowQuery = ""
	a.boundary = a.position
	if buffer == nil {
		return nil, nil
	}

	if buffer.IsEmpty() {
		if err := buffer.Close(); err != nil {
			slog.Warn("Failed to release transaction buffer", slog.Any("err", err))
		}
		return nil, nil
	}

	buffer.Commit(xid, a.position)
	return buffer, nil
}

func (a *Assembler) mergeGTID() error {
	if a.pendingGTID == "" || a.gtidSet == nil {
		a.pendingGTID = ""
		return nil
	}

	if err := a.gtidSet.Update(a.pendingGTID); err != nil {
		return fmt.Errorf("failed to add GTID %q: %w", a.pendingGTID, err)
	}
	a.position.GTIDSet = a.gtidSet.String()
	a.pendingGTID = ""
	return nil
}

func (a *Assembler) closeBuffer() {
	if a.buffer == nil {
		return
	}
	if err := a.buffer.Close(); err != nil {
		slog.Warn("Failed to release transaction buffer", slog.Any("err", err))
	}
	a.buffer = nil
}

func (a *Assembler) discardTransaction() {
	a.closeBuffer()
	a.pendingGTID = ""
	a.rowQuery = ""
}
