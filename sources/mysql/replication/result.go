package replication

import "github.com/artie-labs/binlogd/sources/mysql/row"

type ResultKind int

const (
	ResultEmpty ResultKind = iota
	ResultRows
	// ResultRecoverable means the source was restarted from the last transaction boundary. Polling may continue.
	ResultRecoverable
	ResultFatal
)

func (r ResultKind) String() string {
	switch r {
	case ResultEmpty:
		return "empty"
	case ResultRows:
		return "rows"
	case ResultRecoverable:
		return "recoverable"
	case ResultFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RowIterator hands out rows in order. [row.Buffer] implements it for transactions.
type RowIterator interface {
	Next() (row.Change, bool, error)
	Close() error
}

type sliceRows struct {
	changes []row.Change
}

func newSliceRows(changes []row.Change) *sliceRows {
	return &sliceRows{changes: changes}
}

func (s *sliceRows) Next() (row.Change, bool, error) {
	if len(s.changes) == 0 {
		return row.Change{}, false, nil
	}
	change := s.changes[0]
	s.changes = s.changes[1:]
	return change, true, nil
}

func (s *sliceRows) Close() error {
	s.changes = nil
	return nil
}

type Result struct {
	Kind ResultKind
	Rows RowIterator
	Err  error
}

func emptyResult() Result {
	return Result{Kind: ResultEmpty}
}

func rowsResult(rows RowIterator) Result {
	return Result{Kind: ResultRows, Rows: rows}
}

func recoverableResult(err error) Result {
	return Result{Kind: ResultRecoverable, Err: err}
}

func fatalResult(err error) Result {
	return Result{Kind: ResultFatal, Err: err}
}
