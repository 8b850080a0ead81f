package destinations

import (
	"context"
	"fmt"

	"github.com/artie-labs/binlogd/sources/mysql/position"
	"github.com/artie-labs/binlogd/sources/mysql/row"
)

// Producer delivers changes in the order they are pushed. Once a resumable change and everything pushed before it
// has been delivered, its position is handed to the [PositionSetter].
type Producer interface {
	Push(ctx context.Context, change row.Change) error
	Close() error
}

type PositionSetter interface {
	SetPosition(pos position.Position)
}

// Message is an encoded change.
type Message struct {
	Database     string
	Table        string
	IsDDL        bool
	PartitionKey string
	Key          []byte
	Value        []byte
}

// Sender delivers one message and returns once it is acknowledged.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// AsyncSender hands a message off and reports the outcome through done, possibly from another goroutine. Close
// returns once every handed off message has been reported.
type AsyncSender interface {
	SendAsync(ctx context.Context, msg Message, done func(err error)) error
	Close() error
}

type Encoder struct {
	Output      row.OutputConfig
	PartitionBy row.PartitionBy
}

func (e Encoder) Encode(change row.Change) (Message, error) {
	value, err := change.ToJSON(e.Output)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode value: %w", err)
	}

	key, err := change.KeyJSON()
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode key: %w", err)
	}

	return Message{
		Database:     change.Database,
		Table:        change.Table,
		IsDDL:        change.Type == row.DDL,
		PartitionKey: change.PartitionKey(e.PartitionBy),
		Key:          key,
		Value:        value,
	}, nil
}
