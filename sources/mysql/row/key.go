package row

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

type PartitionBy string

const (
	PartitionByDatabase      PartitionBy = "database"
	PartitionByTable         PartitionBy = "table"
	PartitionByPrimaryKey    PartitionBy = "primary_key"
	PartitionByTransactionID PartitionBy = "transaction_id"
)

func (p PartitionBy) Validate() error {
	switch p {
	case PartitionByDatabase, PartitionByTable, PartitionByPrimaryKey, PartitionByTransactionID:
		return nil
	default:
		return fmt.Errorf("unsupported partition by: %q", p)
	}
}

// PartitionKey picks the string a producer hashes to decide where this change goes.
func (c Change) PartitionKey(by PartitionBy) string {
	switch by {
	case PartitionByTable:
		return c.Table
	case PartitionByPrimaryKey:
		return c.pkString()
	case PartitionByTransactionID:
		if c.XID != nil {
			return strconv.FormatUint(*c.XID, 10)
		}
		return c.Database
	default:
		return c.Database
	}
}

func (c Change) pkString() string {
	if len(c.PKColumns) == 0 {
		return c.Database + c.Table
	}

	var sb strings.Builder
	for _, pk := range c.PKColumns {
		if value, ok := c.Data.Get(pk); ok && value != nil {
			sb.WriteString(fmt.Sprint(value))
		}
	}
	if sb.Len() == 0 {
		return "None"
	}
	return sb.String()
}

// KeyJSON is the message key: {"database":...,"table":...,"pk.<col>":...}. Tables without a primary key get a
// random "_uuid" so that their rows spread out.
func (c Change) KeyJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeKey(&buf, "database", true)
	writeString(&buf, c.Database)
	writeKey(&buf, "table", false)
	writeString(&buf, c.Table)

	if len(c.PKColumns) == 0 {
		writeKey(&buf, "_uuid", false)
		writeString(&buf, uuid.NewString())
	}

	for _, pk := range c.PKColumns {
		value, _ := c.Data.Get(pk)
		writeKey(&buf, "pk."+strings.ToLower(pk), false)
		if err := writeValue(&buf, value); err != nil {
			return nil, fmt.Errorf("failed to encode primary key %q: %w", pk, err)
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
