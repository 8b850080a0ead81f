package row

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/artie-labs/binlogd/sources/mysql/schema/ddl"
)

type OutputConfig struct {
	IncludeCommitInfo     bool
	IncludeBinlogPosition bool
	IncludeGTIDPosition   bool
	IncludeServerID       bool
	IncludeThreadID       bool
	IncludeXOffset        bool
	IncludeRowQuery       bool
	IncludeNulls          bool
	ExcludeColumns        []*regexp.Regexp
}

func DefaultOutputConfig() OutputConfig {
	return OutputConfig{IncludeCommitInfo: true, IncludeNulls: true}
}

func (o OutputConfig) isExcluded(column string) bool {
	for _, re := range o.ExcludeColumns {
		if re.MatchString(column) {
			return true
		}
	}
	return false
}

// ToJSON renders the change into a new buffer. It does not mutate the change.
func (c Change) ToJSON(cfg OutputConfig) ([]byte, error) {
	if c.Type == DDL {
		return c.ddlJSON(cfg)
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	writeKey(&buf, "database", true)
	writeString(&buf, c.Database)
	writeKey(&buf, "table", false)
	writeString(&buf, c.Table)
	writeKey(&buf, "type", false)
	writeString(&buf, string(c.Type))
	writeKey(&buf, "ts", false)
	buf.WriteString(strconv.FormatInt(c.TimestampMillis/1000, 10))

	if cfg.IncludeCommitInfo {
		if c.XID != nil {
			writeKey(&buf, "xid", false)
			buf.WriteString(strconv.FormatUint(*c.XID, 10))
		}
		if cfg.IncludeXOffset && c.XID != nil && !c.IsCommit {
			writeKey(&buf, "xoffset", false)
			buf.WriteString(strconv.FormatInt(c.XOffset, 10))
		}
		if c.IsCommit {
			writeKey(&buf, "commit", false)
			buf.WriteString("true")
		}
	}

	if cfg.IncludeBinlogPosition {
		writeKey(&buf, "position", false)
		writeString(&buf, fmt.Sprintf("%s:%d", c.Position.File, c.Position.Offset))
	}
	if cfg.IncludeGTIDPosition && c.GTID != "" {
		writeKey(&buf, "gtid", false)
		writeString(&buf, c.GTID)
	}
	if cfg.IncludeServerID && c.ServerID != 0 {
		writeKey(&buf, "server_id", false)
		buf.WriteString(strconv.FormatUint(uint64(c.ServerID), 10))
	}
	if cfg.IncludeThreadID && c.ThreadID != 0 {
		writeKey(&buf, "thread_id", false)
		buf.WriteString(strconv.FormatUint(uint64(c.ThreadID), 10))
	}
	if cfg.IncludeRowQuery && c.RowQuery != "" {
		writeKey(&buf, "query", false)
		writeString(&buf, c.RowQuery)
	}

	writeKey(&buf, "data", false)
	if err := writeFields(&buf, c.Data, cfg, cfg.IncludeNulls); err != nil {
		return nil, err
	}

	if old := c.visibleOldData(cfg); len(old) > 0 {
		writeKey(&buf, "old", false)
		if err := writeFields(&buf, old, cfg, true); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c Change) visibleOldData(cfg OutputConfig) Fields {
	var old Fields
	for _, field := range c.OldData {
		if !cfg.isExcluded(field.Name) {
			old = append(old, field)
		}
	}
	return old
}

type ddlPayload struct {
	ddl.Envelope
	TS       int64  `json:"ts"`
	SQL      string `json:"sql"`
	Position string `json:"position,omitempty"`
}

func (c Change) ddlJSON(cfg OutputConfig) ([]byte, error) {
	if c.Schema == nil {
		return nil, fmt.Errorf("ddl change for %q.%q is missing its schema change", c.Database, c.Table)
	}

	payload := ddlPayload{Envelope: *c.Schema, TS: c.TimestampMillis / 1000, SQL: c.SQL}
	if cfg.IncludeBinlogPosition {
		payload.Position = fmt.Sprintf("%s:%d", c.Position.File, c.Position.Offset)
	}
	return json.Marshal(payload)
}

func writeKey(buf *bytes.Buffer, key string, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	writeString(buf, key)
	buf.WriteByte(':')
}

func writeString(buf *bytes.Buffer, s string) {
	// Marshalling a string cannot fail.
	out, _ := json.Marshal(s)
	buf.Write(out)
}

func writeFields(buf *bytes.Buffer, fields Fields, cfg OutputConfig, includeNulls bool) error {
	buf.WriteByte('{')
	first := true
	for _, field := range fields {
		if field.Value == nil && !includeNulls {
			continue
		}
		if cfg.isExcluded(field.Name) {
			continue
		}

		writeKey(buf, field.Name, first)
		first = false
		if err := writeValue(buf, field.Value); err != nil {
			return fmt.Errorf("failed to encode column %q: %w", field.Name, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeValue(buf *bytes.Buffer, value any) error {
	switch castValue := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(castValue))
	case int64:
		buf.WriteString(strconv.FormatInt(castValue, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(castValue, 10))
	case float64:
		out, err := json.Marshal(castValue)
		if err != nil {
			return err
		}
		buf.Write(out)
	case string:
		writeString(buf, castValue)
	case []string:
		out, err := json.Marshal(castValue)
		if err != nil {
			return err
		}
		buf.Write(out)
	case decimal.Decimal:
		buf.WriteString(castValue.String())
	case RawJSON:
		buf.WriteString(string(castValue))
	default:
		return fmt.Errorf("unsupported value type %T", value)
	}
	return nil
}
