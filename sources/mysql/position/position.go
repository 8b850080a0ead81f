package position

import (
	"cmp"
	"fmt"

	"github.com/go-mysql-org/go-mysql/mysql"
)

// BinlogPosition is a coordinate in the source server's binlog, either file+offset, a GTID set or both.
type BinlogPosition struct {
	File    string `yaml:"file" json:"file"`
	Offset  uint64 `yaml:"offset" json:"offset"`
	GTIDSet string `yaml:"gtidSet,omitempty" json:"gtidSet,omitempty"`
}

func (b BinlogPosition) String() string {
	if b.GTIDSet != "" {
		return fmt.Sprintf("%s:%d[%s]", b.File, b.Offset, b.GTIDSet)
	}
	return fmt.Sprintf("%s:%d", b.File, b.Offset)
}

func (b BinlogPosition) IsZero() bool {
	return b.File == "" && b.GTIDSet == ""
}

func (b BinlogPosition) ToMySQLPosition() mysql.Position {
	return mysql.Position{Name: b.File, Pos: uint32(b.Offset)}
}

func (b BinlogPosition) ToGTIDSet() (mysql.GTIDSet, error) {
	set, err := mysql.ParseGTIDSet(mysql.MySQLFlavor, b.GTIDSet)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GTID set %q: %w", b.GTIDSet, err)
	}
	return set, nil
}

// Compare returns -1, 0 or 1. GTID positions compare by set containment, which is only a partial order, so
// two sets where neither contains the other yield an error.
func (b BinlogPosition) Compare(other BinlogPosition) (int, error) {
	if b.GTIDSet != "" && other.GTIDSet != "" {
		return compareGTID(b.GTIDSet, other.GTIDSet)
	}

	if c := cmp.Compare(b.File, other.File); c != 0 {
		return c, nil
	}
	return cmp.Compare(b.Offset, other.Offset), nil
}

func compareGTID(a, b string) (int, error) {
	setA, err := mysql.ParseGTIDSet(mysql.MySQLFlavor, a)
	if err != nil {
		return 0, fmt.Errorf("failed to parse GTID set %q: %w", a, err)
	}
	setB, err := mysql.ParseGTIDSet(mysql.MySQLFlavor, b)
	if err != nil {
		return 0, fmt.Errorf("failed to parse GTID set %q: %w", b, err)
	}

	aContainsB := setA.Contain(setB)
	bContainsA := setB.Contain(setA)
	switch {
	case aContainsB && bContainsA:
		return 0, nil
	case aContainsB:
		return 1, nil
	case bContainsA:
		return -1, nil
	default:
		return 0, fmt.Errorf("GTID sets %q and %q are not comparable", a, b)
	}
}

// Position is a [BinlogPosition] plus the last heartbeat value read from the stream at that point.
type Position struct {
	BinlogPosition    `yaml:",inline"`
	LastHeartbeatRead int64 `yaml:"lastHeartbeatRead" json:"lastHeartbeatRead"`
}

func New(file string, offset uint64, gtidSet string, lastHeartbeatRead int64) Position {
	return Position{
		BinlogPosition:    BinlogPosition{File: file, Offset: offset, GTIDSet: gtidSet},
		LastHeartbeatRead: lastHeartbeatRead,
	}
}

func (p Position) String() string {
	return fmt.Sprintf("%s (heartbeat: %d)", p.BinlogPosition.String(), p.LastHeartbeatRead)
}

// NewerThan reports whether p is strictly after other. A missing other is always older.
func (p Position) NewerThan(other *Position) (bool, error) {
	if other == nil {
		return true, nil
	}

	c, err := p.BinlogPosition.Compare(other.BinlogPosition)
	if err != nil {
		return false, err
	}
	if c != 0 {
		return c > 0, nil
	}
	return p.LastHeartbeatRead > other.LastHeartbeatRead, nil
}

func (p Position) WithHeartbeat(heartbeat int64) Position {
	p.LastHeartbeatRead = heartbeat
	return p
}

func (p Position) WithOffset(offset uint64) Position {
	p.Offset = offset
	return p
}
