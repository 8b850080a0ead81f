package config

import (
	"cmp"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/artie-labs/transfer/lib/stringutil"
	"github.com/go-sql-driver/mysql"

	"github.com/artie-labs/binlogd/lib/rdbms/scan"
)

const (
	defaultMaxBufferMemory    = 128 << 20
	defaultHeartbeatInterval  = 10 * time.Second
	defaultHeartbeatAllowance = 5
	defaultBootstrapBatch     = 5_000
	defaultErrorRetries       = 10
)

type MySQL struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func (m *MySQL) ToDSN(database string) string {
	config := mysql.NewConfig()
	config.User = m.Username
	config.Passwd = m.Password
	config.Net = "tcp"
	config.Addr = fmt.Sprintf("%s:%d", m.Host, m.Port)
	config.DBName = database
	return config.FormatDSN()
}

func (m *MySQL) Validate() error {
	if m == nil {
		return fmt.Errorf("MySQL config is nil")
	}

	if stringutil.Empty(m.Host, m.Username) {
		return fmt.Errorf("one of the MySQL settings is empty: host, username")
	}

	if m.Port <= 0 {
		return fmt.Errorf("port is not set or <= 0")
	} else if m.Port > math.MaxUint16 {
		return fmt.Errorf("port is > %d", math.MaxUint16)
	}

	return nil
}

type Replication struct {
	// MySQL - optional, replicate from a different server than the one holding the control database.
	MySQL *MySQL `yaml:"mysql,omitempty"`
	// Flavor - "mysql" or "mariadb".
	Flavor   string `yaml:"flavor,omitempty"`
	GTIDMode bool   `yaml:"gtidMode,omitempty"`
	// InitialPosition - `file:offset` to start from when nothing has been stored yet. Defaults to the server's current
	// position.
	InitialPosition string `yaml:"initialPosition,omitempty"`

	HeartbeatIntervalSeconds int `yaml:"heartbeatIntervalSeconds,omitempty"`
	// HeartbeatAllowance - number of heartbeat intervals without any event before reconnecting.
	HeartbeatAllowance   int    `yaml:"heartbeatAllowance,omitempty"`
	MaxBufferMemoryBytes int64  `yaml:"maxBufferMemoryBytes,omitempty"`
	SpillDir             string `yaml:"spillDir,omitempty"`
	IgnoreDDLErrors      bool   `yaml:"ignoreDDLErrors,omitempty"`

	BootstrapBatchSize uint `yaml:"bootstrapBatchSize,omitempty"`
	ErrorRetries       int  `yaml:"errorRetries,omitempty"`
}

func (r *Replication) GetFlavor() string {
	return cmp.Or(r.Flavor, "mysql")
}

func (r *Replication) GetHeartbeatInterval() time.Duration {
	if r.HeartbeatIntervalSeconds > 0 {
		return time.Duration(r.HeartbeatIntervalSeconds) * time.Second
	}
	return defaultHeartbeatInterval
}

// GetStallTimeout is how long the binlog may stay silent, server heartbeats included, before the connection is
// considered dead.
func (r *Replication) GetStallTimeout() time.Duration {
	return r.GetHeartbeatInterval() * time.Duration(cmp.Or(r.HeartbeatAllowance, defaultHeartbeatAllowance))
}

func (r *Replication) GetMaxBufferMemory() int64 {
	return cmp.Or(r.MaxBufferMemoryBytes, defaultMaxBufferMemory)
}

func (r *Replication) GetSpillDir() string {
	return cmp.Or(r.SpillDir, filepath.Join(os.TempDir(), "binlogd"))
}

func (r *Replication) ToScannerConfig() scan.ScannerConfig {
	return scan.ScannerConfig{
		BatchSize:    cmp.Or(r.BootstrapBatchSize, defaultBootstrapBatch),
		ErrorRetries: cmp.Or(r.ErrorRetries, defaultErrorRetries),
	}
}

func (r *Replication) Validate() error {
	if r.MySQL != nil {
		if err := r.MySQL.Validate(); err != nil {
			return err
		}
	}

	switch r.GetFlavor() {
	case "mysql", "mariadb":
	default:
		return fmt.Errorf("invalid flavor: '%s'", r.Flavor)
	}

	if r.MaxBufferMemoryBytes < 0 {
		return fmt.Errorf("maxBufferMemoryBytes cannot be negative")
	}

	if r.HeartbeatIntervalSeconds < 0 {
		return fmt.Errorf("heartbeatIntervalSeconds cannot be negative")
	}

	if r.HeartbeatAllowance < 0 {
		return fmt.Errorf("heartbeatAllowance cannot be negative")
	}

	return nil
}

type Schema struct {
	// CompactionThreshold - number of live schemas per server after which they are folded into one snapshot. Zero
	// disables compaction.
	CompactionThreshold int `yaml:"compactionThreshold,omitempty"`
	// Databases - limits the initial capture to these databases, everything when empty.
	Databases []string `yaml:"databases,omitempty"`
}
