package config

import (
	"cmp"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	defaultClientID      = "binlogd"
	defaultStoreDatabase = "binlogd"
)

type Reporting struct {
	Sentry *Sentry `yaml:"sentry"`
}

type Sentry struct {
	DSN string `yaml:"dsn"`
}

type Metrics struct {
	Namespace string   `yaml:"namespace"`
	Tags      []string `yaml:"tags"`
}

type BootstrapperType string

const (
	BootstrapperSync  BootstrapperType = "sync"
	BootstrapperAsync BootstrapperType = "async"
	BootstrapperNone  BootstrapperType = "none"
)

type Settings struct {
	// ClientID - identifies this process in the `positions`, `heartbeats` and `bootstrap` tables. Two processes must
	// never share one.
	ClientID string `yaml:"clientID"`
	// ReplicaServerID - the server id we register with as a replica, must be unique among the source's replicas.
	ReplicaServerID uint32 `yaml:"replicaServerID"`

	// MySQL - the server holding the control database. Replication reads from it as well unless Replication.MySQL is set.
	MySQL         *MySQL       `yaml:"mysql"`
	StoreDatabase string       `yaml:"storeDatabase,omitempty"`
	Replication   *Replication `yaml:"replication,omitempty"`
	Schema        *Schema      `yaml:"schema,omitempty"`

	// Filter - comma separated rules, e.g. `exclude: *.*, include: shop.orders`.
	Filter       string           `yaml:"filter,omitempty"`
	Bootstrapper BootstrapperType `yaml:"bootstrapper,omitempty"`
	Output       *Output          `yaml:"output,omitempty"`

	Producer *Producer `yaml:"producer"`
	Kafka    *Kafka    `yaml:"kafka,omitempty"`
	SQS      *SQS      `yaml:"sqs,omitempty"`
	SNS      *SNS      `yaml:"sns,omitempty"`
	Kinesis  *Kinesis  `yaml:"kinesis,omitempty"`
	File     *File     `yaml:"file,omitempty"`

	Reporting *Reporting `yaml:"reporting,omitempty"`
	Metrics   *Metrics   `yaml:"metrics,omitempty"`
}

func (s *Settings) GetClientID() string {
	return cmp.Or(s.ClientID, defaultClientID)
}

func (s *Settings) GetStoreDatabase() string {
	return cmp.Or(s.StoreDatabase, defaultStoreDatabase)
}

func (s *Settings) GetBootstrapper() BootstrapperType {
	return cmp.Or(s.Bootstrapper, BootstrapperAsync)
}

// GetReplication never returns nil so callers can use its getters directly.
func (s *Settings) GetReplication() *Replication {
	if s.Replication == nil {
		return &Replication{}
	}
	return s.Replication
}

func (s *Settings) GetSchema() *Schema {
	if s.Schema == nil {
		return &Schema{}
	}
	return s.Schema
}

func (s *Settings) GetOutput() *Output {
	if s.Output == nil {
		return &Output{}
	}
	return s.Output
}

// ReplicationMySQL is the server binlog events are read from.
func (s *Settings) ReplicationMySQL() *MySQL {
	if s.Replication != nil && s.Replication.MySQL != nil {
		return s.Replication.MySQL
	}
	return s.MySQL
}

func (s *Settings) Validate() error {
	if s == nil {
		return fmt.Errorf("config is nil")
	}

	if err := s.MySQL.Validate(); err != nil {
		return fmt.Errorf("mysql validation failed: %w", err)
	}

	if s.Replication != nil {
		if err := s.Replication.Validate(); err != nil {
			return fmt.Errorf("replication validation failed: %w", err)
		}
	}

	switch s.GetBootstrapper() {
	case BootstrapperSync, BootstrapperAsync, BootstrapperNone:
	default:
		return fmt.Errorf("invalid bootstrapper: '%s'", s.Bootstrapper)
	}

	if err := s.GetOutput().Validate(); err != nil {
		return fmt.Errorf("output validation failed: %w", err)
	}

	if s.Producer == nil {
		return fmt.Errorf("producer config is nil")
	}

	if err := s.Producer.Validate(); err != nil {
		return fmt.Errorf("producer validation failed: %w", err)
	}

	switch s.Producer.Type {
	case ProducerKafka:
		if err := s.Kafka.Validate(); err != nil {
			return fmt.Errorf("kafka validation failed: %w", err)
		}
	case ProducerSQS:
		if err := s.SQS.Validate(); err != nil {
			return fmt.Errorf("sqs validation failed: %w", err)
		}
	case ProducerSNS:
		if err := s.SNS.Validate(); err != nil {
			return fmt.Errorf("sns validation failed: %w", err)
		}
	case ProducerKinesis:
		if err := s.Kinesis.Validate(); err != nil {
			return fmt.Errorf("kinesis validation failed: %w", err)
		}
	case ProducerFile:
		if err := s.File.Validate(); err != nil {
			return fmt.Errorf("file validation failed: %w", err)
		}
	}

	return nil
}

func ReadConfig(fp string) (*Settings, error) {
	bytes, err := os.ReadFile(fp)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var settings Settings
	if err = yaml.Unmarshal(bytes, &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	if err = settings.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config file: %w", err)
	}

	return &settings, nil
}
