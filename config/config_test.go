package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/artie-labs/binlogd/sources/mysql/row"
)

func TestSettings_Validate(t *testing.T) {
	mysqlCfg := createValidConfig()

	type _tc struct {
		name        string
		settings    *Settings
		expectedErr string
	}

	tcs := []_tc{
		{
			name:        "nil",
			expectedErr: "config is nil",
		},
		{
			name:        "nil mysql",
			settings:    &Settings{},
			expectedErr: "MySQL config is nil",
		},
		{
			name:        "invalid bootstrapper",
			settings:    &Settings{MySQL: mysqlCfg, Bootstrapper: "foo"},
			expectedErr: "invalid bootstrapper: 'foo'",
		},
		{
			name:        "nil producer",
			settings:    &Settings{MySQL: mysqlCfg},
			expectedErr: "producer config is nil",
		},
		{
			name:        "invalid producer",
			settings:    &Settings{MySQL: mysqlCfg, Producer: &Producer{Type: "foo"}},
			expectedErr: "invalid producer: 'foo'",
		},
		{
			name:        "invalid partition by",
			settings:    &Settings{MySQL: mysqlCfg, Producer: &Producer{Type: ProducerStdout, PartitionBy: "column"}},
			expectedErr: `unsupported partition by: "column"`,
		},
		{
			name:        "invalid output",
			settings:    &Settings{MySQL: mysqlCfg, Output: &Output{ExcludeColumns: []string{"("}}, Producer: &Producer{Type: ProducerStdout}},
			expectedErr: "invalid excludeColumns pattern",
		},
		{
			name:        "nil kafka",
			settings:    &Settings{MySQL: mysqlCfg, Producer: &Producer{Type: ProducerKafka}},
			expectedErr: "kafka config is nil",
		},
		{
			name:        "kafka without topic",
			settings:    &Settings{MySQL: mysqlCfg, Producer: &Producer{Type: ProducerKafka}, Kafka: &Kafka{BootstrapServers: "localhost:9092"}},
			expectedErr: "topic not passed in",
		},
		{
			name:        "nil sqs",
			settings:    &Settings{MySQL: mysqlCfg, Producer: &Producer{Type: ProducerSQS}},
			expectedErr: "sqs config is nil",
		},
		{
			name: "sqs half credentials",
			settings: &Settings{
				MySQL:    mysqlCfg,
				Producer: &Producer{Type: ProducerSQS},
				SQS:      &SQS{QueueURL: "https://sqs", AWS: AWS{AwsRegion: "us-east-1", AwsAccessKeyID: "key"}},
			},
			expectedErr: "aws access key id and secret access key must be passed in together",
		},
		{
			name:        "sns without region",
			settings:    &Settings{MySQL: mysqlCfg, Producer: &Producer{Type: ProducerSNS}, SNS: &SNS{TopicArn: "arn"}},
			expectedErr: "aws region not passed in",
		},
		{
			name:        "nil kinesis",
			settings:    &Settings{MySQL: mysqlCfg, Producer: &Producer{Type: ProducerKinesis}},
			expectedErr: "kinesis config is nil",
		},
		{
			name:        "file without path",
			settings:    &Settings{MySQL: mysqlCfg, Producer: &Producer{Type: ProducerFile}, File: &File{}},
			expectedErr: "file path not passed in",
		},
		{
			name: "valid",
			settings: &Settings{
				MySQL:    mysqlCfg,
				Producer: &Producer{Type: ProducerKafka},
				Kafka: &Kafka{
					BootstrapServers: "localhost:9092",
					Topic:            "binlogd",
				},
			},
		},
	}

	for _, tc := range tcs {
		err := tc.settings.Validate()
		if tc.expectedErr != "" {
			assert.ErrorContains(t, err, tc.expectedErr, tc.name)
		} else {
			assert.NoError(t, err, tc.name)
		}
	}
}

func TestSettings_Getters(t *testing.T) {
	{
		// Defaults
		s := &Settings{MySQL: createValidConfig()}
		assert.Equal(t, "binlogd", s.GetClientID())
		assert.Equal(t, "binlogd", s.GetStoreDatabase())
		assert.Equal(t, BootstrapperAsync, s.GetBootstrapper())
		assert.NotNil(t, s.GetReplication())
		assert.NotNil(t, s.GetSchema())
		assert.Equal(t, s.MySQL, s.ReplicationMySQL())
	}
	{
		// Separate replication host
		replica := &MySQL{Host: "replica", Port: 3306, Username: "repl"}
		s := &Settings{MySQL: createValidConfig(), Replication: &Replication{MySQL: replica}}
		assert.Equal(t, replica, s.ReplicationMySQL())
	}
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	{
		// Valid file
		fp := filepath.Join(dir, "config.yaml")
		contents := `
clientID: orders
replicaServerID: 6379
mysql:
  host: localhost
  port: 3306
  username: binlogd
  password: secret
filter: "exclude: *.*, include: shop.orders"
bootstrapper: sync
output:
  includeNulls: false
  ddl: true
producer:
  type: kafka
  partitionBy: primary_key
kafka:
  bootstrapServers: localhost:9092,localhost:9093
  topic: binlogd_%{database}
`
		assert.NoError(t, os.WriteFile(fp, []byte(contents), 0o644))

		settings, err := ReadConfig(fp)
		assert.NoError(t, err)
		assert.Equal(t, "orders", settings.GetClientID())
		assert.Equal(t, uint32(6379), settings.ReplicaServerID)
		assert.Equal(t, BootstrapperSync, settings.GetBootstrapper())
		assert.Equal(t, row.PartitionByPrimaryKey, settings.Producer.GetPartitionBy())
		assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, settings.Kafka.BootstrapAddresses())
		assert.Equal(t, "binlogd_%{database}", settings.Kafka.GetDDLTopic())

		outputCfg, err := settings.GetOutput().ToOutputConfig()
		assert.NoError(t, err)
		assert.True(t, outputCfg.IncludeCommitInfo)
		assert.False(t, outputCfg.IncludeNulls)
		assert.True(t, settings.GetOutput().DDL)
	}
	{
		// Missing file
		_, err := ReadConfig(filepath.Join(dir, "missing.yaml"))
		assert.ErrorContains(t, err, "failed to read config file")
	}
	{
		// Invalid settings
		fp := filepath.Join(dir, "invalid.yaml")
		assert.NoError(t, os.WriteFile(fp, []byte("producer:\n  type: stdout\n"), 0o644))
		_, err := ReadConfig(fp)
		assert.ErrorContains(t, err, "failed to validate config file: mysql validation failed: MySQL config is nil")
	}
}

func TestOutput_ToOutputConfig(t *testing.T) {
	output := &Output{IncludeServerID: true, IncludeRowQuery: true, ExcludeColumns: []string{"^secret_"}}
	cfg, err := output.ToOutputConfig()
	assert.NoError(t, err)
	assert.True(t, cfg.IncludeCommitInfo)
	assert.True(t, cfg.IncludeNulls)
	assert.True(t, cfg.IncludeServerID)
	assert.True(t, cfg.IncludeRowQuery)
	assert.Len(t, cfg.ExcludeColumns, 1)
	assert.True(t, cfg.ExcludeColumns[0].MatchString("secret_token"))
}

func TestKafka_BootstrapAddresses(t *testing.T) {
	kafka := Kafka{BootstrapServers: "broker-1:9092, broker-2:9092,,"}
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, kafka.BootstrapAddresses())
}
