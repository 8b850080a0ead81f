package constants

const DefaultConfigPath = "config.yaml"

// Metric names, prefixed with the metrics namespace.
const (
	MetricReplicationRestarted = "replication.restarted"
	MetricReplicationLag       = "replication.lag"
	MetricRowsEmitted          = "rows.emitted"
	MetricProducerDelivered    = "producer.delivered"
	MetricProducerFailed       = "producer.failed"
	MetricProducerInflight     = "producer.inflight"
)
