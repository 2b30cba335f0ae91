package context

import "errors"

// CTXKey - a type for context keys
type CTXKey string

const (
	// EnvironmentCTXKey - the key used for the service environment
	EnvironmentCTXKey CTXKey = "environment"
	// LogLevelCTXKey - context key for application logging level
	LogLevelCTXKey CTXKey = "log_level"
	// LogWriterCTXKey - context key for overriding the log writer
	LogWriterCTXKey CTXKey = "log_writer"
	// DebugLoggingCTXKey - context key for debug logging
	DebugLoggingCTXKey CTXKey = "debug_logging"

	// DatastoreCTXKey - the context key for getting the datastore
	DatastoreCTXKey CTXKey = "datastore"
	// CacheCTXKey - the context key for getting the cache pool
	CacheCTXKey CTXKey = "cache"

	// KafkaBrokersCTXKey - context key for the kafka broker list
	KafkaBrokersCTXKey CTXKey = "kafka_brokers"
	// KafkaConsumerGroupCTXKey - context key for the kafka consumer group
	KafkaConsumerGroupCTXKey CTXKey = "kafka_consumer_group"

	// RulesRefreshIntervalCTXKey - context key for the rule catalog refresh cadence
	RulesRefreshIntervalCTXKey CTXKey = "rules_refresh_interval"
	// RulesInitialLoadTimeoutCTXKey - context key for the first catalog load timeout
	RulesInitialLoadTimeoutCTXKey CTXKey = "rules_initial_load_timeout"
	// IdempotencyTTLCTXKey - context key for processed-event marker ttl
	IdempotencyTTLCTXKey CTXKey = "idempotency_ttl"

	// VersionCTXKey - context key for version of code
	VersionCTXKey CTXKey = "version"
	// CommitCTXKey - context key for the commit of the code
	CommitCTXKey CTXKey = "commit"
	// BuildTimeCTXKey - context key for the build time of code
	BuildTimeCTXKey CTXKey = "build_time"
)

var (
	// ErrNotInContext - error stating the value is not in the context
	ErrNotInContext = errors.New("value not in context")
	// ErrValueWrongType - error stating the value in the context is the wrong type
	ErrValueWrongType = errors.New("context value of wrong type")
)
