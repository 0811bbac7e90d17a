package base

const (
	UPTRACE_DSN_ENV_VAR = "UPTRACE_DSN"
	UPTRACE_SERVICE     = "identityswitch"

	// OTEL_STDOUT_ENV_VAR switches the log exporter to stdout when no DSN is set.
	OTEL_STDOUT_ENV_VAR = "IDSWITCH_OTEL_STDOUT"

	// Collector endpoints; both default to Uptrace.
	OTLP_HTTP_ENDPOINT_ENV_VAR = "IDSWITCH_OTLP_HTTP_ENDPOINT"
	OTLP_GRPC_ENDPOINT_ENV_VAR = "IDSWITCH_OTLP_GRPC_ENDPOINT"
	OTEL_METRIC_INTERVAL_ENV   = "IDSWITCH_OTEL_METRIC_INTERVAL"

	InstrumentationName = "aaronromeo.com/identityswitch"
)

// Session file naming. The data file name is derived from the snapshot name
// by replacing SnapshotMarker with DataMarker.
const (
	SnapshotPrefix = "identity_switch_cache."
	SnapshotMarker = "_cache"
	DataMarker     = "_ret"
)

const (
	DefaultPollPath  = "/plugins/identity_switch/newmails"
	DefaultUser      = "default"
	RemoteUserHeader = "X-Remote-User"
)
