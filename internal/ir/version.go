package ir

// Version constants.
const (
	// TraceVersion is the schema version of trace and diagnostic records.
	TraceVersion = "1"

	// RuntimeVersion is the tickstate runtime version.
	RuntimeVersion = "0.1.0"
)
