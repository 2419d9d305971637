package storage

// Persisted key namespace. Each key has exactly one owning component.
const (
	// KeyConsent holds the consent record.
	KeyConsent = "analytics:consent"

	// KeyFunnel holds funnel counters.
	KeyFunnel = "analytics:funnel"

	// PrefixQueue prefixes each sink's durable queue.
	PrefixQueue = "analytics:queue:"

	// PrefixBuffer prefixes each HTTP sink's persisted batch buffer.
	PrefixBuffer = "analytics:buffer:"
)

// AnalyticsPrefixes lists the prefixes deleted when analytics consent is
// revoked.
var AnalyticsPrefixes = []string{PrefixQueue, PrefixBuffer, KeyFunnel}

// QueueKey returns the durable queue key for a sink.
func QueueKey(sink string) string { return PrefixQueue + sink }

// BufferKey returns the batch buffer key for a sink.
func BufferKey(sink string) string { return PrefixBuffer + sink }
