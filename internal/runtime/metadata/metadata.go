package metadata

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

// Header keys written by the publisher and read by the dispatcher.
const (
	TenantID      = "x-tenant-id"
	EventType     = "x-event-type"
	EventID       = "x-event-id"
	Source        = "x-source"
	CorrelationID = "correlation_id"
	Queue         = "x-queue"
	Attempt       = "x-attempt"
	DeathCount    = "x-death-count"
	Redelivered   = "x-redelivered"

	// Requeue marks a nacked message for redelivery instead of dead-lettering.
	Requeue = "x-requeue"
	// Outcome lets the handler chain label how a delivery was settled.
	Outcome = "x-outcome"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
