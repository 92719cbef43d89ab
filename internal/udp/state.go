package udp

// EndpointState is the lifecycle state of an endpoint.
type EndpointState int32

const (
	// StateUnbound is the state of a new endpoint and of one that has
	// been unbound. It holds no port and is not in the bind table.
	StateUnbound EndpointState = iota

	// StateIdle means the endpoint holds a local address and port but
	// has no default destination.
	StateIdle

	// StateConnected means the endpoint has a default destination.
	StateConnected
)

// String returns a human-readable name for the state.
func (s EndpointState) String() string {
	switch s {
	case StateUnbound:
		return "UNBOUND"
	case StateIdle:
		return "IDLE"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// label is the metrics label for the state.
func (s EndpointState) label() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
