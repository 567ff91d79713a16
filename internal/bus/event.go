package bus

import "time"

// Event is a domain event published on the bus. Kind is a dotted,
// namespace-prefixed name ("rt.message_new", "convo.updated", ...).
type Event struct {
	Kind    string
	At      time.Time
	Payload any
}
