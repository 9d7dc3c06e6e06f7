package bus

import (
	"strings"
	"time"
)

// Event represents a domain event published on the bus. Kind is dotted,
// namespace first: "message.upserted", "tx.completed".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespace returns the part of Kind before the first dot.
func (e Event) Namespace() string {
	ns, _, _ := strings.Cut(e.Kind, ".")
	return ns
}
