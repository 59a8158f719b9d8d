// Package queue defines the prohibition lifecycle messages exchanged
// over the message broker and the background consumer that turns them
// into an audit trail.
package queue

// Lifecycle actions carried in ProhibitionEvent.Action.
const (
	ActionDeclared = "declared" // administrator imposed the restriction
	ActionAltered  = "altered"  // termination instant was moved
	ActionLifted   = "lifted"   // administrator cancelled it manually
	ActionExpired  = "expired"  // the scheduler terminated it on time
)

// ProhibitionEvent is published whenever a prohibition changes state.
// It contains enough information for downstream consumers to log or
// notify without querying the primary database. Instants are RFC3339
// strings in UTC.
type ProhibitionEvent struct {
	Action        string `json:"action"`
	ProhibitionID uint64 `json:"prohibition_id"`
	IncidentID    uint64 `json:"incident_id"`
	Beginning     string `json:"beginning"`
	Termination   string `json:"termination"`
	OccurredAt    string `json:"occurred_at"`
}
