package model

import "time"

// Prohibition is a time-boxed access restriction declared by an
// administrator against an incident. Exactly one prohibition may be
// live for an incident at any time; the restriction is lifted
// automatically at Termination or earlier by an explicit disdeclare.
//
// Fields:
//  ID          – primary key identifier.
//  IncidentID  – incident the restriction is scoped to (unique).
//  Beginning   – declared start of the restriction (informational; the
//                restriction is in force from declaration).
//  Termination – instant at which the restriction is lifted
//                automatically. Always strictly after Beginning.
//  CreatedAt   – creation timestamp.
type Prohibition struct {
	ID          uint64    // prohibitions.id
	IncidentID  uint64    // prohibitions.incident_id
	Beginning   time.Time // prohibitions.beginning
	Termination time.Time // prohibitions.termination
	CreatedAt   time.Time // prohibitions.created_at
}
