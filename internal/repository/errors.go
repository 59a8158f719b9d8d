// Package repository defines error types that are reused across
// multiple repositories. These sentinel values allow higher layers
// such as the service and handlers to distinguish between different
// failure scenarios. For example, ErrForbidden indicates that the
// current caller is not a participant of the incident a prohibition is
// scoped to, while ErrConflict signals that an operation cannot
// proceed because of conflicting state (a second live prohibition for
// the same incident, or an invalid time ordering).
package repository

import "errors"

// ErrForbidden is returned when the caller is neither an administrator
// nor a participant of the incident chain a prohibition belongs to.
// Handlers should translate this into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when an insert or update cannot be performed
// because of conflicting state, such as declaring a second prohibition
// for an incident that already has a live one, or supplying a
// termination that is not after the beginning. Handlers should
// translate this into an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrIncidentNotFound is returned when the referenced incident does
// not exist or has no recorded reservation participants.
var ErrIncidentNotFound = errors.New("incident not found")

// ErrProhibitionNotFound is returned when no prohibition with the
// requested id exists, including prohibitions that already expired.
var ErrProhibitionNotFound = errors.New("prohibition not found")
