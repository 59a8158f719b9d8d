package model

// Incident is a recorded dispute tied to a reservation between a
// requesting and a providing party. This service never mutates
// incidents; it only reads their identity, status and participants
// when declaring or authorizing prohibitions. The participant ids are
// resolved by the repository through the incident's reservation and
// its originating request, so a loaded Incident always carries both
// parties.
//
// Fields:
//  ID            – primary key identifier of the incident.
//  ReservationID – reservation the dispute arose from.
//  Status        – incident status as recorded by the dispute module
//                  (e.g. OPEN, SUBSTANTIATED); consumed as given.
//  RequesterID   – user id of the requesting party.
//  ProviderID    – user id of the providing party.
type Incident struct {
	ID            uint64 // incidents.id
	ReservationID uint64 // incidents.reservation_id
	Status        string // incidents.status
	RequesterID   uint64 // requests.requester_id via reservations
	ProviderID    uint64 // reservations.provider_id
}
