package model

// Privilege values carried in the JWT "privilege" claim. ADMIN callers
// manage prohibitions; REQUESTER and PROVIDER callers only see
// prohibitions on incidents they participate in.
const (
	PrivilegeAdmin     = "ADMIN"
	PrivilegeRequester = "REQUESTER"
	PrivilegeProvider  = "PROVIDER"
)

// Caller identifies the authenticated user making a request. The
// service never authenticates; it trusts the id and privilege supplied
// by the JWT middleware.
type Caller struct {
	ID        uint64 // user id from the token subject
	Privilege string // one of the Privilege constants
}

// IsParticipant reports whether the caller may see resources scoped to
// the given incident. Administrators see everything; other callers
// must be the requesting or providing party of the incident's
// reservation chain. This is the single authorization predicate used
// by every prohibition read path.
func IsParticipant(caller Caller, inc *Incident) bool {
	if inc == nil {
		return false
	}
	if caller.Privilege == PrivilegeAdmin {
		return true
	}
	return caller.ID != 0 && (caller.ID == inc.RequesterID || caller.ID == inc.ProviderID)
}
