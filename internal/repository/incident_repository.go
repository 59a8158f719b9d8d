package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/imignatov/reservation-disputes/internal/model"
)

// IncidentRepo provides read access to incidents and their participant
// chain. Incidents are owned by the dispute module; this service only
// consumes their identity, status and the two parties of the
// underlying reservation. The chain incident -> reservation ->
// originating request -> requester/provider is resolved in a single
// query so callers never walk the optional references themselves.
type IncidentRepo struct {
	db *sql.DB
}

// NewIncidentRepo returns a new IncidentRepo bound to the given database.
func NewIncidentRepo(db *sql.DB) *IncidentRepo { return &IncidentRepo{db: db} }

// GetByID loads an incident together with its requester and provider
// ids. An incident whose reservation chain is broken (no reservation,
// no originating request, or missing party ids) is reported as
// ErrIncidentNotFound rather than returned partially populated —
// a prohibition must never be declared against an incident without
// recorded participants.
func (r *IncidentRepo) GetByID(ctx context.Context, incidentID uint64) (*model.Incident, error) {
	const q = `SELECT i.id, i.reservation_id, i.status, q.requester_id, r.provider_id
               FROM incidents i
               JOIN reservations r ON r.id = i.reservation_id
               JOIN requests q ON q.id = r.request_id
               WHERE i.id = ?`
	var inc model.Incident
	var requesterID, providerID sql.NullInt64
	err := r.db.QueryRowContext(ctx, q, incidentID).Scan(
		&inc.ID, &inc.ReservationID, &inc.Status, &requesterID, &providerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("incident %d: %w", incidentID, ErrIncidentNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !requesterID.Valid || !providerID.Valid || requesterID.Int64 == 0 || providerID.Int64 == 0 {
		return nil, fmt.Errorf("incident %d has no recorded participants: %w", incidentID, ErrIncidentNotFound)
	}
	inc.RequesterID = uint64(requesterID.Int64)
	inc.ProviderID = uint64(providerID.Int64)
	return &inc, nil
}
