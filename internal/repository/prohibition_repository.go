package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/imignatov/reservation-disputes/internal/model"
)

// mysqlDuplicateEntry is the server error number for a violated unique
// key. The prohibitions table carries UNIQUE KEY (incident_id), which
// enforces the one-live-prohibition-per-incident invariant at the data
// layer and closes the race between concurrent declarations.
const mysqlDuplicateEntry = 1062

// ProhibitionRepo provides CRUD operations for prohibitions. All
// timestamp fields are stored and compared in UTC. The repository is
// the sole persistence boundary for prohibitions; the service layer
// owns all writes.
type ProhibitionRepo struct {
	db *sql.DB
}

// NewProhibitionRepo returns a new ProhibitionRepo bound to the given database.
func NewProhibitionRepo(db *sql.DB) *ProhibitionRepo { return &ProhibitionRepo{db: db} }

// DB exposes the underlying handle for callers that need transactions.
func (r *ProhibitionRepo) DB() *sql.DB { return r.db }

// ProhibitionFilter narrows and orders List results. Zero-valued
// fields are ignored. Take caps the number of rows; zero means no cap.
type ProhibitionFilter struct {
	RequesterID uint64 // only prohibitions whose incident traces to this requester
	ProviderID  uint64 // only prohibitions whose incident traces to this provider
	Descending  bool   // order by beginning descending instead of ascending
	Take        int    // result cap, 0 = unlimited
}

// ProhibitionDetail is a prohibition row joined with the participant
// ids of its incident chain. It is the shape returned to callers of
// the list endpoint.
type ProhibitionDetail struct {
	ID          uint64    `json:"id"`
	IncidentID  uint64    `json:"incident_id"`
	Beginning   time.Time `json:"beginning"`
	Termination time.Time `json:"termination"`
	RequesterID uint64    `json:"requester_id"`
	ProviderID  uint64    `json:"provider_id"`
}

// Insert persists a new prohibition and populates the generated ID on
// the provided record. A second prohibition for the same incident
// violates the unique key and is reported as ErrConflict carrying the
// incident id.
func (r *ProhibitionRepo) Insert(ctx context.Context, p *model.Prohibition) (uint64, error) {
	const q = `INSERT INTO prohibitions (incident_id, beginning, termination) VALUES (?, ?, ?)`
	result, err := r.db.ExecContext(ctx, q, p.IncidentID, p.Beginning.UTC(), p.Termination.UTC())
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
			return 0, fmt.Errorf("prohibition already declared for incident %d: %w", p.IncidentID, ErrConflict)
		}
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	p.ID = uint64(id)
	return p.ID, nil
}

// FindByIncident returns the live prohibition for an incident, or
// (nil, nil) when none exists. At most one row can match because of
// the unique key on incident_id.
func (r *ProhibitionRepo) FindByIncident(ctx context.Context, incidentID uint64) (*model.Prohibition, error) {
	const q = `SELECT id, incident_id, beginning, termination, created_at
               FROM prohibitions WHERE incident_id = ?`
	var p model.Prohibition
	err := r.db.QueryRowContext(ctx, q, incidentID).Scan(
		&p.ID, &p.IncidentID, &p.Beginning, &p.Termination, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindByID returns a prohibition by its id, or ErrProhibitionNotFound.
func (r *ProhibitionRepo) FindByID(ctx context.Context, id uint64) (*model.Prohibition, error) {
	const q = `SELECT id, incident_id, beginning, termination, created_at
               FROM prohibitions WHERE id = ?`
	var p model.Prohibition
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&p.ID, &p.IncidentID, &p.Beginning, &p.Termination, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prohibition %d: %w", id, ErrProhibitionNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateTermination moves the termination instant of an existing
// prohibition. No other column is ever mutated after declaration.
func (r *ProhibitionRepo) UpdateTermination(ctx context.Context, id uint64, termination time.Time) error {
	const q = `UPDATE prohibitions SET termination = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, q, termination.UTC(), id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("prohibition %d: %w", id, ErrProhibitionNotFound)
	}
	return nil
}

// Delete removes a prohibition. It is used both by manual disdeclare
// and by the scheduled expiry action.
func (r *ProhibitionRepo) Delete(ctx context.Context, id uint64) error {
	const q = `DELETE FROM prohibitions WHERE id = ?`
	result, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("prohibition %d: %w", id, ErrProhibitionNotFound)
	}
	return nil
}

// List returns prohibitions joined with the participant ids of their
// incident chain, filtered and ordered per the supplied filter.
// Ordering is by beginning with id as the stable tie-break (insertion
// order).
func (r *ProhibitionRepo) List(ctx context.Context, f ProhibitionFilter) ([]ProhibitionDetail, error) {
	q := `SELECT p.id, p.incident_id, p.beginning, p.termination, q.requester_id, r.provider_id
          FROM prohibitions p
          JOIN incidents i ON i.id = p.incident_id
          JOIN reservations r ON r.id = i.reservation_id
          JOIN requests q ON q.id = r.request_id`
	args := make([]interface{}, 0, 3)
	where := ""
	if f.RequesterID != 0 {
		where = ` WHERE q.requester_id = ?`
		args = append(args, f.RequesterID)
	}
	if f.ProviderID != 0 {
		if where == "" {
			where = ` WHERE r.provider_id = ?`
		} else {
			where += ` AND r.provider_id = ?`
		}
		args = append(args, f.ProviderID)
	}
	q += where
	if f.Descending {
		q += ` ORDER BY p.beginning DESC, p.id ASC`
	} else {
		q += ` ORDER BY p.beginning ASC, p.id ASC`
	}
	if f.Take > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Take)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	details := make([]ProhibitionDetail, 0)
	for rows.Next() {
		var d ProhibitionDetail
		if err := rows.Scan(&d.ID, &d.IncidentID, &d.Beginning, &d.Termination, &d.RequesterID, &d.ProviderID); err != nil {
			return nil, err
		}
		d.Beginning = d.Beginning.UTC()
		d.Termination = d.Termination.UTC()
		details = append(details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return details, nil
}
