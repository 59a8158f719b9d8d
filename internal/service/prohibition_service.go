// Package service orchestrates the prohibition lifecycle: declaring a
// restriction against an incident, keeping its expiry job in step with
// timeframe edits, and scoping reads to the caller's participation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/imignatov/reservation-disputes/internal/clock"
	"github.com/imignatov/reservation-disputes/internal/model"
	"github.com/imignatov/reservation-disputes/internal/queue"
	"github.com/imignatov/reservation-disputes/internal/repository"
	"github.com/imignatov/reservation-disputes/internal/scheduler"
)

// terminateTimeout bounds the persistence work done by a firing expiry
// job, which runs on a scheduler goroutine with no request context.
const terminateTimeout = 5 * time.Second

// ProhibitionStore is the persistence boundary for prohibitions. It is
// satisfied by repository.ProhibitionRepo; tests substitute an
// in-memory implementation. Insert must enforce the one-live-
// prohibition-per-incident constraint itself (ErrConflict) so that
// concurrent declarations for the same incident cannot both succeed.
type ProhibitionStore interface {
	Insert(ctx context.Context, p *model.Prohibition) (uint64, error)
	FindByIncident(ctx context.Context, incidentID uint64) (*model.Prohibition, error)
	FindByID(ctx context.Context, id uint64) (*model.Prohibition, error)
	UpdateTermination(ctx context.Context, id uint64, termination time.Time) error
	Delete(ctx context.Context, id uint64) error
	List(ctx context.Context, f repository.ProhibitionFilter) ([]repository.ProhibitionDetail, error)
}

// IncidentSource supplies incidents and their participant chain. The
// service trusts the incident's existence and status as given and
// never mutates it.
type IncidentSource interface {
	GetByID(ctx context.Context, incidentID uint64) (*model.Incident, error)
}

// Scheduler is the delayed-execution collaborator used for automatic
// expiry. Satisfied by scheduler.TimerScheduler.
type Scheduler interface {
	Schedule(prohibitionID uint64, fireAt time.Time, act scheduler.Action) (uint64, error)
	Cancel(jobID uint64)
	Reschedule(jobID uint64, newFireAt time.Time) (uint64, error)
}

// EventPublisher emits lifecycle events. Publishing is best-effort;
// failures are logged and never fail the operation that produced them.
type EventPublisher interface {
	PublishProhibitionEvent(ctx context.Context, event queue.ProhibitionEvent) error
}

// ProhibitionService owns all prohibition writes and keeps the store
// and the scheduler in step: every live prohibition has exactly one
// live expiry job, and every scheduler call for a record happens under
// that record's lock so alter, disdeclare and automatic termination
// serialize against each other.
type ProhibitionService struct {
	store     ProhibitionStore
	incidents IncidentSource
	sched     Scheduler
	events    EventPublisher // may be nil; lifecycle events are then skipped
	clk       clock.Clock

	mu    sync.Mutex
	locks map[uint64]*sync.Mutex // per-prohibition-id serialization
	jobs  map[uint64]uint64      // prohibition id -> live job id
}

// NewProhibitionService constructs the service. store, incidents and
// sched must be non-nil; events may be nil and a nil clock defaults to
// the system clock.
func NewProhibitionService(store ProhibitionStore, incidents IncidentSource, sched Scheduler, events EventPublisher, clk clock.Clock) *ProhibitionService {
	if store == nil || incidents == nil || sched == nil {
		panic("nil dependency passed to NewProhibitionService")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &ProhibitionService{
		store:     store,
		incidents: incidents,
		sched:     sched,
		events:    events,
		clk:       clk,
		locks:     make(map[uint64]*sync.Mutex),
		jobs:      make(map[uint64]uint64),
	}
}

// DeclareProhibition imposes a restriction against an incident until
// termination. The incident must exist with recorded participants,
// beginning must precede termination, and no live prohibition may
// exist for the incident. The store insert and the expiry schedule are
// one unit: if scheduling fails, the insert is rolled back with a
// compensating delete before the error is surfaced.
func (s *ProhibitionService) DeclareProhibition(ctx context.Context, incidentID uint64, beginning, termination time.Time) (uint64, error) {
	if !termination.After(beginning) {
		return 0, fmt.Errorf("prohibition for incident %d: termination %s is not after beginning %s: %w",
			incidentID, termination.UTC().Format(time.RFC3339), beginning.UTC().Format(time.RFC3339), repository.ErrConflict)
	}
	inc, err := s.incidents.GetByID(ctx, incidentID)
	if err != nil {
		return 0, err
	}
	// Fast-path check; the authoritative guard is the store's unique
	// constraint on incident_id, which closes the race between
	// concurrent declarations.
	if existing, err := s.store.FindByIncident(ctx, incidentID); err != nil {
		return 0, err
	} else if existing != nil {
		return 0, fmt.Errorf("prohibition %d already declared for incident %d: %w", existing.ID, incidentID, repository.ErrConflict)
	}

	p := &model.Prohibition{
		IncidentID:  inc.ID,
		Beginning:   beginning.UTC(),
		Termination: termination.UTC(),
	}
	id, err := s.store.Insert(ctx, p)
	if err != nil {
		return 0, err
	}

	lk := s.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	jobID, err := s.sched.Schedule(id, p.Termination, s.terminate)
	if err != nil {
		// Compensating delete; best-effort and logged, never swallowed.
		if delErr := s.store.Delete(ctx, id); delErr != nil && !errors.Is(delErr, repository.ErrProhibitionNotFound) {
			log.Printf("prohibition-service: rollback of prohibition %d after schedule failure: %v", id, delErr)
		}
		return 0, fmt.Errorf("schedule expiry for prohibition %d: %w", id, err)
	}
	s.setJob(id, jobID)
	s.publish(ctx, queue.ActionDeclared, p)
	return id, nil
}

// ObtainProhibitions lists prohibitions visible to the caller.
// Administrators may narrow by requester or provider id; any explicit
// id filter supplied by a non-admin caller is ignored and replaced by
// a forced filter on the caller's own identity, so parameter injection
// can never widen visibility.
func (s *ProhibitionService) ObtainProhibitions(ctx context.Context, caller model.Caller, f repository.ProhibitionFilter) ([]repository.ProhibitionDetail, error) {
	switch caller.Privilege {
	case model.PrivilegeAdmin:
		// filters honored as supplied
	case model.PrivilegeRequester:
		f.RequesterID = caller.ID
		f.ProviderID = 0
	case model.PrivilegeProvider:
		f.ProviderID = caller.ID
		f.RequesterID = 0
	default:
		return nil, fmt.Errorf("privilege %q: %w", caller.Privilege, repository.ErrForbidden)
	}
	return s.store.List(ctx, f)
}

// GetProhibition returns a single prohibition if the caller is a
// participant of its incident chain (or an administrator).
func (s *ProhibitionService) GetProhibition(ctx context.Context, caller model.Caller, id uint64) (*model.Prohibition, error) {
	p, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	inc, err := s.incidents.GetByID(ctx, p.IncidentID)
	if err != nil {
		return nil, err
	}
	if !model.IsParticipant(caller, inc) {
		return nil, fmt.Errorf("prohibition %d: caller %d: %w", id, caller.ID, repository.ErrForbidden)
	}
	return p, nil
}

// AlterTimeframe moves the termination of a live prohibition. The new
// instant may shorten or extend the restriction but must stay after
// its beginning; a past instant fires termination immediately. The
// prior expiry job is cancelled atomically with scheduling the new one
// (under the per-id lock), so termination never fires twice and never
// fires at the stale time. On schedule failure the stored termination
// is reverted before the error is surfaced.
func (s *ProhibitionService) AlterTimeframe(ctx context.Context, id uint64, newTermination time.Time) (uint64, error) {
	lk := s.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	p, err := s.store.FindByID(ctx, id)
	if err != nil {
		return 0, err
	}
	nt := newTermination.UTC()
	if !nt.After(p.Beginning) {
		return 0, fmt.Errorf("prohibition %d: termination %s is not after beginning %s: %w",
			id, nt.Format(time.RFC3339), p.Beginning.UTC().Format(time.RFC3339), repository.ErrConflict)
	}
	if err := s.store.UpdateTermination(ctx, id, nt); err != nil {
		return 0, err
	}

	var jobID uint64
	oldJob, hasJob := s.currentJob(id)
	if hasJob {
		jobID, err = s.sched.Reschedule(oldJob, nt)
		if errors.Is(err, scheduler.ErrUnknownJob) {
			// The old handle went inert (e.g. lost on restart before the
			// startup re-scan reached it); schedule afresh.
			jobID, err = s.sched.Schedule(id, nt, s.terminate)
		}
	} else {
		jobID, err = s.sched.Schedule(id, nt, s.terminate)
	}
	if err != nil {
		if revErr := s.store.UpdateTermination(ctx, id, p.Termination); revErr != nil && !errors.Is(revErr, repository.ErrProhibitionNotFound) {
			log.Printf("prohibition-service: revert termination of prohibition %d after reschedule failure: %v", id, revErr)
		}
		return 0, fmt.Errorf("reschedule expiry for prohibition %d: %w", id, err)
	}
	s.setJob(id, jobID)

	p.Termination = nt
	s.publish(ctx, queue.ActionAltered, p)
	return id, nil
}

// DisdeclareProhibition lifts a restriction manually. The expiry job
// is cancelled before the record is deleted so a firing between the
// two steps cannot produce a spurious expired event for a restriction
// that was lifted by hand.
func (s *ProhibitionService) DisdeclareProhibition(ctx context.Context, id uint64) (uint64, error) {
	lk := s.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	p, err := s.store.FindByID(ctx, id)
	if err != nil {
		return 0, err
	}
	if jobID, ok := s.currentJob(id); ok {
		s.sched.Cancel(jobID)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return 0, err
	}
	s.clearJob(id)
	s.publish(ctx, queue.ActionLifted, p)
	return id, nil
}

// RestorePending re-derives expiry jobs from the store. The timer
// scheduler is not durable, so this runs once on startup: every
// persisted prohibition gets a job at its termination, and records
// whose termination already passed fire immediately.
func (s *ProhibitionService) RestorePending(ctx context.Context) error {
	items, err := s.store.List(ctx, repository.ProhibitionFilter{})
	if err != nil {
		return fmt.Errorf("scan prohibitions for rescheduling: %w", err)
	}
	for _, it := range items {
		lk := s.lockFor(it.ID)
		lk.Lock()
		jobID, err := s.sched.Schedule(it.ID, it.Termination, s.terminate)
		if err != nil {
			lk.Unlock()
			return fmt.Errorf("reschedule expiry for prohibition %d: %w", it.ID, err)
		}
		s.setJob(it.ID, jobID)
		lk.Unlock()
	}
	if len(items) > 0 {
		log.Printf("prohibition-service: rescheduled %d pending expiries", len(items))
	}
	return nil
}

// terminate is the scheduled expiry action. It runs on a scheduler
// goroutine, never for a caller, so its errors are logged by the
// scheduler rather than surfaced to a request. The job-identity check
// under the per-id lock makes stale firings (a timer that went off
// while an alter or disdeclare was holding the lock) harmless no-ops,
// and a record already removed by manual cancellation is tolerated
// silently.
func (s *ProhibitionService) terminate(prohibitionID, jobID uint64) error {
	lk := s.lockFor(prohibitionID)
	lk.Lock()
	defer lk.Unlock()

	if current, ok := s.currentJob(prohibitionID); !ok || current != jobID {
		return nil // superseded by alter or disdeclare
	}

	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()

	p, err := s.store.FindByID(ctx, prohibitionID)
	if errors.Is(err, repository.ErrProhibitionNotFound) {
		s.clearJob(prohibitionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load prohibition %d for expiry: %w", prohibitionID, err)
	}
	if err := s.store.Delete(ctx, prohibitionID); err != nil {
		if errors.Is(err, repository.ErrProhibitionNotFound) {
			s.clearJob(prohibitionID)
			return nil
		}
		return fmt.Errorf("expire prohibition %d: %w", prohibitionID, err)
	}
	s.clearJob(prohibitionID)
	s.publish(ctx, queue.ActionExpired, p)
	return nil
}

// publish emits a lifecycle event when a publisher is configured.
// Failures are logged, never propagated: the restriction state change
// already happened and must not be undone by a broker hiccup.
func (s *ProhibitionService) publish(ctx context.Context, action string, p *model.Prohibition) {
	if s.events == nil {
		return
	}
	ev := queue.ProhibitionEvent{
		Action:        action,
		ProhibitionID: p.ID,
		IncidentID:    p.IncidentID,
		Beginning:     p.Beginning.UTC().Format(time.RFC3339),
		Termination:   p.Termination.UTC().Format(time.RFC3339),
		OccurredAt:    s.clk.Now().Format(time.RFC3339),
	}
	if err := s.events.PublishProhibitionEvent(ctx, ev); err != nil {
		log.Printf("prohibition-service: publish %s event for prohibition %d: %v", action, p.ID, err)
	}
}

// lockFor returns the mutex serializing operations on one prohibition
// id. Lock entries are kept for the life of the process; ids are
// monotonically increasing database keys, so the map growth matches
// the number of prohibitions ever touched.
func (s *ProhibitionService) lockFor(id uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[id] = lk
	}
	return lk
}

func (s *ProhibitionService) setJob(prohibitionID, jobID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[prohibitionID] = jobID
}

func (s *ProhibitionService) currentJob(prohibitionID uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, ok := s.jobs[prohibitionID]
	return jobID, ok
}

func (s *ProhibitionService) clearJob(prohibitionID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, prohibitionID)
}
