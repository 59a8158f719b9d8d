package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/imignatov/reservation-disputes/internal/clock"
	"github.com/imignatov/reservation-disputes/internal/model"
	"github.com/imignatov/reservation-disputes/internal/queue"
	"github.com/imignatov/reservation-disputes/internal/repository"
	"github.com/imignatov/reservation-disputes/internal/scheduler"
)

// fakeIncidents serves incidents from a fixed map. Missing ids behave
// like a broken participant chain: ErrIncidentNotFound.
type fakeIncidents struct {
	byID map[uint64]*model.Incident
}

func (f *fakeIncidents) GetByID(ctx context.Context, incidentID uint64) (*model.Incident, error) {
	inc, ok := f.byID[incidentID]
	if !ok {
		return nil, fmt.Errorf("incident %d: %w", incidentID, repository.ErrIncidentNotFound)
	}
	cp := *inc
	return &cp, nil
}

// memoryStore implements ProhibitionStore with the same uniqueness
// guarantee as the MySQL repository: Insert itself rejects a second
// record for an incident, so check-then-insert races cannot slip
// through.
type memoryStore struct {
	incidents *fakeIncidents

	mu     sync.Mutex
	nextID uint64
	items  map[uint64]*model.Prohibition
}

func newMemoryStore(incidents *fakeIncidents) *memoryStore {
	return &memoryStore{incidents: incidents, items: make(map[uint64]*model.Prohibition)}
}

func (m *memoryStore) Insert(ctx context.Context, p *model.Prohibition) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.items {
		if existing.IncidentID == p.IncidentID {
			return 0, fmt.Errorf("prohibition already declared for incident %d: %w", p.IncidentID, repository.ErrConflict)
		}
	}
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Now().UTC()
	cp := *p
	m.items[p.ID] = &cp
	return p.ID, nil
}

func (m *memoryStore) FindByIncident(ctx context.Context, incidentID uint64) (*model.Prohibition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.items {
		if p.IncidentID == incidentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memoryStore) FindByID(ctx context.Context, id uint64) (*model.Prohibition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("prohibition %d: %w", id, repository.ErrProhibitionNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *memoryStore) UpdateTermination(ctx context.Context, id uint64, termination time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return fmt.Errorf("prohibition %d: %w", id, repository.ErrProhibitionNotFound)
	}
	p.Termination = termination.UTC()
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("prohibition %d: %w", id, repository.ErrProhibitionNotFound)
	}
	delete(m.items, id)
	return nil
}

func (m *memoryStore) List(ctx context.Context, f repository.ProhibitionFilter) ([]repository.ProhibitionDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	details := make([]repository.ProhibitionDetail, 0, len(m.items))
	for _, p := range m.items {
		inc, ok := m.incidents.byID[p.IncidentID]
		if !ok {
			continue
		}
		if f.RequesterID != 0 && inc.RequesterID != f.RequesterID {
			continue
		}
		if f.ProviderID != 0 && inc.ProviderID != f.ProviderID {
			continue
		}
		details = append(details, repository.ProhibitionDetail{
			ID:          p.ID,
			IncidentID:  p.IncidentID,
			Beginning:   p.Beginning,
			Termination: p.Termination,
			RequesterID: inc.RequesterID,
			ProviderID:  inc.ProviderID,
		})
	}
	sort.SliceStable(details, func(i, j int) bool {
		a, b := details[i], details[j]
		if a.Beginning.Equal(b.Beginning) {
			return a.ID < b.ID
		}
		if f.Descending {
			return a.Beginning.After(b.Beginning)
		}
		return a.Beginning.Before(b.Beginning)
	})
	if f.Take > 0 && len(details) > f.Take {
		details = details[:f.Take]
	}
	return details, nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// countingPublisher records lifecycle events by action and keeps the
// most recent one for payload assertions.
type countingPublisher struct {
	mu     sync.Mutex
	counts map[string]int
	last   queue.ProhibitionEvent
}

func newCountingPublisher() *countingPublisher {
	return &countingPublisher{counts: make(map[string]int)}
}

func (p *countingPublisher) PublishProhibitionEvent(ctx context.Context, ev queue.ProhibitionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[ev.Action]++
	p.last = ev
	return nil
}

func (p *countingPublisher) count(action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[action]
}

func (p *countingPublisher) lastEvent() queue.ProhibitionEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// failingScheduler rejects every schedule call, for the rollback paths.
type failingScheduler struct{}

func (failingScheduler) Schedule(prohibitionID uint64, fireAt time.Time, act scheduler.Action) (uint64, error) {
	return 0, errors.New("scheduler unavailable")
}
func (failingScheduler) Cancel(jobID uint64) {}
func (failingScheduler) Reschedule(jobID uint64, newFireAt time.Time) (uint64, error) {
	return 0, errors.New("scheduler unavailable")
}

func testIncidents() *fakeIncidents {
	return &fakeIncidents{byID: map[uint64]*model.Incident{
		1: {ID: 1, ReservationID: 100, Status: "SUBSTANTIATED", RequesterID: 10, ProviderID: 20},
		2: {ID: 2, ReservationID: 101, Status: "SUBSTANTIATED", RequesterID: 11, ProviderID: 21},
	}}
}

func newTestService(t *testing.T) (*ProhibitionService, *memoryStore, *countingPublisher) {
	t.Helper()
	incidents := testIncidents()
	store := newMemoryStore(incidents)
	sched := scheduler.NewTimerScheduler(nil)
	t.Cleanup(sched.Close)
	pub := newCountingPublisher()
	svc := NewProhibitionService(store, incidents, sched, pub, clock.NewSystem())
	return svc, store, pub
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestDeclareThenObtain(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	admin := model.Caller{ID: 1, Privilege: model.PrivilegeAdmin}

	beginning := time.Now().UTC()
	termination := beginning.Add(time.Hour)
	id, err := svc.DeclareProhibition(ctx, 1, beginning, termination)
	if err != nil {
		t.Fatalf("DeclareProhibition returned error: %v", err)
	}
	if id == 0 {
		t.Fatalf("DeclareProhibition returned zero id")
	}

	items, err := svc.ObtainProhibitions(ctx, admin, repository.ProhibitionFilter{})
	if err != nil {
		t.Fatalf("ObtainProhibitions returned error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d prohibitions, want 1", len(items))
	}
	got := items[0]
	if got.ID != id || got.IncidentID != 1 || got.RequesterID != 10 || got.ProviderID != 20 {
		t.Errorf("unexpected detail %+v", got)
	}
	if !got.Termination.Equal(termination) {
		t.Errorf("termination = %v, want %v", got.Termination, termination)
	}
}

func TestDeclareValidation(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := svc.DeclareProhibition(ctx, 1, now, now); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("termination == beginning: error = %v, want ErrConflict", err)
	}
	if _, err := svc.DeclareProhibition(ctx, 1, now, now.Add(-time.Minute)); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("termination before beginning: error = %v, want ErrConflict", err)
	}
	if _, err := svc.DeclareProhibition(ctx, 999, now, now.Add(time.Hour)); !errors.Is(err, repository.ErrIncidentNotFound) {
		t.Errorf("missing incident: error = %v, want ErrIncidentNotFound", err)
	}
	if store.count() != 0 {
		t.Errorf("store holds %d records after rejected declarations, want 0", store.count())
	}
}

func TestConcurrentDeclareSingleWinner(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.DeclareProhibition(ctx, 1, now, now.Add(time.Hour))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, repository.ErrConflict) {
			t.Errorf("goroutine %d: error = %v, want ErrConflict", i, err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d declarations succeeded, want exactly 1", succeeded)
	}
	if store.count() != 1 {
		t.Errorf("store holds %d records, want 1", store.count())
	}
}

func TestDeclareRollsBackOnScheduleFailure(t *testing.T) {
	incidents := testIncidents()
	store := newMemoryStore(incidents)
	svc := NewProhibitionService(store, incidents, failingScheduler{}, nil, clock.NewSystem())
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := svc.DeclareProhibition(ctx, 1, now, now.Add(time.Hour)); err == nil {
		t.Fatalf("DeclareProhibition succeeded with a failing scheduler")
	}
	if store.count() != 0 {
		t.Fatalf("store holds %d records after rollback, want 0", store.count())
	}
}

func TestAutoExpiry(t *testing.T) {
	svc, store, pub := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := svc.DeclareProhibition(ctx, 1, now, now.Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("DeclareProhibition returned error: %v", err)
	}
	if !waitFor(t, 500*time.Millisecond, func() bool { return store.count() == 0 }) {
		t.Fatalf("prohibition still present after its termination instant")
	}
	time.Sleep(100 * time.Millisecond)
	if n := pub.count(queue.ActionExpired); n != 1 {
		t.Errorf("expired events = %d, want exactly 1", n)
	}
	// Disdeclaring an already-expired prohibition is NotFound, never Conflict.
	if _, err := svc.DisdeclareProhibition(ctx, id); !errors.Is(err, repository.ErrProhibitionNotFound) {
		t.Errorf("disdeclare after expiry: error = %v, want ErrProhibitionNotFound", err)
	}
}

func TestAlterEarlierCancelsOriginalExpiry(t *testing.T) {
	svc, store, pub := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := svc.DeclareProhibition(ctx, 1, now, now.Add(600*time.Millisecond))
	if err != nil {
		t.Fatalf("DeclareProhibition returned error: %v", err)
	}
	if _, err := svc.AlterTimeframe(ctx, id, now.Add(50*time.Millisecond)); err != nil {
		t.Fatalf("AlterTimeframe returned error: %v", err)
	}
	if !waitFor(t, 200*time.Millisecond, func() bool { return store.count() == 0 }) {
		t.Fatalf("prohibition not gone shortly after the shortened termination")
	}
	// Wait past the original instant: the stale job must not fire a second time.
	time.Sleep(700 * time.Millisecond)
	if n := pub.count(queue.ActionExpired); n != 1 {
		t.Errorf("expired events = %d, want exactly 1", n)
	}
}

func TestAlterTimeframeRoundTrip(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	admin := model.Caller{ID: 1, Privilege: model.PrivilegeAdmin}
	now := time.Now().UTC()

	id, err := svc.DeclareProhibition(ctx, 1, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeclareProhibition returned error: %v", err)
	}
	t2 := now.Add(2 * time.Hour)
	if _, err := svc.AlterTimeframe(ctx, id, t2); err != nil {
		t.Fatalf("AlterTimeframe returned error: %v", err)
	}
	p, err := svc.GetProhibition(ctx, admin, id)
	if err != nil {
		t.Fatalf("GetProhibition returned error: %v", err)
	}
	if !p.Termination.Equal(t2) {
		t.Errorf("termination = %v, want %v", p.Termination, t2)
	}
}

func TestAlterValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := svc.AlterTimeframe(ctx, 12345, now.Add(time.Hour)); !errors.Is(err, repository.ErrProhibitionNotFound) {
		t.Errorf("alter on missing id: error = %v, want ErrProhibitionNotFound", err)
	}

	id, err := svc.DeclareProhibition(ctx, 1, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeclareProhibition returned error: %v", err)
	}
	if _, err := svc.AlterTimeframe(ctx, id, now.Add(-time.Hour)); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("termination before beginning: error = %v, want ErrConflict", err)
	}
}

func TestAlterToPastFiresImmediately(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := svc.DeclareProhibition(ctx, 1, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeclareProhibition returned error: %v", err)
	}
	// Still after beginning, already in the past: termination fires at once.
	if _, err := svc.AlterTimeframe(ctx, id, now.Add(-time.Minute)); err != nil {
		t.Fatalf("AlterTimeframe returned error: %v", err)
	}
	if !waitFor(t, 300*time.Millisecond, func() bool { return store.count() == 0 }) {
		t.Fatalf("past termination did not fire immediately")
	}
}

func TestDisdeclareCancelsExpiry(t *testing.T) {
	svc, store, pub := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := svc.DeclareProhibition(ctx, 1, now, now.Add(80*time.Millisecond))
	if err != nil {
		t.Fatalf("DeclareProhibition returned error: %v", err)
	}
	if _, err := svc.DisdeclareProhibition(ctx, id); err != nil {
		t.Fatalf("DisdeclareProhibition returned error: %v", err)
	}
	if store.count() != 0 {
		t.Fatalf("store holds %d records after disdeclare, want 0", store.count())
	}
	// The cancelled job must not fire a spurious expired event later.
	time.Sleep(200 * time.Millisecond)
	if n := pub.count(queue.ActionExpired); n != 0 {
		t.Errorf("expired events = %d after manual lift, want 0", n)
	}
	if n := pub.count(queue.ActionLifted); n != 1 {
		t.Errorf("lifted events = %d, want 1", n)
	}
	if _, err := svc.DisdeclareProhibition(ctx, id); !errors.Is(err, repository.ErrProhibitionNotFound) {
		t.Errorf("second disdeclare: error = %v, want ErrProhibitionNotFound", err)
	}
}

func TestObtainScopedByParticipant(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id1, err := svc.DeclareProhibition(ctx, 1, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("declare incident 1: %v", err)
	}
	id2, err := svc.DeclareProhibition(ctx, 2, now.Add(time.Minute), now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("declare incident 2: %v", err)
	}

	// A requester supplying someone else's provider filter gets their own
	// participant-scoped results; the filter is ignored, not honored.
	requester := model.Caller{ID: 10, Privilege: model.PrivilegeRequester}
	items, err := svc.ObtainProhibitions(ctx, requester, repository.ProhibitionFilter{ProviderID: 21})
	if err != nil {
		t.Fatalf("ObtainProhibitions returned error: %v", err)
	}
	if len(items) != 1 || items[0].ID != id1 {
		t.Fatalf("requester 10 sees %+v, want only prohibition %d", items, id1)
	}

	provider := model.Caller{ID: 21, Privilege: model.PrivilegeProvider}
	items, err = svc.ObtainProhibitions(ctx, provider, repository.ProhibitionFilter{RequesterID: 10})
	if err != nil {
		t.Fatalf("ObtainProhibitions returned error: %v", err)
	}
	if len(items) != 1 || items[0].ID != id2 {
		t.Fatalf("provider 21 sees %+v, want only prohibition %d", items, id2)
	}

	// Administrators keep full filter control.
	admin := model.Caller{ID: 1, Privilege: model.PrivilegeAdmin}
	items, err = svc.ObtainProhibitions(ctx, admin, repository.ProhibitionFilter{RequesterID: 11})
	if err != nil {
		t.Fatalf("ObtainProhibitions returned error: %v", err)
	}
	if len(items) != 1 || items[0].ID != id2 {
		t.Fatalf("admin filter requester=11 sees %+v, want only prohibition %d", items, id2)
	}
}

func TestObtainOrderingAndTake(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	admin := model.Caller{ID: 1, Privilege: model.PrivilegeAdmin}
	now := time.Now().UTC()

	// Incident 2 begins earlier than incident 1.
	idLater, err := svc.DeclareProhibition(ctx, 1, now.Add(time.Minute), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	idEarlier, err := svc.DeclareProhibition(ctx, 2, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("declare: %v", err)
	}

	items, err := svc.ObtainProhibitions(ctx, admin, repository.ProhibitionFilter{})
	if err != nil {
		t.Fatalf("ObtainProhibitions returned error: %v", err)
	}
	if len(items) != 2 || items[0].ID != idEarlier || items[1].ID != idLater {
		t.Fatalf("ascending order got %+v, want [%d %d]", items, idEarlier, idLater)
	}

	items, err = svc.ObtainProhibitions(ctx, admin, repository.ProhibitionFilter{Descending: true, Take: 1})
	if err != nil {
		t.Fatalf("ObtainProhibitions returned error: %v", err)
	}
	if len(items) != 1 || items[0].ID != idLater {
		t.Fatalf("descending take=1 got %+v, want [%d]", items, idLater)
	}
}

func TestGetProhibitionAuthorization(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := svc.DeclareProhibition(ctx, 1, now, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeclareProhibition returned error: %v", err)
	}

	if _, err := svc.GetProhibition(ctx, model.Caller{ID: 10, Privilege: model.PrivilegeRequester}, id); err != nil {
		t.Errorf("participant requester denied: %v", err)
	}
	if _, err := svc.GetProhibition(ctx, model.Caller{ID: 20, Privilege: model.PrivilegeProvider}, id); err != nil {
		t.Errorf("participant provider denied: %v", err)
	}
	if _, err := svc.GetProhibition(ctx, model.Caller{ID: 99, Privilege: model.PrivilegeRequester}, id); !errors.Is(err, repository.ErrForbidden) {
		t.Errorf("non-participant: error = %v, want ErrForbidden", err)
	}
}

func TestLifecycleEventPayload(t *testing.T) {
	incidents := testIncidents()
	store := newMemoryStore(incidents)
	sched := scheduler.NewTimerScheduler(nil)
	defer sched.Close()
	pub := newCountingPublisher()
	occurred := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	svc := NewProhibitionService(store, incidents, sched, pub, clock.NewFixed(occurred))
	ctx := context.Background()

	beginning := occurred.Add(-time.Hour)
	termination := occurred.Add(time.Hour)
	id, err := svc.DeclareProhibition(ctx, 1, beginning, termination)
	if err != nil {
		t.Fatalf("DeclareProhibition returned error: %v", err)
	}

	ev := pub.lastEvent()
	if ev.Action != queue.ActionDeclared {
		t.Errorf("action = %q, want %q", ev.Action, queue.ActionDeclared)
	}
	if ev.ProhibitionID != id || ev.IncidentID != 1 {
		t.Errorf("event ids = (%d, %d), want (%d, 1)", ev.ProhibitionID, ev.IncidentID, id)
	}
	if ev.Beginning != beginning.Format(time.RFC3339) || ev.Termination != termination.Format(time.RFC3339) {
		t.Errorf("event instants = (%s, %s), want RFC3339 of (%v, %v)", ev.Beginning, ev.Termination, beginning, termination)
	}
	if ev.OccurredAt != occurred.Format(time.RFC3339) {
		t.Errorf("occurred_at = %s, want %s", ev.OccurredAt, occurred.Format(time.RFC3339))
	}
}

func TestRestorePendingReschedulesFromStore(t *testing.T) {
	incidents := testIncidents()
	store := newMemoryStore(incidents)
	sched := scheduler.NewTimerScheduler(nil)
	defer sched.Close()
	svc := NewProhibitionService(store, incidents, sched, nil, clock.NewSystem())
	ctx := context.Background()
	now := time.Now().UTC()

	// A prohibition persisted by a previous process whose expiry job
	// was lost with that process.
	if _, err := store.Insert(ctx, &model.Prohibition{
		IncidentID:  1,
		Beginning:   now.Add(-time.Minute),
		Termination: now.Add(50 * time.Millisecond),
	}); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	if err := svc.RestorePending(ctx); err != nil {
		t.Fatalf("RestorePending returned error: %v", err)
	}
	if !waitFor(t, 500*time.Millisecond, func() bool { return store.count() == 0 }) {
		t.Fatalf("restored prohibition did not expire")
	}
}
