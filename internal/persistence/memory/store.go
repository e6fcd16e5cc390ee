// Package memory provides an in-memory ledger store for unit tests and local
// development. Transactions run against a deep copy of the state under one
// store-wide mutex, so they are serializable by construction and roll back by
// simply discarding the copy.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/scheduling/internal/domain"
	"example.com/scheduling/internal/views"
)

type assignmentKey struct {
	memberID   string
	facilityID string
	kind       domain.SubjectKind
	subjectID  string
}

type completionKey struct {
	memberID  string
	subjectID string
	date      string
}

type snapshotKey struct {
	memberID   string
	facilityID string
	pt         domain.ProgressType
	date       string
}

type state struct {
	schedules     map[string]domain.Schedule
	slots         map[string][]domain.ScheduleSlot
	plans         map[string]domain.SchedulePlan
	enrollments   map[string]domain.Enrollment
	assignments   map[assignmentKey]bool
	completions   map[completionKey]domain.CompletionRecord
	snapshots     map[snapshotKey]domain.ProgressSnapshot
	measurements  []domain.Measurement
	invalidations []views.Invalidation
}

func newState() *state {
	return &state{
		schedules:   make(map[string]domain.Schedule),
		slots:       make(map[string][]domain.ScheduleSlot),
		plans:       make(map[string]domain.SchedulePlan),
		enrollments: make(map[string]domain.Enrollment),
		assignments: make(map[assignmentKey]bool),
		completions: make(map[completionKey]domain.CompletionRecord),
		snapshots:   make(map[snapshotKey]domain.ProgressSnapshot),
	}
}

func (st *state) clone() *state {
	out := newState()
	for k, v := range st.schedules {
		out.schedules[k] = v
	}
	for k, v := range st.slots {
		out.slots[k] = append([]domain.ScheduleSlot(nil), v...)
	}
	for k, v := range st.plans {
		out.plans[k] = v
	}
	for k, v := range st.enrollments {
		v.SlotIDs = append([]string(nil), v.SlotIDs...)
		out.enrollments[k] = v
	}
	for k, v := range st.assignments {
		out.assignments[k] = v
	}
	for k, v := range st.completions {
		out.completions[k] = v
	}
	for k, v := range st.snapshots {
		out.snapshots[k] = v
	}
	out.measurements = append([]domain.Measurement(nil), st.measurements...)
	out.invalidations = append([]views.Invalidation(nil), st.invalidations...)
	return out
}

// Store implements domain.Store in memory.
type Store struct {
	mu sync.Mutex
	st *state
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{st: newState()}
}

// RunInTx executes fn against a copy of the state; the copy becomes the new
// state only when fn succeeds.
func (s *Store) RunInTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.st.clone()
	if err := fn(&memTx{st: working}); err != nil {
		return err
	}
	s.st = working
	return nil
}

// Seeding helpers for tests and local development.

// AddSchedule registers a schedule.
func (s *Store) AddSchedule(sched domain.Schedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.schedules[sched.ID] = sched
}

// AddSlot registers a slot under its schedule.
func (s *Store) AddSlot(slot domain.ScheduleSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.slots[slot.ScheduleID] = append(s.st.slots[slot.ScheduleID], slot)
}

// AddPlan registers a schedule plan.
func (s *Store) AddPlan(plan domain.SchedulePlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.plans[plan.ID] = plan
}

// AddAssignment marks a subject as actively assigned to a member.
func (s *Store) AddAssignment(memberID, facilityID string, kind domain.SubjectKind, subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.assignments[assignmentKey{memberID, facilityID, kind, subjectID}] = true
}

// AddMeasurement registers a body measurement.
func (s *Store) AddMeasurement(m domain.Measurement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.measurements = append(s.st.measurements, m)
}

// PlanVacancies reports the committed vacancy counter, for test assertions.
func (s *Store) PlanVacancies(planID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.plans[planID].Vacancies
}

// Completions returns the committed completion records for a member, for
// test assertions.
func (s *Store) Completions(memberID string) []domain.CompletionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CompletionRecord
	for _, rec := range s.st.completions {
		if rec.MemberID == memberID {
			out = append(out, rec)
		}
	}
	return out
}

// Invalidations returns the committed stale-view signals in enqueue order.
func (s *Store) Invalidations() []views.Invalidation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]views.Invalidation(nil), s.st.invalidations...)
}

type memTx struct {
	st *state
}

func (t *memTx) GetSchedule(ctx context.Context, scheduleID string) (*domain.Schedule, error) {
	if sched, ok := t.st.schedules[scheduleID]; ok {
		return &sched, nil
	}
	return nil, nil
}

func (t *memTx) ListSlots(ctx context.Context, scheduleID string) ([]domain.ScheduleSlot, error) {
	return append([]domain.ScheduleSlot(nil), t.st.slots[scheduleID]...), nil
}

func (t *memTx) GetPlan(ctx context.Context, planID string) (*domain.SchedulePlan, error) {
	if plan, ok := t.st.plans[planID]; ok {
		return &plan, nil
	}
	return nil, nil
}

func (t *memTx) ReserveVacancy(ctx context.Context, planID string) error {
	plan, ok := t.st.plans[planID]
	if !ok {
		return domain.ErrNotFound
	}
	if plan.Vacancies <= 0 {
		return domain.ErrInsufficientCapacity
	}
	plan.Vacancies--
	t.st.plans[planID] = plan
	return nil
}

func (t *memTx) ReleaseVacancy(ctx context.Context, planID string) error {
	plan, ok := t.st.plans[planID]
	if !ok {
		return domain.ErrNotFound
	}
	plan.Vacancies++
	t.st.plans[planID] = plan
	return nil
}

func (t *memTx) GetEnrollment(ctx context.Context, enrollmentID string) (*domain.Enrollment, error) {
	if e, ok := t.st.enrollments[enrollmentID]; ok {
		e.SlotIDs = append([]string(nil), e.SlotIDs...)
		return &e, nil
	}
	return nil, nil
}

func (t *memTx) FindEnrollment(ctx context.Context, memberID, planID string, status domain.EnrollmentStatus) (*domain.Enrollment, error) {
	for _, e := range t.st.enrollments {
		if e.MemberID == memberID && e.SchedulePlanID == planID && e.Status == status {
			e.SlotIDs = append([]string(nil), e.SlotIDs...)
			return &e, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertEnrollment(ctx context.Context, e domain.Enrollment) error {
	t.st.enrollments[e.ID] = e
	return nil
}

func (t *memTx) UpdateEnrollment(ctx context.Context, e domain.Enrollment) error {
	if _, ok := t.st.enrollments[e.ID]; !ok {
		return domain.ErrNotFound
	}
	slots := t.st.enrollments[e.ID].SlotIDs
	e.SlotIDs = slots
	t.st.enrollments[e.ID] = e
	return nil
}

func (t *memTx) ReplaceSlotLinks(ctx context.Context, enrollmentID string, slotIDs []string) error {
	e, ok := t.st.enrollments[enrollmentID]
	if !ok {
		return domain.ErrNotFound
	}
	e.SlotIDs = append([]string(nil), slotIDs...)
	t.st.enrollments[enrollmentID] = e
	return nil
}

func (t *memTx) HasActiveEnrollmentForSchedule(ctx context.Context, memberID, facilityID, scheduleID string) (bool, error) {
	for _, e := range t.st.enrollments {
		if e.MemberID != memberID || e.FacilityID != facilityID || e.Status != domain.EnrollmentActive {
			continue
		}
		plan, ok := t.st.plans[e.SchedulePlanID]
		if ok && plan.ScheduleID == scheduleID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) HasActiveAssignment(ctx context.Context, memberID, facilityID string, kind domain.SubjectKind, subjectID string) (bool, error) {
	return t.st.assignments[assignmentKey{memberID, facilityID, kind, subjectID}], nil
}

func (t *memTx) UpsertCompletion(ctx context.Context, rec domain.CompletionRecord) (*domain.CompletionRecord, error) {
	key := completionKey{rec.MemberID, rec.SubjectID, dateKey(rec.BucketDate)}
	if existing, ok := t.st.completions[key]; ok {
		existing.Kind = rec.Kind
		existing.Completed = rec.Completed
		existing.Metrics = rec.Metrics
		existing.UpdatedAt = rec.UpdatedAt
		t.st.completions[key] = existing
		return &existing, nil
	}
	t.st.completions[key] = rec
	return &rec, nil
}

func (t *memTx) CountCompleted(ctx context.Context, memberID, facilityID string, pt domain.ProgressType, from, to time.Time) (int, error) {
	kinds := make(map[domain.SubjectKind]bool)
	for _, k := range pt.SubjectKinds() {
		kinds[k] = true
	}
	count := 0
	for _, rec := range t.st.completions {
		if rec.MemberID != memberID || rec.FacilityID != facilityID || !rec.Completed || !kinds[rec.Kind] {
			continue
		}
		if rec.BucketDate.Before(from) || rec.BucketDate.After(to) {
			continue
		}
		count++
	}
	return count, nil
}

func (t *memTx) ExpectedWeeklyCount(ctx context.Context, memberID, facilityID string, pt domain.ProgressType) (int, error) {
	if pt == domain.ProgressAttendance {
		total := 0
		for _, e := range t.st.enrollments {
			if e.MemberID != memberID || e.FacilityID != facilityID || e.Status != domain.EnrollmentActive {
				continue
			}
			n := len(e.SlotIDs)
			if n == 0 {
				n = 1
			}
			total += n
		}
		return total, nil
	}

	kinds := make(map[domain.SubjectKind]bool)
	for _, k := range pt.SubjectKinds() {
		kinds[k] = true
	}
	count := 0
	for key, active := range t.st.assignments {
		if active && key.memberID == memberID && key.facilityID == facilityID && kinds[key.kind] {
			count++
		}
	}
	return count, nil
}

func (t *memTx) UpsertSnapshot(ctx context.Context, s domain.ProgressSnapshot) error {
	key := snapshotKey{s.MemberID, s.FacilityID, s.Type, dateKey(s.BucketDate)}
	if existing, ok := t.st.snapshots[key]; ok {
		existing.Value = s.Value
		existing.UpdatedAt = s.UpdatedAt
		t.st.snapshots[key] = existing
		return nil
	}
	t.st.snapshots[key] = s
	return nil
}

func (t *memTx) LatestSnapshots(ctx context.Context, memberID, facilityID string) (map[domain.ProgressType]domain.ProgressSnapshot, error) {
	out := make(map[domain.ProgressType]domain.ProgressSnapshot)
	for _, s := range t.st.snapshots {
		if s.MemberID != memberID || s.FacilityID != facilityID {
			continue
		}
		if cur, ok := out[s.Type]; !ok || s.BucketDate.After(cur.BucketDate) {
			out[s.Type] = s
		}
	}
	return out, nil
}

func (t *memTx) SnapshotHistory(ctx context.Context, memberID, facilityID string, since time.Time) ([]domain.ProgressSnapshot, error) {
	var out []domain.ProgressSnapshot
	for _, s := range t.st.snapshots {
		if s.MemberID == memberID && s.FacilityID == facilityID && !s.BucketDate.Before(since) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketDate.Equal(out[j].BucketDate) {
			return out[i].BucketDate.Before(out[j].BucketDate)
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (t *memTx) LatestMeasurement(ctx context.Context, memberID, facilityID string) (*domain.Measurement, error) {
	var latest *domain.Measurement
	for i := range t.st.measurements {
		m := t.st.measurements[i]
		if m.MemberID != memberID || m.FacilityID != facilityID {
			continue
		}
		if latest == nil || m.TakenAt.After(latest.TakenAt) {
			latest = &m
		}
	}
	return latest, nil
}

func (t *memTx) EnqueueInvalidation(ctx context.Context, inv views.Invalidation) error {
	t.st.invalidations = append(t.st.invalidations, inv)
	return nil
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
