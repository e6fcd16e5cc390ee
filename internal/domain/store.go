package domain

import (
	"context"
	"time"

	"example.com/scheduling/internal/views"
)

// Store is the unit-of-work boundary for the ledger. Every public operation
// runs inside exactly one transaction; a returned error rolls back all writes
// made through the Tx, so partial state (capacity decremented without a
// matching enrollment change, and vice versa) is never observable.
type Store interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the storage operations available inside a transaction.
// Implementations must provide at least serializable behaviour for the
// vacancy check-and-decrement.
type Tx interface {
	// Schedule configuration (reference data owned by the facility).
	GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error)
	ListSlots(ctx context.Context, scheduleID string) ([]ScheduleSlot, error)
	GetPlan(ctx context.Context, planID string) (*SchedulePlan, error)

	// Capacity ledger. ReserveVacancy is an atomic conditional decrement:
	// it fails with ErrInsufficientCapacity and leaves the counter untouched
	// when no vacancy remains. ReleaseVacancy increments unconditionally;
	// pairing with a prior reserve is the enrollment service's business.
	ReserveVacancy(ctx context.Context, planID string) error
	ReleaseVacancy(ctx context.Context, planID string) error

	// Enrollments.
	GetEnrollment(ctx context.Context, enrollmentID string) (*Enrollment, error)
	FindEnrollment(ctx context.Context, memberID, planID string, status EnrollmentStatus) (*Enrollment, error)
	InsertEnrollment(ctx context.Context, e Enrollment) error
	UpdateEnrollment(ctx context.Context, e Enrollment) error
	ReplaceSlotLinks(ctx context.Context, enrollmentID string, slotIDs []string) error

	// Subject ownership checks for completion writes.
	HasActiveEnrollmentForSchedule(ctx context.Context, memberID, facilityID, scheduleID string) (bool, error)
	HasActiveAssignment(ctx context.Context, memberID, facilityID string, kind SubjectKind, subjectID string) (bool, error)

	// Completion ledger. UpsertCompletion inserts the record for its bucket
	// or, when one already exists for (member, subject, bucket), updates
	// completed and metrics in place and returns the stored row.
	UpsertCompletion(ctx context.Context, rec CompletionRecord) (*CompletionRecord, error)
	CountCompleted(ctx context.Context, memberID, facilityID string, pt ProgressType, from, to time.Time) (int, error)

	// Progress snapshots.
	ExpectedWeeklyCount(ctx context.Context, memberID, facilityID string, pt ProgressType) (int, error)
	UpsertSnapshot(ctx context.Context, s ProgressSnapshot) error
	LatestSnapshots(ctx context.Context, memberID, facilityID string) (map[ProgressType]ProgressSnapshot, error)
	SnapshotHistory(ctx context.Context, memberID, facilityID string, since time.Time) ([]ProgressSnapshot, error)
	LatestMeasurement(ctx context.Context, memberID, facilityID string) (*Measurement, error)

	// EnqueueInvalidation records a stale-view signal atomically with the
	// surrounding mutation.
	EnqueueInvalidation(ctx context.Context, inv views.Invalidation) error
}
