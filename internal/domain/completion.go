package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/scheduling/internal/observability"
	"example.com/scheduling/internal/views"
)

// SubjectKind tags the four tracked completion subjects.
type SubjectKind string

const (
	SubjectAttendance SubjectKind = "attendance"
	SubjectExercise   SubjectKind = "exercise"
	SubjectMeal       SubjectKind = "meal"
	SubjectFoodItem   SubjectKind = "food_item"
)

// ProgressType returns the progress domain the subject kind feeds into.
func (k SubjectKind) ProgressType() ProgressType {
	switch k {
	case SubjectAttendance:
		return ProgressAttendance
	case SubjectExercise:
		return ProgressExercise
	case SubjectMeal, SubjectFoodItem:
		return ProgressNutrition
	}
	panic(fmt.Sprintf("domain: unknown subject kind %q", k))
}

// Metrics is the kind-specific measurement payload attached to a completion
// record. Kinds without measurements carry nil.
type Metrics interface {
	MetricsKind() SubjectKind
}

// ExerciseMetrics records the performed set scheme for an exercise completion.
type ExerciseMetrics struct {
	Sets     int     `json:"sets"`
	Reps     int     `json:"reps"`
	WeightKg float64 `json:"weight_kg,omitempty"`
	Notes    string  `json:"notes,omitempty"`
}

// MetricsKind implements Metrics.
func (ExerciseMetrics) MetricsKind() SubjectKind { return SubjectExercise }

// MealMetrics carries free-form notes for a meal or food-item completion.
type MealMetrics struct {
	Notes string `json:"notes,omitempty"`
}

// MetricsKind implements Metrics.
func (MealMetrics) MetricsKind() SubjectKind { return SubjectMeal }

// CompletionRecord is the idempotent per-day record of whether a tracked
// subject was completed. At most one row exists per (member, subject, bucket);
// a second write for the same bucket updates in place.
type CompletionRecord struct {
	ID         string
	MemberID   string
	FacilityID string
	Kind       SubjectKind
	SubjectID  string
	BucketDate time.Time
	Completed  bool
	Metrics    Metrics
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CompletionService records day-bucketed completion events and keeps progress
// snapshots in step. One upsert-by-bucket routine serves all four subject
// kinds; only the ownership check differs per kind.
type CompletionService struct {
	store Store
	agg   *Aggregator
	now   func() time.Time
}

// NewCompletionService constructs a CompletionService.
func NewCompletionService(store Store, agg *Aggregator) *CompletionService {
	return &CompletionService{store: store, agg: agg, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the wall clock, pinning time in tests.
func (s *CompletionService) WithClock(now func() time.Time) *CompletionService {
	s.now = now
	return s
}

// CompletionInput carries one completion toggle.
type CompletionInput struct {
	MemberID   string
	FacilityID string
	Kind       SubjectKind
	SubjectID  string
	Weekday    time.Weekday
	Completed  bool
	Metrics    Metrics
}

// RecordCompletion upserts the completion record for the weekday's bucket and
// recomputes the affected progress snapshot, all in one transaction.
func (s *CompletionService) RecordCompletion(ctx context.Context, input CompletionInput) (*CompletionRecord, error) {
	var rec *CompletionRecord
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		now := s.now()
		var err error
		rec, err = s.recordOne(ctx, tx, input, now)
		if err != nil {
			return err
		}
		bucket := ResolveDayBucket(input.Weekday, now)
		if err := s.agg.Recompute(ctx, tx, input.MemberID, input.FacilityID, input.Kind.ProgressType(), bucket, now); err != nil {
			return err
		}
		return tx.EnqueueInvalidation(ctx, views.Invalidation{
			View:       views.MemberProgress,
			MemberID:   input.MemberID,
			FacilityID: input.FacilityID,
		})
	})
	if err != nil {
		return nil, err
	}
	observability.RecordCompletionWrite(string(input.Kind))
	return rec, nil
}

// BatchCompletionInput applies the same toggle to a list of subjects of one
// kind, e.g. "mark all of today's exercises done".
type BatchCompletionInput struct {
	MemberID   string
	FacilityID string
	Kind       SubjectKind
	SubjectIDs []string
	Weekday    time.Weekday
	Completed  bool
}

// RecordCompletionBatch applies the upsert-by-bucket routine to every subject
// inside one transaction. Any ownership failure rejects the whole batch; the
// write algorithm is otherwise identical to the per-item path.
func (s *CompletionService) RecordCompletionBatch(ctx context.Context, input BatchCompletionInput) ([]CompletionRecord, error) {
	var recs []CompletionRecord
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		now := s.now()
		for _, subjectID := range input.SubjectIDs {
			if err := s.authorizeSubject(ctx, tx, input.MemberID, input.FacilityID, input.Kind, subjectID); err != nil {
				return err
			}
		}
		recs = make([]CompletionRecord, 0, len(input.SubjectIDs))
		for _, subjectID := range input.SubjectIDs {
			rec, err := s.upsert(ctx, tx, CompletionInput{
				MemberID:   input.MemberID,
				FacilityID: input.FacilityID,
				Kind:       input.Kind,
				SubjectID:  subjectID,
				Weekday:    input.Weekday,
				Completed:  input.Completed,
			}, now)
			if err != nil {
				return err
			}
			recs = append(recs, *rec)
		}
		bucket := ResolveDayBucket(input.Weekday, now)
		if err := s.agg.Recompute(ctx, tx, input.MemberID, input.FacilityID, input.Kind.ProgressType(), bucket, now); err != nil {
			return err
		}
		return tx.EnqueueInvalidation(ctx, views.Invalidation{
			View:       views.MemberProgress,
			MemberID:   input.MemberID,
			FacilityID: input.FacilityID,
		})
	})
	if err != nil {
		return nil, err
	}
	observability.RecordCompletionWrites(string(input.Kind), len(recs))
	return recs, nil
}

func (s *CompletionService) recordOne(ctx context.Context, tx Tx, input CompletionInput, now time.Time) (*CompletionRecord, error) {
	if err := s.authorizeSubject(ctx, tx, input.MemberID, input.FacilityID, input.Kind, input.SubjectID); err != nil {
		return nil, err
	}
	return s.upsert(ctx, tx, input, now)
}

func (s *CompletionService) upsert(ctx context.Context, tx Tx, input CompletionInput, now time.Time) (*CompletionRecord, error) {
	if input.Metrics != nil && input.Metrics.MetricsKind() != metricsKindFor(input.Kind) {
		return nil, fmt.Errorf("metrics payload does not fit subject kind %s", input.Kind)
	}
	bucket := ResolveDayBucket(input.Weekday, now)
	return tx.UpsertCompletion(ctx, CompletionRecord{
		ID:         uuid.NewString(),
		MemberID:   input.MemberID,
		FacilityID: input.FacilityID,
		Kind:       input.Kind,
		SubjectID:  input.SubjectID,
		BucketDate: bucket.Date(),
		Completed:  input.Completed,
		Metrics:    input.Metrics,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// authorizeSubject verifies the member's relationship to the subject before
// any write: an active enrollment for class attendance, an active plan
// assignment for exercises, meals and food items.
func (s *CompletionService) authorizeSubject(ctx context.Context, tx Tx, memberID, facilityID string, kind SubjectKind, subjectID string) error {
	var (
		ok  bool
		err error
	)
	switch kind {
	case SubjectAttendance:
		ok, err = tx.HasActiveEnrollmentForSchedule(ctx, memberID, facilityID, subjectID)
	case SubjectExercise, SubjectMeal, SubjectFoodItem:
		ok, err = tx.HasActiveAssignment(ctx, memberID, facilityID, kind, subjectID)
	default:
		return fmt.Errorf("unknown subject kind %q: %w", kind, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s not assigned to member %s: %w", kind, subjectID, memberID, ErrNotAuthorized)
	}
	return nil
}

// metricsKindFor normalizes the metrics tag: meal and food-item completions
// share the MealMetrics variant.
func metricsKindFor(kind SubjectKind) SubjectKind {
	if kind == SubjectFoodItem {
		return SubjectMeal
	}
	return kind
}
