package domain

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"example.com/scheduling/internal/observability"
)

// ProgressType names the tracked progress domains.
type ProgressType string

const (
	ProgressExercise   ProgressType = "exercise"
	ProgressNutrition  ProgressType = "nutrition"
	ProgressAttendance ProgressType = "class_attendance"
)

// ProgressTypes lists every tracked type in a stable order.
var ProgressTypes = []ProgressType{ProgressExercise, ProgressNutrition, ProgressAttendance}

// SubjectKinds returns the completion subject kinds that feed this type.
func (pt ProgressType) SubjectKinds() []SubjectKind {
	switch pt {
	case ProgressExercise:
		return []SubjectKind{SubjectExercise}
	case ProgressNutrition:
		return []SubjectKind{SubjectMeal, SubjectFoodItem}
	case ProgressAttendance:
		return []SubjectKind{SubjectAttendance}
	}
	return nil
}

// ProgressSnapshot is a derived 0-100 score per progress type per day. Values
// are recomputed, never hand-edited.
type ProgressSnapshot struct {
	ID         string
	MemberID   string
	FacilityID string
	Type       ProgressType
	BucketDate time.Time
	Value      int
	UpdatedAt  time.Time
}

// Measurement is the most recent body measurement captured for a member.
// Read-only here; measurement intake lives outside the ledger.
type Measurement struct {
	ID         string
	MemberID   string
	FacilityID string
	WeightKg   float64
	BodyFatPct float64
	TakenAt    time.Time
}

// ProgressOverview folds the per-type snapshots into one overall score.
type ProgressOverview struct {
	PerType           map[ProgressType]int
	Overall           int
	LatestMeasurement *Measurement
	History           []ProgressSnapshot
}

// Aggregator recomputes progress snapshots from completion density over a
// trailing window.
type Aggregator struct {
	windowDays  int
	historyDays int
}

// NewAggregator constructs an Aggregator with the standard 7-day density
// window and 30 days of history.
func NewAggregator() *Aggregator {
	return &Aggregator{windowDays: 7, historyDays: 30}
}

// Recompute derives the snapshot for one progress type from the completion
// density in the trailing window ending at asOf, then upserts it under
// today's bucket. Runs inside the caller's transaction so the snapshot can
// never drift from the completion write that triggered it.
func (a *Aggregator) Recompute(ctx context.Context, tx Tx, memberID, facilityID string, pt ProgressType, asOf DayBucket, now time.Time) error {
	start := time.Now()
	from := asOf.Start.AddDate(0, 0, -(a.windowDays - 1))

	completed, err := tx.CountCompleted(ctx, memberID, facilityID, pt, from, asOf.Date())
	if err != nil {
		return err
	}
	expected, err := tx.ExpectedWeeklyCount(ctx, memberID, facilityID, pt)
	if err != nil {
		return err
	}

	value := 0
	if expected > 0 {
		value = int(math.Round(float64(completed) / float64(expected) * 100))
		if value > 100 {
			value = 100
		}
		if value < 0 {
			value = 0
		}
	}

	err = tx.UpsertSnapshot(ctx, ProgressSnapshot{
		ID:         uuid.NewString(),
		MemberID:   memberID,
		FacilityID: facilityID,
		Type:       pt,
		BucketDate: DayBucketOf(now).Date(),
		Value:      value,
		UpdatedAt:  now,
	})
	if err != nil {
		return err
	}
	observability.RecordRecompute(string(pt), time.Since(start))
	return nil
}

// ProgressService answers progress reads.
type ProgressService struct {
	store Store
	agg   *Aggregator
	now   func() time.Time
}

// NewProgressService constructs a ProgressService.
func NewProgressService(store Store, agg *Aggregator) *ProgressService {
	return &ProgressService{store: store, agg: agg, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the wall clock, pinning time in tests.
func (s *ProgressService) WithClock(now func() time.Time) *ProgressService {
	s.now = now
	return s
}

// Overview returns the latest score per type, the folded overall score, the
// trailing snapshot history and the member's latest measurement if any.
func (s *ProgressService) Overview(ctx context.Context, memberID, facilityID string) (*ProgressOverview, error) {
	var out ProgressOverview
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		latest, err := tx.LatestSnapshots(ctx, memberID, facilityID)
		if err != nil {
			return err
		}
		perType := make(map[ProgressType]int, len(ProgressTypes))
		for _, pt := range ProgressTypes {
			perType[pt] = latest[pt].Value
		}

		since := s.now().AddDate(0, 0, -s.agg.historyDays)
		history, err := tx.SnapshotHistory(ctx, memberID, facilityID, since)
		if err != nil {
			return err
		}
		measurement, err := tx.LatestMeasurement(ctx, memberID, facilityID)
		if err != nil {
			return err
		}

		out = ProgressOverview{
			PerType:           perType,
			Overall:           OverallScore(perType),
			LatestMeasurement: measurement,
			History:           history,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// OverallScore averages the nonzero type values, rounded, or 0 when every
// type is zero. Zero-valued types are excluded on purpose: a member who never
// engaged a tracked domain should not have their score dragged down by it.
func OverallScore(perType map[ProgressType]int) int {
	sum, n := 0, 0
	for _, v := range perType {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return int(math.Round(float64(sum) / float64(n)))
}
