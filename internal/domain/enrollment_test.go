package domain_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"example.com/scheduling/internal/domain"
	"example.com/scheduling/internal/persistence/memory"
	"example.com/scheduling/internal/views"
)

const (
	testFacility = "facility-1"
	testSchedule = "schedule-1"
	testPlan     = "plan-1"
	slotMonday   = "slot-mon"
	slotFriday   = "slot-fri"
)

func newEnrollmentFixture(vacancies int) (*memory.Store, *domain.EnrollmentService) {
	store := memory.NewStore()
	store.AddSchedule(domain.Schedule{
		ID:         testSchedule,
		FacilityID: testFacility,
		ActivityID: "activity-1",
		Title:      "Morning Yoga",
		Offered:    true,
	})
	store.AddPlan(domain.SchedulePlan{
		ID:              testPlan,
		ScheduleID:      testSchedule,
		AllowedWeekdays: domain.WeekdaySet(0).With(time.Monday).With(time.Friday),
		Vacancies:       vacancies,
	})
	store.AddSlot(domain.ScheduleSlot{
		ID: slotMonday, ScheduleID: testSchedule, Weekday: time.Monday,
		StartMin: 9 * 60, EndMin: 10 * 60, Offered: true,
	})
	store.AddSlot(domain.ScheduleSlot{
		ID: slotFriday, ScheduleID: testSchedule, Weekday: time.Friday,
		StartMin: 18 * 60, EndMin: 19 * 60, Offered: true,
	})
	store.AddSlot(domain.ScheduleSlot{
		ID: "slot-closed", ScheduleID: testSchedule, Weekday: time.Monday,
		StartMin: 7 * 60, EndMin: 8 * 60, Offered: false,
	})

	now := time.Date(2025, time.October, 29, 12, 0, 0, 0, time.UTC)
	svc := domain.NewEnrollmentService(store).WithClock(func() time.Time { return now })
	return store, svc
}

func TestSubscribeAttachesSlotsAndReservesVacancy(t *testing.T) {
	store, svc := newEnrollmentFixture(2)

	enrollment, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
		MemberID:       "member-1",
		FacilityID:     testFacility,
		SchedulePlanID: testPlan,
		SlotIDs:        []string{slotMonday, slotFriday},
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if enrollment.Status != domain.EnrollmentActive {
		t.Fatalf("expected active enrollment, got %s", enrollment.Status)
	}
	if len(enrollment.SlotIDs) != 2 {
		t.Fatalf("expected 2 attached slots, got %d", len(enrollment.SlotIDs))
	}
	if got := store.PlanVacancies(testPlan); got != 1 {
		t.Fatalf("expected 1 vacancy left, got %d", got)
	}

	invs := store.Invalidations()
	if len(invs) != 1 || invs[0].View != views.MemberSchedule {
		t.Fatalf("expected one member_schedule invalidation, got %+v", invs)
	}
}

func TestSubscribeWithoutSlotsIsValid(t *testing.T) {
	store, svc := newEnrollmentFixture(1)

	enrollment, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
		MemberID:       "member-1",
		FacilityID:     testFacility,
		SchedulePlanID: testPlan,
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if len(enrollment.SlotIDs) != 0 {
		t.Fatalf("expected no attached slots, got %v", enrollment.SlotIDs)
	}
	if got := store.PlanVacancies(testPlan); got != 0 {
		t.Fatalf("expected 0 vacancies, got %d", got)
	}
}

func TestSubscribeUnknownPlan(t *testing.T) {
	_, svc := newEnrollmentFixture(1)

	_, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
		MemberID:       "member-1",
		FacilityID:     testFacility,
		SchedulePlanID: "missing",
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscribeFacilityMismatch(t *testing.T) {
	_, svc := newEnrollmentFixture(1)

	_, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
		MemberID:       "member-1",
		FacilityID:     "other-facility",
		SchedulePlanID: testPlan,
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscribeScheduleNotOffered(t *testing.T) {
	store, svc := newEnrollmentFixture(1)
	store.AddSchedule(domain.Schedule{
		ID:         testSchedule,
		FacilityID: testFacility,
		ActivityID: "activity-1",
		Offered:    false,
	})

	_, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
		MemberID:       "member-1",
		FacilityID:     testFacility,
		SchedulePlanID: testPlan,
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscribeRejectsInvalidSlotSelection(t *testing.T) {
	store, svc := newEnrollmentFixture(1)

	cases := []struct {
		name    string
		slotIDs []string
	}{
		{name: "unknown slot", slotIDs: []string{"missing-slot"}},
		{name: "slot not offered", slotIDs: []string{"slot-closed"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
				MemberID:       "member-1",
				FacilityID:     testFacility,
				SchedulePlanID: testPlan,
				SlotIDs:        tc.slotIDs,
			})
			if !errors.Is(err, domain.ErrInvalidSelection) {
				t.Fatalf("expected ErrInvalidSelection, got %v", err)
			}
		})
	}

	// Weekday outside the plan's allowed bitset.
	store.AddSlot(domain.ScheduleSlot{
		ID: "slot-wed", ScheduleID: testSchedule, Weekday: time.Wednesday,
		StartMin: 9 * 60, EndMin: 10 * 60, Offered: true,
	})
	_, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
		MemberID:       "member-1",
		FacilityID:     testFacility,
		SchedulePlanID: testPlan,
		SlotIDs:        []string{"slot-wed"},
	})
	if !errors.Is(err, domain.ErrInvalidSelection) {
		t.Fatalf("expected ErrInvalidSelection for disallowed weekday, got %v", err)
	}

	if got := store.PlanVacancies(testPlan); got != 1 {
		t.Fatalf("failed subscribes must not consume capacity, vacancies=%d", got)
	}
}

func TestSubscribeTwiceIsAlreadyEnrolled(t *testing.T) {
	store, svc := newEnrollmentFixture(5)

	input := domain.SubscribeInput{
		MemberID:       "member-1",
		FacilityID:     testFacility,
		SchedulePlanID: testPlan,
	}
	if _, err := svc.Subscribe(context.Background(), input); err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	_, err := svc.Subscribe(context.Background(), input)
	if !errors.Is(err, domain.ErrAlreadyEnrolled) {
		t.Fatalf("expected ErrAlreadyEnrolled, got %v", err)
	}
	if got := store.PlanVacancies(testPlan); got != 4 {
		t.Fatalf("duplicate subscribe must not consume capacity, vacancies=%d", got)
	}
}

func TestSubscribeExhaustsCapacity(t *testing.T) {
	store, svc := newEnrollmentFixture(3)

	for i := 0; i < 3; i++ {
		_, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
			MemberID:       fmt.Sprintf("member-%d", i),
			FacilityID:     testFacility,
			SchedulePlanID: testPlan,
		})
		if err != nil {
			t.Fatalf("subscribe %d failed: %v", i, err)
		}
	}
	if got := store.PlanVacancies(testPlan); got != 0 {
		t.Fatalf("expected 0 vacancies, got %d", got)
	}

	_, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
		MemberID:       "member-late",
		FacilityID:     testFacility,
		SchedulePlanID: testPlan,
	})
	if !errors.Is(err, domain.ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}
}

func TestUnsubscribeReleasesVacancy(t *testing.T) {
	store, svc := newEnrollmentFixture(1)

	enrollment, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
		MemberID:       "member-1",
		FacilityID:     testFacility,
		SchedulePlanID: testPlan,
		SlotIDs:        []string{slotMonday},
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	updated, err := svc.Unsubscribe(context.Background(), "member-1", testFacility, enrollment.ID)
	if err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if updated.Status != domain.EnrollmentInactive {
		t.Fatalf("expected inactive, got %s", updated.Status)
	}
	if updated.EndDate == nil {
		t.Fatal("expected end date stamped")
	}
	if len(updated.SlotIDs) != 0 {
		t.Fatalf("expected slot links cleared, got %v", updated.SlotIDs)
	}
	if got := store.PlanVacancies(testPlan); got != 1 {
		t.Fatalf("expected vacancy released, got %d", got)
	}
}

func TestUnsubscribeRequiresOwnership(t *testing.T) {
	_, svc := newEnrollmentFixture(2)

	enrollment, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
		MemberID:       "member-1",
		FacilityID:     testFacility,
		SchedulePlanID: testPlan,
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := svc.Unsubscribe(context.Background(), "member-2", testFacility, enrollment.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign member, got %v", err)
	}
	if _, err := svc.Unsubscribe(context.Background(), "member-1", "other-facility", enrollment.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign facility, got %v", err)
	}
	if _, err := svc.Unsubscribe(context.Background(), "member-1", testFacility, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown enrollment, got %v", err)
	}
}

func TestResubscribeReactivatesRowAndConservesCapacity(t *testing.T) {
	store, svc := newEnrollmentFixture(2)

	first, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
		MemberID:       "member-1",
		FacilityID:     testFacility,
		SchedulePlanID: testPlan,
		SlotIDs:        []string{slotMonday},
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := svc.Unsubscribe(context.Background(), "member-1", testFacility, first.ID); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}

	second, err := svc.Subscribe(context.Background(), domain.SubscribeInput{
		MemberID:       "member-1",
		FacilityID:     testFacility,
		SchedulePlanID: testPlan,
		SlotIDs:        []string{slotFriday},
	})
	if err != nil {
		t.Fatalf("resubscribe failed: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("expected the inactive row to be reactivated, got new id %s", second.ID)
	}
	if second.EndDate != nil {
		t.Fatal("expected end date cleared on reactivation")
	}
	if len(second.SlotIDs) != 1 || second.SlotIDs[0] != slotFriday {
		t.Fatalf("expected attachments replaced, got %v", second.SlotIDs)
	}
	if got := store.PlanVacancies(testPlan); got != 1 {
		t.Fatalf("subscribe/unsubscribe/subscribe must conserve capacity, vacancies=%d", got)
	}
}

func TestConcurrentSubscribesSingleVacancy(t *testing.T) {
	store, svc := newEnrollmentFixture(1)

	const members = 8
	var wg sync.WaitGroup
	errs := make([]error, members)
	for i := 0; i < members; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Subscribe(context.Background(), domain.SubscribeInput{
				MemberID:       fmt.Sprintf("member-%d", i),
				FacilityID:     testFacility,
				SchedulePlanID: testPlan,
			})
		}(i)
	}
	wg.Wait()

	successes, capacityFailures := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrInsufficientCapacity):
			capacityFailures++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || capacityFailures != members-1 {
		t.Fatalf("expected exactly 1 success, got %d successes and %d capacity failures", successes, capacityFailures)
	}
	if got := store.PlanVacancies(testPlan); got != 0 {
		t.Fatalf("expected 0 vacancies, got %d", got)
	}
}
