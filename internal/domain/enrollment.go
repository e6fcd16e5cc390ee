// Package domain implements the scheduling and progress ledger: capacity-safe
// enrollment into weekly schedule plans and day-bucketed completion tracking.
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/scheduling/internal/observability"
	"example.com/scheduling/internal/views"
)

// Schedule is a facility's offered class or program definition.
type Schedule struct {
	ID         string
	FacilityID string
	ActivityID string
	Title      string
	Offered    bool
}

// ScheduleSlot is a concrete weekday/time-range option under a schedule.
// Immutable reference data for a given schedule version.
type ScheduleSlot struct {
	ID         string
	ScheduleID string
	Weekday    time.Weekday
	StartMin   int
	EndMin     int
	Offered    bool
}

// SchedulePlan is the capacity-bounded association between a schedule and a
// membership plan. Vacancies never go below zero; the counter is mutated only
// through Tx.ReserveVacancy and Tx.ReleaseVacancy.
type SchedulePlan struct {
	ID              string
	ScheduleID      string
	AllowedWeekdays WeekdaySet
	Vacancies       int
}

// EnrollmentStatus is the lifecycle state of an enrollment row.
type EnrollmentStatus string

const (
	EnrollmentActive   EnrollmentStatus = "active"
	EnrollmentInactive EnrollmentStatus = "inactive"
)

// Enrollment is a member's subscription to a SchedulePlan. Rows are never
// hard-deleted: unsubscribe flips them inactive and a later subscribe
// reactivates the same row, preserving history. At most one row per
// (member, plan) is active at any committed state.
type Enrollment struct {
	ID             string
	MemberID       string
	FacilityID     string
	SchedulePlanID string
	Status         EnrollmentStatus
	StartDate      time.Time
	EndDate        *time.Time
	SlotIDs        []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EnrollmentService orchestrates subscribe and unsubscribe. Each call is one
// store transaction; any failure aborts the whole call.
type EnrollmentService struct {
	store Store
	now   func() time.Time
}

// NewEnrollmentService constructs an EnrollmentService.
func NewEnrollmentService(store Store) *EnrollmentService {
	return &EnrollmentService{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the wall clock, pinning time in tests.
func (s *EnrollmentService) WithClock(now func() time.Time) *EnrollmentService {
	s.now = now
	return s
}

// SubscribeInput carries the subscribe payload.
type SubscribeInput struct {
	MemberID       string
	FacilityID     string
	SchedulePlanID string
	SlotIDs        []string
}

// Subscribe enrolls the member into the plan, reserving one vacancy and
// attaching the selected weekly slots. An empty slot selection is a valid
// "no specific day" enrollment.
func (s *EnrollmentService) Subscribe(ctx context.Context, input SubscribeInput) (*Enrollment, error) {
	var enrolled *Enrollment
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		plan, err := tx.GetPlan(ctx, input.SchedulePlanID)
		if err != nil {
			return err
		}
		if plan == nil {
			return fmt.Errorf("schedule plan %s: %w", input.SchedulePlanID, ErrNotFound)
		}

		sched, err := tx.GetSchedule(ctx, plan.ScheduleID)
		if err != nil {
			return err
		}
		if sched == nil || sched.FacilityID != input.FacilityID || !sched.Offered {
			return fmt.Errorf("schedule for plan %s: %w", plan.ID, ErrNotFound)
		}

		if err := validateSlotSelection(ctx, tx, sched.ID, plan, input.SlotIDs); err != nil {
			return err
		}

		active, err := tx.FindEnrollment(ctx, input.MemberID, plan.ID, EnrollmentActive)
		if err != nil {
			return err
		}
		if active != nil {
			return ErrAlreadyEnrolled
		}

		if err := tx.ReserveVacancy(ctx, plan.ID); err != nil {
			return err
		}

		now := s.now()
		prior, err := tx.FindEnrollment(ctx, input.MemberID, plan.ID, EnrollmentInactive)
		if err != nil {
			return err
		}
		if prior != nil {
			prior.Status = EnrollmentActive
			prior.EndDate = nil
			prior.UpdatedAt = now
			if err := tx.UpdateEnrollment(ctx, *prior); err != nil {
				return err
			}
			enrolled = prior
		} else {
			fresh := Enrollment{
				ID:             uuid.NewString(),
				MemberID:       input.MemberID,
				FacilityID:     input.FacilityID,
				SchedulePlanID: plan.ID,
				Status:         EnrollmentActive,
				StartDate:      now,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.InsertEnrollment(ctx, fresh); err != nil {
				return err
			}
			enrolled = &fresh
		}

		if err := tx.ReplaceSlotLinks(ctx, enrolled.ID, input.SlotIDs); err != nil {
			return err
		}
		enrolled.SlotIDs = append([]string(nil), input.SlotIDs...)

		return tx.EnqueueInvalidation(ctx, views.Invalidation{
			View:       views.MemberSchedule,
			MemberID:   input.MemberID,
			FacilityID: input.FacilityID,
		})
	})
	if err != nil {
		observability.RecordSubscribe("error")
		return nil, err
	}
	observability.RecordSubscribe("ok")
	return enrolled, nil
}

// Unsubscribe deactivates the enrollment and releases its vacancy.
func (s *EnrollmentService) Unsubscribe(ctx context.Context, memberID, facilityID, enrollmentID string) (*Enrollment, error) {
	var updated *Enrollment
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		e, err := tx.GetEnrollment(ctx, enrollmentID)
		if err != nil {
			return err
		}
		if e == nil || e.MemberID != memberID || e.Status != EnrollmentActive {
			return fmt.Errorf("enrollment %s: %w", enrollmentID, ErrNotFound)
		}

		plan, err := tx.GetPlan(ctx, e.SchedulePlanID)
		if err != nil {
			return err
		}
		if plan == nil {
			return fmt.Errorf("schedule plan %s: %w", e.SchedulePlanID, ErrNotFound)
		}
		sched, err := tx.GetSchedule(ctx, plan.ScheduleID)
		if err != nil {
			return err
		}
		if sched == nil || sched.FacilityID != facilityID {
			return fmt.Errorf("schedule for plan %s: %w", plan.ID, ErrNotFound)
		}

		now := s.now()
		e.Status = EnrollmentInactive
		e.EndDate = &now
		e.UpdatedAt = now
		if err := tx.UpdateEnrollment(ctx, *e); err != nil {
			return err
		}
		if err := tx.ReplaceSlotLinks(ctx, e.ID, nil); err != nil {
			return err
		}
		e.SlotIDs = nil

		if err := tx.ReleaseVacancy(ctx, plan.ID); err != nil {
			return err
		}
		updated = e

		return tx.EnqueueInvalidation(ctx, views.Invalidation{
			View:       views.MemberSchedule,
			MemberID:   memberID,
			FacilityID: facilityID,
		})
	})
	if err != nil {
		observability.RecordUnsubscribe("error")
		return nil, err
	}
	observability.RecordUnsubscribe("ok")
	return updated, nil
}

// validateSlotSelection requires every selected slot to be offered under the
// schedule and to fall on a weekday the plan allows.
func validateSlotSelection(ctx context.Context, tx Tx, scheduleID string, plan *SchedulePlan, slotIDs []string) error {
	if len(slotIDs) == 0 {
		return nil
	}
	slots, err := tx.ListSlots(ctx, scheduleID)
	if err != nil {
		return err
	}
	byID := make(map[string]ScheduleSlot, len(slots))
	for _, slot := range slots {
		byID[slot.ID] = slot
	}
	for _, id := range slotIDs {
		slot, ok := byID[id]
		if !ok || !slot.Offered {
			return fmt.Errorf("slot %s not offered: %w", id, ErrInvalidSelection)
		}
		if !plan.AllowedWeekdays.Has(slot.Weekday) {
			return fmt.Errorf("slot %s weekday %s not allowed by plan: %w", id, slot.Weekday, ErrInvalidSelection)
		}
	}
	return nil
}
