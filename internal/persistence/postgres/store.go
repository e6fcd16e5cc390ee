// Package postgres provides the Postgres-backed ledger store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/scheduling/internal/domain"
	"example.com/scheduling/internal/views"
)

// Store implements domain.Store on a pgx connection pool. Every unit of work
// runs in a serializable transaction; the vacancy check-and-decrement is a
// single conditional UPDATE, never a read-then-write.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// RunInTx implements domain.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

// mapPgError surfaces serialization and deadlock aborts as the retryable
// domain error; everything else passes through.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", domain.ErrTransientConflict, err)
		}
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetSchedule(ctx context.Context, scheduleID string) (*domain.Schedule, error) {
	const query = `SELECT schedule_id, facility_id, activity_id, title, offered
        FROM schedules WHERE schedule_id=$1`

	var sched domain.Schedule
	err := t.tx.QueryRow(ctx, query, scheduleID).Scan(&sched.ID, &sched.FacilityID, &sched.ActivityID, &sched.Title, &sched.Offered)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

func (t *pgTx) ListSlots(ctx context.Context, scheduleID string) ([]domain.ScheduleSlot, error) {
	const query = `SELECT slot_id, schedule_id, weekday, start_min, end_min, offered
        FROM schedule_slots WHERE schedule_id=$1 ORDER BY weekday, start_min`

	rows, err := t.tx.Query(ctx, query, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []domain.ScheduleSlot
	for rows.Next() {
		var slot domain.ScheduleSlot
		var weekday int16
		if err := rows.Scan(&slot.ID, &slot.ScheduleID, &weekday, &slot.StartMin, &slot.EndMin, &slot.Offered); err != nil {
			return nil, err
		}
		slot.Weekday = time.Weekday(weekday)
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

func (t *pgTx) GetPlan(ctx context.Context, planID string) (*domain.SchedulePlan, error) {
	const query = `SELECT schedule_plan_id, schedule_id, allowed_weekdays, vacancies
        FROM schedule_plans WHERE schedule_plan_id=$1`

	var plan domain.SchedulePlan
	var allowed int16
	err := t.tx.QueryRow(ctx, query, planID).Scan(&plan.ID, &plan.ScheduleID, &allowed, &plan.Vacancies)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	plan.AllowedWeekdays = domain.WeekdaySet(allowed)
	return &plan, nil
}

func (t *pgTx) ReserveVacancy(ctx context.Context, planID string) error {
	const stmt = `UPDATE schedule_plans SET vacancies = vacancies - 1
        WHERE schedule_plan_id=$1 AND vacancies > 0`

	tag, err := t.tx.Exec(ctx, stmt, planID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientCapacity
	}
	return nil
}

func (t *pgTx) ReleaseVacancy(ctx context.Context, planID string) error {
	const stmt = `UPDATE schedule_plans SET vacancies = vacancies + 1
        WHERE schedule_plan_id=$1`

	tag, err := t.tx.Exec(ctx, stmt, planID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule plan %s: %w", planID, domain.ErrNotFound)
	}
	return nil
}

const enrollmentColumns = `enrollment_id, member_id, facility_id, schedule_plan_id, status, start_date, end_date, created_at, updated_at`

func (t *pgTx) scanEnrollment(ctx context.Context, row pgx.Row) (*domain.Enrollment, error) {
	var e domain.Enrollment
	err := row.Scan(&e.ID, &e.MemberID, &e.FacilityID, &e.SchedulePlanID, &e.Status, &e.StartDate, &e.EndDate, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.Query(ctx, `SELECT slot_id FROM enrollment_slots WHERE enrollment_id=$1 ORDER BY slot_id`, e.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var slotID string
		if err := rows.Scan(&slotID); err != nil {
			return nil, err
		}
		e.SlotIDs = append(e.SlotIDs, slotID)
	}
	return &e, rows.Err()
}

func (t *pgTx) GetEnrollment(ctx context.Context, enrollmentID string) (*domain.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE enrollment_id=$1`
	return t.scanEnrollment(ctx, t.tx.QueryRow(ctx, query, enrollmentID))
}

func (t *pgTx) FindEnrollment(ctx context.Context, memberID, planID string, status domain.EnrollmentStatus) (*domain.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments
        WHERE member_id=$1 AND schedule_plan_id=$2 AND status=$3
        ORDER BY updated_at DESC LIMIT 1`
	return t.scanEnrollment(ctx, t.tx.QueryRow(ctx, query, memberID, planID, status))
}

func (t *pgTx) InsertEnrollment(ctx context.Context, e domain.Enrollment) error {
	const stmt = `INSERT INTO enrollments (` + enrollmentColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err := t.tx.Exec(ctx, stmt, e.ID, e.MemberID, e.FacilityID, e.SchedulePlanID, e.Status, e.StartDate, e.EndDate, e.CreatedAt, e.UpdatedAt)
	return err
}

func (t *pgTx) UpdateEnrollment(ctx context.Context, e domain.Enrollment) error {
	const stmt = `UPDATE enrollments SET status=$2, start_date=$3, end_date=$4, updated_at=$5
        WHERE enrollment_id=$1`

	tag, err := t.tx.Exec(ctx, stmt, e.ID, e.Status, e.StartDate, e.EndDate, e.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("enrollment %s: %w", e.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *pgTx) ReplaceSlotLinks(ctx context.Context, enrollmentID string, slotIDs []string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM enrollment_slots WHERE enrollment_id=$1`, enrollmentID); err != nil {
		return err
	}
	for _, slotID := range slotIDs {
		if _, err := t.tx.Exec(ctx, `INSERT INTO enrollment_slots (enrollment_id, slot_id) VALUES ($1,$2)`, enrollmentID, slotID); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) HasActiveEnrollmentForSchedule(ctx context.Context, memberID, facilityID, scheduleID string) (bool, error) {
	const query = `SELECT EXISTS (
        SELECT 1 FROM enrollments e
        JOIN schedule_plans p ON p.schedule_plan_id = e.schedule_plan_id
        WHERE e.member_id=$1 AND e.facility_id=$2 AND e.status='active' AND p.schedule_id=$3)`

	var ok bool
	err := t.tx.QueryRow(ctx, query, memberID, facilityID, scheduleID).Scan(&ok)
	return ok, err
}

func (t *pgTx) HasActiveAssignment(ctx context.Context, memberID, facilityID string, kind domain.SubjectKind, subjectID string) (bool, error) {
	const query = `SELECT EXISTS (
        SELECT 1 FROM plan_assignments
        WHERE member_id=$1 AND facility_id=$2 AND subject_kind=$3 AND subject_id=$4 AND active)`

	var ok bool
	err := t.tx.QueryRow(ctx, query, memberID, facilityID, kind, subjectID).Scan(&ok)
	return ok, err
}

func (t *pgTx) UpsertCompletion(ctx context.Context, rec domain.CompletionRecord) (*domain.CompletionRecord, error) {
	metrics, err := encodeMetrics(rec.Metrics)
	if err != nil {
		return nil, err
	}

	// The unique key doubles as the lock granularity: concurrent double
	// submits of the same toggle collapse into one row.
	const stmt = `INSERT INTO completion_records
        (completion_id, member_id, facility_id, subject_kind, subject_id, bucket_date, completed, metrics, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (member_id, subject_id, bucket_date)
        DO UPDATE SET subject_kind=EXCLUDED.subject_kind, completed=EXCLUDED.completed,
                      metrics=EXCLUDED.metrics, updated_at=EXCLUDED.updated_at
        RETURNING completion_id, created_at, updated_at`

	err = t.tx.QueryRow(ctx, stmt,
		rec.ID,
		rec.MemberID,
		rec.FacilityID,
		rec.Kind,
		rec.SubjectID,
		rec.BucketDate,
		rec.Completed,
		metrics,
		rec.CreatedAt,
		rec.UpdatedAt,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *pgTx) CountCompleted(ctx context.Context, memberID, facilityID string, pt domain.ProgressType, from, to time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM completion_records
        WHERE member_id=$1 AND facility_id=$2 AND subject_kind = ANY($3)
          AND completed AND bucket_date BETWEEN $4 AND $5`

	var count int
	err := t.tx.QueryRow(ctx, query, memberID, facilityID, kindStrings(pt), from, to).Scan(&count)
	return count, err
}

func (t *pgTx) ExpectedWeeklyCount(ctx context.Context, memberID, facilityID string, pt domain.ProgressType) (int, error) {
	if pt == domain.ProgressAttendance {
		// One expected attendance per attached slot, with a floor of one per
		// active enrollment for "no specific day" subscriptions.
		const query = `SELECT COALESCE(SUM(GREATEST(slot_count, 1)), 0) FROM (
            SELECT e.enrollment_id, COUNT(es.slot_id) AS slot_count
            FROM enrollments e
            LEFT JOIN enrollment_slots es ON es.enrollment_id = e.enrollment_id
            WHERE e.member_id=$1 AND e.facility_id=$2 AND e.status='active'
            GROUP BY e.enrollment_id) counts`

		var count int
		err := t.tx.QueryRow(ctx, query, memberID, facilityID).Scan(&count)
		return count, err
	}

	const query = `SELECT COUNT(*) FROM plan_assignments
        WHERE member_id=$1 AND facility_id=$2 AND subject_kind = ANY($3) AND active`

	var count int
	err := t.tx.QueryRow(ctx, query, memberID, facilityID, kindStrings(pt)).Scan(&count)
	return count, err
}

func (t *pgTx) UpsertSnapshot(ctx context.Context, s domain.ProgressSnapshot) error {
	const stmt = `INSERT INTO progress_snapshots
        (snapshot_id, member_id, facility_id, progress_type, bucket_date, value, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (member_id, facility_id, progress_type, bucket_date)
        DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`

	_, err := t.tx.Exec(ctx, stmt, s.ID, s.MemberID, s.FacilityID, s.Type, s.BucketDate, s.Value, s.UpdatedAt)
	return err
}

const snapshotColumns = `snapshot_id, member_id, facility_id, progress_type, bucket_date, value, updated_at`

func (t *pgTx) LatestSnapshots(ctx context.Context, memberID, facilityID string) (map[domain.ProgressType]domain.ProgressSnapshot, error) {
	query := `SELECT DISTINCT ON (progress_type) ` + snapshotColumns + `
        FROM progress_snapshots WHERE member_id=$1 AND facility_id=$2
        ORDER BY progress_type, bucket_date DESC`

	rows, err := t.tx.Query(ctx, query, memberID, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.ProgressType]domain.ProgressSnapshot)
	for rows.Next() {
		var s domain.ProgressSnapshot
		if err := rows.Scan(&s.ID, &s.MemberID, &s.FacilityID, &s.Type, &s.BucketDate, &s.Value, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out[s.Type] = s
	}
	return out, rows.Err()
}

func (t *pgTx) SnapshotHistory(ctx context.Context, memberID, facilityID string, since time.Time) ([]domain.ProgressSnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
        FROM progress_snapshots
        WHERE member_id=$1 AND facility_id=$2 AND bucket_date >= $3
        ORDER BY bucket_date, progress_type`

	rows, err := t.tx.Query(ctx, query, memberID, facilityID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ProgressSnapshot
	for rows.Next() {
		var s domain.ProgressSnapshot
		if err := rows.Scan(&s.ID, &s.MemberID, &s.FacilityID, &s.Type, &s.BucketDate, &s.Value, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) LatestMeasurement(ctx context.Context, memberID, facilityID string) (*domain.Measurement, error) {
	const query = `SELECT measurement_id, member_id, facility_id, weight_kg, body_fat_pct, taken_at
        FROM measurements WHERE member_id=$1 AND facility_id=$2
        ORDER BY taken_at DESC LIMIT 1`

	var m domain.Measurement
	err := t.tx.QueryRow(ctx, query, memberID, facilityID).Scan(&m.ID, &m.MemberID, &m.FacilityID, &m.WeightKg, &m.BodyFatPct, &m.TakenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *pgTx) EnqueueInvalidation(ctx context.Context, inv views.Invalidation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (event_id, facility_id, view, member_id, payload)
        VALUES (DEFAULT, $1, $2, $3, $4)`

	_, err = t.tx.Exec(ctx, stmt, inv.FacilityID, inv.View, inv.MemberID, payload)
	return err
}

func kindStrings(pt domain.ProgressType) []string {
	kinds := pt.SubjectKinds()
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}

func encodeMetrics(m domain.Metrics) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// DecodeMetrics rebuilds the kind-specific metrics variant from its stored
// JSON form. Exposed for read paths outside the ledger.
func DecodeMetrics(kind domain.SubjectKind, raw []byte) (domain.Metrics, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch kind {
	case domain.SubjectExercise:
		var m domain.ExerciseMetrics
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	case domain.SubjectMeal, domain.SubjectFoodItem:
		var m domain.MealMetrics
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, nil
}
