// Package api exposes HTTP handlers for the scheduling ledger.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"example.com/scheduling/internal/auth"
	"example.com/scheduling/internal/domain"
)

// Handler coordinates HTTP requests with the ledger services.
type Handler struct {
	enrollments *domain.EnrollmentService
	completions *domain.CompletionService
	progress    *domain.ProgressService
}

// NewHandler builds a Handler.
func NewHandler(enrollments *domain.EnrollmentService, completions *domain.CompletionService, progress *domain.ProgressService) *Handler {
	return &Handler{enrollments: enrollments, completions: completions, progress: progress}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/enrollments", h.enrollmentsRoot)
	mux.HandleFunc("/v1/enrollments/", h.enrollmentByID)
	mux.HandleFunc("/v1/completions", h.recordCompletion)
	mux.HandleFunc("/v1/completions/batch", h.recordCompletionBatch)
	mux.HandleFunc("/v1/progress", h.getProgress)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) enrollmentsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.subscribe(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) enrollmentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/enrollments/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing enrollment id")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		h.unsubscribe(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeEnrollmentsWrite)
	if !ok {
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.SchedulePlanID) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "schedule_plan_id is required")
		return
	}

	enrollment, err := h.enrollments.Subscribe(r.Context(), domain.SubscribeInput{
		MemberID:       claims.Subject,
		FacilityID:     claims.FacilityID,
		SchedulePlanID: req.SchedulePlanID,
		SlotIDs:        req.SlotIDs,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEnrollmentView(*enrollment))
}

func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request, enrollmentID string) {
	claims, ok := requireScope(w, r, auth.ScopeEnrollmentsWrite)
	if !ok {
		return
	}

	enrollment, err := h.enrollments.Unsubscribe(r.Context(), claims.Subject, claims.FacilityID, enrollmentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentView(*enrollment))
}

func (h *Handler) recordCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeCompletionsWrite)
	if !ok {
		return
	}

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	weekday, err := ParseWeekday(req.Weekday)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	kind := domain.SubjectKind(req.SubjectKind)
	rec, err := h.completions.RecordCompletion(r.Context(), domain.CompletionInput{
		MemberID:   claims.Subject,
		FacilityID: claims.FacilityID,
		Kind:       kind,
		SubjectID:  req.SubjectID,
		Weekday:    weekday,
		Completed:  req.Completed,
		Metrics:    req.Metrics.toDomain(kind),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCompletionView(*rec))
}

func (h *Handler) recordCompletionBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeCompletionsWrite)
	if !ok {
		return
	}

	var req BatchCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	weekday, err := ParseWeekday(req.Weekday)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	recs, err := h.completions.RecordCompletionBatch(r.Context(), domain.BatchCompletionInput{
		MemberID:   claims.Subject,
		FacilityID: claims.FacilityID,
		Kind:       domain.SubjectKind(req.SubjectKind),
		SubjectIDs: req.SubjectIDs,
		Weekday:    weekday,
		Completed:  req.Completed,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]CompletionView, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toCompletionView(rec))
	}
	writeJSON(w, http.StatusOK, BatchCompletionResponse{Items: items})
}

func (h *Handler) getProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	claims, ok := requireScope(w, r, auth.ScopeProgressRead)
	if !ok {
		return
	}

	// member_id is accepted only as an explicit self-reference; progress
	// reads are bound to the token's identity.
	if q := r.URL.Query().Get("member_id"); q != "" && q != claims.Subject {
		writeError(w, http.StatusForbidden, "not_authorized", "member_id does not match the authenticated member")
		return
	}

	overview, err := h.progress.Overview(r.Context(), claims.Subject, claims.FacilityID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	perType := make(map[string]int, len(overview.PerType))
	for pt, v := range overview.PerType {
		perType[string(pt)] = v
	}
	history := make([]SnapshotView, 0, len(overview.History))
	for _, s := range overview.History {
		history = append(history, SnapshotView{
			Type:       string(s.Type),
			BucketDate: s.BucketDate.Format("2006-01-02"),
			Value:      s.Value,
		})
	}
	resp := ProgressResponse{
		PerType: perType,
		Overall: overview.Overall,
		History: history,
	}
	if m := overview.LatestMeasurement; m != nil {
		resp.LatestMeasurement = &MeasurementView{
			WeightKg:   m.WeightKg,
			BodyFatPct: m.BodyFatPct,
			TakenAt:    m.TakenAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

// ParseWeekday maps a lowercase weekday name to time.Weekday.
func ParseWeekday(name string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}

// SubscribeRequest is the payload for POST /v1/enrollments.
type SubscribeRequest struct {
	SchedulePlanID string   `json:"schedule_plan_id"`
	SlotIDs        []string `json:"slot_ids,omitempty"`
}

// CompletionRequest is the payload for POST /v1/completions.
type CompletionRequest struct {
	SubjectKind string          `json:"subject_kind"`
	SubjectID   string          `json:"subject_id"`
	Weekday     string          `json:"weekday"`
	Completed   bool            `json:"completed"`
	Metrics     *MetricsPayload `json:"metrics,omitempty"`
}

// Validate ensures request correctness.
func (r CompletionRequest) Validate() error {
	if !validSubjectKind(r.SubjectKind) {
		return errors.New("subject_kind must be one of attendance, exercise, meal, food_item")
	}
	if strings.TrimSpace(r.SubjectID) == "" {
		return errors.New("subject_id is required")
	}
	if strings.TrimSpace(r.Weekday) == "" {
		return errors.New("weekday is required")
	}
	return nil
}

// BatchCompletionRequest is the payload for POST /v1/completions/batch.
type BatchCompletionRequest struct {
	SubjectKind string   `json:"subject_kind"`
	SubjectIDs  []string `json:"subject_ids"`
	Weekday     string   `json:"weekday"`
	Completed   bool     `json:"completed"`
}

// Validate ensures request correctness.
func (r BatchCompletionRequest) Validate() error {
	if !validSubjectKind(r.SubjectKind) {
		return errors.New("subject_kind must be one of attendance, exercise, meal, food_item")
	}
	if len(r.SubjectIDs) == 0 {
		return errors.New("subject_ids is required")
	}
	if strings.TrimSpace(r.Weekday) == "" {
		return errors.New("weekday is required")
	}
	return nil
}

func validSubjectKind(kind string) bool {
	switch domain.SubjectKind(kind) {
	case domain.SubjectAttendance, domain.SubjectExercise, domain.SubjectMeal, domain.SubjectFoodItem:
		return true
	}
	return false
}

// MetricsPayload is the wire form of the kind-specific metrics variant.
type MetricsPayload struct {
	Sets     int     `json:"sets,omitempty"`
	Reps     int     `json:"reps,omitempty"`
	WeightKg float64 `json:"weight_kg,omitempty"`
	Notes    string  `json:"notes,omitempty"`
}

func (p *MetricsPayload) toDomain(kind domain.SubjectKind) domain.Metrics {
	if p == nil {
		return nil
	}
	switch kind {
	case domain.SubjectExercise:
		return domain.ExerciseMetrics{Sets: p.Sets, Reps: p.Reps, WeightKg: p.WeightKg, Notes: p.Notes}
	case domain.SubjectMeal, domain.SubjectFoodItem:
		return domain.MealMetrics{Notes: p.Notes}
	}
	return nil
}

// EnrollmentView exposes an enrollment to the action layer.
type EnrollmentView struct {
	EnrollmentID   string     `json:"enrollment_id"`
	MemberID       string     `json:"member_id"`
	SchedulePlanID string     `json:"schedule_plan_id"`
	Status         string     `json:"status"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	SlotIDs        []string   `json:"slot_ids"`
}

func toEnrollmentView(e domain.Enrollment) EnrollmentView {
	slots := e.SlotIDs
	if slots == nil {
		slots = []string{}
	}
	return EnrollmentView{
		EnrollmentID:   e.ID,
		MemberID:       e.MemberID,
		SchedulePlanID: e.SchedulePlanID,
		Status:         string(e.Status),
		StartDate:      e.StartDate,
		EndDate:        e.EndDate,
		SlotIDs:        slots,
	}
}

// CompletionView exposes a completion record.
type CompletionView struct {
	CompletionID string          `json:"completion_id"`
	SubjectKind  string          `json:"subject_kind"`
	SubjectID    string          `json:"subject_id"`
	BucketDate   string          `json:"bucket_date"`
	Completed    bool            `json:"completed"`
	Metrics      *MetricsPayload `json:"metrics,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func toCompletionView(rec domain.CompletionRecord) CompletionView {
	view := CompletionView{
		CompletionID: rec.ID,
		SubjectKind:  string(rec.Kind),
		SubjectID:    rec.SubjectID,
		BucketDate:   rec.BucketDate.Format("2006-01-02"),
		Completed:    rec.Completed,
		UpdatedAt:    rec.UpdatedAt,
	}
	switch m := rec.Metrics.(type) {
	case domain.ExerciseMetrics:
		view.Metrics = &MetricsPayload{Sets: m.Sets, Reps: m.Reps, WeightKg: m.WeightKg, Notes: m.Notes}
	case domain.MealMetrics:
		view.Metrics = &MetricsPayload{Notes: m.Notes}
	}
	return view
}

// BatchCompletionResponse packages batch results.
type BatchCompletionResponse struct {
	Items []CompletionView `json:"items"`
}

// SnapshotView is one history entry.
type SnapshotView struct {
	Type       string `json:"type"`
	BucketDate string `json:"bucket_date"`
	Value      int    `json:"value"`
}

// MeasurementView is the latest body measurement, when one exists.
type MeasurementView struct {
	WeightKg   float64   `json:"weight_kg"`
	BodyFatPct float64   `json:"body_fat_pct"`
	TakenAt    time.Time `json:"taken_at"`
}

// ProgressResponse merges per-type scores with the folded overall score.
type ProgressResponse struct {
	PerType           map[string]int   `json:"per_type"`
	Overall           int              `json:"overall"`
	LatestMeasurement *MeasurementView `json:"latest_measurement,omitempty"`
	History           []SnapshotView   `json:"history"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not_authorized", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidSelection):
		writeError(w, http.StatusUnprocessableEntity, "invalid_selection", err.Error())
	case errors.Is(err, domain.ErrAlreadyEnrolled):
		writeError(w, http.StatusConflict, "already_enrolled", err.Error())
	case errors.Is(err, domain.ErrInsufficientCapacity):
		writeError(w, http.StatusConflict, "insufficient_capacity", err.Error())
	case errors.Is(err, domain.ErrTransientConflict):
		writeError(w, http.StatusServiceUnavailable, "transient_conflict", "storage conflict, retry the request")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
