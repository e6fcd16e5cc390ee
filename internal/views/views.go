// Package views defines the stale-view signals emitted after a successful
// mutation. Delivery and caching of the signal belong to downstream
// consumers; this package only names the logical views and the payload
// published through the outbox.
package views

// View identifies a logical read model that can become stale.
type View string

const (
	// MemberSchedule covers a member's enrollments and attached slots.
	MemberSchedule View = "member_schedule"
	// MemberProgress covers a member's completion records and snapshots.
	MemberProgress View = "member_progress"
)

// Invalidation is the signal recorded when a mutation makes a view stale.
type Invalidation struct {
	View       View   `json:"view"`
	MemberID   string `json:"member_id"`
	FacilityID string `json:"facility_id"`
}
