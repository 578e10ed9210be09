package ledger

import (
	"fmt"
	"strings"
)

const (
	collectionOffers       = "offers"
	collectionReservations = "reservations"
)

// ReservationStatus is the lifecycle state of a Reservation.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "pending"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusRejected  ReservationStatus = "rejected"
	StatusCancelled ReservationStatus = "cancelled"
)

// ParseReservationStatus validates a raw status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	status := ReservationStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusConfirmed, StatusRejected, StatusCancelled:
		return status, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, raw)
	}
}

func (status ReservationStatus) String() string {
	return string(status)
}

// closed reports whether no other status may follow.
func (status ReservationStatus) closed() bool {
	return status == StatusRejected || status == StatusCancelled
}

// Offer is a teacher's slot with capacity counters. MaxStudents of zero means unlimited.
type Offer struct {
	ID            string `json:"id"`
	TeacherID     string `json:"teacherId"`
	Title         string `json:"title"`
	MaxStudents   int    `json:"maxStudents"`
	EnrolledCount int    `json:"enrolledCount"`
	PendingCount  int    `json:"pendingCount"`
	CreatedAtMs   int64  `json:"createdAt"`
	UpdatedAtMs   int64  `json:"updatedAt"`
}

// OfferInput carries the fields supplied when publishing an offer.
type OfferInput struct {
	TeacherID   string `json:"teacherId"`
	Title       string `json:"title"`
	MaxStudents int    `json:"maxStudents"`
}

// Reservation is a student's booking against an Offer.
type Reservation struct {
	ID          string            `json:"id"`
	OfferID     string            `json:"offerId"`
	Status      ReservationStatus `json:"status"`
	StudentID   string            `json:"studentId"`
	TeacherID   string            `json:"teacherId"`
	Slot        string            `json:"slot"`
	CreatedAtMs int64             `json:"createdAt"`
	UpdatedAtMs int64             `json:"updatedAt"`
}

// StatusChange is the committed result of SetReservationStatus.
type StatusChange struct {
	Reservation Reservation
	Offer       Offer
	Changed     bool
}

// OfferSnapshot is one emission of WatchOffer.
type OfferSnapshot struct {
	Offer     Offer
	Exists    bool
	FromCache bool
}

// AvailabilityHint is the optimistic rule shown to users from a possibly stale snapshot.
// ReserveSeat never consults it; it applies the stricter rule inside its transaction.
func AvailabilityHint(offer Offer) bool {
	return offer.MaxStudents == 0 || offer.EnrolledCount < offer.MaxStudents
}

func hasCapacity(offer Offer) bool {
	return offer.MaxStudents == 0 || offer.EnrolledCount+offer.PendingCount < offer.MaxStudents
}

// applyTransition returns the offer counters after a reservation moves from was to next.
func applyTransition(offer Offer, was, next ReservationStatus) Offer {
	switch next {
	case StatusConfirmed:
		if was == StatusPending {
			offer.PendingCount--
		}
		if was != StatusConfirmed {
			offer.EnrolledCount++
		}
	case StatusRejected, StatusCancelled:
		if was == StatusPending {
			offer.PendingCount--
		}
		if was == StatusConfirmed {
			offer.EnrolledCount--
		}
	}
	offer.PendingCount = clampCounter(offer.PendingCount)
	offer.EnrolledCount = clampCounter(offer.EnrolledCount)
	return offer
}

func clampCounter(value int) int {
	if value < 0 {
		return 0
	}
	return value
}
