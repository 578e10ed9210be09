// Package ledger enforces offer capacity under concurrent bookings using the document store's
// atomic transactions.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tutorsync/internal/docstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/ids"
	"go.uber.org/zap"
)

var (
	// ErrCapacityExceeded indicates that the offer has no free seat at transaction time.
	ErrCapacityExceeded = errors.New("ledger: capacity exceeded")
	// ErrReservationWriteFailed indicates that the seat was held but the reservation record could not be written.
	ErrReservationWriteFailed = errors.New("ledger: reservation write failed")
	// ErrCompensationFailed indicates that releasing a held seat after a failed reservation write did not commit.
	ErrCompensationFailed = errors.New("ledger: compensation failed")
	// ErrOfferNotFound indicates that the offer does not exist.
	ErrOfferNotFound = errors.New("ledger: offer not found")
	// ErrReservationNotFound indicates that the reservation does not exist.
	ErrReservationNotFound = errors.New("ledger: reservation not found")
	// ErrInvalidTransition indicates a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
	// ErrInvalidInput indicates missing or malformed request fields.
	ErrInvalidInput = errors.New("ledger: invalid input")

	errMissingStore = errors.New("document store is required")
	noOpLogger      = zap.NewNop()
)

const (
	opServiceNew     = "ledger.service.new"
	opCreateOffer    = "ledger.create_offer"
	opGetOffer       = "ledger.get_offer"
	opGetReservation = "ledger.get_reservation"
	opReserveSeat    = "ledger.reserve_seat"
	opSetStatus      = "ledger.set_reservation_status"
	opCompensate     = "ledger.compensate_seat"

	compensationAttempts = 3
)

// ServiceError carries a dotted operation.reason code and unwraps to its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Store      docstore.Store
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service runs the booking and status-transition protocols.
type Service struct {
	store      docstore.Store
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:      cfg.Store,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// CreateOffer publishes a new offer with zeroed counters.
func (s *Service) CreateOffer(ctx context.Context, input OfferInput) (Offer, error) {
	teacherID := strings.TrimSpace(input.TeacherID)
	if teacherID == "" || input.MaxStudents < 0 {
		err := fmt.Errorf("%w: teacher id and a non-negative capacity are required", ErrInvalidInput)
		return Offer{}, newServiceError(opCreateOffer, "invalid_input", err)
	}
	offerID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateOffer, "id_generation_failed", err)
		return Offer{}, newServiceError(opCreateOffer, "id_generation_failed", err)
	}
	now := s.now()
	offer := Offer{
		ID:          offerID,
		TeacherID:   teacherID,
		Title:       strings.TrimSpace(input.Title),
		MaxStudents: input.MaxStudents,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if err := s.store.Set(ctx, offerRef(offerID), offer); err != nil {
		s.logError(opCreateOffer, "offer_write_failed", err, zap.String("offer_id", offerID))
		return Offer{}, newServiceError(opCreateOffer, "offer_write_failed", err)
	}
	return offer, nil
}

// GetOffer reads an offer outside of any transaction.
func (s *Service) GetOffer(ctx context.Context, offerID string) (Offer, error) {
	var offer Offer
	if err := s.store.Get(ctx, offerRef(offerID), &offer); err != nil {
		if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidRef) {
			return Offer{}, newServiceError(opGetOffer, "offer_not_found", fmt.Errorf("%w: %s", ErrOfferNotFound, offerID))
		}
		s.logError(opGetOffer, "offer_read_failed", err, zap.String("offer_id", offerID))
		return Offer{}, newServiceError(opGetOffer, "offer_read_failed", err)
	}
	return offer, nil
}

// GetReservation reads a reservation outside of any transaction.
func (s *Service) GetReservation(ctx context.Context, reservationID string) (Reservation, error) {
	var reservation Reservation
	if err := s.store.Get(ctx, reservationRef(reservationID), &reservation); err != nil {
		if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidRef) {
			return Reservation{}, newServiceError(opGetReservation, "reservation_not_found", fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID))
		}
		s.logError(opGetReservation, "reservation_read_failed", err, zap.String("reservation_id", reservationID))
		return Reservation{}, newServiceError(opGetReservation, "reservation_read_failed", err)
	}
	return reservation, nil
}

// ReserveSeat holds a seat on the offer and then records a pending reservation for requesterID.
// The hold and the record are separate writes; when the record fails the hold is released by a
// compensating transaction. A released hold reports ErrReservationWriteFailed and a hold that could
// not be released additionally reports ErrCompensationFailed.
func (s *Service) ReserveSeat(ctx context.Context, offerID, requesterID, slot string) (Reservation, error) {
	offerID = strings.TrimSpace(offerID)
	requesterID = strings.TrimSpace(requesterID)
	if offerID == "" || requesterID == "" {
		err := fmt.Errorf("%w: offer id and requester id are required", ErrInvalidInput)
		return Reservation{}, newServiceError(opReserveSeat, "invalid_input", err)
	}

	var held Offer
	txErr := s.store.Transaction(ctx, func(tx docstore.Tx) error {
		var offer Offer
		if err := tx.Get(offerRef(offerID), &offer); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
			}
			return err
		}
		if !hasCapacity(offer) {
			return fmt.Errorf("%w: %d enrolled and %d pending of %d", ErrCapacityExceeded, offer.EnrolledCount, offer.PendingCount, offer.MaxStudents)
		}
		offer.PendingCount++
		offer.UpdatedAtMs = s.now()
		held = offer
		return tx.Set(offerRef(offerID), offer)
	})
	if txErr != nil {
		return Reservation{}, s.classifyReserveError(offerID, txErr)
	}

	reservation, writeErr := s.writeReservation(ctx, held, requesterID, slot)
	if writeErr == nil {
		return reservation, nil
	}

	s.logError(opReserveSeat, "reservation_write_failed", writeErr,
		zap.String("offer_id", offerID),
		zap.String("requester_id", requesterID))
	if compensationErr := s.releaseSeat(context.WithoutCancel(ctx), offerID); compensationErr != nil {
		s.logError(opCompensate, "compensation_failed", compensationErr, zap.String("offer_id", offerID))
		return Reservation{}, newServiceError(opReserveSeat, "compensation_failed",
			errors.Join(ErrReservationWriteFailed, ErrCompensationFailed, writeErr, compensationErr))
	}
	return Reservation{}, newServiceError(opReserveSeat, "reservation_write_failed",
		errors.Join(ErrReservationWriteFailed, writeErr))
}

// SetReservationStatus moves a reservation to next and adjusts the offer counters in the same
// transaction. Re-applying the current status only refreshes the timestamp.
func (s *Service) SetReservationStatus(ctx context.Context, reservationID string, next ReservationStatus) (StatusChange, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		err := fmt.Errorf("%w: reservation id is required", ErrInvalidInput)
		return StatusChange{}, newServiceError(opSetStatus, "invalid_input", err)
	}
	if _, err := ParseReservationStatus(next.String()); err != nil {
		return StatusChange{}, newServiceError(opSetStatus, "invalid_transition", err)
	}

	var change StatusChange
	txErr := s.store.Transaction(ctx, func(tx docstore.Tx) error {
		var reservation Reservation
		if err := tx.Get(reservationRef(reservationID), &reservation); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrReservationNotFound, reservationID)
			}
			return err
		}
		var offer Offer
		if err := tx.Get(offerRef(reservation.OfferID), &offer); err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrOfferNotFound, reservation.OfferID)
			}
			return err
		}

		now := s.now()
		was := reservation.Status
		if was == next {
			reservation.UpdatedAtMs = now
			change = StatusChange{Reservation: reservation, Offer: offer, Changed: false}
			return tx.Set(reservationRef(reservationID), reservation)
		}
		if was.closed() || next == StatusPending {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, was, next)
		}

		offer = applyTransition(offer, was, next)
		offer.UpdatedAtMs = now
		reservation.Status = next
		reservation.UpdatedAtMs = now
		if err := tx.Set(offerRef(offer.ID), offer); err != nil {
			return err
		}
		if err := tx.Set(reservationRef(reservationID), reservation); err != nil {
			return err
		}
		change = StatusChange{Reservation: reservation, Offer: offer, Changed: true}
		return nil
	})
	if txErr != nil {
		return StatusChange{}, s.classifyStatusError(reservationID, next, txErr)
	}
	return change, nil
}

// WatchOffer streams decoded snapshots of one offer until ctx ends or the returned func is called.
func (s *Service) WatchOffer(ctx context.Context, offerID string) (<-chan OfferSnapshot, func()) {
	watchCtx, cancel := context.WithCancel(ctx)
	snapshots, stop := s.store.Subscribe(watchCtx, docstore.Query{Collection: collectionOffers, ID: offerID})
	out := make(chan OfferSnapshot, 1)
	go func() {
		defer close(out)
		for snapshot := range snapshots {
			decoded := OfferSnapshot{FromCache: snapshot.FromCache}
			if len(snapshot.Documents) > 0 {
				if err := snapshot.Documents[0].Decode(&decoded.Offer); err != nil {
					s.logger.Warn("offer snapshot undecodable", zap.String("offer_id", offerID), zap.Error(err))
					continue
				}
				decoded.Exists = true
			}
			select {
			case out <- decoded:
			case <-watchCtx.Done():
				return
			}
		}
	}()
	return out, func() {
		stop()
		cancel()
	}
}

func (s *Service) writeReservation(ctx context.Context, offer Offer, requesterID, slot string) (Reservation, error) {
	reservationID, err := s.idProvider.NewID()
	if err != nil {
		return Reservation{}, fmt.Errorf("id generation failed: %w", err)
	}
	now := s.now()
	reservation := Reservation{
		ID:          reservationID,
		OfferID:     offer.ID,
		Status:      StatusPending,
		StudentID:   requesterID,
		TeacherID:   offer.TeacherID,
		Slot:        strings.TrimSpace(slot),
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if err := s.store.Set(ctx, reservationRef(reservationID), reservation); err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// releaseSeat undoes a committed hold. Only backend conflicts are retried, a bounded number of times.
func (s *Service) releaseSeat(ctx context.Context, offerID string) error {
	var err error
	for attempt := 1; attempt <= compensationAttempts; attempt++ {
		err = s.store.Transaction(ctx, func(tx docstore.Tx) error {
			var offer Offer
			if getErr := tx.Get(offerRef(offerID), &offer); getErr != nil {
				return getErr
			}
			offer.PendingCount = clampCounter(offer.PendingCount - 1)
			offer.UpdatedAtMs = s.now()
			return tx.Set(offerRef(offerID), offer)
		})
		if err == nil || !errors.Is(err, docstore.ErrTransactionConflict) {
			return err
		}
		s.logger.Warn("seat release conflicted, retrying",
			zap.String("offer_id", offerID),
			zap.Int("attempt", attempt))
	}
	return err
}

func (s *Service) classifyReserveError(offerID string, err error) error {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return newServiceError(opReserveSeat, "capacity_exceeded", err)
	case errors.Is(err, ErrOfferNotFound), errors.Is(err, docstore.ErrInvalidRef):
		return newServiceError(opReserveSeat, "offer_not_found", err)
	case errors.Is(err, docstore.ErrTransactionConflict):
		s.logger.Warn("seat reservation conflicted", zap.String("offer_id", offerID), zap.Error(err))
		return newServiceError(opReserveSeat, "transaction_conflict", err)
	default:
		s.logError(opReserveSeat, "transaction_failed", err, zap.String("offer_id", offerID))
		return newServiceError(opReserveSeat, "transaction_failed", err)
	}
}

func (s *Service) classifyStatusError(reservationID string, next ReservationStatus, err error) error {
	switch {
	case errors.Is(err, ErrReservationNotFound), errors.Is(err, docstore.ErrInvalidRef):
		return newServiceError(opSetStatus, "reservation_not_found", err)
	case errors.Is(err, ErrOfferNotFound):
		return newServiceError(opSetStatus, "offer_not_found", err)
	case errors.Is(err, ErrInvalidTransition):
		return newServiceError(opSetStatus, "invalid_transition", err)
	case errors.Is(err, docstore.ErrTransactionConflict):
		return newServiceError(opSetStatus, "transaction_conflict", err)
	default:
		s.logError(opSetStatus, "transaction_failed", err,
			zap.String("reservation_id", reservationID),
			zap.String("status", next.String()))
		return newServiceError(opSetStatus, "transaction_failed", err)
	}
}

func (s *Service) now() int64 {
	return s.clock().UTC().UnixMilli()
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("ledger service error", attrs...)
}

func offerRef(offerID string) docstore.Ref {
	return docstore.NewRef(collectionOffers, offerID)
}

func reservationRef(reservationID string) docstore.Ref {
	return docstore.NewRef(collectionReservations, reservationID)
}
