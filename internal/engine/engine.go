package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alanbgeorge/vehicle-parking-app/internal/cache"
	"github.com/alanbgeorge/vehicle-parking-app/internal/domain"
	"github.com/alanbgeorge/vehicle-parking-app/internal/events"
	"github.com/alanbgeorge/vehicle-parking-app/internal/repo"
)

// ErrConflict marks state conflicts the caller must re-fetch to resolve:
// slot already booked, booking already completed, lot still occupied.
var ErrConflict = errors.New("conflict")

// ErrValidation marks bad input rejected before any mutation.
var ErrValidation = errors.New("validation")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Cache  *cache.LotCache
	Now    func() time.Time
}

func New(db *sql.DB, lotCache *cache.LotCache) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Cache:  lotCache,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// --- slot lifecycle ---

// Book claims a free slot for a user. The occupancy flip and the ACTIVE
// booking insert commit together; the conditional flip guarantees that of
// two concurrent bookers exactly one succeeds and the other sees ErrConflict.
func (e Engine) Book(ctx context.Context, userID, slotID int64, vehicleNumber, actorID string) (domain.Booking, error) {
	if userID == 0 || slotID == 0 || strings.TrimSpace(vehicleNumber) == "" {
		return domain.Booking{}, fmt.Errorf("%w: user_id, slot_id and vehicle_number are required", ErrValidation)
	}
	slot, err := e.Repo.GetSlot(ctx, slotID)
	if err != nil {
		return domain.Booking{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Booking{}, err
	}
	defer tx.Rollback()

	occupied, err := e.Repo.OccupySlotTx(ctx, tx, slot.ID)
	if err != nil {
		return domain.Booking{}, err
	}
	if !occupied {
		return domain.Booking{}, fmt.Errorf("%w: slot already booked", ErrConflict)
	}
	b := domain.Booking{
		UserID:        userID,
		SlotID:        slot.ID,
		VehicleNumber: strings.TrimSpace(vehicleNumber),
		StartTime:     e.now().UTC().Format(time.RFC3339),
		Status:        domain.BookingActive,
	}
	b.ID, err = e.Repo.InsertBookingTx(ctx, tx, b)
	if err != nil {
		return domain.Booking{}, err
	}
	if err := e.Events.Append(ctx, tx, "booking.created", "booking", fmt.Sprint(b.ID), actorID, events.EventPayload{
		"slot_id": slot.ID,
		"user_id": userID,
	}); err != nil {
		return domain.Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Booking{}, err
	}
	return b, nil
}

// ReleaseResult reports what a release billed.
type ReleaseResult struct {
	Booking     domain.Booking
	BilledHours int
	Amount      float64
}

// Release closes an ACTIVE booking: frees the slot, stamps end_time, and
// computes the billed amount, all in one transaction. A booking already
// COMPLETED yields ErrConflict and leaves amount and end_time untouched.
func (e Engine) Release(ctx context.Context, bookingID int64, actorID string) (ReleaseResult, error) {
	// Reads happen outside the transaction: the pool is a single
	// connection, and a non-tx query while a tx is open would block on it.
	// The status guard inside CompleteBookingTx stays authoritative.
	b, err := e.Repo.GetBooking(ctx, bookingID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if b.Status != domain.BookingActive {
		return ReleaseResult{}, fmt.Errorf("%w: booking already completed", ErrConflict)
	}
	slot, err := e.Repo.GetSlot(ctx, b.SlotID)
	if err != nil {
		return ReleaseResult{}, err
	}
	now := e.now().UTC()
	billedHours := billedHours(b.StartTime, now)
	amount := 0.0
	lot, err := e.Repo.GetLot(ctx, slot.LotID)
	switch {
	case err == nil:
		amount = float64(billedHours) * lot.PricePerHour
	case errors.Is(err, repo.ErrNotFound):
		// Lot gone: release still completes, amount degrades to zero.
	default:
		return ReleaseResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReleaseResult{}, err
	}
	defer tx.Rollback()

	endTime := now.Format(time.RFC3339)
	closed, err := e.Repo.CompleteBookingTx(ctx, tx, b.ID, endTime, amount)
	if err != nil {
		return ReleaseResult{}, err
	}
	if !closed {
		return ReleaseResult{}, fmt.Errorf("%w: booking already completed", ErrConflict)
	}
	if err := e.Repo.FreeSlotTx(ctx, tx, slot.ID); err != nil {
		return ReleaseResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "booking.released", "booking", fmt.Sprint(b.ID), actorID, events.EventPayload{
		"amount":       amount,
		"billed_hours": billedHours,
	}); err != nil {
		return ReleaseResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, err
	}
	b.EndTime = &endTime
	b.Status = domain.BookingCompleted
	b.Amount = amount
	return ReleaseResult{Booking: b, BilledHours: billedHours, Amount: amount}, nil
}

// billedHours rounds elapsed time up to whole hours with a one-hour
// minimum: any positive duration bills at least one full hour.
func billedHours(startTime string, end time.Time) int {
	start, err := time.Parse(time.RFC3339, startTime)
	if err != nil {
		return 1
	}
	hours := end.Sub(start).Seconds() / 3600
	billed := int(math.Ceil(hours))
	if billed < 1 {
		billed = 1
	}
	return billed
}

// History returns all of a user's bookings, most recently created first.
func (e Engine) History(ctx context.Context, userID int64) ([]domain.Booking, error) {
	return e.Repo.ListBookings(ctx, repo.BookingFilters{UserID: userID})
}

/// SweepStaleBookings force-closes ACTIVE bookings older than the threshold:
// slot freed, status COMPLETED, end_time stamped, no amount computed.
// Returns the number of bookings closed.
func (e Engine) SweepStaleBookings(ctx context.Context, olderThan time.Duration, actorID string) (int, error) {
	cutoff := e.now().UTC().Add(-olderThan).Format(time.RFC3339)
	stale, err := e.Repo.StaleActiveBookings(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	endTime := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	closed := 0
	for _, b := range stale {
		ok, err := e.Repo.CompleteBookingTx(ctx, tx, b.ID, endTime, 0)
		if err != nil {
			return 0, err
		}
		if !ok {
			// Closed by a racing release since the scan; the slot may
			// already carry a fresh booking, so leave occupancy alone.
			continue
		}
		if err := e.Repo.FreeSlotTx(ctx, tx, b.SlotID); err != nil {
			return 0, err
		}
		closed++
	}
	if err := e.Events.Append(ctx, tx, "booking.sweep", "booking", "", actorID, events.EventPayload{
		"closed": closed,
		"cutoff": cutoff,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return closed, nil
}

// --- lot admin ---

type LotCreateOptions struct {
	Name         string
	Address      string
	PinCode      string
	TotalSlots   int
	PricePerHour float64
	ActorID      string
}

// CreateLot inserts a lot and batch-creates its slots S1..SN, then
// invalidates the listing cache before returning.
func (e Engine) CreateLot(ctx context.Context, opts LotCreateOptions) (domain.ParkingLot, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.ParkingLot{}, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if opts.TotalSlots < 1 {
		return domain.ParkingLot{}, fmt.Errorf("%w: total_slots must be a positive integer", ErrValidation)
	}
	if opts.PricePerHour < 0 {
		return domain.ParkingLot{}, fmt.Errorf("%w: price_per_hour must not be negative", ErrValidation)
	}
	l := domain.ParkingLot{
		Name:         strings.TrimSpace(opts.Name),
		Address:      opts.Address,
		PinCode:      opts.PinCode,
		TotalSlots:   opts.TotalSlots,
		PricePerHour: opts.PricePerHour,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ParkingLot{}, err
	}
	defer tx.Rollback()

	l.ID, err = e.Repo.InsertLotTx(ctx, tx, l)
	if err != nil {
		return domain.ParkingLot{}, err
	}
	for n := 1; n <= l.TotalSlots; n++ {
		if err := e.Repo.InsertSlotTx(ctx, tx, domain.ParkingSlot{
			LotID:      l.ID,
			SlotNumber: fmt.Sprintf("S%d", n),
		}); err != nil {
			return domain.ParkingLot{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "lot.created", "lot", fmt.Sprint(l.ID), opts.ActorID, events.EventPayload{
		"name":  l.Name,
		"slots": l.TotalSlots,
	}); err != nil {
		return domain.ParkingLot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ParkingLot{}, err
	}
	e.Cache.InvalidateListing(ctx, l.PinCode)
	return l, nil
}

type LotUpdateOptions struct {
	ID           int64
	Name         *string
	Address      *string
	PinCode      *string
	PricePerHour *float64
	ActorID      string
}

// UpdateLot edits lot metadata and price. The slot set is fixed at create
// time and is not resized here. Both the old and new pin-code cache keys
// are invalidated so neither filter serves the pre-update projection.
func (e Engine) UpdateLot(ctx context.Context, opts LotUpdateOptions) (domain.ParkingLot, error) {
	l, err := e.Repo.GetLot(ctx, opts.ID)
	if err != nil {
		return domain.ParkingLot{}, err
	}
	oldPin := l.PinCode
	if opts.Name != nil {
		if strings.TrimSpace(*opts.Name) == "" {
			return domain.ParkingLot{}, fmt.Errorf("%w: name must not be empty", ErrValidation)
		}
		l.Name = strings.TrimSpace(*opts.Name)
	}
	if opts.Address != nil {
		l.Address = *opts.Address
	}
	if opts.PinCode != nil {
		l.PinCode = *opts.PinCode
	}
	if opts.PricePerHour != nil {
		if *opts.PricePerHour < 0 {
			return domain.ParkingLot{}, fmt.Errorf("%w: price_per_hour must not be negative", ErrValidation)
		}
		l.PricePerHour = *opts.PricePerHour
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ParkingLot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateLotTx(ctx, tx, l); err != nil {
		return domain.ParkingLot{}, err
	}
	if err := e.Events.Append(ctx, tx, "lot.updated", "lot", fmt.Sprint(l.ID), opts.ActorID, events.EventPayload{
		"price_per_hour": l.PricePerHour,
	}); err != nil {
		return domain.ParkingLot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ParkingLot{}, err
	}
	e.Cache.InvalidateListing(ctx, oldPin, l.PinCode)
	return l, nil
}

// DeleteLot removes a lot with all its slots and bookings. Refused with
// ErrConflict while any slot in the lot is occupied.
func (e Engine) DeleteLot(ctx context.Context, lotID int64, actorID string) error {
	l, err := e.Repo.GetLot(ctx, lotID)
	if err != nil {
		return err
	}
	busy, err := e.Repo.CountOccupiedSlots(ctx, lotID)
	if err != nil {
		return err
	}
	if busy > 0 {
		return fmt.Errorf("%w: lot has %d occupied slots", ErrConflict, busy)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteLotTx(ctx, tx, lotID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "lot.deleted", "lot", fmt.Sprint(lotID), actorID, events.EventPayload{
		"name": l.Name,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Cache.InvalidateListing(ctx, l.PinCode)
	return nil
}

// ListLots serves the lot listing through the cache: hit returns the cached
// projection verbatim, miss queries the store and back-fills with the TTL.
// Cache trouble on either path silently falls through to the store.
// Bookings and releases do not invalidate this projection, so free-slot
// counts may lag by up to one TTL window.
func (e Engine) ListLots(ctx context.Context, pinCode string) ([]domain.LotSummary, bool, error) {
	if lots, ok := e.Cache.GetListing(ctx, pinCode); ok {
		return lots, true, nil
	}
	lots, err := e.Repo.LotSummaries(ctx, pinCode)
	if err != nil {
		return nil, false, err
	}
	if lots == nil {
		lots = []domain.LotSummary{}
	}
	e.Cache.PutListing(ctx, pinCode, lots)
	return lots, false, nil
}

// LotSlots returns a lot's summary and its slots, optionally free-only.
// This view is intentionally uncached: it feeds the booking flow, where a
// stale occupancy flag would just produce a Conflict on Book.
func (e Engine) LotSlots(ctx context.Context, lotID int64, onlyFree bool) (domain.LotSummary, []domain.ParkingSlot, error) {
	lot, err := e.Repo.GetLot(ctx, lotID)
	if err != nil {
		return domain.LotSummary{}, nil, err
	}
	slots, err := e.Repo.ListSlots(ctx, repo.SlotFilters{LotID: lotID, OnlyFree: onlyFree})
	if err != nil {
		return domain.LotSummary{}, nil, err
	}
	all, err := e.Repo.ListSlots(ctx, repo.SlotFilters{LotID: lotID})
	if err != nil {
		return domain.LotSummary{}, nil, err
	}
	free := 0
	for _, s := range all {
		if !s.IsOccupied {
			free++
		}
	}
	summary := domain.LotSummary{
		ID:           lot.ID,
		Name:         lot.Name,
		Address:      lot.Address,
		PinCode:      lot.PinCode,
		TotalSlots:   len(all),
		FreeSlots:    free,
		PricePerHour: lot.PricePerHour,
	}
	if slots == nil {
		slots = []domain.ParkingSlot{}
	}
	return summary, slots, nil
}
