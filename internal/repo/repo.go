package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/alanbgeorge/vehicle-parking-app/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- users ---

func (r Repo) InsertUser(ctx context.Context, u domain.User) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(name,email,password_hash,role,created_at) VALUES (?,?,?,?,?)`,
		u.Name, u.Email, u.PasswordHash, u.Role, u.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,email,password_hash,role,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,email,password_hash,role,created_at FROM users WHERE email=?`, email).
		Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// ListUsers returns users filtered by role. Empty role returns everyone.
func (r Repo) ListUsers(ctx context.Context, role string) ([]domain.User, error) {
	clauses := []string{"1=1"}
	var args []any
	if role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, role)
	}
	query := `SELECT id,name,email,password_hash,role,created_at FROM users WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// --- parking lots ---

func (r Repo) InsertLotTx(ctx context.Context, tx *sql.Tx, l domain.ParkingLot) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO parking_lots(name,address,pin_code,total_slots,price_per_hour) VALUES (?,?,?,?,?)`,
		l.Name, nullable(l.Address), nullable(l.PinCode), l.TotalSlots, l.PricePerHour)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanLot(row *sql.Row) (domain.ParkingLot, error) {
	var l domain.ParkingLot
	var address, pin sql.NullString
	err := row.Scan(&l.ID, &l.Name, &address, &pin, &l.TotalSlots, &l.PricePerHour)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if address.Valid {
		l.Address = address.String
	}
	if pin.Valid {
		l.PinCode = pin.String
	}
	return l, err
}

func (r Repo) GetLot(ctx context.Context, id int64) (domain.ParkingLot, error) {
	return scanLot(r.DB.QueryRowContext(ctx, `SELECT id,name,address,pin_code,total_slots,price_per_hour FROM parking_lots WHERE id=?`, id))
}

// UpdateLotTx rewrites a lot's metadata and price inside the caller's
// transaction. total_slots is fixed at create time and never touched here.
func (r Repo) UpdateLotTx(ctx context.Context, tx *sql.Tx, l domain.ParkingLot) error {
	res, err := tx.ExecContext(ctx, `UPDATE parking_lots SET name=?, address=?, pin_code=?, price_per_hour=? WHERE id=?`,
		l.Name, nullable(l.Address), nullable(l.PinCode), l.PricePerHour, l.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LotSummaries returns the lot-listing projection, optionally filtered by
// pin code. Free-slot counts come from a correlated subquery so the listing
// is one round trip.
func (r Repo) LotSummaries(ctx context.Context, pinCode string) ([]domain.LotSummary, error) {
	clauses := []string{"1=1"}
	var args []any
	if pinCode != "" {
		clauses = append(clauses, "l.pin_code=?")
		args = append(args, pinCode)
	}
	query := `SELECT l.id, l.name, COALESCE(l.address,''), COALESCE(l.pin_code,''), l.total_slots, l.price_per_hour,
		(SELECT count(*) FROM parking_slots s WHERE s.lot_id=l.id) AS slot_count,
		(SELECT count(*) FROM parking_slots s WHERE s.lot_id=l.id AND s.is_occupied=1) AS busy_count
		FROM parking_lots l WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY l.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LotSummary
	for rows.Next() {
		var s domain.LotSummary
		var slotCount, busyCount int
		if err := rows.Scan(&s.ID, &s.Name, &s.Address, &s.PinCode, &s.TotalSlots, &s.PricePerHour, &slotCount, &busyCount); err != nil {
			return nil, err
		}
		s.TotalSlots = slotCount
		s.FreeSlots = slotCount - busyCount
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountOccupiedSlots(ctx context.Context, lotID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM parking_slots WHERE lot_id=? AND is_occupied=1`, lotID).Scan(&n)
	return n, err
}

// DeleteLotTx removes a lot, its slots, and every booking referencing those
// slots. The occupied-slot guard runs in the engine before this is called.
func (r Repo) DeleteLotTx(ctx context.Context, tx *sql.Tx, lotID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM bookings WHERE slot_id IN (SELECT id FROM parking_slots WHERE lot_id=?)`, lotID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM parking_slots WHERE lot_id=?`, lotID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM parking_lots WHERE id=?`, lotID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- parking slots ---

func (r Repo) InsertSlotTx(ctx context.Context, tx *sql.Tx, s domain.ParkingSlot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO parking_slots(lot_id,slot_number,is_occupied) VALUES (?,?,?)`,
		s.LotID, s.SlotNumber, boolToInt(s.IsOccupied))
	return err
}

func (r Repo) GetSlot(ctx context.Context, id int64) (domain.ParkingSlot, error) {
	var s domain.ParkingSlot
	var occupied int
	err := r.DB.QueryRowContext(ctx, `SELECT id,lot_id,slot_number,is_occupied FROM parking_slots WHERE id=?`, id).
		Scan(&s.ID, &s.LotID, &s.SlotNumber, &occupied)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.IsOccupied = occupied != 0
	return s, err
}

type SlotFilters struct {
	LotID    int64
	OnlyFree bool
}

func (r Repo) ListSlots(ctx context.Context, f SlotFilters) ([]domain.ParkingSlot, error) {
	clauses := []string{"lot_id=?"}
	args := []any{f.LotID}
	if f.OnlyFree {
		clauses = append(clauses, "is_occupied=0")
	}
	query := `SELECT id,lot_id,slot_number,is_occupied FROM parking_slots WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ParkingSlot
	for rows.Next() {
		var s domain.ParkingSlot
		var occupied int
		if err := rows.Scan(&s.ID, &s.LotID, &s.SlotNumber, &occupied); err != nil {
			return nil, err
		}
		s.IsOccupied = occupied != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

// OccupySlotTx flips a free slot to occupied. Returns false when the slot
// was already occupied, which is how concurrent bookers lose the race: the
// conditional update serializes on the row and exactly one caller sees a
// rows-affected count of one.
func (r Repo) OccupySlotTx(ctx context.Context, tx *sql.Tx, slotID int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE parking_slots SET is_occupied=1 WHERE id=? AND is_occupied=0`, slotID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) FreeSlotTx(ctx context.Context, tx *sql.Tx, slotID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE parking_slots SET is_occupied=0 WHERE id=?`, slotID)
	return err
}

// --- bookings ---

func (r Repo) InsertBookingTx(ctx context.Context, tx *sql.Tx, b domain.Booking) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO bookings(user_id,slot_id,vehicle_number,start_time,end_time,amount,status) VALUES (?,?,?,?,?,?,?)`,
		b.UserID, b.SlotID, b.VehicleNumber, b.StartTime, nullableStringPtr(b.EndTime), b.Amount, b.Status)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanBooking(scan func(dest ...any) error) (domain.Booking, error) {
	var b domain.Booking
	var endTime sql.NullString
	err := scan(&b.ID, &b.UserID, &b.SlotID, &b.VehicleNumber, &b.StartTime, &endTime, &b.Amount, &b.Status)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if endTime.Valid {
		b.EndTime = &endTime.String
	}
	return b, err
}

const bookingColumns = `id,user_id,slot_id,vehicle_number,start_time,end_time,amount,status`

func (r Repo) GetBooking(ctx context.Context, id int64) (domain.Booking, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=?`, id)
	return scanBooking(row.Scan)
}

// CompleteBookingTx closes an ACTIVE booking. The status guard in the WHERE
// clause makes release idempotent-safe: a second release affects zero rows.
func (r Repo) CompleteBookingTx(ctx context.Context, tx *sql.Tx, id int64, endTime string, amount float64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE bookings SET end_time=?, amount=?, status=? WHERE id=? AND status=?`,
		endTime, amount, domain.BookingCompleted, id, domain.BookingActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type BookingFilters struct {
	UserID      int64
	Status      string
	StartAfter  string // inclusive lower bound on start_time
	StartBefore string // exclusive upper bound on start_time
	OrderAsc    bool   // ascending by start_time; default newest-created first
}

func (r Repo) ListBookings(ctx context.Context, f BookingFilters) ([]domain.Booking, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.UserID != 0 {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.StartAfter != "" {
		clauses = append(clauses, "start_time>=?")
		args = append(args, f.StartAfter)
	}
	if f.StartBefore != "" {
		clauses = append(clauses, "start_time<?")
		args = append(args, f.StartBefore)
	}
	order := ` ORDER BY id DESC`
	if f.OrderAsc {
		order = ` ORDER BY start_time ASC, id ASC`
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + strings.Join(clauses, " AND ") + order
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ExportRow is one line of a booking-history export: a booking joined with
// its slot label and lot name. Deleted slots and lots degrade to "Unknown".
type ExportRow struct {
	BookingID     int64
	LotName       string
	SlotNumber    string
	VehicleNumber string
	StartTime     string
	EndTime       string
	Amount        float64
	Status        string
}

func (r Repo) ExportRows(ctx context.Context, userID int64) ([]ExportRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT b.id, COALESCE(l.name,'Unknown'), COALESCE(s.slot_number,'Unknown'),
		b.vehicle_number, b.start_time, COALESCE(b.end_time,''), b.amount, b.status
		FROM bookings b
		LEFT JOIN parking_slots s ON s.id=b.slot_id
		LEFT JOIN parking_lots l ON l.id=s.lot_id
		WHERE b.user_id=? ORDER BY b.start_time ASC, b.id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ExportRow
	for rows.Next() {
		var row ExportRow
		if err := rows.Scan(&row.BookingID, &row.LotName, &row.SlotNumber, &row.VehicleNumber,
			&row.StartTime, &row.EndTime, &row.Amount, &row.Status); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// StaleActiveBookings returns ACTIVE bookings that started before the cutoff.
func (r Repo) StaleActiveBookings(ctx context.Context, cutoff string) ([]domain.Booking, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE status=? AND start_time<? ORDER BY id ASC`,
		domain.BookingActive, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) CountLots(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM parking_lots`).Scan(&n)
	return n, err
}

func (r Repo) CountBookingsInRange(ctx context.Context, userID int64, startAfter, startBefore string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM bookings WHERE user_id=? AND start_time>=? AND start_time<?`,
		userID, startAfter, startBefore).Scan(&n)
	return n, err
}

// MonthlyUsage aggregates a user's bookings in [startAfter, startBefore).
type MonthlyUsage struct {
	TotalBookings int
	TotalAmount   float64
	TopLotName    string
}

// UsageInRange computes booking count, amount sum, and the most-used lot
// name for one user. Tie on usage count breaks to the lowest lot id so the
// result is deterministic regardless of row order.
func (r Repo) UsageInRange(ctx context.Context, userID int64, startAfter, startBefore string) (MonthlyUsage, error) {
	var usage MonthlyUsage
	err := r.DB.QueryRowContext(ctx, `SELECT count(*), COALESCE(sum(amount),0) FROM bookings WHERE user_id=? AND start_time>=? AND start_time<?`,
		userID, startAfter, startBefore).Scan(&usage.TotalBookings, &usage.TotalAmount)
	if err != nil {
		return usage, err
	}
	if usage.TotalBookings == 0 {
		return usage, nil
	}
	row := r.DB.QueryRowContext(ctx, `SELECT l.name FROM bookings b
		JOIN parking_slots s ON s.id=b.slot_id
		JOIN parking_lots l ON l.id=s.lot_id
		WHERE b.user_id=? AND b.start_time>=? AND b.start_time<?
		GROUP BY l.id ORDER BY count(*) DESC, l.id ASC LIMIT 1`,
		userID, startAfter, startBefore)
	err = row.Scan(&usage.TopLotName)
	if err == sql.ErrNoRows {
		// Bookings whose slot or lot has since been deleted.
		usage.TopLotName = "Unknown"
		return usage, nil
	}
	return usage, err
}

// --- job records ---

func (r Repo) InsertJob(ctx context.Context, j domain.JobRecord) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO job_records(user_id,kind,status,created_at) VALUES (?,?,?,?)`,
		j.UserID, j.Kind, j.Status, j.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetJob(ctx context.Context, id int64) (domain.JobRecord, error) {
	var j domain.JobRecord
	var artifact, errMsg, result, completed sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,kind,status,artifact_path,error_message,result,created_at,completed_at FROM job_records WHERE id=?`, id).
		Scan(&j.ID, &j.UserID, &j.Kind, &j.Status, &artifact, &errMsg, &result, &j.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if artifact.Valid {
		j.ArtifactPath = &artifact.String
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	if result.Valid {
		j.Result = &result.String
	}
	if completed.Valid {
		j.CompletedAt = &completed.String
	}
	return j, nil
}

// ClaimJob advances PENDING to IN_PROGRESS. Returns false if another worker
// already claimed the record or it reached a terminal state.
func (r Repo) ClaimJob(ctx context.Context, id int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE job_records SET status=? WHERE id=? AND status=?`,
		domain.JobInProgress, id, domain.JobPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishJob moves an IN_PROGRESS record to DONE or FAILED, stamping the
// artifact path, error, and result summary. Terminal states are final: the
// status guard refuses anything already completed.
func (r Repo) FinishJob(ctx context.Context, id int64, status string, artifactPath, errorMessage, result *string, completedAt string) error {
	if status != domain.JobDone && status != domain.JobFailed {
		return fmt.Errorf("finish job: %s is not a terminal status", status)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE job_records SET status=?, artifact_path=?, error_message=?, result=?, completed_at=? WHERE id=? AND status=?`,
		status, nullableStringPtr(artifactPath), nullableStringPtr(errorMessage), nullableStringPtr(result), completedAt, id, domain.JobInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish job %d: record not in progress", id)
	}
	return nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, entityKind string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
