package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alanbgeorge/vehicle-parking-app/internal/db"
	"github.com/alanbgeorge/vehicle-parking-app/internal/domain"
	"github.com/alanbgeorge/vehicle-parking-app/internal/engine"
	"github.com/alanbgeorge/vehicle-parking-app/internal/jobs"
	"github.com/alanbgeorge/vehicle-parking-app/internal/migrate"
	"github.com/alanbgeorge/vehicle-parking-app/internal/notify"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil)
	runner := jobs.NewRunner(e, notify.ConsoleSender{}, jobs.Options{Workspace: workspace, Workers: 1})
	handler, err := New(Config{
		Engine: e,
		Runner: runner,
		Auth:   AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: &e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			runner.Stop()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// registerUser signs up a fresh user through the API and returns the token.
func registerUser(t *testing.T, srv *testServer, name, email string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"name":     name,
		"email":    email,
		"password": "secret123",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", res.StatusCode, string(data))
	}
	var out AuthResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal auth: %v", err)
	}
	return out.Token
}

// promoteAdmin flips a user's role directly; there is no API to mint admins.
func promoteAdmin(t *testing.T, srv *testServer, email string) {
	t.Helper()
	if _, err := srv.Engine.DB.Exec(`UPDATE users SET role=? WHERE email=?`, domain.RoleAdmin, email); err != nil {
		t.Fatal(err)
	}
}

func adminToken(t *testing.T, srv *testServer, email string) string {
	t.Helper()
	registerUser(t, srv, "Admin", email)
	promoteAdmin(t, srv, email)
	// Re-login so the token carries the ADMIN role claim.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"email":    email,
		"password": "secret123",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin login: %d %s", res.StatusCode, string(data))
	}
	var out AuthResponse
	_ = json.Unmarshal(data, &out)
	return out.Token
}

func authed(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func createLot(t *testing.T, srv *testServer, token string, slots int, price float64) domain.ParkingLot {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/lots", map[string]any{
		"name":           "Central Garage",
		"address":        "12 Main St",
		"pin_code":       "560001",
		"total_slots":    slots,
		"price_per_hour": price,
	}, authed(token))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create lot: %d %s", res.StatusCode, string(data))
	}
	var lot domain.ParkingLot
	_ = json.Unmarshal(data, &lot)
	return lot
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/lots", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 without token, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/lots", nil, authed("garbage"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 with bad token, got %d", res.StatusCode)
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerUser(t, srv, "Asha", "asha@example.com")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/register", map[string]any{
		"name":     "Asha Again",
		"email":    "asha@example.com",
		"password": "secret123",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("want 409 for duplicate email, got %d %s", res.StatusCode, string(data))
	}
}

func TestLoginWrongPassword(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	registerUser(t, srv, "Asha", "asha@example.com")
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{
		"email":    "asha@example.com",
		"password": "wrong",
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", res.StatusCode)
	}
}

func TestLotAdminRequiresRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	userTok := registerUser(t, srv, "Asha", "asha@example.com")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/lots", map[string]any{
		"name": "Sneaky Lot", "total_slots": 1,
	}, authed(userTok))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403 for non-admin, got %d %s", res.StatusCode, string(data))
	}
}

func TestBookingFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	adminTok := adminToken(t, srv, "boss@example.com")
	userTok := registerUser(t, srv, "Asha", "asha@example.com")
	lot := createLot(t, srv, adminTok, 2, 50)

	// Listing shows the new lot; first read is a cache miss (cache disabled
	// in tests, every read reports miss).
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/lots", nil, authed(userTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list lots: %d %s", res.StatusCode, string(data))
	}
	if res.Header.Get("X-Cache") != "miss" {
		t.Errorf("want X-Cache miss, got %q", res.Header.Get("X-Cache"))
	}
	var lots []domain.LotSummary
	_ = json.Unmarshal(data, &lots)
	if len(lots) != 1 || lots[0].FreeSlots != 2 {
		t.Fatalf("unexpected listing: %s", string(data))
	}

	// Pick a free slot.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/lots/1/slots?only_free=true", nil, authed(userTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lot slots: %d %s", res.StatusCode, string(data))
	}
	var slotsOut LotSlotsResponse
	_ = json.Unmarshal(data, &slotsOut)
	if len(slotsOut.Slots) != 2 || slotsOut.Lot.ID != lot.ID {
		t.Fatalf("unexpected slots: %s", string(data))
	}
	slotID := slotsOut.Slots[0].ID

	// Book it.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings", map[string]any{
		"slot_id": slotID, "vehicle_number": "KA-01-AB-1234",
	}, authed(userTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("book: %d %s", res.StatusCode, string(data))
	}
	var booking domain.Booking
	_ = json.Unmarshal(data, &booking)
	if booking.Status != domain.BookingActive {
		t.Fatalf("want ACTIVE, got %s", booking.Status)
	}

	// Double-book the same slot conflicts.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings", map[string]any{
		"slot_id": slotID, "vehicle_number": "KA-01-XY-0001",
	}, authed(userTok))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("want 409 on double-book, got %d %s", res.StatusCode, string(data))
	}

	// Release and get billed at least one hour.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/1/release", nil, authed(userTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release: %d %s", res.StatusCode, string(data))
	}
	var released ReleaseResponse
	_ = json.Unmarshal(data, &released)
	if released.BilledHours != 1 || released.Amount != 50 {
		t.Fatalf("want 1 hour / 50, got %d / %v", released.BilledHours, released.Amount)
	}

	// Releasing again conflicts.
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/1/release", nil, authed(userTok))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("want 409 on repeat release, got %d", res.StatusCode)
	}

	// History shows the completed booking.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/users/me/bookings", nil, authed(userTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, string(data))
	}
	var history []domain.Booking
	_ = json.Unmarshal(data, &history)
	if len(history) != 1 || history[0].Status != domain.BookingCompleted {
		t.Fatalf("unexpected history: %s", string(data))
	}
}

func TestReleaseSomeoneElsesBookingForbidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	adminTok := adminToken(t, srv, "boss@example.com")
	ownerTok := registerUser(t, srv, "Owner", "owner@example.com")
	otherTok := registerUser(t, srv, "Other", "other@example.com")
	createLot(t, srv, adminTok, 1, 10)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings", map[string]any{
		"slot_id": 1, "vehicle_number": "KA-01-AB-1234",
	}, authed(ownerTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("book: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/1/release", nil, authed(otherTok))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403, got %d", res.StatusCode)
	}
	// Admin can force a release.
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings/1/release", nil, authed(adminTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin release: %d", res.StatusCode)
	}
}

func TestDeleteOccupiedLotConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	adminTok := adminToken(t, srv, "boss@example.com")
	userTok := registerUser(t, srv, "Asha", "asha@example.com")
	lot := createLot(t, srv, adminTok, 1, 10)

	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings", map[string]any{
		"slot_id": 1, "vehicle_number": "KA-01-AB-1234",
	}, authed(userTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("book: %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/lots/1", nil, authed(adminTok))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("want 409 deleting occupied lot, got %d %s", res.StatusCode, string(data))
	}
	_ = lot
}

func TestExportJobOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	adminTok := adminToken(t, srv, "boss@example.com")
	userTok := registerUser(t, srv, "Asha", "asha@example.com")
	createLot(t, srv, adminTok, 1, 10)

	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings", map[string]any{
		"slot_id": 1, "vehicle_number": "KA-01-AB-1234",
	}, authed(userTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("book: %d", res.StatusCode)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/jobs/exports", nil, authed(userTok))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit export: %d %s", res.StatusCode, string(data))
	}
	var job domain.JobRecord
	_ = json.Unmarshal(data, &job)
	if job.Status != domain.JobPending {
		t.Fatalf("want PENDING, got %s", job.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs/1", nil, authed(userTok))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("get job: %d %s", res.StatusCode, string(data))
		}
		_ = json.Unmarshal(data, &job)
		if job.Status == domain.JobDone || job.Status == domain.JobFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != domain.JobDone {
		t.Fatalf("want DONE, got %s", job.Status)
	}

	// Another user cannot see the job.
	otherTok := registerUser(t, srv, "Other", "other@example.com")
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs/1", nil, authed(otherTok))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403 for foreign job, got %d", res.StatusCode)
	}

	// Download the CSV.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs/1/download", nil, authed(userTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("download: %d %s", res.StatusCode, string(data))
	}
	if !bytes.HasPrefix(data, []byte("booking_id,")) {
		t.Fatalf("unexpected CSV: %s", string(data))
	}
}

func TestAdminCleanupEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	adminTok := adminToken(t, srv, "boss@example.com")
	userTok := registerUser(t, srv, "Asha", "asha@example.com")
	createLot(t, srv, adminTok, 1, 10)

	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/bookings", map[string]any{
		"slot_id": 1, "vehicle_number": "KA-01-AB-1234",
	}, authed(userTok))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("book: %d", res.StatusCode)
	}
	// Backdate the active booking past the staleness threshold.
	past := time.Now().UTC().Add(-9 * time.Hour).Format(time.RFC3339)
	if _, err := srv.Engine.DB.Exec(`UPDATE bookings SET start_time=? WHERE id=1`, past); err != nil {
		t.Fatal(err)
	}

	// Non-admins cannot trigger the sweep.
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/admin/jobs/cleanup", nil, authed(userTok))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("want 403, got %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/admin/jobs/cleanup", nil, authed(adminTok))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cleanup: %d %s", res.StatusCode, string(data))
	}
	var out map[string]int
	_ = json.Unmarshal(data, &out)
	if out["closed"] != 1 {
		t.Fatalf("want closed=1, got %s", string(data))
	}
}
