package jobs

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanbgeorge/vehicle-parking-app/internal/db"
	"github.com/alanbgeorge/vehicle-parking-app/internal/domain"
	"github.com/alanbgeorge/vehicle-parking-app/internal/engine"
	"github.com/alanbgeorge/vehicle-parking-app/internal/migrate"
	"github.com/alanbgeorge/vehicle-parking-app/internal/repo"
)

// captureSender records sends instead of delivering, and can fail on
// selected recipients.
type captureSender struct {
	mu     sync.Mutex
	sent   []string // recipient addresses in send order
	failTo map[string]bool
}

func (s *captureSender) Send(to, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTo[to] {
		return errors.New("mailbox unavailable")
	}
	s.sent = append(s.sent, to)
	return nil
}

func (s *captureSender) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fixture struct {
	runner    *Runner
	engine    *engine.Engine
	sender    *captureSender
	workspace string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, nil)
	sender := &captureSender{failTo: map[string]bool{}}
	r := NewRunner(e, sender, Options{Workspace: workspace, Workers: 1})
	t.Cleanup(r.Stop)
	return &fixture{runner: r, engine: &e, sender: sender, workspace: workspace}
}

func (f *fixture) seedUser(t *testing.T, name, email, role string) int64 {
	t.Helper()
	id, err := f.engine.Repo.InsertUser(context.Background(), domain.User{
		Name: name, Email: email, PasswordHash: "x", Role: role,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) seedLotWithBooking(t *testing.T, userID int64) engine.ReleaseResult {
	t.Helper()
	ctx := context.Background()
	lot, err := f.engine.CreateLot(ctx, engine.LotCreateOptions{Name: "Garage", TotalSlots: 1, PricePerHour: 30})
	if err != nil {
		t.Fatal(err)
	}
	slots, err := f.engine.Repo.ListSlots(ctx, repo.SlotFilters{LotID: lot.ID})
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.engine.Book(ctx, userID, slots[0].ID, "KA-01-AB-1234", "")
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.Release(ctx, b.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	return res
}

// waitDone polls until the job reaches a terminal state.
func waitDone(t *testing.T, f *fixture, jobID int64) domain.JobRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := f.engine.Repo.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status == domain.JobDone || j.Status == domain.JobFailed {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %d never finished", jobID)
	return domain.JobRecord{}
}

func TestSubmitUnknownKind(t *testing.T) {
	f := newFixture(t)
	if _, err := f.runner.Submit(context.Background(), Kind("bogus"), 0); err == nil {
		t.Fatal("want error for unknown kind")
	}
}

func TestParseKind(t *testing.T) {
	if _, err := ParseKind("export_bookings"); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseKind("rm_rf"); err == nil {
		t.Fatal("want error for unknown kind string")
	}
}

func TestExportBookingsProducesCSV(t *testing.T) {
	f := newFixture(t)
	userID := f.seedUser(t, "Asha", "asha@example.com", domain.RoleUser)
	f.seedLotWithBooking(t, userID)

	j, err := f.runner.Submit(context.Background(), KindExportBookings, userID)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != domain.JobPending {
		t.Fatalf("submit should return PENDING, got %s", j.Status)
	}
	done := waitDone(t, f, j.ID)
	if done.Status != domain.JobDone {
		t.Fatalf("want DONE, got %s (%v)", done.Status, done.ErrorMessage)
	}
	if done.ArtifactPath == nil {
		t.Fatal("export should record an artifact path")
	}
	if filepath.Dir(*done.ArtifactPath) != db.ExportsDir(f.workspace) {
		t.Errorf("artifact outside exports dir: %s", *done.ArtifactPath)
	}
	if done.Result == nil || *done.Result != "rows=1" {
		t.Errorf("export should record its row count, got %v", done.Result)
	}

	file, err := os.Open(*done.ArtifactPath)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("want header + 1 row, got %d records", len(records))
	}
	if records[0][0] != "booking_id" {
		t.Errorf("unexpected header: %v", records[0])
	}
	if records[1][1] != "Garage" || records[1][7] != domain.BookingCompleted {
		t.Errorf("unexpected row: %v", records[1])
	}
}

func TestExportEmptyHistoryStillSucceeds(t *testing.T) {
	f := newFixture(t)
	userID := f.seedUser(t, "Noor", "noor@example.com", domain.RoleUser)

	j, err := f.runner.Submit(context.Background(), KindExportBookings, userID)
	if err != nil {
		t.Fatal(err)
	}
	done := waitDone(t, f, j.ID)
	if done.Status != domain.JobDone {
		t.Fatalf("want DONE, got %s", done.Status)
	}
	data, err := os.ReadFile(*done.ArtifactPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(strings.TrimSpace(string(data)), "\n"); got != 0 {
		t.Errorf("want header only, got %d extra lines", got)
	}
}

func TestDailyRemindersSkipUsersWithBookingToday(t *testing.T) {
	f := newFixture(t)
	parked := f.seedUser(t, "Parked", "parked@example.com", domain.RoleUser)
	f.seedUser(t, "Idle", "idle@example.com", domain.RoleUser)
	f.seedUser(t, "Boss", "boss@example.com", domain.RoleAdmin)
	f.seedLotWithBooking(t, parked)

	j, err := f.runner.Submit(context.Background(), KindDailyReminders, 0)
	if err != nil {
		t.Fatal(err)
	}
	if done := waitDone(t, f, j.ID); done.Status != domain.JobDone {
		t.Fatalf("want DONE, got %s", done.Status)
	}
	got := f.sender.recipients()
	if len(got) != 1 || got[0] != "idle@example.com" {
		t.Fatalf("want reminder only to idle user, got %v", got)
	}
	j2, err := f.engine.Repo.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j2.Result == nil || *j2.Result != "sent=1" {
		t.Errorf("reminder job should record its send count, got %v", j2.Result)
	}
}

func TestDailyRemindersSkippedWithoutLots(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "Idle", "idle@example.com", domain.RoleUser)

	j, err := f.runner.Submit(context.Background(), KindDailyReminders, 0)
	if err != nil {
		t.Fatal(err)
	}
	if done := waitDone(t, f, j.ID); done.Status != domain.JobDone {
		t.Fatalf("want DONE, got %s", done.Status)
	}
	if got := f.sender.recipients(); len(got) != 0 {
		t.Fatalf("no lots means no reminders, got %v", got)
	}
}

func TestDailyRemindersContinuePastSendFailure(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "Bad", "bad@example.com", domain.RoleUser)
	f.seedUser(t, "Good", "good@example.com", domain.RoleUser)
	f.sender.failTo["bad@example.com"] = true
	if _, err := f.engine.CreateLot(context.Background(), engine.LotCreateOptions{Name: "L", TotalSlots: 1}); err != nil {
		t.Fatal(err)
	}

	j, err := f.runner.Submit(context.Background(), KindDailyReminders, 0)
	if err != nil {
		t.Fatal(err)
	}
	if done := waitDone(t, f, j.ID); done.Status != domain.JobDone {
		t.Fatalf("one bad mailbox must not fail the job, got %s", done.Status)
	}
	got := f.sender.recipients()
	if len(got) != 1 || got[0] != "good@example.com" {
		t.Fatalf("want delivery to the good mailbox, got %v", got)
	}
}

func TestMonthlyReportCoversPreviousMonth(t *testing.T) {
	f := newFixture(t)
	userID := f.seedUser(t, "Asha", "asha@example.com", domain.RoleUser)

	// One booking in July, report generated in August.
	july := time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC)
	f.engine.Now = func() time.Time { return july }
	f.runner.Engine.Now = f.engine.Now
	lot, err := f.engine.CreateLot(context.Background(), engine.LotCreateOptions{Name: "Garage", TotalSlots: 1, PricePerHour: 30})
	if err != nil {
		t.Fatal(err)
	}
	slots, err := f.engine.Repo.ListSlots(context.Background(), repo.SlotFilters{LotID: lot.ID})
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.engine.Book(context.Background(), userID, slots[0].ID, "KA-01-AB-1234", "")
	if err != nil {
		t.Fatal(err)
	}
	f.engine.Now = func() time.Time { return july.Add(time.Hour) }
	f.runner.Engine.Now = f.engine.Now
	if _, err := f.engine.Release(context.Background(), b.ID, ""); err != nil {
		t.Fatal(err)
	}

	august := time.Date(2026, 8, 1, 0, 5, 0, 0, time.UTC)
	f.runner.Engine.Now = func() time.Time { return august }
	j, err := f.runner.Submit(context.Background(), KindMonthlyReport, 0)
	if err != nil {
		t.Fatal(err)
	}
	done := waitDone(t, f, j.ID)
	if done.Status != domain.JobDone {
		t.Fatalf("want DONE, got %s (%v)", done.Status, done.ErrorMessage)
	}
	if done.ArtifactPath == nil {
		t.Fatal("report should record its directory")
	}
	data, err := os.ReadFile(filepath.Join(*done.ArtifactPath, "user-1.html"))
	if err != nil {
		t.Fatal(err)
	}
	html := string(data)
	if !strings.Contains(html, "2026-07") {
		t.Errorf("report should cover July: %s", html)
	}
	if !strings.Contains(html, "Garage") {
		t.Errorf("report should name the most used lot: %s", html)
	}
	if strings.Contains(html, "No bookings this month") {
		t.Error("user had activity, placeholder should not appear")
	}
	if got := f.sender.recipients(); len(got) != 1 || got[0] != "asha@example.com" {
		t.Errorf("report should be mailed to the user, got %v", got)
	}
}

func TestMonthlyReportIncludesAdmins(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "Boss", "boss@example.com", domain.RoleAdmin)

	j, err := f.runner.Submit(context.Background(), KindMonthlyReport, 0)
	if err != nil {
		t.Fatal(err)
	}
	done := waitDone(t, f, j.ID)
	if done.Status != domain.JobDone {
		t.Fatalf("want DONE, got %s", done.Status)
	}
	if _, err := os.Stat(filepath.Join(*done.ArtifactPath, "user-1.html")); err != nil {
		t.Errorf("admins get a report too: %v", err)
	}
	if got := f.sender.recipients(); len(got) != 1 || got[0] != "boss@example.com" {
		t.Errorf("report should be mailed to the admin, got %v", got)
	}
	if done.Result == nil || *done.Result != "users=1" {
		t.Errorf("report should record its user count, got %v", done.Result)
	}
}

func TestMonthlyReportPlaceholderForIdleUser(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "Idle", "idle@example.com", domain.RoleUser)

	j, err := f.runner.Submit(context.Background(), KindMonthlyReport, 0)
	if err != nil {
		t.Fatal(err)
	}
	done := waitDone(t, f, j.ID)
	if done.Status != domain.JobDone {
		t.Fatalf("want DONE, got %s", done.Status)
	}
	data, err := os.ReadFile(filepath.Join(*done.ArtifactPath, "user-1.html"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "No bookings this month") {
		t.Errorf("want placeholder for idle user, got: %s", data)
	}
}

func TestSweepNowRecordsJob(t *testing.T) {
	f := newFixture(t)
	userID := f.seedUser(t, "Asha", "asha@example.com", domain.RoleUser)

	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	f.engine.Now = func() time.Time { return start }
	f.runner.Engine.Now = f.engine.Now
	lot, err := f.engine.CreateLot(context.Background(), engine.LotCreateOptions{Name: "L", TotalSlots: 1, PricePerHour: 10})
	if err != nil {
		t.Fatal(err)
	}
	slots, err := f.engine.Repo.ListSlots(context.Background(), repo.SlotFilters{LotID: lot.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Book(context.Background(), userID, slots[0].ID, "KA-01-AB-1234", ""); err != nil {
		t.Fatal(err)
	}

	f.runner.Engine.Now = func() time.Time { return start.Add(9 * time.Hour) }
	closed, err := f.runner.SweepNow(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if closed != 1 {
		t.Fatalf("want 1 closed, got %d", closed)
	}
	j, err := f.engine.Repo.GetJob(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if j.Kind != string(KindCleanupSweep) || j.Status != domain.JobDone {
		t.Fatalf("sweep should leave a DONE record, got %+v", j)
	}
	if j.Result == nil || *j.Result != "closed=1" {
		t.Fatalf("sweep should record how many bookings it closed, got %v", j.Result)
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	f := newFixture(t)
	f.runner.Stop()
	if _, err := f.runner.Submit(context.Background(), KindCleanupSweep, 0); err == nil {
		t.Fatal("submit after stop must return an error")
	}
}

func TestPreviousMonthBounds(t *testing.T) {
	start, end, label := previousMonth(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	if label != "2025-12" {
		t.Errorf("want 2025-12, got %s", label)
	}
	if !strings.HasPrefix(start, "2025-12-01T00:00:00") || !strings.HasPrefix(end, "2026-01-01T00:00:00") {
		t.Errorf("bad bounds: %s .. %s", start, end)
	}
}
