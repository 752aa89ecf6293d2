package jobs

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"html/template"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanbgeorge/vehicle-parking-app/internal/db"
	"github.com/alanbgeorge/vehicle-parking-app/internal/domain"
	"github.com/alanbgeorge/vehicle-parking-app/internal/engine"
	"github.com/alanbgeorge/vehicle-parking-app/internal/notify"
)

// Kind identifies a background job. Every submitted record carries one, and
// the dispatch table maps it to exactly one handler.
type Kind string

const (
	KindCleanupSweep   Kind = "cleanup_sweep"
	KindExportBookings Kind = "export_bookings"
	KindDailyReminders Kind = "daily_reminders"
	KindMonthlyReport  Kind = "monthly_report"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCleanupSweep, KindExportBookings, KindDailyReminders, KindMonthlyReport:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

type task struct {
	jobID  int64
	kind   Kind
	userID int64
}

// outcome is what a finished handler leaves on the job record: an artifact
// path (exports, reports) and a short result summary like "closed=2".
type outcome struct {
	artifact string
	result   string
}

// handler runs one claimed job.
type handler func(ctx context.Context, t task) (outcome, error)

// Runner owns the worker pool and the job handlers. Submit persists a
// PENDING record before anything is enqueued, so a crash between the insert
// and the pickup leaves an inspectable PENDING row rather than silence.
type Runner struct {
	Engine     engine.Engine
	Sender     notify.Sender
	Workspace  string
	StaleAfter time.Duration
	Logger     *log.Logger

	handlers map[Kind]handler
	queue    chan task
	wg       sync.WaitGroup
	once     sync.Once

	mu      sync.Mutex
	stopped bool
}

type Options struct {
	Workspace  string
	StaleAfter time.Duration
	Workers    int
	QueueSize  int
	Logger     *log.Logger
}

func NewRunner(e engine.Engine, sender notify.Sender, opts Options) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 64
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 8 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	r := &Runner{
		Engine:     e,
		Sender:     sender,
		Workspace:  opts.Workspace,
		StaleAfter: opts.StaleAfter,
		Logger:     opts.Logger,
		queue:      make(chan task, opts.QueueSize),
	}
	r.handlers = map[Kind]handler{
		KindCleanupSweep:   r.runCleanupSweep,
		KindExportBookings: r.runExportBookings,
		KindDailyReminders: r.runDailyReminders,
		KindMonthlyReport:  r.runMonthlyReport,
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Stop drains the queue and waits for in-flight jobs. Further Submit calls
// fail instead of enqueueing.
func (r *Runner) Stop() {
	r.once.Do(func() {
		r.mu.Lock()
		r.stopped = true
		close(r.queue)
		r.mu.Unlock()
	})
	r.wg.Wait()
}

// Submit records a job and hands it to the pool. The returned record is
// PENDING; poll GetJob for progress.
func (r *Runner) Submit(ctx context.Context, kind Kind, userID int64) (domain.JobRecord, error) {
	if _, ok := r.handlers[kind]; !ok {
		return domain.JobRecord{}, fmt.Errorf("unknown job kind %q", kind)
	}
	// The lock spans the enqueue so Stop cannot close the queue between the
	// stopped check and the send.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return domain.JobRecord{}, errors.New("job runner is stopped")
	}
	j := domain.JobRecord{
		UserID:    userID,
		Kind:      string(kind),
		Status:    domain.JobPending,
		CreatedAt: r.Engine.Now().UTC().Format(time.RFC3339),
	}
	id, err := r.Engine.Repo.InsertJob(ctx, j)
	if err != nil {
		return domain.JobRecord{}, err
	}
	j.ID = id
	r.queue <- task{jobID: id, kind: kind, userID: userID}
	return j, nil
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for t := range r.queue {
		r.run(t)
	}
}

func (r *Runner) run(t task) {
	ctx := context.Background()
	claimed, err := r.Engine.Repo.ClaimJob(ctx, t.jobID)
	if err != nil {
		r.Logger.Printf("[jobs] claim %d: %v", t.jobID, err)
		return
	}
	if !claimed {
		return
	}
	out, err := r.handlers[t.kind](ctx, t)
	completedAt := r.Engine.Now().UTC().Format(time.RFC3339)
	if err != nil {
		msg := err.Error()
		if ferr := r.Engine.Repo.FinishJob(ctx, t.jobID, domain.JobFailed, nil, &msg, nil, completedAt); ferr != nil {
			r.Logger.Printf("[jobs] finish %d: %v", t.jobID, ferr)
		}
		r.Logger.Printf("[jobs] %s job %d failed: %v", t.kind, t.jobID, err)
		return
	}
	var artifactPtr, resultPtr *string
	if out.artifact != "" {
		artifactPtr = &out.artifact
	}
	if out.result != "" {
		resultPtr = &out.result
	}
	if ferr := r.Engine.Repo.FinishJob(ctx, t.jobID, domain.JobDone, artifactPtr, nil, resultPtr, completedAt); ferr != nil {
		r.Logger.Printf("[jobs] finish %d: %v", t.jobID, ferr)
	}
}

// SweepNow runs the stale-booking sweep synchronously, recording it as a
// job so scheduled and manual sweeps leave the same audit trail. Returns
// the number of bookings force-closed.
func (r *Runner) SweepNow(ctx context.Context) (int, error) {
	j := domain.JobRecord{
		UserID:    0,
		Kind:      string(KindCleanupSweep),
		Status:    domain.JobPending,
		CreatedAt: r.Engine.Now().UTC().Format(time.RFC3339),
	}
	id, err := r.Engine.Repo.InsertJob(ctx, j)
	if err != nil {
		return 0, err
	}
	if _, err := r.Engine.Repo.ClaimJob(ctx, id); err != nil {
		return 0, err
	}
	closed, err := r.Engine.SweepStaleBookings(ctx, r.StaleAfter, "scheduler")
	completedAt := r.Engine.Now().UTC().Format(time.RFC3339)
	if err != nil {
		msg := err.Error()
		if ferr := r.Engine.Repo.FinishJob(ctx, id, domain.JobFailed, nil, &msg, nil, completedAt); ferr != nil {
			r.Logger.Printf("[jobs] finish %d: %v", id, ferr)
		}
		return 0, err
	}
	result := fmt.Sprintf("closed=%d", closed)
	if err := r.Engine.Repo.FinishJob(ctx, id, domain.JobDone, nil, nil, &result, completedAt); err != nil {
		r.Logger.Printf("[jobs] finish %d: %v", id, err)
	}
	return closed, nil
}

// --- handlers ---

func (r *Runner) runCleanupSweep(ctx context.Context, _ task) (outcome, error) {
	closed, err := r.Engine.SweepStaleBookings(ctx, r.StaleAfter, "scheduler")
	if err != nil {
		return outcome{}, err
	}
	r.Logger.Printf("[jobs] sweep closed %d stale bookings", closed)
	return outcome{result: fmt.Sprintf("closed=%d", closed)}, nil
}

// runExportBookings writes the user's full booking history as CSV under the
// workspace exports directory and records the path as the job artifact.
func (r *Runner) runExportBookings(ctx context.Context, t task) (outcome, error) {
	rows, err := r.Engine.Repo.ExportRows(ctx, t.userID)
	if err != nil {
		return outcome{}, err
	}
	name := fmt.Sprintf("bookings-%d-%s.csv", t.userID, uuid.NewString())
	path := filepath.Join(db.ExportsDir(r.Workspace), name)
	f, err := os.Create(path)
	if err != nil {
		return outcome{}, err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"booking_id", "lot", "slot", "vehicle_number", "start_time", "end_time", "amount", "status"}); err != nil {
		return outcome{}, err
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatInt(row.BookingID, 10),
			row.LotName,
			row.SlotNumber,
			row.VehicleNumber,
			row.StartTime,
			row.EndTime,
			strconv.FormatFloat(row.Amount, 'f', 2, 64),
			row.Status,
		}
		if err := w.Write(record); err != nil {
			return outcome{}, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return outcome{}, err
	}
	return outcome{artifact: path, result: fmt.Sprintf("rows=%d", len(rows))}, nil
}

var reminderTmpl = template.Must(template.New("reminder").Parse(`<p>Hi {{.Name}},</p>
<p>You have not parked with us today. {{.LotCount}} lots currently have slots available — book one before they fill up.</p>`))

// runDailyReminders mails every non-admin user who has no booking that
// started today. Skipped wholesale when no lots exist. A send failure is
// logged and the loop continues; one bad mailbox must not starve the rest.
func (r *Runner) runDailyReminders(ctx context.Context, _ task) (outcome, error) {
	lotCount, err := r.Engine.Repo.CountLots(ctx)
	if err != nil {
		return outcome{}, err
	}
	if lotCount == 0 {
		r.Logger.Printf("[jobs] reminders skipped: no lots")
		return outcome{result: "sent=0"}, nil
	}
	users, err := r.Engine.Repo.ListUsers(ctx, domain.RoleUser)
	if err != nil {
		return outcome{}, err
	}
	dayStart, dayEnd := dayRange(r.Engine.Now().UTC())
	sent := 0
	for _, u := range users {
		n, err := r.Engine.Repo.CountBookingsInRange(ctx, u.ID, dayStart, dayEnd)
		if err != nil {
			return outcome{}, err
		}
		if n > 0 {
			continue
		}
		var body bytes.Buffer
		if err := reminderTmpl.Execute(&body, map[string]any{"Name": u.Name, "LotCount": lotCount}); err != nil {
			return outcome{}, err
		}
		if err := r.Sender.Send(u.Email, "Your parking slot is waiting", body.String()); err != nil {
			r.Logger.Printf("[jobs] reminder to %s failed: %v", u.Email, err)
			continue
		}
		sent++
	}
	r.Logger.Printf("[jobs] reminders sent to %d users", sent)
	return outcome{result: fmt.Sprintf("sent=%d", sent)}, nil
}

var reportTmpl = template.Must(template.New("report").Parse(`<h1>Parking activity — {{.Month}}</h1>
<p>Hi {{.Name}},</p>
{{if eq .TotalBookings 0}}<p>No bookings this month.</p>{{else}}
<table>
<tr><td>Bookings</td><td>{{.TotalBookings}}</td></tr>
<tr><td>Total spent</td><td>{{printf "%.2f" .TotalAmount}}</td></tr>
<tr><td>Most used lot</td><td>{{.TopLotName}}</td></tr>
</table>
{{end}}`))

// runMonthlyReport renders the previous calendar month's usage for every
// registered user, admins included, writes the HTML artifacts under the
// reports directory, and mails each user their copy.
func (r *Runner) runMonthlyReport(ctx context.Context, _ task) (outcome, error) {
	users, err := r.Engine.Repo.ListUsers(ctx, "")
	if err != nil {
		return outcome{}, err
	}
	monthStart, monthEnd, label := previousMonth(r.Engine.Now().UTC())
	dir := filepath.Join(db.ReportsDir(r.Workspace), label)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return outcome{}, err
	}
	for _, u := range users {
		usage, err := r.Engine.Repo.UsageInRange(ctx, u.ID, monthStart, monthEnd)
		if err != nil {
			return outcome{}, err
		}
		var body bytes.Buffer
		err = reportTmpl.Execute(&body, map[string]any{
			"Month":         label,
			"Name":          u.Name,
			"TotalBookings": usage.TotalBookings,
			"TotalAmount":   usage.TotalAmount,
			"TopLotName":    usage.TopLotName,
		})
		if err != nil {
			return outcome{}, err
		}
		path := filepath.Join(dir, fmt.Sprintf("user-%d.html", u.ID))
		if err := os.WriteFile(path, body.Bytes(), 0o644); err != nil {
			return outcome{}, err
		}
		if err := r.Sender.Send(u.Email, "Your monthly parking report — "+label, body.String()); err != nil {
			r.Logger.Printf("[jobs] report to %s failed: %v", u.Email, err)
		}
	}
	return outcome{artifact: dir, result: fmt.Sprintf("users=%d", len(users))}, nil
}

// dayRange bounds the UTC calendar day containing now: [start, end).
func dayRange(now time.Time) (string, string) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start.Format(time.RFC3339), start.AddDate(0, 0, 1).Format(time.RFC3339)
}

// previousMonth bounds the calendar month before the one containing now,
// plus a YYYY-MM label for artifacts and subject lines.
func previousMonth(now time.Time) (string, string, string) {
	thisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	prev := thisMonth.AddDate(0, -1, 0)
	return prev.Format(time.RFC3339), thisMonth.Format(time.RFC3339), prev.Format("2006-01")
}
