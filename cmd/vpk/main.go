package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/alanbgeorge/vehicle-parking-app/internal/cache"
	"github.com/alanbgeorge/vehicle-parking-app/internal/config"
	"github.com/alanbgeorge/vehicle-parking-app/internal/db"
	"github.com/alanbgeorge/vehicle-parking-app/internal/domain"
	"github.com/alanbgeorge/vehicle-parking-app/internal/engine"
	"github.com/alanbgeorge/vehicle-parking-app/internal/jobs"
	"github.com/alanbgeorge/vehicle-parking-app/internal/migrate"
	"github.com/alanbgeorge/vehicle-parking-app/internal/notify"
	"github.com/alanbgeorge/vehicle-parking-app/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vpk",
	Short: "Vehicle parking CLI",
	Long: `vpk manages parking lots, slots, and bookings.
- Workspace: the .vpk directory holding the database plus export and report artifacts.
- Lots: parking lots with slots labeled S1..SN; listings are cached (Redis) with a short TTL.
- Bookings: a slot is claimed ACTIVE and billed by whole hours on release (one-hour minimum).
- Jobs: CSV exports, the stale-booking sweep, daily reminders, and monthly reports run
  in a worker pool and leave job records; 'vpk serve' also schedules them.
- Event log: diary of changes, view with 'vpk log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("VPK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier recorded in the event log")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(lotCmd())
	rootCmd.AddCommand(slotCmd())
	rootCmd.AddCommand(bookingCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default vpk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			c.SMTP.Password = ""
			c.Admin.Password = ""
			c.Server.JWTSecret = ""
			return printJSONOrDump(c)
		},
	})
	return cfg
}

// --- users ---

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userRegisterCmd())
	user.AddCommand(userListCmd())
	return user
}

func userRegisterCmd() *cobra.Command {
	var name, email, password string
	var admin bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || email == "" || password == "" {
				return fmt.Errorf("--name, --email and --password are required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
				if err != nil {
					return err
				}
				role := domain.RoleUser
				if admin {
					role = domain.RoleAdmin
				}
				u := domain.User{
					Name:         name,
					Email:        strings.ToLower(strings.TrimSpace(email)),
					PasswordHash: string(hash),
					Role:         role,
					CreatedAt:    time.Now().UTC().Format(time.RFC3339),
				}
				u.ID, err = e.Repo.InsertUser(ctx, u)
				if err != nil {
					return err
				}
				fmt.Printf("Registered %s (%s) as user %d\n", u.Name, u.Role, u.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	return cmd
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "Created"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role, u.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter (USER or ADMIN)")
	return cmd
}

// --- lots ---

func lotCmd() *cobra.Command {
	lot := &cobra.Command{Use: "lot", Short: "Manage parking lots"}
	lot.AddCommand(lotCreateCmd())
	lot.AddCommand(lotListCmd())
	lot.AddCommand(lotUpdateCmd())
	lot.AddCommand(lotDeleteCmd())
	lot.AddCommand(lotImportCmd())
	return lot
}

func lotCreateCmd() *cobra.Command {
	var name, address, pin string
	var slots int
	var price float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lot with its slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lot, err := e.CreateLot(ctx, engine.LotCreateOptions{
					Name:         name,
					Address:      address,
					PinCode:      pin,
					TotalSlots:   slots,
					PricePerHour: price,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				fmt.Printf("Created lot %d (%s) with %d slots\n", lot.ID, lot.Name, lot.TotalSlots)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "lot name")
	cmd.Flags().StringVar(&address, "address", "", "street address")
	cmd.Flags().StringVar(&pin, "pin", "", "pin code")
	cmd.Flags().IntVar(&slots, "slots", 0, "number of slots")
	cmd.Flags().Float64Var(&price, "price", 0, "price per hour")
	return cmd
}

func lotListCmd() *cobra.Command {
	var pin string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lots with free-slot counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lots, _, err := e.ListLots(ctx, pin)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lots)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Pin", "Free", "Total", "Price/h"})
				for _, l := range lots {
					tw.AppendRow(table.Row{l.ID, l.Name, l.PinCode, l.FreeSlots, l.TotalSlots, l.PricePerHour})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "pin code filter")
	return cmd
}

func lotUpdateCmd() *cobra.Command {
	var id int64
	var name, address, pin string
	var price float64
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update lot metadata or price",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 {
				return fmt.Errorf("--id required")
			}
			opts := engine.LotUpdateOptions{ID: id, ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("address") {
				opts.Address = &address
			}
			if cmd.Flags().Changed("pin") {
				opts.PinCode = &pin
			}
			if cmd.Flags().Changed("price") {
				opts.PricePerHour = &price
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lot, err := e.UpdateLot(ctx, opts)
				if err != nil {
					return err
				}
				fmt.Printf("Updated lot %d (%s)\n", lot.ID, lot.Name)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "lot id")
	cmd.Flags().StringVar(&name, "name", "", "lot name")
	cmd.Flags().StringVar(&address, "address", "", "street address")
	cmd.Flags().StringVar(&pin, "pin", "", "pin code")
	cmd.Flags().Float64Var(&price, "price", 0, "price per hour")
	return cmd
}

func lotDeleteCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an empty lot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteLot(ctx, id, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Deleted lot %d\n", id)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "lot id")
	return cmd
}

// lotSeed models the YAML accepted by 'vpk lot import'.
type lotSeed struct {
	Lots []struct {
		Name         string  `yaml:"name"`
		Address      string  `yaml:"address"`
		PinCode      string  `yaml:"pin_code"`
		TotalSlots   int     `yaml:"total_slots"`
		PricePerHour float64 `yaml:"price_per_hour"`
	} `yaml:"lots"`
}

func lotImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create lots from a YAML seed file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var seed lotSeed
			if err := yaml.Unmarshal(data, &seed); err != nil {
				return fmt.Errorf("invalid seed yaml: %w", err)
			}
			if len(seed.Lots) == 0 {
				return fmt.Errorf("%s defines no lots", file)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				for _, l := range seed.Lots {
					lot, err := e.CreateLot(ctx, engine.LotCreateOptions{
						Name:         l.Name,
						Address:      l.Address,
						PinCode:      l.PinCode,
						TotalSlots:   l.TotalSlots,
						PricePerHour: l.PricePerHour,
						ActorID:      viper.GetString("actor-id"),
					})
					if err != nil {
						return fmt.Errorf("lot %q: %w", l.Name, err)
					}
					fmt.Printf("Created lot %d (%s) with %d slots\n", lot.ID, lot.Name, lot.TotalSlots)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML seed file")
	return cmd
}

// --- slots ---

func slotCmd() *cobra.Command {
	slot := &cobra.Command{Use: "slot", Short: "Inspect parking slots"}
	var lotID int64
	var onlyFree bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List a lot's slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lotID == 0 {
				return fmt.Errorf("--lot required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, slots, err := e.LotSlots(ctx, lotID, onlyFree)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(slots)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Slot", "Occupied"})
				for _, s := range slots {
					tw.AppendRow(table.Row{s.ID, s.SlotNumber, s.IsOccupied})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&lotID, "lot", 0, "lot id")
	list.Flags().BoolVar(&onlyFree, "free", false, "free slots only")
	slot.AddCommand(list)
	return slot
}

// --- bookings ---

func bookingCmd() *cobra.Command {
	booking := &cobra.Command{Use: "booking", Short: "Manage bookings"}
	booking.AddCommand(bookingBookCmd())
	booking.AddCommand(bookingReleaseCmd())
	booking.AddCommand(bookingHistoryCmd())
	return booking
}

func bookingBookCmd() *cobra.Command {
	var userID, slotID int64
	var vehicle string
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book a slot for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Book(ctx, userID, slotID, vehicle, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Booking %d: slot %d for user %d since %s\n", b.ID, b.SlotID, b.UserID, b.StartTime)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	cmd.Flags().Int64Var(&slotID, "slot", 0, "slot id")
	cmd.Flags().StringVar(&vehicle, "vehicle", "", "vehicle number")
	return cmd
}

func bookingReleaseCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release a booking and show the charge",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Release(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("Released booking %d: %d hour(s), amount %.2f\n", id, res.BilledHours, res.Amount)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "booking id")
	return cmd
}

func bookingHistoryCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a user's booking history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return fmt.Errorf("--user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Slot", "Vehicle", "Start", "End", "Amount", "Status"})
				for _, b := range items {
					end := ""
					if b.EndTime != nil {
						end = *b.EndTime
					}
					tw.AppendRow(table.Row{b.ID, b.SlotID, b.VehicleNumber, b.StartTime, end, b.Amount, b.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	return cmd
}

// --- jobs ---

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Run and inspect background jobs"}
	job.AddCommand(jobExportCmd())
	job.AddCommand(jobStatusCmd())
	job.AddCommand(jobSweepCmd())
	job.AddCommand(jobRunCmd("reminders", "Send daily reminders now", jobs.KindDailyReminders))
	job.AddCommand(jobRunCmd("monthly-report", "Generate monthly reports now", jobs.KindMonthlyReport))
	return job
}

func jobExportCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a user's booking history to CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return fmt.Errorf("--user required")
			}
			return withRunner(cmd.Context(), func(ctx context.Context, r *jobs.Runner) error {
				j, err := r.Submit(ctx, jobs.KindExportBookings, userID)
				if err != nil {
					return err
				}
				done, err := waitJob(ctx, r, j.ID)
				if err != nil {
					return err
				}
				if done.ArtifactPath != nil {
					fmt.Printf("Export written to %s\n", *done.ArtifactPath)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	return cmd
}

func jobStatusCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a job record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == 0 {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.Repo.GetJob(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "job id")
	return cmd
}

func jobSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Force-close stale bookings now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd.Context(), func(ctx context.Context, r *jobs.Runner) error {
				closed, err := r.SweepNow(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Closed %d stale booking(s)\n", closed)
				return nil
			})
		},
	}
}

func jobRunCmd(use, short string, kind jobs.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd.Context(), func(ctx context.Context, r *jobs.Runner) error {
				j, err := r.Submit(ctx, kind, 0)
				if err != nil {
					return err
				}
				done, err := waitJob(ctx, r, j.ID)
				if err != nil {
					return err
				}
				fmt.Printf("Job %d finished: %s\n", done.ID, done.Status)
				return nil
			})
		},
	}
}

func waitJob(ctx context.Context, r *jobs.Runner, id int64) (domain.JobRecord, error) {
	for {
		j, err := r.Engine.Repo.GetJob(ctx, id)
		if err != nil {
			return domain.JobRecord{}, err
		}
		switch j.Status {
		case domain.JobDone:
			return j, nil
		case domain.JobFailed:
			msg := "unknown error"
			if j.ErrorMessage != nil {
				msg = *j.ErrorMessage
			}
			return j, fmt.Errorf("job %d failed: %s", id, msg)
		}
		select {
		case <-ctx.Done():
			return domain.JobRecord{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// --- event log ---

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var entityKind string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, entityKind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "ID", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	logRoot.AddCommand(tail)
	return logRoot
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server with the job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			secret := cfg.Server.JWTSecret
			if env := os.Getenv("VPK_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("jwt secret is required: set server.jwt_secret in vpk.yml or VPK_JWT_SECRET")
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			var store cache.Store
			if cfg.Cache.RedisAddr != "" {
				redisStore := cache.NewRedis(cfg.Cache.RedisAddr)
				defer redisStore.Close()
				store = redisStore
			}
			e := engine.New(conn, cache.NewLotCache(store, cfg.CacheTTL(), nil))

			if err := bootstrapAdmin(cmd.Context(), e, cfg); err != nil {
				return err
			}

			var sender notify.Sender = notify.ConsoleSender{}
			if cfg.SMTP.Host != "" {
				sender = notify.NewSMTP(notify.SMTPConfig{
					Host:     cfg.SMTP.Host,
					Port:     cfg.SMTP.Port,
					Username: cfg.SMTP.Username,
					Password: cfg.SMTP.Password,
					From:     cfg.SMTP.From,
				})
			}
			runner := jobs.NewRunner(e, sender, jobs.Options{
				Workspace:  workspace,
				StaleAfter: cfg.StaleAfter(),
				Workers:    cfg.Jobs.Workers,
			})
			defer runner.Stop()
			scheduler, err := jobs.NewScheduler(runner, jobs.Schedule{
				ReminderHour: cfg.Jobs.ReminderHour,
				ReportHour:   cfg.Jobs.ReportHour,
				ReportMinute: cfg.Jobs.ReportMinute,
			}, nil)
			if err != nil {
				return err
			}
			scheduler.Start()
			defer scheduler.Stop()

			handler, err := server.New(server.Config{
				Engine:   e,
				Runner:   runner,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving parking API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from vpk.yml)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// bootstrapAdmin creates the configured admin account on first start. A
// blank admin password skips bootstrapping entirely.
func bootstrapAdmin(ctx context.Context, e engine.Engine, cfg *config.Config) error {
	if cfg.Admin.Password == "" {
		return nil
	}
	_, err := e.Repo.GetUserByEmail(ctx, cfg.Admin.Email)
	if err == nil {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u := domain.User{
		Name:         cfg.Admin.Name,
		Email:        cfg.Admin.Email,
		PasswordHash: string(hash),
		Role:         domain.RoleAdmin,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := e.Repo.InsertUser(ctx, u); err != nil {
		return err
	}
	fmt.Printf("Bootstrapped admin account %s\n", u.Email)
	return nil
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	// Share the server's cache so CLI lot mutations invalidate listings.
	var store cache.Store
	if cfg.Cache.RedisAddr != "" {
		redisStore := cache.NewRedis(cfg.Cache.RedisAddr)
		defer redisStore.Close()
		store = redisStore
	}
	e := engine.New(conn, cache.NewLotCache(store, cfg.CacheTTL(), nil))
	return fn(ctx, e)
}

func withRunner(ctx context.Context, fn func(context.Context, *jobs.Runner) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		workspace := viper.GetString("workspace")
		cfg, err := config.Load(workspace)
		if err != nil {
			return err
		}
		var sender notify.Sender = notify.ConsoleSender{}
		if cfg.SMTP.Host != "" {
			sender = notify.NewSMTP(notify.SMTPConfig{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				Username: cfg.SMTP.Username,
				Password: cfg.SMTP.Password,
				From:     cfg.SMTP.From,
			})
		}
		runner := jobs.NewRunner(e, sender, jobs.Options{
			Workspace:  workspace,
			StaleAfter: cfg.StaleAfter(),
			Workers:    1,
		})
		defer runner.Stop()
		return fn(ctx, runner)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrDump(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := yaml.Marshal(v)
	fmt.Print(string(b))
	return nil
}
