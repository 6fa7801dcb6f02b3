package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app is the wired runtime shared by the commands.
type app struct {
	cfg      *Config
	v        *viper.Viper
	db       *sql.DB
	repo     *SQLiteRepository
	notifier *OutboxNotifier
	engine   *Engine
	tracing  *TracerProvider
	closers  []func()
}

// openApp loads the configuration, opens and migrates the database and
// builds the engine.
func openApp(ctx context.Context, cfgFile string) (*app, error) {
	cfg, v, err := LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := setLogLevel(cfg.Log.Level); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, v: v}
	a.db, err = OpenDB(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.db.Close() })
	if err := Migrate(a.db); err != nil {
		a.Close()
		return nil, err
	}

	a.tracing, err = NewTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing.Shutdown(shutdownCtx); err != nil {
			logWarn(catConfig, "tracer shutdown failed", "error", err)
		}
	})

	var stats OutcomeRecorder = NewMemoryOutcomeStats()
	if cfg.Redis.Addr != "" {
		rs, closeRedis, err := connectRedisStats(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		stats = rs
		a.closers = append(a.closers, closeRedis)
	}

	a.repo = NewSQLiteRepository(a.db)
	a.notifier = NewOutboxNotifier(a.repo, cfg.Notify.DedupTTL)
	a.engine = NewEngine(a.repo, a.notifier,
		WithSettings(cfg.Settings()),
		WithStats(stats),
		WithTracer(a.tracing.Tracer()),
	)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the telegram bot, the sweeper and the notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *cfgFile)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.Bot.Token == "" {
				return errors.New("BOT_TOKEN is required")
			}
			if len(a.cfg.Bot.Admins) == 0 {
				logWarn(catConfig, "no admin users configured, admin commands are disabled")
			}

			api, err := tgbotapi.NewBotAPI(a.cfg.Bot.Token)
			if err != nil {
				return fmt.Errorf("connect to telegram: %w", err)
			}
			logInfo(catBot, "authorized", "account", api.Self.UserName)

			watchConfig(a.v, a.engine)

			var email Sender = LogSender{}
			if a.cfg.SMTP.Host != "" {
				email = NewSMTPSender(a.cfg.SMTP)
			}
			dispatcher := NewDispatcher(a.repo, map[Channel]Sender{
				ChannelTelegram: NewTelegramSender(api),
				ChannelEmail:    email,
			}, DispatcherConfig{
				RatePerSecond: a.cfg.Notify.RatePerSecond,
				Burst:         a.cfg.Notify.Burst,
				MaxAttempts:   a.cfg.Notify.MaxAttempts,
				Jitter:        0.2,
			})
			go dispatcher.Run(ctx, a.cfg.Notify.PollInterval)
			go NewSweeper(a.engine, a.cfg.Sweep.Interval).Run(ctx)

			u := tgbotapi.NewUpdate(0)
			u.Timeout = 60
			updates, err := api.GetUpdatesChan(u)
			if err != nil {
				return fmt.Errorf("get updates: %w", err)
			}
			bot := NewBot(api, a.engine, a.repo, a.cfg)
			for {
				select {
				case <-ctx.Done():
					api.StopReceivingUpdates()
					logInfo(catBot, "shutting down")
					return nil
				case update := <-updates:
					bot.HandleUpdate(ctx, update)
				}
			}
		},
	}
}

func newMigrateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Println("Database is up to date:", a.cfg.DB.Path)
			return nil
		},
	}
}

func newSweepCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed approvals and offers, send reminders and warnings once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.engine.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Expired registrations: %d\nExpired offers:        %d\nReminders:             %d\nWarnings:              %d\n",
				report.ExpiredRegistrations, report.ExpiredOffers, report.Reminders, report.Warnings)
			return nil
		},
	}
}

func newSlotsCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Manage seminar slots",
	}
	cmd.AddCommand(newSlotsListCmd(cfgFile), newSlotsAddCmd(cfgFile), newSlotsImportCmd(cfgFile))
	return cmd
}

func newSlotsListCmd(cfgFile *string) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List upcoming slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer a.Close()
			from := time.Now()
			if all {
				from = time.Time{}
			}
			views, err := a.engine.ListSlotViews(cmd.Context(), from)
			if err != nil {
				return fmt.Errorf("failed to list slots: %w", err)
			}
			printSlotViews(views)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include past slots")
	return cmd
}

func printSlotViews(views []SlotView) {
	if len(views) == 0 {
		fmt.Println("No slots found")
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	for _, v := range views {
		status := string(v.Status)
		switch v.Status {
		case SlotFree:
			status = green(status)
		case SlotSemi:
			status = yellow(status)
		case SlotFull:
			status = red(status)
		}
		fmt.Printf("#%d %s %s-%s %s (%s)\n", v.ID, v.Date.Format(dateLayout), v.StartTime, v.EndTime, v.Location, status)
		fmt.Printf("  Capacity: %d/%d\n", v.Occupancy, v.Capacity)
		for _, r := range v.Registered {
			fmt.Printf("  %-20s %-4s %-9s %s\n", r.UserKey, r.Degree, r.Status, r.Topic)
		}
		if v.Waiting > 0 {
			fmt.Printf("  Waiting:  %d\n", v.Waiting)
		}
	}
}

func newSlotsAddCmd(cfgFile *string) *cobra.Command {
	var s struct {
		date, start, end, location string
		capacity                   int
	}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := time.Parse(dateLayout, s.date)
			if err != nil {
				return fmt.Errorf("bad --date %q, use YYYY-MM-DD", s.date)
			}
			a, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer a.Close()
			id, err := a.engine.AddSlot(cmd.Context(), Slot{
				Date: date, StartTime: s.start, EndTime: s.end, Location: s.location, Capacity: s.capacity,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Slot #%d added\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&s.date, "date", "", "Slot date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&s.start, "start", "", "Start time (HH:MM)")
	cmd.Flags().StringVar(&s.end, "end", "", "End time (HH:MM)")
	cmd.Flags().StringVar(&s.location, "location", "", "Room")
	cmd.Flags().IntVar(&s.capacity, "capacity", 3, "Capacity units")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func newSlotsImportCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Add the slots listed in a YAML calendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			a, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer a.Close()
			ids, err := a.engine.ImportSlots(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d slots\n", len(ids))
			return nil
		},
	}
}

func newStatsCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show outcome counters",
		Long:  `Shows outcome counters. Counters persist across runs only when redis.addr is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer a.Close()
			stats, err := a.engine.OutcomeStats(cmd.Context())
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				op, outcome, _ := strings.Cut(k, ":")
				fmt.Printf("%-20s %-28s %d\n", op, outcome, stats[k])
			}
			return nil
		},
	}
}
