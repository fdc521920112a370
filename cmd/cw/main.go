package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"calwatch/internal/calendar"
	"calwatch/internal/config"
	"calwatch/internal/db"
	"calwatch/internal/engine"
	"calwatch/internal/events"
	"calwatch/internal/migrate"
	"calwatch/internal/notify"
	"calwatch/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "cw",
	Short: "Calwatch calendar watcher",
	Long: `Calwatch watches your calendars and manages derived action items.
It polls the calendars you name in config.yml, tracks every event it sees,
and maintains linked actions on a calendar of its own: reminders before
events, prep and buffer blocks when your policies ask for them, and
confirm-delete prompts when a tracked event disappears without explanation.

State lives under <workspace>/.calwatch: the link database, the config file,
ICS calendar files for the built-in backend, and the pending-nudges file
where fired actions land.

Typical flow: 'cw init' once, then 'cw tick' from a scheduler or 'cw daemon'
to let calwatch schedule itself. 'cw plan', 'cw execute' and 'cw cleanup'
run the individual phases; all three take --dry-run.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CALWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(executeCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(confirmCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the workspace with a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.Default().Save(workspace); err != nil {
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
			fmt.Println("initialized workspace at", filepath.Join(workspace, ".calwatch"))
			return nil
		},
	}
}

func planCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Poll calendars, reconcile state, create derived actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Plan(ctx, dryRun)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without creating calendar entries or sending nudges")
	return cmd
}

func executeCmd() *cobra.Command {
	var dryRun, list bool
	var lookahead int64
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Fire actions due inside the lookahead window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Execute(ctx, dryRun || list, lookahead)
				if err != nil {
					return err
				}
				if list && !viper.GetBool("json") {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"UID", "Type", "Title", "Due", "Message"})
					for _, a := range res.Actions {
						tw.AppendRow(table.Row{a.UID, a.Type, a.Title, time.Unix(a.DueTS, 0).UTC().Format(time.RFC3339), a.Message})
					}
					tw.Render()
					return nil
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without sending nudges or recording sends")
	cmd.Flags().BoolVar(&list, "list", false, "list due actions without firing them")
	cmd.Flags().Int64Var(&lookahead, "lookahead", 0, "due window in seconds (default from config)")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Rename paused/canceled entries and purge expired ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Cleanup(ctx, dryRun)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without touching the calendar or the store")
	return cmd
}

func tickCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one plan/execute/cleanup cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runTick(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			return printJSONOrTable(res)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "run the cycle without side effects")
	return cmd
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run ticks on the configured cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			c := cron.New()
			_, err = c.AddFunc(cfg.Schedule, func() {
				res, err := runTick(cmd.Context(), false)
				if err != nil {
					fmt.Fprintln(os.Stderr, "tick:", err)
					return
				}
				b, _ := json.Marshal(res)
				fmt.Printf("%s tick %s\n", time.Now().UTC().Format(time.RFC3339), b)
			})
			if err != nil {
				return fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
			}
			fmt.Println("calwatch daemon running, schedule", cfg.Schedule)
			c.Run()
			return nil
		},
	}
}

func runTick(ctx context.Context, dryRun bool) (engine.TickResult, error) {
	workspace := viper.GetString("workspace")
	lock, err := engine.AcquireLock(workspace, time.Hour)
	if err != nil {
		return engine.TickResult{}, err
	}
	defer lock.Release()
	var res engine.TickResult
	err = withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		var tickErr error
		res, tickErr = e.Tick(ctx, dryRun)
		return tickErr
	})
	return res, err
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tracked-event and action counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s store.Store) error {
				sum, err := s.StatusSummary(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "Key", "Count"})
				for state, n := range sum.TrackedByState {
					tw.AppendRow(table.Row{"tracked", state, n})
				}
				for status, n := range sum.ActionsByStatus {
					tw.AppendRow(table.Row{"action", status, n})
				}
				tw.AppendRow(table.Row{"links", "", sum.Links})
				tw.AppendRow(table.Row{"suppressed", "", sum.Suppressed})
				tw.AppendRow(table.Row{"sent", "", sum.SentRecords})
				tw.Render()
				return nil
			})
		},
	}
}

func confirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm {yes|no|dont-ask} <tracked-uid>",
		Short: "Answer a confirm-delete prompt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			answer, uid := args[0], args[1]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var res engine.ConfirmResult
				var err error
				switch answer {
				case "yes":
					res, err = e.ConfirmYes(ctx, uid)
				case "no":
					res, err = e.ConfirmNo(ctx, uid)
				case "dont-ask":
					res, err = e.ConfirmDontAsk(ctx, uid)
				default:
					return fmt.Errorf("answer must be yes, no or dont-ask")
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	var limit int
	var kind, entity string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			w := events.Writer{DB: conn}
			items, err := w.Latest(cmd.Context(), limit, kind, entity)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"TS", "Type", "Kind", "Entity", "Payload"})
			for _, e := range items {
				tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind, e.EntityID, e.Payload})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by entity kind")
	cmd.Flags().StringVar(&entity, "entity", "", "filter by entity id (requires --kind)")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	backend, err := openBackend(workspace, cfg)
	if err != nil {
		return err
	}
	notifier := notify.FileNotifier{Path: filepath.Join(workspace, ".calwatch", "pending_nudges.json")}
	e := engine.New(conn, cfg, backend, notifier)
	e.Fallback = notify.LogNotifier{}
	return fn(ctx, e)
}

func withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.Store{DB: conn})
}

func openBackend(workspace string, cfg *config.Config) (calendar.Backend, error) {
	switch cfg.Backend {
	case "ics":
		return calendar.NewICSBackend(filepath.Join(workspace, ".calwatch", "calendars"))
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
