package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/fleet-engine/app"
	"github.com/warp/fleet-engine/config"
	"github.com/warp/fleet-engine/fleet"
	"github.com/warp/fleet-engine/logging"
)

// cli carries the state shared by every subcommand.
type cli struct {
	configPath string
	dbPath     string
	actor      string
	jsonOutput bool

	app *app.App
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "fleetctl",
		Short: "Operate the equipment fleet event log",
		Long: `fleetctl reads and reconciles the fleet database directly: replay an
entity's state, approve or reject pending events, resync denormalized
statuses and inspect the retry queue.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", config.PathFromEnv(), "configuration file")
	flags.StringVar(&c.dbPath, "db", "", "SQLite database path (overrides config)")
	flags.StringVar(&c.actor, "actor", "fleetctl", "actor id recorded in the audit log")
	flags.BoolVar(&c.jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(
		c.stateCmd(),
		c.syncCmd(),
		c.approveCmd(),
		c.rejectCmd(),
		c.retriesCmd(),
	)
	return root
}

func (c *cli) open() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.dbPath != "" {
		cfg.Database.Path = c.dbPath
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	a, err := app.Open(cfg, logger)
	if err != nil {
		return err
	}
	c.app, c.cfg = a, cfg
	return nil
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}

// print writes v as indented JSON with --json, otherwise calls text.
func (c *cli) print(w io.Writer, v any, text func()) error {
	if !c.jsonOutput {
		text()
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) stateCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "state <entity>",
		Short: "Replay an entity's derived state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref *time.Time
			if at != "" {
				t, err := time.Parse("2006-01-02", at)
				if err != nil {
					return fmt.Errorf("--at: use YYYY-MM-DD: %w", err)
				}
				t = fleet.EndOfDay(t)
				ref = &t
			}

			st, err := c.app.Service.DerivedState(cmd.Context(), fleet.EntityID(args[0]), ref)
			if err != nil && !isInconsistent(err) {
				return err
			}

			out := cmd.OutOrStdout()
			perr := c.print(out, st, func() {
				fmt.Fprintf(out, "%s (%s)\n", st.EntityID, st.Kind)
				fmt.Fprintf(out, "  Status:   %s\n", st.Status)
				if st.CurrentSiteID != "" {
					fmt.Fprintf(out, "  Site:     %s\n", st.CurrentSiteID)
				}
				if st.CurrentMachineID != "" {
					fmt.Fprintf(out, "  Mounted:  %s\n", st.CurrentMachineID)
				}
				if st.InTransitTo != "" {
					fmt.Fprintf(out, "  Heading:  %s\n", st.InTransitTo)
				}
				if st.EndDate != nil {
					fmt.Fprintf(out, "  Ends:     %s\n", st.EndDate.Format("2006-01-02"))
				}
				if st.IsInDowntime {
					fmt.Fprintf(out, "  Downtime: %s\n", st.DowntimeReason)
				}
				for _, x := range st.AttachedExtensions {
					fmt.Fprintf(out, "  Carries:  %s\n", x)
				}
				for _, inc := range st.Inconsistencies {
					fmt.Fprintf(out, "  ! %s\n", inc)
				}
			})
			if perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reference day (YYYY-MM-DD), default now")
	return cmd
}

func (c *cli) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [entity]",
		Short: "Reconcile denormalized statuses with the event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				res, err := c.app.Service.SyncEntity(cmd.Context(), fleet.EntityID(args[0]))
				if err != nil {
					return err
				}
				return c.print(out, res, func() {
					verb := "unchanged"
					if res.Changed {
						verb = "updated"
					}
					fmt.Fprintf(out, "%s: %s (%s)\n", res.EntityID, res.Status.Status, verb)
				})
			}

			res, err := c.app.Service.SyncAll(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(out, res, func() {
				fmt.Fprintf(out, "Synced %d entities, %d updated\n", res.Synced, res.Updated)
				for _, e := range res.Errors {
					fmt.Fprintf(out, "  %s: %s %s\n", e.EntityID, e.Code, e.Message)
				}
			})
		},
	}
}

func (c *cli) approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <event>",
		Short: "Approve a pending event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := c.app.Service.Approve(cmd.Context(), fleet.EventID(args[0]), c.actor)
			return c.printOutcome(cmd.OutOrStdout(), ev, err, "approved")
		},
	}
}

func (c *cli) rejectCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <event>",
		Short: "Reject a pending event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := c.app.Service.Reject(cmd.Context(), fleet.EventID(args[0]), c.actor, reason)
			return c.printOutcome(cmd.OutOrStdout(), ev, err, "rejected")
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason (required)")
	return cmd
}

func (c *cli) printOutcome(out io.Writer, ev *fleet.Event, err error, verb string) error {
	outcome := fleet.OutcomeOf(err, "event "+verb)
	perr := c.print(out, outcome, func() {
		if err != nil {
			return
		}
		fmt.Fprintf(out, "%s %s by %s\n", ev.ID, verb, ev.ApprovedBy)
	})
	if perr != nil {
		return perr
	}
	return err
}

func (c *cli) retriesCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "retries",
		Short: "List queued approve/reject retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := c.app.Service.Retries(cmd.Context(), fleet.RetryStatus(status))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return c.print(out, recs, func() {
				if len(recs) == 0 {
					fmt.Fprintln(out, "No retries")
					return
				}
				for _, r := range recs {
					fmt.Fprintf(out, "%s  %-7s %s  %-9s %d/%d  next %s\n",
						r.ID, r.Action, r.EventID, r.Status, r.RetryCount, r.MaxRetries,
						r.NextAttemptAt.Format(time.RFC3339))
				}
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, succeeded, failed, discarded)")

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Replay every due retry once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := c.app.RetryWorker(c.cfg)
			if w == nil {
				return fmt.Errorf("no retry queue configured")
			}
			run, err := w.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return c.print(out, run, func() {
				fmt.Fprintf(out, "Succeeded %d, rescheduled %d, failed %d, discarded %d\n",
					run.Succeeded, run.Rescheduled, run.Failed, run.Discarded)
			})
		},
	})
	return cmd
}

func isInconsistent(err error) bool {
	return fleet.Classify(err).Class == fleet.ClassStateInconsistency
}
