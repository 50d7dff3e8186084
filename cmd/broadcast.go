package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/flowgate/internal/broadcast"
	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/engine"
	"github.com/nextlevelbuilder/flowgate/internal/store"
	"github.com/nextlevelbuilder/flowgate/internal/store/sqldb"
	"github.com/nextlevelbuilder/flowgate/internal/transport"
)

func broadcastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Run or schedule flow broadcasts",
	}
	cmd.AddCommand(broadcastRunCmd(), broadcastScheduleCmd())
	return cmd
}

// selectionFlags are shared by run and schedule.
type selectionFlags struct {
	tenantID  string
	flowID    string
	title     string
	body      string
	filterTag string
}

func (f *selectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&f.flowID, "flow", "", "flow id to fan out (required)")
	cmd.Flags().StringVar(&f.title, "title", "", "broadcast title")
	cmd.Flags().StringVar(&f.body, "body", "", "broadcast body")
	cmd.Flags().StringVar(&f.filterTag, "tag", "", "only contacts carrying this tag")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("flow")
}

func (f *selectionFlags) ids() (tenantID, flowID uuid.UUID, err error) {
	if tenantID, err = uuid.Parse(f.tenantID); err != nil {
		return tenantID, flowID, fmt.Errorf("invalid --tenant: %w", err)
	}
	if flowID, err = uuid.Parse(f.flowID); err != nil {
		return tenantID, flowID, fmt.Errorf("invalid --flow: %w", err)
	}
	return tenantID, flowID, nil
}

func openStores() (*store.Stores, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := sqldb.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return sqldb.NewStores(db), func() { db.Close() }, nil
}

func broadcastRunCmd() *cobra.Command {
	var (
		sel        selectionFlags
		contactIDs []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a broadcast and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			req := broadcast.Request{Title: sel.title, Body: sel.body, FilterTag: sel.filterTag}
			if req.TenantID, req.FlowID, err = sel.ids(); err != nil {
				return err
			}
			for _, raw := range contactIDs {
				id, perr := uuid.Parse(raw)
				if perr != nil {
					return fmt.Errorf("invalid --contact %q: %w", raw, perr)
				}
				req.ContactIDs = append(req.ContactIDs, id)
			}

			db, err := sqldb.Open(cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			stores := sqldb.NewStores(db)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng := engine.New(stores)
			runner := broadcast.NewRunner(stores, eng, transport.NewGraphClient(cfg), engine.NewKeyedMutex())

			bc, err := runner.Run(ctx, req)
			if err != nil {
				return err
			}
			fmt.Printf("broadcast %s: %s (%d sent, %d failed of %d)\n",
				bc.ID, bc.Status, bc.SuccessCount, bc.FailureCount, bc.TotalRecipients)
			if bc.Status == store.BroadcastFailed {
				os.Exit(1)
			}
			return nil
		},
	}

	sel.register(cmd)
	cmd.Flags().StringSliceVar(&contactIDs, "contact", nil, "explicit contact id (repeatable)")
	return cmd
}

func broadcastScheduleCmd() *cobra.Command {
	var (
		sel      selectionFlags
		cronExpr string
		runOnce  bool
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Create a cron-gated broadcast schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			tenantID, flowID, err := sel.ids()
			if err != nil {
				return err
			}
			if g := gronx.New(); !g.IsValid(cronExpr) {
				return fmt.Errorf("invalid --cron expression %q", cronExpr)
			}

			stores, closeDB, err := openStores()
			if err != nil {
				return err
			}
			defer closeDB()

			sched := &store.BroadcastSchedule{
				ID:        store.NewID(),
				TenantID:  tenantID,
				FlowID:    flowID,
				Title:     sel.title,
				Body:      sel.body,
				FilterTag: sel.filterTag,
				CronExpr:  cronExpr,
				RunOnce:   runOnce,
				Enabled:   true,
			}
			if err := stores.Schedules.Create(cmd.Context(), sched); err != nil {
				return fmt.Errorf("create schedule: %w", err)
			}
			fmt.Printf("schedule %s: %q (run once: %v)\n", sched.ID, cronExpr, runOnce)
			return nil
		},
	}

	sel.register(cmd)
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression, e.g. \"0 9 * * 1\" (required)")
	cmd.Flags().BoolVar(&runOnce, "once", false, "disable the schedule after its first run")
	cmd.MarkFlagRequired("cron")
	return cmd
}
