package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/flow"
	"github.com/nextlevelbuilder/flowgate/internal/match"
	"github.com/nextlevelbuilder/flowgate/internal/store"
	"github.com/nextlevelbuilder/flowgate/internal/store/sqldb"
)

func flowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Flow definition management",
	}
	cmd.AddCommand(flowsValidateCmd())
	cmd.AddCommand(flowsImportCmd())
	return cmd
}

func flowsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a flow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := readGraph(args[0])
			if err != nil {
				return err
			}
			if err := flow.Validate(g); err != nil {
				return fmt.Errorf("invalid flow: %w", err)
			}
			fmt.Printf("%s: valid (%d nodes, %d edges)\n", args[0], len(g.Nodes), len(g.Edges))
			return nil
		},
	}
}

func flowsImportCmd() *cobra.Command {
	var (
		tenantID string
		name     string
		trigger  string
		activate bool
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Validate and store a flow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := readGraph(args[0])
			if err != nil {
				return err
			}
			if err := flow.Validate(g); err != nil {
				return fmt.Errorf("invalid flow: %w", err)
			}

			tid, err := uuid.Parse(tenantID)
			if err != nil {
				return fmt.Errorf("invalid --tenant: %w", err)
			}

			if trigger == "" {
				node := g.TriggerNode()
				data, derr := flow.Decode[flow.TriggerData](node)
				if derr != nil {
					return derr
				}
				trigger = data.Keyword
			}

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := sqldb.Open(cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			stores := sqldb.NewStores(db)

			status := store.FlowDraft
			if activate {
				status = store.FlowActive
			}
			f := &store.Flow{
				ID:         store.NewID(),
				TenantID:   tid,
				Name:       name,
				Trigger:    match.Normalize(trigger),
				Status:     status,
				Channel:    "whatsapp",
				Definition: *g,
			}
			if err := stores.Flows.Create(context.Background(), f); err != nil {
				return fmt.Errorf("store flow: %w", err)
			}
			fmt.Printf("flow %s created (%s, trigger %q)\n", f.ID, status, f.Trigger)
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&name, "name", "", "flow name")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger keyword (default: from the trigger node)")
	cmd.Flags().BoolVar(&activate, "activate", false, "create the flow as active")
	cmd.MarkFlagRequired("tenant")

	return cmd
}

func readGraph(path string) (*flow.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var g flow.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &g, nil
}
