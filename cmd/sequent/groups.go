package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/config"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Inspect and manage consumer groups",
}

func init() {
	groupsCmd.PersistentFlags().String("backend", "", "storage backend: postgres, sqlite, or memory (overrides config)")
	groupsCmd.PersistentFlags().String("dsn", "", "backend connection string (overrides config)")

	resetCmd.Flags().String("start-from", "beginning", "where to reset offsets to: beginning or now (honoured by the memory backend; postgres and sqlite ignore it)")

	groupsCmd.AddCommand(listCmd, startCmd, stopCmd, resetCmd)
}

func groupsBackend(cmd *cobra.Command) (backend.Backend, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("backend"); v != "" {
		cfg.Backend.Driver = v
	}
	if v, _ := cmd.Flags().GetString("dsn"); v != "" {
		cfg.Backend.DSN = v
	}
	return openMigratableBackend(cfg.Backend)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered consumer group and its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := groupsBackend(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		stats, err := store.Stats(context.Background())
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "GROUP\tSTATUS\tHIGHEST_GLOBAL_SEQ\tACTIVE_CLAIMS\tRETRY_COUNT")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", s.GroupID, s.Status, s.HighestGlobalSeq, s.ActiveClaims, s.RetryCount)
		}
		return w.Flush()
	},
}

var startCmd = &cobra.Command{
	Use:   "start GROUP_ID",
	Short: "Clear a group's stopped status and any pending retry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := groupsBackend(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.StartConsumerGroup(context.Background(), args[0]); err != nil {
			return fmt.Errorf("start group %s: %w", args[0], err)
		}
		fmt.Printf("group %s started\n", args[0])
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop GROUP_ID REASON",
	Short: "Stop a group, recording REASON in its error context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := groupsBackend(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if err := store.StopConsumerGroup(context.Background(), args[0], args[1]); err != nil {
			return fmt.Errorf("stop group %s: %w", args[0], err)
		}
		fmt.Printf("group %s stopped\n", args[0])
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset GROUP_ID",
	Short: "Clear all offsets for a group back to --start-from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := groupsBackend(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		startFrom := backend.StartFromBeginningValue
		if v, _ := cmd.Flags().GetString("start-from"); v == "now" {
			startFrom = backend.StartFromNowValue
		}

		if err := store.ResetConsumerGroup(context.Background(), args[0], startFrom); err != nil {
			return fmt.Errorf("reset group %s: %w", args[0], err)
		}
		fmt.Printf("group %s reset\n", args[0])
		return nil
	},
}
