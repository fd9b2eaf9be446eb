package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shardmig/shardmig/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shardmig",
	Short: "Shardmig - sharded data migration coordinator",
	Long: `Shardmig coordinates schema and data migrations across sharded
document and relational stores, with checkpointed resume, adaptive
batching, advisory shard locks and automatic rollback.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Shardmig version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("coordinator", "http://localhost:8080", "Coordinator API address")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(ackCmd)
	rootCmd.AddCommand(eventsCmd)
}

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("coordinator")
	return client.New(addr)
}

var statusCmd = &cobra.Command{
	Use:   "status MIGRATION_ID",
	Short: "Show a migration and its per-shard progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient(cmd).Status(args[0])
		if err != nil {
			return err
		}

		m := status.Migration
		fmt.Printf("Migration: %s (%s)\n", m.Name, m.ID)
		fmt.Printf("  State:  %s\n", m.State)
		fmt.Printf("  Stage:  %d\n", m.CurrentStage)
		fmt.Printf("  Items:  %d/%d\n", m.ItemsDone, m.ItemsTotal)
		if m.Error != "" {
			fmt.Printf("  Error:  %s\n", m.Error)
		}
		if len(m.Unrecoverable) > 0 {
			fmt.Printf("  Unrecoverable steps: %v (locks held, run 'shardmig ack %s')\n", m.Unrecoverable, m.ID)
		}

		if len(status.Progress) > 0 {
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tSHARD\tSTATUS\tITEMS\tCHECKPOINT")
			for _, p := range status.Progress {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					p.StepID, p.Shard, p.Status, p.ItemsProcessed, p.LastCheckpoint)
			}
			w.Flush()
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		migrations, err := apiClient(cmd).List(state)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCLASS\tSTATE\tITEMS")
		for _, m := range migrations {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\n",
				m.ID, m.Name, m.StoreClass, m.State, m.ItemsDone, m.ItemsTotal)
		}
		return w.Flush()
	},
}

var startCmd = &cobra.Command{
	Use:   "start MIGRATION_ID",
	Short: "Start a pending migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).Start(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Migration started: %s\n", args[0])
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel MIGRATION_ID",
	Short: "Cancel a migration, rolling back completed work",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).Cancel(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Cancellation requested: %s\n", args[0])
		return nil
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack MIGRATION_ID",
	Short: "Acknowledge an unrecoverable migration and release its shard locks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).Ack(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Acknowledged: %s\n", args[0])
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events MIGRATION_ID",
	Short: "Show the event history of a migration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := apiClient(cmd).Events(args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tKIND\tDETAIL")
		for _, e := range events {
			detail := ""
			if step, ok := e.Payload["step"]; ok {
				detail = step
			} else if errMsg, ok := e.Payload["error"]; ok {
				detail = errMsg
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.Timestamp.Format("15:04:05"), e.Kind, detail)
		}
		return w.Flush()
	},
}

func init() {
	listCmd.Flags().String("state", "", "Filter by migration state")
}
