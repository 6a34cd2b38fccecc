// Command adminctl is a Cobra CLI standing in for the admin web UI
// named out of scope in spec.md §1: it drives restart and GC directly
// against the same Postgres/gRPC wiring as cmd/pipeline (SPEC_FULL §0).
// Grounded on cuemby-warren's cmd/warren root-command structure.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/baechuer/xraypipe/internal/bootstrap"
	"github.com/baechuer/xraypipe/internal/pkg/logger"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "adminctl",
	Short: "adminctl drives the xraypipe control-plane operations",
}

var restartCmd = &cobra.Command{
	Use:   "restart <engine-id> <uuid>",
	Short: "Restart a running engine over the restart RPC",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid engine id: %w", err)
		}

		logger.Init()
		app, cleanup, err := bootstrap.NewApp()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := app.EngineService.Restart(context.Background(), id, args[1]); err != nil {
			return err
		}
		fmt.Println("restart requested")
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run the dead-engine garbage collection sweep once",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Init()
		app, cleanup, err := bootstrap.NewApp()
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := app.EngineService.RemoveDead(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("removed %d dead engine row(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(restartCmd, gcCmd)
}
