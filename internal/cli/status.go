package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/taskvault/internal/scheduler"
	"github.com/iambrandonn/taskvault/internal/vault"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths and the latest stats snapshot",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadOrCreateConfig(configPath)
	if err != nil {
		return err
	}

	v := vault.New(determineVaultRoot(cfg, cfgPath))
	initialized, err := v.IsInitialized()
	if err != nil {
		return err
	}
	if !initialized {
		return fmt.Errorf("vault at %s is not initialized; run 'taskvault init' first", v.Root)
	}

	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Queues:")
	for _, stage := range []vault.Stage{vault.StageInbox, vault.StageNeedsAction, vault.StagePlans, vault.StageDone} {
		depth, err := v.QueueDepth(stage)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %-12s %d\n", stage, depth)
	}

	data, err := os.ReadFile(v.StatsPath())
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(out, "\nNo stats snapshot yet (daemon not running, or first interval pending).")
		return nil
	}
	if err != nil {
		return err
	}

	var snap scheduler.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse stats snapshot: %w", err)
	}

	fmt.Fprintln(out, "\nCounters:")
	fmt.Fprintf(out, "  tasks detected       %d\n", snap.TasksDetected)
	fmt.Fprintf(out, "  plans generated      %d\n", snap.PlansGenerated)
	fmt.Fprintf(out, "  approvals processed  %d\n", snap.ApprovalsProcessed)
	fmt.Fprintf(out, "  tasks completed      %d\n", snap.TasksCompleted)
	fmt.Fprintf(out, "  errors               %d\n", snap.Errors)
	fmt.Fprintf(out, "\nStarted: %s\nUpdated: %s\n",
		snap.StartedAt.Format("2006-01-02 15:04:05 MST"),
		snap.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}
