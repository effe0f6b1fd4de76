package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/taskvault/internal/config"
	"github.com/iambrandonn/taskvault/internal/vault"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a default config and the vault directory skeleton",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "taskvault.json")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("refusing to overwrite existing config at %s", configPath)
	}

	cfg := config.GenerateDefault()
	if err := config.Save(cfg, configPath); err != nil {
		return err
	}

	if err := vault.New(dir).Initialize(); err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created %s\n", configPath)
	fmt.Fprintf(out, "Initialized vault directories under %s\n", dir)
	fmt.Fprintln(out, "Edit the config to register sensors, then start with 'taskvault run'.")
	return nil
}
