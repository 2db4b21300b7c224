package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/aide/internal/config"
	"github.com/harun/aide/pkg/memory"
	"github.com/spf13/cobra"
)

var initForce bool

var workspaceSeeds = map[string]string{
	memory.IdentityFile: "# Identity\n\nYou are aide, a concise and helpful personal assistant.\n",
	memory.ProfileFile:  "# User\n\n",
	memory.NotesFile:    "# Memory\n\n",
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration and workspace",
	Long: `Write a default configuration file and create the workspace memory layout
(SOUL.md, USER.md, MEMORY.md and memory/). Existing files are kept unless
--force is given.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()

	if _, err := os.Stat(path); err == nil && !initForce {
		fmt.Fprintf(out, "Config already exists: %s\n", path)
	} else {
		cfg := config.DefaultConfig()
		cfg.DataDir = filepath.Dir(path)
		if err := loader.Save(cfg); err != nil {
			return err
		}
		fmt.Fprintf(out, "Config written to: %s\n", path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	dir, err := memory.EnsureMemoryDirectory(cfg.WorkspacePath)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	for name, body := range workspaceSeeds {
		path := filepath.Join(cfg.WorkspacePath, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	fmt.Fprintf(out, "Workspace ready: %s\n", cfg.WorkspacePath)
	fmt.Fprintf(out, "Memory notes: %s\n", dir)
	fmt.Fprintln(out, "\nSet ANTHROPIC_API_KEY, then start aide with: aide start")
	return nil
}
