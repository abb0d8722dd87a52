package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/PabloZaiden/ralpher/internal/config"
	"github.com/PabloZaiden/ralpher/internal/loop"
	"github.com/PabloZaiden/ralpher/internal/store"
)

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export <workspace-id> <output.yaml>",
	Short: "Export a workspace and its loops to a YAML bundle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.Load()
		if err := cfg.ApplyFlags(dataDirFlag, logLevelFlag); err != nil {
			return err
		}
		st, err := store.Open(ctx, cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		ws, err := st.GetWorkspace(ctx, args[0])
		if err != nil {
			return fmt.Errorf("loading workspace: %w", err)
		}
		loops, err := st.ListLoopsByWorkspace(ctx, ws.ID)
		if err != nil {
			return fmt.Errorf("listing loops: %w", err)
		}
		configs := make([]loop.Config, 0, len(loops))
		for _, l := range loops {
			configs = append(configs, l.Config)
		}
		return loop.WriteBundle(args[1], loop.Bundle{Workspace: ws, Loops: configs})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <bundle.yaml>",
	Short: "Create a workspace and draft loops from a YAML bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.Load()
		if err := cfg.ApplyFlags(dataDirFlag, logLevelFlag); err != nil {
			return err
		}
		st, err := store.Open(ctx, cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer st.Close()

		b, err := loop.ReadBundle(args[0])
		if err != nil {
			return err
		}
		if err := st.SaveWorkspace(ctx, b.Workspace); err != nil {
			return fmt.Errorf("saving workspace: %w", err)
		}
		for _, c := range b.Loops {
			c.WorkspaceID = b.Workspace.ID
			l := loop.Loop{Config: c, State: loop.State{Status: loop.StatusDraft}}
			if err := st.SaveLoop(ctx, l); err != nil {
				return fmt.Errorf("saving loop %s: %w", c.ID, err)
			}
		}
		fmt.Printf("imported workspace %s with %d loop(s)\n", b.Workspace.ID, len(b.Loops))
		return nil
	},
}
