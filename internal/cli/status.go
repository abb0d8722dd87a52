package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	backendpkg "github.com/PabloZaiden/ralpher/internal/backend"
	"github.com/PabloZaiden/ralpher/internal/config"
	"github.com/PabloZaiden/ralpher/internal/eventbus"
	"github.com/PabloZaiden/ralpher/internal/manager"
	"github.com/PabloZaiden/ralpher/internal/store"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List loops and their current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

// runStatus is read-only: it opens the store directly rather than
// standing up the full daemon, so it can be run alongside a live
// ralpherd serve process without contending for the backend manager's
// connections.
func runStatus(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.ApplyFlags(dataDirFlag, logLevelFlag); err != nil {
		return fmt.Errorf("applying flags: %w", err)
	}

	st, err := store.Open(ctx, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	bus := eventbus.New(nil)
	backends := backendpkg.New(remoteDialer, 0)
	mgr := manager.New(st, backends, bus)

	loops, err := mgr.ListLoops(ctx)
	if err != nil {
		return fmt.Errorf("listing loops: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\tNAME\tMODE\tSTATUS\tITERATION")
	for _, l := range loops {
		symbol, color := stateDisplay(l.State.Status)
		fmt.Fprintf(w, "%s%s%s\t%s\t%s\t%s\t%s\t%d\n",
			color, symbol, ansiReset,
			l.Config.ID, l.Config.Name, l.Config.Mode, l.State.Status, l.State.CurrentIteration)
	}
	return w.Flush()
}
