package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the mirror",
		Long: `Starts every supervised task: the live-event listener, the dispatch
fan-out, the crawl pipeline, history backfill workers, slot sweeps, search
watchdogs, and the operational HTTP server. Blocks until interrupted.`,

		RunE: runMirrorCommand,
	}
}

func runMirrorCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run mirror: %w", err)
	}
	appInstance.Logger().Info("run command finished")
	return nil
}
