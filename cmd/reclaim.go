package cmd

import (
	"fmt"

	"github.com/agentic-research/strata/internal/ingest"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(reclaimCmd)
	rootCmd.AddCommand(resetCmd)
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim [entity...]",
	Short: "Remove outputs whose input files were deleted, without converting",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(true)
		if err != nil {
			return err
		}
		defer e.Close()
		entities, err := entitiesArg(e.cfg, args)
		if err != nil {
			return err
		}
		if err := ingest.CheckRoot(e.cfg.SourceDir); err != nil {
			return err
		}

		lock, reg, err := openState(cmd.Context(), e)
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()
		defer func() { _ = reg.Close() }()

		rc := &ingest.Reclaimer{
			In:       osfs.New(e.cfg.SourceDir),
			Out:      osfs.New(e.cfg.TargetDir),
			Registry: reg,
			Layout:   ingest.Layout{Pattern: e.cfg.InputPattern, PartitionKey: e.cfg.PartitionKey},
			Sweep:    e.cfg.Sweep(),
			Log:      e.log.WithField("generation", lock.Generation()),
		}
		removed := 0
		for _, entity := range entities {
			rep, err := rc.Reclaim(cmd.Context(), entity)
			if err != nil {
				return err
			}
			removed += rep.Removed
			if rep.Errors != nil {
				for _, rerr := range rep.Errors.Errors {
					e.log.WithError(rerr).WithField("entity", entity).Warn("reclamation skipped a file")
				}
			}
		}
		fmt.Printf("Removed %d orphan outputs.\n", removed)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <entity>",
	Short: "Forget every registry record of an entity type so the next run reconverts it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(true)
		if err != nil {
			return err
		}
		defer e.Close()
		entities, err := entitiesArg(e.cfg, args)
		if err != nil {
			return err
		}

		lock, reg, err := openState(cmd.Context(), e)
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()
		defer func() { _ = reg.Close() }()

		n, err := reg.Clear(cmd.Context(), entities[0])
		if err != nil {
			return err
		}
		e.log.WithFields(logrus.Fields{"entity": entities[0], "records": n}).Warn("registry cleared")
		fmt.Printf("Cleared %d records for %s.\n", n, entities[0])
		return nil
	},
}
