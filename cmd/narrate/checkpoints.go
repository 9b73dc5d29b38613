package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrate/internal/checkpoint"
	"github.com/jackzampolin/narrate/internal/output"
)

var checkpointsCmd = &cobra.Command{
	Use:     "checkpoints",
	Aliases: []string{"cp"},
	Short:   "Inspect and clean up analysis checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored checkpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := services(cmd.Context())
		if err != nil {
			return err
		}
		infos, err := svc.Checkpoints.List()
		if err != nil {
			return err
		}
		if output.Format(outputFormat) != output.FormatTable {
			return write(cmd, infos)
		}
		return write(cmd, checkpointTable(infos))
	},
}

var checkpointsClearCmd = &cobra.Command{
	Use:   "clear [KEY]",
	Short: "Delete one checkpoint, or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := services(ctx)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			if err := svc.Checkpoints.DeleteKey(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted checkpoint %s\n", args[0])
			return nil
		}

		infos, err := svc.Checkpoints.List()
		if err != nil {
			return err
		}
		for _, info := range infos {
			if err := svc.Checkpoints.DeleteKey(ctx, info.Key); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d checkpoints\n", len(infos))
		return nil
	},
}

var checkpointsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired and corrupt checkpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := services(ctx)
		if err != nil {
			return err
		}
		removed, err := svc.Checkpoints.Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d checkpoints (ttl %s)\n", removed, svc.Checkpoints.TTL())
		return nil
	},
}

func init() {
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsClearCmd, checkpointsSweepCmd)
}

func checkpointTable(infos []checkpoint.Info) output.Table {
	t := output.Table{
		Head:  []string{"KEY", "BOOK", "CHAPTER", "STEP", "AGE", "SIZE", "STATE"},
		Right: []int{1, 2, 5},
	}
	for _, info := range infos {
		state := "ok"
		switch {
		case info.Corrupt:
			state = "corrupt"
		case info.Expired:
			state = "expired"
		}
		age := "-"
		if !info.Timestamp.IsZero() {
			age = time.Since(info.Timestamp).Round(time.Second).String()
		}
		t.Body = append(t.Body, []string{
			info.Key,
			strconv.FormatInt(info.BookID, 10),
			strconv.FormatInt(info.ChapterID, 10),
			info.Step.String(),
			age,
			strconv.FormatInt(info.Size, 10),
			state,
		})
	}
	return t
}
