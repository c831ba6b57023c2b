package main

import (
	"github.com/philsphicas/beamfile/internal/app"
	"github.com/philsphicas/beamfile/internal/sender"
	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Send every file that appears in a directory",
		Long: `Watch a spool directory and send each regular file once it has not
changed for --settle. Files already present at startup are sent too. Names
starting with a dot are ignored, so producers can write ".name" and rename
it when complete.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}

	cmd.Flags().String("to", "", "destination, app.proxy or proxy")
	cmd.Flags().String("meta", "", "opaque JSON metadata sent along with every file")
	cmd.Flags().Duration("settle", sender.DefaultSettle, "quiet period before a file is sent")
	cmd.Flags().Bool("remove", false, "delete files after they were sent")
	cmd.Flags().Duration("open-timeout", 0, "total time budget for opening each socket (0 = single attempt)")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	meta, err := resolveMeta(cmd)
	if err != nil {
		return err
	}
	to, _ := cmd.Flags().GetString("to")
	settle, _ := cmd.Flags().GetDuration("settle")
	remove, _ := cmd.Flags().GetBool("remove")
	openTimeout, _ := cmd.Flags().GetDuration("open-timeout")

	return runMode(cmd, app.WatchMode{
		To:          to,
		Dir:         args[0],
		Meta:        meta,
		Settle:      settle,
		Remove:      remove,
		OpenTimeout: openTimeout,
	})
}
