package main

import (
	"github.com/philsphicas/beamfile/internal/app"
	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <path|->",
		Short: "Send a file or stdin through the proxy",
		Long: `Open a socket to the destination application and stream the file into
it. The destination is "app.proxy" or just "proxy" (same application name)
on the own broker. With "-" the content is read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: runSend,
	}

	cmd.Flags().String("to", "", "destination, app.proxy or proxy")
	cmd.Flags().String("name", "", "suggested file name (default: base name of the path)")
	cmd.Flags().String("meta", "", "opaque JSON metadata sent along with the file")
	cmd.Flags().Duration("open-timeout", 0, "total time budget for opening the socket (0 = single attempt)")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	meta, err := resolveMeta(cmd)
	if err != nil {
		return err
	}
	to, _ := cmd.Flags().GetString("to")
	name, _ := cmd.Flags().GetString("name")
	openTimeout, _ := cmd.Flags().GetDuration("open-timeout")

	return runMode(cmd, app.SendMode{
		To:          to,
		Path:        args[0],
		Name:        name,
		Meta:        meta,
		OpenTimeout: openTimeout,
	})
}
