package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/philsphicas/beamfile/internal/app"
	"github.com/philsphicas/beamfile/internal/auth"
	"github.com/philsphicas/beamfile/internal/naming"
	"github.com/philsphicas/beamfile/internal/receiver"
	"github.com/philsphicas/beamfile/internal/relay"
	"github.com/spf13/cobra"
)

func receiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive files arriving through the proxy",
		Long: `Poll the proxy for incoming sockets and hand every file to a sink:
print it, save it to a directory, forward it to an HTTP callback or upload
it to S3. Files are handled one at a time; a failed file is logged and the
loop carries on.`,
	}

	cmd.PersistentFlags().IntP("count", "n", 0, "stop after this many files, failed ones included (0 = run until interrupted)")
	cmd.PersistentFlags().Duration("retry-delay", relay.DefaultRetryDelay, "pause after a failed poll")
	cmd.PersistentFlags().StringSlice("allow-from", nil, "accept files only from these senders (app.proxy.broker, * matches one segment)")

	cmd.AddCommand(receivePrintCmd())
	cmd.AddCommand(receiveSaveCmd())
	cmd.AddCommand(receiveCallbackCmd())
	cmd.AddCommand(receiveS3Cmd())

	return cmd
}

func receivePrintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "print",
		Short: "Write received files to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(cmd, &receiver.PrintSink{W: cmd.OutOrStdout()})
		},
	}
}

func receiveSaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save received files to a directory",
		Long: `Save every received file below --outdir. The file name comes from the
--naming template: %f is the sender (app.proxy), %t the arrival time in Unix
seconds and %n the name suggested by the sender.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("outdir")
			template, _ := cmd.Flags().GetString("naming")
			return runReceive(cmd, &receiver.SaveSink{Dir: dir, Template: template})
		},
	}

	cmd.Flags().StringP("outdir", "o", "", "directory to save files in")
	cmd.Flags().StringP("naming", "p", naming.DefaultTemplate, "file name template (%f sender, %t unix time, %n suggested name)")
	_ = cmd.MarkFlagRequired("outdir")

	return cmd
}

func receiveCallbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callback <url>",
		Short: "POST received files to an HTTP endpoint",
		Long: `Forward every received file as a streaming POST to the URL. The suggested
name and the metadata travel in the "filename" and "metadata" headers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := resolveCallbackTokens(cmd)
			if err != nil {
				return err
			}
			return runReceive(cmd, &receiver.CallbackSink{URL: args[0], Tokens: tokens})
		},
	}

	cmd.Flags().String("bearer-token", "", "static bearer token for the callback (env BEAMFILE_CALLBACK_TOKEN)")
	cmd.Flags().String("entra-scope", "", "fetch bearer tokens from Entra ID for this scope (e.g. api://my-app/.default)")

	return cmd
}

// resolveCallbackTokens picks the bearer token source for the callback sink.
// A static token (flag or BEAMFILE_CALLBACK_TOKEN) and an Entra scope are
// mutually exclusive; with neither the callback is sent without a token.
func resolveCallbackTokens(cmd *cobra.Command) (auth.TokenProvider, error) {
	token := flagOrEnv(cmd, "bearer-token", "BEAMFILE_CALLBACK_TOKEN")
	scope, _ := cmd.Flags().GetString("entra-scope")
	switch {
	case token != "" && scope != "":
		return nil, errors.New("--bearer-token and --entra-scope are mutually exclusive")
	case token != "":
		return auth.StaticToken(token), nil
	case scope != "":
		entra, err := auth.NewEntraTokenProvider(scope)
		if err != nil {
			return nil, fmt.Errorf("entra auth for callback: %w", err)
		}
		return entra, nil
	default:
		return nil, nil
	}
}

func receiveS3Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "s3",
		Short: "Upload received files to an S3 bucket",
		Long: `Upload every received file as an object. The key is --prefix followed by
the --naming template. Credentials come from BEAMFILE_S3_ACCESS_KEY and
BEAMFILE_S3_SECRET_KEY, or from the default AWS credential chain.`,
		Args: cobra.NoArgs,
		RunE: runReceiveS3,
	}

	cmd.Flags().String("bucket", "", "target bucket")
	cmd.Flags().String("prefix", "", "object key prefix")
	cmd.Flags().StringP("naming", "p", naming.DefaultTemplate, "object name template (%f sender, %t unix time, %n suggested name)")
	cmd.Flags().String("endpoint", "", "S3 endpoint URL for S3-compatible stores (e.g. MinIO)")
	cmd.Flags().String("region", "", "S3 region (default from the AWS configuration)")
	cmd.Flags().Bool("path-style", false, "use path-style bucket addressing")
	_ = cmd.MarkFlagRequired("bucket")

	return cmd
}

func runReceiveS3(cmd *cobra.Command, args []string) error {
	bucket, _ := cmd.Flags().GetString("bucket")
	prefix, _ := cmd.Flags().GetString("prefix")
	template, _ := cmd.Flags().GetString("naming")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	region, _ := cmd.Flags().GetString("region")
	pathStyle, _ := cmd.Flags().GetBool("path-style")

	client, err := receiver.NewS3Client(cmd.Context(), receiver.S3Options{
		Region:    region,
		Endpoint:  endpoint,
		PathStyle: pathStyle,
		AccessKey: os.Getenv("BEAMFILE_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("BEAMFILE_S3_SECRET_KEY"),
	})
	if err != nil {
		return err
	}
	return runReceive(cmd, &receiver.S3Sink{
		Client:   client,
		Bucket:   bucket,
		Prefix:   prefix,
		Template: template,
	})
}

func runReceive(cmd *cobra.Command, sink receiver.Sink) error {
	mode, err := receiveMode(cmd, sink)
	if err != nil {
		return err
	}
	return runMode(cmd, mode)
}

func receiveMode(cmd *cobra.Command, sink receiver.Sink) (app.ReceiveMode, error) {
	count, _ := cmd.Flags().GetInt("count")
	if count < 0 {
		return app.ReceiveMode{}, fmt.Errorf("--count must be >= 0, got %d", count)
	}
	retryDelay, _ := cmd.Flags().GetDuration("retry-delay")
	if retryDelay < 0 {
		return app.ReceiveMode{}, fmt.Errorf("--retry-delay must be >= 0, got %s", retryDelay)
	}
	allow, _ := cmd.Flags().GetStringSlice("allow-from")
	return app.ReceiveMode{
		Sink:       sink,
		Count:      count,
		RetryDelay: retryDelay,
		AllowFrom:  allow,
	}, nil
}
