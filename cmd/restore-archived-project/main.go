// Command restore-archived-project rebuilds a project from its cold-storage
// backup: it downloads the archives, reassembles and extracts them, fills in
// images missing from the archive from the remote content store, repairs the
// annotations and finally imports the project back into the platform or
// packs it for download.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/supervisely-ecosystem/restore-archived-project/internal/errors"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/fetch"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/platform"
	"github.com/supervisely-ecosystem/restore-archived-project/internal/restorer"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore-archived-project",
		Short: "Restore a project from its cold-storage backup",
		Long: `
restore-archived-project downloads an archived project backup, restores the
project structure from it and either imports the project back into the
platform or uploads it to the team files as a downloadable archive.
`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		DisableAutoGenTag: true,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRestore(cmd.Context(), globalOptions)
		},
	}

	globalOptions.AddFlags(cmd.PersistentFlags())
	cmd.CompletionOptions.DisableDefaultCmd = true
	return cmd
}

func runRestore(ctx context.Context, opts GlobalOptions) error {
	log, err := newLogger(opts.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	kind, err := restorer.ParseKind(opts.ProjectType)
	if err != nil {
		return err
	}
	if opts.ProjectDir == "" {
		return errors.New("--project-dir is required")
	}
	if opts.Server == "" || opts.Token == "" {
		return errors.New("--server and --token are required")
	}

	client, err := platform.NewClient(opts.Server, opts.Token, opts.TeamID, opts.TaskID,
		platform.WithLogger(log))
	if err != nil {
		return err
	}

	cfg := restorer.Config{
		ProjectDir:     opts.ProjectDir,
		FilesURL:       fetch.DirectURL(opts.FilesURL),
		AnnotationsURL: fetch.DirectURL(opts.AnnotationsURL),
		Kind:           kind,
		DownloadMode:   opts.DownloadMode,
		TaskID:         opts.TaskID,
		TeamFilesDir:   opts.TeamFilesDir,
	}

	r := restorer.New(cfg, client, client, client, client, restorer.WithLogger(log))
	err = r.Run(ctx)
	if errors.Is(err, fetch.ErrExpiredSource) {
		// an expired backup is reported on the task card, not as a crash
		log.Info("stopping: the backup is no longer accessible")
		return nil
	}
	return err
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := newRootCommand().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
