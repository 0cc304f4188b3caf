package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/datakit/internal/backup"
	"github.com/roach88/datakit/internal/store"
)

// BackupOptions holds flags for the backup command.
type BackupOptions struct {
	*RootOptions
	Output string
	S3     bool
	Key    string
}

// BackupResult is the output of the backup command.
type BackupResult struct {
	Destination string `json:"destination"`
	Records     int    `json:"records"`
	Seq         int64  `json:"seq"`
	Bytes       int    `json:"bytes"`
}

func (r BackupResult) String() string {
	return fmt.Sprintf("backed up %d record(s) at seq %d to %s (%d bytes)", r.Records, r.Seq, r.Destination, r.Bytes)
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a JSON snapshot of the store",
		Long: `Write a JSON snapshot of every attached store to a file or, with --s3,
to the bucket configured under backup.s3 (or DATAKIT_S3_* variables).

Example:
  datakit backup -o snapshot.json
  datakit backup --s3 --key nightly/latest.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "snapshot file (default: <backup.dir>/datakit-<seq>-<time>.json)")
	cmd.Flags().BoolVar(&opts.S3, "s3", false, "upload to S3 instead of writing a file")
	cmd.Flags().StringVar(&opts.Key, "key", "", "S3 object key (default: <prefix>datakit-<seq>-<time>.json)")

	return cmd
}

func runBackup(opts *BackupOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.close()
	ctx := commandContext(cmd)
	coord := s.stack.Coordinator

	if opts.S3 {
		s3cfg := s.cfg.Backup.S3
		client, err := backup.NewS3Client(ctx, s3cfg)
		if err != nil {
			return fail(f, ExitCommandError, "failed to configure S3", err)
		}
		key := opts.Key
		if key == "" {
			key = backup.DefaultKey(s3cfg.Prefix, store.Snapshot{Seq: coord.Seq()}, time.Now())
		}
		res, err := backup.ToS3(ctx, coord, client, s3cfg.Bucket, key)
		if err != nil {
			return fail(f, ExitFailure, "backup failed", err)
		}
		return f.Success(BackupResult{
			Destination: fmt.Sprintf("s3://%s/%s", res.Bucket, res.Key),
			Records:     res.Records, Seq: res.Seq, Bytes: res.Bytes,
		})
	}

	path := opts.Output
	if path == "" {
		path = filepath.Join(s.cfg.Backup.Dir, backup.DefaultKey("", store.Snapshot{Seq: coord.Seq()}, time.Now()))
	}
	res, err := backup.ToFile(ctx, coord, path)
	if err != nil {
		return fail(f, ExitFailure, "backup failed", err)
	}
	return f.Success(BackupResult{Destination: res.Path, Records: res.Records, Seq: res.Seq, Bytes: res.Bytes})
}
