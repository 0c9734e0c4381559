package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	sdauploader "github.com/CSCfi/sda-uploader"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sdacli <file or directory>",
		Short: "Encrypt and upload files to a Sensitive Data Archive SFTP inbox",
		Long: `sdacli encrypts files with Crypt4GH and uploads them to an SFTP inbox.

Files that already carry a Crypt4GH header are uploaded as they are. Interrupted
uploads are resumed on the next run unless --overwrite is given. A directory is
recreated under --remote-root with the same layout.

Authentication tries the identity file as an RSA key, then as an Ed25519 key,
then the account password. Every flag can also be set as an SDA_* environment
variable (SDA_USER_PASSWORD, SDA_PUBLIC_KEY, ...) or in a YAML --config file.

Examples:
  sdacli -H sftp.example.org -u submitter -i ~/.ssh/id_ed25519 --public-key archive.pub reads.bam
  sdacli -H sftp.example.org -u submitter --public-key archive.pub --remote-root /inbox dataset/`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0])
		},
	}
	registerFlags(cmd.Flags())
	return cmd
}

func run(cmd *cobra.Command, target string) error {
	o, err := loadOptions(cmd.Flags())
	if err != nil {
		return err
	}
	if err := o.validate(target); err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	log, err := newLogger(o, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	key, password, err := o.sshSecrets(stderr)
	if err != nil {
		return err
	}
	enc, err := o.encrypter(stderr, log)
	if err != nil {
		return err
	}

	cfg := o.config()
	cfg.Logger = log
	u, err := sdauploader.NewUploader(cfg, enc)
	if err != nil {
		return err
	}

	summary, err := u.Upload(cmd.Context(), sdauploader.Request{
		Target:      target,
		Destination: o.Destination,
		Mode:        o.mode(),
		Key:         key,
		Password:    password,
	})
	if err != nil {
		return err
	}

	printSummary(cmd.OutOrStdout(), summary)
	if err := summary.Err(); err != nil {
		log.Error("upload finished with errors", zap.Error(err))
		return fmt.Errorf("upload incomplete: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, s *sdauploader.Summary) {
	switch {
	case s.File != nil && s.File.Transfer != nil:
		t := s.File.Transfer
		fmt.Fprintf(w, "%s uploaded to %s: %d bytes sent (%s from offset %d)\n",
			s.File.SourcePath, t.RemotePath, t.Sent, t.Mode, t.Offset)
	case s.File != nil:
		fmt.Fprintf(w, "%s failed: %v\n", s.File.SourcePath, s.File.Error)
	case s.Directory != nil:
		d := s.Directory
		fmt.Fprintf(w, "%d files uploaded, %d failed, %d bytes sent\n", d.Uploaded, d.Failed, d.BytesSent)
		for _, f := range d.Files {
			if f.Error != nil {
				fmt.Fprintf(w, "  %s: %v\n", f.SourcePath, f.Error)
			}
		}
	}
}
