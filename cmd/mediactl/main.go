// mediactl drives the media store from the command line using the same
// configuration as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/mediastore/internal/config"
	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/provenance"
	"github.com/fruitsalade/mediastore/internal/storage"
	"github.com/fruitsalade/mediastore/internal/storage/factory"
)

var (
	replicated  bool
	private     bool
	contentType string
	logLevel    string
)

func init() {
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level written to stderr")
	UploadCmd.Flags().BoolVarP(&replicated, "replicated", "r", false, "store on every replica instead of the first available backend")
	UploadCmd.Flags().BoolVarP(&private, "private", "p", false, "store under the private prefix (replicated uploads only)")
	UploadCmd.Flags().StringVarP(&contentType, "content-type", "t", "", "content type (detected when empty)")

	RootCmd.AddCommand(UploadCmd, DeleteCmd, BackendsCmd, NameCmd)
}

// RootCmd is the main command for the 'mediactl' binary.
var RootCmd = &cobra.Command{
	Use:           "mediactl",
	Short:         "manage objects in the tiered media store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// UploadCmd stores a local file and prints the upload result as JSON.
var UploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "upload a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		ct := contentType
		if ct == "" {
			ct = http.DetectContentType(data)
		}

		media, done, err := openMedia()
		if err != nil {
			return err
		}
		defer done()

		ctx := cmd.Context()
		filename := filepath.Base(args[0])
		var result *storage.UploadResult
		if replicated {
			visibility := storage.VisibilityPublic
			if private {
				visibility = storage.VisibilityPrivate
			}
			result, err = media.UploadReplicated(ctx, data, filename, ct, visibility)
		} else {
			result, err = media.UploadPriority(ctx, data, filename, ct)
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// DeleteCmd removes a stored object from every backend that may hold it.
var DeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "delete a stored object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := storage.ValidateName(args[0]); err != nil {
			return err
		}
		media, done, err := openMedia()
		if err != nil {
			return err
		}
		defer done()

		media.Delete(cmd.Context(), args[0])
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

// BackendsCmd lists the configured backends.
var BackendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "list storage backends and their availability",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		media, done, err := openMedia()
		if err != nil {
			return err
		}
		defer done()

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PRIORITY\tBACKEND\tAVAILABLE")
		for _, b := range media.Backends() {
			fmt.Fprintf(tw, "%d\t%s\t%t\n", b.Priority, b.Name, b.Available)
		}
		return tw.Flush()
	},
}

// NameCmd prints the storage name an upload of filename would receive.
var NameCmd = &cobra.Command{
	Use:   "name <filename>",
	Short: "print a generated storage name",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), storage.GenerateName(args[0]))
	},
}

func openMedia() (*storage.Orchestrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := logging.Init(logging.Config{
		Level:      logLevel,
		Format:     "console",
		OutputPath: "stderr",
	}); err != nil {
		return nil, nil, err
	}

	prov, closeProv, err := provenance.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	media, err := factory.Build(cfg, prov)
	if err != nil {
		closeProv()
		return nil, nil, err
	}
	return media, func() {
		closeProv()
		logging.Sync()
	}, nil
}

func main() {
	if err := RootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "mediactl: %v\n", err)
		os.Exit(1)
	}
}
